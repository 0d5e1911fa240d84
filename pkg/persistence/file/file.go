// Package file provides file-based persistence for workflow instances,
// suitable for local development and tests.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/inboxpilot/inboxpilot/pkg/models"
	"github.com/inboxpilot/inboxpilot/pkg/persistence"
)

// Persistence implements persistence.Persistence on the local file system.
// Active instances live under instances/<conversation>.json; terminal
// instances move to archive/<workflow-id>.json.
type Persistence struct {
	root string
	mu   sync.Mutex
}

// NewPersistence creates a file store rooted at the given directory. A
// "file://" prefix on the root is stripped.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{root: cleanRoot}
}

func (fp *Persistence) instancePath(conversationID string) string {
	return filepath.Join(fp.root, "instances", conversationID+".json")
}

func (fp *Persistence) ActiveInstance(_ context.Context, conversationID string) (*models.WorkflowInstance, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	return fp.readInstance(conversationID)
}

func (fp *Persistence) readInstance(conversationID string) (*models.WorkflowInstance, error) {
	data, err := os.ReadFile(fp.instancePath(conversationID))
	if os.IsNotExist(err) {
		return nil, persistence.NewInstanceError("ActiveInstance", conversationID, persistence.ErrInstanceNotFound)
	}

	if err != nil {
		return nil, persistence.NewInstanceError("ActiveInstance", conversationID, err)
	}

	var instance models.WorkflowInstance
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, persistence.NewInstanceError("ActiveInstance", conversationID, err)
	}

	return &instance, nil
}

func (fp *Persistence) ActiveInstances(_ context.Context) ([]*models.WorkflowInstance, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	dir := filepath.Join(fp.root, "instances")

	files, err := fs.Glob(os.DirFS(dir), "*.json")
	if err != nil || len(files) == 0 {
		return []*models.WorkflowInstance{}, nil
	}

	instances := make([]*models.WorkflowInstance, 0, len(files))

	for _, file := range files {
		conversationID := strings.TrimSuffix(file, ".json")

		instance, err := fp.readInstance(conversationID)
		if err != nil {
			return nil, err
		}

		instances = append(instances, instance)
	}

	return instances, nil
}

func (fp *Persistence) SaveInstance(_ context.Context, instance *models.WorkflowInstance) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	stored, err := fp.readInstance(instance.ConversationID)
	if err != nil && !persistence.IsInstanceNotFound(err) {
		return err
	}

	if stored != nil && stored.Version != instance.Version {
		return persistence.NewInstanceError("SaveInstance", instance.ConversationID, persistence.ErrConcurrencyConflict)
	}

	instance.Version++

	return fp.writeJSON(fp.instancePath(instance.ConversationID), instance)
}

func (fp *Persistence) ArchiveInstance(_ context.Context, instance *models.WorkflowInstance) error {
	if !instance.State.Terminal() {
		return persistence.NewInstanceError("ArchiveInstance", instance.ConversationID, persistence.ErrInstanceNotTerminal)
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()

	archivePath := filepath.Join(fp.root, "archive", instance.ID+".json")
	if err := fp.writeJSON(archivePath, instance); err != nil {
		return err
	}

	if err := os.Remove(fp.instancePath(instance.ConversationID)); err != nil && !os.IsNotExist(err) {
		return persistence.NewInstanceError("ArchiveInstance", instance.ConversationID, err)
	}

	return nil
}

func (fp *Persistence) writeJSON(path string, instance *models.WorkflowInstance) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return persistence.NewInstanceError("SaveInstance", instance.ConversationID, err)
	}

	data, err := json.MarshalIndent(instance, "", "  ")
	if err != nil {
		return persistence.NewInstanceError("SaveInstance", instance.ConversationID, err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return persistence.NewInstanceError("SaveInstance", instance.ConversationID, err)
	}

	return nil
}

// HealthCheck verifies the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return fmt.Errorf("persistence root %s: %w", fp.root, os.ErrNotExist)
	}

	return nil
}

// Close performs any necessary cleanup. Nothing to do for files.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}
