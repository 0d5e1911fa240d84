// Package persistence provides the data storage abstraction for workflow
// instances, keyed by conversation so in-flight approvals survive restarts.
package persistence

import (
	"context"

	"github.com/inboxpilot/inboxpilot/pkg/models"
)

// Persistence stores workflow instances durably. Exactly one active
// instance exists per conversation; terminal instances move to the archive
// and free the conversation key.
type Persistence interface {
	// ActiveInstance returns the live instance for a conversation, or
	// ErrInstanceNotFound.
	ActiveInstance(ctx context.Context, conversationID string) (*models.WorkflowInstance, error)

	// ActiveInstances lists every live instance, for the expiry watchdog.
	ActiveInstances(ctx context.Context) ([]*models.WorkflowInstance, error)

	// SaveInstance persists the instance under its conversation key,
	// incrementing its version. A version mismatch against the stored copy
	// is ErrConcurrencyConflict.
	SaveInstance(ctx context.Context, instance *models.WorkflowInstance) error

	// ArchiveInstance moves a terminal instance out of the active keyspace.
	ArchiveInstance(ctx context.Context, instance *models.WorkflowInstance) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
