// Package cmd provides common initialization functions for command-line
// applications.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/inboxpilot/inboxpilot/pkg/capabilities/httpcap"
	"github.com/inboxpilot/inboxpilot/pkg/capabilities/static"
	"github.com/inboxpilot/inboxpilot/pkg/capability"
)

// capabilityManifest binds capability names to provider adapters. Each entry
// becomes one registry registration.
type capabilityManifest struct {
	Capabilities []capabilityEntry `json:"capabilities"`
}

type capabilityEntry struct {
	Name         string          `json:"name"`
	Group        string          `json:"group"`
	Description  string          `json:"description,omitempty"`
	Retryable    bool            `json:"retryable"`
	Destructive  bool            `json:"destructive"`
	Provider     string          `json:"provider"`
	Config       map[string]any  `json:"config,omitempty"`
	ParamsSchema json.RawMessage `json:"params_schema,omitempty"`
}

func nativeFactories() map[string]capability.Factory {
	factories := map[string]capability.Factory{}

	for _, factory := range []capability.Factory{
		httpcap.NewFactory(),
		static.NewFactory(),
	} {
		factories[factory.ID()] = factory
	}

	return factories
}

// NewRegistry loads the capability manifest and registers every entry
// through its provider factory.
func NewRegistry(ctx context.Context, logger *slog.Logger, manifestPath string) (*capability.Registry, error) {
	registry := capability.NewRegistry(logger)

	if manifestPath == "" {
		logger.WarnContext(ctx, "No capability manifest configured, registry is empty")

		return registry, nil
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("reading capability manifest: %w", err)
	}

	var manifest capabilityManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parsing capability manifest: %w", err)
	}

	factories := nativeFactories()

	for _, entry := range manifest.Capabilities {
		provider := entry.Provider
		if provider == "" {
			provider = "http"
		}

		factory, ok := factories[provider]
		if !ok {
			return nil, fmt.Errorf("capability %s: unknown provider %q", entry.Name, provider)
		}

		impl, err := factory.Create(entry.Config)
		if err != nil {
			return nil, fmt.Errorf("capability %s: %w", entry.Name, err)
		}

		registry.Register(capability.Descriptor{
			Name:         entry.Name,
			Group:        entry.Group,
			Description:  entry.Description,
			Retryable:    entry.Retryable,
			Destructive:  entry.Destructive,
			ParamsSchema: string(entry.ParamsSchema),
		}, impl)
	}

	logger.InfoContext(ctx, "Capability registry loaded",
		"manifest", manifestPath, "capabilities", len(manifest.Capabilities))

	return registry, nil
}
