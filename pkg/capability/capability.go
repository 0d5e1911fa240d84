// Package capability defines the uniform boundary through which the engine
// invokes external collaborators (mail provider, contacts, preferences).
package capability

import (
	"context"
	"log/slog"
)

// Capability executes one call against an external collaborator. The
// returned payload is the collaborator's decoded response; errors mean the
// call did not take effect (or its effect is unknown).
type Capability interface {
	Invoke(ctx context.Context, params map[string]any, logger *slog.Logger) (map[string]any, error)
}

// Factory builds capabilities from configuration. ID names the adapter kind
// ("http", "static"), not an individual capability.
type Factory interface {
	Create(config map[string]any) (Capability, error)
	ID() string
}

// Descriptor carries the invocation policy for one registered capability.
// Retryable and Destructive drive the coordinator's retry policy and the
// safety gate; ParamsSchema, when set, is a JSON schema validated against
// parameters before every invocation.
type Descriptor struct {
	Name         string `json:"name"         validate:"required"`
	Group        string `json:"group"        validate:"required"`
	Description  string `json:"description"`
	Retryable    bool   `json:"retryable"`
	Destructive  bool   `json:"destructive"`
	ParamsSchema string `json:"params_schema,omitempty"`
}
