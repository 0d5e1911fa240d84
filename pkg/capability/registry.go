package capability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xeipuuv/gojsonschema"

	"github.com/inboxpilot/inboxpilot/pkg/models"
)

type registration struct {
	descriptor Descriptor
	capability Capability
}

// Registry holds every capability the engine may invoke. It is populated at
// startup and read-only afterwards, so it is shared without locking.
type Registry struct {
	logger        *slog.Logger
	registrations map[string]registration
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:        logger.With("module", "capability_registry"),
		registrations: make(map[string]registration),
	}
}

// Register binds a capability to its descriptor, replacing any previous
// registration under the same name.
func (r *Registry) Register(descriptor Descriptor, impl Capability) {
	r.registrations[descriptor.Name] = registration{descriptor: descriptor, capability: impl}
}

// Descriptor returns the invocation policy for a registered capability.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	reg, ok := r.registrations[name]

	return reg.descriptor, ok
}

// Descriptors lists every registered capability descriptor.
func (r *Registry) Descriptors() []Descriptor {
	descriptors := make([]Descriptor, 0, len(r.registrations))
	for _, reg := range r.registrations {
		descriptors = append(descriptors, reg.descriptor)
	}

	return descriptors
}

// Invoke validates parameters against the capability's schema and executes
// the call, returning the uniform result shape. An unregistered name or a
// schema violation is an error before anything external happens.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any) (models.InvocationResult, error) {
	reg, ok := r.registrations[name]
	if !ok {
		return models.InvocationResult{}, fmt.Errorf("capability %q not registered", name)
	}

	if err := r.validateParams(reg.descriptor, params); err != nil {
		return models.InvocationResult{}, err
	}

	logger := r.logger.With("capability", name, "group", reg.descriptor.Group)

	payload, err := reg.capability.Invoke(ctx, params, logger)
	if err != nil {
		logger.ErrorContext(ctx, "Capability invocation failed", "error", err)

		return models.InvocationResult{Success: false, Error: err.Error()}, nil
	}

	return models.InvocationResult{Success: true, Payload: payload}, nil
}

func (r *Registry) validateParams(descriptor Descriptor, params map[string]any) error {
	if descriptor.ParamsSchema == "" {
		return nil
	}

	if params == nil {
		params = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(descriptor.ParamsSchema),
		gojsonschema.NewGoLoader(params),
	)
	if err != nil {
		return fmt.Errorf("failed to validate parameters for %s: %w", descriptor.Name, err)
	}

	if !result.Valid() {
		return fmt.Errorf("invalid parameters for %s: %s", descriptor.Name, result.Errors()[0].String())
	}

	return nil
}
