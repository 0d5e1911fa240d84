// Package static provides a canned-response capability for development and
// tests. It answers every invocation with a configured payload or error.
package static

import (
	"context"
	"errors"
	"log/slog"

	"github.com/inboxpilot/inboxpilot/pkg/capability"
)

// Capability returns its configured payload on every invocation.
type Capability struct {
	Payload map[string]any
	Fail    string
}

func New(config map[string]any) *Capability {
	if config == nil {
		config = map[string]any{}
	}

	payload, _ := config["payload"].(map[string]any)
	fail, _ := config["fail"].(string)

	return &Capability{Payload: payload, Fail: fail}
}

func (c *Capability) Invoke(ctx context.Context, params map[string]any, logger *slog.Logger) (map[string]any, error) {
	logger.DebugContext(ctx, "Invoking static capability", "params", params)

	if c.Fail != "" {
		return nil, errors.New(c.Fail)
	}

	if c.Payload == nil {
		return map[string]any{}, nil
	}

	return c.Payload, nil
}

// Factory builds static capabilities from manifest configuration.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (*Factory) ID() string {
	return "static"
}

func (f *Factory) Create(config map[string]any) (capability.Capability, error) {
	return New(config), nil
}
