package httpcap

import (
	"github.com/inboxpilot/inboxpilot/pkg/capability"
)

// Factory builds HTTP-backed capabilities from manifest configuration.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

// ID returns the adapter kind this factory builds.
func (*Factory) ID() string {
	return "http"
}

func (f *Factory) Create(config map[string]any) (capability.Capability, error) {
	return New(config)
}
