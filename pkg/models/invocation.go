package models

// CapabilityInvocation is a single call into the external action boundary
// (fetch, send, label, delete, ...). Retryable and Destructive mirror the
// registered capability descriptor at plan-build time so a persisted step
// queue stays self-describing across restarts.
type CapabilityInvocation struct {
	Name        string            `json:"name"`
	Parameters  map[string]any    `json:"parameters,omitempty"`
	Retryable   bool              `json:"retryable"`
	Destructive bool              `json:"destructive"`
	Result      *InvocationResult `json:"result,omitempty"`
}

// InvocationResult is the uniform outcome shape returned by every capability.
type InvocationResult struct {
	Success bool           `json:"success"`
	Payload map[string]any `json:"payload,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Step is one entry of a multi-step plan. Bindings map a parameter name to a
// dotted "step.field" path into an earlier step's result payload; the value
// is resolved immediately before this step is invoked.
type Step struct {
	Name       string               `json:"name"`
	Invocation CapabilityInvocation `json:"invocation"`
	Bindings   map[string]string    `json:"bindings,omitempty"`
}
