// Package engine drives per-conversation workflows: intent routing, the
// draft/approval state machine, the safety gate for destructive actions and
// the multi-step coordinator.
package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrConfirmationTimeout indicates the confirmation window closed
	// before a matching reply arrived. The gated action did not happen.
	ErrConfirmationTimeout = errors.New("confirmation window expired")

	// ErrConfirmationMismatch indicates the reply did not match the
	// required phrase. The gated action did not happen.
	ErrConfirmationMismatch = errors.New("confirmation phrase mismatch")

	// ErrTargetCapExceeded indicates a destructive request named more
	// targets than the hard cap allows; it is rejected before any
	// confirmation is issued.
	ErrTargetCapExceeded = errors.New("destructive target count exceeds hard cap")

	// ErrRouting is defensive: the routing table is total, so this should
	// be unreachable.
	ErrRouting = errors.New("no route for intent category")
)

// ValidationError reports a malformed utterance or missing slot. It
// surfaces to the user as a clarification request, never a silent default.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var validationErr *ValidationError

	return errors.As(err, &validationErr)
}

// StepBindingError reports a binding that references a field absent from a
// prior step's result. It is raised before the dependent capability runs.
type StepBindingError struct {
	StepIndex int
	Parameter string
	Reference string
}

func (e *StepBindingError) Error() string {
	return fmt.Sprintf("step %d: binding %q references %q which is absent from prior results",
		e.StepIndex, e.Parameter, e.Reference)
}

// IsStepBindingError reports whether err is a StepBindingError.
func IsStepBindingError(err error) bool {
	var bindingErr *StepBindingError

	return errors.As(err, &bindingErr)
}

// CapabilityFailure reports a capability invocation that did not succeed,
// after any permitted retries.
type CapabilityFailure struct {
	Capability string
	Retryable  bool
	Err        error
}

func (e *CapabilityFailure) Error() string {
	return fmt.Sprintf("capability %s failed: %v", e.Capability, e.Err)
}

func (e *CapabilityFailure) Unwrap() error {
	return e.Err
}
