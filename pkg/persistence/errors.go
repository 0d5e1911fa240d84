package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrInstanceNotFound indicates no active workflow instance exists for
	// the conversation.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrInstanceNotTerminal indicates an archive was attempted on a
	// still-active instance.
	ErrInstanceNotTerminal = errors.New("workflow instance is not terminal")

	// ErrConcurrencyConflict indicates a second writer saved the instance
	// since it was loaded. The conflicting write is rejected, not merged.
	ErrConcurrencyConflict = errors.New("workflow instance version conflict")
)

// InstanceError wraps instance store failures with operation context.
type InstanceError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("%s failed for conversation %s: %v", e.Op, e.ConversationID, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}

// NewInstanceError creates an instance error with context.
func NewInstanceError(op, conversationID string, err error) *InstanceError {
	return &InstanceError{Op: op, ConversationID: conversationID, Err: err}
}

// IsInstanceNotFound reports whether err means the conversation has no
// active workflow.
func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}

// IsConcurrencyConflict reports whether err is a rejected second write.
func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}
