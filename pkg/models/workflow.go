package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WorkflowType selects how the engine drives a workflow instance.
type WorkflowType string

const (
	WorkflowTypeSimpleInvoke     WorkflowType = "simple_invoke"
	WorkflowTypeDraftApproveSend WorkflowType = "draft_approve_send"
	WorkflowTypeMultiStep        WorkflowType = "multi_step"
	WorkflowTypeClarify          WorkflowType = "clarify"
)

// WorkflowState represents the lifecycle state of a workflow instance.
type WorkflowState string

const (
	StateCreated             WorkflowState = "created"
	StateDrafted             WorkflowState = "drafted"
	StatePendingApproval     WorkflowState = "pending_approval"
	StateApproved            WorkflowState = "approved"
	StateRevising            WorkflowState = "revising"
	StateSending             WorkflowState = "sending"
	StatePendingConfirmation WorkflowState = "pending_confirmation"
	StateSent                WorkflowState = "sent"      // terminal
	StateCancelled           WorkflowState = "cancelled" // terminal
	StateExpired             WorkflowState = "expired"   // terminal
)

// transitions is the only authority on legal state changes. Cancelled and
// Expired are reachable from every non-terminal state; everything else is
// listed explicitly.
var transitions = map[WorkflowState][]WorkflowState{
	StateCreated:             {StateDrafted, StatePendingConfirmation, StateSending},
	StateDrafted:             {StatePendingApproval},
	StatePendingApproval:     {StateApproved, StateRevising},
	StateApproved:            {StateSending},
	StateRevising:            {StateDrafted},
	StateSending:             {StateSent, StateDrafted},
	StatePendingConfirmation: {StateSending},
	StateSent:                {},
	StateCancelled:           {},
	StateExpired:             {},
}

// Terminal reports whether no further transition is accepted from s.
func (s WorkflowState) Terminal() bool {
	return s == StateSent || s == StateCancelled || s == StateExpired
}

// CanTransitionTo reports whether the edge s -> next is in the table.
func (s WorkflowState) CanTransitionTo(next WorkflowState) bool {
	if s.Terminal() {
		return false
	}

	if next == StateCancelled || next == StateExpired {
		return true
	}

	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// WorkflowInstance is the live state-machine record coordinating one
// conversation's lifecycle. At most one active instance exists per
// conversation; transitions for one instance are processed strictly
// sequentially by its owning execution context.
type WorkflowInstance struct {
	ID                  string                `json:"id"`
	ConversationID      string                `json:"conversation_id"`
	Type                WorkflowType          `json:"type"`
	State               WorkflowState         `json:"state"`
	Draft               *Draft                `json:"draft,omitempty"`
	PendingConfirmation *ConfirmationRequest  `json:"pending_confirmation,omitempty"`
	StepQueue           []Step                `json:"step_queue,omitempty"`
	CompletedSteps      []Step                `json:"completed_steps,omitempty"`
	FailureNote         string                `json:"failure_note,omitempty"`
	Version             int64                 `json:"version"`
	CreatedAt           time.Time             `json:"created_at"`
	UpdatedAt           time.Time             `json:"updated_at"`
}

// NewWorkflowInstance creates an instance in the Created state.
func NewWorkflowInstance(conversationID string, wfType WorkflowType, now time.Time) *WorkflowInstance {
	return &WorkflowInstance{
		ID:             "wf-" + uuid.New().String()[:8],
		ConversationID: conversationID,
		Type:           wfType,
		State:          StateCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// TransitionTo moves the instance to next if the edge is legal, refusing
// everything outside the transition table. Cancellation discards the
// pending step queue and confirmation challenge.
func (w *WorkflowInstance) TransitionTo(next WorkflowState, now time.Time) error {
	if !w.State.CanTransitionTo(next) {
		return fmt.Errorf("illegal workflow transition %s -> %s for %s", w.State, next, w.ID)
	}

	if next == StateCancelled || next == StateExpired {
		w.StepQueue = nil
		w.PendingConfirmation = nil
	}

	w.State = next
	w.UpdatedAt = now

	return nil
}
