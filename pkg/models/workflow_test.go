package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []WorkflowState{
	StateCreated,
	StateDrafted,
	StatePendingApproval,
	StateApproved,
	StateRevising,
	StateSending,
	StatePendingConfirmation,
	StateSent,
	StateCancelled,
	StateExpired,
}

// legalEdges mirrors the design transition table. The exhaustive check below
// asserts CanTransitionTo agrees with it for every (from, to) pair.
var legalEdges = map[WorkflowState][]WorkflowState{
	StateCreated:             {StateDrafted, StatePendingConfirmation, StateSending, StateCancelled, StateExpired},
	StateDrafted:             {StatePendingApproval, StateCancelled, StateExpired},
	StatePendingApproval:     {StateApproved, StateRevising, StateCancelled, StateExpired},
	StateApproved:            {StateSending, StateCancelled, StateExpired},
	StateRevising:            {StateDrafted, StateCancelled, StateExpired},
	StateSending:             {StateSent, StateDrafted, StateCancelled, StateExpired},
	StatePendingConfirmation: {StateSending, StateCancelled, StateExpired},
	StateSent:                {},
	StateCancelled:           {},
	StateExpired:             {},
}

func TestWorkflowTransitionTableExhaustive(t *testing.T) {
	for _, from := range allStates {
		for _, to := range allStates {
			legal := false

			for _, allowed := range legalEdges[from] {
				if allowed == to {
					legal = true

					break
				}
			}

			assert.Equalf(t, legal, from.CanTransitionTo(to),
				"transition %s -> %s", from, to)
		}
	}
}

func TestTerminalStatesAcceptNothing(t *testing.T) {
	now := time.Now().UTC()

	for _, terminal := range []WorkflowState{StateSent, StateCancelled, StateExpired} {
		assert.True(t, terminal.Terminal())

		instance := NewWorkflowInstance("conv-1", WorkflowTypeDraftApproveSend, now)
		instance.State = terminal

		for _, to := range allStates {
			err := instance.TransitionTo(to, now)
			assert.Errorf(t, err, "terminal state %s accepted transition to %s", terminal, to)
			assert.Equal(t, terminal, instance.State)
		}
	}
}

func TestTransitionToUpdatesTimestampAndState(t *testing.T) {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	later := created.Add(5 * time.Second)

	instance := NewWorkflowInstance("conv-1", WorkflowTypeDraftApproveSend, created)

	require.NoError(t, instance.TransitionTo(StateDrafted, later))
	assert.Equal(t, StateDrafted, instance.State)
	assert.Equal(t, later, instance.UpdatedAt)
}

func TestCancellationDiscardsPendingWork(t *testing.T) {
	now := time.Now().UTC()

	instance := NewWorkflowInstance("conv-1", WorkflowTypeMultiStep, now)
	require.NoError(t, instance.TransitionTo(StatePendingConfirmation, now))

	instance.StepQueue = []Step{{Name: "delete", Invocation: CapabilityInvocation{Name: "email.delete"}}}
	instance.PendingConfirmation = &ConfirmationRequest{
		RequiredPhrase: "CONFIRM PERMANENT DELETE",
		ExpiresAt:      now.Add(time.Minute),
	}

	require.NoError(t, instance.TransitionTo(StateCancelled, now))
	assert.Nil(t, instance.StepQueue)
	assert.Nil(t, instance.PendingConfirmation)
}

func TestIllegalTransitionLeavesInstanceUntouched(t *testing.T) {
	now := time.Now().UTC()

	instance := NewWorkflowInstance("conv-1", WorkflowTypeDraftApproveSend, now)

	err := instance.TransitionTo(StateSent, now)
	require.Error(t, err)
	assert.Equal(t, StateCreated, instance.State)
}
