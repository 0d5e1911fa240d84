// Package events defines the typed lifecycle notifications published on
// every workflow transition.
package events

import (
	"time"

	"github.com/inboxpilot/inboxpilot/pkg/models"
)

type EventType string

// Topic is the single stream carrying every lifecycle event.
const Topic = "inboxpilot.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	UtteranceReceivedEvent     EventType = "utterance.received"
	DraftCreatedEvent          EventType = "draft.created"
	DraftRevisedEvent          EventType = "draft.revised"
	ApprovalRequestedEvent     EventType = "approval.requested"
	ConfirmationRequestedEvent EventType = "confirmation.requested"
	ConfirmationAbortedEvent   EventType = "confirmation.aborted"
	StepCompletedEvent         EventType = "step.completed"
	StepFailedEvent            EventType = "step.failed"
	WorkflowSentEvent          EventType = "workflow.sent"
	WorkflowCancelledEvent     EventType = "workflow.cancelled"
	WorkflowExpiredEvent       EventType = "workflow.expired"
	UserPromptIssuedEvent      EventType = "prompt.issued"
)

type BaseEvent struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	ConversationID string         `json:"conversation_id"`
	WorkflowID     string         `json:"workflow_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type UtteranceReceived struct {
	BaseEvent

	Utterance models.Utterance `json:"utterance"`
}

func (e UtteranceReceived) GetType() EventType {
	return UtteranceReceivedEvent
}

type DraftCreated struct {
	BaseEvent

	DraftID string `json:"draft_id"`
	Subject string `json:"subject"`
}

func (e DraftCreated) GetType() EventType {
	return DraftCreatedEvent
}

type DraftRevised struct {
	BaseEvent

	DraftID   string `json:"draft_id"`
	Revisions int    `json:"revisions"`
	Feedback  string `json:"feedback"`
}

func (e DraftRevised) GetType() EventType {
	return DraftRevisedEvent
}

type ApprovalRequested struct {
	BaseEvent

	DraftID string `json:"draft_id"`
}

func (e ApprovalRequested) GetType() EventType {
	return ApprovalRequestedEvent
}

// ConfirmationRequested is published when the safety gate challenges a
// destructive invocation.
type ConfirmationRequested struct {
	BaseEvent

	RequiredPhrase  string    `json:"required_phrase"`
	RiskDescription string    `json:"risk_description"`
	ExpiresAt       time.Time `json:"expires_at"`
}

func (e ConfirmationRequested) GetType() EventType {
	return ConfirmationRequestedEvent
}

// ConfirmationAborted is published when a destructive invocation was NOT
// executed, whether by mismatch, timeout or target-cap rejection.
type ConfirmationAborted struct {
	BaseEvent

	Reason string `json:"reason"`
}

func (e ConfirmationAborted) GetType() EventType {
	return ConfirmationAbortedEvent
}

type StepCompleted struct {
	BaseEvent

	StepName   string `json:"step_name"`
	Capability string `json:"capability"`
}

func (e StepCompleted) GetType() EventType {
	return StepCompletedEvent
}

type StepFailed struct {
	BaseEvent

	StepName   string `json:"step_name"`
	Capability string `json:"capability"`
	StepIndex  int    `json:"step_index"`
	Error      string `json:"error"`
}

func (e StepFailed) GetType() EventType {
	return StepFailedEvent
}

type WorkflowSent struct {
	BaseEvent

	DraftID   string `json:"draft_id,omitempty"`
	Revisions int    `json:"revisions,omitempty"`
}

func (e WorkflowSent) GetType() EventType {
	return WorkflowSentEvent
}

type WorkflowCancelled struct {
	BaseEvent
}

func (e WorkflowCancelled) GetType() EventType {
	return WorkflowCancelledEvent
}

type WorkflowExpired struct {
	BaseEvent

	IdleState models.WorkflowState `json:"idle_state"`
}

func (e WorkflowExpired) GetType() EventType {
	return WorkflowExpiredEvent
}

// UserPromptIssued carries the outbound prompt for front ends subscribed to
// the bus instead of the synchronous HTTP surface.
type UserPromptIssued struct {
	BaseEvent

	Prompt models.UserPrompt `json:"prompt"`
}

func (e UserPromptIssued) GetType() EventType {
	return UserPromptIssuedEvent
}
