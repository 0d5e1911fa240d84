package models

// AwaitKind states what kind of human input, if any, a prompt solicits.
type AwaitKind string

const (
	AwaitApproval      AwaitKind = "approval"
	AwaitConfirmation  AwaitKind = "confirmation"
	AwaitClarification AwaitKind = "clarification"
	AwaitNone          AwaitKind = "none"
)

// UserPrompt is the sole outbound channel for soliciting further human
// input. Every conversation turn produces exactly one.
type UserPrompt struct {
	Text     string    `json:"text"`
	Awaiting AwaitKind `json:"awaiting"`
}
