// Package models defines the core domain models for conversation-driven email orchestration.
package models

import "time"

// Utterance is one inbound natural-language request for a conversation turn.
// It is supplied already decoded by the message-ingestion front end and is
// not persisted beyond the turn, except embedded in a draft's provenance.
type Utterance struct {
	Text           string    `json:"text"            validate:"required"`
	ConversationID string    `json:"conversation_id" validate:"required"`
	Timestamp      time.Time `json:"timestamp"`
}
