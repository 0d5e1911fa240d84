package models

import (
	"strings"
	"time"
)

// ConfirmationRequest is a time-boxed challenge gating a destructive action.
// The gated invocation is carried on the owning workflow's step queue, not
// here, so the request itself stays a pure challenge.
type ConfirmationRequest struct {
	RequiredPhrase  string    `json:"required_phrase"`
	RiskDescription string    `json:"risk_description"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Expired reports whether the confirmation window has closed. An expired
// request can never be satisfied again.
func (c *ConfirmationRequest) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Matches reports whether reply is a case-insensitive exact match of the
// required phrase. Surrounding whitespace is ignored; nothing else is.
func (c *ConfirmationRequest) Matches(reply string) bool {
	return strings.EqualFold(strings.TrimSpace(reply), c.RequiredPhrase)
}
