// Package web provides HTTP request and response types for the conversation API.
package web

import (
	"github.com/inboxpilot/inboxpilot/pkg/capability"
	"github.com/inboxpilot/inboxpilot/pkg/models"
)

// MessageRequest represents the request body for posting a conversation turn.
type MessageRequest struct {
	Text string `json:"text" validate:"required,min=1,max=4000"`
}

// MessageResponse carries the single prompt produced by a conversation turn.
type MessageResponse struct {
	ConversationID string            `json:"conversation_id"`
	Prompt         models.UserPrompt `json:"prompt"`
}

// CapabilityResponse is the public view of a registered capability.
type CapabilityResponse struct {
	Name        string `json:"name"`
	Group       string `json:"group"`
	Description string `json:"description,omitempty"`
	Retryable   bool   `json:"retryable"`
	Destructive bool   `json:"destructive"`
}

// TransformCapabilityResponse strips the parameter schema from a descriptor;
// it is an internal validation concern.
func TransformCapabilityResponse(descriptor capability.Descriptor) CapabilityResponse {
	return CapabilityResponse{
		Name:        descriptor.Name,
		Group:       descriptor.Group,
		Description: descriptor.Description,
		Retryable:   descriptor.Retryable,
		Destructive: descriptor.Destructive,
	}
}
