// Package web provides the HTTP handlers for the conversation API.
package web

import (
	"net/http"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/inboxpilot/inboxpilot/pkg/capability"
	"github.com/inboxpilot/inboxpilot/pkg/engine"
	"github.com/inboxpilot/inboxpilot/pkg/models"
	"github.com/inboxpilot/inboxpilot/pkg/persistence"
)

type APIHandlers struct {
	engine    *engine.Engine
	store     persistence.Persistence
	registry  *capability.Registry
	validator *validator.Validate
}

func NewAPIHandlers(
	eng *engine.Engine,
	store persistence.Persistence,
	registry *capability.Registry,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		engine:    eng,
		store:     store,
		registry:  registry,
		validator: validator,
	}
}

// PostMessage runs one conversation turn and returns the resulting prompt.
func (h *APIHandlers) PostMessage(c fiber.Ctx) error {
	conversationID := c.Params("id")
	if conversationID == "" {
		return badRequest(c, "Conversation ID is required")
	}

	var req MessageRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	prompt, err := h.engine.HandleUtterance(c.Context(), models.Utterance{
		Text:           req.Text,
		ConversationID: conversationID,
		Timestamp:      time.Now().UTC(),
	})
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(MessageResponse{ConversationID: conversationID, Prompt: prompt})
}

// GetWorkflow returns the active workflow instance for a conversation.
func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	conversationID := c.Params("id")
	if conversationID == "" {
		return badRequest(c, "Conversation ID is required")
	}

	instance, err := h.store.ActiveInstance(c.Context(), conversationID)
	if err != nil {
		if persistence.IsInstanceNotFound(err) {
			return notFound(c, "No active workflow for this conversation")
		}

		return internalError(c, err)
	}

	return c.JSON(instance)
}

// GetCapabilities lists every registered capability, sorted by name.
func (h *APIHandlers) GetCapabilities(c fiber.Ctx) error {
	descriptors := h.registry.Descriptors()

	sort.Slice(descriptors, func(i, j int) bool {
		return descriptors[i].Name < descriptors[j].Name
	})

	responses := make([]CapabilityResponse, 0, len(descriptors))
	for _, descriptor := range descriptors {
		responses = append(responses, TransformCapabilityResponse(descriptor))
	}

	return c.JSON(fiber.Map{
		"capabilities": responses,
		"total_count":  len(responses),
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "InboxPilot API is healthy"
	httpStatus := http.StatusOK

	storeErr := h.store.HealthCheck(c.Context())
	if storeErr != nil {
		status = "unhealthy"
		message = "InboxPilot API is unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	storeCheck := "ok"
	if storeErr != nil {
		storeCheck = storeErr.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"persistence": storeCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
