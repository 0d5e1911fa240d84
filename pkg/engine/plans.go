package engine

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/inboxpilot/inboxpilot/pkg/models"
)

const defaultFetchLimit = 5

// invocationFor stamps the registered retry/destructive policy onto a new
// invocation so persisted step queues stay self-describing.
func (e *Engine) invocationFor(name string, params map[string]any) models.CapabilityInvocation {
	invocation := models.CapabilityInvocation{Name: name, Parameters: params}

	if descriptor, ok := e.registry.Descriptor(name); ok {
		invocation.Retryable = descriptor.Retryable
		invocation.Destructive = descriptor.Destructive
	}

	return invocation
}

// buildSimpleStep maps a SIMPLE_INVOKE intent to its single capability call.
func (e *Engine) buildSimpleStep(intent models.Intent, utteranceText string) (models.Step, error) {
	slots := intent.Slots

	switch intent.Category {
	case models.IntentFetch:
		limit := slots.Limit
		if limit <= 0 {
			limit = defaultFetchLimit
		}

		return models.Step{Name: "fetch", Invocation: e.invocationFor("email.fetch", map[string]any{
			"limit": limit,
		})}, nil
	case models.IntentSearch:
		if slots.Query == "" {
			return models.Step{}, &ValidationError{Field: "query", Reason: "no search terms found"}
		}

		return models.Step{Name: "search", Invocation: e.invocationFor("email.search", map[string]any{
			"query": slots.Query,
		})}, nil
	case models.IntentContactQuery:
		query := slots.Topic
		if query == "" {
			query = utteranceText
		}

		return models.Step{Name: "lookup", Invocation: e.invocationFor("contacts.lookup", map[string]any{
			"query": query,
		})}, nil
	case models.IntentPreferenceQuery:
		return models.Step{Name: "preferences", Invocation: e.invocationFor("preferences.get", map[string]any{})}, nil
	default:
		return models.Step{}, fmt.Errorf("%w: %s is not a simple invocation", ErrRouting, intent.Category)
	}
}

// buildActionInvocation maps a MULTI_STEP intent to the capability applied
// after target resolution. Target IDs are attached by the caller.
func (e *Engine) buildActionInvocation(intent models.Intent, utteranceText string) (models.CapabilityInvocation, error) {
	slots := intent.Slots
	lower := strings.ToLower(utteranceText)

	switch intent.Category {
	case models.IntentDestructiveDelete:
		return e.invocationFor(e.gate.DeleteCapability(slots.Permanent), map[string]any{}), nil
	case models.IntentLabelManage:
		if slots.Label == "" {
			return models.CapabilityInvocation{}, &ValidationError{Field: "label", Reason: "no label name found"}
		}

		name := "email.label.add"
		if strings.Contains(lower, "remove") || strings.Contains(lower, "clear") || strings.Contains(lower, "untag") {
			name = "email.label.remove"
		}

		return e.invocationFor(name, map[string]any{"label": slots.Label}), nil
	case models.IntentOrganize:
		return e.invocationFor("email.archive", map[string]any{}), nil
	default:
		return models.CapabilityInvocation{}, fmt.Errorf("%w: %s is not a multi-step category", ErrRouting, intent.Category)
	}
}

// composeDraft produces the initial draft content. Body generation is an
// opaque capability: when a composer is registered it is asked first, and
// any failure degrades to the deterministic fallback.
func (e *Engine) composeDraft(ctx context.Context, slots models.Slots, utteranceText string) models.DraftContent {
	content := models.DraftContent{
		To:      slots.Recipients,
		Subject: subjectFromTopic(slots.Topic),
		Body:    fallbackBody(slots.Topic),
	}

	if _, ok := e.registry.Descriptor(composeCapability); !ok {
		return content
	}

	result, err := e.registry.Invoke(ctx, composeCapability, map[string]any{
		"to":        slots.Recipients,
		"topic":     slots.Topic,
		"utterance": utteranceText,
	})
	if err != nil || !result.Success {
		return content
	}

	if subject, ok := result.Payload["subject"].(string); ok && subject != "" {
		content.Subject = subject
	}

	if body, ok := result.Payload["body"].(string); ok && body != "" {
		content.Body = body
	}

	return content
}

const composeCapability = "email.compose"

// reviseContent applies approval feedback to the current content, again
// preferring the registered composer over the local heuristic.
func (e *Engine) reviseContent(ctx context.Context, current models.DraftContent, feedback string) models.DraftContent {
	revised := current

	if _, ok := e.registry.Descriptor(composeCapability); ok {
		result, err := e.registry.Invoke(ctx, composeCapability, map[string]any{
			"to":       current.To,
			"subject":  current.Subject,
			"body":     current.Body,
			"feedback": feedback,
		})
		if err == nil && result.Success {
			if subject, ok := result.Payload["subject"].(string); ok && subject != "" {
				revised.Subject = subject
			}

			if body, ok := result.Payload["body"].(string); ok && body != "" {
				revised.Body = body
			}

			return revised
		}
	}

	if strings.Contains(strings.ToLower(feedback), "shorter") {
		revised.Body = firstSentence(current.Body)
	}

	return revised
}

func subjectFromTopic(topic string) string {
	if topic == "" {
		return "(no subject)"
	}

	runes := []rune(topic)
	runes[0] = unicode.ToUpper(runes[0])

	return string(runes)
}

func fallbackBody(topic string) string {
	if topic == "" {
		return "Hello,\n\nBest regards"
	}

	return fmt.Sprintf("Hello,\n\nI wanted to reach out about %s.\n\nBest regards", topic)
}

func firstSentence(body string) string {
	for _, terminator := range []string{". ", ".\n"} {
		if index := strings.Index(body, terminator); index >= 0 {
			return body[:index+1]
		}
	}

	return body
}

// targetsFromPayload extracts the resolved target IDs and count from a
// search payload. Total falls back to the ID count when absent.
func targetsFromPayload(payload map[string]any) ([]any, int) {
	ids, _ := payload["ids"].([]any)

	if total, ok := intField(payload, "total"); ok {
		return ids, total
	}

	return ids, len(ids)
}

func intField(payload map[string]any, field string) (int, bool) {
	switch value := payload[field].(type) {
	case int:
		return value, true
	case int64:
		return int(value), true
	case float64:
		return int(value), true
	default:
		return 0, false
	}
}

// summarizeResult turns a capability payload into the outbound prompt text.
// Collaborators may provide their own "summary" field.
func summarizeResult(capabilityName string, payload map[string]any) string {
	if summary, ok := payload["summary"].(string); ok && summary != "" {
		return summary
	}

	if total, ok := intField(payload, "total"); ok {
		return fmt.Sprintf("Done — %s returned %d result(s).", capabilityName, total)
	}

	if ids, ok := payload["ids"].([]any); ok {
		return fmt.Sprintf("Done — %s returned %d result(s).", capabilityName, len(ids))
	}

	return "Done."
}
