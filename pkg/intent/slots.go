package intent

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/inboxpilot/inboxpilot/pkg/models"
)

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	senderPattern = regexp.MustCompile(`from\s+([a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,})`)
	topicPattern  = regexp.MustCompile(`(?i)about\s+(?:the\s+)?([^.,!?]+)`)
	labelPattern  = regexp.MustCompile(`(?i)(?:label|tag)(?:\s+(?:it|them|this|as))*\s+"?([\w\- ]+?)"?\s*$`)
	limitPattern  = regexp.MustCompile(`\b(\d{1,3})\b`)
)

// permanenceQualifiers are the only phrases that make a delete request
// permanent. Anything else defaults to the soft-remove capability.
var permanenceQualifiers = []string{
	"permanent", "forever", "for good", "purge", "wipe",
}

// extractSlots pulls structured fragments out of the utterance. Extraction
// is regex-driven and deterministic; absent slots stay zero-valued.
func extractSlots(text string, category models.IntentCategory) models.Slots {
	lower := strings.ToLower(text)

	var slots models.Slots

	if match := senderPattern.FindStringSubmatch(lower); match != nil {
		slots.Sender = match[1]
	}

	for _, address := range emailPattern.FindAllString(text, -1) {
		if strings.EqualFold(address, slots.Sender) {
			continue
		}

		slots.Recipients = append(slots.Recipients, address)
	}

	if match := topicPattern.FindStringSubmatch(text); match != nil {
		slots.Topic = strings.TrimSpace(match[1])
	}

	if category == models.IntentLabelManage || category == models.IntentOrganize {
		if match := labelPattern.FindStringSubmatch(text); match != nil {
			slots.Label = strings.TrimSpace(match[1])
		}
	}

	slots.Limit = extractLimit(lower)
	slots.Permanent = hasPermanenceQualifier(lower)
	slots.Query = buildQuery(slots)

	return slots
}

func extractLimit(lower string) int {
	if strings.Contains(lower, "last email") ||
		strings.Contains(lower, "latest email") ||
		strings.Contains(lower, "newest email") ||
		strings.Contains(lower, "most recent") {
		return 1
	}

	// Strip addresses first so their digits never read as a count.
	stripped := emailPattern.ReplaceAllString(lower, "")
	if match := limitPattern.FindStringSubmatch(stripped); match != nil {
		if n, err := strconv.Atoi(match[1]); err == nil {
			return n
		}
	}

	return 0
}

func hasPermanenceQualifier(lower string) bool {
	for _, qualifier := range permanenceQualifiers {
		if strings.Contains(lower, qualifier) {
			return true
		}
	}

	return false
}

// buildQuery assembles the provider-neutral search expression from the
// extracted slots.
func buildQuery(slots models.Slots) string {
	var parts []string

	if slots.Sender != "" {
		parts = append(parts, "from:"+slots.Sender)
	}

	if slots.Topic != "" {
		parts = append(parts, slots.Topic)
	}

	return strings.Join(parts, " ")
}
