package models

// IntentCategory is the closed set of request categories the classifier can emit.
type IntentCategory string

const (
	IntentFetch             IntentCategory = "fetch"
	IntentSearch            IntentCategory = "search"
	IntentDraftSend         IntentCategory = "draft_send"
	IntentOrganize          IntentCategory = "organize"
	IntentDestructiveDelete IntentCategory = "destructive_delete"
	IntentLabelManage       IntentCategory = "label_manage"
	IntentContactQuery      IntentCategory = "contact_query"
	IntentPreferenceQuery   IntentCategory = "preference_query"
	IntentAmbiguous         IntentCategory = "ambiguous"
)

// Categories lists every classifiable category, ambiguous last.
func Categories() []IntentCategory {
	return []IntentCategory{
		IntentFetch,
		IntentSearch,
		IntentDraftSend,
		IntentOrganize,
		IntentDestructiveDelete,
		IntentLabelManage,
		IntentContactQuery,
		IntentPreferenceQuery,
		IntentAmbiguous,
	}
}

// Slots carries the structured fragments extracted from an utterance.
// Zero values mean the slot was not present.
type Slots struct {
	Recipients []string `json:"recipients,omitempty"`
	Topic      string   `json:"topic,omitempty"`
	Sender     string   `json:"sender,omitempty"`
	Label      string   `json:"label,omitempty"`
	Query      string   `json:"query,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	// Permanent is true only when the utterance carries an explicit
	// permanence qualifier ("permanently", "forever", ...). Deletions
	// without it route to the soft-remove capability.
	Permanent bool `json:"permanent,omitempty"`
}

// Intent is the classifier output for one utterance. It is ephemeral and
// recomputed every turn.
type Intent struct {
	Category          IntentCategory `json:"category"`
	Confidence        float64        `json:"confidence"`
	MatchedIndicators []string       `json:"matched_indicators,omitempty"`
	Slots             Slots          `json:"slots"`
}
