package engine

import "strings"

// SignalKind classifies a user reply while a draft awaits approval.
type SignalKind string

const (
	SignalApprove  SignalKind = "approve"
	SignalReject   SignalKind = "reject"
	SignalFeedback SignalKind = "feedback"
)

// Signal is the interpreted approval reply. Feedback carries the revision
// remark verbatim.
type Signal struct {
	Kind     SignalKind
	Feedback string
}

// The approval grammar is a fixed phrase table, not model guesswork. A
// reply outside both tables is treated as revision feedback.
var affirmatives = map[string]struct{}{
	"yes": {}, "y": {}, "yeah": {}, "yep": {}, "sure": {},
	"ok": {}, "okay": {}, "send": {}, "send it": {}, "go ahead": {},
	"approve": {}, "approved": {}, "looks good": {}, "lgtm": {},
}

var negatives = map[string]struct{}{
	"no": {}, "n": {}, "nope": {}, "don't": {}, "dont": {},
	"do not send": {}, "don't send": {}, "discard": {}, "reject": {},
	"scrap it": {},
}

var cancellations = map[string]struct{}{
	"cancel": {}, "abort": {}, "stop": {}, "never mind": {},
	"nevermind": {}, "forget it": {},
}

// normalizeSignal lowercases, trims whitespace and strips trailing
// punctuation so "Yes!" and "yes" read the same.
func normalizeSignal(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))

	return strings.TrimRight(normalized, ".!?,")
}

// InterpretApproval maps a reply to an approval signal.
func InterpretApproval(text string) Signal {
	normalized := normalizeSignal(text)

	if _, ok := affirmatives[normalized]; ok {
		return Signal{Kind: SignalApprove}
	}

	if _, ok := negatives[normalized]; ok {
		return Signal{Kind: SignalReject}
	}

	return Signal{Kind: SignalFeedback, Feedback: strings.TrimSpace(text)}
}

// IsCancellation reports whether the reply is an explicit cancel request,
// valid in any non-terminal state.
func IsCancellation(text string) bool {
	_, ok := cancellations[normalizeSignal(text)]

	return ok
}
