// Package intent scores utterances against a closed set of request
// categories and maps categories to workflow routes. The indicator tables
// are fixed at compile time and shared process-wide without locking.
package intent

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/inboxpilot/inboxpilot/pkg/models"
)

const (
	// DefaultConfidenceFloor forces clarification below this confidence
	// regardless of the leading category.
	DefaultConfidenceFloor = 0.34

	// defaultCompetitionPenalty is applied to the leading score whenever
	// more than one category matched, reflecting ambiguity.
	defaultCompetitionPenalty = 0.7

	// indicatorSaturation is the match count at which a score reaches 1.0.
	indicatorSaturation = 3
)

// indicators maps each category to its trigger phrases. Matching is plain
// case-insensitive substring containment; no model guesswork.
var indicators = map[models.IntentCategory][]string{
	models.IntentFetch: {
		"last email", "latest email", "newest email", "most recent",
		"came in", "check my inbox", "any new email", "read me", "unread",
		"what is the last",
	},
	models.IntentSearch: {
		"find", "search", "look for", "emails about", "emails from",
		"messages from", "locate",
	},
	models.IntentDraftSend: {
		"send an email", "send a mail", "send a message", "email to",
		"write to", "compose", "draft", "reply to",
	},
	models.IntentOrganize: {
		"archive", "move to", "clean up", "organize", "tidy",
		"mark as read", "mark as unread", "file away",
	},
	models.IntentDestructiveDelete: {
		"delete", "delete all", "delete the", "permanently delete",
		"trash", "get rid of", "erase", "purge", "wipe", "throw away",
	},
	models.IntentLabelManage: {
		"label", "tag", "add a label", "remove the label", "categorize",
	},
	models.IntentContactQuery: {
		"contact", "address for", "email address of", "who is",
		"phone number",
	},
	models.IntentPreferenceQuery: {
		"preference", "settings", "signature", "how am i configured",
	},
}

// precedence breaks score ties deterministically: explicit creation verbs
// beat destructive verbs, which beat read verbs, which beat organize verbs.
// Reads outrank organize categories so ambiguity never drifts toward a
// mutating workflow.
var precedence = []models.IntentCategory{
	models.IntentDraftSend,
	models.IntentDestructiveDelete,
	models.IntentSearch,
	models.IntentFetch,
	models.IntentContactQuery,
	models.IntentPreferenceQuery,
	models.IntentLabelManage,
	models.IntentOrganize,
}

// Classifier scores utterances. It is stateless apart from configuration
// and safe for concurrent use.
type Classifier struct {
	logger  *slog.Logger
	floor   float64
	penalty float64
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithConfidenceFloor overrides the clarification floor.
func WithConfidenceFloor(floor float64) Option {
	return func(c *Classifier) {
		c.floor = floor
	}
}

// WithCompetitionPenalty overrides the multi-category ambiguity penalty.
func WithCompetitionPenalty(penalty float64) Option {
	return func(c *Classifier) {
		c.penalty = penalty
	}
}

func NewClassifier(logger *slog.Logger, opts ...Option) *Classifier {
	classifier := &Classifier{
		logger:  logger.With("module", "intent_classifier"),
		floor:   DefaultConfidenceFloor,
		penalty: defaultCompetitionPenalty,
	}

	for _, opt := range opts {
		opt(classifier)
	}

	return classifier
}

// MeetsFloor reports whether an intent clears the clarification floor.
func (c *Classifier) MeetsFloor(intent models.Intent) bool {
	return intent.Confidence >= c.floor
}

// Classify scores the utterance against every category. It never panics:
// any internal fault degrades to AMBIGUOUS with confidence 0. The optional
// prior intent only breaks exact score ties, it never adds confidence.
func (c *Classifier) Classify(text string, prior *models.Intent) (intent models.Intent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Classifier fault, defaulting to ambiguous", "panic", r)

			intent = models.Intent{Category: models.IntentAmbiguous, Confidence: 0}
		}
	}()

	lower := strings.ToLower(text)

	type scored struct {
		category models.IntentCategory
		matches  []string
	}

	var candidates []scored

	for _, category := range precedence {
		var matches []string

		for _, indicator := range indicators[category] {
			if strings.Contains(lower, indicator) {
				matches = append(matches, indicator)
			}
		}

		if len(matches) > 0 {
			candidates = append(candidates, scored{category: category, matches: matches})
		}
	}

	if len(candidates) == 0 {
		return models.Intent{Category: models.IntentAmbiguous, Confidence: 0}
	}

	// Stable sort: more matches first, precedence order breaks ties. A
	// prior intent of equal strength wins its tie, supporting follow-up
	// turns like "and the one before that".
	sort.SliceStable(candidates, func(i, j int) bool {
		if len(candidates[i].matches) != len(candidates[j].matches) {
			return len(candidates[i].matches) > len(candidates[j].matches)
		}

		if prior != nil {
			if candidates[i].category == prior.Category {
				return true
			}

			if candidates[j].category == prior.Category {
				return false
			}
		}

		return false
	})

	top := candidates[0]

	confidence := float64(len(top.matches)) / indicatorSaturation
	if confidence > 1.0 {
		confidence = 1.0
	}

	if len(candidates) > 1 {
		confidence *= c.penalty
	}

	return models.Intent{
		Category:          top.category,
		Confidence:        confidence,
		MatchedIndicators: top.matches,
		Slots:             extractSlots(text, top.category),
	}
}
