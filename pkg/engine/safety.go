package engine

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/inboxpilot/inboxpilot/pkg/models"
)

const (
	// DefaultConfirmationTTL is how long a confirmation challenge stays
	// satisfiable.
	DefaultConfirmationTTL = 60 * time.Second

	// DefaultTargetCap is the hard ceiling on destructive target counts.
	// Requests above it are rejected before any confirmation is issued.
	DefaultTargetCap = 100
)

// confirmationPhrases fixes the required phrase per gated capability.
var confirmationPhrases = map[string]string{
	"email.delete":       "CONFIRM PERMANENT DELETE",
	"email.trash":        "CONFIRM BULK TRASH",
	"email.label.remove": "CONFIRM BULK LABEL REMOVAL",
}

// SafetyGate gates destructive capability invocations behind explicit,
// time-boxed confirmation.
type SafetyGate struct {
	ttl       time.Duration
	targetCap int
	logger    *slog.Logger
}

func NewSafetyGate(ttl time.Duration, targetCap int, logger *slog.Logger) *SafetyGate {
	if ttl <= 0 {
		ttl = DefaultConfirmationTTL
	}

	if targetCap <= 0 {
		targetCap = DefaultTargetCap
	}

	return &SafetyGate{
		ttl:       ttl,
		targetCap: targetCap,
		logger:    logger.With("module", "safety_gate"),
	}
}

// TargetCap returns the hard ceiling on destructive target counts.
func (g *SafetyGate) TargetCap() int {
	return g.targetCap
}

// DeleteCapability resolves which removal capability serves a delete
// request: soft-remove unless the utterance carried an explicit permanence
// qualifier.
func (g *SafetyGate) DeleteCapability(permanent bool) string {
	if permanent {
		return "email.delete"
	}

	return "email.trash"
}

// Challenge issues the confirmation request for a destructive invocation.
// A target count above the hard cap is rejected outright, before any
// challenge exists to satisfy.
func (g *SafetyGate) Challenge(invocation models.CapabilityInvocation, targetCount int, now time.Time) (*models.ConfirmationRequest, error) {
	if targetCount > g.targetCap {
		return nil, fmt.Errorf("%s targets %d messages (cap %d): %w",
			invocation.Name, targetCount, g.targetCap, ErrTargetCapExceeded)
	}

	phrase, ok := confirmationPhrases[invocation.Name]
	if !ok {
		phrase = "CONFIRM " + strings.ToUpper(strings.ReplaceAll(invocation.Name, ".", " "))
	}

	return &models.ConfirmationRequest{
		RequiredPhrase: phrase,
		RiskDescription: fmt.Sprintf("%s will affect %d message(s) and cannot be undone",
			invocation.Name, targetCount),
		ExpiresAt: now.Add(g.ttl),
	}, nil
}

// Resolve checks a reply against a pending challenge. Expiry is checked
// first: a correct phrase after the deadline can never pass.
func (g *SafetyGate) Resolve(request *models.ConfirmationRequest, reply string, now time.Time) error {
	if request.Expired(now) {
		return ErrConfirmationTimeout
	}

	if !request.Matches(reply) {
		return ErrConfirmationMismatch
	}

	return nil
}
