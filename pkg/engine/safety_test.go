package engine

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/inboxpilot/pkg/models"
)

func testGate() *SafetyGate {
	return NewSafetyGate(DefaultConfirmationTTL, DefaultTargetCap, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestChallengeUsesFixedPhrasePerCapability(t *testing.T) {
	gate := testGate()
	now := time.Now()

	tests := []struct {
		capability string
		phrase     string
	}{
		{"email.delete", "CONFIRM PERMANENT DELETE"},
		{"email.trash", "CONFIRM BULK TRASH"},
		{"email.label.remove", "CONFIRM BULK LABEL REMOVAL"},
		{"email.archive", "CONFIRM EMAIL ARCHIVE"},
	}

	for _, tt := range tests {
		t.Run(tt.capability, func(t *testing.T) {
			request, err := gate.Challenge(models.CapabilityInvocation{Name: tt.capability}, 10, now)
			require.NoError(t, err)

			assert.Equal(t, tt.phrase, request.RequiredPhrase)
			assert.Equal(t, now.Add(DefaultConfirmationTTL), request.ExpiresAt)
			assert.NotEmpty(t, request.RiskDescription)
		})
	}
}

func TestChallengeRejectsOverCap(t *testing.T) {
	gate := testGate()

	request, err := gate.Challenge(models.CapabilityInvocation{Name: "email.delete"}, 250, time.Now())

	require.ErrorIs(t, err, ErrTargetCapExceeded)
	assert.Nil(t, request)
}

func TestChallengeAllowsExactlyCap(t *testing.T) {
	gate := testGate()

	request, err := gate.Challenge(models.CapabilityInvocation{Name: "email.delete"}, DefaultTargetCap, time.Now())

	require.NoError(t, err)
	assert.NotNil(t, request)
}

func TestResolveChecksExpiryBeforePhrase(t *testing.T) {
	gate := testGate()
	now := time.Now()

	request, err := gate.Challenge(models.CapabilityInvocation{Name: "email.delete"}, 5, now)
	require.NoError(t, err)

	// The right phrase after the deadline can never pass.
	err = gate.Resolve(request, "CONFIRM PERMANENT DELETE", now.Add(61*time.Second))
	assert.ErrorIs(t, err, ErrConfirmationTimeout)
}

func TestResolvePhraseMatching(t *testing.T) {
	gate := testGate()
	now := time.Now()

	request, err := gate.Challenge(models.CapabilityInvocation{Name: "email.delete"}, 5, now)
	require.NoError(t, err)

	tests := []struct {
		name  string
		reply string
		want  error
	}{
		{"exact", "CONFIRM PERMANENT DELETE", nil},
		{"case insensitive", "confirm permanent delete", nil},
		{"surrounding whitespace", "  CONFIRM PERMANENT DELETE  ", nil},
		{"affirmative is not enough", "yes", ErrConfirmationMismatch},
		{"extra words", "ok CONFIRM PERMANENT DELETE", ErrConfirmationMismatch},
		{"partial", "CONFIRM", ErrConfirmationMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gate.Resolve(request, tt.reply, now.Add(10*time.Second))

			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestDeleteCapabilityDefaultsToSoftRemove(t *testing.T) {
	gate := testGate()

	assert.Equal(t, "email.trash", gate.DeleteCapability(false))
	assert.Equal(t, "email.delete", gate.DeleteCapability(true))
}
