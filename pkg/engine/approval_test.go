package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterpretApproval(t *testing.T) {
	tests := []struct {
		reply string
		want  SignalKind
	}{
		{"yes", SignalApprove},
		{"Yes!", SignalApprove},
		{"  looks good  ", SignalApprove},
		{"SEND IT", SignalApprove},
		{"lgtm", SignalApprove},
		{"no", SignalReject},
		{"Nope.", SignalReject},
		{"don't send", SignalReject},
		{"discard", SignalReject},
		{"make it shorter", SignalFeedback},
		{"add a greeting and mention the deadline", SignalFeedback},
		{"yes but change the subject", SignalFeedback},
	}

	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			assert.Equal(t, tt.want, InterpretApproval(tt.reply).Kind)
		})
	}
}

func TestFeedbackCarriesReplyVerbatim(t *testing.T) {
	signal := InterpretApproval("  make it shorter  ")

	assert.Equal(t, SignalFeedback, signal.Kind)
	assert.Equal(t, "make it shorter", signal.Feedback)
}

func TestIsCancellation(t *testing.T) {
	assert.True(t, IsCancellation("cancel"))
	assert.True(t, IsCancellation("Never mind."))
	assert.True(t, IsCancellation("forget it"))
	assert.False(t, IsCancellation("no"))
	assert.False(t, IsCancellation("cancel my subscription to that list"))
}
