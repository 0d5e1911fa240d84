package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/inboxpilot/pkg/capability"
	"github.com/inboxpilot/inboxpilot/pkg/intent"
	"github.com/inboxpilot/inboxpilot/pkg/models"
	"github.com/inboxpilot/inboxpilot/pkg/persistence"
	"github.com/inboxpilot/inboxpilot/pkg/persistence/file"
)

// recorder is a capability stub that records every invocation.
type recorder struct {
	mu      sync.Mutex
	payload map[string]any
	err     error
	calls   []map[string]any
}

func (r *recorder) Invoke(_ context.Context, params map[string]any, _ *slog.Logger) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, params)

	if r.err != nil {
		return nil, r.err
	}

	return r.payload, nil
}

func (r *recorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.calls)
}

func (r *recorder) lastCall() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.calls) == 0 {
		return nil
	}

	return r.calls[len(r.calls)-1]
}

type fixture struct {
	engine *Engine
	store  *file.Persistence
	caps   map[string]*recorder
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := capability.NewRegistry(logger)

	f := &fixture{
		store: file.NewPersistence(t.TempDir()),
		caps:  make(map[string]*recorder),
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	register := func(name string, retryable, destructive bool, payload map[string]any) {
		rec := &recorder{payload: payload}
		registry.Register(capability.Descriptor{
			Name:        name,
			Group:       "email",
			Retryable:   retryable,
			Destructive: destructive,
		}, rec)
		f.caps[name] = rec
	}

	register("email.fetch", true, false, map[string]any{"summary": "Here are your 5 most recent messages.", "total": 5})
	register("email.search", true, false, map[string]any{"ids": []any{"m1", "m2", "m3"}, "total": 3})
	register("email.send", true, false, map[string]any{"message_id": "sent-1"})
	register("email.archive", true, false, map[string]any{"archived": true})
	register("email.trash", false, false, map[string]any{"trashed": true})
	register("email.delete", false, true, map[string]any{"summary": "Permanently deleted 3 message(s)."})
	register("email.label.add", true, false, map[string]any{"labelled": true})
	register("email.label.remove", false, false, map[string]any{"unlabelled": true})

	classifier := intent.NewClassifier(logger)
	f.engine = NewEngine(DefaultConfig(), classifier, registry, f.store, nil, logger)
	f.engine.now = func() time.Time { return f.now }
	f.engine.coordinator.sleep = func(context.Context, time.Duration) error { return nil }

	return f
}

func (f *fixture) say(t *testing.T, conversationID, text string) models.UserPrompt {
	t.Helper()

	prompt, err := f.engine.HandleUtterance(context.Background(), models.Utterance{
		Text:           text,
		ConversationID: conversationID,
		Timestamp:      f.now,
	})
	require.NoError(t, err)

	return prompt
}

func (f *fixture) active(t *testing.T, conversationID string) *models.WorkflowInstance {
	t.Helper()

	instance, err := f.store.ActiveInstance(context.Background(), conversationID)
	require.NoError(t, err)

	return instance
}

func (f *fixture) requireNoActive(t *testing.T, conversationID string) {
	t.Helper()

	_, err := f.store.ActiveInstance(context.Background(), conversationID)
	require.True(t, persistence.IsInstanceNotFound(err))
}

func TestFetchRunsWithoutApproval(t *testing.T) {
	f := newFixture(t)

	prompt := f.say(t, "c1", "What's the last email that came in?")

	assert.Equal(t, models.AwaitNone, prompt.Awaiting)
	assert.Equal(t, "Here are your 5 most recent messages.", prompt.Text)
	assert.Equal(t, 1, f.caps["email.fetch"].callCount())
	f.requireNoActive(t, "c1")
}

func TestFetchPassesLimit(t *testing.T) {
	f := newFixture(t)

	f.say(t, "c1", "Check my inbox for 3 unread messages")

	assert.Equal(t, 3, f.caps["email.fetch"].lastCall()["limit"])
}

func TestAmbiguousUtteranceAsksForClarification(t *testing.T) {
	f := newFixture(t)

	prompt := f.say(t, "c1", "hello there")

	assert.Equal(t, models.AwaitClarification, prompt.Awaiting)
	assert.Equal(t, 0, f.caps["email.fetch"].callCount())
	f.requireNoActive(t, "c1")
}

func TestEmptyUtteranceIsRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.HandleUtterance(context.Background(), models.Utterance{
		Text:           "   ",
		ConversationID: "c1",
	})

	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestDraftIsNeverSentWithoutApproval(t *testing.T) {
	f := newFixture(t)

	prompt := f.say(t, "c1", "Send an email to alice@example.com about the quarterly report")

	assert.Equal(t, models.AwaitApproval, prompt.Awaiting)
	assert.Contains(t, prompt.Text, "alice@example.com")
	assert.Equal(t, 0, f.caps["email.send"].callCount())

	instance := f.active(t, "c1")
	assert.Equal(t, models.StatePendingApproval, instance.State)
	require.NotNil(t, instance.Draft)
	assert.Len(t, instance.Draft.RevisionHistory, 1)
}

func TestApprovalSendsAndArchives(t *testing.T) {
	f := newFixture(t)

	f.say(t, "c1", "Send an email to alice@example.com about the quarterly report")
	prompt := f.say(t, "c1", "yes")

	assert.Equal(t, models.AwaitNone, prompt.Awaiting)
	assert.Equal(t, 1, f.caps["email.send"].callCount())
	assert.Equal(t, []string{"alice@example.com"}, f.caps["email.send"].lastCall()["to"])
	f.requireNoActive(t, "c1")
}

func TestFeedbackAppendsRevisionAndReasks(t *testing.T) {
	f := newFixture(t)

	f.say(t, "c1", "Send an email to alice@example.com about the quarterly report")
	prompt := f.say(t, "c1", "make it shorter")

	assert.Equal(t, models.AwaitApproval, prompt.Awaiting)
	assert.Equal(t, 0, f.caps["email.send"].callCount())

	instance := f.active(t, "c1")
	require.Len(t, instance.Draft.RevisionHistory, 2)
	assert.Equal(t, "make it shorter", instance.Draft.RevisionHistory[1].Feedback)
	assert.Equal(t, models.StatePendingApproval, instance.State)
}

func TestRejectionDiscardsDraft(t *testing.T) {
	f := newFixture(t)

	f.say(t, "c1", "Send an email to alice@example.com about the quarterly report")
	prompt := f.say(t, "c1", "no")

	assert.Equal(t, models.AwaitNone, prompt.Awaiting)
	assert.Equal(t, 0, f.caps["email.send"].callCount())
	f.requireNoActive(t, "c1")
}

func TestCancellationAbandonsPendingApproval(t *testing.T) {
	f := newFixture(t)

	f.say(t, "c1", "Send an email to alice@example.com about the quarterly report")
	prompt := f.say(t, "c1", "never mind")

	assert.Equal(t, models.AwaitNone, prompt.Awaiting)
	assert.Equal(t, 0, f.caps["email.send"].callCount())
	f.requireNoActive(t, "c1")
}

func TestSendFailureReturnsDraftForApproval(t *testing.T) {
	f := newFixture(t)
	f.caps["email.send"].err = assert.AnError

	f.say(t, "c1", "Send an email to alice@example.com about the quarterly report")
	prompt := f.say(t, "c1", "yes")

	assert.Equal(t, models.AwaitApproval, prompt.Awaiting)
	assert.Contains(t, prompt.Text, "couldn't send")

	instance := f.active(t, "c1")
	assert.Equal(t, models.StatePendingApproval, instance.State)
	assert.NotEmpty(t, instance.FailureNote)
}

func TestBulkArchiveRunsInTurn(t *testing.T) {
	f := newFixture(t)

	prompt := f.say(t, "c1", "Clean up and archive emails from newsletter@example.com")

	assert.Equal(t, models.AwaitNone, prompt.Awaiting)
	assert.Equal(t, 1, f.caps["email.archive"].callCount())
	assert.Equal(t, []any{"m1", "m2", "m3"}, f.caps["email.archive"].lastCall()["ids"])
	f.requireNoActive(t, "c1")
}

func TestPermanentDeleteRequiresExactPhrase(t *testing.T) {
	f := newFixture(t)

	prompt := f.say(t, "c1", "Permanently delete all emails from spam@offers.example.com")

	assert.Equal(t, models.AwaitConfirmation, prompt.Awaiting)
	assert.Contains(t, prompt.Text, "CONFIRM PERMANENT DELETE")
	assert.Equal(t, 0, f.caps["email.delete"].callCount())

	instance := f.active(t, "c1")
	assert.Equal(t, models.StatePendingConfirmation, instance.State)
	require.NotNil(t, instance.PendingConfirmation)
	require.Len(t, instance.StepQueue, 1)
	assert.Equal(t, "email.delete", instance.StepQueue[0].Invocation.Name)
	assert.Equal(t, "search.ids", instance.StepQueue[0].Bindings["ids"])

	// The resolved search is persisted alongside the queue so the confirmed
	// action binds to exactly the targets that were counted.
	require.Len(t, instance.CompletedSteps, 1)
	assert.Equal(t, "email.search", instance.CompletedSteps[0].Invocation.Name)
	require.NotNil(t, instance.CompletedSteps[0].Invocation.Result)
}

func TestAffirmativeIsNotConfirmation(t *testing.T) {
	f := newFixture(t)

	f.say(t, "c1", "Permanently delete all emails from spam@offers.example.com")
	prompt := f.say(t, "c1", "yes")

	assert.Equal(t, models.AwaitNone, prompt.Awaiting)
	assert.Contains(t, prompt.Text, "aborted")
	assert.Equal(t, 0, f.caps["email.delete"].callCount())
	f.requireNoActive(t, "c1")
}

func TestExactPhraseExecutesCaseInsensitively(t *testing.T) {
	f := newFixture(t)

	f.say(t, "c1", "Permanently delete all emails from spam@offers.example.com")
	prompt := f.say(t, "c1", "confirm permanent delete")

	assert.Equal(t, models.AwaitNone, prompt.Awaiting)
	assert.Equal(t, 1, f.caps["email.delete"].callCount())
	assert.Equal(t, []any{"m1", "m2", "m3"}, f.caps["email.delete"].lastCall()["ids"])
	f.requireNoActive(t, "c1")
}

func TestLateConfirmationNeverExecutes(t *testing.T) {
	f := newFixture(t)

	f.say(t, "c1", "Permanently delete all emails from spam@offers.example.com")
	f.now = f.now.Add(61 * time.Second)
	prompt := f.say(t, "c1", "CONFIRM PERMANENT DELETE")

	assert.Equal(t, models.AwaitNone, prompt.Awaiting)
	assert.Contains(t, prompt.Text, "expired")
	assert.Equal(t, 0, f.caps["email.delete"].callCount())
	f.requireNoActive(t, "c1")
}

func TestOverCapDeleteIsRejectedOutright(t *testing.T) {
	f := newFixture(t)

	ids := make([]any, 250)
	for i := range ids {
		ids[i] = i
	}

	f.caps["email.search"].payload = map[string]any{"ids": ids, "total": 250}

	prompt := f.say(t, "c1", "Permanently delete all emails from spam@offers.example.com")

	assert.Equal(t, models.AwaitNone, prompt.Awaiting)
	assert.Contains(t, prompt.Text, "safety cap")
	assert.Equal(t, 0, f.caps["email.delete"].callCount())
	f.requireNoActive(t, "c1")
}

func TestSoftDeleteWithoutQualifierUsesTrash(t *testing.T) {
	f := newFixture(t)

	f.say(t, "c1", "Delete the emails from newsletter@example.com")
	f.say(t, "c1", "CONFIRM BULK TRASH")

	assert.Equal(t, 1, f.caps["email.trash"].callCount())
	assert.Equal(t, 0, f.caps["email.delete"].callCount())
}

func TestReversibleBulkOverBatchCapIsGated(t *testing.T) {
	f := newFixture(t)

	ids := make([]any, 40)
	for i := range ids {
		ids[i] = i
	}

	f.caps["email.search"].payload = map[string]any{"ids": ids, "total": 40}

	prompt := f.say(t, "c1", "Clean up and archive emails from newsletter@example.com")

	assert.Equal(t, models.AwaitConfirmation, prompt.Awaiting)
	assert.Equal(t, 0, f.caps["email.archive"].callCount())
}

func TestNoMatchesMeansNoChanges(t *testing.T) {
	f := newFixture(t)
	f.caps["email.search"].payload = map[string]any{"ids": []any{}, "total": 0}

	prompt := f.say(t, "c1", "Clean up and archive emails from newsletter@example.com")

	assert.Equal(t, models.AwaitNone, prompt.Awaiting)
	assert.Equal(t, 0, f.caps["email.archive"].callCount())
}

func TestExpireIdleSweepsAbandonedApprovals(t *testing.T) {
	f := newFixture(t)

	f.say(t, "c1", "Send an email to alice@example.com about the quarterly report")
	f.now = f.now.Add(11 * time.Minute)

	expired, err := f.engine.ExpireIdle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
	f.requireNoActive(t, "c1")
}

func TestExpireIdleLeavesFreshInstances(t *testing.T) {
	f := newFixture(t)

	f.say(t, "c1", "Send an email to alice@example.com about the quarterly report")
	f.now = f.now.Add(1 * time.Minute)

	expired, err := f.engine.ExpireIdle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
	assert.NotNil(t, f.active(t, "c1"))
}

func TestConversationsAreIndependent(t *testing.T) {
	f := newFixture(t)

	f.say(t, "c1", "Send an email to alice@example.com about the quarterly report")
	prompt := f.say(t, "c2", "What's the last email that came in?")

	assert.Equal(t, models.AwaitNone, prompt.Awaiting)
	assert.Equal(t, models.StatePendingApproval, f.active(t, "c1").State)
}

func TestConcurrentTurnsAreSerialized(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_, err := f.engine.HandleUtterance(context.Background(), models.Utterance{
				Text:           "What's the last email that came in?",
				ConversationID: "c1",
			})
			assert.NoError(t, err)
		}()
	}

	wg.Wait()

	assert.Equal(t, 8, f.caps["email.fetch"].callCount())
	f.requireNoActive(t, "c1")
}
