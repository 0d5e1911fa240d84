package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxpilot/inboxpilot/pkg/capability"
	"github.com/inboxpilot/inboxpilot/pkg/models"
)

type countingCapability struct {
	calls    int
	lastArgs map[string]any
	payload  map[string]any
	failFor  int
	err      error
}

func (c *countingCapability) Invoke(_ context.Context, params map[string]any, _ *slog.Logger) (map[string]any, error) {
	c.calls++
	c.lastArgs = params

	if c.err != nil {
		return nil, c.err
	}

	if c.calls <= c.failFor {
		return nil, errors.New("transient fault")
	}

	return c.payload, nil
}

func testCoordinator(t *testing.T, register func(*capability.Registry)) (*Coordinator, *[]time.Duration) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := capability.NewRegistry(logger)
	register(registry)

	coordinator := NewCoordinator(registry, DefaultMaxAttempts, DefaultRetryBaseDelay, logger)

	var delays []time.Duration

	coordinator.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)

		return nil
	}

	return coordinator, &delays
}

func TestRunExecutesStepsInOrderWithBindings(t *testing.T) {
	search := &countingCapability{payload: map[string]any{"ids": []any{"m1", "m2"}, "total": 2}}
	archive := &countingCapability{payload: map[string]any{"archived": true}}

	coordinator, _ := testCoordinator(t, func(r *capability.Registry) {
		r.Register(capability.Descriptor{Name: "email.search", Retryable: true}, search)
		r.Register(capability.Descriptor{Name: "email.archive", Retryable: true}, archive)
	})

	run := coordinator.Run(context.Background(), []models.Step{
		{Name: "search", Invocation: models.CapabilityInvocation{Name: "email.search", Parameters: map[string]any{"query": "from:x"}}},
		{Name: "apply", Invocation: models.CapabilityInvocation{
			Name:       "email.archive",
			Parameters: map[string]any{},
		}, Bindings: map[string]string{"ids": "search.ids"}},
	})

	require.True(t, run.Succeeded())
	assert.Equal(t, -1, run.FailedStep)
	assert.Equal(t, []any{"m1", "m2"}, archive.lastArgs["ids"])
	assert.Len(t, run.Completed, 2)
}

func TestRunHaltsAtFailingStepWithIndex(t *testing.T) {
	first := &countingCapability{payload: map[string]any{"ok": true}}
	failing := &countingCapability{err: errors.New("boom")}
	never := &countingCapability{payload: map[string]any{}}

	coordinator, _ := testCoordinator(t, func(r *capability.Registry) {
		r.Register(capability.Descriptor{Name: "a"}, first)
		r.Register(capability.Descriptor{Name: "b"}, failing)
		r.Register(capability.Descriptor{Name: "c"}, never)
	})

	run := coordinator.Run(context.Background(), []models.Step{
		{Name: "one", Invocation: models.CapabilityInvocation{Name: "a"}},
		{Name: "two", Invocation: models.CapabilityInvocation{Name: "b"}},
		{Name: "three", Invocation: models.CapabilityInvocation{Name: "c"}},
	})

	require.False(t, run.Succeeded())
	assert.Equal(t, 1, run.FailedStep)
	assert.Equal(t, 0, never.calls, "steps after the failure must not run")
	assert.Contains(t, run.Results, "one", "earlier results are preserved")

	var failure *CapabilityFailure

	require.ErrorAs(t, run.Err, &failure)
	assert.Equal(t, "b", failure.Capability)
}

func TestMissingBindingFailsBeforeInvocation(t *testing.T) {
	search := &countingCapability{payload: map[string]any{"total": 0}}
	apply := &countingCapability{payload: map[string]any{}}

	coordinator, _ := testCoordinator(t, func(r *capability.Registry) {
		r.Register(capability.Descriptor{Name: "email.search"}, search)
		r.Register(capability.Descriptor{Name: "email.archive"}, apply)
	})

	run := coordinator.Run(context.Background(), []models.Step{
		{Name: "search", Invocation: models.CapabilityInvocation{Name: "email.search"}},
		{Name: "apply", Invocation: models.CapabilityInvocation{Name: "email.archive"},
			Bindings: map[string]string{"ids": "search.ids"}},
	})

	require.False(t, run.Succeeded())
	assert.True(t, IsStepBindingError(run.Err))
	assert.Equal(t, 1, run.FailedStep)
	assert.Equal(t, 0, apply.calls, "the dependent capability must not be invoked")
}

func TestResumeResolvesBindingsFromPriorResults(t *testing.T) {
	remove := &countingCapability{payload: map[string]any{"removed": true}}

	coordinator, _ := testCoordinator(t, func(r *capability.Registry) {
		r.Register(capability.Descriptor{Name: "email.delete", Destructive: true}, remove)
	})

	// The search ran in an earlier turn; its payload is carried in rather
	// than re-resolved.
	prior := map[string]map[string]any{
		"search": {"ids": []any{"m7", "m8"}, "total": 2},
	}

	run := coordinator.Resume(context.Background(), []models.Step{
		{Name: "apply", Invocation: models.CapabilityInvocation{
			Name: "email.delete", Destructive: true, Parameters: map[string]any{},
		}, Bindings: map[string]string{"ids": "search.ids"}},
	}, prior)

	require.True(t, run.Succeeded())
	assert.Equal(t, 1, remove.calls)
	assert.Equal(t, []any{"m7", "m8"}, remove.lastArgs["ids"])
	assert.Contains(t, run.Results, "search", "carried-over results stay addressable")
}

func TestRetryableCapabilityRetriesWithBackoff(t *testing.T) {
	flaky := &countingCapability{payload: map[string]any{"ok": true}, failFor: 2}

	coordinator, delays := testCoordinator(t, func(r *capability.Registry) {
		r.Register(capability.Descriptor{Name: "email.fetch", Retryable: true}, flaky)
	})

	run := coordinator.Run(context.Background(), []models.Step{
		{Name: "fetch", Invocation: models.CapabilityInvocation{Name: "email.fetch", Retryable: true}},
	})

	require.True(t, run.Succeeded())
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 1 * time.Second}, *delays)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	broken := &countingCapability{err: errors.New("always down")}

	coordinator, _ := testCoordinator(t, func(r *capability.Registry) {
		r.Register(capability.Descriptor{Name: "email.fetch", Retryable: true}, broken)
	})

	run := coordinator.Run(context.Background(), []models.Step{
		{Name: "fetch", Invocation: models.CapabilityInvocation{Name: "email.fetch", Retryable: true}},
	})

	require.False(t, run.Succeeded())
	assert.Equal(t, DefaultMaxAttempts, broken.calls)
}

func TestNonRetryableFailsOnFirstAttempt(t *testing.T) {
	broken := &countingCapability{err: errors.New("down")}

	coordinator, _ := testCoordinator(t, func(r *capability.Registry) {
		r.Register(capability.Descriptor{Name: "email.send"}, broken)
	})

	run := coordinator.Run(context.Background(), []models.Step{
		{Name: "send", Invocation: models.CapabilityInvocation{Name: "email.send", Retryable: false}},
	})

	require.False(t, run.Succeeded())
	assert.Equal(t, 1, broken.calls)
}

func TestDestructiveInvocationNeverRetries(t *testing.T) {
	broken := &countingCapability{err: errors.New("down")}

	coordinator, _ := testCoordinator(t, func(r *capability.Registry) {
		r.Register(capability.Descriptor{Name: "email.delete", Retryable: true, Destructive: true}, broken)
	})

	run := coordinator.Run(context.Background(), []models.Step{
		{Name: "apply", Invocation: models.CapabilityInvocation{
			Name: "email.delete", Retryable: true, Destructive: true,
		}},
	})

	require.False(t, run.Succeeded())
	assert.Equal(t, 1, broken.calls, "a destructive capability is never auto-retried")
}

func TestUnregisteredCapabilityIsDefinitionError(t *testing.T) {
	coordinator, _ := testCoordinator(t, func(*capability.Registry) {})

	run := coordinator.Run(context.Background(), []models.Step{
		{Name: "apply", Invocation: models.CapabilityInvocation{Name: "nope", Retryable: true}},
	})

	require.False(t, run.Succeeded())
	assert.Equal(t, 0, run.FailedStep)
}
