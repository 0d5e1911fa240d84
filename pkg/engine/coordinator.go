package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/inboxpilot/inboxpilot/pkg/capability"
	"github.com/inboxpilot/inboxpilot/pkg/models"
	"github.com/inboxpilot/inboxpilot/pkg/template"
)

const (
	// DefaultMaxAttempts bounds retries of retryable capabilities.
	DefaultMaxAttempts = 3

	// DefaultRetryBaseDelay is the first backoff delay; it doubles per
	// attempt.
	DefaultRetryBaseDelay = 500 * time.Millisecond
)

// Coordinator executes ordered capability steps with result binding between
// them. A failing step halts everything after it; there is no rollback of
// already-applied steps.
type Coordinator struct {
	registry    *capability.Registry
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(registry *capability.Registry, maxAttempts int, baseDelay time.Duration, logger *slog.Logger) *Coordinator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	if baseDelay <= 0 {
		baseDelay = DefaultRetryBaseDelay
	}

	return &Coordinator{
		registry:    registry,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		logger:      logger.With("module", "step_coordinator"),
		sleep:       sleepContext,
	}
}

// RunResult is the outcome of a plan run. FailedStep is -1 when every step
// completed; otherwise it indexes the step that failed, and Results still
// carries every earlier step's payload.
type RunResult struct {
	Completed  []models.Step
	Results    map[string]map[string]any
	FailedStep int
	Err        error
}

// Succeeded reports whether the whole plan completed.
func (r *RunResult) Succeeded() bool {
	return r.FailedStep < 0 && r.Err == nil
}

// Run executes steps strictly in order. Bindings are resolved against
// prior results immediately before each step; an unresolvable binding is a
// definition error reported without invoking the dependent capability.
func (c *Coordinator) Run(ctx context.Context, steps []models.Step) *RunResult {
	return c.Resume(ctx, steps, nil)
}

// Resume executes steps with results carried over from an earlier run, so a
// plan split around a confirmation wait still resolves its bindings against
// the search that was already recorded.
func (c *Coordinator) Resume(ctx context.Context, steps []models.Step, prior map[string]map[string]any) *RunResult {
	run := &RunResult{
		Results:    make(map[string]map[string]any, len(steps)+len(prior)),
		FailedStep: -1,
	}

	for name, payload := range prior {
		run.Results[name] = payload
	}

	for index := range steps {
		step := steps[index]
		logger := c.logger.With("step", step.Name, "capability", step.Invocation.Name)

		params, err := c.resolveParameters(step, run.Results, index)
		if err != nil {
			run.FailedStep = index
			run.Err = err

			return run
		}

		result, err := c.invokeWithRetry(ctx, logger, step.Invocation, params)

		step.Invocation.Parameters = params
		step.Invocation.Result = &result
		run.Completed = append(run.Completed, step)

		if err != nil {
			run.FailedStep = index
			run.Err = err

			return run
		}

		if !result.Success {
			run.FailedStep = index
			run.Err = &CapabilityFailure{
				Capability: step.Invocation.Name,
				Retryable:  step.Invocation.Retryable,
				Err:        errors.New(result.Error),
			}

			return run
		}

		run.Results[step.Name] = result.Payload
	}

	return run
}

// resolveParameters renders templated parameters over prior results, then
// applies the explicit bindings on top.
func (c *Coordinator) resolveParameters(step models.Step, results map[string]map[string]any, index int) (map[string]any, error) {
	params, err := template.RenderParams(step.Invocation.Parameters, results, nil)
	if err != nil {
		return nil, fmt.Errorf("step %d parameter templates: %w", index, err)
	}

	for param, reference := range step.Bindings {
		value, ok := lookupReference(reference, results)
		if !ok {
			return nil, &StepBindingError{StepIndex: index, Parameter: param, Reference: reference}
		}

		params[param] = value
	}

	return params, nil
}

// lookupReference walks a dotted "step.field.sub" path through prior step
// payloads.
func lookupReference(reference string, results map[string]map[string]any) (any, bool) {
	parts := strings.Split(reference, ".")
	if len(parts) < 2 {
		return nil, false
	}

	payload, ok := results[parts[0]]
	if !ok {
		return nil, false
	}

	var current any = payload

	for _, part := range parts[1:] {
		object, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = object[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

// invokeWithRetry retries only capabilities flagged retryable, with bounded
// exponential backoff. Destructive invocations never auto-retry.
func (c *Coordinator) invokeWithRetry(ctx context.Context, logger *slog.Logger, invocation models.CapabilityInvocation, params map[string]any) (models.InvocationResult, error) {
	attempts := 1
	if invocation.Retryable && !invocation.Destructive {
		attempts = c.maxAttempts
	}

	var result models.InvocationResult

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			delay := c.baseDelay << (attempt - 2)

			logger.InfoContext(ctx, "Retrying capability", "attempt", attempt, "delay", delay)

			if err := c.sleep(ctx, delay); err != nil {
				return result, err
			}
		}

		var err error

		result, err = c.registry.Invoke(ctx, invocation.Name, params)
		if err != nil {
			// Registration and schema faults are definition errors;
			// retrying cannot fix them.
			return result, err
		}

		if result.Success {
			return result, nil
		}

		logger.WarnContext(ctx, "Capability attempt failed", "attempt", attempt, "error", result.Error)
	}

	return result, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
