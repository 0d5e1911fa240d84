package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/inboxpilot/inboxpilot/pkg/capability"
	"github.com/inboxpilot/inboxpilot/pkg/eventbus"
	"github.com/inboxpilot/inboxpilot/pkg/events"
	"github.com/inboxpilot/inboxpilot/pkg/intent"
	"github.com/inboxpilot/inboxpilot/pkg/models"
	"github.com/inboxpilot/inboxpilot/pkg/otelhelper"
	"github.com/inboxpilot/inboxpilot/pkg/persistence"
)

const (
	// DefaultIdleTimeout expires workflows whose pending approval was never
	// answered.
	DefaultIdleTimeout = 10 * time.Minute

	// DefaultBulkBatchCap is the target count above which an otherwise
	// reversible bulk action is treated as destructive.
	DefaultBulkBatchCap = 25
)

// Config carries the engine's tunable policy knobs.
type Config struct {
	IdleTimeout          time.Duration
	ConfirmationTTL      time.Duration
	DestructiveTargetCap int
	BulkBatchCap         int
	MaxRetryAttempts     int
	RetryBaseDelay       time.Duration
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:          DefaultIdleTimeout,
		ConfirmationTTL:      DefaultConfirmationTTL,
		DestructiveTargetCap: DefaultTargetCap,
		BulkBatchCap:         DefaultBulkBatchCap,
		MaxRetryAttempts:     DefaultMaxAttempts,
		RetryBaseDelay:       DefaultRetryBaseDelay,
	}
}

// Engine turns conversation utterances into capability invocations, guarded
// by the approval state machine and the safety gate. Every turn produces
// exactly one UserPrompt.
type Engine struct {
	cfg         Config
	classifier  *intent.Classifier
	registry    *capability.Registry
	store       persistence.Persistence
	publisher   eventbus.EventPublisher
	coordinator *Coordinator
	gate        *SafetyGate
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// session serializes turns per conversation. Holding its lock is what makes
// the instance a single-writer record.
type session struct {
	mu sync.Mutex
}

func NewEngine(
	cfg Config,
	classifier *intent.Classifier,
	registry *capability.Registry,
	store persistence.Persistence,
	publisher eventbus.EventPublisher,
	logger *slog.Logger,
) *Engine {
	if cfg.BulkBatchCap <= 0 {
		cfg.BulkBatchCap = DefaultBulkBatchCap
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}

	return &Engine{
		cfg:         cfg,
		classifier:  classifier,
		registry:    registry,
		store:       store,
		publisher:   publisher,
		coordinator: NewCoordinator(registry, cfg.MaxRetryAttempts, cfg.RetryBaseDelay, logger),
		gate:        NewSafetyGate(cfg.ConfirmationTTL, cfg.DestructiveTargetCap, logger),
		logger:      logger.With("module", "engine"),
		tracer:      otel.Tracer("github.com/inboxpilot/inboxpilot/pkg/engine"),
		now:         time.Now,
		sessions:    make(map[string]*session),
	}
}

func (e *Engine) session(conversationID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[conversationID]
	if !ok {
		sess = &session{}
		e.sessions[conversationID] = sess
	}

	return sess
}

// HandleUtterance processes one conversation turn: resume a pending
// approval or confirmation if one exists, otherwise classify, route and
// start a new workflow. It returns exactly one prompt per turn.
func (e *Engine) HandleUtterance(ctx context.Context, utterance models.Utterance) (models.UserPrompt, error) {
	if strings.TrimSpace(utterance.ConversationID) == "" {
		return models.UserPrompt{}, &ValidationError{Field: "conversation_id", Reason: "must not be empty"}
	}

	if strings.TrimSpace(utterance.Text) == "" {
		return models.UserPrompt{}, &ValidationError{Field: "text", Reason: "must not be empty"}
	}

	ctx, span := e.tracer.Start(ctx, "engine.handle_utterance", trace.WithAttributes(
		attribute.String(otelhelper.ConversationIDKey, utterance.ConversationID),
	))
	defer span.End()

	sess := e.session(utterance.ConversationID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	now := e.now()
	logger := e.logger.With("conversation_id", utterance.ConversationID)

	instance, err := e.store.ActiveInstance(ctx, utterance.ConversationID)
	if err != nil && !persistence.IsInstanceNotFound(err) {
		return models.UserPrompt{}, fmt.Errorf("loading active instance: %w", err)
	}

	// Confirmation expiry is resolved through the gate below so the user
	// hears explicitly that nothing was executed.
	if instance != nil && instance.State != models.StatePendingConfirmation && e.idleExpired(instance, now) {
		if err := e.expire(ctx, logger, instance, now); err != nil {
			return models.UserPrompt{}, err
		}

		instance = nil
	}

	if instance != nil {
		if IsCancellation(utterance.Text) {
			return e.cancel(ctx, logger, instance, now, "Okay, cancelled. Nothing was sent or changed.")
		}

		switch instance.State {
		case models.StatePendingApproval:
			return e.resolveApproval(ctx, logger, instance, utterance.Text, now)
		case models.StatePendingConfirmation:
			return e.resolveConfirmation(ctx, logger, instance, utterance.Text, now)
		default:
			// An instance at rest in a transient state means an earlier turn
			// was interrupted mid-dispatch. Fail it closed.
			logger.WarnContext(ctx, "Active instance in transient state, cancelling", "state", instance.State, "workflow_id", instance.ID)

			return e.cancel(ctx, logger, instance, now,
				"I lost track of an earlier request and cancelled it to be safe. What would you like me to do?")
		}
	}

	return e.startTurn(ctx, logger, utterance, now)
}

// startTurn classifies a fresh utterance and dispatches the routed workflow.
func (e *Engine) startTurn(ctx context.Context, logger *slog.Logger, utterance models.Utterance, now time.Time) (models.UserPrompt, error) {
	classified := e.classifier.Classify(utterance.Text, nil)
	logger = logger.With("category", classified.Category, "confidence", classified.Confidence)

	if !e.classifier.MeetsFloor(classified) {
		logger.InfoContext(ctx, "Confidence below floor, asking for clarification")

		return e.issue(ctx, utterance.ConversationID, models.UserPrompt{
			Text:     "I'm not sure what you'd like me to do with your email. Could you rephrase that?",
			Awaiting: models.AwaitClarification,
		})
	}

	route := intent.RouteFor(classified.Category)
	logger.InfoContext(ctx, "Routed utterance", "workflow_type", route.Type, "group", route.Group)

	switch route.Type {
	case models.WorkflowTypeClarify:
		return e.issue(ctx, utterance.ConversationID, models.UserPrompt{
			Text:     "Could you tell me more about what you'd like to do? For example: \"show my recent emails\" or \"draft a reply to Sam\".",
			Awaiting: models.AwaitClarification,
		})
	case models.WorkflowTypeSimpleInvoke:
		return e.runSimple(ctx, logger, classified, utterance, now)
	case models.WorkflowTypeDraftApproveSend:
		return e.startDraft(ctx, logger, classified, utterance, now)
	case models.WorkflowTypeMultiStep:
		return e.startMultiStep(ctx, logger, classified, utterance, now)
	default:
		return models.UserPrompt{}, fmt.Errorf("%w: %s", ErrRouting, classified.Category)
	}
}

// runSimple executes a read-only request in-turn. No instance is persisted:
// there is nothing to approve and nothing to resume.
func (e *Engine) runSimple(ctx context.Context, logger *slog.Logger, classified models.Intent, utterance models.Utterance, _ time.Time) (models.UserPrompt, error) {
	step, err := e.buildSimpleStep(classified, utterance.Text)
	if err != nil {
		if IsValidationError(err) {
			return e.issue(ctx, utterance.ConversationID, models.UserPrompt{
				Text:     fmt.Sprintf("I need a bit more detail: %v.", err),
				Awaiting: models.AwaitClarification,
			})
		}

		return models.UserPrompt{}, err
	}

	run := e.coordinator.Run(ctx, []models.Step{step})
	if !run.Succeeded() {
		logger.ErrorContext(ctx, "Simple invocation failed", "capability", step.Invocation.Name, "error", run.Err)
		e.publish(ctx, utterance.ConversationID, events.StepFailed{
			BaseEvent:  e.baseEvent(events.StepFailedEvent, utterance.ConversationID, ""),
			StepName:   step.Name,
			Capability: step.Invocation.Name,
			StepIndex:  run.FailedStep,
			Error:      run.Err.Error(),
		})

		return e.issue(ctx, utterance.ConversationID, models.UserPrompt{
			Text:     fmt.Sprintf("I couldn't complete that: %v. Nothing was changed.", run.Err),
			Awaiting: models.AwaitNone,
		})
	}

	e.publish(ctx, utterance.ConversationID, events.StepCompleted{
		BaseEvent:  e.baseEvent(events.StepCompletedEvent, utterance.ConversationID, ""),
		StepName:   step.Name,
		Capability: step.Invocation.Name,
	})

	return e.issue(ctx, utterance.ConversationID, models.UserPrompt{
		Text:     summarizeResult(step.Invocation.Name, run.Results[step.Name]),
		Awaiting: models.AwaitNone,
	})
}

// startDraft opens a draft/approve/send workflow. The draft is persisted in
// PendingApproval and the user is asked to approve, reject or revise.
func (e *Engine) startDraft(ctx context.Context, logger *slog.Logger, classified models.Intent, utterance models.Utterance, now time.Time) (models.UserPrompt, error) {
	if len(classified.Slots.Recipients) == 0 {
		return e.issue(ctx, utterance.ConversationID, models.UserPrompt{
			Text:     "Who should I send this to? I need at least one recipient address.",
			Awaiting: models.AwaitClarification,
		})
	}

	content := e.composeDraft(ctx, classified.Slots, utterance.Text)
	draft := models.NewDraft(content, utterance.Text, now)

	instance := models.NewWorkflowInstance(utterance.ConversationID, models.WorkflowTypeDraftApproveSend, now)
	instance.Draft = draft

	if err := instance.TransitionTo(models.StateDrafted, now); err != nil {
		return models.UserPrompt{}, err
	}

	if err := instance.TransitionTo(models.StatePendingApproval, now); err != nil {
		return models.UserPrompt{}, err
	}

	if err := e.store.SaveInstance(ctx, instance); err != nil {
		return models.UserPrompt{}, fmt.Errorf("saving draft workflow: %w", err)
	}

	logger.InfoContext(ctx, "Draft created, awaiting approval", "workflow_id", instance.ID, "draft_id", draft.ID)

	e.publish(ctx, utterance.ConversationID, events.DraftCreated{
		BaseEvent: e.baseEvent(events.DraftCreatedEvent, utterance.ConversationID, instance.ID),
		DraftID:   draft.ID,
		Subject:   draft.Content.Subject,
	})
	e.publish(ctx, utterance.ConversationID, events.ApprovalRequested{
		BaseEvent: e.baseEvent(events.ApprovalRequestedEvent, utterance.ConversationID, instance.ID),
		DraftID:   draft.ID,
	})

	return e.issue(ctx, utterance.ConversationID, draftPrompt(draft))
}

// resolveApproval consumes the user's reply to a pending draft approval.
func (e *Engine) resolveApproval(ctx context.Context, logger *slog.Logger, instance *models.WorkflowInstance, reply string, now time.Time) (models.UserPrompt, error) {
	signal := InterpretApproval(reply)
	logger = logger.With("workflow_id", instance.ID, "signal", signal.Kind)

	switch signal.Kind {
	case SignalApprove:
		if err := instance.TransitionTo(models.StateApproved, now); err != nil {
			return models.UserPrompt{}, err
		}

		if err := e.store.SaveInstance(ctx, instance); err != nil {
			return models.UserPrompt{}, fmt.Errorf("saving approval: %w", err)
		}

		return e.sendDraft(ctx, logger, instance, now)
	case SignalReject:
		return e.cancel(ctx, logger, instance, now, "Okay, I've discarded the draft. Nothing was sent.")
	default:
		return e.reviseDraft(ctx, logger, instance, signal.Feedback, now)
	}
}

// sendDraft dispatches an approved draft. A send failure returns the
// workflow to PendingApproval with the draft intact so the user can retry
// or revise.
func (e *Engine) sendDraft(ctx context.Context, logger *slog.Logger, instance *models.WorkflowInstance, now time.Time) (models.UserPrompt, error) {
	if err := instance.TransitionTo(models.StateSending, now); err != nil {
		return models.UserPrompt{}, err
	}

	if err := e.store.SaveInstance(ctx, instance); err != nil {
		return models.UserPrompt{}, fmt.Errorf("saving send transition: %w", err)
	}

	content := instance.Draft.Content
	step := models.Step{Name: "send", Invocation: e.invocationFor("email.send", map[string]any{
		"to":      content.To,
		"cc":      content.Cc,
		"bcc":     content.Bcc,
		"subject": content.Subject,
		"body":    content.Body,
	})}

	run := e.coordinator.Run(ctx, []models.Step{step})
	if !run.Succeeded() {
		logger.ErrorContext(ctx, "Send failed, returning draft for approval", "error", run.Err)

		instance.FailureNote = run.Err.Error()

		if err := instance.TransitionTo(models.StateDrafted, now); err != nil {
			return models.UserPrompt{}, err
		}

		if err := instance.TransitionTo(models.StatePendingApproval, now); err != nil {
			return models.UserPrompt{}, err
		}

		if err := e.store.SaveInstance(ctx, instance); err != nil {
			return models.UserPrompt{}, fmt.Errorf("saving failed send: %w", err)
		}

		e.publish(ctx, instance.ConversationID, events.StepFailed{
			BaseEvent:  e.baseEvent(events.StepFailedEvent, instance.ConversationID, instance.ID),
			StepName:   step.Name,
			Capability: step.Invocation.Name,
			Error:      run.Err.Error(),
		})

		return e.issue(ctx, instance.ConversationID, models.UserPrompt{
			Text: fmt.Sprintf("I couldn't send it: %v. The draft is unchanged — reply yes to retry, or tell me what to change.",
				run.Err),
			Awaiting: models.AwaitApproval,
		})
	}

	instance.Draft.Status = models.DraftStatusSent
	instance.CompletedSteps = append(instance.CompletedSteps, run.Completed...)

	if err := instance.TransitionTo(models.StateSent, now); err != nil {
		return models.UserPrompt{}, err
	}

	if err := e.store.ArchiveInstance(ctx, instance); err != nil {
		return models.UserPrompt{}, fmt.Errorf("archiving sent workflow: %w", err)
	}

	logger.InfoContext(ctx, "Draft sent", "draft_id", instance.Draft.ID, "revisions", len(instance.Draft.RevisionHistory))

	e.publish(ctx, instance.ConversationID, events.WorkflowSent{
		BaseEvent: e.baseEvent(events.WorkflowSentEvent, instance.ConversationID, instance.ID),
		DraftID:   instance.Draft.ID,
		Revisions: len(instance.Draft.RevisionHistory),
	})

	return e.issue(ctx, instance.ConversationID, models.UserPrompt{
		Text:     fmt.Sprintf("Sent %q to %s.", content.Subject, strings.Join(content.To, ", ")),
		Awaiting: models.AwaitNone,
	})
}

// reviseDraft applies feedback to the pending draft and asks for approval
// again.
func (e *Engine) reviseDraft(ctx context.Context, logger *slog.Logger, instance *models.WorkflowInstance, feedback string, now time.Time) (models.UserPrompt, error) {
	if err := instance.TransitionTo(models.StateRevising, now); err != nil {
		return models.UserPrompt{}, err
	}

	content := e.reviseContent(ctx, instance.Draft.Content, feedback)

	if err := instance.Draft.Revise(content, feedback, now); err != nil {
		return models.UserPrompt{}, err
	}

	if err := instance.TransitionTo(models.StateDrafted, now); err != nil {
		return models.UserPrompt{}, err
	}

	if err := instance.TransitionTo(models.StatePendingApproval, now); err != nil {
		return models.UserPrompt{}, err
	}

	if err := e.store.SaveInstance(ctx, instance); err != nil {
		return models.UserPrompt{}, fmt.Errorf("saving revision: %w", err)
	}

	logger.InfoContext(ctx, "Draft revised", "draft_id", instance.Draft.ID, "revisions", len(instance.Draft.RevisionHistory))

	e.publish(ctx, instance.ConversationID, events.DraftRevised{
		BaseEvent: e.baseEvent(events.DraftRevisedEvent, instance.ConversationID, instance.ID),
		DraftID:   instance.Draft.ID,
		Revisions: len(instance.Draft.RevisionHistory),
		Feedback:  feedback,
	})
	e.publish(ctx, instance.ConversationID, events.ApprovalRequested{
		BaseEvent: e.baseEvent(events.ApprovalRequestedEvent, instance.ConversationID, instance.ID),
		DraftID:   instance.Draft.ID,
	})

	return e.issue(ctx, instance.ConversationID, draftPrompt(instance.Draft))
}

// startMultiStep resolves targets, then either applies a reversible action
// directly or parks a destructive one behind the safety gate.
func (e *Engine) startMultiStep(ctx context.Context, logger *slog.Logger, classified models.Intent, utterance models.Utterance, now time.Time) (models.UserPrompt, error) {
	query := classified.Slots.Query
	if query == "" {
		return e.issue(ctx, utterance.ConversationID, models.UserPrompt{
			Text:     "Which messages should this apply to? Tell me a sender or a topic.",
			Awaiting: models.AwaitClarification,
		})
	}

	action, err := e.buildActionInvocation(classified, utterance.Text)
	if err != nil {
		if IsValidationError(err) {
			return e.issue(ctx, utterance.ConversationID, models.UserPrompt{
				Text:     fmt.Sprintf("I need a bit more detail: %v.", err),
				Awaiting: models.AwaitClarification,
			})
		}

		return models.UserPrompt{}, err
	}

	searchStep := models.Step{Name: "search", Invocation: e.invocationFor("email.search", map[string]any{
		"query": query,
	})}

	run := e.coordinator.Run(ctx, []models.Step{searchStep})
	if !run.Succeeded() {
		logger.ErrorContext(ctx, "Target search failed", "error", run.Err)

		return e.issue(ctx, utterance.ConversationID, models.UserPrompt{
			Text:     fmt.Sprintf("I couldn't search your mailbox: %v. Nothing was changed.", run.Err),
			Awaiting: models.AwaitNone,
		})
	}

	_, total := targetsFromPayload(run.Results[searchStep.Name])
	if total == 0 {
		return e.issue(ctx, utterance.ConversationID, models.UserPrompt{
			Text:     "I didn't find any matching messages, so nothing was changed.",
			Awaiting: models.AwaitNone,
		})
	}

	// A delete request is gated even when it resolves to the reversible
	// soft-remove capability; so is any bulk action over the batch cap.
	destructive := action.Destructive ||
		classified.Category == models.IntentDestructiveDelete ||
		total > e.cfg.BulkBatchCap

	logger = logger.With("capability", action.Name, "targets", total, "destructive", destructive)

	if !destructive {
		return e.applyAction(ctx, logger, utterance.ConversationID, applyStepFor(action), total, run.Results)
	}

	action.Destructive = true

	if total > e.gate.TargetCap() {
		logger.WarnContext(ctx, "Destructive request over target cap, rejected")
		e.publish(ctx, utterance.ConversationID, events.ConfirmationAborted{
			BaseEvent: e.baseEvent(events.ConfirmationAbortedEvent, utterance.ConversationID, ""),
			Reason:    "target_cap_exceeded",
		})

		return e.issue(ctx, utterance.ConversationID, models.UserPrompt{
			Text: fmt.Sprintf("That would affect %d messages, which is over the %d-message safety cap, so I rejected it. Nothing was deleted.",
				total, e.gate.TargetCap()),
			Awaiting: models.AwaitNone,
		})
	}

	request, err := e.gate.Challenge(action, total, now)
	if err != nil {
		return models.UserPrompt{}, err
	}

	instance := models.NewWorkflowInstance(utterance.ConversationID, models.WorkflowTypeMultiStep, now)
	instance.PendingConfirmation = request
	instance.CompletedSteps = run.Completed
	instance.StepQueue = []models.Step{applyStepFor(action)}

	if err := instance.TransitionTo(models.StatePendingConfirmation, now); err != nil {
		return models.UserPrompt{}, err
	}

	if err := e.store.SaveInstance(ctx, instance); err != nil {
		return models.UserPrompt{}, fmt.Errorf("saving confirmation workflow: %w", err)
	}

	logger.InfoContext(ctx, "Destructive action parked behind confirmation", "workflow_id", instance.ID, "expires_at", request.ExpiresAt)

	e.publish(ctx, utterance.ConversationID, events.ConfirmationRequested{
		BaseEvent:       e.baseEvent(events.ConfirmationRequestedEvent, utterance.ConversationID, instance.ID),
		RequiredPhrase:  request.RequiredPhrase,
		RiskDescription: request.RiskDescription,
		ExpiresAt:       request.ExpiresAt,
	})

	return e.issue(ctx, utterance.ConversationID, models.UserPrompt{
		Text: fmt.Sprintf("This will affect %d message(s) and cannot be undone. Reply exactly %q within %d seconds to proceed; anything else aborts.",
			total, request.RequiredPhrase, int(request.ExpiresAt.Sub(now).Round(time.Second).Seconds())),
		Awaiting: models.AwaitConfirmation,
	})
}

// applyStepFor wraps an action invocation in the apply step, with its target
// IDs bound to the preceding search result.
func applyStepFor(action models.CapabilityInvocation) models.Step {
	return models.Step{
		Name:       "apply",
		Invocation: action,
		Bindings:   map[string]string{"ids": "search.ids"},
	}
}

// applyAction runs a reversible bulk action immediately, in-turn, resolving
// its target binding against the search that just ran.
func (e *Engine) applyAction(ctx context.Context, logger *slog.Logger, conversationID string, step models.Step, total int, searched map[string]map[string]any) (models.UserPrompt, error) {
	run := e.coordinator.Resume(ctx, []models.Step{step}, searched)
	if !run.Succeeded() {
		logger.ErrorContext(ctx, "Bulk action failed", "error", run.Err)
		e.publish(ctx, conversationID, events.StepFailed{
			BaseEvent:  e.baseEvent(events.StepFailedEvent, conversationID, ""),
			StepName:   step.Name,
			Capability: step.Invocation.Name,
			StepIndex:  1,
			Error:      run.Err.Error(),
		})

		return e.issue(ctx, conversationID, models.UserPrompt{
			Text: fmt.Sprintf("I found %d matching message(s), but applying %s failed at step 2 of 2: %v. The search itself made no changes.",
				total, step.Invocation.Name, run.Err),
			Awaiting: models.AwaitNone,
		})
	}

	e.publish(ctx, conversationID, events.StepCompleted{
		BaseEvent:  e.baseEvent(events.StepCompletedEvent, conversationID, ""),
		StepName:   step.Name,
		Capability: step.Invocation.Name,
	})

	return e.issue(ctx, conversationID, models.UserPrompt{
		Text:     fmt.Sprintf("Done — %s applied to %d message(s).", step.Invocation.Name, total),
		Awaiting: models.AwaitNone,
	})
}

// resolveConfirmation consumes the user's reply to a pending destructive
// confirmation. Anything but an exact, in-window phrase match aborts.
func (e *Engine) resolveConfirmation(ctx context.Context, logger *slog.Logger, instance *models.WorkflowInstance, reply string, now time.Time) (models.UserPrompt, error) {
	logger = logger.With("workflow_id", instance.ID)

	err := e.gate.Resolve(instance.PendingConfirmation, reply, now)

	switch {
	case errors.Is(err, ErrConfirmationTimeout):
		logger.InfoContext(ctx, "Confirmation window expired")
		e.publish(ctx, instance.ConversationID, events.ConfirmationAborted{
			BaseEvent: e.baseEvent(events.ConfirmationAbortedEvent, instance.ConversationID, instance.ID),
			Reason:    "timeout",
		})

		if err := e.expire(ctx, logger, instance, now); err != nil {
			return models.UserPrompt{}, err
		}

		return e.issue(ctx, instance.ConversationID, models.UserPrompt{
			Text:     "The confirmation window has expired, so I did not delete anything. Ask again if you still want to.",
			Awaiting: models.AwaitNone,
		})
	case errors.Is(err, ErrConfirmationMismatch):
		phrase := instance.PendingConfirmation.RequiredPhrase

		logger.InfoContext(ctx, "Confirmation phrase mismatch, aborting")
		e.publish(ctx, instance.ConversationID, events.ConfirmationAborted{
			BaseEvent: e.baseEvent(events.ConfirmationAbortedEvent, instance.ConversationID, instance.ID),
			Reason:    "mismatch",
		})

		return e.cancel(ctx, logger, instance, now,
			fmt.Sprintf("That didn't match the required phrase %q, so the action was aborted. Nothing was deleted.", phrase))
	case err != nil:
		return models.UserPrompt{}, err
	}

	steps := instance.StepQueue

	// Bindings resolve against the search recorded before the wait; the
	// confirmed action applies to exactly the targets that were disclosed.
	prior := make(map[string]map[string]any, len(instance.CompletedSteps))

	for _, done := range instance.CompletedSteps {
		if done.Invocation.Result != nil {
			prior[done.Name] = done.Invocation.Result.Payload
		}
	}

	instance.StepQueue = nil
	instance.PendingConfirmation = nil

	if err := instance.TransitionTo(models.StateSending, now); err != nil {
		return models.UserPrompt{}, err
	}

	if err := e.store.SaveInstance(ctx, instance); err != nil {
		return models.UserPrompt{}, fmt.Errorf("saving confirmed dispatch: %w", err)
	}

	run := e.coordinator.Resume(ctx, steps, prior)
	instance.CompletedSteps = append(instance.CompletedSteps, run.Completed...)

	if !run.Succeeded() {
		logger.ErrorContext(ctx, "Confirmed action failed", "failed_step", run.FailedStep, "error", run.Err)

		instance.FailureNote = run.Err.Error()
		e.publish(ctx, instance.ConversationID, events.StepFailed{
			BaseEvent:  e.baseEvent(events.StepFailedEvent, instance.ConversationID, instance.ID),
			StepName:   steps[run.FailedStep].Name,
			Capability: steps[run.FailedStep].Invocation.Name,
			StepIndex:  run.FailedStep,
			Error:      run.Err.Error(),
		})

		return e.cancel(ctx, logger, instance, now,
			fmt.Sprintf("The confirmed action failed at step %d: %v. Steps after it were not executed, and completed steps were not rolled back.",
				run.FailedStep+1, run.Err))
	}

	if err := instance.TransitionTo(models.StateSent, now); err != nil {
		return models.UserPrompt{}, err
	}

	if err := e.store.ArchiveInstance(ctx, instance); err != nil {
		return models.UserPrompt{}, fmt.Errorf("archiving confirmed workflow: %w", err)
	}

	logger.InfoContext(ctx, "Confirmed action executed")

	e.publish(ctx, instance.ConversationID, events.WorkflowSent{
		BaseEvent: e.baseEvent(events.WorkflowSentEvent, instance.ConversationID, instance.ID),
	})

	last := steps[len(steps)-1]

	return e.issue(ctx, instance.ConversationID, models.UserPrompt{
		Text:     summarizeResult(last.Invocation.Name, run.Results[last.Name]),
		Awaiting: models.AwaitNone,
	})
}

// cancel terminates the instance, discards any working draft and archives
// the record.
func (e *Engine) cancel(ctx context.Context, logger *slog.Logger, instance *models.WorkflowInstance, now time.Time, text string) (models.UserPrompt, error) {
	if instance.Draft != nil && instance.Draft.Status == models.DraftStatusWorking {
		instance.Draft.Status = models.DraftStatusDiscarded
	}

	if err := instance.TransitionTo(models.StateCancelled, now); err != nil {
		return models.UserPrompt{}, err
	}

	if err := e.store.ArchiveInstance(ctx, instance); err != nil {
		return models.UserPrompt{}, fmt.Errorf("archiving cancelled workflow: %w", err)
	}

	logger.InfoContext(ctx, "Workflow cancelled", "workflow_id", instance.ID)

	e.publish(ctx, instance.ConversationID, events.WorkflowCancelled{
		BaseEvent: e.baseEvent(events.WorkflowCancelledEvent, instance.ConversationID, instance.ID),
	})

	return e.issue(ctx, instance.ConversationID, models.UserPrompt{
		Text:     text,
		Awaiting: models.AwaitNone,
	})
}

// expire terminates an abandoned instance without user interaction.
func (e *Engine) expire(ctx context.Context, logger *slog.Logger, instance *models.WorkflowInstance, now time.Time) error {
	idleState := instance.State

	if err := instance.TransitionTo(models.StateExpired, now); err != nil {
		return err
	}

	if err := e.store.ArchiveInstance(ctx, instance); err != nil {
		return fmt.Errorf("archiving expired workflow: %w", err)
	}

	logger.InfoContext(ctx, "Workflow expired", "workflow_id", instance.ID, "idle_state", idleState)

	e.publish(ctx, instance.ConversationID, events.WorkflowExpired{
		BaseEvent: e.baseEvent(events.WorkflowExpiredEvent, instance.ConversationID, instance.ID),
		IdleState: idleState,
	})

	return nil
}

// ExpireIdle sweeps active instances and expires abandoned ones. It returns
// how many were expired; the watchdog calls it on a schedule.
func (e *Engine) ExpireIdle(ctx context.Context) (int, error) {
	instances, err := e.store.ActiveInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active instances: %w", err)
	}

	expired := 0

	for _, candidate := range instances {
		sess := e.session(candidate.ConversationID)
		sess.mu.Lock()

		// Reload under the session lock: a turn may have landed since the
		// listing.
		current, err := e.store.ActiveInstance(ctx, candidate.ConversationID)
		if err != nil || !e.idleExpired(current, e.now()) {
			sess.mu.Unlock()
			continue
		}

		logger := e.logger.With("conversation_id", current.ConversationID)

		if err := e.expire(ctx, logger, current, e.now()); err != nil {
			logger.ErrorContext(ctx, "Failed to expire idle workflow", "workflow_id", current.ID, "error", err)
		} else {
			expired++
		}

		sess.mu.Unlock()
	}

	return expired, nil
}

// idleExpired reports whether an instance has waited past its deadline. A
// pending confirmation carries its own deadline; everything else uses the
// idle timeout.
func (e *Engine) idleExpired(instance *models.WorkflowInstance, now time.Time) bool {
	if instance.State.Terminal() {
		return false
	}

	if instance.State == models.StatePendingConfirmation && instance.PendingConfirmation != nil {
		return instance.PendingConfirmation.Expired(now)
	}

	return now.Sub(instance.UpdatedAt) > e.cfg.IdleTimeout
}

// issue publishes the outbound prompt for bus subscribers and returns it.
func (e *Engine) issue(ctx context.Context, conversationID string, prompt models.UserPrompt) (models.UserPrompt, error) {
	e.publish(ctx, conversationID, events.UserPromptIssued{
		BaseEvent: e.baseEvent(events.UserPromptIssuedEvent, conversationID, ""),
		Prompt:    prompt,
	})

	return prompt, nil
}

// publish is nil-tolerant: an engine without a bus still works, and a bus
// failure never fails the turn.
func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	if err := e.publisher.Publish(ctx, key, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

func (e *Engine) baseEvent(eventType events.EventType, conversationID, workflowID string) events.BaseEvent {
	return events.BaseEvent{
		ID:             "evt-" + uuid.New().String()[:8],
		Type:           eventType,
		Timestamp:      e.now(),
		ConversationID: conversationID,
		WorkflowID:     workflowID,
	}
}

// draftPrompt renders the current draft and the approval question.
func draftPrompt(draft *models.Draft) models.UserPrompt {
	var b strings.Builder

	fmt.Fprintf(&b, "Here's the draft:\n\nTo: %s\n", strings.Join(draft.Content.To, ", "))

	if len(draft.Content.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(draft.Content.Cc, ", "))
	}

	fmt.Fprintf(&b, "Subject: %s\n\n%s\n\n", draft.Content.Subject, draft.Content.Body)
	b.WriteString("Reply yes to send, no to discard, or tell me what to change.")

	return models.UserPrompt{Text: b.String(), Awaiting: models.AwaitApproval}
}
