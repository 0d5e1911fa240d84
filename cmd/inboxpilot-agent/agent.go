// Package main provides the InboxPilot agent: a bus consumer that runs
// conversation turns for utterances published by front ends.
package main

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/inboxpilot/inboxpilot/pkg/capability"
	"github.com/inboxpilot/inboxpilot/pkg/engine"
	"github.com/inboxpilot/inboxpilot/pkg/eventbus"
	"github.com/inboxpilot/inboxpilot/pkg/events"
	"github.com/inboxpilot/inboxpilot/pkg/intent"
	"github.com/inboxpilot/inboxpilot/pkg/otelhelper"
	"github.com/inboxpilot/inboxpilot/pkg/persistence"
)

type Agent struct {
	agentID       string
	engine        *engine.Engine
	eventBus      eventbus.EventBus
	watchdog      *engine.Watchdog
	tracer        trace.Tracer
	logger        *slog.Logger
	sweepSchedule string
}

func NewAgent(
	agentID string,
	store persistence.Persistence,
	eventBus eventbus.EventBus,
	registry *capability.Registry,
	tracer trace.Tracer,
	logger *slog.Logger,
	sweepSchedule string,
) *Agent {
	classifier := intent.NewClassifier(logger)
	eng := engine.NewEngine(engine.DefaultConfig(), classifier, registry, store, eventBus, logger)

	return &Agent{
		agentID:       agentID,
		engine:        eng,
		eventBus:      eventBus,
		watchdog:      engine.NewWatchdog(eng, logger),
		tracer:        tracer,
		logger:        logger,
		sweepSchedule: sweepSchedule,
	}
}

// Start subscribes to utterance events and blocks until the context is
// cancelled. Prompts and lifecycle events flow back out on the same bus.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.eventBus.Handle(events.UtteranceReceivedEvent, a.handleUtterance); err != nil {
		return fmt.Errorf("registering utterance handler: %w", err)
	}

	if err := a.eventBus.Subscribe(ctx); err != nil {
		return fmt.Errorf("subscribing to event bus: %w", err)
	}

	if err := a.watchdog.Start(ctx, a.sweepSchedule); err != nil {
		return err
	}

	defer a.watchdog.Stop()

	a.logger.InfoContext(ctx, "Agent started, awaiting utterances")

	<-ctx.Done()

	a.logger.Info("Agent shutting down")

	return nil
}

func (a *Agent) handleUtterance(ctx context.Context, event any) error {
	received, ok := event.(*events.UtteranceReceived)
	if !ok {
		return fmt.Errorf("unexpected event payload %T", event)
	}

	ctx, span := otelhelper.StartSpan(ctx, a.tracer, "agent.handle_utterance",
		attribute.String(otelhelper.ConversationIDKey, received.ConversationID),
		attribute.String(otelhelper.EventIDKey, received.ID),
		attribute.String(otelhelper.ServiceIDKey, a.agentID),
	)
	defer span.End()

	logger := a.logger.With("conversation_id", received.ConversationID)

	prompt, err := a.engine.HandleUtterance(ctx, received.Utterance)
	if err != nil {
		if engine.IsValidationError(err) {
			// Malformed input cannot succeed on redelivery.
			logger.WarnContext(ctx, "Dropping invalid utterance", "error", err)

			return nil
		}

		otelhelper.SetError(span, err,
			attribute.String(otelhelper.ConversationIDKey, received.ConversationID))
		logger.ErrorContext(ctx, "Turn failed", "error", err)

		return err
	}

	logger.InfoContext(ctx, "Turn completed", "awaiting", prompt.Awaiting)

	return nil
}
