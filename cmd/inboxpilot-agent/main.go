package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/inboxpilot/inboxpilot/pkg/cmd"
	"github.com/inboxpilot/inboxpilot/pkg/log"
	"github.com/inboxpilot/inboxpilot/pkg/otelhelper"
)

func main() {
	command := &cli.Command{
		Name:                  "inboxpilot-agent",
		EnableShellCompletion: true,
		Usage:                 "Consume utterances from the event bus and run conversation turns",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "agent-id",
				Aliases: []string{"id"},
				Usage:   "Custom agent ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("AGENT_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (file:// or redis://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "event-bus",
				Usage:    "Event bus type (kafka, gochannel)",
				Required: true,
				Sources:  cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:     "capabilities-manifest",
				Usage:    "Path to the capability manifest file",
				Value:    "./capabilities.json",
				Required: false,
				Sources:  cli.EnvVars("CAPABILITIES_MANIFEST"),
			},
			&cli.StringFlag{
				Name:    "sweep-schedule",
				Usage:   "Cron schedule for the idle-workflow expiry sweep",
				Value:   "@every 30s",
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log output format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			agentID := command.String("agent-id")
			if agentID == "" {
				agentID = "agent-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("inboxpilot-agent").With("agentId", agentID)

			logger.InfoContext(ctx, "Initializing InboxPilot Agent")

			tracer, err := otelhelper.NewTracer(ctx, "inboxpilot-agent")
			if err != nil {
				return fmt.Errorf("initializing tracer: %w", err)
			}

			registry, err := cmd.NewRegistry(ctx, logger, command.String("capabilities-manifest"))
			if err != nil {
				return err
			}

			eventBus := cmd.NewEventBus(command.String("event-bus"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			persistence, err := cmd.NewPersistence(command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			agent := NewAgent(agentID, persistence, eventBus, registry, tracer, logger, command.String("sweep-schedule"))

			if err := agent.Start(ctx); err != nil {
				logger.ErrorContext(ctx, "Failed to start agent", "error", err)

				return err
			}

			return nil
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		panic(err)
	}
}
