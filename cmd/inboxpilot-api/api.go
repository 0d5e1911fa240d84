// Package main provides the InboxPilot API server implementation.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/inboxpilot/inboxpilot/pkg/capability"
	"github.com/inboxpilot/inboxpilot/pkg/engine"
	"github.com/inboxpilot/inboxpilot/pkg/eventbus"
	"github.com/inboxpilot/inboxpilot/pkg/intent"
	"github.com/inboxpilot/inboxpilot/pkg/persistence"
	"github.com/inboxpilot/inboxpilot/pkg/web"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *capability.Registry
	eventBus    eventbus.EventBus
	validate    *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	registry *capability.Registry,
	eventBus eventbus.EventBus,
) *API {
	return &API{
		logger:      logger,
		persistence: persistence,
		registry:    registry,
		eventBus:    eventBus,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() (*fiber.App, *engine.Engine) {
	classifier := intent.NewClassifier(a.logger)
	eng := engine.NewEngine(engine.DefaultConfig(), classifier, a.registry, a.persistence, a.eventBus, a.logger)

	handlers := web.NewAPIHandlers(eng, a.persistence, a.registry, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("InboxPilot API")
	})

	conversations := app.Group("/conversations")
	conversations.Post("/:id/messages", handlers.PostMessage)
	conversations.Get("/:id/workflow", handlers.GetWorkflow)

	app.Get("/capabilities", handlers.GetCapabilities)
	app.Get("/health", handlers.HealthCheck)

	return app, eng
}

func (a *API) Start(ctx context.Context, port int) error {
	app, eng := a.App()

	watchdog := engine.NewWatchdog(eng, a.logger)
	if err := watchdog.Start(ctx, engine.DefaultSweepSchedule); err != nil {
		return err
	}

	defer watchdog.Stop()

	return app.Listen(":" + strconv.Itoa(port))
}
