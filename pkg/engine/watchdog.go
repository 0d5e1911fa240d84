package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the expiry sweep every 30 seconds, half the
// confirmation window.
const DefaultSweepSchedule = "@every 30s"

// Watchdog periodically expires abandoned workflows so pending approvals
// and confirmations cannot linger forever.
type Watchdog struct {
	engine *Engine
	cron   *cron.Cron
	logger *slog.Logger
}

func NewWatchdog(engine *Engine, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		engine: engine,
		cron:   cron.New(),
		logger: logger.With("module", "watchdog"),
	}
}

// Start schedules the sweep and begins running it. Schedule accepts cron
// expressions and @every intervals.
func (w *Watchdog) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	_, err := w.cron.AddFunc(schedule, func() {
		expired, err := w.engine.ExpireIdle(ctx)
		if err != nil {
			w.logger.ErrorContext(ctx, "Expiry sweep failed", "error", err)

			return
		}

		if expired > 0 {
			w.logger.InfoContext(ctx, "Expired idle workflows", "count", expired)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling expiry sweep: %w", err)
	}

	w.cron.Start()
	w.logger.InfoContext(ctx, "Watchdog started", "schedule", schedule)

	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (w *Watchdog) Stop() {
	w.cron.Stop()
}
