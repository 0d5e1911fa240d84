// Package log configures the process-wide slog default for the inboxpilot
// binaries.
package log

import (
	"log/slog"
	"os"
)

const serviceName = "inboxpilot"

// Setup installs the default logger. Format "json" selects the JSON
// handler for log shippers; anything else logs text. Every record carries
// the service field.
func Setup(logLevel, format string) {
	var level slog.Level

	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler).With("service", serviceName))
}

func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}
