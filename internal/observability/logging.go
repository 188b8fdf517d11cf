// Package observability provides the structured logger, Prometheus metrics,
// and tracing hooks shared by every component.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string
	// Format selects the handler: "json" for production, "text" for dev.
	Format string
	// Output defaults to os.Stdout.
	Output io.Writer
	// AddSource includes file and line in records.
	AddSource bool
}

// NewLogger builds the root slog logger. Components derive their own with
// logger.With("component", ...).
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.AddSource}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}
