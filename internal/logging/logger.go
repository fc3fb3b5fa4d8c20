// Package logging provides the structured logger shared across the pool
// manager's components.
package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
}

// New creates a Logger that outputs text or JSON depending on config.
func New(jsonMode bool) *Logger {
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	return &Logger{slog.New(handler)}
}

// Component returns a child logger tagged with a "component" field, used by
// every subsystem (reconciler, claim coordinator, provider client, ...) so
// log lines can be filtered by subsystem without a separate logger per type.
func (l *Logger) Component(name string) *Logger {
	return &Logger{l.Logger.With("component", name)}
}
