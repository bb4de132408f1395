// Package logging provides the structured logger shared by all control loops.
package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
}

// New creates a Logger. JSON output is used in normal operation; dev mode
// switches to the text handler and lowers the level to debug.
func New(devMode bool) *Logger {
	level := slog.LevelInfo
	if devMode {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if devMode {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return &Logger{slog.New(handler)}
}

// Named returns a child logger tagged with the owning subsystem.
// Loop goroutines use it so every line carries its origin.
func (l *Logger) Named(subsystem string) *Logger {
	return &Logger{l.With("subsystem", subsystem)}
}
