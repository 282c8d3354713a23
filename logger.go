package streamcc

import (
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with streamcc-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses a default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithNode adds a vertex id field to the logger.
func (l *Logger) WithNode(node uint32) *Logger {
	return &Logger{
		Logger: l.Logger.With("node", node),
	}
}

// LogFlush logs a gutter flush.
func (l *Logger) LogFlush(updates uint64, duration time.Duration, err error) {
	if err != nil {
		l.Error("gutter flush failed",
			"updates", updates,
			"error", err,
		)
	} else {
		l.Debug("gutter flush completed",
			"updates", updates,
			"duration", duration,
		)
	}
}

// LogCC logs a connected-components run.
func (l *Logger) LogCC(rounds, components int, duration time.Duration, err error) {
	if err != nil {
		l.Error("connected components failed",
			"rounds", rounds,
			"error", err,
		)
	} else {
		l.Debug("connected components completed",
			"rounds", rounds,
			"components", components,
			"duration", duration,
		)
	}
}

// LogSnapshot logs a snapshot write or load.
func (l *Logger) LogSnapshot(name string, bytes int, err error) {
	if err != nil {
		l.Error("snapshot failed",
			"name", name,
			"error", err,
		)
	} else {
		l.Debug("snapshot completed",
			"name", name,
			"bytes", bytes,
		)
	}
}
