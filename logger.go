package docshard

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hupe1980/docshard/model"
)

// Logger wraps slog.Logger with docshard-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
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
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	}))
}

// WithShard adds the shard directory to the logger.
func (l *Logger) WithShard(dir string) *Logger {
	return &Logger{
		Logger: l.Logger.With("shard", dir),
	}
}

// WithUID adds a document uid field to the logger.
func (l *Logger) WithUID(uid model.UID) *Logger {
	return &Logger{
		Logger: l.Logger.With("uid", uid.String()),
	}
}

// LogWrite logs a create, index or delete.
func (l *Logger) LogWrite(ctx context.Context, op model.OpType, uid model.UID, version uint64, err error) {
	lg := l.WithUID(uid)
	if err != nil {
		lg.DebugContext(ctx, op.String()+" rejected", "error", err)
		return
	}
	lg.DebugContext(ctx, op.String()+" completed", "version", version)
}

// LogFlush logs a flush.
func (l *Logger) LogFlush(ctx context.Context, generation uint64, took time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "flush failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "flush completed",
			"commit", generation,
			"duration", took,
		)
	}
}
