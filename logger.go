package dualkv

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with dualkv-specific context.
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
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithColumn adds the column name to every record.
func (l *Logger) WithColumn(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("column", name),
	}
}

// WithPartition adds a partition field to the logger.
func (l *Logger) WithPartition(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With("partition", name),
	}
}

// LogWrite logs a committed batch.
func (l *Logger) LogWrite(ctx context.Context, records int, seq uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "write failed",
			"records", records,
			"seq", seq,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "write completed",
			"records", records,
			"seq", seq,
		)
	}
}

// LogSeal logs a buffer seal.
func (l *Logger) LogSeal(ctx context.Context, partition string, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "seal failed",
			"partition", partition,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "seal completed",
			"partition", partition,
			"duration", d,
		)
	}
}

// LogMerge logs a merge task.
func (l *Logger) LogMerge(ctx context.Context, partition string, level, inputs int, rows uint64, err error) {
	if err != nil {
		l.WarnContext(ctx, "merge failed",
			"partition", partition,
			"level", level,
			"inputs", inputs,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "merge completed",
			"partition", partition,
			"level", level,
			"inputs", inputs,
			"rows", rows,
		)
	}
}

// LogRecovery logs the replay of unsealed pairs into a partition on open.
func (l *Logger) LogRecovery(ctx context.Context, partition string, replayed uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "recovery failed",
			"partition", partition,
			"replayed", replayed,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "recovery completed",
			"partition", partition,
			"replayed", replayed,
		)
	}
}

// LogRebuild logs a full rebuild of a partition from the primary store.
func (l *Logger) LogRebuild(ctx context.Context, partition string, epoch uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "rebuild failed",
			"partition", partition,
			"epoch", epoch,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "rebuild completed",
			"partition", partition,
			"epoch", epoch,
		)
	}
}
