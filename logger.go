package traindex

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/traindex/traindex/model"
)

// Logger wraps slog.Logger with traindex-specific context.
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
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithRun adds the run directory to the logger.
func (l *Logger) WithRun(dir string) *Logger {
	return &Logger{
		Logger: l.Logger.With("run", dir),
	}
}

// WithFile adds a run file path to the logger.
func (l *Logger) WithFile(path string) *Logger {
	return &Logger{
		Logger: l.Logger.With("file", path),
	}
}

// WithSourceKey adds dataset identity fields to the logger.
func (l *Logger) WithSourceKey(sk model.SourceKey) *Logger {
	return &Logger{
		Logger: l.Logger.With("source", sk.Source, "key", sk.Key),
	}
}

// LogScan logs the outcome of a run-directory scan.
func (l *Logger) LogScan(ctx context.Context, dir string, files, trains int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "run scan failed",
			"run", dir,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "run scan completed",
		"run", dir,
		"files", files,
		"trains", trains,
		"elapsed", elapsed,
	)
}

// LogAssemble logs one assembly operation.
func (l *Logger) LogAssemble(ctx context.Context, train model.TrainID, modules, missing int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "assembly failed",
			"train", uint64(train),
			"error", err,
		)
		return
	}
	if missing > 0 {
		l.WarnContext(ctx, "assembly completed with missing modules",
			"train", uint64(train),
			"modules", modules,
			"missing", missing,
		)
		return
	}
	l.DebugContext(ctx, "assembly completed",
		"train", uint64(train),
		"modules", modules,
	)
}
