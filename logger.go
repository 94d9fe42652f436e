package treekv

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with treekv-specific context.
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

// WithTree adds a tree field to the logger.
func (l *Logger) WithTree(tree []byte) *Logger {
	return &Logger{
		Logger: l.Logger.With("tree", string(tree)),
	}
}

// LogPut logs a write of one key.
func (l *Logger) LogPut(ctx context.Context, tree, key []byte, id uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "put failed",
			"tree", string(tree),
			"key", string(key),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "put completed",
			"tree", string(tree),
			"key", string(key),
			"id", id,
		)
	}
}

// LogDelete logs a delete of one key. An id of 0 means nothing was written.
func (l *Logger) LogDelete(ctx context.Context, tree, key []byte, id uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"tree", string(tree),
			"key", string(key),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"tree", string(tree),
			"key", string(key),
			"id", id,
		)
	}
}

// LogCommit logs a batch commit.
// The tree is expected on the logger, see WithTree.
func (l *Logger) LogCommit(ctx context.Context, ops int, first, last uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "batch commit failed",
			"ops", ops,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "batch committed",
			"ops", ops,
			"first", first,
			"last", last,
		)
	}
}

// LogCompaction logs a compaction requested through DB.Compact.
func (l *Logger) LogCompaction(ctx context.Context, stats CompactionStats, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "compaction completed",
			"segments", stats.SegmentsCompacted,
			"records_reclaimed", stats.RecordsReclaimed,
			"bytes_reclaimed", stats.BytesReclaimed,
			"duration", stats.Duration,
		)
	}
}

// LogRecovery logs the outcome of opening a database.
func (l *Logger) LogRecovery(ctx context.Context, dir string, stats Stats, err error) {
	if err != nil {
		l.ErrorContext(ctx, "open failed",
			"dir", dir,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "database opened",
			"dir", dir,
			"trees", stats.Trees,
			"live_keys", stats.LiveKeys,
			"last_id", stats.LastID,
			"segments", stats.SealedSegments+1,
		)
	}
}
