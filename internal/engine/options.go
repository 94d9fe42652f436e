package engine

import (
	"log/slog"

	"github.com/hupe1980/treekv/blobstore"
	"github.com/hupe1980/treekv/internal/compaction"
	"github.com/hupe1980/treekv/internal/fs"
	"github.com/hupe1980/treekv/internal/wal"
)

// RecoveryMode controls how open reacts to a damaged log.
type RecoveryMode int

const (
	// RecoveryStrict fails open on any corruption.
	RecoveryStrict RecoveryMode = iota
	// RecoveryTruncateTail truncates a corrupt tail of the final segment and continues.
	// Corruption in any other segment still fails open.
	RecoveryTruncateTail
)

func (m RecoveryMode) String() string {
	if m == RecoveryTruncateTail {
		return "truncate-tail"
	}
	return "strict"
}

const (
	// DefaultCompactionThreshold is the number of sealed segments in one size tier
	// that triggers a background compaction.
	DefaultCompactionThreshold = 4

	// DefaultManifestRetention is the number of superseded manifest versions kept.
	DefaultManifestRetention = 2
)

// Option defines a configuration option for the Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine. A nil logger disables logging.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithMemoryLimit caps the bytes held by the in-memory index. Writes that would
// exceed it fail with ErrBackpressure. 0 means unlimited.
func WithMemoryLimit(bytes int64) Option {
	return func(e *Engine) {
		e.rcConfig.MemoryLimitBytes = bytes
	}
}

// WithCompactionIORate limits the bytes per second compaction writes. 0 means unlimited.
func WithCompactionIORate(bytesPerSec int64) Option {
	return func(e *Engine) {
		e.rcConfig.IOLimitBytesPerSec = bytesPerSec
	}
}

// WithMetricsObserver sets the metrics observer for the engine.
func WithMetricsObserver(observer MetricsObserver) Option {
	return func(e *Engine) {
		if observer != nil {
			e.metrics = observer
		}
	}
}

// WithCompactionPolicy sets the policy that picks segments for background compaction.
func WithCompactionPolicy(policy compaction.Policy) Option {
	return func(e *Engine) {
		if policy != nil {
			e.policy = policy
		}
	}
}

// WithCompactionThreshold sets the number of sealed segments per size tier that
// triggers background compaction (default 4).
func WithCompactionThreshold(threshold int) Option {
	return func(e *Engine) {
		e.policy = &compaction.BoundedSizeTieredPolicy{Threshold: threshold}
	}
}

// WithAutoCompaction enables or disables the background compaction loop (default on).
func WithAutoCompaction(enabled bool) Option {
	return func(e *Engine) {
		e.autoCompaction = enabled
	}
}

// WithFileSystem sets the file system holding the segments.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(e *Engine) {
		e.fs = fsys
	}
}

// WithBlobStore sets the store for manifests and checkpoints. By default they are
// kept next to the segments in the data directory.
func WithBlobStore(st blobstore.BlobStore) Option {
	return func(e *Engine) {
		e.store = st
	}
}

// WithDurability sets when an append is acknowledged (default DurabilitySync).
func WithDurability(d wal.Durability) Option {
	return func(e *Engine) {
		e.walOpts.Durability = d
	}
}

// WithMaxSegmentSize sets the size at which the active segment is rotated (default 64 MiB).
func WithMaxSegmentSize(size int64) Option {
	return func(e *Engine) {
		e.walOpts.MaxSegmentSize = size
	}
}

// WithCompressAt sets the value size from which values are compressed (default 4 KiB).
// 0 disables compression.
func WithCompressAt(size int) Option {
	return func(e *Engine) {
		e.walOpts.CompressAt = size
	}
}

// WithIdempotentDelete turns deletes of missing keys into no-ops instead of ErrNotFound.
func WithIdempotentDelete(enabled bool) Option {
	return func(e *Engine) {
		e.idempotentDelete = enabled
	}
}

// WithCheckpoints enables writing an index checkpoint on every compaction (default on).
func WithCheckpoints(enabled bool) Option {
	return func(e *Engine) {
		e.checkpoints = enabled
	}
}

// WithRecoveryMode sets how open handles a damaged log (default RecoveryStrict).
func WithRecoveryMode(mode RecoveryMode) Option {
	return func(e *Engine) {
		e.recovery = mode
	}
}

// WithRetryPolicy retries transient file system errors with bounded exponential backoff.
func WithRetryPolicy(policy fs.RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = &policy
	}
}

// WithManifestRetention sets how many superseded manifest versions are kept (default 2).
func WithManifestRetention(keep int) Option {
	return func(e *Engine) {
		if keep >= 0 {
			e.keepManifests = keep
		}
	}
}
