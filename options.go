package treekv

import (
	"log/slog"
	"time"

	"github.com/hupe1980/treekv/blobstore"
	"github.com/hupe1980/treekv/internal/compaction"
	"github.com/hupe1980/treekv/internal/engine"
	"github.com/hupe1980/treekv/internal/fs"
	"github.com/hupe1980/treekv/internal/wal"
)

// Durability controls when a write is acknowledged.
type Durability = wal.Durability

const (
	// DurabilitySync acknowledges a write once it is fsynced. Concurrent writers
	// share one fsync (group commit).
	DurabilitySync = wal.DurabilitySync
	// DurabilityAsync acknowledges a write once it reached the OS. A crash may
	// lose the most recent writes, never reorder them.
	DurabilityAsync = wal.DurabilityAsync
)

// RecoveryMode controls how Open reacts to a damaged log.
type RecoveryMode = engine.RecoveryMode

const (
	// RecoveryStrict fails Open with a *CorruptLogError on any damage (default).
	RecoveryStrict = engine.RecoveryStrict
	// RecoveryTruncateTail truncates a torn tail of the final segment at the last
	// verified frame and continues. Damage anywhere else still fails Open.
	RecoveryTruncateTail = engine.RecoveryTruncateTail
)

type options struct {
	metricsCollector MetricsCollector
	logger           *Logger
	store            blobstore.BlobStore
	engineOpts       []engine.Option
}

// Option configures Open.
type Option func(*options)

// WithDurability sets when writes are acknowledged (default DurabilitySync).
func WithDurability(d Durability) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, engine.WithDurability(d))
	}
}

// WithMaxSegmentSize sets the size at which the active log segment is sealed
// and a new one started (default 64 MiB).
func WithMaxSegmentSize(bytes int64) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, engine.WithMaxSegmentSize(bytes))
	}
}

// WithCompressAt sets the value size from which values are lz4 compressed in
// the log (default 4 KiB). 0 disables compression.
func WithCompressAt(bytes int) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, engine.WithCompressAt(bytes))
	}
}

// WithIdempotentDelete makes Delete of a missing key a no-op returning id 0
// instead of ErrNotFound (default off).
func WithIdempotentDelete(enabled bool) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, engine.WithIdempotentDelete(enabled))
	}
}

// WithCheckpoints controls whether compaction writes an index checkpoint that
// shortens the next Open (default on).
func WithCheckpoints(enabled bool) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, engine.WithCheckpoints(enabled))
	}
}

// WithBlobStore keeps manifests and checkpoints in st instead of the data
// directory. Log segments always stay in the backend.
//
// Example with a single bbolt file:
//
//	st, _ := blobstore.OpenBoltStore("./meta.db")
//	db, _ := treekv.Open(ctx, treekv.Local("./data"), treekv.WithBlobStore(st))
func WithBlobStore(st blobstore.BlobStore) Option {
	return func(o *options) {
		o.store = st
	}
}

// WithRecoveryMode sets how Open handles a damaged log (default RecoveryStrict).
func WithRecoveryMode(mode RecoveryMode) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, engine.WithRecoveryMode(mode))
	}
}

// WithRetryBudget retries transient storage errors up to maxRetries times with
// exponential backoff starting at initial and capped at maxInterval. Errors that
// outlast the budget surface as ErrIO.
func WithRetryBudget(maxRetries int, initial, maxInterval time.Duration) Option {
	return func(o *options) {
		if maxRetries < 0 {
			maxRetries = 0
		}
		o.engineOpts = append(o.engineOpts, engine.WithRetryPolicy(fs.RetryPolicy{
			MaxRetries:      uint64(maxRetries),
			InitialInterval: initial,
			MaxInterval:     maxInterval,
		}))
	}
}

// WithMemoryLimit caps the memory held by the in-memory index. Writes that would
// exceed it fail with ErrBackpressure until compaction frees superseded versions.
// 0 means unlimited (default).
func WithMemoryLimit(bytes int64) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, engine.WithMemoryLimit(bytes))
	}
}

// WithCompactionIORate limits the bytes per second written by compaction.
// 0 means unlimited (default).
func WithCompactionIORate(bytesPerSec int64) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, engine.WithCompactionIORate(bytesPerSec))
	}
}

// WithCompactionThreshold sets how many sealed segments of similar size trigger
// a background compaction (default 4).
func WithCompactionThreshold(threshold int) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, engine.WithCompactionThreshold(threshold))
	}
}

// WithFullCompaction replaces the size-tiered trigger: once threshold sealed
// segments exist, background compaction rewrites all of them regardless of size.
func WithFullCompaction(threshold int) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, engine.WithCompactionPolicy(&compaction.TieredPolicy{Threshold: threshold}))
	}
}

// WithAutoCompaction enables or disables background compaction (default on).
// Compact still works when it is off.
func WithAutoCompaction(enabled bool) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, engine.WithAutoCompaction(enabled))
	}
}

// WithManifestRetention sets how many superseded manifest versions are kept
// for inspection (default 2).
func WithManifestRetention(keep int) Option {
	return func(o *options) {
		o.engineOpts = append(o.engineOpts, engine.WithManifestRetention(keep))
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &treekv.BasicMetricsCollector{}
//	db, _ := treekv.Open(ctx, treekv.Local("./data"), treekv.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
//	fmt.Printf("Puts: %d, Avg latency: %dns\n", stats.PutCount, stats.PutAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := treekv.NewJSONLogger(slog.LevelInfo)
//	db, _ := treekv.Open(ctx, treekv.Local("./data"), treekv.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
