package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/treekv/blobstore"
	"github.com/hupe1980/treekv/internal/compaction"
	"github.com/hupe1980/treekv/internal/fs"
	"github.com/hupe1980/treekv/internal/index"
	"github.com/hupe1980/treekv/internal/manifest"
	"github.com/hupe1980/treekv/internal/resource"
	"github.com/hupe1980/treekv/internal/snapshot"
	"github.com/hupe1980/treekv/internal/txn"
	"github.com/hupe1980/treekv/internal/wal"
	"golang.org/x/sync/singleflight"
)

// Engine ties the log, the tree index, the snapshot registry and the compactor
// together over one data directory.
type Engine struct {
	mu        sync.RWMutex // guards manifest and sealed
	rotateMu  sync.Mutex
	compactMu sync.Mutex

	dir       string
	fs        fs.FileSystem
	store     blobstore.BlobStore
	manifests *manifest.Store
	manifest  *manifest.Manifest
	sealed    []*RefCountedSegment
	lock      *fs.DirLock

	log       *wal.Log
	ix        *index.Index
	coord     *txn.Coordinator
	snaps     *snapshot.Registry
	compactor *compaction.Compactor
	// visible is the highest id whose append was acknowledged.
	visible atomic.Uint64
	memUsed atomic.Int64

	walOpts          wal.Options
	idempotentDelete bool
	checkpoints      bool
	autoCompaction   bool
	recovery         RecoveryMode
	retry            *fs.RetryPolicy
	keepManifests    int

	policy       compaction.Policy
	rotateCh     chan struct{}
	compactionCh chan struct{}
	closeCh      chan struct{}
	wg           sync.WaitGroup
	sf           singleflight.Group
	closed       atomic.Bool

	rc       *resource.Controller
	rcConfig resource.Config
	metrics  MetricsObserver
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// Open opens the engine in dir, creating it if necessary, and replays the log.
func Open(ctx context.Context, dir string, opts ...Option) (*Engine, error) {
	e := &Engine{
		dir:            dir,
		walOpts:        wal.DefaultOptions(),
		checkpoints:    true,
		autoCompaction: true,
		keepManifests:  DefaultManifestRetention,
		policy:         &compaction.BoundedSizeTieredPolicy{Threshold: DefaultCompactionThreshold},
		snaps:          snapshot.NewRegistry(),
		rotateCh:       make(chan struct{}, 1),
		compactionCh:   make(chan struct{}, 1),
		closeCh:        make(chan struct{}),
		metrics:        &NoopMetricsObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e.init(ctx)
}

func (e *Engine) init(ctx context.Context) (*Engine, error) {
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	e.rc = resource.NewController(e.rcConfig)
	if e.walOpts.MaxSegmentSize < 0 || e.walOpts.CompressAt < 0 {
		return nil, fmt.Errorf("%w: negative segment size or compression threshold", ErrInvalidArgument)
	}
	if e.fs == nil {
		e.fs = fs.Default
	}
	if err := e.fs.MkdirAll(e.dir, 0o755); err != nil {
		return nil, ioError("create data directory", e.dir, err)
	}

	// Only a real directory can be locked against other processes.
	if _, ok := e.fs.(fs.LocalFS); ok {
		lock, err := fs.LockDir(e.dir)
		if err != nil {
			if errors.Is(err, fs.ErrLocked) {
				return nil, err
			}
			return nil, ioError("lock", e.dir, err)
		}
		e.lock = lock
	}

	if e.retry != nil {
		rfs := fs.NewRetryFS(e.fs, *e.retry)
		rfs.OnRetry = func(op string, err error, delay time.Duration) {
			e.logger.Warn("retrying storage operation", "op", op, "error", err, "delay", delay)
		}
		e.fs = rfs
	}
	if e.store == nil {
		e.store = blobstore.NewLocalStore(e.fs, e.dir)
	}
	e.manifests = manifest.NewStore(e.store)
	e.compactor = compaction.New(e.fs, e.dir, e.rc, e.walOpts.CompressAt)
	e.walOpts.OnFull = e.signalRotate

	if err := e.recover(ctx); err != nil {
		_ = e.lock.Unlock()
		return nil, err
	}

	e.coord = txn.New(writerFunc(e.write), e.ix, txn.Options{IdempotentDelete: e.idempotentDelete})
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.wg.Add(2)
	GoSafe(e.logger, e.runRotationLoop)
	GoSafe(e.logger, e.runCompactionLoop)

	// Segments sealed before the last shutdown may already call for compaction.
	e.signalCompaction()
	return e, nil
}

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Flush syncs the active segment to stable storage.
func (e *Engine) Flush(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.log.Sync(); err != nil {
		if errors.Is(err, os.ErrClosed) {
			return ErrClosed
		}
		return ioError("sync", e.log.Active().Path, err)
	}
	return nil
}

// EngineStats is a point-in-time summary of the engine.
type EngineStats struct {
	SealedSegments  int
	SealedBytes     int64
	ActiveSegment   uint64
	ActiveBytes     int64
	Trees           int
	LiveKeys        int64
	Versions        int64
	IndexBytes      int64
	LastID          uint64
	VisibleID       uint64
	OpenSnapshots   int
	OldestSnapshot  uint64
	MemoryUsage     int64
	ManifestVersion uint64
	CheckpointMaxID uint64
}

// Stats returns the current engine statistics.
func (e *Engine) Stats() EngineStats {
	active := e.log.Active()
	ixs := e.ix.Stats()

	stats := EngineStats{
		ActiveSegment: active.ID,
		ActiveBytes:   active.Size,
		Trees:         ixs.Trees,
		LiveKeys:      ixs.LiveKeys,
		Versions:      ixs.Versions,
		IndexBytes:    ixs.Bytes,
		LastID:        e.log.Sequence().Last(),
		VisibleID:     e.visible.Load(),
		OpenSnapshots: e.snaps.Len(),
		MemoryUsage:   e.rc.MemoryUsage(),
	}
	if c, ok := e.snaps.Min(); ok {
		stats.OldestSnapshot = c
	}

	e.mu.RLock()
	stats.SealedSegments = len(e.sealed)
	for _, s := range e.sealed {
		stats.SealedBytes += s.Info.Size
	}
	stats.ManifestVersion = e.manifest.ID
	stats.CheckpointMaxID = e.manifest.Checkpoint.MaxID
	e.mu.RUnlock()

	return stats
}

// Close stops the background loops, syncs the log and records the last assigned id.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	e.cancel() // Cancel background contexts
	close(e.closeCh)

	// Wait for background tasks
	e.wg.Wait()

	// Wait for a running Compact call
	e.compactMu.Lock()
	defer e.compactMu.Unlock()
	e.rotateMu.Lock()
	defer e.rotateMu.Unlock()

	var errs []error
	if err := e.log.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		errs = append(errs, ioError("close log", e.dir, err))
	}

	e.mu.Lock()
	if last := e.log.Sequence().Last(); last > e.manifest.LastID {
		m := e.manifest.Clone()
		m.LastID = last
		if err := e.manifests.Save(context.Background(), m); err != nil {
			errs = append(errs, ioError("save manifest", "", err))
		} else {
			e.manifest = m
		}
	}
	e.mu.Unlock()

	e.rc.ReleaseMemory(e.memUsed.Swap(0))

	if err := e.lock.Unlock(); err != nil {
		errs = append(errs, ioError("unlock", e.dir, err))
	}

	err := errors.Join(errs...)
	if err != nil {
		e.logger.Error("close failed", "error", err)
	} else {
		e.logger.Info("engine closed", "last_id", e.log.Sequence().Last())
	}
	return err
}

func (e *Engine) signalRotate() {
	select {
	case e.rotateCh <- struct{}{}:
	default:
	}
}

func (e *Engine) signalCompaction() {
	if !e.autoCompaction {
		return
	}
	select {
	case e.compactionCh <- struct{}{}:
	default:
	}
}

func (e *Engine) runRotationLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closeCh:
			return
		case <-e.rotateCh:
			if _, err := e.rotate(e.ctx); err != nil {
				if !e.closed.Load() {
					e.logger.Error("Rotation failed", "error", err)
				}
				continue
			}
			e.signalCompaction()
		}
	}
}

func (e *Engine) runCompactionLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.closeCh:
			return
		case <-e.compactionCh:
			e.checkCompaction()
		}
	}
}

func (e *Engine) memoryAcquired(n int64) {
	e.memUsed.Add(n)
}

func (e *Engine) releaseMemory(n int64) {
	if n <= 0 {
		return
	}
	// Prune estimates may exceed what was accounted.
	for {
		cur := e.memUsed.Load()
		rel := min(n, cur)
		if e.memUsed.CompareAndSwap(cur, cur-rel) {
			e.rc.ReleaseMemory(rel)
			return
		}
	}
}
