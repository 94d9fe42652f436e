package treekv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/hupe1980/treekv/blobstore"
	"github.com/hupe1980/treekv/internal/compaction"
	"github.com/hupe1980/treekv/internal/engine"
	"github.com/hupe1980/treekv/internal/fs"
	"github.com/hupe1980/treekv/internal/index"
	"github.com/hupe1980/treekv/internal/txn"
)

// Backend names where a database keeps its log segments.
type Backend struct {
	dir   string
	fs    fs.FileSystem
	store blobstore.BlobStore
}

// Local keeps the database in dir on the local file system. The directory is
// created if needed and locked against other processes while the DB is open.
func Local(dir string) Backend {
	return Backend{dir: dir}
}

// InMemory keeps the database in memory. Opening the same Backend value again
// after Close sees the previous contents, which makes it useful for tests.
func InMemory() Backend {
	return Backend{
		dir:   "/treekv",
		fs:    fs.NewMemFS(),
		store: blobstore.NewMemoryStore(),
	}
}

// Version is a value together with the id of the record that wrote it.
type Version struct {
	ID    uint64
	Value []byte
}

// CompactionStats summarizes one compaction.
type CompactionStats = compaction.Stats

// Stats is a point-in-time summary of a database.
type Stats = engine.EngineStats

// VerifyReport describes what Verify read.
type VerifyReport = engine.VerifyReport

// DB is an open database. All methods are safe for concurrent use.
type DB struct {
	eng     *engine.Engine
	dir     string
	logger  *Logger
	metrics MetricsCollector
}

// Open opens the database in backend, creating it if it does not exist, and
// replays its log. A damaged log fails with a *CorruptLogError unless
// WithRecoveryMode(RecoveryTruncateTail) allows dropping a torn tail.
func Open(ctx context.Context, backend Backend, optFns ...Option) (*DB, error) {
	if backend.dir == "" {
		return nil, fmt.Errorf("%w: empty data directory", ErrInvalidArgument)
	}
	o := applyOptions(optFns)

	engOpts := []engine.Option{
		engine.WithLogger(o.logger.Logger),
		engine.WithMetricsObserver(&engineObserver{mc: o.metricsCollector}),
	}
	if backend.fs != nil {
		engOpts = append(engOpts, engine.WithFileSystem(backend.fs))
	}
	store := backend.store
	if o.store != nil {
		store = o.store
	}
	if store != nil {
		engOpts = append(engOpts, engine.WithBlobStore(store))
	}
	engOpts = append(engOpts, o.engineOpts...)

	eng, err := engine.Open(ctx, backend.dir, engOpts...)
	if err != nil {
		err = translateError(err)
		o.logger.LogRecovery(ctx, backend.dir, Stats{}, err)
		return nil, err
	}

	db := &DB{
		eng:     eng,
		dir:     backend.dir,
		logger:  o.logger,
		metrics: o.metricsCollector,
	}
	o.logger.LogRecovery(ctx, backend.dir, eng.Stats(), nil)
	return db, nil
}

// Put writes value as the newest version of key in tree and returns the id of
// the new record. A nil value is stored as an empty value.
func (db *DB) Put(ctx context.Context, tree, key, value []byte) (uint64, error) {
	start := time.Now()
	id, err := db.eng.Put(ctx, tree, key, value)
	err = translateError(err)
	db.metrics.RecordPut(time.Since(start), err)
	db.logger.LogPut(ctx, tree, key, id, err)
	return id, err
}

// PutIf writes value only if the live record of key has id expectedID, or if
// the key is absent when expectedID is 0. Otherwise it fails with ErrConflict.
func (db *DB) PutIf(ctx context.Context, tree, key, value []byte, expectedID uint64) (uint64, error) {
	start := time.Now()
	id, err := db.eng.PutIf(ctx, tree, key, value, expectedID)
	err = translateError(err)
	db.metrics.RecordPut(time.Since(start), err)
	db.logger.LogPut(ctx, tree, key, id, err)
	return id, err
}

// Delete writes a tombstone for key. Deleting a key without a live record fails
// with ErrNotFound, or returns id 0 with WithIdempotentDelete.
func (db *DB) Delete(ctx context.Context, tree, key []byte) (uint64, error) {
	start := time.Now()
	id, err := db.eng.Delete(ctx, tree, key)
	err = translateError(err)
	db.metrics.RecordDelete(time.Since(start), err)
	db.logger.LogDelete(ctx, tree, key, id, err)
	return id, err
}

// CompareAndSwap replaces the value of key if it currently equals oldValue.
//
// A nil oldValue requires the key to be absent and a nil newValue deletes it.
// A mismatch fails with ErrConflict. Swapping absent for absent writes nothing
// and returns id 0.
func (db *DB) CompareAndSwap(ctx context.Context, tree, key, oldValue, newValue []byte) (uint64, error) {
	start := time.Now()
	id, err := db.eng.CompareAndSwap(ctx, tree, key, oldValue, newValue)
	err = translateError(err)
	db.metrics.RecordPut(time.Since(start), err)
	db.logger.LogPut(ctx, tree, key, id, err)
	return id, err
}

// Get returns a copy of the live value of key. It fails with ErrNotFound if the
// key has no live record.
func (db *DB) Get(ctx context.Context, tree, key []byte) ([]byte, error) {
	v, err := db.GetVersion(ctx, tree, key)
	if err != nil {
		return nil, err
	}
	return v.Value, nil
}

// GetVersion is like Get but also returns the id of the live record.
func (db *DB) GetVersion(ctx context.Context, tree, key []byte) (Version, error) {
	start := time.Now()
	v, err := db.eng.Get(ctx, tree, key)
	db.recordGet(start, err)
	if err != nil {
		return Version{}, translateError(err)
	}
	return toVersion(v), nil
}

// Exists reports whether key has a live record.
func (db *DB) Exists(ctx context.Context, tree, key []byte) (bool, error) {
	_, err := db.GetVersion(ctx, tree, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (db *DB) recordGet(start time.Time, err error) {
	if errors.Is(err, engine.ErrNotFound) {
		db.metrics.RecordGet(time.Since(start), false, nil)
		return
	}
	db.metrics.RecordGet(time.Since(start), err == nil, err)
}

func toVersion(v index.Version) Version {
	value := make([]byte, len(v.Value))
	copy(value, v.Value)
	return Version{ID: v.ID, Value: value}
}

// Scan yields the live pairs of tree whose key starts with prefix, in key order.
// Each iteration sees the state at the moment it starts; records written later
// are not observed. Iteration stops when ctx is done.
//
// The yielded slices belong to the database and must not be modified.
func (db *DB) Scan(ctx context.Context, tree, prefix []byte) iter.Seq2[[]byte, []byte] {
	return scan(ctx, db.metrics, db.eng.Scan(tree, prefix))
}

func scan(ctx context.Context, mc MetricsCollector, inner iter.Seq2[[]byte, []byte]) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		start := time.Now()
		n := 0
		defer func() { mc.RecordScan(n, time.Since(start)) }()

		for k, v := range inner {
			if ctx.Err() != nil {
				return
			}
			n++
			if !yield(k, v) {
				return
			}
		}
	}
}

// Snapshot pins the current state. Reads through it ignore every later write
// and survive compaction until Release is called.
func (db *DB) Snapshot() (*Snapshot, error) {
	s, err := db.eng.Snapshot()
	if err != nil {
		return nil, translateError(err)
	}
	return &Snapshot{s: s, metrics: db.metrics}, nil
}

// Begin starts a batch of writes to tree. The batch becomes visible atomically
// on Commit, or not at all.
func (db *DB) Begin(tree []byte) *Batch {
	return &Batch{b: db.eng.Begin(tree), db: db, logger: db.logger.WithTree(tree)}
}

// Compact seals the active log segment and rewrites every sealed segment,
// keeping only records that are live or still visible to an open snapshot.
// Readers of the old segments are not disturbed. On failure the old segments
// stay authoritative.
func (db *DB) Compact(ctx context.Context) (CompactionStats, error) {
	st, err := db.eng.Compact(ctx)
	err = translateError(err)
	db.logger.LogCompaction(ctx, st, err)
	return st, err
}

// Flush syncs every acknowledged write to stable storage. It only matters
// with DurabilityAsync.
func (db *DB) Flush(ctx context.Context) error {
	return translateError(db.eng.Flush(ctx))
}

// Verify reads every log segment and the checkpoint and checks their checksums,
// id order and manifest extents.
func (db *DB) Verify(ctx context.Context) (VerifyReport, error) {
	rep, err := db.eng.Verify(ctx)
	return rep, translateError(err)
}

// Stats returns a point-in-time summary of the database.
func (db *DB) Stats() Stats {
	return db.eng.Stats()
}

// Close syncs the log and releases the data directory. Open snapshots and
// batches become unusable.
func (db *DB) Close() error {
	err := translateError(db.eng.Close())
	if err == nil {
		db.logger.Info("database closed", "dir", db.dir)
	}
	return err
}

// Snapshot is a read view pinned at an id ceiling.
type Snapshot struct {
	s       *engine.Snapshot
	metrics MetricsCollector
}

// Ceiling returns the highest id visible through the snapshot.
func (s *Snapshot) Ceiling() uint64 {
	return s.s.Ceiling()
}

// Get returns a copy of the value key had at the snapshot's ceiling.
func (s *Snapshot) Get(ctx context.Context, tree, key []byte) ([]byte, error) {
	v, err := s.GetVersion(ctx, tree, key)
	if err != nil {
		return nil, err
	}
	return v.Value, nil
}

// GetVersion is like Get but also returns the record id.
func (s *Snapshot) GetVersion(ctx context.Context, tree, key []byte) (Version, error) {
	v, err := s.s.Get(ctx, tree, key)
	if err != nil {
		return Version{}, translateError(err)
	}
	return toVersion(v), nil
}

// Scan yields the pairs of tree under prefix as of the snapshot's ceiling.
// A released snapshot yields nothing.
func (s *Snapshot) Scan(ctx context.Context, tree, prefix []byte) iter.Seq2[[]byte, []byte] {
	return scan(ctx, s.metrics, s.s.Scan(tree, prefix))
}

// Release unpins the snapshot so compaction can reclaim the versions only it
// needed. Calling Release more than once has no effect.
func (s *Snapshot) Release() {
	s.s.Release()
}

// Batch groups writes to one tree. Conditions are checked at Commit against the
// latest state overlaid with the batch's own earlier operations.
type Batch struct {
	b      *txn.Batch
	db     *DB
	logger *Logger
}

// Put adds an upsert to the batch.
func (b *Batch) Put(key, value []byte) error {
	return translateError(b.b.Put(key, value))
}

// PutIf adds a conditional upsert. See DB.PutIf.
func (b *Batch) PutIf(key, value []byte, expectedID uint64) error {
	return translateError(b.b.PutIf(key, value, expectedID))
}

// Delete adds a delete to the batch.
func (b *Batch) Delete(key []byte) error {
	return translateError(b.b.Delete(key))
}

// Len returns the number of operations in the batch.
func (b *Batch) Len() int {
	return b.b.Len()
}

// Abort discards the batch.
func (b *Batch) Abort() error {
	return translateError(b.b.Abort())
}

// Commit writes the batch atomically and returns the id range it was assigned.
// An empty batch writes nothing and returns (0, 0, nil). The batch cannot be
// used after Commit, whatever the outcome.
func (b *Batch) Commit(ctx context.Context) (first, last uint64, err error) {
	start := time.Now()
	ops := b.b.Len()
	first, last, err = b.b.Commit(ctx)
	err = translateError(err)
	b.db.metrics.RecordCommit(ops, time.Since(start), err)
	b.logger.LogCommit(ctx, ops, first, last, err)
	return first, last, err
}
