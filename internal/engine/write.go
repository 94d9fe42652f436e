package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"time"

	"github.com/hupe1980/treekv/internal/index"
	"github.com/hupe1980/treekv/internal/snapshot"
	"github.com/hupe1980/treekv/internal/txn"
	"github.com/hupe1980/treekv/internal/wal"
)

type writerFunc func(ctx context.Context, muts []wal.Mutation, validate func() error) (uint64, uint64, error)

func (f writerFunc) Write(ctx context.Context, muts []wal.Mutation, validate func() error) (uint64, uint64, error) {
	return f(ctx, muts, validate)
}

// mutationBytes is an upper bound of what muts add to the index. write settles
// the reservation to the exact amount once the records are applied.
func mutationBytes(muts []wal.Mutation) int64 {
	var n int64
	for _, m := range muts {
		n += index.EstimateSize(m.Key, m.Value)
	}
	return n
}

// write appends muts as one frame, waits until it is durable and raises the
// visible watermark. validate runs inside the log's critical section.
func (e *Engine) write(ctx context.Context, muts []wal.Mutation, validate func() error) (uint64, uint64, error) {
	if err := e.checkOpen(); err != nil {
		return 0, 0, err
	}

	size := mutationBytes(muts)
	if err := e.rc.AcquireMemory(size); err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrBackpressure, err)
	}
	e.memoryAcquired(size)

	start := time.Now()
	var (
		verr  error
		added int64
	)
	hooks := wal.AppendHooks{Apply: func(recs []wal.Record) error {
		n, err := e.ix.ApplyAllSized(recs)
		added = n
		return err
	}}
	if validate != nil {
		hooks.Validate = func() error {
			verr = validate()
			return verr
		}
	}

	t, err := e.log.Append(ctx, muts, hooks)
	e.releaseMemory(size - added)
	if err != nil {
		e.metrics.OnAppend(len(muts), 0, time.Since(start), err)
		switch {
		case verr != nil:
			return 0, 0, err
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return 0, 0, err
		case errors.Is(err, os.ErrClosed):
			return 0, 0, ErrClosed
		}
		return 0, 0, ioError("append", e.dir, err)
	}

	if err := t.Wait(); err != nil {
		e.metrics.OnAppend(len(muts), t.Bytes, time.Since(start), err)
		return 0, 0, ioError("sync", e.dir, err)
	}

	for {
		cur := e.visible.Load()
		if t.Last <= cur || e.visible.CompareAndSwap(cur, t.Last) {
			break
		}
	}

	e.metrics.OnAppend(len(muts), t.Bytes, time.Since(start), nil)
	e.metrics.OnThroughput("append", int64(t.Bytes))
	return t.First, t.Last, nil
}

// Put writes value as the newest version of (tree, key) and returns its id.
func (e *Engine) Put(ctx context.Context, tree, key, value []byte) (uint64, error) {
	return e.coord.Upsert(ctx, tree, key, value)
}

// PutIf writes value only if the live record of (tree, key) has id expectedID.
// An expectedID of 0 requires the key to be absent.
func (e *Engine) PutIf(ctx context.Context, tree, key, value []byte, expectedID uint64) (uint64, error) {
	return e.coord.UpsertIf(ctx, tree, key, value, expectedID)
}

// Delete writes a tombstone for (tree, key).
func (e *Engine) Delete(ctx context.Context, tree, key []byte) (uint64, error) {
	return e.coord.Delete(ctx, tree, key)
}

// CompareAndSwap replaces the value of (tree, key) if it currently equals oldValue.
func (e *Engine) CompareAndSwap(ctx context.Context, tree, key, oldValue, newValue []byte) (uint64, error) {
	return e.coord.CompareAndSwap(ctx, tree, key, oldValue, newValue)
}

// Begin starts a batch of writes to one tree.
func (e *Engine) Begin(tree []byte) *txn.Batch {
	return e.coord.Begin(tree)
}

func (e *Engine) ceiling() uint64 {
	return e.visible.Load()
}

// Get returns the live version of (tree, key) at the visible watermark.
func (e *Engine) Get(ctx context.Context, tree, key []byte) (index.Version, error) {
	return e.get(ctx, tree, key, e.ceiling)
}

func (e *Engine) get(ctx context.Context, tree, key []byte, ceiling index.Ceiling) (index.Version, error) {
	if err := e.checkOpen(); err != nil {
		return index.Version{}, err
	}
	if err := ctx.Err(); err != nil {
		return index.Version{}, err
	}
	if len(tree) == 0 {
		return index.Version{}, fmt.Errorf("%w: empty tree id", ErrInvalidArgument)
	}
	v, ok := e.ix.Get(tree, key, ceiling)
	if !ok {
		return index.Version{}, fmt.Errorf("%w: key %q", ErrNotFound, key)
	}
	return v, nil
}

// Scan yields the live pairs of tree whose key starts with prefix, in key order,
// as of the visible watermark when the iteration starts.
func (e *Engine) Scan(tree, prefix []byte) iter.Seq2[[]byte, []byte] {
	return e.ix.Scan(tree, prefix, e.ceiling)
}

// Snapshot is a read view pinned at an id ceiling. Compaction keeps every
// version it needs until it is released.
type Snapshot struct {
	e *Engine
	h *snapshot.Handle
}

// Snapshot pins the visible watermark.
func (e *Engine) Snapshot() (*Snapshot, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return &Snapshot{e: e, h: e.snaps.Acquire(e.visible.Load)}, nil
}

// Ceiling returns the pinned id ceiling.
func (s *Snapshot) Ceiling() uint64 {
	return s.h.Ceiling()
}

// Get returns the live version of (tree, key) at the snapshot's ceiling.
func (s *Snapshot) Get(ctx context.Context, tree, key []byte) (index.Version, error) {
	if s.h.Released() {
		return index.Version{}, ErrSnapshotReleased
	}
	return s.e.get(ctx, tree, key, index.At(s.h.Ceiling()))
}

// Scan yields the live pairs of tree under prefix at the snapshot's ceiling.
// A released snapshot yields nothing.
func (s *Snapshot) Scan(tree, prefix []byte) iter.Seq2[[]byte, []byte] {
	inner := s.e.ix.Scan(tree, prefix, index.At(s.h.Ceiling()))
	return func(yield func([]byte, []byte) bool) {
		if s.h.Released() {
			return
		}
		inner(yield)
	}
}

// Release unpins the snapshot. Calling it more than once has no effect.
func (s *Snapshot) Release() {
	s.h.Release()
}
