package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/hupe1980/treekv/internal/compaction"
	"github.com/hupe1980/treekv/internal/index"
	"github.com/hupe1980/treekv/internal/manifest"
	"github.com/hupe1980/treekv/internal/wal"
)

// rotate seals the active segment and records it in the manifest before any
// write reaches the new segment. An empty active segment is left alone.
func (e *Engine) rotate(ctx context.Context) (wal.SegmentInfo, error) {
	e.rotateMu.Lock()
	defer e.rotateMu.Unlock()

	if e.log.Active().Records == 0 {
		return wal.SegmentInfo{}, nil
	}

	next := e.allocSegmentID()
	sealed, err := e.log.Rotate(next, func(sealed, active wal.SegmentInfo) error {
		e.mu.Lock()
		defer e.mu.Unlock()

		m := e.manifest.Clone()
		n := len(m.Segments)
		if m.Segments[n-1].ID != sealed.ID {
			return fmt.Errorf("%w: active segment %d is not the last manifest segment", ErrCorrupt, sealed.ID)
		}
		m.Segments[n-1] = toManifestSegment(sealed)
		m.Segments = append(m.Segments, toManifestSegment(active))
		m.LastID = max(m.LastID, sealed.MaxID)

		if err := e.manifests.Save(ctx, m); err != nil {
			return err
		}
		e.manifest = m
		e.sealed = append(e.sealed, NewRefCountedSegment(m.Segments[n-1], sealed.Path))
		return nil
	})
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return wal.SegmentInfo{}, ErrClosed
		}
		if errors.Is(err, ErrCorrupt) {
			return wal.SegmentInfo{}, err
		}
		return wal.SegmentInfo{}, ioError("rotate", e.dir, err)
	}

	e.mu.RLock()
	depth := len(e.sealed)
	e.mu.RUnlock()

	e.metrics.OnRotate(sealed.ID, sealed.Size)
	e.metrics.OnQueueDepth("sealed_segments", depth)
	e.logger.Debug("segment rotated",
		"segment", sealed.ID,
		"records", sealed.Records,
		"size", sealed.Size,
		"next", next,
	)
	return sealed, nil
}

// allocSegmentID reserves a segment id. The reservation is persisted with the
// next manifest save; an unsaved id only ever names an orphan file.
func (e *Engine) allocSegmentID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.manifest.NextSegmentID
	e.manifest.NextSegmentID++
	return id
}

// Compact seals the active segment and compacts every sealed segment.
// Concurrent calls share one run.
func (e *Engine) Compact(ctx context.Context) (compaction.Stats, error) {
	if err := e.checkOpen(); err != nil {
		return compaction.Stats{}, err
	}
	v, err, _ := e.sf.Do("compact", func() (any, error) {
		return e.compact(ctx, true)
	})
	if err != nil {
		return compaction.Stats{}, err
	}
	return v.(compaction.Stats), nil
}

func (e *Engine) checkCompaction() {
	for !e.closed.Load() {
		st, err := e.compact(e.ctx, false)
		if err != nil || st.SegmentsCompacted < 2 {
			return
		}
	}
}

// compact runs one compaction. A manual run covers all sealed segments after a
// rotation; otherwise the policy picks a prefix of them.
func (e *Engine) compact(ctx context.Context, manual bool) (compaction.Stats, error) {
	// A background run yields to one already holding the slot.
	if manual {
		if err := e.rc.AcquireBackground(ctx); err != nil {
			return compaction.Stats{}, err
		}
	} else if !e.rc.TryAcquireBackground() {
		return compaction.Stats{}, nil
	}
	defer e.rc.ReleaseBackground()

	e.compactMu.Lock()
	defer e.compactMu.Unlock()

	if err := e.checkOpen(); err != nil {
		return compaction.Stats{}, err
	}

	if manual {
		if _, err := e.rotate(ctx); err != nil {
			e.logger.Error("Compaction failed", "stage", "rotate", "error", err)
			return compaction.Stats{}, err
		}
	}

	e.mu.RLock()
	inputs := slices.Clone(e.sealed)
	e.mu.RUnlock()

	if !manual {
		task := e.policy.Pick(segmentStats(inputs))
		if task == nil {
			return compaction.Stats{}, nil
		}
		n := prefixLen(inputs, task.Segments)
		if n == 0 {
			e.logger.Warn("compaction policy picked segments that are not a prefix of the log", "segments", task.Segments)
			return compaction.Stats{}, nil
		}
		inputs = inputs[:n]
	}
	if len(inputs) == 0 {
		return compaction.Stats{}, nil
	}
	return e.compactSegments(ctx, inputs)
}

// compactSegments rewrites a prefix of the sealed segments and commits the result.
//
// Only a prefix may be compacted: a tombstone is dropped once no older version of
// its key survives, and an older version in an earlier segment would otherwise
// reappear on replay.
func (e *Engine) compactSegments(ctx context.Context, inputs []*RefCountedSegment) (compaction.Stats, error) {
	start := time.Now()

	var cut uint64
	ids := make([]uint64, len(inputs))
	walInputs := make([]wal.SegmentInfo, len(inputs))
	for i, s := range inputs {
		ids[i] = s.Info.ID
		walInputs[i] = s.WAL()
		cut = max(cut, s.Info.MaxID)
	}

	// Pin the watermark so it counts as a snapshot while the survivors are computed.
	h := e.snaps.Acquire(e.visible.Load)
	defer h.Release()
	pins, watermark := e.snaps.Horizon(e.visible.Load)
	horizon := index.NewHorizon(pins, watermark)
	keep := e.ix.Survivors(cut, horizon)

	e.logger.Info("Compaction started",
		"segments", ids,
		"cut", cut,
		"watermark", watermark,
		"pins", len(horizon.Pins),
		"survivors", keep.GetCardinality(),
	)

	outID := e.allocSegmentID()
	res, err := e.compactor.Rewrite(ctx, walInputs, keep, outID)
	if err != nil {
		return e.compactionFailed(start, len(inputs), err)
	}
	removeOutput := func() {
		if res.Output.ID != 0 {
			_ = e.fs.Remove(res.Output.Path)
		}
	}

	// A checkpoint older than this compaction could bring back dropped versions,
	// so the manifest either points at a new one or at none.
	var ckpt manifest.CheckpointInfo
	if e.checkpoints {
		name := index.CheckpointFileName(outID)
		n, err := compaction.WriteCheckpoint(ctx, e.store, e.ix, name, cut, keep)
		switch {
		case err != nil && ctx.Err() != nil:
			removeOutput()
			_ = e.store.Delete(context.Background(), name)
			return e.compactionFailed(start, len(inputs), ctx.Err())
		case err != nil:
			e.logger.Warn("checkpoint failed, recovery will replay the full log", "checkpoint", name, "error", err)
			_ = e.store.Delete(context.Background(), name)
		default:
			ckpt = manifest.CheckpointInfo{Path: name, MaxID: cut}
			e.metrics.OnThroughput("checkpoint", n)
		}
	}

	// Commit: Save Manifest FIRST, then swap the segment set.
	e.mu.Lock()
	if n := prefixLen(e.sealed, ids); n != len(ids) {
		e.mu.Unlock()
		removeOutput()
		if ckpt.Path != "" {
			_ = e.store.Delete(context.Background(), ckpt.Path)
		}
		return e.compactionFailed(start, len(inputs), fmt.Errorf("compaction input is no longer a prefix of the log"))
	}

	m := e.manifest.Clone()
	segs := make([]manifest.SegmentInfo, 0, len(m.Segments)-len(inputs)+1)
	var out *RefCountedSegment
	if res.Output.ID != 0 {
		ms := toManifestSegment(res.Output)
		segs = append(segs, ms)
		out = NewRefCountedSegment(ms, res.Output.Path)
	}
	m.Segments = append(segs, m.Segments[len(inputs):]...)
	oldCkpt := m.Checkpoint.Path
	m.Checkpoint = ckpt
	m.LastID = max(m.LastID, e.log.Sequence().Last())

	if err := e.manifests.Save(ctx, m); err != nil {
		e.mu.Unlock()
		removeOutput()
		if ckpt.Path != "" {
			_ = e.store.Delete(context.Background(), ckpt.Path)
		}
		return e.compactionFailed(start, len(inputs), ioError("save manifest", "", err))
	}
	e.manifest = m

	old := e.sealed[:len(inputs)]
	sealed := make([]*RefCountedSegment, 0, len(e.sealed)-len(inputs)+1)
	if out != nil {
		sealed = append(sealed, out)
	}
	e.sealed = append(sealed, e.sealed[len(inputs):]...)
	depth := len(e.sealed)
	version := m.ID
	e.mu.Unlock()

	// Files are removed once readers that pinned the old set are done.
	for _, s := range old {
		path := s.Path
		s.SetOnClose(func() {
			if err := e.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				e.logger.Warn("failed to remove compacted segment", "path", path, "error", err)
			}
		})
		s.DecRef()
	}
	if oldCkpt != "" && oldCkpt != ckpt.Path {
		if err := e.store.Delete(ctx, oldCkpt); err != nil {
			e.logger.Warn("failed to remove old checkpoint", "checkpoint", oldCkpt, "error", err)
		}
	}

	pruned := e.ix.Prune(horizon)
	e.releaseMemory(pruned.Bytes)

	if n, err := e.manifests.Prune(ctx, version, e.keepManifests); err != nil {
		e.logger.Warn("failed to prune manifest versions", "error", err)
	} else if n > 0 {
		e.logger.Debug("pruned manifest versions", "count", n)
	}

	st := res.Stats(len(inputs))
	st.Duration = time.Since(start)

	e.metrics.OnCompaction(st.Duration, len(inputs), st.RecordsReclaimed, nil)
	e.metrics.OnThroughput("compaction", res.Output.Size)
	e.metrics.OnQueueDepth("sealed_segments", depth)
	e.logger.Info("Compaction completed",
		"segments", ids,
		"output", res.Output.ID,
		"records_reclaimed", st.RecordsReclaimed,
		"bytes_reclaimed", st.BytesReclaimed,
		"pruned_versions", pruned.Versions,
		"checkpoint", ckpt.Path,
		"duration", st.Duration,
	)
	return st, nil
}

func (e *Engine) compactionFailed(start time.Time, inputs int, err error) (compaction.Stats, error) {
	e.metrics.OnCompaction(time.Since(start), inputs, 0, err)
	e.logger.Error("Compaction failed", "segments", inputs, "error", err)
	return compaction.Stats{}, err
}

func segmentStats(segs []*RefCountedSegment) []compaction.SegmentStats {
	out := make([]compaction.SegmentStats, len(segs))
	for i, s := range segs {
		out[i] = compaction.SegmentStats{
			ID:      s.Info.ID,
			Size:    s.Info.Size,
			Records: s.Info.Records,
			MinID:   s.Info.MinID,
			MaxID:   s.Info.MaxID,
		}
	}
	return out
}

// prefixLen returns len(ids) if ids name the first segments of segs in order, else 0.
func prefixLen(segs []*RefCountedSegment, ids []uint64) int {
	if len(ids) > len(segs) {
		return 0
	}
	for i, id := range ids {
		if segs[i].Info.ID != id {
			return 0
		}
	}
	return len(ids)
}
