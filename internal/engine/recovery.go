package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/hupe1980/treekv/blobstore"
	"github.com/hupe1980/treekv/internal/compaction"
	"github.com/hupe1980/treekv/internal/index"
	"github.com/hupe1980/treekv/internal/manifest"
	"github.com/hupe1980/treekv/internal/wal"
)

// recover loads the manifest and rebuilds the index from the newest checkpoint
// and the log, or bootstraps an empty database.
func (e *Engine) recover(ctx context.Context) (err error) {
	start := time.Now()
	var records int64
	defer func() {
		e.metrics.OnRecovery(time.Since(start), records, err)
		if err != nil {
			e.logger.Error("recovery failed", "dir", e.dir, "error", err)
		}
	}()

	m, err := e.manifests.Load(ctx)
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		return e.bootstrap(ctx)
	case errors.Is(err, manifest.ErrCorrupt), errors.Is(err, manifest.ErrIncompatibleVersion):
		return fmt.Errorf("%w: manifest: %w", ErrCorrupt, err)
	case err != nil:
		return ioError("load manifest", manifest.CurrentFileName, err)
	}
	if len(m.Segments) == 0 {
		return fmt.Errorf("%w: manifest %d lists no segments", ErrCorrupt, m.ID)
	}
	e.manifest = m

	e.cleanupOrphans(ctx)

	ix, from := e.loadCheckpoint(ctx)

	var (
		prev   uint64
		active wal.SegmentInfo
		sealed = make([]*RefCountedSegment, 0, len(m.Segments)-1)
	)
	for i, si := range m.Segments {
		info := e.toWALSegment(si)
		last := i == len(m.Segments)-1

		// Covered entirely by the checkpoint.
		if !last && si.Records > 0 && si.MaxID <= from {
			prev = max(prev, si.MaxID)
			sealed = append(sealed, NewRefCountedSegment(si, info.Path))
			continue
		}

		limit := info.Size
		if last {
			limit = 0 // the active segment is read to its end
		}
		got, err := e.replaySegment(ix, info, limit, from, &prev)
		records += got.Records
		if err != nil {
			var ce *CorruptLogError
			if !last || e.recovery != RecoveryTruncateTail || !errors.As(err, &ce) {
				return err
			}
			e.logger.Warn("truncating corrupt log tail",
				"segment", ce.Segment,
				"offset", ce.Offset,
				"last_id", ce.LastID,
				"error", ce.Err,
			)
			got.Size = ce.Offset
		}
		if last {
			active = got
		} else {
			sealed = append(sealed, NewRefCountedSegment(si, info.Path))
		}
	}

	lastID := max(m.LastID, prev, ix.LastID())
	pruned := ix.Prune(index.NewHorizon(nil, lastID))

	size := ix.Stats().Bytes
	if err := e.rc.AcquireMemory(size); err != nil {
		e.logger.Warn("index exceeds memory limit after recovery", "bytes", size, "limit", e.rc.MemoryLimit())
	} else {
		e.memoryAcquired(size)
	}

	seg, err := wal.OpenSegment(e.fs, active, e.walOpts)
	if err != nil {
		return ioError("open active segment", active.Path, err)
	}

	e.ix = ix
	e.sealed = sealed
	e.log = wal.NewLog(e.dir, seg, wal.NewSequence(lastID), e.walOpts)
	e.visible.Store(lastID)

	e.logger.Info("recovery completed",
		"dir", e.dir,
		"manifest", m.ID,
		"segments", len(m.Segments),
		"records_replayed", records,
		"checkpoint_max_id", from,
		"last_id", lastID,
		"pruned_versions", pruned.Versions,
		"duration", time.Since(start),
	)
	return nil
}

// bootstrap creates the first segment and manifest of an empty database.
func (e *Engine) bootstrap(ctx context.Context) error {
	if err := e.removeEmptySegments(); err != nil {
		return err
	}

	m := manifest.New()
	id := m.NextSegmentID
	m.NextSegmentID++

	path := filepath.Join(e.dir, wal.SegmentFileName(id))
	seg, err := wal.CreateSegment(e.fs, path, id, e.walOpts)
	if err != nil {
		return ioError("create segment", path, err)
	}
	m.Segments = []manifest.SegmentInfo{toManifestSegment(seg.Info())}

	if err := e.manifests.Save(ctx, m); err != nil {
		_ = seg.Close()
		_ = e.fs.Remove(path)
		return ioError("save manifest", "", err)
	}

	e.manifest = m
	e.ix = index.New()
	e.log = wal.NewLog(e.dir, seg, wal.NewSequence(0), e.walOpts)

	e.logger.Info("created database", "dir", e.dir, "instance", m.InstanceID.String())
	return nil
}

// removeEmptySegments deletes segments left by a bootstrap that crashed before
// its manifest was saved. A segment holding data without a manifest is not
// touched; open fails instead.
func (e *Engine) removeEmptySegments() error {
	entries, err := e.fs.ReadDir(e.dir)
	if err != nil {
		return ioError("read data directory", e.dir, err)
	}
	for _, ent := range entries {
		if _, ok := wal.ParseSegmentFileName(ent.Name()); !ok {
			continue
		}
		path := filepath.Join(e.dir, ent.Name())
		st, err := e.fs.Stat(path)
		if err != nil {
			return ioError("stat", path, err)
		}
		if st.Size() > wal.SegmentHeaderSize {
			return fmt.Errorf("%w: segment %s exists but no manifest was found", ErrCorrupt, ent.Name())
		}
		if err := e.fs.Remove(path); err != nil {
			return ioError("remove", path, err)
		}
	}
	return nil
}

// cleanupOrphans removes files an interrupted rotation or compaction left behind.
func (e *Engine) cleanupOrphans(ctx context.Context) {
	referenced := make(map[string]bool, len(e.manifest.Segments))
	for _, s := range e.manifest.Segments {
		referenced[s.Path] = true
	}

	entries, err := e.fs.ReadDir(e.dir)
	if err != nil {
		e.logger.Warn("orphan cleanup skipped", "error", err)
		return
	}
	for _, ent := range entries {
		name := ent.Name()
		_, isSegment := wal.ParseSegmentFileName(name)
		orphan := strings.HasSuffix(name, compaction.TmpSuffix) || (isSegment && !referenced[name])
		if !orphan {
			continue
		}
		if err := e.fs.Remove(filepath.Join(e.dir, name)); err != nil {
			e.logger.Warn("failed to remove orphan file", "file", name, "error", err)
			continue
		}
		e.logger.Info("removed orphan file", "file", name)
	}

	names, err := e.store.List(ctx, checkpointPrefix)
	if err != nil {
		e.logger.Warn("checkpoint cleanup skipped", "error", err)
		return
	}
	for _, name := range names {
		if name == e.manifest.Checkpoint.Path {
			continue
		}
		if err := e.store.Delete(ctx, name); err != nil {
			e.logger.Warn("failed to remove orphan checkpoint", "checkpoint", name, "error", err)
			continue
		}
		e.logger.Info("removed orphan checkpoint", "checkpoint", name)
	}
}

const checkpointPrefix = "checkpoint-"

// loadCheckpoint returns the index stored in the manifest's checkpoint and the
// highest id it covers. An unusable checkpoint falls back to a full replay.
func (e *Engine) loadCheckpoint(ctx context.Context) (*index.Index, uint64) {
	ck := e.manifest.Checkpoint
	if ck.Path == "" {
		return index.New(), 0
	}

	ix, maxID, err := readCheckpoint(ctx, e.store, ck.Path)
	if err == nil && maxID != ck.MaxID {
		err = fmt.Errorf("%w: covers id %d, manifest expects %d", index.ErrInvalidCheckpoint, maxID, ck.MaxID)
	}
	if err != nil {
		e.logger.Warn("checkpoint unusable, replaying full log", "checkpoint", ck.Path, "error", err)
		return index.New(), 0
	}
	return ix, maxID
}

func readCheckpoint(ctx context.Context, store blobstore.BlobStore, name string) (*index.Index, uint64, error) {
	data, err := blobstore.ReadAll(ctx, store, name)
	if err != nil {
		return nil, 0, err
	}
	return index.ReadCheckpoint(bytes.NewReader(data))
}

// replaySegment applies every record with an id above from to ix. It returns the
// verified extent of the segment, also when it stops at a corrupt frame.
// prev carries the last id seen across segments.
func (e *Engine) replaySegment(ix *index.Index, info wal.SegmentInfo, limit int64, from uint64, prev *uint64) (wal.SegmentInfo, error) {
	out := wal.SegmentInfo{ID: info.ID, Path: info.Path, Size: wal.SegmentHeaderSize}

	r, err := wal.OpenReader(e.fs, info.Path, limit)
	if err != nil {
		var ce *wal.CorruptionError
		if errors.As(err, &ce) {
			return out, &CorruptLogError{Segment: ce.Path, Offset: ce.Offset, LastID: *prev, Err: ce.Err}
		}
		return out, ioError("open segment", info.Path, err)
	}
	defer r.Close()

	for {
		frame, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			var ce *wal.CorruptionError
			if errors.As(err, &ce) {
				return out, &CorruptLogError{Segment: ce.Path, Offset: ce.Offset, LastID: max(ce.LastID, *prev), Err: ce.Err}
			}
			return out, ioError("read segment", info.Path, err)
		}

		offset := r.Offset() - frame.Size
		if frame.FirstID() <= *prev {
			return out, &CorruptLogError{
				Segment: info.Path,
				Offset:  offset,
				LastID:  *prev,
				Err:     fmt.Errorf("id %d does not follow %d", frame.FirstID(), *prev),
			}
		}
		for _, rec := range frame.Records {
			if rec.ID <= from {
				continue
			}
			// A frame that verified but does not apply is not a torn tail.
			if err := ix.Apply(rec); err != nil {
				return out, fmt.Errorf("%w: segment %s at offset %d: %w", ErrCorrupt, info.Path, offset, err)
			}
		}

		*prev = frame.LastID()
		if out.Records == 0 {
			out.MinID = frame.FirstID()
		}
		out.MaxID = frame.LastID()
		out.Records += int64(len(frame.Records))
		out.Size = r.Offset()
	}
}
