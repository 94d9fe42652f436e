package engine

import (
	"path/filepath"
	"sync/atomic"

	"github.com/hupe1980/treekv/internal/manifest"
	"github.com/hupe1980/treekv/internal/wal"
)

// RefCountedSegment is a sealed segment shared by the live segment set and the
// readers that pinned it. The file stays on disk until the last reference is dropped.
type RefCountedSegment struct {
	Info    manifest.SegmentInfo
	Path    string
	refs    int64
	onClose atomic.Value // stores func()
}

func NewRefCountedSegment(info manifest.SegmentInfo, path string) *RefCountedSegment {
	r := &RefCountedSegment{
		Info: info,
		Path: path,
		refs: 1, // Initial ref held by the live set
	}
	var f func()
	r.onClose.Store(f)
	return r
}

func (r *RefCountedSegment) IncRef() {
	atomic.AddInt64(&r.refs, 1)
}

func (r *RefCountedSegment) DecRef() {
	if atomic.AddInt64(&r.refs, -1) == 0 {
		f := r.onClose.Load().(func())
		if f != nil {
			f()
		}
	}
}

// SetOnClose sets a callback run when the last reference is dropped.
// Compaction uses it to delete the file of a replaced segment.
func (r *RefCountedSegment) SetOnClose(f func()) {
	r.onClose.Store(f)
}

// WAL returns the extent of the segment as the log package describes it.
func (r *RefCountedSegment) WAL() wal.SegmentInfo {
	return wal.SegmentInfo{
		ID:      r.Info.ID,
		Path:    r.Path,
		MinID:   r.Info.MinID,
		MaxID:   r.Info.MaxID,
		Records: r.Info.Records,
		Size:    r.Info.Size,
	}
}

func toManifestSegment(si wal.SegmentInfo) manifest.SegmentInfo {
	return manifest.SegmentInfo{
		ID:      si.ID,
		Path:    filepath.Base(si.Path),
		MinID:   si.MinID,
		MaxID:   si.MaxID,
		Records: si.Records,
		Size:    si.Size,
	}
}

func (e *Engine) toWALSegment(si manifest.SegmentInfo) wal.SegmentInfo {
	return wal.SegmentInfo{
		ID:      si.ID,
		Path:    filepath.Join(e.dir, si.Path),
		MinID:   si.MinID,
		MaxID:   si.MaxID,
		Records: si.Records,
		Size:    si.Size,
	}
}

// acquireSegments pins the sealed segments. The caller must pass the result to
// releaseSegments once it stopped reading them.
func (e *Engine) acquireSegments() []*RefCountedSegment {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*RefCountedSegment, len(e.sealed))
	for i, s := range e.sealed {
		s.IncRef()
		out[i] = s
	}
	return out
}

func releaseSegments(segs []*RefCountedSegment) {
	for _, s := range segs {
		s.DecRef()
	}
}
