package compaction

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hupe1980/treekv/blobstore"
	"github.com/hupe1980/treekv/internal/fs"
	"github.com/hupe1980/treekv/internal/index"
	"github.com/hupe1980/treekv/internal/resource"
	"github.com/hupe1980/treekv/internal/wal"
)

// TmpSuffix marks a segment that is still being written.
const TmpSuffix = ".tmp"

// Stats summarizes one compaction.
type Stats struct {
	RecordsReclaimed  int64
	BytesReclaimed    int64
	SegmentsCompacted int
	Duration          time.Duration
}

// Result describes a finished rewrite.
type Result struct {
	// Output is the rewritten segment. Output.ID is 0 when nothing survived
	// and no file was created.
	Output      wal.SegmentInfo
	RecordsIn   int64
	RecordsKept int64
	BytesIn     int64
}

// Stats converts the result into compaction stats.
func (r Result) Stats(segments int) Stats {
	return Stats{
		RecordsReclaimed:  r.RecordsIn - r.RecordsKept,
		BytesReclaimed:    r.BytesIn - r.Output.Size,
		SegmentsCompacted: segments,
	}
}

// Compactor rewrites sealed segments, keeping only surviving records.
type Compactor struct {
	fs         fs.FileSystem
	dir        string
	rc         *resource.Controller
	compressAt int
}

// New creates a compactor writing into dir. rc throttles the rewrite and may be nil.
func New(fsys fs.FileSystem, dir string, rc *resource.Controller, compressAt int) *Compactor {
	if fsys == nil {
		fsys = fs.Default
	}
	return &Compactor{fs: fsys, dir: dir, rc: rc, compressAt: compressAt}
}

// Rewrite copies the records of inputs whose id is in keep into a new segment
// with id outID. Surviving records keep their ids and order; a frame whose
// records only partly survive is split into runs of consecutive ids.
//
// The segment is written to a temporary file, synced and renamed into place.
// On error nothing is left behind. ctx is checked between frames.
func (c *Compactor) Rewrite(ctx context.Context, inputs []wal.SegmentInfo, keep *roaring64.Bitmap, outID uint64) (res Result, err error) {
	path := filepath.Join(c.dir, wal.SegmentFileName(outID))
	tmpPath := path + TmpSuffix

	f, err := c.fs.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if f != nil {
			_ = f.Close()
			_ = c.fs.Remove(tmpPath)
		}
	}()

	lw := resource.NewRateLimitedWriter(ctx, f, c.rc)
	bw := bufio.NewWriterSize(lw, 256*1024)

	if err := wal.WriteSegmentHeader(bw); err != nil {
		return Result{}, err
	}
	out := wal.SegmentInfo{ID: outID, Path: path, Size: wal.SegmentHeaderSize}

	emit := func(run []wal.Record) error {
		data, err := wal.EncodeFrame(run, c.compressAt)
		if err != nil {
			return err
		}
		if _, err := bw.Write(data); err != nil {
			return err
		}
		if out.Records == 0 {
			out.MinID = run[0].ID
		}
		out.MaxID = run[len(run)-1].ID
		out.Records += int64(len(run))
		out.Size += int64(len(data))
		return nil
	}

	for _, in := range inputs {
		if err := c.copySegment(ctx, in, keep, &res, emit); err != nil {
			return Result{}, err
		}
	}

	if err := bw.Flush(); err != nil {
		return Result{}, err
	}

	if out.Records == 0 {
		_ = f.Close()
		f = nil
		_ = c.fs.Remove(tmpPath)
		res.Output = wal.SegmentInfo{}
		return res, nil
	}

	if err := f.Sync(); err != nil {
		return Result{}, err
	}
	if err := f.Close(); err != nil {
		f = nil
		_ = c.fs.Remove(tmpPath)
		return Result{}, err
	}
	f = nil

	// Atomic Rename (publish) + dir fsync
	if err := c.fs.Rename(tmpPath, path); err != nil {
		_ = c.fs.Remove(tmpPath)
		return Result{}, err
	}
	if err := fs.SyncDir(c.fs, c.dir); err != nil {
		_ = c.fs.Remove(path)
		return Result{}, err
	}

	res.Output = out
	return res, nil
}

func (c *Compactor) copySegment(ctx context.Context, in wal.SegmentInfo, keep *roaring64.Bitmap, res *Result, emit func([]wal.Record) error) error {
	r, err := wal.OpenReader(c.fs, in.Path, in.Size)
	if err != nil {
		return fmt.Errorf("open %s: %w", in.Path, err)
	}
	defer r.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := r.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		res.RecordsIn += int64(len(frame.Records))
		res.BytesIn += frame.Size

		start := -1
		for i, rec := range frame.Records {
			if keep.Contains(rec.ID) {
				res.RecordsKept++
				if start < 0 {
					start = i
				}
				continue
			}
			if start >= 0 {
				if err := emit(frame.Records[start:i]); err != nil {
					return err
				}
				start = -1
			}
		}
		if start >= 0 {
			if err := emit(frame.Records[start:]); err != nil {
				return err
			}
		}
	}
}

// WriteCheckpoint stores a checkpoint of every version <= cut in keep under name.
// It returns the checkpoint size in bytes.
func WriteCheckpoint(ctx context.Context, store blobstore.BlobStore, ix *index.Index, name string, cut uint64, keep *roaring64.Bitmap) (int64, error) {
	var buf bytes.Buffer
	if err := ix.WriteCheckpoint(&buf, cut, keep); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := store.Put(ctx, name, buf.Bytes()); err != nil {
		return 0, err
	}
	return int64(buf.Len()), nil
}
