package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hupe1980/treekv/internal/fs"
)

// ErrCorrupt is matched by every CorruptionError.
var ErrCorrupt = errors.New("corrupt log")

// CorruptionError reports where verified data in a segment ends.
type CorruptionError struct {
	Path   string
	Offset int64  // Byte offset of the first unverified frame
	LastID uint64 // Last id verified before the corruption (0 if none)
	Err    error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt log %s at offset %d after id %d: %v", e.Path, e.Offset, e.LastID, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupt }

// Reader iterates over the frames of one segment.
type Reader struct {
	f      fs.File
	r      *bufio.Reader
	path   string
	offset int64
	lastID uint64
}

// OpenReader opens the segment at path for sequential reading. When limit > 0
// only the first limit bytes are read, which lets callers read an active
// segment up to its last acknowledged frame.
func OpenReader(fsys fs.FileSystem, path string, limit int64) (*Reader, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}
	if err := checkHeader(f); err != nil {
		_ = f.Close()
		return nil, &CorruptionError{Path: path, Err: err}
	}
	if limit <= 0 {
		stat, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		limit = stat.Size()
	}
	sr := io.NewSectionReader(f, SegmentHeaderSize, limit-SegmentHeaderSize)
	return &Reader{
		f:      f,
		r:      bufio.NewReaderSize(sr, 64*1024),
		path:   path,
		offset: SegmentHeaderSize,
	}, nil
}

// Next reads the next frame. It returns io.EOF at the end of the segment and a
// *CorruptionError when a frame fails verification. Ids must increase across frames.
func (r *Reader) Next() (*Frame, error) {
	frame, err := DecodeFrame(r.r)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if !isFrameError(err) {
			return nil, err
		}
		return nil, &CorruptionError{Path: r.path, Offset: r.offset, LastID: r.lastID, Err: err}
	}
	if frame.FirstID() <= r.lastID {
		return nil, &CorruptionError{
			Path:   r.path,
			Offset: r.offset,
			LastID: r.lastID,
			Err:    fmt.Errorf("id %d does not follow %d", frame.FirstID(), r.lastID),
		}
	}
	r.offset += frame.Size
	r.lastID = frame.LastID()
	return frame, nil
}

// Offset returns the offset just past the last verified frame.
func (r *Reader) Offset() int64 {
	return r.offset
}

// LastID returns the last verified id.
func (r *Reader) LastID() uint64 {
	return r.lastID
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.f.Close()
}
