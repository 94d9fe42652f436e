package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/hupe1980/treekv/internal/fs"
)

// Durability controls the durability guarantees of the log.
type Durability int

const (
	// DurabilityAsync relies on OS page cache. Fast but risky.
	DurabilityAsync Durability = iota
	// DurabilitySync fsyncs before an append is acknowledged. Concurrent appends share fsyncs.
	DurabilitySync
)

func (d Durability) String() string {
	if d == DurabilityAsync {
		return "async"
	}
	return "sync"
}

const (
	segmentMagic      = "TREEKVLG" // 8 bytes
	segmentVersion    = 1          // 4 bytes
	SegmentHeaderSize = 12
)

var (
	ErrIncompatibleVersion = errors.New("incompatible segment version")
	ErrInvalidHeader       = errors.New("invalid segment header")
)

// SegmentFileName returns the file name of segment id.
func SegmentFileName(id uint64) string {
	return fmt.Sprintf("segment-%06d.log", id)
}

// ParseSegmentFileName extracts the id from a segment file name.
func ParseSegmentFileName(name string) (uint64, bool) {
	digits, ok := strings.CutPrefix(name, "segment-")
	if !ok {
		return 0, false
	}
	digits, ok = strings.CutSuffix(digits, ".log")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, SegmentFileName(id) == name
}

// SegmentInfo describes a segment's extent.
type SegmentInfo struct {
	ID      uint64
	Path    string
	MinID   uint64
	MaxID   uint64
	Records int64
	Size    int64
}

// Segment is one append-only log file.
type Segment struct {
	mu   sync.Mutex
	fs   fs.FileSystem
	file fs.File
	path string
	opts Options
	info SegmentInfo

	// Group commit state
	syncedOffset int64      // Offset known to be fsync'd
	syncCond     *sync.Cond // Signals the syncer that there is data to sync
	doneCond     *sync.Cond // Signals waiters that a sync completed
	closed       bool
	stopped      bool  // Syncer has exited; nothing further will be synced
	lastErr      error // Terminal error; every later write fails with it
	wg           sync.WaitGroup
}

// CreateSegment creates a new, empty segment file and writes its header.
func CreateSegment(fsys fs.FileSystem, path string, id uint64, opts Options) (*Segment, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	if err := WriteSegmentHeader(f); err != nil {
		_ = f.Close()
		_ = fsys.Remove(path)
		return nil, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = fsys.Remove(path)
		return nil, err
	}
	if err := fs.SyncDir(fsys, filepath.Dir(path)); err != nil {
		_ = f.Close()
		_ = fsys.Remove(path)
		return nil, err
	}

	return newSegment(fsys, f, path, SegmentInfo{ID: id, Path: path, Size: SegmentHeaderSize}, opts), nil
}

// OpenSegment opens an existing segment for appending. info must describe the
// verified contents (as produced by replay); anything past info.Size is truncated.
func OpenSegment(fsys fs.FileSystem, info SegmentInfo, opts Options) (*Segment, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(info.Path, os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := checkHeader(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.Size < SegmentHeaderSize {
		info.Size = SegmentHeaderSize
	}
	if stat.Size() > info.Size {
		if err := f.Truncate(info.Size); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return newSegment(fsys, f, info.Path, info, opts), nil
}

// WriteSegmentHeader writes the segment file header to w.
func WriteSegmentHeader(w io.Writer) error {
	header := make([]byte, SegmentHeaderSize)
	copy(header[0:8], segmentMagic)
	binary.LittleEndian.PutUint32(header[8:12], uint32(segmentVersion))
	_, err := w.Write(header)
	return err
}

func checkHeader(f fs.File) error {
	header := make([]byte, SegmentHeaderSize)
	if n, err := f.ReadAt(header, 0); n < SegmentHeaderSize {
		if err == nil {
			err = ErrShortRead
		}
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if string(header[0:8]) != segmentMagic {
		return fmt.Errorf("%w: invalid magic %q", ErrInvalidHeader, header[0:8])
	}
	if ver := binary.LittleEndian.Uint32(header[8:12]); ver != segmentVersion {
		return fmt.Errorf("%w: version %d (expected %d)", ErrIncompatibleVersion, ver, segmentVersion)
	}
	return nil
}

func newSegment(fsys fs.FileSystem, f fs.File, path string, info SegmentInfo, opts Options) *Segment {
	s := &Segment{
		fs:           fsys,
		file:         f,
		path:         path,
		opts:         opts,
		info:         info,
		syncedOffset: info.Size,
	}
	s.syncCond = sync.NewCond(&s.mu)
	s.doneCond = sync.NewCond(&s.mu)

	if opts.Durability == DurabilitySync {
		s.wg.Add(1)
		go s.runSyncer()
	} else {
		s.stopped = true
	}
	return s
}

// Info returns the segment's current extent.
func (s *Segment) Info() SegmentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Size returns the number of bytes written, header included.
func (s *Segment) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info.Size
}

// Path returns the segment's file path.
func (s *Segment) Path() string { return s.path }

func (s *Segment) runSyncer() {
	defer s.wg.Done()
	s.mu.Lock()
	defer func() {
		s.stopped = true
		s.doneCond.Broadcast()
		s.mu.Unlock()
	}()

	for {
		// Wait until there is data to sync or we are closed
		for s.info.Size <= s.syncedOffset && !s.closed {
			s.syncCond.Wait()
		}

		if s.closed && s.info.Size <= s.syncedOffset {
			return
		}

		target := s.info.Size

		s.mu.Unlock()
		err := s.file.Sync()
		s.mu.Lock()

		if err != nil {
			s.lastErr = fmt.Errorf("segment sync failed: %w", err)
			s.doneCond.Broadcast()
			return
		}

		if target > s.syncedOffset {
			s.syncedOffset = target
		}
		s.doneCond.Broadcast()
	}
}

// write appends an encoded frame holding ids first..last and returns the end offset.
// A failed write is rolled back by truncation; if that fails the segment is poisoned.
func (s *Segment) write(frame []byte, first, last uint64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, os.ErrClosed
	}
	if s.lastErr != nil {
		return 0, s.lastErr
	}

	n, err := s.file.Write(frame)
	if err != nil {
		if n > 0 {
			if terr := s.file.Truncate(s.info.Size); terr != nil {
				s.lastErr = fmt.Errorf("segment rollback failed: %w", errors.Join(err, terr))
				s.doneCond.Broadcast()
				return 0, s.lastErr
			}
		}
		return 0, err
	}

	s.info.Size += int64(n)
	if s.info.Records == 0 {
		s.info.MinID = first
	}
	s.info.MaxID = last
	s.info.Records += int64(last - first + 1)

	if s.opts.Durability == DurabilitySync {
		s.syncCond.Signal()
	}
	return s.info.Size, nil
}

// WaitFor waits until the segment is synced up to the given offset.
func (s *Segment) WaitFor(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.syncedOffset < offset && !s.stopped && s.lastErr == nil {
		s.doneCond.Wait()
	}
	if s.syncedOffset >= offset {
		return nil
	}
	if s.lastErr != nil {
		return s.lastErr
	}
	return os.ErrClosed
}

// Sync ensures all written frames are committed to stable storage.
func (s *Segment) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return os.ErrClosed
	}
	if s.lastErr != nil {
		return s.lastErr
	}

	if s.opts.Durability == DurabilityAsync {
		if err := s.file.Sync(); err != nil {
			return err
		}
		s.syncedOffset = s.info.Size
		return nil
	}

	target := s.info.Size
	s.syncCond.Signal()
	for s.syncedOffset < target && !s.stopped && s.lastErr == nil {
		s.doneCond.Wait()
	}
	return s.lastErr
}

// Close stops the syncer, syncs what was written and closes the file.
func (s *Segment) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return os.ErrClosed
	}
	s.closed = true
	s.syncCond.Signal() // Wake up syncer to exit
	s.mu.Unlock()

	s.wg.Wait()

	var err error
	if s.opts.Durability == DurabilityAsync {
		err = s.file.Sync()
	}
	return errors.Join(err, s.file.Close())
}
