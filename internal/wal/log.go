package wal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Options configures a Log.
type Options struct {
	Durability Durability
	// MaxSegmentSize triggers OnFull once the active segment grows past it. 0 disables.
	MaxSegmentSize int64
	// CompressAt is the value size from which values are lz4 compressed. 0 disables.
	CompressAt int
	// OnFull is called (outside the append lock) after an append filled the active segment.
	OnFull func()
}

func DefaultOptions() Options {
	return Options{
		Durability:     DurabilitySync,
		MaxSegmentSize: 64 << 20,
		CompressAt:     4096,
	}
}

// ErrPoisoned is returned by every append after the log lost track of what is on disk.
var ErrPoisoned = errors.New("log is poisoned")

// AppendHooks run inside the append critical section.
type AppendHooks struct {
	// Validate runs before ids are stamped. A non-nil error aborts the append.
	Validate func() error
	// Apply receives the stamped records after the frame was written, in id order.
	Apply func(recs []Record) error
}

// Ticket is the receipt of a written frame. Wait blocks until it is durable.
type Ticket struct {
	First uint64
	Last  uint64
	Bytes int

	seg    *Segment
	offset int64
}

// Wait blocks until the frame is durable according to the log's durability mode.
func (t Ticket) Wait() error {
	if t.seg == nil || t.seg.opts.Durability == DurabilityAsync {
		return nil
	}
	return t.seg.WaitFor(t.offset)
}

// Log is the append-only record log. It owns the id sequence and the active segment;
// ids are stamped, written and applied under one mutex so they reach the index in order.
type Log struct {
	mu     sync.Mutex
	fs     fsys
	dir    string
	opts   Options
	seq    *Sequence
	active *Segment
	buf    []byte
	err    error
	closed bool
}

// fsys is the subset of fs.FileSystem the log needs besides segment files.
type fsys interface {
	Remove(name string) error
}

// NewLog wraps an open active segment. seq must already reflect every id on disk.
func NewLog(dir string, active *Segment, seq *Sequence, opts Options) *Log {
	return &Log{
		fs:     active.fs,
		dir:    dir,
		opts:   opts,
		seq:    seq,
		active: active,
	}
}

// Sequence returns the id generator owned by the log.
func (l *Log) Sequence() *Sequence { return l.seq }

// Active returns the active segment's extent.
func (l *Log) Active() SegmentInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active.Info()
}

// Append stamps muts with consecutive ids and writes them as one frame.
// The durability wait is left to Ticket.Wait so that concurrent appenders share fsyncs.
func (l *Log) Append(ctx context.Context, muts []Mutation, hooks AppendHooks) (Ticket, error) {
	if len(muts) == 0 {
		return Ticket{}, ErrEmptyAppend
	}
	payload, err := encodePayload(muts, l.opts.CompressAt)
	if err != nil {
		return Ticket{}, err
	}

	l.mu.Lock()
	if err := ctx.Err(); err != nil {
		l.mu.Unlock()
		return Ticket{}, err
	}
	if l.closed {
		l.mu.Unlock()
		return Ticket{}, os.ErrClosed
	}
	if l.err != nil {
		l.mu.Unlock()
		return Ticket{}, l.err
	}
	if hooks.Validate != nil {
		if err := hooks.Validate(); err != nil {
			l.mu.Unlock()
			return Ticket{}, err
		}
	}

	first := l.seq.Next()
	last := first + uint64(len(muts)) - 1
	l.buf = appendFrame(l.buf[:0], frameType(muts), first, payload)

	seg := l.active
	offset, err := seg.write(l.buf, first, last)
	if err != nil {
		l.mu.Unlock()
		return Ticket{}, err
	}
	l.seq.advance(last)

	if hooks.Apply != nil {
		recs := make([]Record, len(muts))
		for i := range muts {
			recs[i] = Record{
				ID:        first + uint64(i),
				Tree:      muts[i].Tree,
				Key:       muts[i].Key,
				Value:     muts[i].Value,
				Tombstone: muts[i].Tombstone,
			}
		}
		if err := hooks.Apply(recs); err != nil {
			l.err = fmt.Errorf("%w: %w", ErrPoisoned, err)
			l.mu.Unlock()
			return Ticket{}, l.err
		}
	}

	full := l.opts.MaxSegmentSize > 0 && offset >= l.opts.MaxSegmentSize
	n := len(l.buf)
	l.mu.Unlock()

	if full && l.opts.OnFull != nil {
		l.opts.OnFull()
	}
	return Ticket{First: first, Last: last, Bytes: n, seg: seg, offset: offset}, nil
}

// Rotate seals the active segment and continues in a new segment with id next.
// commit runs under the append lock before any write can reach the new segment;
// it must persist the new segment list. If commit fails the new segment is removed
// and the old one stays active.
func (l *Log) Rotate(next uint64, commit func(sealed SegmentInfo, active SegmentInfo) error) (SegmentInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return SegmentInfo{}, os.ErrClosed
	}
	if l.err != nil {
		return SegmentInfo{}, l.err
	}
	if err := l.active.Sync(); err != nil {
		return SegmentInfo{}, err
	}

	path := filepath.Join(l.dir, SegmentFileName(next))
	seg, err := CreateSegment(l.active.fs, path, next, l.opts)
	if err != nil {
		return SegmentInfo{}, err
	}

	sealed := l.active.Info()
	if err := commit(sealed, seg.Info()); err != nil {
		_ = seg.Close()
		_ = l.fs.Remove(path)
		return SegmentInfo{}, err
	}

	old := l.active
	l.active = seg
	if err := old.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return sealed, fmt.Errorf("close sealed segment: %w", err)
	}
	return sealed, nil
}

// Sync flushes the active segment to stable storage.
func (l *Log) Sync() error {
	l.mu.Lock()
	seg := l.active
	l.mu.Unlock()
	return seg.Sync()
}

// Close closes the active segment. Later appends fail with os.ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return os.ErrClosed
	}
	l.closed = true
	return l.active.Close()
}
