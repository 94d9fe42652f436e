package engine

import (
	"errors"
	"fmt"

	"github.com/hupe1980/treekv/internal/fs"
	"github.com/hupe1980/treekv/internal/txn"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed engine.
	ErrClosed = errors.New("engine closed")

	// ErrInvalidArgument is returned for an empty tree id or an unusable option value.
	ErrInvalidArgument = txn.ErrInvalidArgument

	// ErrCorrupt is returned when a segment, checkpoint or manifest fails verification.
	ErrCorrupt = errors.New("corrupt log")

	// ErrIO is returned when the storage layer failed to persist or read data.
	ErrIO = errors.New("i/o error")

	// ErrBackpressure is returned when a write would exceed the memory limit.
	ErrBackpressure = errors.New("backpressure: resource limit exceeded")

	// ErrNotFound is returned when a key has no live record.
	ErrNotFound = txn.ErrNotFound

	// ErrConflict is returned when an expected id or compare value does not match.
	ErrConflict = txn.ErrConflict

	// ErrTxnDone is returned when a batch is used after Commit or Abort.
	ErrTxnDone = txn.ErrTxnDone

	// ErrSnapshotReleased is returned when reading through a released snapshot.
	ErrSnapshotReleased = errors.New("snapshot released")

	// ErrLocked is returned when the data directory is held by another process.
	ErrLocked = fs.ErrLocked
)

// IOError describes a failed storage operation.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }

// CorruptLogError reports where replay stopped. LastID is the last id that was verified
// in the segment before the damage.
type CorruptLogError struct {
	Segment string
	Offset  int64
	LastID  uint64
	Err     error
}

func (e *CorruptLogError) Error() string {
	return fmt.Sprintf("corrupt log: segment %s at offset %d (last verified id %d): %v", e.Segment, e.Offset, e.LastID, e.Err)
}

func (e *CorruptLogError) Unwrap() error { return e.Err }

func (e *CorruptLogError) Is(target error) bool { return target == ErrCorrupt }

func ioError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var ioe *IOError
	if errors.As(err, &ioe) {
		return err
	}
	return &IOError{Op: op, Path: path, Err: err}
}
