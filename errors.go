package treekv

import (
	"errors"
	"fmt"

	"github.com/hupe1980/treekv/internal/engine"
)

var (
	// ErrNotFound is returned when a key has no live record.
	ErrNotFound = errors.New("treekv: not found")

	// ErrConflict is returned when an expected id or CAS value does not match
	// the live record. Conflicts are never resolved silently.
	ErrConflict = errors.New("treekv: conflict")

	// ErrIO is returned when storage is unavailable or a write failed after retries.
	ErrIO = errors.New("treekv: io error")

	// ErrCorruptLog is returned when replay or verification finds a damaged log.
	ErrCorruptLog = errors.New("treekv: corrupt log")

	// ErrClosed is returned by every operation on a closed DB.
	ErrClosed = errors.New("treekv: closed")

	// ErrTxnDone is returned when a committed or aborted batch is used again.
	ErrTxnDone = errors.New("treekv: batch already finished")

	// ErrInvalidArgument is returned for an empty tree id.
	ErrInvalidArgument = errors.New("treekv: invalid argument")

	// ErrBackpressure is returned when a write would exceed the memory limit.
	ErrBackpressure = errors.New("treekv: memory limit reached")

	// ErrLocked is returned when the data directory is held by another process.
	ErrLocked = errors.New("treekv: data directory locked")

	// ErrSnapshotReleased is returned by reads through a released snapshot.
	ErrSnapshotReleased = errors.New("treekv: snapshot released")
)

// IOError describes a failed storage operation. It matches ErrIO.
type IOError = engine.IOError

// CorruptLogError reports the segment, byte offset and last verified id at
// which a damaged log stops. It matches ErrCorruptLog.
type CorruptLogError = engine.CorruptLogError

var kinds = []struct {
	internal error
	public   error
}{
	{engine.ErrNotFound, ErrNotFound},
	{engine.ErrConflict, ErrConflict},
	{engine.ErrCorrupt, ErrCorruptLog},
	{engine.ErrIO, ErrIO},
	{engine.ErrClosed, ErrClosed},
	{engine.ErrTxnDone, ErrTxnDone},
	{engine.ErrInvalidArgument, ErrInvalidArgument},
	{engine.ErrBackpressure, ErrBackpressure},
	{engine.ErrLocked, ErrLocked},
	{engine.ErrSnapshotReleased, ErrSnapshotReleased},
}

// translateError tags an engine error with the public kind it belongs to.
// The original chain stays reachable through errors.As and errors.Unwrap.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k.internal) {
			return fmt.Errorf("%w: %w", k.public, err)
		}
	}
	return err
}
