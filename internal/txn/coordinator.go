package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/treekv/internal/index"
	"github.com/hupe1980/treekv/internal/wal"
)

var (
	// ErrConflict is returned when an expected id or compare value does not match.
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned by a strict delete of a key without a live record.
	ErrNotFound = errors.New("not found")

	// ErrTxnDone is returned when a batch is used after Commit or Abort.
	ErrTxnDone = errors.New("batch already committed or aborted")

	// ErrInvalidArgument is returned for an empty tree id.
	ErrInvalidArgument = errors.New("invalid argument")

	// errNoop aborts an append that turned out to have nothing to write.
	errNoop = errors.New("nothing to write")

	// errReplan aborts a batch append whose skipped deletes no longer match the state.
	errReplan = errors.New("batch plan is stale")
)

// Writer appends mutations as one atomic frame. validate runs inside the log's
// critical section, after every earlier append was applied to the index and
// before ids are stamped. Write returns once the frame is durable and visible.
type Writer interface {
	Write(ctx context.Context, muts []wal.Mutation, validate func() error) (first, last uint64, err error)
}

// State exposes the newest applied version of a key.
type State interface {
	Latest(tree, key []byte) (index.Version, bool)
}

// Options configures a Coordinator.
type Options struct {
	// IdempotentDelete turns a delete of a missing key into a no-op instead of ErrNotFound.
	IdempotentDelete bool
}

// Coordinator enforces per-tree key semantics on top of the log and the index.
type Coordinator struct {
	w    Writer
	st   State
	opts Options
}

// New returns a coordinator writing through w and validating against st.
func New(w Writer, st State, opts Options) *Coordinator {
	return &Coordinator{w: w, st: st, opts: opts}
}

// liveID returns the id of the live record of (tree, key), or 0 if there is none.
func (c *Coordinator) liveID(tree, key []byte) uint64 {
	v, ok := c.st.Latest(tree, key)
	if !ok || v.Tombstone {
		return 0
	}
	return v.ID
}

func (c *Coordinator) live(tree, key []byte) (index.Version, bool) {
	v, ok := c.st.Latest(tree, key)
	if !ok || v.Tombstone {
		return index.Version{}, false
	}
	return v, true
}

func checkTree(tree []byte) error {
	if len(tree) == 0 {
		return fmt.Errorf("%w: empty tree id", ErrInvalidArgument)
	}
	return nil
}

// cloneValue copies a value; nil becomes an empty value, never a tombstone.
func cloneValue(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func putMutation(tree, key, value []byte) wal.Mutation {
	return wal.Mutation{Tree: append([]byte(nil), tree...), Key: append([]byte(nil), key...), Value: cloneValue(value)}
}

func deleteMutation(tree, key []byte) wal.Mutation {
	return wal.Mutation{Tree: append([]byte(nil), tree...), Key: append([]byte(nil), key...), Tombstone: true}
}

func (c *Coordinator) write(ctx context.Context, muts []wal.Mutation, validate func() error) (uint64, error) {
	_, last, err := c.w.Write(ctx, muts, validate)
	if errors.Is(err, errNoop) {
		return 0, nil
	}
	return last, err
}

// Upsert writes value as the newest version of (tree, key). Concurrent upserts
// of one key are ordered by id; the later id wins.
func (c *Coordinator) Upsert(ctx context.Context, tree, key, value []byte) (uint64, error) {
	if err := checkTree(tree); err != nil {
		return 0, err
	}
	return c.write(ctx, []wal.Mutation{putMutation(tree, key, value)}, nil)
}

// UpsertIf writes value only if the id of the live record equals expectedID.
// An expectedID of 0 requires that the key has no live record.
func (c *Coordinator) UpsertIf(ctx context.Context, tree, key, value []byte, expectedID uint64) (uint64, error) {
	if err := checkTree(tree); err != nil {
		return 0, err
	}
	return c.write(ctx, []wal.Mutation{putMutation(tree, key, value)}, func() error {
		if cur := c.liveID(tree, key); cur != expectedID {
			return fmt.Errorf("%w: key %q has id %d, expected %d", ErrConflict, key, cur, expectedID)
		}
		return nil
	})
}

// Delete writes a tombstone for (tree, key). Without a live record it fails with
// ErrNotFound, or returns (0, nil) when deletes are idempotent.
func (c *Coordinator) Delete(ctx context.Context, tree, key []byte) (uint64, error) {
	if err := checkTree(tree); err != nil {
		return 0, err
	}
	return c.write(ctx, []wal.Mutation{deleteMutation(tree, key)}, func() error {
		if c.liveID(tree, key) != 0 {
			return nil
		}
		if c.opts.IdempotentDelete {
			return errNoop
		}
		return fmt.Errorf("%w: key %q", ErrNotFound, key)
	})
}

// CompareAndSwap replaces the value of (tree, key) if its live value equals oldValue.
// A nil oldValue requires the key to be absent; a nil newValue deletes the key. Swapping
// absent for absent writes nothing and returns id 0.
func (c *Coordinator) CompareAndSwap(ctx context.Context, tree, key, oldValue, newValue []byte) (uint64, error) {
	if err := checkTree(tree); err != nil {
		return 0, err
	}
	m := putMutation(tree, key, newValue)
	if newValue == nil {
		m = deleteMutation(tree, key)
	}
	return c.write(ctx, []wal.Mutation{m}, func() error {
		cur, live := c.live(tree, key)
		switch {
		case oldValue == nil && live:
			return fmt.Errorf("%w: key %q exists", ErrConflict, key)
		case oldValue != nil && !live:
			return fmt.Errorf("%w: key %q does not exist", ErrConflict, key)
		case oldValue != nil && string(cur.Value) != string(oldValue):
			return fmt.Errorf("%w: key %q has a different value", ErrConflict, key)
		case newValue == nil && !live:
			return errNoop
		}
		return nil
	})
}

// Begin starts a batch of writes to one tree.
func (c *Coordinator) Begin(tree []byte) *Batch {
	return &Batch{c: c, tree: append([]byte(nil), tree...)}
}
