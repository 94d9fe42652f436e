package txn

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/hupe1980/treekv/internal/wal"
)

type opKind uint8

const (
	opPut opKind = iota
	opDelete
	opPutIf
)

type op struct {
	kind     opKind
	key      []byte
	value    []byte
	expected uint64
}

// Batch groups writes to one tree. All of them become visible together or none do.
// A Batch is not safe for concurrent use.
type Batch struct {
	c    *Coordinator
	tree []byte
	ops  []op
	done bool
}

// Len returns the number of buffered operations.
func (b *Batch) Len() int { return len(b.ops) }

// Put buffers an upsert.
func (b *Batch) Put(key, value []byte) error {
	return b.add(op{kind: opPut, key: append([]byte(nil), key...), value: cloneValue(value)})
}

// PutIf buffers an upsert that requires the live record of key to have expectedID
// (0 for no live record) when the batch commits.
func (b *Batch) PutIf(key, value []byte, expectedID uint64) error {
	return b.add(op{kind: opPutIf, key: append([]byte(nil), key...), value: cloneValue(value), expected: expectedID})
}

// Delete buffers a delete.
func (b *Batch) Delete(key []byte) error {
	return b.add(op{kind: opDelete, key: append([]byte(nil), key...)})
}

func (b *Batch) add(o op) error {
	if b.done {
		return ErrTxnDone
	}
	b.ops = append(b.ops, o)
	return nil
}

// Abort discards the batch.
func (b *Batch) Abort() error {
	if b.done {
		return ErrTxnDone
	}
	b.done = true
	b.ops = nil
	return nil
}

// Commit writes the batch as one frame and returns its id range. Conditions are
// checked against the latest state overlaid with the batch's own earlier
// operations. With idempotent deletes, a delete of a key that is not live writes
// nothing. A batch that writes nothing returns (0, 0, nil).
// The batch is finished after Commit, whatever the outcome.
func (b *Batch) Commit(ctx context.Context) (first, last uint64, err error) {
	if b.done {
		return 0, 0, ErrTxnDone
	}
	b.done = true
	if len(b.ops) == 0 {
		return 0, 0, nil
	}
	if err := checkTree(b.tree); err != nil {
		return 0, 0, err
	}

	// The frame is encoded before the critical section, so the skipped deletes
	// are planned from the current state and confirmed by validate.
	for {
		planned, _ := b.resolve()
		first, last, err = b.c.w.Write(ctx, b.mutations(planned), func() error {
			skip, err := b.resolve()
			if err != nil {
				return err
			}
			if !slices.Equal(skip, planned) {
				return errReplan
			}
			if !slices.Contains(skip, false) {
				return errNoop
			}
			return nil
		})
		switch {
		case errors.Is(err, errReplan):
			continue
		case errors.Is(err, errNoop):
			return 0, 0, nil
		}
		return first, last, err
	}
}

// mutations returns the ops not marked in skip. If every op is skipped the full
// set is returned; validate then aborts the append.
func (b *Batch) mutations(skip []bool) []wal.Mutation {
	muts := make([]wal.Mutation, 0, len(b.ops))
	for i, o := range b.ops {
		if skip[i] {
			continue
		}
		muts = append(muts, b.mutation(o))
	}
	if len(muts) == 0 {
		for _, o := range b.ops {
			muts = append(muts, b.mutation(o))
		}
	}
	return muts
}

func (b *Batch) mutation(o op) wal.Mutation {
	if o.kind == opDelete {
		return wal.Mutation{Tree: b.tree, Key: o.key, Tombstone: true}
	}
	return wal.Mutation{Tree: b.tree, Key: o.key, Value: o.value}
}

// resolve replays the batch against the latest state and marks the deletes that
// have nothing to delete under idempotent deletes. A key written earlier in the
// batch has no committed id yet, so a later PutIf on it conflicts. The returned
// slice always has one entry per op.
func (b *Batch) resolve() ([]bool, error) {
	type pending struct{ live bool }
	overlay := make(map[string]pending, len(b.ops))
	skip := make([]bool, len(b.ops))

	for i, o := range b.ops {
		p, touched := overlay[string(o.key)]
		live := p.live
		if !touched {
			live = b.c.liveID(b.tree, o.key) != 0
		}

		switch o.kind {
		case opPutIf:
			if touched {
				return skip, fmt.Errorf("%w: op %d: key %q already written in this batch", ErrConflict, i, o.key)
			}
			if cur := b.c.liveID(b.tree, o.key); cur != o.expected {
				return skip, fmt.Errorf("%w: op %d: key %q has id %d, expected %d", ErrConflict, i, o.key, cur, o.expected)
			}
			overlay[string(o.key)] = pending{live: true}
		case opPut:
			overlay[string(o.key)] = pending{live: true}
		case opDelete:
			if !live {
				if !b.c.opts.IdempotentDelete {
					return skip, fmt.Errorf("%w: op %d: key %q", ErrNotFound, i, o.key)
				}
				skip[i] = true
				continue
			}
			overlay[string(o.key)] = pending{live: false}
		}
	}
	return skip, nil
}
