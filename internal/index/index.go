package index

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/hupe1980/treekv/internal/wal"
)

// ErrOutOfOrder is returned when a record does not carry a higher id than the
// newest version of its key. Under a single log writer this indicates a bug.
var ErrOutOfOrder = errors.New("index: record applied out of id order")

const btreeDegree = 32

// Version is one record of a key.
type Version struct {
	ID        uint64
	Value     []byte
	Tombstone bool
}

// Entry is the immutable version list of one key. Versions are ordered by ascending id.
// Entries are never modified in place; Apply and Prune replace them.
type Entry struct {
	Key      []byte
	Versions []Version
}

// At returns the newest version with id <= ceiling.
func (e *Entry) At(ceiling uint64) (Version, bool) {
	for i := len(e.Versions) - 1; i >= 0; i-- {
		if e.Versions[i].ID <= ceiling {
			return e.Versions[i], true
		}
	}
	return Version{}, false
}

// Latest returns the newest version regardless of visibility.
func (e *Entry) Latest() Version {
	return e.Versions[len(e.Versions)-1]
}

func lessEntry(a, b *Entry) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

// Ceiling yields the id bound of a read. It is evaluated after the read has
// captured its index state, so a moving watermark never observes a version
// list that was pruned for a later watermark.
type Ceiling func() uint64

// At returns a fixed ceiling.
func At(id uint64) Ceiling {
	return func() uint64 { return id }
}

type tree struct {
	name  []byte
	mu    sync.RWMutex
	items *btree.BTreeG[*Entry]
}

func (t *tree) lookup(key []byte) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.items.Get(&Entry{Key: key})
}

// clone returns a private copy-on-write view of the tree.
// Clone mutates the source's copy-on-write context, so it needs the write lock.
func (t *tree) clone() *btree.BTreeG[*Entry] {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.items.Clone()
}

// Index maps (tree, key) to version lists.
//
// Layout:
//   - slots maps a tree id to its position in the flat trees slice
//   - each tree is a B-tree of immutable entries ordered by key
//
// Apply is called by a single writer in id order. Readers never block on the
// log; they hold a tree lock only for a point lookup or a clone.
type Index struct {
	mu    sync.RWMutex
	slots map[string]int
	trees []*tree

	lastID atomic.Uint64
}

// New returns an empty index.
func New() *Index {
	return &Index{slots: make(map[string]int)}
}

func (ix *Index) tree(name []byte) *tree {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if slot, ok := ix.slots[string(name)]; ok {
		return ix.trees[slot]
	}
	return nil
}

func (ix *Index) treeOrCreate(name []byte) *tree {
	if t := ix.tree(name); t != nil {
		return t
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if slot, ok := ix.slots[string(name)]; ok {
		return ix.trees[slot]
	}
	t := &tree{
		name:  bytes.Clone(name),
		items: btree.NewG(btreeDegree, lessEntry),
	}
	ix.slots[string(name)] = len(ix.trees)
	ix.trees = append(ix.trees, t)
	return t
}

func (ix *Index) allTrees() []*tree {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]*tree(nil), ix.trees...)
}

// LastID returns the highest id applied so far.
func (ix *Index) LastID() uint64 {
	return ix.lastID.Load()
}

// Apply adds a record as the newest version of its key.
func (ix *Index) Apply(rec wal.Record) error {
	_, err := ix.apply(rec)
	return err
}

// apply returns the bytes the record added to the index, using the cost model of Stats.
func (ix *Index) apply(rec wal.Record) (int64, error) {
	t := ix.treeOrCreate(rec.Tree)

	t.mu.Lock()
	defer t.mu.Unlock()

	v := Version{ID: rec.ID, Value: rec.Value, Tombstone: rec.Tombstone}
	added := versionSize(v)
	old, ok := t.items.Get(&Entry{Key: rec.Key})
	if !ok {
		t.items.ReplaceOrInsert(&Entry{Key: rec.Key, Versions: []Version{v}})
		added += int64(len(rec.Key))
	} else {
		if latest := old.Latest(); latest.ID >= rec.ID {
			return 0, fmt.Errorf("%w: tree %q key %q: id %d after %d", ErrOutOfOrder, rec.Tree, rec.Key, rec.ID, latest.ID)
		}
		vs := make([]Version, len(old.Versions), len(old.Versions)+1)
		copy(vs, old.Versions)
		t.items.ReplaceOrInsert(&Entry{Key: old.Key, Versions: append(vs, v)})
	}

	for {
		cur := ix.lastID.Load()
		if rec.ID <= cur || ix.lastID.CompareAndSwap(cur, rec.ID) {
			return added, nil
		}
	}
}

// ApplyAll applies records in order and stops at the first error.
func (ix *Index) ApplyAll(recs []wal.Record) error {
	_, err := ix.ApplyAllSized(recs)
	return err
}

// ApplyAllSized is ApplyAll that also reports the bytes added to the index.
// The count covers the records applied before an error.
func (ix *Index) ApplyAllSized(recs []wal.Record) (int64, error) {
	var added int64
	for i := range recs {
		n, err := ix.apply(recs[i])
		added += n
		if err != nil {
			return added, err
		}
	}
	return added, nil
}

// Lookup returns the entry of (tree, key), including versions not yet visible.
func (ix *Index) Lookup(treeID, key []byte) (*Entry, bool) {
	t := ix.tree(treeID)
	if t == nil {
		return nil, false
	}
	return t.lookup(key)
}

// Latest returns the newest applied version of (tree, key). Tombstones are returned as such.
func (ix *Index) Latest(treeID, key []byte) (Version, bool) {
	e, ok := ix.Lookup(treeID, key)
	if !ok {
		return Version{}, false
	}
	return e.Latest(), true
}

// Get returns the live version of (tree, key) at the ceiling.
// A tombstone, or no version at all, reports false.
func (ix *Index) Get(treeID, key []byte, ceiling Ceiling) (Version, bool) {
	e, ok := ix.Lookup(treeID, key)
	if !ok {
		return Version{}, false
	}
	v, ok := e.At(ceiling())
	if !ok || v.Tombstone {
		return Version{}, false
	}
	return v, true
}

// Scan yields the live (key, value) pairs of a tree whose key starts with prefix,
// in key order. Each range over the sequence works on a fresh clone of the tree,
// so the sequence can be iterated again. Yielded slices must not be modified.
func (ix *Index) Scan(treeID, prefix []byte, ceiling Ceiling) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		t := ix.tree(treeID)
		if t == nil {
			return
		}
		items := t.clone()
		c := ceiling()
		items.AscendGreaterOrEqual(&Entry{Key: prefix}, func(e *Entry) bool {
			if !bytes.HasPrefix(e.Key, prefix) {
				return false
			}
			v, ok := e.At(c)
			if !ok || v.Tombstone {
				return true
			}
			return yield(e.Key, v.Value)
		})
	}
}

// Trees returns the ids of all trees the index has seen, in creation order.
func (ix *Index) Trees() [][]byte {
	ts := ix.allTrees()
	out := make([][]byte, len(ts))
	for i, t := range ts {
		out[i] = t.name
	}
	return out
}

// Stats summarizes the index.
type Stats struct {
	Trees    int
	LiveKeys int64
	Entries  int64
	Versions int64
	Bytes    int64
}

// Stats walks every tree. LiveKeys counts keys whose newest version is not a tombstone.
func (ix *Index) Stats() Stats {
	var s Stats
	for _, t := range ix.allTrees() {
		s.Trees++
		t.clone().Ascend(func(e *Entry) bool {
			s.Entries++
			s.Versions += int64(len(e.Versions))
			if !e.Latest().Tombstone {
				s.LiveKeys++
			}
			s.Bytes += entrySize(e)
			return true
		})
	}
	return s
}

// VersionOverhead approximates the index bytes of a version besides its value.
const VersionOverhead = 17

// EstimateSize bounds what applying a record with this key and value adds to the index.
func EstimateSize(key, value []byte) int64 {
	return int64(len(key)+len(value)) + VersionOverhead
}

func versionSize(v Version) int64 {
	return int64(len(v.Value)) + VersionOverhead
}

// entrySize charges the key once per entry and every version separately.
func entrySize(e *Entry) int64 {
	n := int64(len(e.Key))
	for _, v := range e.Versions {
		n += versionSize(v)
	}
	return n
}
