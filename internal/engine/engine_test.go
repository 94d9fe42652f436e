package engine

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/treekv/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDir = "/db"

var treeA = []byte("A")

func openTest(t *testing.T, fsys fs.FileSystem, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithFileSystem(fsys), WithAutoCompaction(false)}, opts...)
	e, err := Open(context.Background(), testDir, opts...)
	require.NoError(t, err)
	return e
}

func mustPut(t *testing.T, e *Engine, tree []byte, key, value string) uint64 {
	t.Helper()
	id, err := e.Put(context.Background(), tree, []byte(key), []byte(value))
	require.NoError(t, err)
	return id
}

func lookup(t *testing.T, e *Engine, tree []byte, key string) (string, bool) {
	t.Helper()
	v, err := e.Get(context.Background(), tree, []byte(key))
	if err != nil {
		require.ErrorIs(t, err, ErrNotFound)
		return "", false
	}
	return string(v.Value), true
}

type kv struct{ K, V string }

func collect(seq iter.Seq2[[]byte, []byte]) []kv {
	var out []kv
	for k, v := range seq {
		out = append(out, kv{string(k), string(v)})
	}
	return out
}

func TestEngine_Scenario(t *testing.T) {
	ctx := context.Background()
	fsys := fs.NewMemFS()
	e := openTest(t, fsys)

	assert.Equal(t, uint64(1), mustPut(t, e, treeA, "k1", "v1"))
	assert.Equal(t, uint64(2), mustPut(t, e, treeA, "k1", "v2"))

	v, err := e.Get(ctx, treeA, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v.Value))
	assert.Equal(t, uint64(2), v.ID)

	id, err := e.Delete(ctx, treeA, []byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), id)

	_, err = e.Get(ctx, treeA, []byte("k1"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, collect(e.Scan(treeA, nil)))

	st, err := e.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.RecordsReclaimed)
	assert.Equal(t, 1, st.SegmentsCompacted)

	_, err = e.Get(ctx, treeA, []byte("k1"))
	assert.ErrorIs(t, err, ErrNotFound)

	stats := e.Stats()
	assert.Equal(t, int64(0), stats.Versions)
	assert.Equal(t, 0, stats.SealedSegments)
	assert.Zero(t, stats.MemoryUsage)

	rep, err := e.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rep.Records)

	require.NoError(t, e.Close())

	e = openTest(t, fsys)
	defer e.Close()
	_, err = e.Get(ctx, treeA, []byte("k1"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, uint64(4), mustPut(t, e, treeA, "k2", "v"))
}

func TestEngine_NilValueIsNotTombstone(t *testing.T) {
	e := openTest(t, fs.NewMemFS())
	defer e.Close()

	_, err := e.Put(context.Background(), treeA, []byte("k"), nil)
	require.NoError(t, err)

	v, ok := lookup(t, e, treeA, "k")
	assert.True(t, ok)
	assert.Empty(t, v)
	assert.Equal(t, []kv{{"k", ""}}, collect(e.Scan(treeA, nil)))
}

func TestEngine_DeleteModes(t *testing.T) {
	ctx := context.Background()

	t.Run("Strict", func(t *testing.T) {
		e := openTest(t, fs.NewMemFS())
		defer e.Close()

		_, err := e.Delete(ctx, treeA, []byte("missing"))
		assert.ErrorIs(t, err, ErrNotFound)

		mustPut(t, e, treeA, "k", "v")
		_, err = e.Delete(ctx, treeA, []byte("k"))
		require.NoError(t, err)
		_, err = e.Delete(ctx, treeA, []byte("k"))
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Equal(t, uint64(2), e.Stats().LastID)
	})

	t.Run("Idempotent", func(t *testing.T) {
		e := openTest(t, fs.NewMemFS(), WithIdempotentDelete(true))
		defer e.Close()

		id, err := e.Delete(ctx, treeA, []byte("missing"))
		require.NoError(t, err)
		assert.Zero(t, id)
		assert.Equal(t, uint64(0), e.Stats().LastID)
	})
}

func TestEngine_PutIfAndCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	e := openTest(t, fs.NewMemFS())
	defer e.Close()

	id, err := e.PutIf(ctx, treeA, []byte("k"), []byte("v1"), 0)
	require.NoError(t, err)

	_, err = e.PutIf(ctx, treeA, []byte("k"), []byte("v2"), 0)
	assert.ErrorIs(t, err, ErrConflict)

	id, err = e.PutIf(ctx, treeA, []byte("k"), []byte("v2"), id)
	require.NoError(t, err)

	_, err = e.CompareAndSwap(ctx, treeA, []byte("k"), []byte("v1"), []byte("v3"))
	assert.ErrorIs(t, err, ErrConflict)

	casID, err := e.CompareAndSwap(ctx, treeA, []byte("k"), []byte("v2"), []byte("v3"))
	require.NoError(t, err)
	assert.Equal(t, id+1, casID)

	_, err = e.CompareAndSwap(ctx, treeA, []byte("k"), []byte("v3"), nil)
	require.NoError(t, err)
	_, ok := lookup(t, e, treeA, "k")
	assert.False(t, ok)
}

func TestEngine_InvalidTree(t *testing.T) {
	ctx := context.Background()
	e := openTest(t, fs.NewMemFS())
	defer e.Close()

	_, err := e.Put(ctx, nil, []byte("k"), []byte("v"))
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = e.Get(ctx, []byte{}, []byte("k"))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEngine_ScanPrefixAndTrees(t *testing.T) {
	e := openTest(t, fs.NewMemFS())
	defer e.Close()

	treeB := []byte("B")
	mustPut(t, e, treeA, "user:2", "bob")
	mustPut(t, e, treeA, "user:1", "alice")
	mustPut(t, e, treeA, "group:1", "admins")
	mustPut(t, e, treeB, "user:3", "carol")

	assert.Equal(t, []kv{{"user:1", "alice"}, {"user:2", "bob"}}, collect(e.Scan(treeA, []byte("user:"))))
	assert.Equal(t, []kv{{"user:3", "carol"}}, collect(e.Scan(treeB, nil)))
	assert.Empty(t, collect(e.Scan([]byte("C"), nil)))
}

func TestEngine_SnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	e := openTest(t, fs.NewMemFS())
	defer e.Close()

	mustPut(t, e, treeA, "a", "1")
	s, err := e.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Ceiling())

	mustPut(t, e, treeA, "a", "2")
	mustPut(t, e, treeA, "b", "1")

	v, err := s.Get(ctx, treeA, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v.Value))
	_, err = s.Get(ctx, treeA, []byte("b"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, []kv{{"a", "1"}}, collect(s.Scan(treeA, nil)))
	assert.Equal(t, 1, e.Stats().OpenSnapshots)
	assert.Equal(t, uint64(1), e.Stats().OldestSnapshot)

	s.Release()
	s.Release()
	assert.Equal(t, 0, e.Stats().OpenSnapshots)
	assert.Zero(t, e.Stats().OldestSnapshot)

	_, err = s.Get(ctx, treeA, []byte("a"))
	assert.ErrorIs(t, err, ErrSnapshotReleased)
	assert.Empty(t, collect(s.Scan(treeA, nil)))
}

func TestEngine_SnapshotAcrossCompaction(t *testing.T) {
	ctx := context.Background()
	e := openTest(t, fs.NewMemFS())
	defer e.Close()

	mustPut(t, e, treeA, "a", "1")
	mustPut(t, e, treeA, "b", "1")
	s, err := e.Snapshot()
	require.NoError(t, err)

	mustPut(t, e, treeA, "a", "2")
	_, err = e.Delete(ctx, treeA, []byte("b"))
	require.NoError(t, err)
	mustPut(t, e, treeA, "c", "1")

	before := collect(s.Scan(treeA, nil))
	assert.Equal(t, []kv{{"a", "1"}, {"b", "1"}}, before)

	_, err = e.Compact(ctx)
	require.NoError(t, err)

	assert.Equal(t, before, collect(s.Scan(treeA, nil)))
	v, err := s.Get(ctx, treeA, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(v.Value))
	assert.Equal(t, []kv{{"a", "2"}, {"c", "1"}}, collect(e.Scan(treeA, nil)))

	s.Release()
	st, err := e.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.RecordsReclaimed)
	assert.Equal(t, int64(2), e.Stats().Versions)

	rep, err := e.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.Records)
}

func TestEngine_BatchAtomicAcrossRestart(t *testing.T) {
	ctx := context.Background()
	fsys := fs.NewMemFS()
	e := openTest(t, fsys)

	mustPut(t, e, treeA, "x", "0")

	b := e.Begin(treeA)
	require.NoError(t, b.Put([]byte("x"), []byte("1")))
	require.NoError(t, b.Put([]byte("y"), []byte("1")))
	require.NoError(t, b.Put([]byte("z"), []byte("1")))
	require.NoError(t, b.Delete([]byte("z")))
	first, last, err := b.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), first)
	assert.Equal(t, uint64(5), last)

	_, _, err = b.Commit(ctx)
	assert.ErrorIs(t, err, ErrTxnDone)

	failing := e.Begin(treeA)
	require.NoError(t, failing.Put([]byte("w"), []byte("1")))
	require.NoError(t, failing.PutIf([]byte("x"), []byte("2"), 999))
	_, _, err = failing.Commit(ctx)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, uint64(5), e.Stats().LastID)

	require.NoError(t, e.Close())

	e = openTest(t, fsys)
	defer e.Close()

	assert.Equal(t, []kv{{"x", "1"}, {"y", "1"}}, collect(e.Scan(treeA, nil)))
	_, ok := lookup(t, e, treeA, "w")
	assert.False(t, ok)

	rep, err := e.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.Frames)
	assert.Equal(t, int64(5), rep.Records)
}

// model tracks the expected live state per tree.
type model map[string]map[string]string

func (m model) put(tree, key, value string) {
	if m[tree] == nil {
		m[tree] = make(map[string]string)
	}
	m[tree][key] = value
}

func (m model) del(tree, key string) {
	delete(m[tree], key)
}

func (m model) scan(tree string) []kv {
	var out []kv
	for k, v := range m[tree] {
		out = append(out, kv{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].K < out[j].K })
	return out
}

func TestEngine_RestartRoundTrip(t *testing.T) {
	ctx := context.Background()
	trees := []string{"t0", "t1", "t2"}

	workload := func(t *testing.T, e *Engine, m model, from, to int) {
		for i := from; i < to; i++ {
			tree := trees[i%len(trees)]
			key := fmt.Sprintf("k%02d", i%17)
			if i%5 == 4 {
				_, err := e.Delete(ctx, []byte(tree), []byte(key))
				require.NoError(t, err)
				m.del(tree, key)
				continue
			}
			value := fmt.Sprintf("v%d", i)
			mustPut(t, e, []byte(tree), key, value)
			m.put(tree, key, value)
		}
	}

	check := func(t *testing.T, e *Engine, m model) {
		for _, tree := range trees {
			assert.Equal(t, m.scan(tree), collect(e.Scan([]byte(tree), nil)), "tree %s", tree)
		}
	}

	for _, compact := range []bool{false, true} {
		t.Run(fmt.Sprintf("compact=%v", compact), func(t *testing.T) {
			fsys := fs.NewMemFS()
			e := openTest(t, fsys, WithMaxSegmentSize(512), WithIdempotentDelete(true))
			m := model{}

			workload(t, e, m, 0, 150)
			if compact {
				_, err := e.Compact(ctx)
				require.NoError(t, err)
				assert.NotZero(t, e.Stats().CheckpointMaxID)
			}
			workload(t, e, m, 150, 300)
			check(t, e, m)

			last := e.Stats().LastID
			require.NoError(t, e.Close())

			e = openTest(t, fsys, WithIdempotentDelete(true))
			defer e.Close()

			check(t, e, m)
			assert.Equal(t, last, e.Stats().LastID)
			assert.Equal(t, last+1, mustPut(t, e, []byte("t0"), "new", "v"))

			_, err := e.Verify(ctx)
			require.NoError(t, err)
		})
	}
}

func TestEngine_IDsNeverReused(t *testing.T) {
	ctx := context.Background()
	fsys := fs.NewMemFS()
	e := openTest(t, fsys)

	mustPut(t, e, treeA, "a", "1")
	_, err := e.Delete(ctx, treeA, []byte("a"))
	require.NoError(t, err)

	_, err = e.Compact(ctx)
	require.NoError(t, err)
	rep, err := e.Verify(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Records)
	require.NoError(t, e.Close())

	e = openTest(t, fsys)
	defer e.Close()
	assert.Equal(t, uint64(3), mustPut(t, e, treeA, "a", "2"))
}

func TestEngine_Backpressure(t *testing.T) {
	ctx := context.Background()
	e := openTest(t, fs.NewMemFS(), WithMemoryLimit(1024))
	defer e.Close()

	value := make([]byte, 300)
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		_, err = e.Put(ctx, treeA, []byte("k"), value)
	}
	require.ErrorIs(t, err, ErrBackpressure)

	// Compaction prunes superseded versions and frees memory again.
	_, err = e.Compact(ctx)
	require.NoError(t, err)
	_, err = e.Put(ctx, treeA, []byte("k"), value)
	assert.NoError(t, err)
}

func TestEngine_MemoryAccountingAcrossCompactions(t *testing.T) {
	ctx := context.Background()
	e := openTest(t, fs.NewMemFS(), WithMemoryLimit(4096))
	defer e.Close()

	key := bytes.Repeat([]byte("k"), 200)
	for i := 0; i < 100; i++ {
		_, err := e.Put(ctx, treeA, key, []byte(fmt.Sprintf("v%03d", i)))
		require.NoError(t, err, "put %d", i)
		if i%5 == 4 {
			_, err = e.Compact(ctx)
			require.NoError(t, err)
		}
	}

	stats := e.Stats()
	assert.Equal(t, stats.IndexBytes, stats.MemoryUsage)

	_, err := e.Delete(ctx, treeA, key)
	require.NoError(t, err)
	_, err = e.Compact(ctx)
	require.NoError(t, err)

	stats = e.Stats()
	assert.Zero(t, stats.IndexBytes)
	assert.Zero(t, stats.MemoryUsage)
}

func TestEngine_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	e := openTest(t, fs.NewMemFS(), WithMaxSegmentSize(4096))
	defer e.Close()

	const writers, perWriter = 8, 50
	ids := make(chan uint64, writers*perWriter)

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id, err := e.Put(ctx, treeA, []byte(fmt.Sprintf("w%d-%d", w, i)), []byte("v"))
				assert.NoError(t, err)
				ids <- id
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		assert.False(t, seen[id], "id %d assigned twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, writers*perWriter)

	st := e.Stats()
	assert.Equal(t, uint64(writers*perWriter), st.LastID)
	assert.Equal(t, st.LastID, st.VisibleID)
	assert.Equal(t, int64(writers*perWriter), st.LiveKeys)
}

func TestEngine_Closed(t *testing.T) {
	ctx := context.Background()
	e := openTest(t, fs.NewMemFS())
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.Close(), ErrClosed)
	_, err := e.Put(ctx, treeA, []byte("k"), []byte("v"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Get(ctx, treeA, []byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Snapshot()
	assert.ErrorIs(t, err, ErrClosed)
	_, err = e.Compact(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, e.Flush(ctx), ErrClosed)
}

func TestEngine_Locked(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(context.Background(), dir, WithAutoCompaction(false))
	require.NoError(t, err)

	_, err = Open(context.Background(), dir)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, e.Close())

	e, err = Open(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, e.Close())
}

type countingObserver struct {
	NoopMetricsObserver
	mu          sync.Mutex
	appends     int
	rotations   int
	compactions int
	recoveries  int
}

func (o *countingObserver) OnAppend(int, int, time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.appends++
}

func (o *countingObserver) OnRotate(uint64, int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rotations++
}

func (o *countingObserver) OnCompaction(time.Duration, int, int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.compactions++
}

func (o *countingObserver) OnRecovery(time.Duration, int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recoveries++
}

func (o *countingObserver) count(f func() int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return f()
}

func TestEngine_Metrics(t *testing.T) {
	obs := &countingObserver{}
	e := openTest(t, fs.NewMemFS(), WithMetricsObserver(obs))
	defer e.Close()

	mustPut(t, e, treeA, "a", "1")
	mustPut(t, e, treeA, "b", "1")
	_, err := e.Compact(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, obs.count(func() int { return obs.recoveries }))
	assert.Equal(t, 2, obs.count(func() int { return obs.appends }))
	assert.Equal(t, 1, obs.count(func() int { return obs.rotations }))
	assert.Equal(t, 1, obs.count(func() int { return obs.compactions }))
}
