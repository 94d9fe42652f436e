package index

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/hupe1980/treekv/internal/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(id uint64, tree, key, value string) wal.Record {
	return wal.Record{ID: id, Tree: []byte(tree), Key: []byte(key), Value: []byte(value)}
}

func tomb(id uint64, tree, key string) wal.Record {
	return wal.Record{ID: id, Tree: []byte(tree), Key: []byte(key), Tombstone: true}
}

type kv struct{ K, V string }

func collect(ix *Index, tree, prefix string, ceiling Ceiling) []kv {
	var out []kv
	for k, v := range ix.Scan([]byte(tree), []byte(prefix), ceiling) {
		out = append(out, kv{string(k), string(v)})
	}
	return out
}

func TestIndex_GetAtCeiling(t *testing.T) {
	ix := New()
	require.NoError(t, ix.ApplyAll([]wal.Record{
		rec(1, "A", "k1", "v1"),
		rec(2, "A", "k1", "v2"),
		tomb(3, "A", "k1"),
		rec(4, "B", "k1", "other"),
	}))

	v, ok := ix.Get([]byte("A"), []byte("k1"), At(1))
	require.True(t, ok)
	assert.Equal(t, "v1", string(v.Value))

	v, ok = ix.Get([]byte("A"), []byte("k1"), At(2))
	require.True(t, ok)
	assert.Equal(t, uint64(2), v.ID)

	_, ok = ix.Get([]byte("A"), []byte("k1"), At(3))
	assert.False(t, ok, "tombstone hides the key")

	_, ok = ix.Get([]byte("A"), []byte("k1"), At(0))
	assert.False(t, ok)

	v, ok = ix.Get([]byte("B"), []byte("k1"), At(10))
	require.True(t, ok)
	assert.Equal(t, "other", string(v.Value))

	_, ok = ix.Get([]byte("C"), []byte("k1"), At(10))
	assert.False(t, ok)

	latest, ok := ix.Latest([]byte("A"), []byte("k1"))
	require.True(t, ok)
	assert.True(t, latest.Tombstone)
	assert.Equal(t, uint64(4), ix.LastID())
}

func TestIndex_OutOfOrder(t *testing.T) {
	ix := New()
	require.NoError(t, ix.Apply(rec(5, "A", "k", "v")))
	require.ErrorIs(t, ix.Apply(rec(5, "A", "k", "dup")), ErrOutOfOrder)
	require.ErrorIs(t, ix.Apply(rec(3, "A", "k", "old")), ErrOutOfOrder)
	require.NoError(t, ix.Apply(rec(3, "A", "other", "v")), "ordering is per key")

	v, ok := ix.Get([]byte("A"), []byte("k"), At(10))
	require.True(t, ok)
	assert.Equal(t, "v", string(v.Value))
}

func TestIndex_Scan(t *testing.T) {
	ix := New()
	require.NoError(t, ix.ApplyAll([]wal.Record{
		rec(1, "A", "user/b", "2"),
		rec(2, "A", "user/a", "1"),
		rec(3, "A", "zz", "x"),
		rec(4, "A", "user/c", "3"),
		tomb(5, "A", "user/b"),
		rec(6, "B", "user/a", "b"),
	}))

	got := collect(ix, "A", "user/", At(6))
	assert.Empty(t, cmp.Diff([]kv{{"user/a", "1"}, {"user/c", "3"}}, got))

	got = collect(ix, "A", "user/", At(4))
	assert.Empty(t, cmp.Diff([]kv{{"user/a", "1"}, {"user/b", "2"}, {"user/c", "3"}}, got))

	got = collect(ix, "A", "", At(6))
	assert.Len(t, got, 3)

	assert.Empty(t, collect(ix, "missing", "", At(6)))
}

func TestIndex_ScanRestartableAndIsolated(t *testing.T) {
	ix := New()
	require.NoError(t, ix.Apply(rec(1, "A", "a", "1")))
	seq := ix.Scan([]byte("A"), nil, At(100))

	var first []string
	for k := range seq {
		first = append(first, string(k))
		require.NoError(t, ix.Apply(rec(2, "A", "b", "2")))
	}
	assert.Equal(t, []string{"a"}, first, "writes during iteration are not observed")

	var second []string
	for k := range seq {
		second = append(second, string(k))
	}
	assert.Equal(t, []string{"a", "b"}, second)
}

func TestIndex_ScanEarlyStop(t *testing.T) {
	ix := New()
	for i, k := range []string{"a", "b", "c"} {
		require.NoError(t, ix.Apply(rec(uint64(i+1), "A", k, k)))
	}
	var n int
	for range ix.Scan([]byte("A"), nil, At(10)) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestRetain(t *testing.T) {
	v := func(id uint64) Version { return Version{ID: id, Value: []byte{byte(id)}} }
	ts := func(id uint64) Version { return Version{ID: id, Tombstone: true} }

	tests := []struct {
		name string
		in   []Version
		h    Horizon
		want []Version
	}{
		{"latest only", []Version{v(1), v(2), v(3)}, Horizon{Watermark: 3}, []Version{v(3)}},
		{"pinned older version", []Version{v(1), v(2), v(3)}, Horizon{Pins: []uint64{1}, Watermark: 3}, []Version{v(1), v(3)}},
		{"pin between versions", []Version{v(1), v(4), v(6)}, Horizon{Pins: []uint64{5}, Watermark: 6}, []Version{v(4), v(6)}},
		{"above watermark", []Version{v(1), v(2), v(3)}, Horizon{Watermark: 1}, []Version{v(1), v(2), v(3)}},
		{"tombstone reclaimed", []Version{v(1), v(2), ts(3)}, Horizon{Watermark: 3}, nil},
		{"tombstone kept for snapshot", []Version{v(1), v(2), ts(3)}, Horizon{Pins: []uint64{2}, Watermark: 3}, []Version{v(2), ts(3)}},
		{"pin before first version", []Version{v(5), v(6)}, Horizon{Pins: []uint64{2}, Watermark: 6}, []Version{v(6)}},
		{"leading tombstones", []Version{ts(1), ts(2), v(3)}, Horizon{Pins: []uint64{1, 2}, Watermark: 3}, []Version{v(3)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Retain(tt.in, tt.h)
			assert.Empty(t, cmp.Diff(tt.want, got, cmpopts.EquateEmpty()))
		})
	}
}

func TestIndex_Prune(t *testing.T) {
	ix := New()
	require.NoError(t, ix.ApplyAll([]wal.Record{
		rec(1, "A", "k1", "v1"),
		rec(2, "A", "k1", "v2"),
		tomb(3, "A", "k1"),
		rec(4, "A", "k2", "x"),
		rec(5, "A", "k2", "y"),
	}))

	st := ix.Prune(NewHorizon([]uint64{4, 4}, 5))
	assert.Equal(t, int64(3), st.Versions)
	assert.Equal(t, int64(1), st.Entries)
	assert.Positive(t, st.Bytes)

	_, ok := ix.Lookup([]byte("A"), []byte("k1"))
	assert.False(t, ok, "fully deleted key leaves nothing behind")

	e, ok := ix.Lookup([]byte("A"), []byte("k2"))
	require.True(t, ok)
	assert.Len(t, e.Versions, 2)

	v, ok := ix.Get([]byte("A"), []byte("k2"), At(4))
	require.True(t, ok)
	assert.Equal(t, "x", string(v.Value))
}

func TestIndex_Survivors(t *testing.T) {
	ix := New()
	require.NoError(t, ix.ApplyAll([]wal.Record{
		rec(1, "A", "k1", "v1"),
		rec(2, "A", "k1", "v2"),
		rec(3, "B", "k", "v"),
		tomb(4, "B", "k"),
		rec(5, "A", "k1", "v3"),
	}))

	bm := ix.Survivors(4, NewHorizon(nil, 5))
	assert.True(t, bm.IsEmpty(), "only id 5 survives and it is above the cut")

	bm = ix.Survivors(4, NewHorizon([]uint64{3}, 5))
	assert.Equal(t, []uint64{2, 3, 4}, bm.ToArray())
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	ix := New()
	require.NoError(t, ix.ApplyAll([]wal.Record{
		rec(1, "A", "k1", "v1"),
		rec(2, "A", "k2", ""),
		tomb(3, "A", "k1"),
		rec(4, "B", "x", string(bytes.Repeat([]byte("z"), 4096))),
		rec(5, "A", "k3", "after cut"),
	}))

	var buf bytes.Buffer
	require.NoError(t, ix.WriteCheckpoint(&buf, 4, nil))

	loaded, maxID, err := ReadCheckpoint(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), maxID)
	assert.Equal(t, uint64(4), loaded.LastID())

	for _, tree := range []string{"A", "B"} {
		want := collect(ix, tree, "", At(4))
		got := collect(loaded, tree, "", At(4))
		assert.Empty(t, cmp.Diff(want, got), tree)
	}
	_, ok := loaded.Lookup([]byte("A"), []byte("k3"))
	assert.False(t, ok, "records above the cut are left to log replay")

	e, ok := loaded.Lookup([]byte("A"), []byte("k1"))
	require.True(t, ok)
	assert.Empty(t, cmp.Diff([]Version{{ID: 1, Value: []byte("v1")}, {ID: 3, Tombstone: true}}, e.Versions))

	require.NoError(t, loaded.Apply(rec(5, "A", "k3", "after cut")))
}

func TestCheckpoint_Survivors(t *testing.T) {
	ix := New()
	require.NoError(t, ix.ApplyAll([]wal.Record{
		rec(1, "A", "k", "v1"),
		rec(2, "A", "k", "v2"),
	}))
	keep := ix.Survivors(2, NewHorizon(nil, 2))

	var buf bytes.Buffer
	require.NoError(t, ix.WriteCheckpoint(&buf, 2, keep))
	loaded, _, err := ReadCheckpoint(&buf)
	require.NoError(t, err)

	e, ok := loaded.Lookup([]byte("A"), []byte("k"))
	require.True(t, ok)
	require.Len(t, e.Versions, 1)
	assert.Equal(t, uint64(2), e.Versions[0].ID)
}

func TestCheckpoint_Corrupt(t *testing.T) {
	ix := New()
	require.NoError(t, ix.Apply(rec(1, "A", "k", "v")))

	var buf bytes.Buffer
	require.NoError(t, ix.WriteCheckpoint(&buf, 1, nil))
	data := buf.Bytes()

	_, _, err := ReadCheckpoint(bytes.NewReader(data[:checkpointHeader-2]))
	require.ErrorIs(t, err, ErrInvalidCheckpoint)

	bad := bytes.Clone(data)
	bad[0] ^= 0xFF
	_, _, err = ReadCheckpoint(bytes.NewReader(bad))
	require.ErrorIs(t, err, ErrInvalidCheckpoint)

	_, _, err = ReadCheckpoint(bytes.NewReader(data[:len(data)-6]))
	require.Error(t, err)
}

func TestIndex_Stats(t *testing.T) {
	ix := New()
	require.NoError(t, ix.ApplyAll([]wal.Record{
		rec(1, "A", "k1", "v1"),
		rec(2, "A", "k1", "v2"),
		tomb(3, "A", "k2"),
		rec(4, "B", "k", "v"),
	}))
	st := ix.Stats()
	assert.Equal(t, 2, st.Trees)
	assert.Equal(t, int64(3), st.Entries)
	assert.Equal(t, int64(2), st.LiveKeys)
	assert.Equal(t, int64(4), st.Versions)
	assert.Equal(t, [][]byte{[]byte("A"), []byte("B")}, ix.Trees())
}

func TestIndex_ApplyAllSized(t *testing.T) {
	ix := New()
	key := strings.Repeat("k", 100)

	added, err := ix.ApplyAllSized([]wal.Record{rec(1, "A", key, "v1")})
	require.NoError(t, err)
	assert.Equal(t, EstimateSize([]byte(key), []byte("v1")), added, "a new entry is charged its key")

	added, err = ix.ApplyAllSized([]wal.Record{rec(2, "A", key, "v2"), tomb(3, "A", key)})
	require.NoError(t, err)
	assert.Equal(t, int64(2+VersionOverhead+VersionOverhead), added, "later versions are not")

	total := EstimateSize([]byte(key), []byte("v1")) + added
	assert.Equal(t, total, ix.Stats().Bytes)

	pruned := ix.Prune(NewHorizon(nil, 3))
	assert.Equal(t, total, pruned.Bytes)
	assert.Zero(t, ix.Stats().Bytes)

	added, err = ix.ApplyAllSized([]wal.Record{rec(4, "A", "x", "1"), rec(2, "A", "x", "old")})
	require.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, EstimateSize([]byte("x"), []byte("1")), added, "counts records applied before the error")
}
