package compaction

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/hupe1980/treekv/blobstore"
	"github.com/hupe1980/treekv/internal/fs"
	"github.com/hupe1980/treekv/internal/index"
	"github.com/hupe1980/treekv/internal/resource"
	"github.com/hupe1980/treekv/internal/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDir = "/db"

func put(key, value string) wal.Mutation {
	return wal.Mutation{Tree: []byte("t"), Key: []byte(key), Value: []byte(value)}
}

func del(key string) wal.Mutation {
	return wal.Mutation{Tree: []byte("t"), Key: []byte(key), Tombstone: true}
}

// buildLog writes two sealed segments:
//
//	segment 1: 1 put a, [2 put b, 3 put c, 4 del a] (batch)
//	segment 2: 5 put b, 6 put d
//
// and returns their extents plus every record written.
func buildLog(t *testing.T, fsys fs.FileSystem) ([]wal.SegmentInfo, []wal.Record) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fsys.MkdirAll(testDir, 0o755))

	opts := wal.DefaultOptions()
	seg, err := wal.CreateSegment(fsys, filepath.Join(testDir, wal.SegmentFileName(1)), 1, opts)
	require.NoError(t, err)
	l := wal.NewLog(testDir, seg, wal.NewSequence(0), opts)

	var all []wal.Record
	hooks := wal.AppendHooks{Apply: func(recs []wal.Record) error {
		all = append(all, recs...)
		return nil
	}}
	appendAll := func(muts ...wal.Mutation) {
		tk, err := l.Append(ctx, muts, hooks)
		require.NoError(t, err)
		require.NoError(t, tk.Wait())
	}

	appendAll(put("a", "1"))
	appendAll(put("b", "2"), put("c", "3"), del("a"))

	var sealed []wal.SegmentInfo
	commit := func(s, _ wal.SegmentInfo) error {
		sealed = append(sealed, s)
		return nil
	}
	_, err = l.Rotate(2, commit)
	require.NoError(t, err)

	appendAll(put("b", "5"))
	appendAll(put("d", "6"))
	_, err = l.Rotate(3, commit)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	return sealed, all
}

func readSegment(t *testing.T, fsys fs.FileSystem, info wal.SegmentInfo) ([]wal.Record, []*wal.Frame) {
	t.Helper()
	r, err := wal.OpenReader(fsys, info.Path, 0)
	require.NoError(t, err)
	defer r.Close()

	var recs []wal.Record
	var frames []*wal.Frame
	for {
		f, err := r.Next()
		if errors.Is(err, io.EOF) {
			return recs, frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
		recs = append(recs, f.Records...)
	}
}

func TestRewrite_KeepsSurvivors(t *testing.T) {
	fsys := fs.NewMemFS()
	inputs, _ := buildLog(t, fsys)

	keep := roaring64.BitmapOf(3, 5, 6)
	c := New(fsys, testDir, nil, 0)

	res, err := c.Rewrite(context.Background(), inputs, keep, 10)
	require.NoError(t, err)

	assert.Equal(t, int64(6), res.RecordsIn)
	assert.Equal(t, int64(3), res.RecordsKept)
	assert.Equal(t, uint64(10), res.Output.ID)
	assert.Equal(t, uint64(3), res.Output.MinID)
	assert.Equal(t, uint64(6), res.Output.MaxID)
	assert.Equal(t, int64(3), res.Output.Records)

	st := res.Stats(len(inputs))
	assert.Equal(t, int64(3), st.RecordsReclaimed)
	assert.Equal(t, 2, st.SegmentsCompacted)
	assert.Positive(t, st.BytesReclaimed)

	recs, frames := readSegment(t, fsys, res.Output)
	require.Len(t, recs, 3)
	assert.Equal(t, []uint64{3, 5, 6}, []uint64{recs[0].ID, recs[1].ID, recs[2].ID})
	assert.Equal(t, []byte("c"), recs[0].Key)
	assert.Equal(t, []byte("5"), recs[1].Value)
	// 5 and 6 were separate frames and stay separate.
	assert.Len(t, frames, 3)

	stat, err := fsys.Stat(res.Output.Path)
	require.NoError(t, err)
	assert.Equal(t, res.Output.Size, stat.Size())

	_, err = fsys.Stat(res.Output.Path + TmpSuffix)
	assert.Error(t, err)
}

func TestRewrite_SplitsPartialBatch(t *testing.T) {
	fsys := fs.NewMemFS()
	inputs, _ := buildLog(t, fsys)

	// Batch 2..4 loses its middle record.
	keep := roaring64.BitmapOf(2, 4)
	res, err := New(fsys, testDir, nil, 0).Rewrite(context.Background(), inputs[:1], keep, 10)
	require.NoError(t, err)

	recs, frames := readSegment(t, fsys, res.Output)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(2), recs[0].ID)
	assert.Equal(t, uint64(4), recs[1].ID)
	assert.True(t, recs[1].Tombstone)
}

func TestRewrite_NothingSurvives(t *testing.T) {
	fsys := fs.NewMemFS()
	inputs, _ := buildLog(t, fsys)

	res, err := New(fsys, testDir, nil, 0).Rewrite(context.Background(), inputs, roaring64.New(), 10)
	require.NoError(t, err)
	assert.Zero(t, res.Output.ID)
	assert.Equal(t, int64(6), res.Stats(2).RecordsReclaimed)

	entries, err := fsys.ReadDir(testDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), wal.SegmentFileName(10))
	}
}

func TestRewrite_Canceled(t *testing.T) {
	fsys := fs.NewMemFS()
	inputs, _ := buildLog(t, fsys)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(fsys, testDir, nil, 0).Rewrite(ctx, inputs, roaring64.BitmapOf(1, 2, 3), 10)
	require.ErrorIs(t, err, context.Canceled)

	_, err = fsys.Stat(filepath.Join(testDir, wal.SegmentFileName(10)+TmpSuffix))
	assert.Error(t, err)
}

func TestRewrite_WriteFailureCleansUp(t *testing.T) {
	mem := fs.NewMemFS()
	inputs, _ := buildLog(t, mem)

	faulty := fs.NewFaultyFS(mem)
	faulty.AddRule(wal.SegmentFileName(10), fs.Fault{FailOnSync: true})

	_, err := New(faulty, testDir, nil, 0).Rewrite(context.Background(), inputs, roaring64.BitmapOf(1, 5), 10)
	require.ErrorIs(t, err, fs.ErrInjected)

	_, err = mem.Stat(filepath.Join(testDir, wal.SegmentFileName(10)+TmpSuffix))
	assert.Error(t, err)
	_, err = mem.Stat(filepath.Join(testDir, wal.SegmentFileName(10)))
	assert.Error(t, err)
}

func TestRewrite_RateLimited(t *testing.T) {
	fsys := fs.NewMemFS()
	inputs, _ := buildLog(t, fsys)

	rc := resource.NewController(resource.Config{IOLimitBytesPerSec: 1 << 20})
	res, err := New(fsys, testDir, rc, 0).Rewrite(context.Background(), inputs, roaring64.BitmapOf(1, 2, 3, 4, 5, 6), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.RecordsKept)
	assert.Zero(t, res.Stats(2).RecordsReclaimed)
}

func TestWriteCheckpoint(t *testing.T) {
	fsys := fs.NewMemFS()
	_, all := buildLog(t, fsys)

	ix := index.New()
	require.NoError(t, ix.ApplyAll(all))

	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	name := index.CheckpointFileName(10)

	size, err := WriteCheckpoint(ctx, store, ix, name, 4, roaring64.BitmapOf(2, 3))
	require.NoError(t, err)
	assert.Positive(t, size)

	data, err := blobstore.ReadAll(ctx, store, name)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), size)

	b, err := store.Open(ctx, name)
	require.NoError(t, err)
	defer b.Close()

	restored, maxID, err := index.ReadCheckpoint(io.NewSectionReader(b, 0, b.Size()))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), maxID)

	v, ok := restored.Latest([]byte("t"), []byte("b"))
	require.True(t, ok)
	assert.Equal(t, uint64(2), v.ID)
	_, ok = restored.Latest([]byte("t"), []byte("a"))
	assert.False(t, ok)
	_, ok = restored.Latest([]byte("t"), []byte("d"))
	assert.False(t, ok)
}
