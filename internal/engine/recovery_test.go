package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hupe1980/treekv/internal/fs"
	"github.com/hupe1980/treekv/internal/wal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendGarbage(t *testing.T, fsys fs.FileSystem, path string) {
	t.Helper()
	f, err := fsys.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20})
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestRecovery_CorruptTail(t *testing.T) {
	ctx := context.Background()
	fsys := fs.NewMemFS()
	e := openTest(t, fsys)

	mustPut(t, e, treeA, "k1", "v1")
	mustPut(t, e, treeA, "k2", "v2")
	mustPut(t, e, treeA, "k3", "v3")
	active := e.log.Active()
	require.NoError(t, e.Close())

	appendGarbage(t, fsys, active.Path)

	_, err := Open(ctx, testDir, WithFileSystem(fsys), WithAutoCompaction(false))
	require.ErrorIs(t, err, ErrCorrupt)
	var ce *CorruptLogError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, active.Path, ce.Segment)
	assert.Equal(t, active.Size, ce.Offset)
	assert.Equal(t, uint64(3), ce.LastID)

	e = openTest(t, fsys, WithRecoveryMode(RecoveryTruncateTail))
	v, ok := lookup(t, e, treeA, "k3")
	require.True(t, ok)
	assert.Equal(t, "v3", v)
	assert.Equal(t, uint64(4), mustPut(t, e, treeA, "k4", "v4"))
	require.NoError(t, e.Close())

	// The tail is gone for good; strict mode opens again.
	e = openTest(t, fsys)
	defer e.Close()
	rep, err := e.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), rep.Records)
}

func TestRecovery_CorruptSealedSegmentIsFatal(t *testing.T) {
	ctx := context.Background()
	fsys := fs.NewMemFS()
	e := openTest(t, fsys)

	mustPut(t, e, treeA, "k1", "v1")
	sealed, err := e.rotate(ctx)
	require.NoError(t, err)
	mustPut(t, e, treeA, "k2", "v2")
	require.NoError(t, e.Close())

	data, err := fs.ReadFile(fsys, sealed.Path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, fs.WriteFileAtomic(fsys, sealed.Path, data))

	for _, mode := range []RecoveryMode{RecoveryStrict, RecoveryTruncateTail} {
		_, err := Open(ctx, testDir, WithFileSystem(fsys), WithRecoveryMode(mode))
		var ce *CorruptLogError
		require.ErrorAs(t, err, &ce, "mode %s", mode)
		assert.Equal(t, sealed.Path, ce.Segment)
	}
}

func TestRecovery_CheckpointFallback(t *testing.T) {
	ctx := context.Background()
	fsys := fs.NewMemFS()
	e := openTest(t, fsys)

	mustPut(t, e, treeA, "a", "1")
	mustPut(t, e, treeA, "a", "2")
	mustPut(t, e, treeA, "b", "1")
	_, err := e.Compact(ctx)
	require.NoError(t, err)
	mustPut(t, e, treeA, "c", "1")

	e.mu.RLock()
	ck := e.manifest.Checkpoint
	e.mu.RUnlock()
	require.NotEmpty(t, ck.Path)
	assert.Equal(t, uint64(3), ck.MaxID)
	require.NoError(t, e.Close())

	t.Run("FromCheckpoint", func(t *testing.T) {
		e := openTest(t, fsys)
		defer e.Close()
		assert.Equal(t, []kv{{"a", "2"}, {"b", "1"}, {"c", "1"}}, collect(e.Scan(treeA, nil)))
	})

	t.Run("CorruptCheckpoint", func(t *testing.T) {
		require.NoError(t, fs.WriteFileAtomic(fsys, filepath.Join(testDir, ck.Path), []byte("garbage")))

		e := openTest(t, fsys)
		defer e.Close()
		assert.Equal(t, []kv{{"a", "2"}, {"b", "1"}, {"c", "1"}}, collect(e.Scan(treeA, nil)))

		_, err := e.Verify(ctx)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestRecovery_CleansOrphans(t *testing.T) {
	fsys := fs.NewMemFS()
	e := openTest(t, fsys)
	mustPut(t, e, treeA, "a", "1")
	require.NoError(t, e.Close())

	orphans := []string{
		filepath.Join(testDir, wal.SegmentFileName(99)),
		filepath.Join(testDir, wal.SegmentFileName(100)+".tmp"),
		filepath.Join(testDir, "checkpoint-000077.ckpt"),
	}
	for _, p := range orphans {
		require.NoError(t, fs.WriteFileAtomic(fsys, p, []byte("x")))
	}

	e = openTest(t, fsys)
	defer e.Close()

	for _, p := range orphans {
		_, err := fsys.Stat(p)
		assert.ErrorIs(t, err, os.ErrNotExist, p)
	}
	v, ok := lookup(t, e, treeA, "a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestRecovery_BootstrapLeftovers(t *testing.T) {
	ctx := context.Background()

	t.Run("EmptySegmentIsRemoved", func(t *testing.T) {
		fsys := fs.NewMemFS()
		require.NoError(t, fsys.MkdirAll(testDir, 0o755))
		seg, err := wal.CreateSegment(fsys, filepath.Join(testDir, wal.SegmentFileName(1)), 1, wal.Options{})
		require.NoError(t, err)
		require.NoError(t, seg.Close())

		e := openTest(t, fsys)
		defer e.Close()
		assert.Equal(t, uint64(1), mustPut(t, e, treeA, "a", "1"))
	})

	t.Run("SegmentWithoutManifestFailsOpen", func(t *testing.T) {
		fsys := fs.NewMemFS()
		e := openTest(t, fsys)
		mustPut(t, e, treeA, "a", "1")
		require.NoError(t, e.Close())

		require.NoError(t, fsys.Remove(filepath.Join(testDir, "CURRENT")))

		_, err := Open(ctx, testDir, WithFileSystem(fsys))
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestRecovery_RetryPolicy(t *testing.T) {
	faulty := fs.NewFaultyFS(fs.NewMemFS())
	faulty.AddRule("segment-", fs.Fault{FailOnSync: true, Transient: true, Times: 2})

	e := openTest(t, faulty, WithRetryPolicy(fs.RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond}))
	defer e.Close()

	mustPut(t, e, treeA, "a", "1")
	v, ok := lookup(t, e, treeA, "a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}
