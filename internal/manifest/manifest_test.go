package manifest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hupe1980/treekv/blobstore"
	"github.com/hupe1980/treekv/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	ctx := context.Background()
	store := NewStore(blobstore.NewLocalStore(fs.LocalFS{}, t.TempDir()))

	// 1. Load on empty -> not found
	_, err := store.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	// 2. Save (increments ID)
	m := New()
	m.NextSegmentID = 100
	m.LastID = 42
	require.NoError(t, store.Save(ctx, m))
	assert.Equal(t, uint64(1), m.ID)

	// 3. Load updated
	m2, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m2.ID)
	assert.Equal(t, uint64(100), m2.NextSegmentID)
	assert.Equal(t, uint64(42), m2.LastID)
	assert.Equal(t, m.InstanceID, m2.InstanceID)

	// 4. Save another one
	require.NoError(t, store.Save(ctx, m))
	assert.Equal(t, uint64(2), m.ID)

	m3, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m3.ID)

	// 5. Older versions stay loadable
	v1, err := store.LoadVersion(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1.ID)

	versions, err := store.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, uint64(1), versions[0].ID)
	assert.Equal(t, uint64(2), versions[1].ID)
}

func TestStore_DanglingCurrent(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()
	store := NewStore(bs)

	require.NoError(t, bs.Put(ctx, CurrentFileName, []byte(FileName(999))))

	_, err := store.Load(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestStore_ListVersionsSkipsCorrupt(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()
	store := NewStore(bs)

	m := New()
	require.NoError(t, store.Save(ctx, m))
	require.NoError(t, bs.Put(ctx, FileName(5), []byte("garbage")))

	versions, err := store.ListVersions(ctx)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, uint64(1), versions[0].ID)

	_, err = store.LoadVersion(ctx, 5)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestStore_Prune(t *testing.T) {
	ctx := context.Background()
	bs := blobstore.NewMemoryStore()
	store := NewStore(bs)

	m := New()
	for range 5 {
		require.NoError(t, store.Save(ctx, m))
	}

	n, err := store.Prune(ctx, m.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	names, err := bs.List(ctx, ManifestFileName+"-")
	require.NoError(t, err)
	assert.Equal(t, []string{FileName(4), FileName(5)}, names)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), loaded.ID)

	require.NoError(t, store.DeleteVersion(ctx, 4))
	_, err = store.LoadVersion(ctx, 4)
	assert.Error(t, err)
}

type failingStore struct {
	blobstore.BlobStore
	failOn string
}

func (s failingStore) Put(ctx context.Context, name string, data []byte) error {
	if name == s.failOn {
		return errors.New("put failed")
	}
	return s.BlobStore.Put(ctx, name, data)
}

func TestStore_SaveErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("ManifestPut", func(t *testing.T) {
		store := NewStore(failingStore{BlobStore: blobstore.NewMemoryStore(), failOn: FileName(1)})
		m := New()
		require.Error(t, store.Save(ctx, m))
		assert.Zero(t, m.ID)
	})

	t.Run("CurrentPut", func(t *testing.T) {
		bs := blobstore.NewMemoryStore()
		store := NewStore(failingStore{BlobStore: bs, failOn: CurrentFileName})
		m := New()
		require.Error(t, store.Save(ctx, m))
		assert.Zero(t, m.ID)

		names, err := bs.List(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("FaultyFS", func(t *testing.T) {
		fsys := fs.NewFaultyFS(fs.LocalFS{})
		fsys.SetLimit(10)
		store := NewStore(blobstore.NewLocalStore(fsys, t.TempDir()))
		err := store.Save(ctx, New())
		assert.Error(t, err)
	})
}

func TestStore_LocalLayout(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewStore(blobstore.NewLocalStore(fs.LocalFS{}, dir))

	require.NoError(t, store.Save(ctx, New()))

	current, err := fs.ReadFile(fs.LocalFS{}, filepath.Join(dir, CurrentFileName))
	require.NoError(t, err)
	assert.Equal(t, FileName(1), string(current))
}
