package blobstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hupe1980/treekv/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s BlobStore) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Open(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	require.NoError(t, s.Put(ctx, "MANIFEST-000001.bin", []byte("one")))
	require.NoError(t, s.Put(ctx, "MANIFEST-000002.bin", []byte("two")))
	require.NoError(t, s.Put(ctx, "CURRENT", []byte("MANIFEST-000002.bin")))

	data, err := ReadAll(ctx, s, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "MANIFEST-000002.bin", string(data))

	require.NoError(t, s.Put(ctx, "CURRENT", []byte("MANIFEST-000001.bin")))
	data, err = ReadAll(ctx, s, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "MANIFEST-000001.bin", string(data), "put replaces content")

	b, err := s.Open(ctx, "MANIFEST-000002.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(3), b.Size())
	buf := make([]byte, 2)
	n, err := b.ReadAt(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, "wo", string(buf[:n]))
	require.NoError(t, b.Close())

	names, err := s.List(ctx, "MANIFEST-")
	require.NoError(t, err)
	assert.Equal(t, []string{"MANIFEST-000001.bin", "MANIFEST-000002.bin"}, names)

	require.NoError(t, s.Delete(ctx, "MANIFEST-000001.bin"))
	require.NoError(t, s.Delete(ctx, "MANIFEST-000001.bin"), "delete is idempotent")
	names, err = s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"CURRENT", "MANIFEST-000002.bin"}, names)

	empty := []byte{}
	require.NoError(t, s.Put(ctx, "empty", empty))
	data, err = ReadAll(ctx, s, "empty")
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	testStore(t, NewLocalStore(nil, t.TempDir()))
}

func TestLocalStore_MemFS(t *testing.T) {
	mfs := fs.NewMemFS()
	require.NoError(t, mfs.MkdirAll("/data", 0o755))
	testStore(t, NewLocalStore(mfs, "/data"))
}

func TestBoltStore(t *testing.T) {
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}

func TestBoltStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")
	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	data, err := ReadAll(context.Background(), s, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(data))
}

func TestMemoryStore_PutCopies(t *testing.T) {
	s := NewMemoryStore()
	data := []byte("abc")
	require.NoError(t, s.Put(context.Background(), "k", data))
	data[0] = 'X'

	got, err := ReadAll(context.Background(), s, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := NewLocalStore(nil, t.TempDir())
	require.ErrorIs(t, s.Put(ctx, "k", nil), context.Canceled)
}
