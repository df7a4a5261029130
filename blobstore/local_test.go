package blobstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/hupe1980/dualkv/internal/fs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir)
	ctx := context.Background()

	data := []byte("value-sorted segment payload")

	w, err := store.Create(ctx, "p/00/seg-1.dkv")
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)

	// Not visible before Close.
	_, err = store.Open(ctx, "p/00/seg-1.dkv")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, w.Close())
	_, err = os.Stat(filepath.Join(dir, "p", "00", "seg-1.dkv"))
	require.NoError(t, err)

	b, err := store.Open(ctx, "p/00/seg-1.dkv")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), b.Size())

	buf := make([]byte, 6)
	n, err := b.ReadAt(ctx, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "sorted", string(buf[:n]))

	rc, err := b.ReadRange(ctx, 13, 7)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "segment", string(got))

	mapped, err := b.(Mappable).Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, mapped)
	require.NoError(t, b.Close())

	require.NoError(t, store.Put(ctx, "p/00/CURRENT", []byte("MANIFEST-000001.bin")))
	require.NoError(t, store.Put(ctx, "p/01/CURRENT", []byte("MANIFEST-000002.bin")))

	names, err := store.List(ctx, "p/00/")
	require.NoError(t, err)
	assert.Equal(t, []string{"p/00/CURRENT", "p/00/seg-1.dkv"}, names)

	content, err := ReadAll(ctx, store, "p/01/CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "MANIFEST-000002.bin", string(content))

	require.NoError(t, store.Delete(ctx, "p/00/seg-1.dkv"))
	require.NoError(t, store.Delete(ctx, "p/00/seg-1.dkv"))
	_, err = store.Open(ctx, "p/00/seg-1.dkv")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore_AbortLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	store := NewLocalStore(dir)
	ctx := context.Background()

	w, err := store.Create(ctx, "seg.dkv")
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	AbortWrite(w)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocalStore_FailedRenameKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	ffs := fs.NewFaultyFS(nil)
	store := NewLocalStore(dir, WithFileSystem(ffs))
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "CURRENT", []byte("MANIFEST-000001.bin")))

	ffs.AddRule("CURRENT", fs.Fault{FailOnRename: true})
	err := store.Put(ctx, "CURRENT", []byte("MANIFEST-000002.bin"))
	require.ErrorIs(t, err, fs.ErrInjected)

	content, err := ReadAll(ctx, store, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "MANIFEST-000001.bin", string(content))

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"CURRENT"}, names)
}

func TestLocalStore_SyncFailure(t *testing.T) {
	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule("seg", fs.Fault{FailOnSync: true})
	store := NewLocalStore(t.TempDir(), WithFileSystem(ffs))

	err := store.Put(context.Background(), "seg-1.dkv", []byte("x"))
	require.ErrorIs(t, err, fs.ErrInjected)

	_, err = store.Open(context.Background(), "seg-1.dkv")
	assert.ErrorIs(t, err, ErrNotFound)
}
