package blobstore

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	w, err := store.Create(ctx, "a/seg")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	b, err := store.Open(ctx, "a/seg")
	require.NoError(t, err)
	assert.Equal(t, int64(11), b.Size())

	buf := make([]byte, 20)
	n, err := b.ReadAt(ctx, buf, 6)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "world", string(buf[:n]))

	rc, err := b.ReadRange(ctx, 0, 5)
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, store.Put(ctx, "b/x", []byte{1}))
	names, err := store.List(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/seg"}, names)

	require.True(t, store.Corrupt("b/x", 0))
	data, err := ReadAll(ctx, store, "b/x")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFE}, data)

	aborted, err := store.Create(ctx, "c")
	require.NoError(t, err)
	_, _ = aborted.Write([]byte("x"))
	AbortWrite(aborted)
	_, err = store.Open(ctx, "c")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Delete(ctx, "a/seg"))
	_, err = store.Open(ctx, "a/seg")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPrefixedStore(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	p00 := Prefixed(inner, "index/00")
	p01 := Prefixed(inner, "index/01/")

	require.NoError(t, p00.Put(ctx, "CURRENT", []byte("m1")))
	require.NoError(t, p01.Put(ctx, "CURRENT", []byte("m2")))
	require.NoError(t, p00.Put(ctx, "seg-1.dkv", []byte("s")))

	names, err := p00.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"CURRENT", "seg-1.dkv"}, names)

	all, err := inner.List(ctx, "index/")
	require.NoError(t, err)
	assert.Equal(t, []string{"index/00/CURRENT", "index/00/seg-1.dkv", "index/01/CURRENT"}, all)

	data, err := ReadAll(ctx, p01, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "m2", string(data))
	assert.Equal(t, "index/01/CURRENT", p01.Name("CURRENT"))

	require.NoError(t, p00.Delete(ctx, "seg-1.dkv"))
	_, err = inner.Open(ctx, "index/00/seg-1.dkv")
	assert.ErrorIs(t, err, ErrNotFound)
}
