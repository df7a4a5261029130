package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	tmp := t.TempDir()
	lfs := LocalFS{}

	dir := filepath.Join(tmp, "p", "00")
	require.NoError(t, lfs.MkdirAll(dir, 0o755))

	path := filepath.Join(dir, "seg.tmp")
	f, err := lfs.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	final := filepath.Join(dir, "seg.dkv")
	require.NoError(t, lfs.Rename(path, final))
	require.NoError(t, SyncDir(lfs, dir))

	info, err := lfs.Stat(final)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())

	entries, err := lfs.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "seg.dkv", entries[0].Name())

	require.NoError(t, lfs.Remove(final))
	_, err = lfs.Stat(final)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFaultyFS(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(nil)
	ffs.AddRule("MANIFEST", Fault{FailOnRename: true})
	ffs.AddRule("seg", Fault{FailAfterBytes: 4, FailOnSync: true})

	f, err := ffs.OpenFile(filepath.Join(tmp, "seg.tmp"), os.O_CREATE|os.O_RDWR, 0o644)
	require.NoError(t, err)
	n, err := f.Write([]byte("abcdef"))
	assert.Equal(t, 4, n)
	assert.ErrorIs(t, err, ErrInjected)
	assert.ErrorIs(t, f.Sync(), ErrInjected)
	require.NoError(t, f.Close())

	src := filepath.Join(tmp, "x.tmp")
	require.NoError(t, os.WriteFile(src, []byte("m"), 0o644))
	assert.ErrorIs(t, ffs.Rename(src, filepath.Join(tmp, "MANIFEST-000001.bin")), ErrInjected)

	ffs.Clear()
	require.NoError(t, ffs.Rename(src, filepath.Join(tmp, "MANIFEST-000001.bin")))
}
