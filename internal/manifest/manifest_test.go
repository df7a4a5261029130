package manifest

import (
	"bytes"
	"context"
	"testing"

	"github.com/hupe1980/dualkv/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleManifest() *Manifest {
	m := New("p03", "sum")
	m.DurableSeq = 42
	m.Add(SegmentInfo{ID: m.AllocateSegmentID(), Generation: 1, Level: 0, RowCount: 10, Size: 100, Path: "seg-1", MinValue: []byte("a"), MaxValue: []byte("m")})
	m.Add(SegmentInfo{ID: m.AllocateSegmentID(), Generation: 2, Level: 0, RowCount: 20, Size: 200, Path: "seg-2", MinValue: []byte("b"), MaxValue: []byte("z")})
	m.NextGeneration = 3
	return m
}

func TestStore_LoadEmpty(t *testing.T) {
	store := NewStore(blobstore.NewMemoryStore())

	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	store := NewStore(blobstore.NewMemoryStore())

	m := sampleManifest()
	require.NoError(t, store.Save(ctx, m))
	assert.Equal(t, uint64(1), m.ID)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, m.ID, loaded.ID)
	assert.Equal(t, "p03", loaded.Partition)
	assert.Equal(t, "sum", loaded.Reducer)
	assert.Equal(t, uint64(42), loaded.DurableSeq)
	assert.Equal(t, uint64(3), loaded.NextSegmentID)
	assert.Equal(t, uint64(3), loaded.NextGeneration)
	assert.Equal(t, m.Segments, loaded.Segments)

	// Newest generation first.
	assert.Equal(t, uint64(2), loaded.Segments[0].Generation)

	require.NoError(t, store.Save(ctx, loaded))
	assert.Equal(t, uint64(2), loaded.ID)

	v1, err := store.LoadVersion(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1.ID)
}

func TestStore_CorruptManifest(t *testing.T) {
	ctx := context.Background()
	mem := blobstore.NewMemoryStore()
	store := NewStore(mem)

	require.NoError(t, store.Save(ctx, sampleManifest()))
	require.True(t, mem.Corrupt("MANIFEST-000001.bin", 20))

	_, err := store.Load(ctx)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestStore_DanglingCurrent(t *testing.T) {
	ctx := context.Background()
	mem := blobstore.NewMemoryStore()
	require.NoError(t, mem.Put(ctx, CurrentFileName, []byte("MANIFEST-000007.bin")))

	_, err := NewStore(mem).Load(ctx)
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, mem.Put(ctx, CurrentFileName, []byte("garbage")))
	_, err = NewStore(mem).Load(ctx)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestStore_SaveAfterCorruptionUsesFreshID(t *testing.T) {
	ctx := context.Background()
	mem := blobstore.NewMemoryStore()

	first := NewStore(mem)
	require.NoError(t, first.Save(ctx, sampleManifest()))
	require.NoError(t, first.Save(ctx, sampleManifest()))
	require.True(t, mem.Corrupt("MANIFEST-000002.bin", 30))

	// A new store (as after restart) must not overwrite existing versions.
	second := NewStore(mem)
	fresh := New("p03", "sum")
	require.NoError(t, second.Save(ctx, fresh))
	assert.Equal(t, uint64(3), fresh.ID)

	loaded, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded.Segments)
}

func TestStore_Prune(t *testing.T) {
	ctx := context.Background()
	store := NewStore(blobstore.NewMemoryStore())

	m := sampleManifest()
	for range 5 {
		require.NoError(t, store.Save(ctx, m))
	}
	require.NoError(t, store.Prune(ctx, 2))

	ids, err := store.ListVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{4, 5}, ids)

	_, err = store.Load(ctx)
	require.NoError(t, err)
}

func TestManifest_Replace(t *testing.T) {
	m := sampleManifest()
	m.Replace([]uint64{1, 2}, SegmentInfo{ID: 3, Generation: 2, Level: 1, MinValue: []byte("a"), MaxValue: []byte("z")})

	require.Len(t, m.Segments, 1)
	assert.Equal(t, 1, m.Segments[0].Level)
	assert.Len(t, m.Levels()[1], 1)
}

func TestSegmentInfo_Bounds(t *testing.T) {
	s := SegmentInfo{MinValue: []byte("c"), MaxValue: []byte("f")}

	assert.True(t, s.Covers([]byte("c")))
	assert.True(t, s.Covers([]byte("f")))
	assert.False(t, s.Covers([]byte("g")))

	assert.True(t, s.Overlaps(nil, nil))
	assert.True(t, s.Overlaps([]byte("f"), []byte("z")))
	assert.False(t, s.Overlaps([]byte("g"), nil))
	assert.False(t, s.Overlaps(nil, []byte("b")))
}

func TestClone_IsIndependent(t *testing.T) {
	m := sampleManifest()
	c := m.Clone()
	c.Segments[0].Level = 9

	assert.NotEqual(t, 9, m.Segments[0].Level)
}

func TestReadBinary_Truncated(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, sampleManifest().WriteBinary(&buf))

	_, err := ReadBinary(bytes.NewReader(buf.Bytes()[:buf.Len()-3]))
	assert.Error(t, err)
}
