package builder

import (
	"bytes"
	"context"
	"testing"

	"github.com/hupe1980/dualkv/blobstore"
	"github.com/hupe1980/dualkv/internal/segment"
	"github.com/hupe1980/dualkv/reducer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entries(b *Buffer) map[string]string {
	out := make(map[string]string)
	b.Ascend(func(v, o []byte) bool {
		out[string(v)] = string(o)
		return true
	})
	return out
}

func TestBuffer_HigherSeqWins(t *testing.T) {
	b := NewBuffer(nil)
	require.NoError(t, b.Add([]byte("v"), []byte("k2"), nil, 2))
	require.NoError(t, b.Add([]byte("v"), []byte("k1"), nil, 1))
	require.NoError(t, b.Add([]byte("w"), []byte("k3"), nil, 3))

	assert.Equal(t, map[string]string{"v": "k2", "w": "k3"}, entries(b))
	assert.Equal(t, 2, b.Len())
	assert.Equal(t, uint64(1), b.MinSeq())
	assert.Equal(t, uint64(3), b.MaxSeq())
}

func TestBuffer_Reducer(t *testing.T) {
	b := NewBuffer(reducer.Sum{})
	for i, p := range []uint64{1, 2, 3} {
		require.NoError(t, b.Add([]byte("V"), []byte{byte(i)}, reducer.EncodeUint64(p), uint64(i+1)))
	}
	v, err := reducer.SumOf([]byte(entries(b)["V"]))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), v)

	// A rewrite of key 0 replaces its contribution.
	require.NoError(t, b.Add([]byte("V"), []byte{0}, reducer.EncodeUint64(10), 4))
	v, err = reducer.SumOf([]byte(entries(b)["V"]))
	require.NoError(t, err)
	assert.Equal(t, uint64(15), v)
}

func TestBuffer_AbsorbKeepsNewer(t *testing.T) {
	older := NewBuffer(nil)
	require.NoError(t, older.Add([]byte("a"), []byte("old-a"), nil, 1))
	require.NoError(t, older.Add([]byte("b"), []byte("old-b"), nil, 1))

	active := NewBuffer(nil)
	require.NoError(t, active.Add([]byte("a"), []byte("new-a"), nil, 2))

	require.NoError(t, active.Absorb(older))
	assert.Equal(t, map[string]string{"a": "new-a", "b": "old-b"}, entries(active))
	assert.Equal(t, uint64(1), active.MinSeq())
}

func TestBuffer_AbsorbCombinesWithReducer(t *testing.T) {
	older := NewBuffer(reducer.KeySet{})
	require.NoError(t, older.Add([]byte("v"), []byte("k1"), nil, 1))

	active := NewBuffer(reducer.KeySet{})
	require.NoError(t, active.Add([]byte("v"), []byte("k2"), nil, 2))
	require.NoError(t, active.Absorb(older))

	keys, err := reducer.KeySet{}.Keys([]byte(entries(active)["v"]))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("k1"), []byte("k2")}, keys)
}

func TestBuffer_RejectsEmptyValue(t *testing.T) {
	b := NewBuffer(nil)
	assert.ErrorIs(t, b.Add(nil, []byte("k"), nil, 1), segment.ErrEncodingViolation)
}

func TestBuffer_WriteTo(t *testing.T) {
	ctx := context.Background()
	b := NewBuffer(reducer.KeySet{})
	require.NoError(t, b.Add([]byte("b"), []byte("k1"), nil, 1))
	require.NoError(t, b.Add([]byte("a"), []byte("k2"), nil, 1))

	var buf bytes.Buffer
	info, err := b.WriteTo(&buf, segment.WriterOptions{Compression: segment.CompressionLZ4})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), info.RowCount)
	assert.Equal(t, []byte("a"), info.MinValue)

	store := blobstore.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "s", buf.Bytes()))
	blob, err := store.Open(ctx, "s")
	require.NoError(t, err)
	seg, err := segment.Open(ctx, blob)
	require.NoError(t, err)
	defer seg.Close()
	assert.Equal(t, reducer.KeySetName, seg.Reducer())
}

func TestSegmentRows(t *testing.T) {
	assert.Equal(t, MinSegmentRows, SegmentRows(1000, 0, 0, 1))
	assert.Equal(t, 1_000_000, SegmentRows(32_000_000, 0, 0, 1))
	// 1 MiB across 4 partitions at 208 bytes per entry.
	assert.Equal(t, 1260, SegmentRows(32_000_000, 160, 1<<20, 4))
}
