package dualkv

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/hupe1980/dualkv/backend/memory"
	"github.com/hupe1980/dualkv/blobstore"
	"github.com/hupe1980/dualkv/partition"
	"github.com/hupe1980/dualkv/reducer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func hash(v uint64) []byte {
	h := sha256.Sum256(u64(v))
	return h[:]
}

func mustOpen(t *testing.T, dir string, opts ...Option) *Column {
	t.Helper()
	col, err := Open(context.Background(), dir, opts...)
	require.NoError(t, err)
	return col
}

func collectValues(t *testing.T, col *Column) []ValueEntry {
	t.Helper()
	var out []ValueEntry
	for e, err := range col.RangeValues(context.Background(), nil, nil) {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestColumn_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	col := mustOpen(t, t.TempDir())
	defer col.Close(ctx)

	seq, err := col.Put(ctx, []byte("alice"), []byte("0xa11ce"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	e, err := col.Get(ctx, []byte("alice"))
	require.NoError(t, err)
	assert.Equal(t, []byte("0xa11ce"), e.Value)
	assert.Equal(t, seq, e.Seq)

	_, err = col.Delete(ctx, []byte("alice"))
	require.NoError(t, err)
	_, err = col.Get(ctx, []byte("alice"))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = col.PutBatch(ctx, []KV{
		{Key: []byte("b"), Value: []byte("2")},
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("c"), Value: []byte("3")},
	})
	require.NoError(t, err)

	var keys []string
	for e, err := range col.Range(ctx, []byte("a"), []byte("c")) {
		require.NoError(t, err)
		keys = append(keys, string(e.Key))
	}
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestColumn_LookupAfterMerge(t *testing.T) {
	ctx := context.Background()
	col := mustOpen(t, t.TempDir(), WithReducer(reducer.KeySet{}))
	defer col.Close(ctx)

	addr := []byte("addr-1")
	for _, k := range []string{"k1", "k2", "k3"} {
		_, err := col.Put(ctx, []byte(k), addr)
		require.NoError(t, err)
		require.NoError(t, col.Flush(ctx))
	}
	_, err := col.Put(ctx, []byte("k2"), []byte("addr-2"))
	require.NoError(t, err)
	require.NoError(t, col.Compact(ctx))

	keys, err := col.LookupKeys(ctx, addr, nil)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("k1"), []byte("k3")}, keys)

	keys, err = col.LookupKeys(ctx, []byte("addr-2"), nil)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("k2")}, keys)

	st := col.Stats()
	require.Len(t, st.Partitions, 1)
	assert.Equal(t, 1, st.Partitions[0].Segments)
}

func TestColumn_HotValueWithManyKeys(t *testing.T) {
	ctx := context.Background()
	col := mustOpen(t, t.TempDir(), WithReducer(reducer.KeySet{}), WithBackend(memory.Open))
	defer col.Close(ctx)

	const n = 12_000
	hot := []byte("hot-address")
	kvs := make([]KV, 0, n/2)
	for i := range n {
		kvs = append(kvs, KV{Key: u64(uint64(i)), Value: hot})
		if len(kvs) == cap(kvs) {
			_, err := col.PutBatch(ctx, kvs)
			require.NoError(t, err)
			require.NoError(t, col.Flush(ctx))
			kvs = kvs[:0]
		}
	}

	keys, err := col.LookupKeys(ctx, hot, nil)
	require.NoError(t, err)
	require.Len(t, keys, n)

	require.NoError(t, col.Compact(ctx))
	keys, err = col.LookupKeys(ctx, hot, nil)
	require.NoError(t, err)
	require.Len(t, keys, n)
	assert.Equal(t, u64(0), keys[0])
	assert.Equal(t, u64(n-1), keys[n-1])
	assert.Equal(t, 1, col.Stats().Partitions[0].Segments)
}

func TestColumn_MergeKeepsOlderLiveKey(t *testing.T) {
	ctx := context.Background()
	col := mustOpen(t, t.TempDir())
	defer col.Close(ctx)

	put := func(k, v string) {
		t.Helper()
		_, err := col.Put(ctx, []byte(k), []byte(v))
		require.NoError(t, err)
	}
	put("k1", "v")
	require.NoError(t, col.Flush(ctx))
	put("k2", "v")
	require.NoError(t, col.Flush(ctx))
	put("k2", "w")
	require.NoError(t, col.Compact(ctx))

	key, ok, err := col.Lookup(ctx, []byte("v"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "k1", string(key))

	key, ok, err = col.Lookup(ctx, []byte("w"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "k2", string(key))
}

func TestColumn_MergeIdempotence(t *testing.T) {
	ctx := context.Background()
	col := mustOpen(t, t.TempDir(), WithPartitioner(partition.TopBits(2)))
	defer col.Close(ctx)

	for i := range 200 {
		_, err := col.Put(ctx, u64(uint64(i)), hash(uint64(i)))
		require.NoError(t, err)
		if i%50 == 49 {
			require.NoError(t, col.Flush(ctx))
		}
	}
	require.NoError(t, col.Compact(ctx))
	first := collectValues(t, col)
	firstStats := col.Stats()

	require.NoError(t, col.Compact(ctx))
	assert.Equal(t, first, collectValues(t, col))
	for i, ps := range col.Stats().Partitions {
		assert.Equal(t, firstStats.Partitions[i].Segments, ps.Segments)
		assert.Equal(t, firstStats.Partitions[i].Rows, ps.Rows)
	}
	assert.Len(t, first, 200)
}

func TestColumn_SumReducer(t *testing.T) {
	ctx := context.Background()
	v := []byte("V")
	records := []Record{
		{Key: []byte("a"), Value: v, Payload: reducer.EncodeUint64(1)},
		{Key: []byte("b"), Value: v, Payload: reducer.EncodeUint64(2)},
		{Key: []byte("c"), Value: v, Payload: reducer.EncodeUint64(3)},
	}

	groupings := map[string]func(col *Column){
		"one-batch": func(col *Column) {
			_, err := col.Write(ctx, records...)
			require.NoError(t, err)
			require.NoError(t, col.Flush(ctx))
		},
		"sealed-separately": func(col *Column) {
			for _, r := range records {
				_, err := col.Write(ctx, r)
				require.NoError(t, err)
				require.NoError(t, col.Flush(ctx))
			}
		},
		"reverse-then-compact": func(col *Column) {
			for i := len(records) - 1; i >= 0; i-- {
				_, err := col.Write(ctx, records[i])
				require.NoError(t, err)
				require.NoError(t, col.Flush(ctx))
			}
			require.NoError(t, col.Compact(ctx))
		},
		"pairwise-merge": func(col *Column) {
			for _, r := range records {
				_, err := col.Write(ctx, r)
				require.NoError(t, err)
				require.NoError(t, col.Flush(ctx))
				require.NoError(t, col.MergePartition(ctx, "all"))
			}
		},
	}

	for name, apply := range groupings {
		t.Run(name, func(t *testing.T) {
			col := mustOpen(t, t.TempDir(), WithReducer(reducer.Sum{}), WithMergeThreshold(2))
			defer col.Close(ctx)
			apply(col)

			out, ok, err := col.Lookup(ctx, v)
			require.NoError(t, err)
			require.True(t, ok)
			sum, err := reducer.DecodeUint64(out)
			require.NoError(t, err)
			assert.Equal(t, uint64(6), sum)
		})
	}
}

func TestColumn_SumCountsRewrittenKeysOnce(t *testing.T) {
	ctx := context.Background()
	col := mustOpen(t, t.TempDir(), WithReducer(reducer.Sum{}))
	defer col.Close(ctx)

	lookupSum := func(value string) (uint64, bool) {
		t.Helper()
		out, ok, err := col.Lookup(ctx, []byte(value))
		require.NoError(t, err)
		if !ok {
			return 0, false
		}
		sum, err := reducer.DecodeUint64(out)
		require.NoError(t, err)
		return sum, true
	}
	put := func(key, value string, amount uint64) {
		t.Helper()
		_, err := col.Write(ctx, Record{Key: []byte(key), Value: []byte(value), Payload: reducer.EncodeUint64(amount)})
		require.NoError(t, err)
	}

	put("k", "V", 5)
	require.NoError(t, col.Flush(ctx))
	put("k", "V", 5)
	put("j", "V", 1)
	require.NoError(t, col.Flush(ctx))

	sum, ok := lookupSum("V")
	require.True(t, ok)
	assert.Equal(t, uint64(6), sum, "before any merge")

	require.NoError(t, col.Compact(ctx))
	sum, _ = lookupSum("V")
	assert.Equal(t, uint64(6), sum, "after merge")

	put("k", "W", 5)
	require.NoError(t, col.Compact(ctx))
	sum, ok = lookupSum("V")
	require.True(t, ok)
	assert.Equal(t, uint64(1), sum, "moved key no longer counts")
	sum, _ = lookupSum("W")
	assert.Equal(t, uint64(5), sum)

	put("j", "W", 1)
	require.NoError(t, col.Compact(ctx))
	_, ok = lookupSum("V")
	assert.False(t, ok)
	sum, _ = lookupSum("W")
	assert.Equal(t, uint64(6), sum)
}

func TestColumn_CrashRecoveryEquivalence(t *testing.T) {
	ctx := context.Background()
	opts := []Option{WithPartitioner(partition.TopBits(2)), WithSealThreshold(64, 0)}
	write := func(col *Column, from, to int) {
		for i := from; i < to; i++ {
			_, err := col.Put(ctx, u64(uint64(i)), hash(uint64(i%150)))
			require.NoError(t, err)
		}
	}

	ref := mustOpen(t, t.TempDir(), opts...)
	write(ref, 0, 300)
	require.NoError(t, ref.Compact(ctx))
	want := collectValues(t, ref)
	require.NoError(t, ref.Close(ctx))

	dir := t.TempDir()
	col := mustOpen(t, dir, opts...)
	write(col, 0, 200)
	require.NoError(t, col.Flush(ctx))
	write(col, 200, 300)
	require.NoError(t, col.closeWithoutSeal())

	col = mustOpen(t, dir, opts...)
	defer col.Close(ctx)
	assert.Equal(t, uint64(300), col.Stats().RoutedSeq)
	require.NoError(t, col.Compact(ctx))
	assert.Equal(t, want, collectValues(t, col))
	assert.Len(t, want, 150)
}

func TestColumn_MillionKeys(t *testing.T) {
	ctx := context.Background()
	n := 1_000_000
	if testing.Short() {
		n = 20_000
	}
	const batch = 20_000

	col := mustOpen(t, t.TempDir(),
		WithBackend(memory.Open),
		WithPartitioner(partition.TopBits(4)),
		WithSegmentSizing(int64(n), 40),
		WithCompression(CompressionLZ4),
	)
	defer col.Close(ctx)

	records := make([]Record, 0, batch)
	for i := range n {
		records = append(records, Record{Key: u64(uint64(i)), Value: hash(uint64(i))})
		if len(records) == batch {
			_, err := col.Write(ctx, records...)
			require.NoError(t, err)
			records = records[:0]
		}
	}
	if len(records) > 0 {
		_, err := col.Write(ctx, records...)
		require.NoError(t, err)
	}
	require.NoError(t, col.Compact(ctx))

	count := 0
	var prev []byte
	for e, err := range col.RangeValues(ctx, nil, nil) {
		require.NoError(t, err)
		if prev != nil && bytes.Compare(prev, e.Value) >= 0 {
			t.Fatalf("values out of order at %d", count)
		}
		prev = e.Value
		count++
	}
	assert.Equal(t, n, count)
	assert.Len(t, col.Partitions(), 16)
}

func TestColumn_LagPolicy(t *testing.T) {
	ctx := context.Background()
	col := mustOpen(t, t.TempDir(), WithLagPolicy(LagSignal, 0))
	defer col.Close(ctx)

	seq, err := col.Put(ctx, []byte("k"), []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, IndexBuffered, col.State(seq))

	_, ok, err := col.Lookup(ctx, []byte("v"))
	assert.ErrorIs(t, err, ErrCatchingUp)
	assert.False(t, ok)

	require.NoError(t, col.Flush(ctx))
	assert.Equal(t, IndexDurable, col.State(seq))
	key, ok, err := col.Lookup(ctx, []byte("v"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("k"), key)
}

func TestColumn_CorruptionAndRebuild(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := blobstore.NewMemoryStore()

	col := mustOpen(t, dir, WithBlobStore(store))
	for i := range 20 {
		_, err := col.Put(ctx, u64(uint64(i)), hash(uint64(i)))
		require.NoError(t, err)
	}
	require.NoError(t, col.Close(ctx))

	current, err := blobstore.ReadAll(ctx, store, "all/CURRENT")
	require.NoError(t, err)
	require.True(t, store.Corrupt("all/"+string(current), 24))

	col = mustOpen(t, dir, WithBlobStore(store))
	defer col.Close(ctx)

	_, _, err = col.Lookup(ctx, hash(3))
	require.ErrorIs(t, err, ErrManifestCorruption)
	var me *ManifestError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "all", me.Partition)
	assert.Equal(t, IndexLost, col.State(1))

	require.NoError(t, col.Rebuild(ctx, "all"))
	key, ok, err := col.Lookup(ctx, hash(3))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, u64(3), key)
	assert.Len(t, collectValues(t, col), 20)
	assert.Equal(t, uint64(1), col.Stats().Epoch)
}

func TestColumn_ReducerMismatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	col := mustOpen(t, dir, WithReducer(reducer.KeySet{}))
	_, err := col.Put(ctx, []byte("k"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, col.Close(ctx))

	_, err = Open(ctx, dir, WithReducer(reducer.Sum{}))
	assert.ErrorIs(t, err, ErrReducerMismatch)
}

func TestColumn_EncodingViolation(t *testing.T) {
	ctx := context.Background()
	col := mustOpen(t, t.TempDir())
	defer col.Close(ctx)

	_, err := col.Put(ctx, []byte("k"), make([]byte, 1<<17))
	assert.ErrorIs(t, err, ErrEncodingViolation)
	assert.Zero(t, col.Stats().CommittedSeq)
}

func TestColumn_Closed(t *testing.T) {
	ctx := context.Background()
	col := mustOpen(t, t.TempDir())
	require.NoError(t, col.Close(ctx))
	require.NoError(t, col.Close(ctx))

	_, err := col.Put(ctx, []byte("k"), []byte("v"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = col.Get(ctx, []byte("k"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestColumn_Backends(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{"pebble", "sqlite", "memory"} {
		t.Run(name, func(t *testing.T) {
			opener, err := Backend(name)
			require.NoError(t, err)
			col := mustOpen(t, t.TempDir(), WithBackend(opener))
			defer col.Close(ctx)

			for i := range 10 {
				_, err := col.Put(ctx, u64(uint64(i)), []byte(fmt.Sprintf("v%02d", i)))
				require.NoError(t, err)
			}
			require.NoError(t, col.Flush(ctx))
			key, ok, err := col.Lookup(ctx, []byte("v07"))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, u64(7), key)
		})
	}
	_, err := Backend("leveldb")
	assert.Error(t, err)
}

func TestColumn_Metrics(t *testing.T) {
	ctx := context.Background()
	metrics := &BasicMetricsCollector{}
	col := mustOpen(t, t.TempDir(), WithMetricsObserver(metrics), WithLagPolicy(LagStale, 0))
	defer col.Close(ctx)

	for i := range 3 {
		_, err := col.Put(ctx, u64(uint64(i)), u64(uint64(i)))
		require.NoError(t, err)
	}
	_, _, err := col.Lookup(ctx, u64(1))
	require.NoError(t, err)
	require.NoError(t, col.Flush(ctx))
	_, _, err = col.Lookup(ctx, u64(1))
	require.NoError(t, err)

	st := metrics.GetStats()
	assert.Equal(t, int64(3), st.WriteCount)
	assert.Equal(t, int64(3), st.WriteRecords)
	assert.Equal(t, int64(1), st.SealCount)
	assert.Equal(t, int64(2), st.LookupCount)
	assert.Equal(t, int64(1), st.LookupHits)
	assert.Equal(t, uint64(3), st.MaxLag)
}
