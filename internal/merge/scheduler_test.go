package merge

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/dualkv/blobstore"
	"github.com/hupe1980/dualkv/internal/index"
	"github.com/hupe1980/dualkv/internal/resource"
	"github.com/hupe1980/dualkv/reducer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPartition(t *testing.T, name string, r reducer.Reducer) (*index.Partition, *blobstore.MemoryStore) {
	t.Helper()
	store := blobstore.NewMemoryStore()
	p, err := index.Open(context.Background(), index.Options{Name: name, Store: store, Reducer: r, BlockSize: 128})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, store
}

// sealBatches seals one segment per batch; each batch maps value -> key.
func sealBatches(t *testing.T, p *index.Partition, batches ...map[string]string) {
	t.Helper()
	ctx := context.Background()
	seq := uint64(0)
	for _, batch := range batches {
		seq++
		for v, k := range batch {
			_, err := p.Add([]byte(v), []byte(k), nil, seq)
			require.NoError(t, err)
		}
		require.NoError(t, p.Seal(ctx))
	}
}

func contents(t *testing.T, p *index.Partition) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for e, err := range p.Range(context.Background(), nil, nil) {
		require.NoError(t, err)
		out[string(e.Value)] = string(e.Output)
	}
	return out
}

func TestScheduler_MergeLevel(t *testing.T) {
	p, _ := newPartition(t, "p0", nil)
	var batches []map[string]string
	for i := range 5 {
		batches = append(batches, map[string]string{
			fmt.Sprintf("v%d", i): fmt.Sprintf("k%d", i),
			"shared":              fmt.Sprintf("k%d", i),
		})
	}
	sealBatches(t, p, batches...)
	before := contents(t, p)
	assert.Equal(t, "k4", before["shared"])

	var results []Result
	s := New([]*index.Partition{p}, Options{OnMerge: func(r Result) { results = append(results, r) }})
	defer s.Close()
	require.NoError(t, s.MergePartition(context.Background(), p))

	st := p.Stats()
	assert.Equal(t, 1, st.Segments)
	assert.Equal(t, 1, st.Levels[1])
	assert.Equal(t, before, contents(t, p))
	require.Len(t, results, 1)
	assert.Equal(t, 5, results[0].Inputs)
	assert.Equal(t, uint64(6), results[0].Rows)
	assert.NoError(t, results[0].Err)
}

func TestScheduler_PrunesStalePairs(t *testing.T) {
	p, _ := newPartition(t, "p0", nil)
	sealBatches(t, p,
		map[string]string{"a": "k1", "b": "k2"},
		map[string]string{"c": "k1"},
	)

	// k1 was rewritten from a to c.
	primary := map[string]string{"k1": "c", "k2": "b"}
	live := func(_ context.Context, _ string, key, value []byte) (bool, error) {
		return primary[string(key)] == string(value), nil
	}
	s := New([]*index.Partition{p}, Options{Live: live})
	defer s.Close()
	require.NoError(t, s.Compact(context.Background()))

	assert.Equal(t, map[string]string{"b": "k2", "c": "k1"}, contents(t, p))
}

func TestScheduler_StaleNewerPairKeepsLiveOlderKey(t *testing.T) {
	p, _ := newPartition(t, "p0", nil)
	sealBatches(t, p,
		map[string]string{"v": "k1", "x": "k3"},
		map[string]string{"v": "k2"},
		map[string]string{"w": "k2", "x": "k4"},
	)
	require.Equal(t, "k2", contents(t, p)["v"])

	// k2 moved from v to w, k1 still holds v; k3 and k4 both left x.
	primary := map[string]string{"k1": "v", "k2": "w"}
	live := func(_ context.Context, _ string, key, value []byte) (bool, error) {
		return primary[string(key)] == string(value), nil
	}
	var results []Result
	s := New([]*index.Partition{p}, Options{Live: live, OnMerge: func(r Result) { results = append(results, r) }})
	defer s.Close()
	require.NoError(t, s.Compact(context.Background()))

	assert.Equal(t, map[string]string{"v": "k1", "w": "k2"}, contents(t, p))
	out, ok, err := p.Lookup(context.Background(), []byte("v"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "k1", string(out))

	require.Len(t, results, 1)
	assert.Equal(t, uint64(1), results[0].Pruned)
	assert.Equal(t, uint64(2), results[0].Rows)
}

func TestScheduler_PrunesKeysFromKeySets(t *testing.T) {
	p, _ := newPartition(t, "p0", reducer.KeySet{})
	sealBatches(t, p,
		map[string]string{"addr": "k1"},
		map[string]string{"addr": "k2"},
		map[string]string{"gone": "k3"},
	)

	primary := map[string]string{"k1": "addr", "k2": "other", "k3": ""}
	live := func(_ context.Context, _ string, key, value []byte) (bool, error) {
		return primary[string(key)] == string(value), nil
	}
	s := New([]*index.Partition{p}, Options{Live: live})
	defer s.Close()
	require.NoError(t, s.Compact(context.Background()))

	got := contents(t, p)
	require.Len(t, got, 1)
	keys, err := reducer.KeySet{}.Keys([]byte(got["addr"]))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("k1")}, keys)
}

func TestScheduler_FullyStaleRunRegistersNothing(t *testing.T) {
	p, store := newPartition(t, "p0", nil)
	sealBatches(t, p, map[string]string{"a": "k1"}, map[string]string{"b": "k2"})

	dead := func(context.Context, string, []byte, []byte) (bool, error) { return false, nil }
	s := New([]*index.Partition{p}, Options{Live: dead})
	defer s.Close()
	require.NoError(t, s.Compact(context.Background()))

	assert.Equal(t, 0, p.Stats().Segments)
	assert.Empty(t, contents(t, p))
	names, err := store.List(context.Background(), "seg-")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestScheduler_CompactIsIdempotent(t *testing.T) {
	p, _ := newPartition(t, "p0", reducer.Sum{})
	ctx := context.Background()
	for i := range 6 {
		_, err := p.Add([]byte(fmt.Sprintf("v%d", i%3)), []byte("k"), reducer.EncodeUint64(uint64(i)), uint64(i+1))
		require.NoError(t, err)
		require.NoError(t, p.Seal(ctx))
	}

	s := New([]*index.Partition{p}, Options{})
	defer s.Close()
	require.NoError(t, s.Compact(ctx))
	first := contents(t, p)
	require.Equal(t, 1, p.Stats().Segments)

	require.NoError(t, s.Compact(ctx))
	assert.Equal(t, first, contents(t, p))
	assert.Equal(t, 1, p.Stats().Segments)

	// v0 saw key k at seq 1 and seq 4; only the newest payload counts.
	sum, err := reducer.SumOf([]byte(first["v0"]))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), sum)
}

func TestScheduler_GroupingDoesNotChangeAggregates(t *testing.T) {
	ctx := context.Background()
	batches := []map[string]string{{"v": "a"}, {"v": "b", "w": "c"}, {"v": "d"}}

	var results []map[string]string
	for _, order := range [][]int{{0, 1, 2}, {2, 0, 1}, {1, 2, 0}} {
		p, _ := newPartition(t, "p0", reducer.KeySet{})
		for _, i := range order {
			sealBatches(t, p, batches[i])
		}
		s := New([]*index.Partition{p}, Options{Policy: LevelPolicy{Threshold: 2}})
		require.NoError(t, s.MergePartition(ctx, p))
		require.NoError(t, s.Compact(ctx))
		require.NoError(t, s.Close())
		results = append(results, contents(t, p))
	}
	assert.Equal(t, results[0], results[1])
	assert.Equal(t, results[0], results[2])
}

func TestScheduler_CanceledMergeLeavesManifest(t *testing.T) {
	p, store := newPartition(t, "p0", nil)
	sealBatches(t, p, map[string]string{"a": "k1"}, map[string]string{"b": "k2"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New([]*index.Partition{p}, Options{})
	defer s.Close()
	require.ErrorIs(t, s.Compact(ctx), context.Canceled)

	assert.Equal(t, 2, p.Stats().Segments)
	names, err := store.List(context.Background(), "seg-")
	require.NoError(t, err)
	assert.Len(t, names, 2)
}

func TestScheduler_Background(t *testing.T) {
	p, _ := newPartition(t, "p0", nil)
	rc := resource.NewController(resource.Config{MaxBackgroundWorkers: 2, IOLimitBytesPerSec: 1 << 20})

	var mu sync.Mutex
	merged := 0
	s := New([]*index.Partition{p}, Options{
		Resource: rc,
		Workers:  map[string]int{"p0": 2},
		OnMerge: func(r Result) {
			mu.Lock()
			defer mu.Unlock()
			if r.Err == nil {
				merged++
			}
		},
	})
	s.Start()
	defer s.Close()
	assert.Equal(t, 2, s.Workers("p0"))
	assert.Equal(t, 1, s.Workers("other"))

	for i := range 4 {
		sealBatches(t, p, map[string]string{fmt.Sprintf("v%d", i): "k"})
	}
	s.Notify("p0")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return merged == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, p.Stats().Levels[1])
}
