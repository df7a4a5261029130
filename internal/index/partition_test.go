package index

import (
	"context"
	"errors"
	"io"
	"iter"
	"testing"

	"github.com/hupe1980/dualkv/blobstore"
	"github.com/hupe1980/dualkv/internal/cache"
	"github.com/hupe1980/dualkv/internal/manifest"
	"github.com/hupe1980/dualkv/internal/segment"
	"github.com/hupe1980/dualkv/reducer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPartition(t *testing.T, store blobstore.BlobStore, r reducer.Reducer) *Partition {
	t.Helper()
	p, err := Open(context.Background(), Options{
		Name:        "p0",
		Store:       store,
		Reducer:     r,
		Compression: segment.CompressionLZ4,
		BlockSize:   256,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func add(t *testing.T, p *Partition, value, key string, seq uint64) {
	t.Helper()
	_, err := p.Add([]byte(value), []byte(key), nil, seq)
	require.NoError(t, err)
}

func collect(t *testing.T, p *Partition, start, end []byte) map[string]string {
	t.Helper()
	out := make(map[string]string)
	var last string
	for e, err := range p.Range(context.Background(), start, end) {
		require.NoError(t, err)
		require.Greater(t, string(e.Value), last)
		last = string(e.Value)
		out[string(e.Value)] = string(e.Output)
	}
	return out
}

func TestPartition_NewestSegmentWins(t *testing.T) {
	ctx := context.Background()
	p := openPartition(t, blobstore.NewMemoryStore(), nil)

	add(t, p, "v1", "k-old", 1)
	add(t, p, "v2", "k2", 1)
	require.NoError(t, p.Seal(ctx))
	add(t, p, "v1", "k-new", 2)
	require.NoError(t, p.Seal(ctx))

	out, ok, err := p.Lookup(ctx, []byte("v1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "k-new", string(out))

	_, ok, err = p.Lookup(ctx, []byte("v3"))
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, map[string]string{"v1": "k-new", "v2": "k2"}, collect(t, p, nil, nil))
	assert.Equal(t, map[string]string{"v2": "k2"}, collect(t, p, []byte("v2"), []byte("v2")))

	st := p.Stats()
	assert.Equal(t, 2, st.Segments)
	assert.Equal(t, 2, st.Levels[0])
	assert.Equal(t, uint64(2), st.DurableSeq)
}

func TestPartition_ReducerFoldsAcrossSegments(t *testing.T) {
	ctx := context.Background()
	p := openPartition(t, blobstore.NewMemoryStore(), reducer.Sum{})

	for i, amount := range []uint64{1, 2, 3} {
		_, err := p.Add([]byte("V"), []byte{byte(i)}, reducer.EncodeUint64(amount), uint64(i+1))
		require.NoError(t, err)
		require.NoError(t, p.Seal(ctx))
	}

	out, ok, err := p.Lookup(ctx, []byte("V"))
	require.NoError(t, err)
	require.True(t, ok)
	sum, err := reducer.SumOf(out)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), sum)

	got := collect(t, p, nil, nil)
	sum, err = reducer.SumOf([]byte(got["V"]))
	require.NoError(t, err)
	assert.Equal(t, uint64(6), sum)
}

func TestPartition_Reopen(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	p, err := Open(ctx, Options{Name: "p0", Store: store})
	require.NoError(t, err)
	add(t, p, "a", "k1", 1)
	require.NoError(t, p.Seal(ctx))
	add(t, p, "b", "k2", 2)
	require.NoError(t, p.Close())

	p = openPartition(t, store, nil)
	assert.Equal(t, uint64(1), p.PersistedDurableSeq())
	assert.Equal(t, map[string]string{"a": "k1"}, collect(t, p, nil, nil))

	_, err = Open(ctx, Options{Name: "p0", Store: store, Reducer: reducer.KeySet{}})
	assert.ErrorIs(t, err, ErrReducerMismatch)
}

func TestPartition_EmptySealPersistsDurableSeq(t *testing.T) {
	ctx := context.Background()
	routed := uint64(0)
	p, err := Open(ctx, Options{Name: "p0", Store: blobstore.NewMemoryStore(), Routed: func() uint64 { return routed }})
	require.NoError(t, err)
	defer p.Close()

	add(t, p, "a", "k", 3)
	routed = 5
	assert.Equal(t, uint64(2), p.DurableSeq())

	require.NoError(t, p.Seal(ctx))
	assert.Equal(t, uint64(5), p.PersistedDurableSeq())

	routed = 9
	require.NoError(t, p.Seal(ctx))
	assert.Equal(t, uint64(9), p.PersistedDurableSeq())
}

func TestPartition_SealThreshold(t *testing.T) {
	p, err := Open(context.Background(), Options{Name: "p0", Store: blobstore.NewMemoryStore(), SealRows: 2})
	require.NoError(t, err)
	defer p.Close()

	full, err := p.Add([]byte("a"), []byte("k"), nil, 1)
	require.NoError(t, err)
	assert.False(t, full)
	full, err = p.Add([]byte("b"), []byte("k"), nil, 2)
	require.NoError(t, err)
	assert.True(t, full)

	require.NoError(t, p.SealIfFull(context.Background()))
	assert.Equal(t, 0, p.Stats().Buffered)
}

type failingStore struct {
	blobstore.BlobStore
	fail bool
}

func (s *failingStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	if s.fail {
		return nil, errors.New("create failed")
	}
	return s.BlobStore.Create(ctx, name)
}

func TestPartition_FailedSealRestoresBuffer(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{BlobStore: blobstore.NewMemoryStore(), fail: true}
	p := openPartition(t, store, nil)

	add(t, p, "a", "k1", 1)
	add(t, p, "b", "k2", 2)
	require.Error(t, p.Seal(ctx))
	assert.Equal(t, 2, p.Stats().Buffered)
	assert.Equal(t, uint64(0), p.DurableSeq())

	add(t, p, "a", "k3", 3)
	store.fail = false
	require.NoError(t, p.Seal(ctx))
	assert.Equal(t, map[string]string{"a": "k3", "b": "k2"}, collect(t, p, nil, nil))
}

func TestPartition_WriteSegmentEncodingViolation(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	p := openPartition(t, store, nil)

	_, err := p.WriteSegment(ctx, 1, 1, true, func(w io.Writer) (segment.Info, error) {
		sw, err := segment.NewWriter(w, p.WriterOptions())
		if err != nil {
			return segment.Info{}, err
		}
		if err := sw.Add([]byte("b"), []byte("k")); err != nil {
			return segment.Info{}, err
		}
		if err := sw.Add([]byte("a"), []byte("k")); err != nil {
			return segment.Info{}, err
		}
		return sw.Finish()
	})
	require.ErrorIs(t, err, segment.ErrEncodingViolation)

	names, err := store.List(ctx, "seg-")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestPartition_CommitMergeDeletesAfterRelease(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	c := cache.NewLRUBlockCache(1<<20, nil)
	p, err := Open(ctx, Options{Name: "p0", Store: store, Cache: c})
	require.NoError(t, err)
	defer p.Close()

	add(t, p, "a", "k1", 1)
	require.NoError(t, p.Seal(ctx))
	add(t, p, "b", "k2", 2)
	require.NoError(t, p.Seal(ctx))

	snap, err := p.Acquire()
	require.NoError(t, err)
	segs := snap.Segments()
	require.Len(t, segs, 2)

	streams := rangeAll(ctx, segs)
	out, err := p.WriteSegment(ctx, segs[0].Info.Generation, 1, true, func(w io.Writer) (segment.Info, error) {
		sw, err := segment.NewWriter(w, p.WriterOptions())
		if err != nil {
			return segment.Info{}, err
		}
		for e, err := range Merge(streams, nil) {
			if err != nil {
				return segment.Info{}, err
			}
			if err := sw.Add(e.Value, e.Output); err != nil {
				return segment.Info{}, err
			}
		}
		return sw.Finish()
	})
	require.NoError(t, err)

	retired := []uint64{segs[0].Info.ID, segs[1].Info.ID}
	require.NoError(t, p.CommitMerge(ctx, retired, out))
	assert.ErrorIs(t, p.CommitMerge(ctx, retired, out), ErrConflict)

	// The old snapshot still pins the inputs.
	b, err := store.Open(ctx, segs[0].Info.Path)
	require.NoError(t, err)
	require.NoError(t, b.Close())
	oldPath := segs[0].Info.Path
	snap.DecRef()
	_, err = store.Open(ctx, oldPath)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	st := p.Stats()
	assert.Equal(t, 1, st.Segments)
	assert.Equal(t, 1, st.Levels[1])
	assert.Equal(t, map[string]string{"a": "k1", "b": "k2"}, collect(t, p, nil, nil))
}

func rangeAll(ctx context.Context, segs []*RefCountedSegment) []iter.Seq2[segment.Entry, error] {
	out := make([]iter.Seq2[segment.Entry, error], 0, len(segs))
	for _, s := range segs {
		out = append(out, s.All(ctx))
	}
	return out
}

func TestPartition_CorruptManifestAndRebuild(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	p, err := Open(ctx, Options{Name: "p0", Store: store})
	require.NoError(t, err)
	add(t, p, "a", "k1", 1)
	require.NoError(t, p.Seal(ctx))
	require.NoError(t, p.Close())

	current, err := blobstore.ReadAll(ctx, store, manifest.CurrentFileName)
	require.NoError(t, err)
	require.True(t, store.Corrupt(string(current), 20))

	p = openPartition(t, store, nil)
	require.ErrorIs(t, p.Err(), ErrManifestCorruption)
	_, _, err = p.Lookup(ctx, []byte("a"))
	require.ErrorIs(t, err, ErrManifestCorruption)
	require.ErrorIs(t, p.Seal(ctx), ErrManifestCorruption)

	full, err := p.Add([]byte("a"), []byte("k1"), nil, 1)
	require.NoError(t, err)
	assert.False(t, full)
	assert.Equal(t, 0, p.Stats().Buffered)

	require.NoError(t, p.Reset(ctx))
	assert.True(t, p.Rebuilding())
	add(t, p, "a", "k1", 1)
	require.NoError(t, p.Seal(ctx))
	require.NoError(t, p.FinishRebuild(ctx))
	require.NoError(t, p.Err())

	out, ok, err := p.Lookup(ctx, []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "k1", string(out))
	assert.Equal(t, uint64(1), p.PersistedDurableSeq())

	names, err := store.List(ctx, "seg-")
	require.NoError(t, err)
	assert.Len(t, names, 1)
}

func TestPartition_MissingSegmentIsCorruption(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	p, err := Open(ctx, Options{Name: "p0", Store: store})
	require.NoError(t, err)
	add(t, p, "a", "k1", 1)
	require.NoError(t, p.Seal(ctx))
	require.NoError(t, p.Close())

	names, err := store.List(ctx, "seg-")
	require.NoError(t, err)
	require.Len(t, names, 1)
	require.NoError(t, store.Delete(ctx, names[0]))

	p = openPartition(t, store, nil)
	assert.ErrorIs(t, p.Err(), ErrManifestCorruption)
	assert.ErrorIs(t, p.Err(), blobstore.ErrNotFound)
}

func TestPartition_Closed(t *testing.T) {
	p, err := Open(context.Background(), Options{Name: "p0", Store: blobstore.NewMemoryStore()})
	require.NoError(t, err)
	require.NoError(t, p.Close())
	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, p.Seal(context.Background()), ErrClosed)
}
