package segment

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/hupe1980/dualkv/blobstore"
	"github.com/hupe1980/dualkv/internal/cache"
	"github.com/hupe1980/dualkv/internal/mmap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func be(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func buildSegment(t *testing.T, n int, c Compression) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, WriterOptions{Compression: c, BlockSize: 512, Reducer: "keyset"})
	require.NoError(t, err)
	for i := range n {
		require.NoError(t, w.Add(be(uint64(i*2)), []byte(fmt.Sprintf("key-%d", i))))
	}
	info, err := w.Finish()
	require.NoError(t, err)
	assert.Equal(t, uint64(n), info.RowCount)
	assert.Equal(t, int64(buf.Len()), info.Size)
	assert.Equal(t, be(0), info.MinValue)
	assert.Equal(t, be(uint64((n-1)*2)), info.MaxValue)
	return buf.Bytes()
}

func openBytes(t *testing.T, data []byte, opts ...Option) *Segment {
	t.Helper()
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "seg", data))
	blob, err := store.Open(ctx, "seg")
	require.NoError(t, err)
	s, err := Open(ctx, blob, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSegment_GetAndRange(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			ctx := context.Background()
			s := openBytes(t, buildSegment(t, 1000, c))

			assert.Equal(t, uint64(1000), s.RowCount())
			assert.Equal(t, "keyset", s.Reducer())
			assert.Equal(t, c, s.Compression())

			out, ok, err := s.Get(ctx, be(500))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "key-250", string(out))

			_, ok, err = s.Get(ctx, be(501))
			require.NoError(t, err)
			assert.False(t, ok)

			_, ok, err = s.Get(ctx, be(1_000_000))
			require.NoError(t, err)
			assert.False(t, ok)

			var got []string
			for e, err := range s.Range(ctx, be(10), be(20)) {
				require.NoError(t, err)
				got = append(got, string(e.Output))
			}
			assert.Equal(t, []string{"key-5", "key-6", "key-7", "key-8", "key-9", "key-10"}, got)

			count := 0
			var prev []byte
			for e, err := range s.All(ctx) {
				require.NoError(t, err)
				if prev != nil {
					assert.Equal(t, 1, bytes.Compare(e.Value, prev))
				}
				prev = bytes.Clone(e.Value)
				count++
			}
			assert.Equal(t, 1000, count)
		})
	}
}

func TestSegment_EmptyRange(t *testing.T) {
	s := openBytes(t, buildSegment(t, 10, CompressionLZ4))

	for range s.Range(context.Background(), be(1000), nil) {
		t.Fatal("unexpected entry")
	}
}

func TestSegment_BlockCache(t *testing.T) {
	ctx := context.Background()
	c := cache.NewLRUBlockCache(1<<20, nil)
	s := openBytes(t, buildSegment(t, 100, CompressionLZ4), WithBlockCache(c), WithIdentity(7, "p/seg"))

	_, _, err := s.Get(ctx, be(0))
	require.NoError(t, err)
	_, _, err = s.Get(ctx, be(2))
	require.NoError(t, err)

	hits, misses := c.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestSegment_Advise(t *testing.T) {
	ctx := context.Background()
	data := buildSegment(t, 50, CompressionNone)

	store := blobstore.NewLocalStore(t.TempDir())
	w, err := store.Create(ctx, "seg")
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	blob, err := store.Open(ctx, "seg")
	require.NoError(t, err)
	mapped, err := Open(ctx, blob)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mapped.Close() })

	require.NoError(t, mapped.Advise(mmap.AccessSequential))
	n := 0
	for _, err := range mapped.All(ctx) {
		require.NoError(t, err)
		n++
	}
	assert.Equal(t, 50, n)

	// Blobs without a mapping ignore the hint.
	require.NoError(t, openBytes(t, data).Advise(mmap.AccessRandom))
}

func TestSegment_DetectsCorruption(t *testing.T) {
	data := buildSegment(t, 100, CompressionLZ4)
	data[HeaderSize+3] ^= 0xff

	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "seg", data))
	blob, err := store.Open(ctx, "seg")
	require.NoError(t, err)

	_, err = Open(ctx, blob)
	assert.ErrorIs(t, err, ErrChecksum)
}

func TestSegment_Truncated(t *testing.T) {
	data := buildSegment(t, 10, CompressionNone)

	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "seg", data[:len(data)-10]))
	blob, err := store.Open(ctx, "seg")
	require.NoError(t, err)

	_, err = Open(ctx, blob)
	assert.Error(t, err)
}

func TestWriter_RejectsViolations(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, WriterOptions{})
	require.NoError(t, err)

	require.NoError(t, w.Add([]byte("b"), []byte("1")))
	assert.ErrorIs(t, w.Add([]byte("a"), []byte("2")), ErrEncodingViolation)
	assert.ErrorIs(t, w.Add([]byte("b"), []byte("2")), ErrEncodingViolation)
	assert.ErrorIs(t, w.Add(nil, []byte("2")), ErrEncodingViolation)
	assert.ErrorIs(t, w.Add(make([]byte, MaxValueSize+1), nil), ErrEncodingViolation)
	assert.Equal(t, uint64(1), w.RowCount())
}

func TestSegment_LargeOutput(t *testing.T) {
	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZSTD} {
		t.Run(c.String(), func(t *testing.T) {
			ctx := context.Background()
			big := bytes.Repeat([]byte("0123456789abcdef"), 10_000)

			var buf bytes.Buffer
			w, err := NewWriter(&buf, WriterOptions{Compression: c, BlockSize: 512})
			require.NoError(t, err)
			require.NoError(t, w.Add([]byte("a"), []byte("small")))
			require.NoError(t, w.Add([]byte("hot"), big))
			require.NoError(t, w.Add([]byte("z"), []byte("after")))
			_, err = w.Finish()
			require.NoError(t, err)

			s := openBytes(t, buf.Bytes())
			out, ok, err := s.Get(ctx, []byte("hot"))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, big, out)

			out, ok, err = s.Get(ctx, []byte("z"))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "after", string(out))

			var sizes []int
			for e, err := range s.All(ctx) {
				require.NoError(t, err)
				sizes = append(sizes, len(e.Output))
			}
			assert.Equal(t, []int{5, len(big), 5}, sizes)
		})
	}
}

func TestWriter_EmptySegment(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, WriterOptions{})
	require.NoError(t, err)

	_, err = w.Finish()
	assert.ErrorIs(t, err, ErrEncodingViolation)
}

func TestFileName_SortsByGeneration(t *testing.T) {
	assert.Less(t, FileName(9, 100), FileName(10, 1))
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("zstd")
	require.NoError(t, err)
	assert.Equal(t, CompressionZSTD, c)

	_, err = ParseCompression("snappy")
	assert.Error(t, err)
}
