// Package backendtest is a conformance suite for backend implementations.
package backendtest

import (
	"context"
	"fmt"
	"testing"

	"github.com/hupe1980/dualkv/backend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises b against the backend.Backend contract. open must return a
// fresh, empty backend; Run closes it.
func Run(t *testing.T, open func(t *testing.T) backend.Backend) {
	t.Run("PutGet", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		ctx := context.Background()

		require.NoError(t, b.Put(ctx, []backend.KV{{Key: []byte("a"), Value: []byte("1")}}))
		v, err := b.Get(ctx, []byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)

		_, err = b.Get(ctx, []byte("b"))
		assert.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("OverwriteAndDelete", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		ctx := context.Background()

		require.NoError(t, b.Put(ctx, []backend.KV{
			{Key: []byte("k"), Value: []byte("old")},
			{Key: []byte("k"), Value: []byte("new")},
		}))
		v, err := b.Get(ctx, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), v)

		require.NoError(t, b.Put(ctx, []backend.KV{{Key: []byte("k")}}))
		_, err = b.Get(ctx, []byte("k"))
		assert.ErrorIs(t, err, backend.ErrNotFound)
	})

	t.Run("GetReturnsCopy", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		ctx := context.Background()

		require.NoError(t, b.Put(ctx, []backend.KV{{Key: []byte("k"), Value: []byte("value")}}))
		v, err := b.Get(ctx, []byte("k"))
		require.NoError(t, err)
		v[0] = 'X'

		v2, err := b.Get(ctx, []byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("value"), v2)
	})

	t.Run("RangeOrderAndBounds", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		ctx := context.Background()

		var batch []backend.KV
		for i := 999; i >= 0; i-- {
			batch = append(batch, backend.KV{Key: []byte(fmt.Sprintf("key-%04d", i)), Value: []byte(fmt.Sprint(i))})
		}
		require.NoError(t, b.Put(ctx, batch))

		keys := collect(t, b, []byte("key-0100"), []byte("key-0200"))
		require.Len(t, keys, 100)
		assert.Equal(t, "key-0100", keys[0])
		assert.Equal(t, "key-0199", keys[99])
		for i := 1; i < len(keys); i++ {
			assert.Less(t, keys[i-1], keys[i])
		}

		assert.Len(t, collect(t, b, nil, nil), 1000)
		assert.Len(t, collect(t, b, []byte("key-0990"), nil), 10)
		assert.Empty(t, collect(t, b, []byte("z"), nil))
	})

	t.Run("RangeRestartableAndBreak", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		ctx := context.Background()

		for i := range 10 {
			require.NoError(t, b.Put(ctx, []backend.KV{{Key: []byte{byte(i)}, Value: []byte{byte(i)}}}))
		}

		seq := b.Range(ctx, nil, nil)
		n := 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
			if n == 3 {
				break
			}
		}
		assert.Equal(t, 3, n)

		n = 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
		}
		assert.Equal(t, 10, n)
	})

	t.Run("RangeSeesWritesBetweenChunks", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		ctx := context.Background()

		require.NoError(t, b.Put(ctx, []backend.KV{{Key: []byte("a"), Value: []byte("1")}}))
		for kv, err := range b.Range(ctx, nil, nil) {
			require.NoError(t, err)
			// Writing while iterating must not deadlock.
			require.NoError(t, b.Put(ctx, []backend.KV{{Key: append([]byte("b"), kv.Key...), Value: []byte("2")}}))
			break
		}
	})

	t.Run("Flush", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		ctx := context.Background()

		require.NoError(t, b.Put(ctx, []backend.KV{{Key: []byte("a"), Value: []byte("1")}}))
		require.NoError(t, b.Flush(ctx))
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		b := open(t)
		defer b.Close()
		require.NoError(t, b.Put(context.Background(), nil))
	})
}

func collect(t *testing.T, b backend.Backend, start, end []byte) []string {
	t.Helper()
	var keys []string
	for kv, err := range b.Range(context.Background(), start, end) {
		require.NoError(t, err)
		keys = append(keys, string(kv.Key))
	}
	return keys
}
