// Package memory provides an ordered in-memory backend built on a B-tree.
// It is not durable: data lives only as long as the Backend.
package memory

import (
	"bytes"
	"context"
	"iter"
	"sync"

	"github.com/google/btree"
	"github.com/hupe1980/dualkv/backend"
)

const rangeChunk = 256

// Backend is an in-memory backend.Backend.
type Backend struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[backend.KV]
	closed bool
}

var _ backend.Backend = (*Backend)(nil)

func less(a, b backend.KV) bool {
	return bytes.Compare(a.Key, b.Key) < 0
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{tree: btree.NewG(32, less)}
}

// Open satisfies backend.Opener. The path is ignored.
func Open(_ string, _ backend.Config) (backend.Backend, error) {
	return New(), nil
}

func (b *Backend) Put(_ context.Context, batch []backend.KV) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return backend.ErrClosed
	}
	for _, kv := range batch {
		key := bytes.Clone(kv.Key)
		if kv.Value == nil {
			b.tree.Delete(backend.KV{Key: key})
			continue
		}
		b.tree.ReplaceOrInsert(backend.KV{Key: key, Value: bytes.Clone(kv.Value)})
	}
	return nil
}

func (b *Backend) Get(_ context.Context, key []byte) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, backend.ErrClosed
	}
	kv, ok := b.tree.Get(backend.KV{Key: key})
	if !ok {
		return nil, backend.ErrNotFound
	}
	return bytes.Clone(kv.Value), nil
}

// Range reads in chunks so that no lock is held while the caller runs.
func (b *Backend) Range(ctx context.Context, start, end []byte) iter.Seq2[backend.KV, error] {
	return func(yield func(backend.KV, error) bool) {
		from := bytes.Clone(start)
		for {
			if err := ctx.Err(); err != nil {
				yield(backend.KV{}, err)
				return
			}
			chunk, err := b.chunk(from, end)
			if err != nil {
				yield(backend.KV{}, err)
				return
			}
			for _, kv := range chunk {
				if !yield(kv, nil) {
					return
				}
			}
			if len(chunk) < rangeChunk {
				return
			}
			from = append(bytes.Clone(chunk[len(chunk)-1].Key), 0)
		}
	}
}

func (b *Backend) chunk(from, end []byte) ([]backend.KV, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, backend.ErrClosed
	}
	out := make([]backend.KV, 0, rangeChunk)
	b.tree.AscendGreaterOrEqual(backend.KV{Key: from}, func(kv backend.KV) bool {
		if end != nil && bytes.Compare(kv.Key, end) >= 0 {
			return false
		}
		out = append(out, backend.KV{Key: bytes.Clone(kv.Key), Value: bytes.Clone(kv.Value)})
		return len(out) < rangeChunk
	})
	return out, nil
}

// Len returns the number of stored keys.
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tree.Len()
}

func (b *Backend) Flush(context.Context) error { return nil }

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.tree.Clear(false)
	return nil
}
