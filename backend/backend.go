// Package backend defines the storage engine contract behind the primary
// key-value store.
//
// The primary store delegates durability to a Backend. Implementations
// ship in subpackages: pebble (LSM), sqlite (B-tree) and memory (ordered
// in-memory B-tree, no durability).
package backend

import (
	"context"
	"errors"
	"iter"
	"log/slog"
)

var (
	// ErrNotFound is returned by Get for missing keys.
	ErrNotFound = errors.New("backend: not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("backend: closed")
)

// KV is a key-value pair. In a Put batch a nil Value deletes the key.
type KV struct {
	Key   []byte
	Value []byte
}

// Backend is an ordered, durable key-value engine.
type Backend interface {
	// Put applies the batch atomically: after a crash either every entry is
	// visible or none is.
	Put(ctx context.Context, batch []KV) error
	// Get returns a copy of the value stored under key or ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)
	// Range yields pairs with start <= key < end in key order. A nil end is
	// unbounded. The sequence is lazy and may be iterated again; yielded
	// slices are owned by the caller.
	Range(ctx context.Context, start, end []byte) iter.Seq2[KV, error]
	// Flush persists all acknowledged writes.
	Flush(ctx context.Context) error
	Close() error
}

// Config is passed to an Opener.
type Config struct {
	// MemoryBudget bounds caches and write buffers in bytes. 0 selects the
	// engine default.
	MemoryBudget int64
	// Sync makes every Put durable before it returns.
	Sync bool
	// Logger receives engine diagnostics.
	Logger *slog.Logger
}

// Opener opens or creates a backend rooted at path.
type Opener func(path string, cfg Config) (Backend, error)

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when none exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
