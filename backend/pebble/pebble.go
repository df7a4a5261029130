// Package pebble provides an LSM backend on cockroachdb/pebble.
package pebble

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"

	"github.com/cockroachdb/pebble/v2"
	"github.com/hupe1980/dualkv/backend"
)

const defaultMemoryBudget = 256 << 20

// Backend is a backend.Backend backed by a pebble database.
type Backend struct {
	db     *pebble.DB
	sync   *pebble.WriteOptions
	closed atomic.Bool
}

var _ backend.Backend = (*Backend)(nil)

// Open opens or creates a pebble database in path. Half the memory budget
// goes to the block cache and a quarter to each memtable.
func Open(path string, cfg backend.Config) (backend.Backend, error) {
	budget := cfg.MemoryBudget
	if budget <= 0 {
		budget = defaultMemoryBudget
	}

	cache := pebble.NewCache(budget / 2)
	defer cache.Unref()

	opts := &pebble.Options{
		Cache:                 cache,
		MemTableSize:          uint64(max(budget/4, 4<<20)),
		L0CompactionThreshold: 6,
		L0StopWritesThreshold: 12,
		MaxOpenFiles:          5000,
		FormatMajorVersion:    pebble.FormatColumnarBlocks,
	}
	if cfg.Logger != nil {
		opts.Logger = &logger{l: cfg.Logger}
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	b := &Backend{db: db, sync: pebble.NoSync}
	if cfg.Sync {
		b.sync = pebble.Sync
	}
	return b, nil
}

func (b *Backend) Put(_ context.Context, kvs []backend.KV) error {
	if b.closed.Load() {
		return backend.ErrClosed
	}
	if len(kvs) == 0 {
		return nil
	}
	batch := b.db.NewBatch()
	defer batch.Close()

	for _, kv := range kvs {
		var err error
		if kv.Value == nil {
			err = batch.Delete(kv.Key, nil)
		} else {
			err = batch.Set(kv.Key, kv.Value, nil)
		}
		if err != nil {
			return err
		}
	}
	return batch.Commit(b.sync)
}

func (b *Backend) Get(_ context.Context, key []byte) ([]byte, error) {
	if b.closed.Load() {
		return nil, backend.ErrClosed
	}
	v, closer, err := b.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(v), nil
}

func (b *Backend) Range(ctx context.Context, start, end []byte) iter.Seq2[backend.KV, error] {
	return func(yield func(backend.KV, error) bool) {
		if b.closed.Load() {
			yield(backend.KV{}, backend.ErrClosed)
			return
		}
		it, err := b.db.NewIter(&pebble.IterOptions{
			LowerBound: start,
			UpperBound: end,
			KeyTypes:   pebble.IterKeyTypePointsOnly,
		})
		if err != nil {
			yield(backend.KV{}, err)
			return
		}
		defer it.Close()

		for valid := it.First(); valid; valid = it.Next() {
			if err := ctx.Err(); err != nil {
				yield(backend.KV{}, err)
				return
			}
			v, err := it.ValueAndErr()
			if err != nil {
				yield(backend.KV{}, err)
				return
			}
			if !yield(backend.KV{Key: bytes.Clone(it.Key()), Value: bytes.Clone(v)}, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(backend.KV{}, err)
		}
	}
}

func (b *Backend) Flush(context.Context) error {
	if b.closed.Load() {
		return backend.ErrClosed
	}
	return b.db.Flush()
}

// Metrics returns pebble's internal metrics.
func (b *Backend) Metrics() *pebble.Metrics {
	return b.db.Metrics()
}

func (b *Backend) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.db.Close()
}

// logger adapts slog to pebble.Logger.
type logger struct {
	l *slog.Logger
}

func (l *logger) Infof(format string, args ...any) {
	l.l.Debug(fmt.Sprintf(format, args...), "component", "pebble")
}

func (l *logger) Errorf(format string, args ...any) {
	l.l.Error(fmt.Sprintf(format, args...), "component", "pebble")
}

func (l *logger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	l.l.Error(msg, "component", "pebble", "fatal", true)
	panic(msg)
}
