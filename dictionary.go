package dualkv

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sync"

	"github.com/hupe1980/dualkv/internal/cache"
	"github.com/hupe1980/dualkv/internal/ingest"
	"github.com/hupe1980/dualkv/internal/resource"
)

// ErrUnknownColumn is returned for a column name the dictionary does not
// hold.
var ErrUnknownColumn = errors.New("dualkv: unknown column")

// ColumnSpec declares one column of a Dictionary. Options are applied after
// the dictionary-wide options.
type ColumnSpec struct {
	Name    string
	Options []Option
}

// Dictionary is a set of independent columns under one directory. The
// columns share the ingestion worker pool, the resource controller and the
// block cache.
type Dictionary struct {
	dir     string
	logger  *Logger
	columns map[string]*Column
	names   []string
	pool    *ingest.WorkerPool
	cache   cache.BlockCache

	closeOnce sync.Once
	closeErr  error
}

// DictionaryOption configures the resources shared by a Dictionary.
type DictionaryOption func(*dictionaryOptions)

type dictionaryOptions struct {
	ingestWorkers int
}

// WithIngestWorkers sizes the shared ingestion pool. Defaults to
// GOMAXPROCS.
func WithIngestWorkers(n int) DictionaryOption {
	return func(o *dictionaryOptions) {
		o.ingestWorkers = n
	}
}

// OpenDictionary opens or creates the columns in specs under dir, each in
// <dir>/<name>. optFns apply to every column; the memory budget is split
// evenly between them.
func OpenDictionary(ctx context.Context, dir string, specs []ColumnSpec, optFns []Option, dictFns ...DictionaryOption) (*Dictionary, error) {
	if len(specs) == 0 {
		return nil, errors.New("dualkv: dictionary needs at least one column")
	}
	var do dictionaryOptions
	for _, fn := range dictFns {
		fn(&do)
	}

	shared := applyOptions(optFns)
	rc := resource.NewController(resource.Config{
		MemoryLimitBytes:     shared.memoryBudget,
		MaxBackgroundWorkers: int64(shared.bgWorkers),
		IOLimitBytesPerSec:   shared.ioLimit,
	})
	bc := cache.NewShardedLRUBlockCache(shared.memoryBudget/4, rc)

	d := &Dictionary{
		dir:     dir,
		logger:  shared.logger,
		columns: make(map[string]*Column, len(specs)),
		pool:    ingest.NewWorkerPool(do.ingestWorkers),
		cache:   bc,
	}

	var mu sync.Mutex
	tasks := make([]func() error, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" || filepath.Base(spec.Name) != spec.Name {
			d.abort()
			return nil, fmt.Errorf("dualkv: invalid column name %q", spec.Name)
		}
		if slices.Contains(d.names, spec.Name) {
			d.abort()
			return nil, fmt.Errorf("dualkv: duplicate column %q", spec.Name)
		}
		d.names = append(d.names, spec.Name)

		o := applyOptions(append(slices.Clone(optFns), spec.Options...))
		o.memoryBudget = shared.memoryBudget / int64(len(specs))
		o.resource = rc
		o.cache = bc
		o.cacheNamespace = spec.Name
		name := spec.Name
		tasks = append(tasks, func() error {
			col, err := openColumn(ctx, name, filepath.Join(dir, name), o)
			if err != nil {
				return fmt.Errorf("column %s: %w", name, err)
			}
			mu.Lock()
			d.columns[name] = col
			mu.Unlock()
			return nil
		})
	}
	if err := d.pool.Run(ctx, tasks...); err != nil {
		d.abort()
		return nil, err
	}

	d.logger.InfoContext(ctx, "dictionary opened", "dir", dir, "columns", d.names, "ingest_workers", d.pool.Size())
	return d, nil
}

func (d *Dictionary) abort() {
	for _, col := range d.columns {
		_ = col.closeWithoutSeal()
	}
	d.pool.Close()
	_ = d.cache.Close()
}

// Columns returns the column names in declaration order.
func (d *Dictionary) Columns() []string { return slices.Clone(d.names) }

// Column returns the named column.
func (d *Dictionary) Column(name string) (*Column, error) {
	col, ok := d.columns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
	}
	return col, nil
}

// Write commits one batch per column in parallel on the shared pool and
// returns the sequence number of every committed batch. Batches are
// independent: a failure in one column does not roll back the others.
func (d *Dictionary) Write(ctx context.Context, batches map[string][]Record) (map[string]uint64, error) {
	for name := range batches {
		if _, ok := d.columns[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, name)
		}
	}

	var mu sync.Mutex
	seqs := make(map[string]uint64, len(batches))
	tasks := make([]func() error, 0, len(batches))
	for _, name := range slices.Sorted(maps.Keys(batches)) {
		col, records := d.columns[name], batches[name]
		tasks = append(tasks, func() error {
			seq, err := col.Write(ctx, records...)
			if seq > 0 {
				mu.Lock()
				seqs[name] = seq
				mu.Unlock()
			}
			if err != nil {
				return fmt.Errorf("column %s: %w", name, err)
			}
			return nil
		})
	}
	return seqs, d.pool.Run(ctx, tasks...)
}

// Flush flushes every column in parallel.
func (d *Dictionary) Flush(ctx context.Context) error {
	return d.each(ctx, func(col *Column) error { return col.Flush(ctx) })
}

// Compact fully merges every column in parallel.
func (d *Dictionary) Compact(ctx context.Context) error {
	return d.each(ctx, func(col *Column) error { return col.Compact(ctx) })
}

// Stats returns the stats of every column.
func (d *Dictionary) Stats() map[string]Stats {
	out := make(map[string]Stats, len(d.columns))
	for name, col := range d.columns {
		out[name] = col.Stats()
	}
	return out
}

func (d *Dictionary) each(ctx context.Context, fn func(*Column) error) error {
	tasks := make([]func() error, 0, len(d.names))
	for _, name := range d.names {
		col := d.columns[name]
		tasks = append(tasks, func() error {
			if err := fn(col); err != nil {
				return fmt.Errorf("column %s: %w", name, err)
			}
			return nil
		})
	}
	return d.pool.Run(ctx, tasks...)
}

// Close closes every column, then the shared pool and cache.
func (d *Dictionary) Close(ctx context.Context) error {
	d.closeOnce.Do(func() {
		var errs []error
		for _, name := range d.names {
			errs = append(errs, d.columns[name].Close(ctx))
		}
		d.pool.Close()
		errs = append(errs, d.cache.Close())
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}
