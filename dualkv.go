package dualkv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"sync"

	"github.com/hupe1980/dualkv/backend"
	"github.com/hupe1980/dualkv/blobstore"
	"github.com/hupe1980/dualkv/internal/builder"
	"github.com/hupe1980/dualkv/internal/cache"
	"github.com/hupe1980/dualkv/internal/coordinator"
	"github.com/hupe1980/dualkv/internal/primary"
	"github.com/hupe1980/dualkv/internal/resource"
	"github.com/hupe1980/dualkv/reducer"
)

// Record is a single write. An empty Value deletes the key. Payload feeds
// the reducer; Tag steers tag-based partitioners.
type Record = primary.Record

// Envelope is the stored form of a live value.
type Envelope = primary.Envelope

// Entry is a live key with its envelope.
type Entry = primary.Entry

// KV is a plain key-value pair.
type KV = backend.KV

// ValueEntry is one result of a value range scan: the value, the key or
// aggregate it maps to and the partition that holds it.
type ValueEntry = coordinator.ValueEntry

// Stats describes a column and the lag of each partition.
type Stats = coordinator.Stats

// PartitionStats describes one partition.
type PartitionStats = coordinator.PartitionStats

// BatchState is the index state of a committed batch.
type BatchState = coordinator.BatchState

const (
	Received         = coordinator.Received
	PrimaryCommitted = coordinator.PrimaryCommitted
	IndexBuffered    = coordinator.IndexBuffered
	IndexDurable     = coordinator.IndexDurable
	IndexLost        = coordinator.IndexLost
)

// Column is a key-value store with a secondary index from values back to
// keys. Writes land in the primary store first and reach the index through
// per-partition buffers that are sealed into immutable segments.
type Column struct {
	name    string
	dir     string
	coord   *coordinator.Coordinator
	reducer reducer.Reducer
	logger  *Logger

	ownCache  cache.BlockCache
	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates a column rooted at dir. The primary store lives in
// <dir>/primary and the index in <dir>/index unless WithBlobStore is given.
//
//	col, err := dualkv.Open(ctx, "./accounts",
//	    dualkv.WithPartitioner(partition.TopBits(4)),
//	    dualkv.WithReducer(reducer.KeySet{}))
func Open(ctx context.Context, dir string, optFns ...Option) (*Column, error) {
	return openColumn(ctx, "", dir, applyOptions(optFns))
}

func openColumn(ctx context.Context, name, dir string, o options) (*Column, error) {
	if o.memoryBudget <= 0 {
		o.memoryBudget = DefaultMemoryBudget
	}
	logger := o.logger
	if name != "" {
		logger = logger.WithColumn(name)
	}

	rc := o.resource
	if rc == nil {
		rc = resource.NewController(resource.Config{
			MemoryLimitBytes:     o.memoryBudget,
			MaxBackgroundWorkers: int64(o.bgWorkers),
			IOLimitBytesPerSec:   o.ioLimit,
		})
	}
	col := &Column{name: name, dir: dir, reducer: o.reducer, logger: logger}
	bc := o.cache
	if bc == nil {
		bc = cache.NewShardedLRUBlockCache(o.memoryBudget/4, rc)
		col.ownCache = bc
	}

	store := o.store
	switch store.(type) {
	case nil:
		store = blobstore.NewLocalStore(filepath.Join(dir, "index"))
	case *blobstore.LocalStore, *blobstore.MemoryStore, *blobstore.CachingStore:
	default:
		store = blobstore.NewCachingStore(store, bc, o.remoteBlock)
	}

	b, err := o.opener(filepath.Join(dir, "primary"), backend.Config{
		MemoryBudget: o.memoryBudget / 4,
		Sync:         o.syncWrites,
		Logger:       logger.Logger,
	})
	if err != nil {
		col.closeCache()
		return nil, fmt.Errorf("dualkv: open backend: %w", err)
	}
	ps, err := primary.Open(ctx, b)
	if err != nil {
		_ = b.Close()
		col.closeCache()
		return nil, translateError(err)
	}

	sealRows := o.sealRows
	if sealRows == 0 && o.sealBytes == 0 {
		avg := o.avgRecordSize
		if avg <= 0 {
			avg = defaultAvgRecordSize
		}
		sealRows = builder.SegmentRows(o.expectedRows, avg, o.memoryBudget/2, len(o.partitioner.Names()))
	}

	col.coord, err = coordinator.Open(ctx, coordinator.Config{
		Primary:        ps,
		Store:          store,
		Partitioner:    o.partitioner,
		Reducer:        o.reducer,
		Cache:          bc,
		CacheNamespace: o.cacheNamespace,
		Compression:    o.compression,
		BlockSize:      o.blockSize,
		SealRows:       sealRows,
		SealBytes:      o.sealBytes,
		Resource:       rc,
		Workers:        o.workers,
		DefaultWorkers: o.defaultWorkers,
		MergeThreshold: o.mergeThreshold,
		DisablePruning: o.disablePruning,
		LagPolicy:      o.lagPolicy,
		MaxLag:         o.maxLag,
		AutoRebuild:    o.autoRebuild,
		Logger:         logger.Logger,
		Metrics:        loggingObserver{logger: logger, next: o.metrics},
	})
	if err != nil {
		_ = ps.Close()
		col.closeCache()
		return nil, translateError(err)
	}

	logger.InfoContext(ctx, "column opened",
		"dir", dir,
		"partitions", len(o.partitioner.Names()),
		"reducer", reducer.NameOf(o.reducer),
		"committed_seq", ps.LastSeq(),
	)
	return col, nil
}

func (c *Column) closeCache() {
	if c.ownCache != nil {
		_ = c.ownCache.Close()
	}
}

// Name returns the column name within its dictionary, or "" for a
// standalone column.
func (c *Column) Name() string { return c.name }

// Dir returns the column's root directory.
func (c *Column) Dir() string { return c.dir }

// Partitions returns the index partition names.
func (c *Column) Partitions() []string { return c.coord.Partitions() }

// Put stores value under key and returns the batch sequence number.
func (c *Column) Put(ctx context.Context, key, value []byte) (uint64, error) {
	return c.Write(ctx, Record{Key: key, Value: value})
}

// Delete removes key. Deleting a missing key still consumes a sequence
// number.
func (c *Column) Delete(ctx context.Context, key []byte) (uint64, error) {
	return c.Write(ctx, Record{Key: key})
}

// PutBatch stores kvs as one batch.
func (c *Column) PutBatch(ctx context.Context, kvs []KV) (uint64, error) {
	records := make([]Record, len(kvs))
	for i, kv := range kvs {
		records[i] = Record{Key: kv.Key, Value: kv.Value}
	}
	return c.Write(ctx, records...)
}

// Write commits records atomically as one batch. Within a batch the last
// record for a key wins. The sequence number is returned whenever the
// primary commit succeeded, even if the index reported an error.
func (c *Column) Write(ctx context.Context, records ...Record) (uint64, error) {
	seq, err := c.coord.Write(ctx, records)
	return seq, translateError(err)
}

// Get returns the entry stored under key or ErrNotFound.
func (c *Column) Get(ctx context.Context, key []byte) (Entry, error) {
	env, err := c.coord.Get(ctx, key)
	if err != nil {
		return Entry{}, translateError(err)
	}
	return Entry{Key: key, Envelope: env}, nil
}

// Range yields live keys with start <= key < end in key order. A nil end is
// unbounded.
func (c *Column) Range(ctx context.Context, start, end []byte) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for e, err := range c.coord.Range(ctx, start, end) {
			if !yield(e, translateError(err)) || err != nil {
				return
			}
		}
	}
}

// Lookup returns the key (or, with a reducer, the aggregate) stored for
// value. Only sealed pairs are visible; see WithLagPolicy.
func (c *Column) Lookup(ctx context.Context, value []byte) ([]byte, bool, error) {
	return c.LookupTag(ctx, value, nil)
}

// LookupTag is Lookup for partitioners that route by tag.
func (c *Column) LookupTag(ctx context.Context, value, tag []byte) ([]byte, bool, error) {
	out, ok, err := c.coord.Lookup(ctx, value, tag)
	return out, ok, translateError(err)
}

// LookupKeys returns the keys mapped to value. Without a reducer it returns
// at most one key; with a reducer the reducer must list keys.
func (c *Column) LookupKeys(ctx context.Context, value, tag []byte) ([][]byte, error) {
	out, ok, err := c.coord.Lookup(ctx, value, tag)
	if err != nil && !errors.Is(err, ErrCatchingUp) {
		return nil, translateError(err)
	}
	if !ok {
		return nil, err
	}
	if c.reducer == nil {
		return [][]byte{out}, err
	}
	kl, isLister := c.reducer.(reducer.KeyLister)
	if !isLister {
		return nil, fmt.Errorf("%w: %s", ErrNoKeyLister, c.reducer.Name())
	}
	keys, kerr := kl.Keys(out)
	if kerr != nil {
		return nil, kerr
	}
	return keys, err
}

// RangeValues yields the pairs of all partitions with start <= value <= end
// in value order. Nil bounds are open.
func (c *Column) RangeValues(ctx context.Context, start, end []byte) iter.Seq2[ValueEntry, error] {
	return c.coord.RangeValues(ctx, start, end)
}

// RangePartition yields the pairs of one partition with
// start <= value <= end in value order.
func (c *Column) RangePartition(ctx context.Context, name string, start, end []byte) iter.Seq2[ValueEntry, error] {
	return c.coord.RangePartition(ctx, name, start, end)
}

// Flush makes acknowledged writes durable and seals every partition buffer.
func (c *Column) Flush(ctx context.Context) error {
	return translateError(c.coord.Flush(ctx))
}

// Compact flushes and merges every partition into a single segment.
func (c *Column) Compact(ctx context.Context) error {
	return translateError(c.coord.Compact(ctx))
}

// MergePartition runs the level policy on one partition until nothing is
// left to merge.
func (c *Column) MergePartition(ctx context.Context, name string) error {
	return translateError(c.coord.MergePartition(ctx, name))
}

// Rebuild discards a partition's segments and rebuilds them from the
// primary store. Writes wait for the rebuild to finish.
func (c *Column) Rebuild(ctx context.Context, partition string) error {
	err := c.coord.Rebuild(ctx, partition)
	c.logger.LogRebuild(ctx, partition, c.coord.Epoch(), err)
	return translateError(err)
}

// State returns the index state of the batch with sequence number seq.
func (c *Column) State(seq uint64) BatchState { return c.coord.State(seq) }

// Stats returns a point-in-time description of the column.
func (c *Column) Stats() Stats { return c.coord.Stats() }

// Close seals all buffers and closes the column. Subsequent calls return
// the first result.
func (c *Column) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.closeErr = c.coord.Close(ctx)
		c.closeCache()
	})
	return translateError(c.closeErr)
}

// closeWithoutSeal closes the column the way a crash would leave it.
func (c *Column) closeWithoutSeal() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.coord.CloseUnsealed()
		c.closeCache()
	})
	return c.closeErr
}
