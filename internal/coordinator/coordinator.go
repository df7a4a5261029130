package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/dualkv/blobstore"
	"github.com/hupe1980/dualkv/internal/cache"
	"github.com/hupe1980/dualkv/internal/index"
	"github.com/hupe1980/dualkv/internal/merge"
	"github.com/hupe1980/dualkv/internal/primary"
	"github.com/hupe1980/dualkv/internal/resource"
	"github.com/hupe1980/dualkv/internal/segment"
	"github.com/hupe1980/dualkv/partition"
	"github.com/hupe1980/dualkv/reducer"
)

var (
	// ErrCatchingUp is returned next to results when a partition's index lag
	// exceeds the configured maximum under LagSignal.
	ErrCatchingUp = errors.New("coordinator: index catching up")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordinator: closed")
	// ErrUnknownPartition is returned for a partition name the partitioner
	// does not define.
	ErrUnknownPartition = partition.ErrUnknownPartition
)

// Config configures a Coordinator.
type Config struct {
	Primary *primary.Store
	// Store holds the index; partition p lives under the prefix p.
	Store       blobstore.BlobStore
	Partitioner partition.Partitioner
	Reducer     reducer.Reducer

	Cache cache.BlockCache
	// CacheNamespace separates this column's blocks in a shared cache.
	CacheNamespace string
	Compression    segment.Compression
	BlockSize      int
	SealRows       int
	SealBytes      int64

	Resource       *resource.Controller
	Workers        map[string]int
	DefaultWorkers int
	MergeThreshold int
	// DisablePruning keeps stale pairs during merges.
	DisablePruning bool

	LagPolicy LagPolicy
	MaxLag    uint64
	// AutoRebuild rebuilds corrupt partitions during Open.
	AutoRebuild bool

	Logger  *slog.Logger
	Metrics MetricsObserver
}

// Coordinator applies writes to the primary store and the index partitions
// of one column.
type Coordinator struct {
	cfg     Config
	logger  *slog.Logger
	metrics MetricsObserver
	primary *primary.Store

	parts  []*index.Partition
	byName map[string]int
	sched  *merge.Scheduler

	// routeMu is held shared by writers from commit to routing and
	// exclusively by Rebuild.
	routeMu sync.RWMutex

	// Routing tickets: a batch routes once routed == seq-1.
	ticketMu   sync.Mutex
	ticketCond *sync.Cond
	routed     atomic.Uint64

	epoch  atomic.Uint64
	closed atomic.Bool
}

// Open opens the index partitions, replays primary records the index has
// not sealed yet and starts background merging.
func Open(ctx context.Context, cfg Config) (*Coordinator, error) {
	if cfg.Primary == nil || cfg.Store == nil || cfg.Partitioner == nil {
		return nil, errors.New("coordinator: primary store, blob store and partitioner are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NoopMetricsObserver{}
	}

	c := &Coordinator{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		primary: cfg.Primary,
		byName:  make(map[string]int),
	}
	c.ticketCond = sync.NewCond(&c.ticketMu)

	for i, name := range cfg.Partitioner.Names() {
		ns := name
		if cfg.CacheNamespace != "" {
			ns = cfg.CacheNamespace + "/" + name
		}
		p, err := index.Open(ctx, index.Options{
			Name:           name,
			Store:          blobstore.Prefixed(cfg.Store, name),
			CacheNamespace: ns,
			Reducer:        cfg.Reducer,
			Cache:          cfg.Cache,
			Compression:    cfg.Compression,
			BlockSize:      cfg.BlockSize,
			SealRows:       cfg.SealRows,
			SealBytes:      cfg.SealBytes,
			Resource:       cfg.Resource,
			Routed:         c.routed.Load,
			Logger:         logger,
		})
		if err != nil {
			c.closePartitions()
			return nil, err
		}
		c.parts = append(c.parts, p)
		c.byName[name] = i
	}

	var live merge.LiveFunc
	if !cfg.DisablePruning {
		live = c.live
	}
	c.sched = merge.New(c.parts, merge.Options{
		Policy:         merge.LevelPolicy{Threshold: cfg.MergeThreshold},
		Workers:        cfg.Workers,
		DefaultWorkers: cfg.DefaultWorkers,
		Resource:       cfg.Resource,
		Live:           live,
		Logger:         logger,
		OnMerge: func(r merge.Result) {
			c.metrics.OnMerge(r.Partition, r.Level, r.Inputs, r.Rows, r.Duration, r.Err)
		},
	})

	if err := c.recover(ctx); err != nil {
		c.closePartitions()
		return nil, err
	}
	if cfg.AutoRebuild {
		for _, p := range c.parts {
			if p.Err() == nil {
				continue
			}
			if err := c.Rebuild(ctx, p.Name()); err != nil {
				c.closePartitions()
				return nil, err
			}
		}
	}

	c.sched.Start()
	for _, p := range c.parts {
		c.sched.Notify(p.Name())
	}
	return c, nil
}

func (c *Coordinator) closePartitions() {
	for _, p := range c.parts {
		_ = p.Close()
	}
}

// recover replays, for every healthy partition P, the primary records with
// seq > DurableSeq(P). Replay walks the primary store in key order, so the
// routed watermark stays at the lowest DurableSeq until replay completes;
// seals during replay can then never claim pairs that are still to come.
func (c *Coordinator) recover(ctx context.Context) error {
	last := c.primary.LastSeq()
	floors := make([]uint64, len(c.parts))
	lowest := last
	for i, p := range c.parts {
		if p.Err() != nil {
			floors[i] = last
			continue
		}
		floors[i] = min(p.PersistedDurableSeq(), last)
		lowest = min(lowest, floors[i])
	}
	c.routed.Store(lowest)

	if lowest < last {
		start := time.Now()
		replayed := make([]uint64, len(c.parts))
		for e, err := range c.primary.Since(ctx, lowest) {
			if err != nil {
				return err
			}
			rec := primary.Record{Key: e.Key, Value: e.Value, Payload: e.Payload, Tag: e.Tag}
			full, err := c.route(e.Seq, []primary.Record{rec}, floors, replayed)
			if err != nil {
				return err
			}
			if err := c.sealFull(ctx, full); err != nil {
				return err
			}
		}
		for i, p := range c.parts {
			if floors[i] < last {
				c.metrics.OnRecovery(p.Name(), replayed[i], time.Since(start), nil)
			}
		}
	}

	c.routed.Store(last)
	return nil
}

// Partitions returns the partition names in index order.
func (c *Coordinator) Partitions() []string {
	return c.cfg.Partitioner.Names()
}

// Partition returns the named partition.
func (c *Coordinator) Partition(name string) (*index.Partition, error) {
	i, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPartition, name)
	}
	return c.parts[i], nil
}

// Epoch counts completed and running rebuilds.
func (c *Coordinator) Epoch() uint64 { return c.epoch.Load() }

// RoutedSeq returns the highest sequence routed to the index.
func (c *Coordinator) RoutedSeq() uint64 { return c.routed.Load() }

// validate rejects records the index could not accept before anything is
// committed.
func (c *Coordinator) validate(records []primary.Record) error {
	for _, r := range records {
		if len(r.Value) == 0 {
			continue
		}
		if len(r.Value) > segment.MaxValueSize {
			return fmt.Errorf("%w: value of %d bytes exceeds %d", segment.ErrEncodingViolation, len(r.Value), segment.MaxValueSize)
		}
		if _, err := c.cfg.Partitioner.Assign(r.Value, r.Tag); err != nil {
			return err
		}
		if c.cfg.Reducer != nil {
			if _, err := c.cfg.Reducer.Init(r.Key, r.Payload, 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// Write commits records as one batch and routes their pairs to the index.
// The returned sequence number is valid whenever the primary commit
// succeeded, even if a subsequent seal failed; the failed buffer is kept
// for the next seal.
func (c *Coordinator) Write(ctx context.Context, records []primary.Record) (seq uint64, err error) {
	start := time.Now()
	defer func() {
		c.metrics.OnWrite(len(records), seq, time.Since(start), err)
	}()

	if c.closed.Load() {
		return 0, ErrClosed
	}
	if len(records) == 0 {
		return c.primary.LastSeq(), nil
	}
	if err := c.validate(records); err != nil {
		return 0, err
	}

	c.routeMu.RLock()
	defer c.routeMu.RUnlock()

	seq, err = c.primary.Commit(ctx, records)
	if err != nil {
		return 0, err
	}

	// Committed batches must be routed whatever happens to ctx, or later
	// tickets would wait forever.
	c.ticketMu.Lock()
	for c.routed.Load() != seq-1 {
		c.ticketCond.Wait()
	}
	c.ticketMu.Unlock()

	full, rerr := c.route(seq, records, nil, nil)

	c.ticketMu.Lock()
	c.routed.Store(seq)
	c.ticketCond.Broadcast()
	c.ticketMu.Unlock()

	if rerr != nil {
		c.logger.Error("index routing failed", "seq", seq, "error", rerr)
		return seq, rerr
	}
	return seq, c.sealFull(ctx, full)
}

// route hands the pairs of one batch to their partitions. A key written
// twice in a batch only routes its last value. Partitions whose floor is at
// or above seq already hold the batch and are skipped. It returns the
// partitions whose buffers are full.
func (c *Coordinator) route(seq uint64, records []primary.Record, floors, counts []uint64) ([]int, error) {
	var seen map[string]struct{}
	if len(records) > 1 {
		seen = make(map[string]struct{}, len(records))
	}

	var (
		full []int
		errs []error
	)
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if seen != nil {
			if _, dup := seen[string(r.Key)]; dup {
				continue
			}
			seen[string(r.Key)] = struct{}{}
		}
		if len(r.Value) == 0 {
			continue
		}
		idx, err := c.cfg.Partitioner.Assign(r.Value, r.Tag)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if floors != nil && seq <= floors[idx] {
			continue
		}
		isFull, err := c.parts[idx].Add(r.Value, r.Key, r.Payload, seq)
		if err != nil {
			errs = append(errs, fmt.Errorf("partition %s: %w", c.parts[idx].Name(), err))
			continue
		}
		if counts != nil {
			counts[idx]++
		}
		if isFull {
			full = append(full, idx)
		}
	}
	return full, errors.Join(errs...)
}

// sealFull seals full partitions in the calling goroutine and wakes their
// merge loops.
func (c *Coordinator) sealFull(ctx context.Context, full []int) error {
	var errs []error
	sealed := make(map[int]bool, len(full))
	for _, idx := range full {
		if sealed[idx] {
			continue
		}
		sealed[idx] = true
		if err := c.seal(ctx, c.parts[idx], true); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) seal(ctx context.Context, p *index.Partition, onlyIfFull bool) error {
	start := time.Now()
	var err error
	if onlyIfFull {
		err = p.SealIfFull(ctx)
	} else {
		err = p.Seal(ctx)
	}
	if errors.Is(err, index.ErrManifestCorruption) && !p.Rebuilding() {
		return nil
	}
	c.metrics.OnSeal(p.Name(), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("partition %s: seal: %w", p.Name(), err)
	}
	c.sched.Notify(p.Name())
	return nil
}

// live reports whether key still maps to value within partition.
func (c *Coordinator) live(ctx context.Context, part string, key, value []byte) (bool, error) {
	env, err := c.primary.Get(ctx, key)
	if errors.Is(err, primary.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(env.Value, value) {
		return false, nil
	}
	idx, err := c.cfg.Partitioner.Assign(env.Value, env.Tag)
	if err != nil {
		return false, nil
	}
	return c.parts[idx].Name() == part, nil
}

// Flush makes every acknowledged write durable in the primary store and
// seals every partition buffer.
func (c *Coordinator) Flush(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if err := c.primary.Flush(ctx); err != nil {
		return err
	}
	return c.sealAll(ctx)
}

func (c *Coordinator) sealAll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range c.parts {
		g.Go(func() error {
			return c.seal(gctx, p, false)
		})
	}
	return g.Wait()
}

// Compact flushes every buffer, then merges every partition fully into a
// single segment.
func (c *Coordinator) Compact(ctx context.Context) error {
	if err := c.Flush(ctx); err != nil {
		return err
	}
	return c.sched.Compact(ctx)
}

// MergePartition runs the level policy on one partition until nothing is
// left to merge.
func (c *Coordinator) MergePartition(ctx context.Context, name string) error {
	p, err := c.Partition(name)
	if err != nil {
		return err
	}
	return c.sched.MergePartition(ctx, p)
}

// Rebuild discards a partition's segments and replays the whole primary
// store into it. Writers are paused for the duration.
func (c *Coordinator) Rebuild(ctx context.Context, name string) error {
	p, err := c.Partition(name)
	if err != nil {
		return err
	}
	idx := c.byName[name]

	c.routeMu.Lock()
	defer c.routeMu.Unlock()

	epoch := c.epoch.Add(1)
	start := time.Now()
	c.logger.Info("partition rebuild started", "partition", name, "epoch", epoch)

	replayed, err := c.rebuild(ctx, p, idx)
	c.metrics.OnRecovery(name, replayed, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("partition %s: rebuild: %w", name, err)
	}
	c.sched.Notify(name)
	return nil
}

func (c *Coordinator) rebuild(ctx context.Context, p *index.Partition, idx int) (uint64, error) {
	if err := p.Reset(ctx); err != nil {
		return 0, err
	}

	floors := make([]uint64, len(c.parts))
	for i := range floors {
		if i != idx {
			floors[i] = ^uint64(0)
		}
	}
	counts := make([]uint64, len(c.parts))
	for e, err := range c.primary.Range(ctx, nil, nil) {
		if err != nil {
			return counts[idx], err
		}
		rec := primary.Record{Key: e.Key, Value: e.Value, Payload: e.Payload, Tag: e.Tag}
		full, err := c.route(e.Seq, []primary.Record{rec}, floors, counts)
		if err != nil {
			return counts[idx], err
		}
		if len(full) > 0 {
			if err := p.Seal(ctx); err != nil {
				return counts[idx], err
			}
		}
	}
	if err := p.Seal(ctx); err != nil {
		return counts[idx], err
	}
	return counts[idx], p.FinishRebuild(ctx)
}

// State returns the index state of the batch with sequence number seq.
func (c *Coordinator) State(seq uint64) BatchState {
	if seq == 0 || seq > c.primary.LastSeq() {
		return Received
	}
	if seq > c.routed.Load() {
		return PrimaryCommitted
	}
	state := IndexDurable
	for _, p := range c.parts {
		if p.Err() != nil {
			return IndexLost
		}
		if p.DurableSeq() < seq {
			state = IndexBuffered
		}
	}
	return state
}

// Close seals every buffer and closes the index and the primary store.
func (c *Coordinator) Close(ctx context.Context) error {
	return c.close(ctx, true)
}

// CloseUnsealed closes without sealing buffers, leaving the index as a
// crash would. Reopening replays the unsealed pairs.
func (c *Coordinator) CloseUnsealed() error {
	return c.close(context.Background(), false)
}

func (c *Coordinator) close(ctx context.Context, seal bool) error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	// Wait for in-flight writers.
	c.routeMu.Lock()
	defer c.routeMu.Unlock()

	var errs []error
	errs = append(errs, c.sched.Close())
	if seal {
		if err := c.primary.Flush(ctx); err != nil {
			errs = append(errs, err)
		} else if err := c.sealAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range c.parts {
		errs = append(errs, p.Close())
	}
	errs = append(errs, c.primary.Close())
	return errors.Join(errs...)
}
