package merge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/dualkv/internal/index"
	"github.com/hupe1980/dualkv/internal/ingest"
	"github.com/hupe1980/dualkv/internal/manifest"
	"github.com/hupe1980/dualkv/internal/mmap"
	"github.com/hupe1980/dualkv/internal/resource"
	"github.com/hupe1980/dualkv/internal/segment"
	"github.com/hupe1980/dualkv/reducer"
)

// errEmptyOutput marks a merge whose every pair was pruned.
var errEmptyOutput = errors.New("merge: empty output")

// LiveFunc reports whether key still maps to value, routed to partition, in
// the primary store.
type LiveFunc func(ctx context.Context, partition string, key, value []byte) (bool, error)

// Result describes one finished merge task.
type Result struct {
	Partition string
	Level     int
	Inputs    int
	Rows      uint64
	Pruned    uint64
	Duration  time.Duration
	Err       error
}

// Options configures a Scheduler.
type Options struct {
	// Policy plans background merges. Default: LevelPolicy{DefaultThreshold}.
	Policy Policy
	// Workers maps partition names to their merge parallelism.
	Workers map[string]int
	// DefaultWorkers applies to partitions missing from Workers. Default: 1.
	DefaultWorkers int
	// Resource bounds concurrent tasks across partitions and columns and
	// throttles merge output. May be nil.
	Resource *resource.Controller
	// Live enables stale pair pruning. May be nil.
	Live   LiveFunc
	Logger *slog.Logger
	// OnMerge is called after every task.
	OnMerge func(Result)
}

// Scheduler merges the segments of a set of partitions in the background.
type Scheduler struct {
	opts   Options
	logger *slog.Logger
	parts  []*index.Partition

	locks   map[string]*sync.Mutex
	trigger map[string]chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	closeCh chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// New creates a scheduler. Call Start to run background merges.
func New(parts []*index.Partition, opts Options) *Scheduler {
	if opts.Policy == nil {
		opts.Policy = LevelPolicy{Threshold: DefaultThreshold}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		opts:    opts,
		logger:  logger,
		parts:   parts,
		locks:   make(map[string]*sync.Mutex, len(parts)),
		trigger: make(map[string]chan struct{}, len(parts)),
		ctx:     ctx,
		cancel:  cancel,
		closeCh: make(chan struct{}),
	}
	for _, p := range parts {
		s.locks[p.Name()] = &sync.Mutex{}
		s.trigger[p.Name()] = make(chan struct{}, 1)
	}
	return s
}

// Workers returns the merge parallelism of a partition.
func (s *Scheduler) Workers(partition string) int {
	if n := s.opts.Workers[partition]; n > 0 {
		return n
	}
	if s.opts.DefaultWorkers > 0 {
		return s.opts.DefaultWorkers
	}
	return 1
}

// Start launches one background loop per partition.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	for _, p := range s.parts {
		s.wg.Add(1)
		ingest.GoSafe(s.logger, func() { s.loop(p) })
	}
}

func (s *Scheduler) loop(p *index.Partition) {
	defer s.wg.Done()
	for {
		select {
		case <-s.closeCh:
			return
		case <-s.trigger[p.Name()]:
			err := s.MergePartition(s.ctx, p)
			switch {
			case err == nil, errors.Is(err, context.Canceled), errors.Is(err, index.ErrClosed):
			case errors.Is(err, index.ErrManifestCorruption):
				s.logger.Debug("merge skipped", "partition", p.Name(), "error", err)
			default:
				s.logger.Error("background merge failed", "partition", p.Name(), "error", err)
			}
		}
	}
}

// Notify asks the background loop to look at a partition. It never blocks.
func (s *Scheduler) Notify(partition string) {
	ch, ok := s.trigger[partition]
	if !ok || s.closed.Load() {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// MergePartition merges level by level until the policy plans nothing.
// Tasks of one level run in parallel up to the partition's worker count.
func (s *Scheduler) MergePartition(ctx context.Context, p *index.Partition) error {
	lock := s.locks[p.Name()]
	lock.Lock()
	defer lock.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		infos, floor, err := s.candidates(p)
		if err != nil {
			return err
		}
		runs := s.opts.Policy.Plan(infos, floor)
		if len(runs) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.Workers(p.Name()))
		for _, run := range runs {
			g.Go(func() error {
				return s.runTask(gctx, p, run, run.Level+1)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

// candidates returns the live segments and the lowest generation still
// being sealed. The floor is read first so that a seal committing between
// the two reads can only make the floor conservative.
func (s *Scheduler) candidates(p *index.Partition) ([]manifest.SegmentInfo, uint64, error) {
	floor := uint64(math.MaxUint64)
	if g, ok := p.MinSealingGeneration(); ok {
		floor = g
	}
	snap, err := p.Acquire()
	if err != nil {
		return nil, 0, err
	}
	defer snap.DecRef()

	infos := make([]manifest.SegmentInfo, 0, len(snap.Segments()))
	for _, seg := range snap.Segments() {
		infos = append(infos, seg.Info)
	}
	return infos, floor, nil
}

// Compact merges every partition fully into a single segment.
func (s *Scheduler) Compact(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range s.parts {
		g.Go(func() error {
			return s.CompactPartition(gctx, p)
		})
	}
	return g.Wait()
}

// CompactPartition merges every eligible segment of p into one.
func (s *Scheduler) CompactPartition(ctx context.Context, p *index.Partition) error {
	lock := s.locks[p.Name()]
	lock.Lock()
	defer lock.Unlock()

	infos, floor, err := s.candidates(p)
	if err != nil {
		return err
	}
	run := Run{}
	for _, info := range infos {
		if info.Level == 0 && info.Generation >= floor {
			continue
		}
		run.Segments = append(run.Segments, info)
		run.Level = max(run.Level, info.Level)
	}
	if len(run.Segments) <= 1 {
		return nil
	}
	// Snapshots list segments newest first; runs are oldest first.
	slices.Reverse(run.Segments)
	return s.runTask(ctx, p, run, run.Level+1)
}

// runTask merges one run into a segment at target level. Cancellation is
// honored only at segment boundaries: before the output is written and
// before it is committed.
func (s *Scheduler) runTask(ctx context.Context, p *index.Partition, run Run, target int) (err error) {
	res := Result{Partition: p.Name(), Level: run.Level, Inputs: len(run.Segments)}
	start := time.Now()
	defer func() {
		res.Duration = time.Since(start)
		res.Err = err
		if s.opts.OnMerge != nil {
			s.opts.OnMerge(res)
		}
	}()

	if rc := s.opts.Resource; rc != nil {
		if err := rc.AcquireBackground(ctx); err != nil {
			return err
		}
		defer rc.ReleaseBackground()
	}

	snap, err := p.Acquire()
	if err != nil {
		return err
	}
	defer snap.DecRef()

	// Streams newest first.
	streams := make([]iter.Seq2[segment.Entry, error], 0, len(run.Segments))
	for _, info := range slices.Backward(run.Segments) {
		seg, ok := snap.Find(info.ID)
		if !ok {
			s.logger.Debug("merge input retired concurrently", "partition", p.Name(), "segment", info.ID)
			return nil
		}
		if err := seg.Advise(mmap.AccessSequential); err != nil {
			s.logger.Debug("advise merge input", "partition", p.Name(), "segment", info.ID, "error", err)
		}
		streams = append(streams, seg.All(ctx))
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	r := p.Reducer()
	out, err := p.WriteSegment(ctx, run.Generation(), target, true, func(w io.Writer) (segment.Info, error) {
		sw, err := segment.NewWriter(w, p.WriterOptions())
		if err != nil {
			return segment.Info{}, err
		}
		for e, err := range s.merged(ctx, p.Name(), streams, r, &res.Pruned) {
			if err != nil {
				return segment.Info{}, err
			}
			if err := sw.Add(e.Value, e.Output); err != nil {
				return segment.Info{}, err
			}
		}
		if sw.RowCount() == 0 {
			return segment.Info{}, errEmptyOutput
		}
		return sw.Finish()
	})
	switch {
	case errors.Is(err, errEmptyOutput):
		out = nil
	case err != nil:
		return err
	}

	if err := ctx.Err(); err != nil {
		if out != nil {
			p.Discard(out)
		}
		return err
	}
	if err := p.CommitMerge(ctx, run.IDs(), out); err != nil {
		if out != nil {
			p.Discard(out)
		}
		if errors.Is(err, index.ErrConflict) {
			s.logger.Debug("merge conflict", "partition", p.Name(), "error", err)
			return nil
		}
		return err
	}
	if out != nil {
		res.Rows = out.Info.RowCount
	}
	s.logger.Debug("merge committed", "partition", p.Name(), "level", target,
		"inputs", len(run.Segments), "rows", res.Rows, "pruned", res.Pruned)
	return nil
}

// merged yields the merged and pruned entries of streams, given newest
// first. pruned counts the values dropped.
func (s *Scheduler) merged(ctx context.Context, partition string, streams []iter.Seq2[segment.Entry, error],
	r reducer.Reducer, pruned *uint64) iter.Seq2[segment.Entry, error] {
	if s.opts.Live != nil && r == nil {
		return s.newestLive(ctx, partition, streams, pruned)
	}
	return func(yield func(segment.Entry, error) bool) {
		for e, err := range index.Merge(streams, r) {
			if err != nil {
				yield(segment.Entry{}, err)
				return
			}
			output, keep, err := s.prune(ctx, partition, r, e)
			if err != nil {
				yield(segment.Entry{}, err)
				return
			}
			if !keep {
				*pruned++
				continue
			}
			e.Output = output
			if !yield(e, nil) {
				return
			}
		}
	}
}

// newestLive keeps, for each value, the newest key that still maps to it in
// the primary store. A stale newer pair must not hide a live older one.
func (s *Scheduler) newestLive(ctx context.Context, partition string, streams []iter.Seq2[segment.Entry, error],
	pruned *uint64) iter.Seq2[segment.Entry, error] {
	return func(yield func(segment.Entry, error) bool) {
		var (
			cur     []byte
			started bool
			found   bool
		)
		for e, err := range index.Interleave(streams) {
			if err != nil {
				yield(segment.Entry{}, err)
				return
			}
			if !started || !bytes.Equal(e.Value, cur) {
				if started && !found {
					*pruned++
				}
				cur, started, found = e.Value, true, false
			}
			if found {
				continue
			}
			live, err := s.opts.Live(ctx, partition, e.Output, e.Value)
			if err != nil {
				yield(segment.Entry{}, err)
				return
			}
			if !live {
				continue
			}
			found = true
			if !yield(e.Entry, nil) {
				return
			}
		}
		if started && !found {
			*pruned++
		}
	}
}

// prune drops keys no longer mapping to the value from pruning reducers'
// aggregates.
func (s *Scheduler) prune(ctx context.Context, partition string, r reducer.Reducer, e segment.Entry) ([]byte, bool, error) {
	if s.opts.Live == nil || r == nil {
		return e.Output, true, nil
	}
	pr, ok := r.(reducer.Pruner)
	if !ok {
		return e.Output, true, nil
	}
	return pr.Prune(e.Output, func(key []byte) (bool, error) {
		return s.opts.Live(ctx, partition, key, e.Value)
	})
}

// Close stops the background loops and waits for running merges.
func (s *Scheduler) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	close(s.closeCh)
	s.wg.Wait()
	return nil
}
