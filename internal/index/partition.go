package index

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/dualkv/blobstore"
	"github.com/hupe1980/dualkv/internal/builder"
	"github.com/hupe1980/dualkv/internal/cache"
	"github.com/hupe1980/dualkv/internal/manifest"
	"github.com/hupe1980/dualkv/internal/resource"
	"github.com/hupe1980/dualkv/internal/segment"
	"github.com/hupe1980/dualkv/reducer"
)

// manifestsKept is the number of manifest versions retained after a commit.
const manifestsKept = 4

const (
	stateHealthy int32 = iota
	stateCorrupt
	stateRebuilding
)

// Options configures a partition.
type Options struct {
	// Name is the partition name recorded in the manifest.
	Name string
	// Store is scoped to the partition directory.
	Store blobstore.BlobStore
	// CacheNamespace prefixes segment paths in block cache keys so that
	// partitions and columns sharing one cache never collide. Defaults to Name.
	CacheNamespace string
	Reducer        reducer.Reducer
	Cache          cache.BlockCache
	Compression    segment.Compression
	BlockSize      int
	// SealRows and SealBytes bound the active buffer. Zero disables a bound.
	SealRows  int
	SealBytes int64
	// Resource throttles merge output. May be nil.
	Resource *resource.Controller
	// Routed returns the highest sequence number whose pairs have all been
	// handed to the partition. Defaults to the highest sequence added.
	Routed func() uint64
	Logger *slog.Logger
}

// Stats describes a partition.
type Stats struct {
	Name       string
	Segments   int
	Rows       uint64
	Bytes      int64
	Levels     map[int]int
	Buffered   int
	Sealing    int
	DurableSeq uint64
	Corrupt    bool
}

// Partition is one partition of the secondary index.
type Partition struct {
	opts      Options
	manifests *manifest.Store
	logger    *slog.Logger

	nextGen  atomic.Uint64
	nextID   atomic.Uint64
	maxAdded atomic.Uint64

	// mu guards the buffers.
	mu     sync.Mutex
	active *builder.Buffer
	frozen map[uint64]*builder.Buffer // by generation

	// commitMu serializes manifest commits.
	commitMu sync.Mutex
	man      *manifest.Manifest

	current atomic.Pointer[Snapshot]
	state   atomic.Int32
	cause   atomic.Pointer[ManifestError]
	closed  atomic.Bool
}

// Open loads the partition's manifest and opens its segments. A missing
// manifest starts an empty partition. An unreadable manifest or segment
// leaves the partition in the corrupt state; see Err and Reset.
func Open(ctx context.Context, opts Options) (*Partition, error) {
	if opts.CacheNamespace == "" {
		opts.CacheNamespace = opts.Name
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	p := &Partition{
		opts:      opts,
		manifests: manifest.NewStore(opts.Store),
		logger:    logger.With("partition", opts.Name),
		active:    builder.NewBuffer(opts.Reducer),
		frozen:    make(map[uint64]*builder.Buffer),
	}
	p.current.Store(newSnapshot(nil))

	reducerName := reducer.NameOf(opts.Reducer)
	m, err := p.manifests.Load(ctx)
	switch {
	case err == nil:
		if m.Reducer != reducerName {
			return nil, fmt.Errorf("%w: partition %s built with %q, opened with %q",
				ErrReducerMismatch, opts.Name, m.Reducer, reducerName)
		}
	case errors.Is(err, manifest.ErrNotFound):
		m = manifest.New(opts.Name, reducerName)
	case errors.Is(err, manifest.ErrCorrupt), errors.Is(err, manifest.ErrIncompatibleVersion):
		p.markCorrupt(err)
		m = manifest.New(opts.Name, reducerName)
	default:
		return nil, err
	}

	p.man = m
	p.nextGen.Store(m.NextGeneration)
	p.nextID.Store(m.NextSegmentID)
	if p.state.Load() == stateCorrupt {
		return p, nil
	}

	segs := make([]*RefCountedSegment, 0, len(m.Segments))
	for _, info := range m.Segments {
		seg, err := p.openSegment(ctx, info)
		if err == nil && seg.Reducer() != m.Reducer {
			_ = seg.Close()
			err = fmt.Errorf("segment %s: reducer %q", info.Path, seg.Reducer())
		}
		if err != nil {
			for _, s := range segs {
				s.DecRef()
			}
			if ctx.Err() != nil {
				return nil, err
			}
			p.markCorrupt(err)
			return p, nil
		}
		segs = append(segs, newRefCountedSegment(seg, info))
	}
	sortNewestFirst(segs)
	p.current.Store(newSnapshot(segs))
	return p, nil
}

func sortNewestFirst(segs []*RefCountedSegment) {
	slices.SortFunc(segs, func(a, b *RefCountedSegment) int {
		if c := cmp.Compare(b.Info.Generation, a.Info.Generation); c != 0 {
			return c
		}
		return cmp.Compare(b.Info.ID, a.Info.ID)
	})
}

func (p *Partition) markCorrupt(err error) {
	merr := &ManifestError{Partition: p.opts.Name, Err: err}
	p.cause.Store(merr)
	p.state.Store(stateCorrupt)
	p.logger.Error("partition manifest corrupt", "error", err)
}

// Name returns the partition name.
func (p *Partition) Name() string { return p.opts.Name }

// Err returns the corruption that disabled the partition, or nil.
func (p *Partition) Err() error {
	switch p.state.Load() {
	case stateCorrupt:
		return p.cause.Load()
	case stateRebuilding:
		return &ManifestError{Partition: p.opts.Name, Err: errors.New("rebuild in progress")}
	}
	return nil
}

// Rebuilding reports whether the partition is being rebuilt.
func (p *Partition) Rebuilding() bool { return p.state.Load() == stateRebuilding }

func (p *Partition) routed() uint64 {
	if p.opts.Routed != nil {
		return p.opts.Routed()
	}
	return p.maxAdded.Load()
}

// Add buffers the pair (value, key) written at seq and reports whether the
// buffer reached its seal threshold. Pairs routed to a corrupt partition are
// dropped; Reset and a replay restore them.
func (p *Partition) Add(value, key, payload []byte, seq uint64) (bool, error) {
	if p.state.Load() == stateCorrupt {
		return false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.active.Add(value, key, payload, seq); err != nil {
		return false, err
	}
	if seq > p.maxAdded.Load() {
		p.maxAdded.Store(seq)
	}
	return p.fullLocked(), nil
}

func (p *Partition) fullLocked() bool {
	return (p.opts.SealRows > 0 && p.active.Len() >= p.opts.SealRows) ||
		(p.opts.SealBytes > 0 && p.active.Bytes() >= p.opts.SealBytes)
}

// durableLocked returns the highest sequence number fully reflected in
// sealed segments, ignoring the frozen buffer of generation skip.
func (p *Partition) durableLocked(routed, skip uint64) uint64 {
	if p.state.Load() == stateRebuilding {
		return 0
	}
	d := routed
	consider := func(b *builder.Buffer) {
		if b.Len() > 0 && b.MinSeq()-1 < d {
			d = b.MinSeq() - 1
		}
	}
	consider(p.active)
	for gen, b := range p.frozen {
		if gen != skip {
			consider(b)
		}
	}
	return d
}

// DurableSeq returns the highest sequence number whose pairs for this
// partition are all in sealed segments.
func (p *Partition) DurableSeq() uint64 {
	routed := p.routed()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.durableLocked(routed, 0)
}

// PersistedDurableSeq returns the DurableSeq recorded in the manifest.
func (p *Partition) PersistedDurableSeq() uint64 {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	return p.man.DurableSeq
}

// MinSealingGeneration returns the lowest generation currently being
// sealed. Merges only consume generations below it.
func (p *Partition) MinSealingGeneration() (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.frozen) == 0 {
		return 0, false
	}
	return slices.Min(keys(p.frozen)), true
}

func keys(m map[uint64]*builder.Buffer) []uint64 {
	out := make([]uint64, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Seal freezes the active buffer and encodes it as a new level-0 segment in
// the calling goroutine. Writers of the partition are blocked only while the
// buffer is swapped. On failure the frozen pairs return to the live buffer.
// Sealing an empty buffer persists an advanced DurableSeq.
func (p *Partition) Seal(ctx context.Context) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if p.state.Load() == stateCorrupt {
		return p.cause.Load()
	}

	p.mu.Lock()
	if p.active.Len() == 0 {
		p.mu.Unlock()
		return p.persistDurable(ctx)
	}
	frozen := p.active
	p.active = builder.NewBuffer(p.opts.Reducer)
	gen := p.nextGen.Add(1) - 1
	p.frozen[gen] = frozen
	p.mu.Unlock()

	seg, err := p.WriteSegment(ctx, gen, 0, false, func(w io.Writer) (segment.Info, error) {
		return frozen.WriteTo(w, p.WriterOptions())
	})
	if err != nil {
		return p.restore(gen, frozen, err)
	}

	routed := p.routed()
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	if p.closed.Load() {
		p.Discard(seg)
		return p.restore(gen, frozen, ErrClosed)
	}

	p.mu.Lock()
	durable := p.durableLocked(routed, gen)
	p.mu.Unlock()

	next := p.man.Clone()
	next.Add(seg.Info)
	next.DurableSeq = max(next.DurableSeq, durable)
	if err := p.commitLocked(ctx, next); err != nil {
		p.Discard(seg)
		return p.restore(gen, frozen, err)
	}
	p.publishLocked(nil, seg)

	p.mu.Lock()
	delete(p.frozen, gen)
	p.mu.Unlock()

	p.logger.Debug("segment sealed", "generation", gen, "rows", seg.Info.RowCount, "bytes", seg.Info.Size)
	return nil
}

func (p *Partition) restore(gen uint64, frozen *builder.Buffer, cause error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.frozen, gen)
	return errors.Join(cause, p.active.Absorb(frozen))
}

// SealIfFull seals when the active buffer reached its threshold.
func (p *Partition) SealIfFull(ctx context.Context) error {
	p.mu.Lock()
	full := p.fullLocked()
	p.mu.Unlock()
	if !full {
		return nil
	}
	return p.Seal(ctx)
}

func (p *Partition) persistDurable(ctx context.Context) error {
	routed := p.routed()
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	p.mu.Lock()
	durable := p.durableLocked(routed, 0)
	p.mu.Unlock()
	if durable <= p.man.DurableSeq {
		return nil
	}
	next := p.man.Clone()
	next.DurableSeq = durable
	return p.commitLocked(ctx, next)
}

// commitLocked saves next as the current manifest. commitMu must be held.
func (p *Partition) commitLocked(ctx context.Context, next *manifest.Manifest) error {
	next.NextGeneration = max(next.NextGeneration, p.nextGen.Load())
	next.NextSegmentID = max(next.NextSegmentID, p.nextID.Load())
	if err := p.manifests.Save(ctx, next); err != nil {
		return fmt.Errorf("index: partition %s: save manifest: %w", p.opts.Name, err)
	}
	p.man = next
	if err := p.manifests.Prune(ctx, manifestsKept); err != nil {
		p.logger.Warn("manifest prune failed", "error", err)
	}
	return nil
}

// publishLocked swaps in a snapshot without the retired segments and with
// the added ones. commitMu must be held.
func (p *Partition) publishLocked(retired []uint64, added ...*RefCountedSegment) {
	old := p.current.Load()
	for _, id := range retired {
		if seg, ok := old.Find(id); ok {
			p.deleteOnClose(seg)
		}
	}
	p.current.Store(old.derive(retired, added...))
	old.DecRef()
}

func (p *Partition) deleteOnClose(seg *RefCountedSegment) {
	name := seg.Info.Path
	cachePath := p.cachePath(name)
	seg.SetOnClose(func() {
		if p.opts.Cache != nil {
			p.opts.Cache.Invalidate(func(k cache.CacheKey) bool { return k.Path == cachePath })
		}
		if err := p.opts.Store.Delete(context.Background(), name); err != nil {
			p.logger.Warn("delete retired segment failed", "segment", name, "error", err)
		}
	})
}

// WriterOptions returns the segment writer options of this partition.
func (p *Partition) WriterOptions() segment.WriterOptions {
	return segment.WriterOptions{
		Compression: p.opts.Compression,
		BlockSize:   p.opts.BlockSize,
		Reducer:     reducer.NameOf(p.opts.Reducer),
	}
}

// Reducer returns the partition's reducer, or nil.
func (p *Partition) Reducer() reducer.Reducer { return p.opts.Reducer }

// WriteSegment writes a new segment of the given generation and level and
// opens it. fill streams the segment into w. The segment is not published;
// pass it to CommitMerge or Discard. Cancellation is checked after fill,
// before the file becomes visible.
func (p *Partition) WriteSegment(ctx context.Context, gen uint64, level int, throttle bool,
	fill func(w io.Writer) (segment.Info, error)) (*RefCountedSegment, error) {
	id := p.nextID.Add(1) - 1
	name := segment.FileName(gen, id)

	w, err := p.opts.Store.Create(ctx, name)
	if err != nil {
		return nil, err
	}
	var dst io.Writer = w
	if throttle && p.opts.Resource != nil {
		dst = resource.NewRateLimitedWriter(ctx, w, p.opts.Resource)
	}

	info, err := fill(dst)
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		err = w.Sync()
	}
	if err != nil {
		blobstore.AbortWrite(w)
		_ = p.opts.Store.Delete(context.WithoutCancel(ctx), name)
		return nil, err
	}
	if err := w.Close(); err != nil {
		_ = p.opts.Store.Delete(context.WithoutCancel(ctx), name)
		return nil, err
	}

	segInfo := manifest.SegmentInfo{
		ID:         id,
		Generation: gen,
		Level:      level,
		RowCount:   info.RowCount,
		Size:       info.Size,
		Path:       name,
		MinValue:   info.MinValue,
		MaxValue:   info.MaxValue,
	}
	seg, err := p.openSegment(ctx, segInfo)
	if err != nil {
		_ = p.opts.Store.Delete(context.WithoutCancel(ctx), name)
		return nil, err
	}
	return newRefCountedSegment(seg, segInfo), nil
}

func (p *Partition) cachePath(name string) string {
	return p.opts.CacheNamespace + "/" + name
}

func (p *Partition) openSegment(ctx context.Context, info manifest.SegmentInfo) (*segment.Segment, error) {
	blob, err := p.opts.Store.Open(ctx, info.Path)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", info.Path, err)
	}
	opts := []segment.Option{segment.WithIdentity(info.ID, p.cachePath(info.Path))}
	if p.opts.Cache != nil {
		opts = append(opts, segment.WithBlockCache(p.opts.Cache))
	}
	return segment.Open(ctx, blob, opts...)
}

// Discard closes an unpublished segment and deletes its file.
func (p *Partition) Discard(seg *RefCountedSegment) {
	p.deleteOnClose(seg)
	seg.DecRef()
}

// CommitMerge atomically retires the input segments and registers out in
// one manifest save, then swaps the snapshot. out is nil when every input
// pair was pruned. It fails with ErrConflict when an input is no longer
// live; the caller then discards out.
func (p *Partition) CommitMerge(ctx context.Context, retired []uint64, out *RefCountedSegment) error {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	if p.closed.Load() {
		return ErrClosed
	}
	if err := p.Err(); err != nil {
		return err
	}
	for _, id := range retired {
		if !slices.ContainsFunc(p.man.Segments, func(s manifest.SegmentInfo) bool { return s.ID == id }) {
			return fmt.Errorf("%w: segment %d is not live", ErrConflict, id)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	next := p.man.Clone()
	if out == nil {
		next.Replace(retired)
		if err := p.commitLocked(ctx, next); err != nil {
			return err
		}
		p.publishLocked(retired)
		return nil
	}
	next.Replace(retired, out.Info)
	if err := p.commitLocked(ctx, next); err != nil {
		return err
	}
	p.publishLocked(retired, out)
	return nil
}

// Acquire returns the current snapshot with a reference held. Callers must
// DecRef it.
func (p *Partition) Acquire() (*Snapshot, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	if err := p.Err(); err != nil {
		return nil, err
	}
	for {
		s := p.current.Load()
		if s == nil {
			return nil, ErrClosed
		}
		if s.TryIncRef() {
			return s, nil
		}
	}
}

// Lookup returns the output stored for value: the newest key without a
// reducer, or the aggregate of every covering segment.
func (p *Partition) Lookup(ctx context.Context, value []byte) ([]byte, bool, error) {
	snap, err := p.Acquire()
	if err != nil {
		return nil, false, err
	}
	defer snap.DecRef()

	var outputs [][]byte
	for _, seg := range snap.segments {
		if !seg.Info.Covers(value) {
			continue
		}
		out, ok, err := seg.Get(ctx, value)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		if p.opts.Reducer == nil {
			return bytes.Clone(out), true, nil
		}
		outputs = append(outputs, out)
	}
	switch len(outputs) {
	case 0:
		return nil, false, nil
	case 1:
		return bytes.Clone(outputs[0]), true, nil
	}
	agg, err := reducer.Fold(p.opts.Reducer, outputs...)
	if err != nil {
		return nil, false, err
	}
	return agg, true, nil
}

// Range yields entries with start <= value <= end in value order. A nil
// bound is open. The snapshot is held until iteration ends.
func (p *Partition) Range(ctx context.Context, start, end []byte) iter.Seq2[segment.Entry, error] {
	return func(yield func(segment.Entry, error) bool) {
		snap, err := p.Acquire()
		if err != nil {
			yield(segment.Entry{}, err)
			return
		}
		defer snap.DecRef()

		streams := make([]iter.Seq2[segment.Entry, error], 0, len(snap.segments))
		for _, seg := range snap.segments {
			if seg.Info.Overlaps(start, end) {
				streams = append(streams, seg.Range(ctx, start, end))
			}
		}
		for e, err := range Merge(streams, p.opts.Reducer) {
			if !yield(e, err) || err != nil {
				return
			}
		}
	}
}

// Reset discards every segment and buffered pair and starts an empty
// manifest. The partition refuses reads until FinishRebuild. Writers must
// be paused by the caller.
func (p *Partition) Reset(ctx context.Context) error {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()

	if p.closed.Load() {
		return ErrClosed
	}
	p.state.Store(stateRebuilding)

	p.mu.Lock()
	p.active = builder.NewBuffer(p.opts.Reducer)
	clear(p.frozen)
	p.mu.Unlock()

	old := p.current.Load()
	live := make(map[string]bool, len(old.segments))
	for _, seg := range old.segments {
		live[seg.Info.Path] = true
		p.deleteOnClose(seg)
	}
	p.current.Store(newSnapshot(nil))
	old.DecRef()

	names, err := p.opts.Store.List(ctx, "seg-")
	if err != nil {
		return err
	}
	for _, name := range names {
		if live[name] || !strings.HasSuffix(name, ".dkv") {
			continue
		}
		if err := p.opts.Store.Delete(ctx, name); err != nil {
			return err
		}
	}

	next := manifest.New(p.opts.Name, reducer.NameOf(p.opts.Reducer))
	next.ID = p.man.ID
	if err := p.commitLocked(ctx, next); err != nil {
		return err
	}
	p.logger.Info("partition reset for rebuild")
	return nil
}

// FinishRebuild re-enables reads after a replay and persists the
// partition's DurableSeq. The caller seals replayed pairs first.
func (p *Partition) FinishRebuild(ctx context.Context) error {
	if !p.state.CompareAndSwap(stateRebuilding, stateHealthy) {
		return nil
	}
	p.cause.Store(nil)
	return p.persistDurable(ctx)
}

// Stats returns a point-in-time description of the partition.
func (p *Partition) Stats() Stats {
	st := Stats{
		Name:       p.opts.Name,
		Levels:     make(map[int]int),
		DurableSeq: p.DurableSeq(),
		Corrupt:    p.Err() != nil,
	}
	p.mu.Lock()
	st.Buffered = p.active.Len()
	for _, b := range p.frozen {
		st.Sealing += b.Len()
	}
	p.mu.Unlock()

	p.commitMu.Lock()
	for _, s := range p.man.Segments {
		st.Segments++
		st.Rows += s.RowCount
		st.Bytes += s.Size
		st.Levels[s.Level]++
	}
	p.commitMu.Unlock()
	return st
}

// Close releases the partition's segments. Buffered pairs are not sealed;
// the caller seals first for a clean shutdown.
func (p *Partition) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	if snap := p.current.Swap(nil); snap != nil {
		snap.DecRef()
	}
	return nil
}
