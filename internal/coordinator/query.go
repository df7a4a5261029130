package coordinator

import (
	"context"
	"iter"
	"time"

	"github.com/hupe1980/dualkv/internal/index"
	"github.com/hupe1980/dualkv/internal/primary"
	"github.com/hupe1980/dualkv/internal/segment"
	"github.com/hupe1980/dualkv/reducer"
)

// ValueEntry is one result of a value range scan.
type ValueEntry struct {
	Value []byte
	// Output is the key, or the finalized aggregate for columns with a
	// reducer.
	Output    []byte
	Partition string
}

// Stats describes a column.
type Stats struct {
	CommittedSeq uint64
	RoutedSeq    uint64
	Epoch        uint64
	Partitions   []PartitionStats
}

// PartitionStats describes one partition, including its index lag.
type PartitionStats struct {
	index.Stats
	Lag uint64
}

// Get returns the envelope stored under key.
func (c *Coordinator) Get(ctx context.Context, key []byte) (primary.Envelope, error) {
	if c.closed.Load() {
		return primary.Envelope{}, ErrClosed
	}
	return c.primary.Get(ctx, key)
}

// Range yields live keys with start <= key < end in key order.
func (c *Coordinator) Range(ctx context.Context, start, end []byte) iter.Seq2[primary.Entry, error] {
	return c.primary.Range(ctx, start, end)
}

func (c *Coordinator) lag(p *index.Partition) uint64 {
	committed := c.primary.LastSeq()
	durable := p.DurableSeq()
	if durable >= committed {
		return 0
	}
	return committed - durable
}

// checkLag applies the lag policy before p is read. It returns
// ErrCatchingUp under LagSignal; callers serve results regardless.
func (c *Coordinator) checkLag(ctx context.Context, p *index.Partition) (catchingUp bool, err error) {
	lag := c.lag(p)
	c.metrics.OnLag(p.Name(), lag)
	if lag <= c.cfg.MaxLag {
		return false, nil
	}
	switch c.cfg.LagPolicy {
	case LagSignal:
		return true, nil
	case LagBlock:
		return false, c.seal(ctx, p, false)
	}
	return false, nil
}

// Lookup returns the output stored for value in the partition the
// partitioner assigns (value, tag) to.
func (c *Coordinator) Lookup(ctx context.Context, value, tag []byte) (out []byte, ok bool, err error) {
	if c.closed.Load() {
		return nil, false, ErrClosed
	}
	idx, err := c.cfg.Partitioner.Assign(value, tag)
	if err != nil {
		return nil, false, err
	}
	p := c.parts[idx]

	start := time.Now()
	defer func() {
		c.metrics.OnLookup(p.Name(), ok, time.Since(start), err)
	}()

	catchingUp, err := c.checkLag(ctx, p)
	if err != nil {
		return nil, false, err
	}
	out, ok, err = p.Lookup(ctx, value)
	if err == nil && ok {
		out, err = reducer.Finalize(c.cfg.Reducer, out)
	}
	if err == nil && catchingUp {
		err = ErrCatchingUp
	}
	return out, ok, err
}

// RangePartition yields entries of one partition with start <= value <= end
// in value order.
func (c *Coordinator) RangePartition(ctx context.Context, name string, start, end []byte) iter.Seq2[ValueEntry, error] {
	return func(yield func(ValueEntry, error) bool) {
		p, err := c.Partition(name)
		if err != nil {
			yield(ValueEntry{}, err)
			return
		}
		catchingUp, err := c.checkLag(ctx, p)
		if err != nil {
			yield(ValueEntry{}, err)
			return
		}
		for e, err := range p.Range(ctx, start, end) {
			if err != nil {
				yield(ValueEntry{}, err)
				return
			}
			out, err := reducer.Finalize(c.cfg.Reducer, e.Output)
			if err != nil {
				yield(ValueEntry{}, err)
				return
			}
			if !yield(ValueEntry{Value: e.Value, Output: out, Partition: name}, nil) {
				return
			}
		}
		if catchingUp {
			yield(ValueEntry{}, ErrCatchingUp)
		}
	}
}

// RangeValues yields entries of all partitions with start <= value <= end,
// merged by value. Equal values of different partitions are yielded
// separately in partition order.
func (c *Coordinator) RangeValues(ctx context.Context, start, end []byte) iter.Seq2[ValueEntry, error] {
	return func(yield func(ValueEntry, error) bool) {
		if c.closed.Load() {
			yield(ValueEntry{}, ErrClosed)
			return
		}
		catchingUp := false
		streams := make([]iter.Seq2[segment.Entry, error], len(c.parts))
		for i, p := range c.parts {
			lagging, err := c.checkLag(ctx, p)
			if err != nil {
				yield(ValueEntry{}, err)
				return
			}
			catchingUp = catchingUp || lagging
			streams[i] = p.Range(ctx, start, end)
		}
		for e, err := range index.Interleave(streams) {
			if err != nil {
				yield(ValueEntry{}, err)
				return
			}
			out, err := reducer.Finalize(c.cfg.Reducer, e.Output)
			if err != nil {
				yield(ValueEntry{}, err)
				return
			}
			ve := ValueEntry{Value: e.Value, Output: out, Partition: c.parts[e.Source].Name()}
			if !yield(ve, nil) {
				return
			}
		}
		if catchingUp {
			yield(ValueEntry{}, ErrCatchingUp)
		}
	}
}

// Stats returns a point-in-time description of the column.
func (c *Coordinator) Stats() Stats {
	st := Stats{
		CommittedSeq: c.primary.LastSeq(),
		RoutedSeq:    c.routed.Load(),
		Epoch:        c.epoch.Load(),
	}
	for _, p := range c.parts {
		ps := p.Stats()
		lag := uint64(0)
		if ps.DurableSeq < st.CommittedSeq {
			lag = st.CommittedSeq - ps.DurableSeq
		}
		st.Partitions = append(st.Partitions, PartitionStats{Stats: ps, Lag: lag})
	}
	return st
}
