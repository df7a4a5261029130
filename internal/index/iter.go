package index

import (
	"bytes"
	"container/heap"
	"iter"

	"github.com/hupe1980/dualkv/internal/segment"
	"github.com/hupe1980/dualkv/reducer"
)

// cursor pulls from one value-ordered stream. rank orders streams that hold
// the same value: lower is newer.
type cursor struct {
	next func() (segment.Entry, error, bool)
	stop func()
	rank int
	cur  segment.Entry
}

func (c *cursor) advance() (bool, error) {
	e, err, ok := c.next()
	if !ok {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// Streams only guarantee their slices until the next pull.
	c.cur = segment.Entry{Value: bytes.Clone(e.Value), Output: bytes.Clone(e.Output)}
	return true, nil
}

type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].cur.Value, h[j].cur.Value); c != 0 {
		return c < 0
	}
	return h[i].rank < h[j].rank
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(*cursor)) }

func (h *cursorHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

// open starts every stream and returns the primed heap plus a function
// stopping all streams.
func open(streams []iter.Seq2[segment.Entry, error]) (*cursorHeap, func(), error) {
	h := make(cursorHeap, 0, len(streams))
	all := make([]*cursor, 0, len(streams))
	stop := func() {
		for _, c := range all {
			c.stop()
		}
	}
	for i, s := range streams {
		next, st := iter.Pull2(s)
		c := &cursor{next: next, stop: st, rank: i}
		all = append(all, c)
		ok, err := c.advance()
		if err != nil {
			stop()
			return nil, nil, err
		}
		if ok {
			h = append(h, c)
		}
	}
	heap.Init(&h)
	return &h, stop, nil
}

// popTop returns the smallest entry and advances its stream.
func (h *cursorHeap) popTop() (segment.Entry, int, error) {
	top := (*h)[0]
	e, rank := top.cur, top.rank
	ok, err := top.advance()
	if err != nil {
		return segment.Entry{}, 0, err
	}
	if ok {
		heap.Fix(h, 0)
	} else {
		heap.Pop(h)
	}
	return e, rank, nil
}

// Merge merges value-ordered streams given newest first. Equal values are
// folded with r, or, without a reducer, the newest stream wins.
func Merge(streams []iter.Seq2[segment.Entry, error], r reducer.Reducer) iter.Seq2[segment.Entry, error] {
	return func(yield func(segment.Entry, error) bool) {
		h, stop, err := open(streams)
		if err != nil {
			yield(segment.Entry{}, err)
			return
		}
		defer stop()

		var outputs [][]byte
		for h.Len() > 0 {
			e, _, err := h.popTop()
			if err != nil {
				yield(segment.Entry{}, err)
				return
			}
			outputs = append(outputs[:0], e.Output)
			for h.Len() > 0 && bytes.Equal((*h)[0].cur.Value, e.Value) {
				dup, _, err := h.popTop()
				if err != nil {
					yield(segment.Entry{}, err)
					return
				}
				outputs = append(outputs, dup.Output)
			}
			if r != nil && len(outputs) > 1 {
				if e.Output, err = reducer.Fold(r, outputs...); err != nil {
					yield(segment.Entry{}, err)
					return
				}
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Interleave merges value-ordered streams without combining equal values.
// Each entry is yielded with the index of the stream it came from; equal
// values come out in stream order.
func Interleave(streams []iter.Seq2[segment.Entry, error]) iter.Seq2[Sourced, error] {
	return func(yield func(Sourced, error) bool) {
		h, stop, err := open(streams)
		if err != nil {
			yield(Sourced{}, err)
			return
		}
		defer stop()

		for h.Len() > 0 {
			e, src, err := h.popTop()
			if err != nil {
				yield(Sourced{}, err)
				return
			}
			if !yield(Sourced{Entry: e, Source: src}, nil) {
				return
			}
		}
	}
}

// Sourced is an entry tagged with the stream it came from.
type Sourced struct {
	segment.Entry
	Source int
}
