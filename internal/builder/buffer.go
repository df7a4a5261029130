package builder

import (
	"bytes"
	"fmt"
	"io"

	"github.com/google/btree"
	"github.com/hupe1980/dualkv/internal/segment"
	"github.com/hupe1980/dualkv/reducer"
)

// entryOverhead approximates per-entry bookkeeping in the B-tree.
const entryOverhead = 48

type item struct {
	value  []byte
	output []byte
	seq    uint64
}

func less(a, b *item) bool {
	return bytes.Compare(a.value, b.value) < 0
}

// Buffer is an ordered in-memory batch of index pairs. It is not safe for
// concurrent use; the owning partition serializes access.
type Buffer struct {
	reducer reducer.Reducer
	tree    *btree.BTreeG[*item]
	bytes   int64
	minSeq  uint64
	maxSeq  uint64
}

// NewBuffer creates an empty buffer. r may be nil.
func NewBuffer(r reducer.Reducer) *Buffer {
	return &Buffer{reducer: r, tree: btree.NewG(32, less)}
}

// Len returns the number of distinct values.
func (b *Buffer) Len() int { return b.tree.Len() }

// Bytes returns the approximate memory footprint.
func (b *Buffer) Bytes() int64 { return b.bytes }

// MinSeq returns the lowest sequence number that contributed to the buffer,
// or 0 when empty.
func (b *Buffer) MinSeq() uint64 { return b.minSeq }

// MaxSeq returns the highest contributing sequence number.
func (b *Buffer) MaxSeq() uint64 { return b.maxSeq }

// Add inserts the pair (value, key) written at seq.
func (b *Buffer) Add(value, key, payload []byte, seq uint64) error {
	if len(value) == 0 || len(value) > segment.MaxValueSize {
		return fmt.Errorf("%w: value of %d bytes", segment.ErrEncodingViolation, len(value))
	}

	output := key
	if b.reducer != nil {
		var err error
		if output, err = b.reducer.Init(key, payload, seq); err != nil {
			return err
		}
	}
	return b.insert(&item{value: bytes.Clone(value), output: bytes.Clone(output), seq: seq}, true)
}

// insert merges it into the tree. newer reports whether it is more recent
// than anything already buffered, which decides ties without a reducer.
func (b *Buffer) insert(it *item, newer bool) error {
	if existing, ok := b.tree.Get(it); ok {
		before := int64(len(existing.output))
		switch {
		case b.reducer != nil:
			merged, err := b.reducer.Merge(existing.output, it.output)
			if err != nil {
				return err
			}
			existing.output = merged
			existing.seq = max(existing.seq, it.seq)
		case it.seq > existing.seq || (newer && it.seq == existing.seq):
			existing.output = it.output
			existing.seq = it.seq
		}
		b.bytes += int64(len(existing.output)) - before
	} else {
		b.tree.ReplaceOrInsert(it)
		b.bytes += int64(len(it.value)+len(it.output)) + entryOverhead
	}

	if b.minSeq == 0 || it.seq < b.minSeq {
		b.minSeq = it.seq
	}
	b.maxSeq = max(b.maxSeq, it.seq)
	return nil
}

// Absorb moves every entry of older into b. Entries already in b are newer
// and win without a reducer; with a reducer both are combined.
func (b *Buffer) Absorb(older *Buffer) error {
	var err error
	older.tree.Ascend(func(it *item) bool {
		err = b.insert(it, false)
		return err == nil
	})
	return err
}

// Ascend calls fn for each entry in value order.
func (b *Buffer) Ascend(fn func(value, output []byte) bool) {
	b.tree.Ascend(func(it *item) bool {
		return fn(it.value, it.output)
	})
}

// WriteTo encodes the buffer as a segment.
func (b *Buffer) WriteTo(w io.Writer, opts segment.WriterOptions) (segment.Info, error) {
	opts.Reducer = reducer.NameOf(b.reducer)
	sw, err := segment.NewWriter(w, opts)
	if err != nil {
		return segment.Info{}, err
	}
	b.tree.Ascend(func(it *item) bool {
		err = sw.Add(it.value, it.output)
		return err == nil
	})
	if err != nil {
		return segment.Info{}, err
	}
	return sw.Finish()
}
