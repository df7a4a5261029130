// Package partition assigns index entries to partitions.
//
// Assignment is a pure function of (value, tag): the same record always
// lands in the same partition, and partitions never share values.
package partition

import (
	"errors"
	"fmt"
	"slices"
)

// ErrUnknownPartition is returned when a tag names no partition.
var ErrUnknownPartition = errors.New("partition: unknown partition")

// Partitioner maps records to partitions.
type Partitioner interface {
	// Names returns the partition names in index order.
	Names() []string
	// Assign returns the index into Names for a record.
	Assign(value, tag []byte) (int, error)
}

type topBits struct {
	bits  uint
	names []string
}

// TopBits splits the value domain into 2^bits partitions by the leading
// bits of the value. It suits near-uniform hash values; names are "p00",
// "p01", ... in value order.
func TopBits(bits uint) Partitioner {
	if bits > 16 {
		panic(fmt.Sprintf("partition: TopBits(%d) exceeds 16 bits", bits))
	}
	n := 1 << bits
	width := len(fmt.Sprintf("%x", n-1))
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("p%0*x", width, i)
	}
	return &topBits{bits: bits, names: names}
}

func (p *topBits) Names() []string { return p.names }

func (p *topBits) Assign(value, _ []byte) (int, error) {
	if p.bits == 0 {
		return 0, nil
	}
	var prefix uint32
	for i := range 3 {
		prefix <<= 8
		if i < len(value) {
			prefix |= uint32(value[i])
		}
	}
	return int(prefix >> (24 - p.bits)), nil
}

type byTag struct {
	names []string
	index map[string]int
}

// ByTag routes records by their tag to the partition of the same name.
// Records without a tag go to the first partition.
func ByTag(names ...string) Partitioner {
	if len(names) == 0 {
		panic("partition: ByTag needs at least one name")
	}
	p := &byTag{names: slices.Clone(names), index: make(map[string]int, len(names))}
	for i, n := range names {
		p.index[n] = i
	}
	return p
}

func (p *byTag) Names() []string { return p.names }

func (p *byTag) Assign(_, tag []byte) (int, error) {
	if len(tag) == 0 {
		return 0, nil
	}
	i, ok := p.index[string(tag)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPartition, tag)
	}
	return i, nil
}

// Single places everything in one partition named "all".
func Single() Partitioner {
	return ByTag("all")
}

// Ordered reports whether partition order equals value order, so a
// cross-partition range scan can concatenate partition streams.
func Ordered(p Partitioner) bool {
	_, ok := p.(*topBits)
	return ok
}
