package reducer

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const SumName = "sum"

// Sum adds big-endian uint64 payloads, one per key. An empty payload counts
// as 1, so Sum doubles as a distinct-key counter.
//
// The stored aggregate keeps every key's contribution with the sequence
// number it was written at, sorted by key. A key written twice counts once
// with its newest payload, and keys that moved to another value are pruned
// during merges. Finalize folds the aggregate to the 8-byte total returned
// by lookups.
type Sum struct{}

func (Sum) Name() string { return SumName }

func (Sum) Init(key, payload []byte, seq uint64) ([]byte, error) {
	var v uint64
	switch len(payload) {
	case 0:
		v = 1
	case 8:
		v = binary.BigEndian.Uint64(payload)
	default:
		return nil, fmt.Errorf("%w: sum payload must be 8 bytes, got %d", ErrInvalidAggregate, len(payload))
	}
	return appendContribution(nil, contribution{key: key, seq: seq, value: v}), nil
}

func (Sum) Merge(a, b []byte) ([]byte, error) {
	ca, err := decodeContributions(a)
	if err != nil {
		return nil, err
	}
	cb, err := decodeContributions(b)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(ca) || j < len(cb) {
		switch {
		case j == len(cb):
			out = appendContribution(out, ca[i])
			i++
		case i == len(ca):
			out = appendContribution(out, cb[j])
			j++
		default:
			switch c := bytes.Compare(ca[i].key, cb[j].key); {
			case c < 0:
				out = appendContribution(out, ca[i])
				i++
			case c > 0:
				out = appendContribution(out, cb[j])
				j++
			default:
				out = appendContribution(out, newest(ca[i], cb[j]))
				i++
				j++
			}
		}
	}
	return out, nil
}

func (Sum) Prune(agg []byte, live func(key []byte) (bool, error)) ([]byte, bool, error) {
	cs, err := decodeContributions(agg)
	if err != nil {
		return nil, false, err
	}
	out := make([]byte, 0, len(agg))
	for _, c := range cs {
		ok, err := live(c.key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			out = appendContribution(out, c)
		}
	}
	return out, len(out) > 0, nil
}

func (Sum) Finalize(agg []byte) ([]byte, error) {
	total, err := SumOf(agg)
	if err != nil {
		return nil, err
	}
	return EncodeUint64(total), nil
}

// SumOf returns the total of a stored Sum aggregate.
func SumOf(agg []byte) (uint64, error) {
	cs, err := decodeContributions(agg)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, c := range cs {
		total += c.value
	}
	return total, nil
}

type contribution struct {
	key   []byte
	seq   uint64
	value uint64
}

// newest picks the later write of one key; equal sequence numbers keep the
// larger payload so the choice does not depend on merge order.
func newest(a, b contribution) contribution {
	if b.seq > a.seq || (b.seq == a.seq && b.value > a.value) {
		return b
	}
	return a
}

func appendContribution(dst []byte, c contribution) []byte {
	dst = appendKey(dst, c.key)
	dst = binary.AppendUvarint(dst, c.seq)
	return binary.BigEndian.AppendUint64(dst, c.value)
}

func decodeContributions(b []byte) ([]contribution, error) {
	var cs []contribution
	for len(b) > 0 {
		l, n := binary.Uvarint(b)
		if n <= 0 || uint64(len(b)-n) < l {
			return nil, fmt.Errorf("%w: truncated sum key", ErrInvalidAggregate)
		}
		c := contribution{key: b[n : n+int(l)]}
		b = b[n+int(l):]

		seq, n := binary.Uvarint(b)
		if n <= 0 || len(b)-n < 8 {
			return nil, fmt.Errorf("%w: truncated sum contribution", ErrInvalidAggregate)
		}
		c.seq = seq
		c.value = binary.BigEndian.Uint64(b[n:])
		b = b[n+8:]
		cs = append(cs, c)
	}
	return cs, nil
}

// EncodeUint64 encodes v big-endian.
func EncodeUint64(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

// DecodeUint64 decodes a big-endian uint64, such as a finalized Sum.
func DecodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: want 8 bytes, got %d", ErrInvalidAggregate, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
