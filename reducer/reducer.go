// Package reducer defines commutative aggregation functions applied to
// duplicate values in the secondary index.
//
// A reducer turns the key, payload and sequence number of each write into an
// aggregate and combines aggregates. Merge must be associative and commutative so that
// segments can be merged in any grouping and order with identical results.
package reducer

import (
	"errors"
	"fmt"
)

// ErrInvalidAggregate is returned when stored bytes do not decode.
var ErrInvalidAggregate = errors.New("reducer: invalid aggregate")

// Reducer combines the index entries of one value.
type Reducer interface {
	// Name identifies the reducer in segments and manifests.
	Name() string
	// Init builds the aggregate contributed by a single record written at
	// seq.
	Init(key, payload []byte, seq uint64) ([]byte, error)
	// Merge combines two aggregates.
	Merge(a, b []byte) ([]byte, error)
}

// Pruner is implemented by reducers whose aggregates are key sets, so that
// keys no longer mapping to the value can be dropped during merges.
type Pruner interface {
	// Prune removes keys for which live reports false. keep is false when
	// nothing remains.
	Prune(agg []byte, live func(key []byte) (bool, error)) (out []byte, keep bool, err error)
}

// Finalizer is implemented by reducers whose stored aggregate differs from
// the result handed to readers.
type Finalizer interface {
	Finalize(agg []byte) ([]byte, error)
}

// Finalize returns the reader-facing form of agg.
func Finalize(r Reducer, agg []byte) ([]byte, error) {
	if f, ok := r.(Finalizer); ok {
		return f.Finalize(agg)
	}
	return agg, nil
}

// KeyLister is implemented by reducers whose aggregates enumerate keys.
type KeyLister interface {
	Keys(agg []byte) ([][]byte, error)
}

// ByName returns the reducer registered under name. The empty name means no
// reducer (last writer wins) and returns nil.
func ByName(name string) (Reducer, error) {
	switch name {
	case "", "none":
		return nil, nil
	case SumName:
		return Sum{}, nil
	case KeySetName:
		return KeySet{}, nil
	case BitmapName:
		return Bitmap{}, nil
	}
	return nil, fmt.Errorf("reducer: unknown reducer %q", name)
}

// NameOf returns r.Name(), or "" for a nil reducer.
func NameOf(r Reducer) string {
	if r == nil {
		return ""
	}
	return r.Name()
}

// Fold merges aggs left to right.
func Fold(r Reducer, aggs ...[]byte) ([]byte, error) {
	if len(aggs) == 0 {
		return nil, nil
	}
	acc := aggs[0]
	for _, a := range aggs[1:] {
		var err error
		if acc, err = r.Merge(acc, a); err != nil {
			return nil, err
		}
	}
	return acc, nil
}
