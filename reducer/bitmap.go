package reducer

import (
	"encoding/binary"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
)

const BitmapName = "bitmap"

// Bitmap collects 8-byte big-endian integer keys in a roaring bitmap.
type Bitmap struct{}

func (Bitmap) Name() string { return BitmapName }

func (Bitmap) Init(key, _ []byte, _ uint64) ([]byte, error) {
	if len(key) != 8 {
		return nil, fmt.Errorf("%w: bitmap key must be 8 bytes, got %d", ErrInvalidAggregate, len(key))
	}
	bm := roaring64.New()
	bm.Add(binary.BigEndian.Uint64(key))
	return bm.ToBytes()
}

func (Bitmap) Merge(a, b []byte) ([]byte, error) {
	x, err := decodeBitmap(a)
	if err != nil {
		return nil, err
	}
	y, err := decodeBitmap(b)
	if err != nil {
		return nil, err
	}
	x.Or(y)
	x.RunOptimize()
	return x.ToBytes()
}

func (Bitmap) Prune(agg []byte, live func(key []byte) (bool, error)) ([]byte, bool, error) {
	bm, err := decodeBitmap(agg)
	if err != nil {
		return nil, false, err
	}
	dead := roaring64.New()
	it := bm.Iterator()
	var key [8]byte
	for it.HasNext() {
		v := it.Next()
		binary.BigEndian.PutUint64(key[:], v)
		ok, err := live(key[:])
		if err != nil {
			return nil, false, err
		}
		if !ok {
			dead.Add(v)
		}
	}
	if dead.IsEmpty() {
		return agg, true, nil
	}
	bm.AndNot(dead)
	if bm.IsEmpty() {
		return nil, false, nil
	}
	out, err := bm.ToBytes()
	return out, true, err
}

func (Bitmap) Keys(agg []byte) ([][]byte, error) {
	bm, err := decodeBitmap(agg)
	if err != nil {
		return nil, err
	}
	keys := make([][]byte, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		keys = append(keys, binary.BigEndian.AppendUint64(nil, it.Next()))
	}
	return keys, nil
}

// Cardinality returns the number of keys in a bitmap aggregate.
func (Bitmap) Cardinality(agg []byte) (uint64, error) {
	bm, err := decodeBitmap(agg)
	if err != nil {
		return 0, err
	}
	return bm.GetCardinality(), nil
}

func decodeBitmap(b []byte) (*roaring64.Bitmap, error) {
	bm := roaring64.New()
	if err := bm.UnmarshalBinary(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAggregate, err)
	}
	return bm, nil
}
