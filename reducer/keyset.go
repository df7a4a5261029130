package reducer

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const KeySetName = "keyset"

// KeySet collects the distinct keys that map to a value, sorted. It is the
// general many-keys-per-value reducer; Bitmap is a denser form for 8-byte
// integer keys.
type KeySet struct{}

func (KeySet) Name() string { return KeySetName }

func (KeySet) Init(key, _ []byte, _ uint64) ([]byte, error) {
	return appendKey(nil, key), nil
}

func (KeySet) Merge(a, b []byte) ([]byte, error) {
	ka, err := decodeKeys(a)
	if err != nil {
		return nil, err
	}
	kb, err := decodeKeys(b)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(ka) || j < len(kb) {
		switch {
		case j == len(kb):
			out = appendKey(out, ka[i])
			i++
		case i == len(ka):
			out = appendKey(out, kb[j])
			j++
		default:
			switch c := bytes.Compare(ka[i], kb[j]); {
			case c < 0:
				out = appendKey(out, ka[i])
				i++
			case c > 0:
				out = appendKey(out, kb[j])
				j++
			default:
				out = appendKey(out, ka[i])
				i++
				j++
			}
		}
	}
	return out, nil
}

func (KeySet) Prune(agg []byte, live func(key []byte) (bool, error)) ([]byte, bool, error) {
	keys, err := decodeKeys(agg)
	if err != nil {
		return nil, false, err
	}
	out := make([]byte, 0, len(agg))
	for _, k := range keys {
		ok, err := live(k)
		if err != nil {
			return nil, false, err
		}
		if ok {
			out = appendKey(out, k)
		}
	}
	return out, len(out) > 0, nil
}

func (KeySet) Keys(agg []byte) ([][]byte, error) {
	return decodeKeys(agg)
}

func appendKey(dst, key []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(key)))
	return append(dst, key...)
}

func decodeKeys(b []byte) ([][]byte, error) {
	var keys [][]byte
	for len(b) > 0 {
		l, n := binary.Uvarint(b)
		if n <= 0 || uint64(len(b)-n) < l {
			return nil, fmt.Errorf("%w: truncated key set", ErrInvalidAggregate)
		}
		keys = append(keys, b[n:n+int(l)])
		b = b[n+int(l):]
	}
	return keys, nil
}
