package primary

import (
	"encoding/binary"
	"errors"
)

const envelopeVersion = 1

// ErrBadEnvelope is returned when a stored value does not decode.
var ErrBadEnvelope = errors.New("primary: malformed envelope")

// Envelope is the stored form of a live value.
type Envelope struct {
	Seq     uint64
	Tag     []byte
	Payload []byte
	Value   []byte
}

func (e *Envelope) encode() []byte {
	buf := make([]byte, 0, 1+binary.MaxVarintLen64+3*binary.MaxVarintLen32+len(e.Tag)+len(e.Payload)+len(e.Value))
	buf = append(buf, envelopeVersion)
	buf = binary.AppendUvarint(buf, e.Seq)
	for _, f := range [][]byte{e.Tag, e.Payload, e.Value} {
		buf = binary.AppendUvarint(buf, uint64(len(f)))
		buf = append(buf, f...)
	}
	return buf
}

func decodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if len(b) == 0 || b[0] != envelopeVersion {
		return e, ErrBadEnvelope
	}
	b = b[1:]

	seq, n := binary.Uvarint(b)
	if n <= 0 {
		return e, ErrBadEnvelope
	}
	e.Seq = seq
	b = b[n:]

	fields := [3]*[]byte{&e.Tag, &e.Payload, &e.Value}
	for _, f := range fields {
		l, n := binary.Uvarint(b)
		if n <= 0 || uint64(len(b)-n) < l {
			return e, ErrBadEnvelope
		}
		if l > 0 {
			*f = b[n : n+int(l)]
		}
		b = b[n+int(l):]
	}
	if len(b) != 0 {
		return e, ErrBadEnvelope
	}
	return e, nil
}
