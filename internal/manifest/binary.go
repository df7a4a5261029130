package manifest

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/hupe1980/dualkv/internal/hash"
)

const (
	binaryMagic   = 0x444b564d // "DKVM"
	binaryVersion = 1
	maxField      = 65535
)

// WriteBinary writes the manifest in binary format.
// Format:
// Magic (4 bytes)
// Version (4 bytes)
// Checksum (4 bytes) - CRC32C of payload
// PayloadLength (4 bytes)
// Payload:
//
//	ID (8 bytes)
//	CreatedAt (8 bytes) - UnixNano
//	Partition (string)
//	Reducer (string)
//	NextSegmentID (8 bytes)
//	NextGeneration (8 bytes)
//	DurableSeq (8 bytes)
//	NumSegments (4 bytes)
//	Segments...
//	  ID (8 bytes)
//	  Generation (8 bytes)
//	  Level (4 bytes)
//	  RowCount (8 bytes)
//	  Size (8 bytes)
//	  Path (string)
//	  MinValue (string)
//	  MaxValue (string)
func (m *Manifest) WriteBinary(w io.Writer) error {
	payloadSize := 64 + len(m.Partition) + len(m.Reducer) + len(m.Segments)*96
	pb := newPayloadBuffer(make([]byte, 0, payloadSize))

	pb.writeUint64(m.ID)
	pb.writeUint64(uint64(m.CreatedAt.UnixNano()))
	pb.writeBytes([]byte(m.Partition))
	pb.writeBytes([]byte(m.Reducer))
	pb.writeUint64(m.NextSegmentID)
	pb.writeUint64(m.NextGeneration)
	pb.writeUint64(m.DurableSeq)
	pb.writeUint32(uint32(len(m.Segments)))

	for _, s := range m.Segments {
		pb.writeUint64(s.ID)
		pb.writeUint64(s.Generation)
		pb.writeUint32(uint32(s.Level))
		pb.writeUint64(s.RowCount)
		pb.writeUint64(uint64(s.Size))
		pb.writeBytes([]byte(s.Path))
		pb.writeBytes(s.MinValue)
		pb.writeBytes(s.MaxValue)
	}

	if pb.err != nil {
		return pb.err
	}

	payload := pb.buf

	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], binaryMagic)
	binary.LittleEndian.PutUint32(header[4:8], binaryVersion)
	binary.LittleEndian.PutUint32(header[8:12], hash.CRC32C(payload))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadBinary reads the manifest from binary format.
func ReadBinary(r io.Reader) (*Manifest, error) {
	header := make([]byte, 16)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic != binaryMagic {
		return nil, fmt.Errorf("invalid magic: %x", magic)
	}
	version := binary.LittleEndian.Uint32(header[4:8])
	if version != binaryVersion {
		return nil, fmt.Errorf("%w: %d", ErrIncompatibleVersion, version)
	}
	checksum := binary.LittleEndian.Uint32(header[8:12])
	length := binary.LittleEndian.Uint32(header[12:16])

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	if hash.CRC32C(payload) != checksum {
		return nil, fmt.Errorf("checksum mismatch")
	}

	pb := newPayloadBuffer(payload)
	m := &Manifest{Version: int(version)}

	m.ID = pb.readUint64()
	m.CreatedAt = time.Unix(0, int64(pb.readUint64()))
	m.Partition = string(pb.readBytes())
	m.Reducer = string(pb.readBytes())
	m.NextSegmentID = pb.readUint64()
	m.NextGeneration = pb.readUint64()
	m.DurableSeq = pb.readUint64()

	numSegments := pb.readUint32()
	if pb.err == nil && int(numSegments) > len(payload) {
		return nil, fmt.Errorf("segment count %d exceeds payload", numSegments)
	}
	m.Segments = make([]SegmentInfo, numSegments)
	for i := range m.Segments {
		s := &m.Segments[i]
		s.ID = pb.readUint64()
		s.Generation = pb.readUint64()
		s.Level = int(pb.readUint32())
		s.RowCount = pb.readUint64()
		s.Size = int64(pb.readUint64())
		s.Path = string(pb.readBytes())
		s.MinValue = pb.readBytes()
		s.MaxValue = pb.readBytes()
	}

	if pb.err != nil {
		return nil, pb.err
	}
	if pb.pos != len(pb.buf) {
		return nil, fmt.Errorf("%d trailing bytes", len(pb.buf)-pb.pos)
	}
	return m, nil
}

type payloadBuffer struct {
	buf []byte
	pos int
	err error
}

func newPayloadBuffer(b []byte) *payloadBuffer {
	return &payloadBuffer{buf: b}
}

func (p *payloadBuffer) writeUint64(v uint64) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint64(p.buf, v)
}

func (p *payloadBuffer) writeUint32(v uint32) {
	if p.err != nil {
		return
	}
	p.buf = binary.LittleEndian.AppendUint32(p.buf, v)
}

func (p *payloadBuffer) writeBytes(b []byte) {
	if p.err != nil {
		return
	}
	if len(b) > maxField {
		p.err = fmt.Errorf("field too long: %d", len(b))
		return
	}
	p.buf = binary.LittleEndian.AppendUint16(p.buf, uint16(len(b)))
	p.buf = append(p.buf, b...)
}

func (p *payloadBuffer) readUint64() uint64 {
	if p.err != nil {
		return 0
	}
	if p.pos+8 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint64(p.buf[p.pos:])
	p.pos += 8
	return v
}

func (p *payloadBuffer) readUint32() uint32 {
	if p.err != nil {
		return 0
	}
	if p.pos+4 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return 0
	}
	v := binary.LittleEndian.Uint32(p.buf[p.pos:])
	p.pos += 4
	return v
}

func (p *payloadBuffer) readBytes() []byte {
	if p.err != nil {
		return nil
	}
	if p.pos+2 > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	l := int(binary.LittleEndian.Uint16(p.buf[p.pos:]))
	p.pos += 2

	if p.pos+l > len(p.buf) {
		p.err = io.ErrUnexpectedEOF
		return nil
	}
	b := append([]byte(nil), p.buf[p.pos:p.pos+l]...)
	p.pos += l
	return b
}
