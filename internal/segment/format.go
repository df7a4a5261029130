package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	MagicNumber = 0x444b5653 // "DKVS"
	Version     = 1

	HeaderSize = 16
	FooterSize = 56

	// DefaultBlockSize is the uncompressed entry block target.
	DefaultBlockSize = 16 * 1024

	// MaxValueSize bounds values so they fit the min/max manifest fields.
	MaxValueSize = 65535

	// MaxOutputSize bounds a single output so its block length fits the
	// 32-bit block header.
	MaxOutputSize = 1 << 31
)

var (
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("unsupported version")
	ErrChecksum       = errors.New("segment checksum mismatch")
	ErrTruncated      = errors.New("segment truncated")

	// ErrEncodingViolation is returned by Writer.Add when input breaks the
	// segment contract: values out of order, duplicated, empty or oversized.
	ErrEncodingViolation = errors.New("segment encoding violation")
)

// fileHeader is stored at the beginning of the file.
type fileHeader struct {
	Magic       uint32
	Version     uint32
	Compression Compression
	// 7 reserved bytes
}

func (h *fileHeader) encode() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.Version)
	buf[8] = byte(h.Compression)
	return buf
}

func decodeHeader(buf []byte) (*fileHeader, error) {
	if len(buf) < HeaderSize {
		return nil, ErrTruncated
	}
	h := &fileHeader{}
	h.Magic = binary.LittleEndian.Uint32(buf[0:])
	if h.Magic != MagicNumber {
		return nil, ErrInvalidMagic
	}
	h.Version = binary.LittleEndian.Uint32(buf[4:])
	if h.Version != Version {
		return nil, ErrInvalidVersion
	}
	h.Compression = Compression(buf[8])
	if h.Compression > CompressionZSTD {
		return nil, fmt.Errorf("unknown compression %d", buf[8])
	}
	return h, nil
}

// fileFooter is stored at the end of the file. Checksum covers every byte
// before the footer.
type fileFooter struct {
	IndexOffset uint64
	BlockCount  uint32
	FSTOffset   uint64
	FSTLength   uint64
	MetaOffset  uint64
	RowCount    uint64
	Checksum    uint32
	Magic       uint32
}

func (f *fileFooter) encode() []byte {
	buf := make([]byte, FooterSize)
	binary.LittleEndian.PutUint64(buf[0:], f.IndexOffset)
	binary.LittleEndian.PutUint32(buf[8:], f.BlockCount)
	// Padding [12:16]
	binary.LittleEndian.PutUint64(buf[16:], f.FSTOffset)
	binary.LittleEndian.PutUint64(buf[24:], f.FSTLength)
	binary.LittleEndian.PutUint64(buf[32:], f.MetaOffset)
	binary.LittleEndian.PutUint64(buf[40:], f.RowCount)
	binary.LittleEndian.PutUint32(buf[48:], f.Checksum)
	binary.LittleEndian.PutUint32(buf[52:], f.Magic)
	return buf
}

func decodeFooter(buf []byte) (*fileFooter, error) {
	if len(buf) < FooterSize {
		return nil, ErrTruncated
	}
	f := &fileFooter{}
	f.IndexOffset = binary.LittleEndian.Uint64(buf[0:])
	f.BlockCount = binary.LittleEndian.Uint32(buf[8:])
	f.FSTOffset = binary.LittleEndian.Uint64(buf[16:])
	f.FSTLength = binary.LittleEndian.Uint64(buf[24:])
	f.MetaOffset = binary.LittleEndian.Uint64(buf[32:])
	f.RowCount = binary.LittleEndian.Uint64(buf[40:])
	f.Checksum = binary.LittleEndian.Uint32(buf[48:])
	f.Magic = binary.LittleEndian.Uint32(buf[52:])
	if f.Magic != MagicNumber {
		return nil, ErrInvalidMagic
	}
	return f, nil
}

// FileName returns the blob name of a segment. Names sort by generation.
func FileName(generation, id uint64) string {
	return fmt.Sprintf("seg-%016x-%06d.dkv", generation, id)
}
