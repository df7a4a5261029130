package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/blevesearch/vellum"
	"github.com/hupe1980/dualkv/internal/hash"
)

// WriterOptions configures a segment writer.
type WriterOptions struct {
	Compression Compression
	// BlockSize is the uncompressed entry block target. Default: DefaultBlockSize.
	BlockSize int
	// Reducer names the reducer that produced the outputs; empty for
	// last-writer-wins segments.
	Reducer string
}

// Info summarizes a finished segment.
type Info struct {
	RowCount uint64
	Size     int64
	MinValue []byte
	MaxValue []byte
}

// Writer streams (value, output) pairs in strictly increasing value order
// into a segment.
type Writer struct {
	w    io.Writer
	crc  uint32
	off  uint64
	opts WriterOptions

	fstBuf bytes.Buffer
	fst    *vellum.Builder

	block   []byte
	encoded []byte
	offsets []uint64

	rows     uint64
	min, max []byte
	err      error
}

// NewWriter writes the segment header and returns a Writer.
func NewWriter(w io.Writer, opts WriterOptions) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	sw := &Writer{
		w:     w,
		opts:  opts,
		block: make([]byte, 0, opts.BlockSize+1024),
	}

	b, err := vellum.New(&sw.fstBuf, nil)
	if err != nil {
		return nil, err
	}
	sw.fst = b

	h := fileHeader{Magic: MagicNumber, Version: Version, Compression: opts.Compression}
	if err := sw.write(h.encode()); err != nil {
		return nil, err
	}
	return sw, nil
}

func (sw *Writer) write(p []byte) error {
	if sw.err != nil {
		return sw.err
	}
	n, err := sw.w.Write(p)
	sw.crc = hash.UpdateCRC32C(sw.crc, p[:n])
	sw.off += uint64(n)
	if err != nil {
		sw.err = err
	}
	return err
}

// Add appends a pair. Values must be non-empty, at most MaxValueSize bytes
// and strictly greater than the previous value. Outputs are length-prefixed
// and may be up to MaxOutputSize bytes.
func (sw *Writer) Add(value, output []byte) error {
	if sw.err != nil {
		return sw.err
	}
	if len(value) == 0 || len(value) > MaxValueSize {
		return fmt.Errorf("%w: value of %d bytes", ErrEncodingViolation, len(value))
	}
	if len(output) > MaxOutputSize {
		return fmt.Errorf("%w: output of %d bytes", ErrEncodingViolation, len(output))
	}
	if sw.max != nil && bytes.Compare(value, sw.max) <= 0 {
		return fmt.Errorf("%w: value %x not above %x", ErrEncodingViolation, value, sw.max)
	}

	packed := uint64(len(sw.offsets))<<32 | uint64(len(sw.block))
	if err := sw.fst.Insert(value, packed); err != nil {
		return fmt.Errorf("%w: %v", ErrEncodingViolation, err)
	}

	sw.block = binary.AppendUvarint(sw.block, uint64(len(output)))
	sw.block = append(sw.block, output...)

	if sw.min == nil {
		sw.min = bytes.Clone(value)
	}
	sw.max = append(sw.max[:0], value...)
	sw.rows++

	if len(sw.block) >= sw.opts.BlockSize {
		return sw.flushBlock()
	}
	return nil
}

func (sw *Writer) flushBlock() error {
	if len(sw.block) == 0 {
		return nil
	}
	var err error
	sw.encoded, err = compressBlock(sw.encoded[:0], sw.block, sw.opts.Compression)
	if err != nil {
		sw.err = err
		return err
	}
	sw.offsets = append(sw.offsets, sw.off)
	sw.block = sw.block[:0]
	return sw.write(sw.encoded)
}

// RowCount returns the number of pairs added so far.
func (sw *Writer) RowCount() uint64 { return sw.rows }

// Finish writes the block index, FST, meta and footer. The underlying
// writer is not closed.
func (sw *Writer) Finish() (Info, error) {
	if sw.rows == 0 {
		return Info{}, fmt.Errorf("%w: empty segment", ErrEncodingViolation)
	}
	if err := sw.flushBlock(); err != nil {
		return Info{}, err
	}

	f := fileFooter{Magic: MagicNumber, RowCount: sw.rows, BlockCount: uint32(len(sw.offsets))}

	f.IndexOffset = sw.off
	idx := make([]byte, 0, 8*len(sw.offsets))
	for _, o := range sw.offsets {
		idx = binary.LittleEndian.AppendUint64(idx, o)
	}
	if err := sw.write(idx); err != nil {
		return Info{}, err
	}

	if err := sw.fst.Close(); err != nil {
		sw.err = err
		return Info{}, err
	}
	f.FSTOffset = sw.off
	f.FSTLength = uint64(sw.fstBuf.Len())
	if err := sw.write(sw.fstBuf.Bytes()); err != nil {
		return Info{}, err
	}

	f.MetaOffset = sw.off
	meta := appendField(nil, []byte(sw.opts.Reducer))
	meta = appendField(meta, sw.min)
	meta = appendField(meta, sw.max)
	if err := sw.write(meta); err != nil {
		return Info{}, err
	}

	f.Checksum = sw.crc
	if err := sw.write(f.encode()); err != nil {
		return Info{}, err
	}

	return Info{
		RowCount: sw.rows,
		Size:     int64(sw.off),
		MinValue: sw.min,
		MaxValue: bytes.Clone(sw.max),
	}, nil
}

func appendField(dst, b []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(b)))
	return append(dst, b...)
}
