package segment

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/blevesearch/vellum"
	"github.com/hupe1980/dualkv/blobstore"
	"github.com/hupe1980/dualkv/internal/cache"
	"github.com/hupe1980/dualkv/internal/hash"
	"github.com/hupe1980/dualkv/internal/mmap"
)

// Entry is one (value, output) pair.
type Entry struct {
	Value  []byte
	Output []byte
}

// Segment is an open, immutable segment.
type Segment struct {
	id   uint64
	path string
	blob blobstore.Blob
	data []byte

	compression Compression
	reducer     string
	fst         *vellum.FST
	offsets     []uint64
	indexOffset uint64
	rowCount    uint64
	min, max    []byte

	cache cache.BlockCache
}

// Option configures Open.
type Option func(*Segment)

// WithBlockCache caches decoded entry blocks.
func WithBlockCache(c cache.BlockCache) Option {
	return func(s *Segment) { s.cache = c }
}

// WithIdentity sets the ID and path used for cache keys and errors.
func WithIdentity(id uint64, path string) Option {
	return func(s *Segment) {
		s.id = id
		s.path = path
	}
}

// Open verifies and opens a segment. The blob is owned by the segment and
// closed by Close.
func Open(ctx context.Context, blob blobstore.Blob, opts ...Option) (*Segment, error) {
	s := &Segment{blob: blob}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(ctx); err != nil {
		_ = blob.Close()
		if s.path != "" {
			return nil, fmt.Errorf("segment %s: %w", s.path, err)
		}
		return nil, err
	}
	return s, nil
}

func (s *Segment) load(ctx context.Context) error {
	if m, ok := s.blob.(blobstore.Mappable); ok {
		data, err := m.Bytes()
		if err != nil {
			return err
		}
		s.data = data
	} else {
		size := s.blob.Size()
		data := make([]byte, size)
		if n, err := s.blob.ReadAt(ctx, data, 0); err != nil && !(errors.Is(err, io.EOF) && int64(n) == size) {
			return err
		}
		s.data = data
	}

	if len(s.data) < HeaderSize+FooterSize {
		return ErrTruncated
	}
	h, err := decodeHeader(s.data)
	if err != nil {
		return err
	}
	s.compression = h.Compression

	footerStart := len(s.data) - FooterSize
	f, err := decodeFooter(s.data[footerStart:])
	if err != nil {
		return err
	}
	if hash.CRC32C(s.data[:footerStart]) != f.Checksum {
		return ErrChecksum
	}

	if f.IndexOffset+8*uint64(f.BlockCount) != f.FSTOffset ||
		f.FSTOffset+f.FSTLength != f.MetaOffset ||
		f.MetaOffset > uint64(footerStart) {
		return ErrTruncated
	}

	s.indexOffset = f.IndexOffset
	s.offsets = make([]uint64, f.BlockCount)
	for i := range s.offsets {
		s.offsets[i] = binary.LittleEndian.Uint64(s.data[f.IndexOffset+8*uint64(i):])
	}
	s.rowCount = f.RowCount

	fst, err := vellum.Load(s.data[f.FSTOffset:f.MetaOffset])
	if err != nil {
		return err
	}
	s.fst = fst

	meta := s.data[f.MetaOffset:footerStart]
	var reducer []byte
	if reducer, meta, err = readField(meta); err != nil {
		return err
	}
	if s.min, meta, err = readField(meta); err != nil {
		return err
	}
	if s.max, _, err = readField(meta); err != nil {
		return err
	}
	s.reducer = string(reducer)
	return nil
}

func readField(b []byte) ([]byte, []byte, error) {
	if len(b) < 2 {
		return nil, nil, ErrTruncated
	}
	l := int(binary.LittleEndian.Uint16(b))
	if len(b) < 2+l {
		return nil, nil, ErrTruncated
	}
	return b[2 : 2+l], b[2+l:], nil
}

// ID returns the segment ID.
func (s *Segment) ID() uint64 { return s.id }

// Path returns the segment blob name.
func (s *Segment) Path() string { return s.path }

// RowCount returns the number of values in the segment.
func (s *Segment) RowCount() uint64 { return s.rowCount }

// Size returns the size of the segment in bytes.
func (s *Segment) Size() int64 { return int64(len(s.data)) }

// Reducer returns the reducer name the segment was built with.
func (s *Segment) Reducer() string { return s.reducer }

// Compression returns the entry block compression.
func (s *Segment) Compression() Compression { return s.compression }

// MinValue returns the smallest value.
func (s *Segment) MinValue() []byte { return s.min }

// MaxValue returns the largest value.
func (s *Segment) MaxValue() []byte { return s.max }

// Advise hints the kernel about the expected access pattern when the
// segment is memory mapped.
func (s *Segment) Advise(pattern mmap.AccessPattern) error {
	if a, ok := s.blob.(interface {
		Advise(mmap.AccessPattern) error
	}); ok {
		return a.Advise(pattern)
	}
	return nil
}

// Close releases the FST and the blob.
func (s *Segment) Close() error {
	var err error
	if s.fst != nil {
		err = s.fst.Close()
	}
	if cerr := s.blob.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Segment) block(ctx context.Context, blockNo uint32) ([]byte, error) {
	if int(blockNo) >= len(s.offsets) {
		return nil, fmt.Errorf("%w: block %d of %d", ErrTruncated, blockNo, len(s.offsets))
	}
	key := cache.CacheKey{Kind: cache.CacheKindEntryBlock, SegmentID: s.id, Offset: uint64(blockNo), Path: s.path}
	if s.cache != nil {
		if b, ok := s.cache.Get(ctx, key); ok {
			return b, nil
		}
	}

	end := s.indexOffset
	if int(blockNo)+1 < len(s.offsets) {
		end = s.offsets[blockNo+1]
	}
	raw := s.data[s.offsets[blockNo]:end]
	b, err := decompressBlock(raw, s.compression)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		// Stored blocks alias the mapping, which is unmapped on Close.
		if len(raw) > blockHeaderSize && &b[0] == &raw[blockHeaderSize] {
			b = bytes.Clone(b)
		}
		s.cache.Set(ctx, key, b)
	}
	return b, nil
}

func decodeOutput(block []byte, off uint32) ([]byte, error) {
	if int(off) >= len(block) {
		return nil, ErrTruncated
	}
	l, n := binary.Uvarint(block[off:])
	if n <= 0 || int(off)+n+int(l) > len(block) {
		return nil, ErrTruncated
	}
	start := int(off) + n
	return block[start : start+int(l)], nil
}

func (s *Segment) output(ctx context.Context, packed uint64) ([]byte, error) {
	b, err := s.block(ctx, uint32(packed>>32))
	if err != nil {
		return nil, err
	}
	return decodeOutput(b, uint32(packed))
}

// Get returns the output stored for value. The returned slice is read-only.
func (s *Segment) Get(ctx context.Context, value []byte) ([]byte, bool, error) {
	if bytes.Compare(value, s.min) < 0 || bytes.Compare(value, s.max) > 0 {
		return nil, false, nil
	}
	packed, ok, err := s.fst.Get(value)
	if err != nil || !ok {
		return nil, false, err
	}
	out, err := s.output(ctx, packed)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// Range yields entries with start <= value <= end in value order. A nil
// bound is open. Yielded slices are only valid until the next iteration.
func (s *Segment) Range(ctx context.Context, start, end []byte) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		var endExclusive []byte
		if end != nil {
			endExclusive = append(bytes.Clone(end), 0)
		}

		it, err := s.fst.Iterator(start, endExclusive)
		if errors.Is(err, vellum.ErrIteratorDone) {
			return
		}
		if err != nil {
			yield(Entry{}, err)
			return
		}
		defer it.Close()

		var (
			curBlock = ^uint32(0)
			block    []byte
		)
		for {
			if err := ctx.Err(); err != nil {
				yield(Entry{}, err)
				return
			}
			value, packed := it.Current()
			if no := uint32(packed >> 32); no != curBlock {
				block, err = s.block(ctx, no)
				if err != nil {
					yield(Entry{}, err)
					return
				}
				curBlock = no
			}
			out, err := decodeOutput(block, uint32(packed))
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if !yield(Entry{Value: value, Output: out}, nil) {
				return
			}

			if err := it.Next(); err != nil {
				if !errors.Is(err, vellum.ErrIteratorDone) {
					yield(Entry{}, err)
				}
				return
			}
		}
	}
}

// All yields every entry in value order.
func (s *Segment) All(ctx context.Context) iter.Seq2[Entry, error] {
	return s.Range(ctx, nil, nil)
}
