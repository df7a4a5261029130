package primary

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/dualkv/backend"
)

var (
	// ErrNotFound is returned for missing or deleted keys.
	ErrNotFound = errors.New("primary: not found")

	metaSeqKey = []byte{0x00, 's', 'e', 'q'}
	dataPrefix = []byte{0x01}
	dataEnd    = backend.PrefixEnd(dataPrefix)
)

// BackendIOError wraps a failure reported by the backend. It is never
// retried.
type BackendIOError struct {
	Op  string
	Err error
}

func (e *BackendIOError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendIOError) Unwrap() error { return e.Err }

func ioErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendIOError{Op: op, Err: err}
}

// Record is a single write. An empty Value is a tombstone.
type Record struct {
	Key     []byte
	Value   []byte
	Payload []byte
	Tag     []byte
}

// Entry is a live key with its envelope.
type Entry struct {
	Key []byte
	Envelope
}

// Store is the primary key-value store of one column.
type Store struct {
	b backend.Backend

	mu      sync.Mutex
	lastSeq atomic.Uint64
}

// Open loads the sequence counter from b.
func Open(ctx context.Context, b backend.Backend) (*Store, error) {
	s := &Store{b: b}
	v, err := b.Get(ctx, metaSeqKey)
	switch {
	case errors.Is(err, backend.ErrNotFound):
	case err != nil:
		return nil, ioErr("get", err)
	case len(v) != 8:
		return nil, fmt.Errorf("primary: sequence record has %d bytes", len(v))
	default:
		s.lastSeq.Store(binary.BigEndian.Uint64(v))
	}
	return s, nil
}

func dataKey(key []byte) []byte {
	k := make([]byte, 0, len(dataPrefix)+len(key))
	k = append(k, dataPrefix...)
	return append(k, key...)
}

// Commit applies records as one atomic batch and returns its sequence
// number. Commits are serialized, so the counter only advances when the
// backend accepted the batch and sequence numbers carry no gaps.
func (s *Store) Commit(ctx context.Context, records []Record) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.lastSeq.Load() + 1
	batch := make([]backend.KV, 0, len(records)+1)
	for _, r := range records {
		kv := backend.KV{Key: dataKey(r.Key)}
		if len(r.Value) > 0 {
			env := Envelope{Seq: seq, Tag: r.Tag, Payload: r.Payload, Value: r.Value}
			kv.Value = env.encode()
		}
		batch = append(batch, kv)
	}
	batch = append(batch, backend.KV{Key: metaSeqKey, Value: binary.BigEndian.AppendUint64(nil, seq)})

	if err := s.b.Put(ctx, batch); err != nil {
		return 0, ioErr("put", err)
	}
	s.lastSeq.Store(seq)
	return seq, nil
}

// LastSeq returns the sequence number of the last committed batch.
func (s *Store) LastSeq() uint64 {
	return s.lastSeq.Load()
}

// Get returns the envelope stored under key.
func (s *Store) Get(ctx context.Context, key []byte) (Envelope, error) {
	v, err := s.b.Get(ctx, dataKey(key))
	if errors.Is(err, backend.ErrNotFound) {
		return Envelope{}, ErrNotFound
	}
	if err != nil {
		return Envelope{}, ioErr("get", err)
	}
	return decodeEnvelope(v)
}

// Range yields live keys with start <= key < end in key order. A nil end
// is unbounded.
func (s *Store) Range(ctx context.Context, start, end []byte) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		lo := dataKey(start)
		hi := dataEnd
		if end != nil {
			hi = dataKey(end)
		}
		for kv, err := range s.b.Range(ctx, lo, hi) {
			if err != nil {
				yield(Entry{}, ioErr("range", err))
				return
			}
			env, err := decodeEnvelope(kv.Value)
			if err != nil {
				yield(Entry{}, fmt.Errorf("key %x: %w", kv.Key[len(dataPrefix):], err))
				return
			}
			if !yield(Entry{Key: kv.Key[len(dataPrefix):], Envelope: env}, nil) {
				return
			}
		}
	}
}

// Since yields every live key whose envelope was committed after seq, in
// key order.
func (s *Store) Since(ctx context.Context, seq uint64) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for e, err := range s.Range(ctx, nil, nil) {
			if err != nil {
				yield(Entry{}, err)
				return
			}
			if e.Seq <= seq {
				continue
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Flush persists acknowledged writes.
func (s *Store) Flush(ctx context.Context) error {
	return ioErr("flush", s.b.Flush(ctx))
}

// Close closes the backend.
func (s *Store) Close() error {
	return ioErr("close", s.b.Close())
}
