package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/dualkv"
	"github.com/hupe1980/dualkv/partition"
	"github.com/hupe1980/dualkv/reducer"
)

// batchSize is the number of records committed per write.
const batchSize = 20_000

// Result is the timing of one benchmark.
type Result struct {
	Name    string
	Rows    int64
	Write   time.Duration
	Flush   time.Duration
	Query   time.Duration
	Queried int
}

// OpsPerSec returns the write throughput including the final flush.
func (r Result) OpsPerSec() float64 {
	d := r.Write + r.Flush
	if d <= 0 {
		return 0
	}
	return float64(r.Rows) / d.Seconds()
}

func (r Result) String() string {
	return fmt.Sprintf("%-10s rows=%d write=%v flush=%v query=%v (%d hits) %.0f ops/s",
		r.Name, r.Rows, r.Write.Round(time.Millisecond), r.Flush.Round(time.Millisecond),
		r.Query.Round(time.Microsecond), r.Queried, r.OpsPerSec())
}

type runner struct {
	base  string
	total int64
	opts  []dualkv.Option
}

func u64(v uint64) []byte { return binary.BigEndian.AppendUint64(nil, v) }

func (r *runner) open(ctx context.Context, name string, extra ...dualkv.Option) (*dualkv.Column, error) {
	opts := append([]dualkv.Option{dualkv.WithSegmentSizing(r.total, 0)}, r.opts...)
	return dualkv.Open(ctx, filepath.Join(r.base, name), append(opts, extra...)...)
}

// fill writes total records produced by gen in batches and flushes.
func (r *runner) fill(ctx context.Context, col *dualkv.Column, res *Result, gen func(i uint64) []byte) error {
	start := time.Now()
	batch := make([]dualkv.KV, 0, batchSize)
	for i := uint64(0); i < uint64(r.total); i++ {
		batch = append(batch, dualkv.KV{Key: u64(i), Value: gen(i)})
		if len(batch) == batchSize {
			if _, err := col.PutBatch(ctx, batch); err != nil {
				return err
			}
			batch = make([]dualkv.KV, 0, batchSize)
		}
	}
	if len(batch) > 0 {
		if _, err := col.PutBatch(ctx, batch); err != nil {
			return err
		}
	}
	res.Write = time.Since(start)

	start = time.Now()
	if err := col.Compact(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	res.Flush = time.Since(start)
	res.Rows = r.total
	return nil
}

func closeColumn(ctx context.Context, col *dualkv.Column, err error) error {
	if cerr := col.Close(ctx); err == nil {
		err = cerr
	}
	return err
}

// runPlain writes key → amount without a value lookup.
func (r *runner) runPlain(ctx context.Context) (res Result, err error) {
	res.Name = "plain"
	col, err := r.open(ctx, "plain")
	if err != nil {
		return res, err
	}
	defer func() { err = closeColumn(ctx, col, err) }()
	if err = r.fill(ctx, col, &res, u64); err != nil {
		return res, err
	}
	start := time.Now()
	for i := uint64(0); i < uint64(r.total); i += uint64(max(r.total/1000, 1)) {
		if _, err = col.Get(ctx, u64(i)); err != nil {
			return res, err
		}
		res.Queried++
	}
	res.Query = time.Since(start)
	return res, nil
}

// runIndex writes key → random 32-byte hash and looks hashes up.
func (r *runner) runIndex(ctx context.Context) (res Result, err error) {
	res.Name = "index"
	col, err := r.open(ctx, "index", dualkv.WithPartitioner(partition.TopBits(4)))
	if err != nil {
		return res, err
	}
	defer func() { err = closeColumn(ctx, col, err) }()

	rng := rand.New(rand.NewPCG(1, 0))
	var probes [][]byte
	every := uint64(max(r.total/1000, 1))
	err = r.fill(ctx, col, &res, func(i uint64) []byte {
		h := make([]byte, 32)
		for j := 0; j < 32; j += 8 {
			binary.LittleEndian.PutUint64(h[j:], rng.Uint64())
		}
		if i%every == 0 {
			probes = append(probes, h)
		}
		return h
	})
	if err != nil {
		return res, err
	}
	start := time.Now()
	for _, h := range probes {
		_, ok, lerr := col.Lookup(ctx, h)
		if lerr != nil {
			return res, lerr
		}
		if ok {
			res.Queried++
		}
	}
	res.Query = time.Since(start)
	return res, nil
}

// runRange writes key → timestamp and scans a value window.
func (r *runner) runRange(ctx context.Context) (res Result, err error) {
	res.Name = "range"
	col, err := r.open(ctx, "range")
	if err != nil {
		return res, err
	}
	defer func() { err = closeColumn(ctx, col, err) }()

	epoch := uint64(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix())
	if err = r.fill(ctx, col, &res, func(i uint64) []byte { return u64(epoch + i) }); err != nil {
		return res, err
	}
	lo := epoch + uint64(r.total)/4
	hi := lo + uint64(max(r.total/10, 1))
	start := time.Now()
	for _, serr := range col.RangeValues(ctx, u64(lo), u64(hi)) {
		if serr != nil {
			return res, serr
		}
		res.Queried++
	}
	res.Query = time.Since(start)
	return res, nil
}

// Dictionary columns. Every distinct address is interned under the key that
// first used it, its birth key. "values" maps birth key → address and its
// index resolves an address back to the birth key. "keys" maps key → birth
// key and its key-set index lists the keys sharing a birth key.
const (
	valuesColumn = "values"
	keysColumn   = "keys"
)

// runDictionary writes key → address where every fifth row starts a new
// address and the rest repeat it, then lists the keys of sampled addresses
// through their birth keys.
func (r *runner) runDictionary(ctx context.Context) (res Result, err error) {
	res.Name = "dictionary"
	opts := append([]dualkv.Option{dualkv.WithSegmentSizing(r.total, 0)}, r.opts...)
	d, err := dualkv.OpenDictionary(ctx, filepath.Join(r.base, "dictionary"), []dualkv.ColumnSpec{
		{Name: valuesColumn},
		{Name: keysColumn, Options: []dualkv.Option{dualkv.WithReducer(reducer.KeySet{})}},
	}, opts)
	if err != nil {
		return res, err
	}
	defer func() {
		if cerr := d.Close(ctx); err == nil {
			err = cerr
		}
	}()
	values, err := d.Column(valuesColumn)
	if err != nil {
		return res, err
	}
	keys, err := d.Column(keysColumn)
	if err != nil {
		return res, err
	}

	rng := rand.New(rand.NewPCG(2, 0))
	births := make(map[string][]byte)
	var last []byte
	var samples [][]byte

	start := time.Now()
	batch := make(map[string][]dualkv.Record, 2)
	for i := uint64(0); i < uint64(r.total); i++ {
		if i%5 == 0 || last == nil {
			last = randomAddress(rng)
			if len(samples) < 1000 {
				samples = append(samples, last)
			}
		}
		key := u64(i)
		birth, ok := births[string(last)]
		if !ok {
			// Addresses written by an earlier run keep their birth key.
			b, found, lerr := values.Lookup(ctx, last)
			if lerr != nil {
				return res, lerr
			}
			if !found {
				b = key
				batch[valuesColumn] = append(batch[valuesColumn], dualkv.Record{Key: b, Value: last})
			}
			births[string(last)] = b
			birth = b
		}
		batch[keysColumn] = append(batch[keysColumn], dualkv.Record{Key: key, Value: birth})
		if len(batch[keysColumn]) == batchSize {
			if _, err = d.Write(ctx, batch); err != nil {
				return res, err
			}
			batch = make(map[string][]dualkv.Record, 2)
		}
	}
	if len(batch[keysColumn]) > 0 {
		if _, err = d.Write(ctx, batch); err != nil {
			return res, err
		}
	}
	res.Write = time.Since(start)

	start = time.Now()
	if err = d.Compact(ctx); err != nil {
		return res, fmt.Errorf("flush: %w", err)
	}
	res.Flush = time.Since(start)
	res.Rows = r.total

	start = time.Now()
	for _, a := range samples {
		birth, ok, lerr := values.Lookup(ctx, a)
		if lerr != nil {
			return res, lerr
		}
		if !ok {
			continue
		}
		ks, lerr := keys.LookupKeys(ctx, birth, nil)
		if lerr != nil {
			return res, lerr
		}
		res.Queried += len(ks)
	}
	res.Query = time.Since(start)
	return res, nil
}

const addressAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// randomAddress returns a base58-looking address of 26 to 34 characters.
func randomAddress(rng *rand.Rand) []byte {
	n := 26 + rng.IntN(9)
	out := make([]byte, n)
	out[0] = '1'
	for i := 1; i < n; i++ {
		out[i] = addressAlphabet[rng.IntN(len(addressAlphabet))]
	}
	return out
}

func (r *runner) bench(name string) func(context.Context) (Result, error) {
	switch name {
	case "plain":
		return r.runPlain
	case "index":
		return r.runIndex
	case "range":
		return r.runRange
	case "dictionary":
		return r.runDictionary
	}
	return nil
}

// runAllParallel runs the four layouts concurrently in one process.
func (r *runner) runAllParallel(ctx context.Context) ([]Result, error) {
	names := benchNames[:4]
	results := make([]Result, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		fn := r.bench(name)
		g.Go(func() error {
			res, err := fn(gctx)
			results[i] = res
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	return results, g.Wait()
}
