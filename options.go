package dualkv

import (
	"fmt"
	"log/slog"

	"github.com/hupe1980/dualkv/backend"
	"github.com/hupe1980/dualkv/backend/memory"
	"github.com/hupe1980/dualkv/backend/pebble"
	"github.com/hupe1980/dualkv/backend/sqlite"
	"github.com/hupe1980/dualkv/blobstore"
	"github.com/hupe1980/dualkv/internal/cache"
	"github.com/hupe1980/dualkv/internal/coordinator"
	"github.com/hupe1980/dualkv/internal/resource"
	"github.com/hupe1980/dualkv/internal/segment"
	"github.com/hupe1980/dualkv/partition"
	"github.com/hupe1980/dualkv/reducer"
)

const (
	// DefaultMemoryBudget bounds the block cache and the partition buffers
	// of a column or dictionary.
	DefaultMemoryBudget = 256 << 20

	defaultAvgRecordSize = 64
)

// LagPolicy decides how reads treat a partition whose index trails the
// primary store.
type LagPolicy = coordinator.LagPolicy

const (
	// LagStale serves whatever is sealed.
	LagStale = coordinator.LagStale
	// LagSignal serves sealed results and also returns ErrCatchingUp.
	LagSignal = coordinator.LagSignal
	// LagBlock seals the partition's buffer before serving.
	LagBlock = coordinator.LagBlock
)

// ParseLagPolicy parses "stale", "signal" or "block".
func ParseLagPolicy(s string) (LagPolicy, error) { return coordinator.ParseLagPolicy(s) }

// Compression selects the segment block compression.
type Compression = segment.Compression

const (
	CompressionNone = segment.CompressionNone
	CompressionLZ4  = segment.CompressionLZ4
	CompressionZSTD = segment.CompressionZSTD
)

// ParseCompression parses "none", "lz4" or "zstd".
func ParseCompression(s string) (Compression, error) { return segment.ParseCompression(s) }

type options struct {
	logger         *Logger
	metrics        MetricsObserver
	opener         backend.Opener
	syncWrites     bool
	store          blobstore.BlobStore
	partitioner    partition.Partitioner
	reducer        reducer.Reducer
	lagPolicy      LagPolicy
	maxLag         uint64
	autoRebuild    bool
	workers        map[string]int
	defaultWorkers int
	mergeThreshold int
	disablePruning bool
	sealRows       int
	sealBytes      int64
	expectedRows   int64
	avgRecordSize  int
	compression    Compression
	blockSize      int
	memoryBudget   int64
	ioLimit        int64
	bgWorkers      int
	remoteBlock    int64

	// Shared by the columns of a Dictionary.
	resource       *resource.Controller
	cache          cache.BlockCache
	cacheNamespace string
}

// Option configures Open and OpenDictionary.
type Option func(*options)

// WithLogger configures structured logging. Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := dualkv.NewJSONLogger(slog.LevelInfo)
//	col, _ := dualkv.Open(ctx, "./data", dualkv.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsObserver receives write, seal, merge, lookup, lag and recovery
// events. Pass nil to disable metrics collection.
//
//	metrics := &dualkv.BasicMetricsCollector{}
//	col, _ := dualkv.Open(ctx, dir, dualkv.WithMetricsObserver(metrics))
//	fmt.Println(metrics.GetStats().MergeCount)
func WithMetricsObserver(m MetricsObserver) Option {
	return func(o *options) {
		if m == nil {
			m = NoopMetricsObserver{}
		}
		o.metrics = m
	}
}

// WithBackend selects the primary store engine. Defaults to pebble.
func WithBackend(opener backend.Opener) Option {
	return func(o *options) {
		o.opener = opener
	}
}

// WithSyncWrites makes every committed batch durable before Write returns.
func WithSyncWrites(sync bool) Option {
	return func(o *options) {
		o.syncWrites = sync
	}
}

// Backend returns the opener registered under name: "pebble", "sqlite" or
// "memory".
func Backend(name string) (backend.Opener, error) {
	switch name {
	case "", "pebble":
		return pebble.Open, nil
	case "sqlite":
		return sqlite.Open, nil
	case "memory":
		return memory.Open, nil
	}
	return nil, fmt.Errorf("dualkv: unknown backend %q", name)
}

// WithBlobStore places the index in store instead of <dir>/index. Stores
// other than LocalStore and MemoryStore are read through a block cache.
func WithBlobStore(store blobstore.BlobStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithRemoteBlockSize sets the block size of the read cache in front of a
// remote blob store.
func WithRemoteBlockSize(size int64) Option {
	return func(o *options) {
		o.remoteBlock = size
	}
}

// WithPartitioner splits the index into partitions. Defaults to a single
// partition.
func WithPartitioner(p partition.Partitioner) Option {
	return func(o *options) {
		o.partitioner = p
	}
}

// WithReducer folds all keys sharing a value into one aggregate. Without a
// reducer the index is unique: the newest key wins.
func WithReducer(r reducer.Reducer) Option {
	return func(o *options) {
		o.reducer = r
	}
}

// WithLagPolicy sets how reads treat partitions whose index trails the
// primary store by more than maxLag sequence numbers.
func WithLagPolicy(policy LagPolicy, maxLag uint64) Option {
	return func(o *options) {
		o.lagPolicy = policy
		o.maxLag = maxLag
	}
}

// WithAutoRebuild rebuilds corrupt partitions from the primary store during
// Open.
func WithAutoRebuild(enabled bool) Option {
	return func(o *options) {
		o.autoRebuild = enabled
	}
}

// WithWorkers sets the merge parallelism per partition name. Partitions not
// in perPartition get def workers.
func WithWorkers(perPartition map[string]int, def int) Option {
	return func(o *options) {
		o.workers = perPartition
		o.defaultWorkers = def
	}
}

// WithBackgroundWorkers bounds concurrent merge tasks across all partitions.
func WithBackgroundWorkers(n int) Option {
	return func(o *options) {
		o.bgWorkers = n
	}
}

// WithMergeThreshold sets how many segments of one level are merged into
// the next level.
func WithMergeThreshold(n int) Option {
	return func(o *options) {
		o.mergeThreshold = n
	}
}

// WithoutPruning keeps stale pairs during merges.
func WithoutPruning() Option {
	return func(o *options) {
		o.disablePruning = true
	}
}

// WithSealThreshold seals a partition buffer at rows pairs or bytes of
// buffered data, whichever comes first. Zero disables a bound.
func WithSealThreshold(rows int, bytes int64) Option {
	return func(o *options) {
		o.sealRows = rows
		o.sealBytes = bytes
	}
}

// WithSegmentSizing derives the seal threshold from the expected number of
// rows and their average size under the memory budget.
func WithSegmentSizing(expectedRows int64, avgRecordSize int) Option {
	return func(o *options) {
		o.expectedRows = expectedRows
		o.avgRecordSize = avgRecordSize
	}
}

// WithCompression sets the segment block compression. Defaults to LZ4.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithBlockSize sets the uncompressed size of segment entry blocks.
func WithBlockSize(n int) Option {
	return func(o *options) {
		o.blockSize = n
	}
}

// WithMemoryBudget bounds the block cache, the backend caches and the
// partition buffers.
func WithMemoryBudget(bytes int64) Option {
	return func(o *options) {
		o.memoryBudget = bytes
	}
}

// WithIOLimit throttles merge output to bytesPerSec.
func WithIOLimit(bytesPerSec int64) Option {
	return func(o *options) {
		o.ioLimit = bytesPerSec
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:       NoopLogger(),
		metrics:      NoopMetricsObserver{},
		opener:       pebble.Open,
		partitioner:  partition.Single(),
		compression:  CompressionLZ4,
		memoryBudget: DefaultMemoryBudget,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
