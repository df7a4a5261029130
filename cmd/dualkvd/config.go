package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/dualkv"
	"github.com/hupe1980/dualkv/blobstore"
	"github.com/hupe1980/dualkv/blobstore/minio"
	"github.com/hupe1980/dualkv/blobstore/s3"
	"github.com/hupe1980/dualkv/partition"
	"github.com/hupe1980/dualkv/reducer"
)

// Config is the dualkvd configuration file.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Storage StorageConfig  `yaml:"storage"`
	Index   IndexConfig    `yaml:"index"`
	Columns []ColumnConfig `yaml:"columns"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

type StorageConfig struct {
	Dir           string `yaml:"dir"`
	Backend       string `yaml:"backend"`
	MemoryMB      int64  `yaml:"memory_mb"`
	SyncWrites    bool   `yaml:"sync_writes"`
	IngestWorkers int    `yaml:"ingest_workers"`
	MergeWorkers  int    `yaml:"merge_workers"`
	IOLimitMBps   int64  `yaml:"io_limit_mbps"`
	LagPolicy     string `yaml:"lag_policy"`
	MaxLag        uint64 `yaml:"max_lag"`
	AutoRebuild   bool   `yaml:"auto_rebuild"`
}

// IndexConfig selects where segments and manifests live: "local" (next to
// the primary store), "s3" or "minio".
type IndexConfig struct {
	Store string      `yaml:"store"`
	S3    S3Config    `yaml:"s3"`
	MinIO MinIOConfig `yaml:"minio"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	// CommitTable moves CURRENT pointers into this DynamoDB table.
	CommitTable string `yaml:"commit_table"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

type ColumnConfig struct {
	Name        string         `yaml:"name"`
	Reducer     string         `yaml:"reducer"`
	Partitioner string         `yaml:"partitioner"`
	Bits        uint           `yaml:"bits"`
	Tags        []string       `yaml:"tags"`
	Compression string         `yaml:"compression"`
	Workers     map[string]int `yaml:"workers"`
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server:  ServerConfig{Addr: ":8080", LogLevel: "info"},
		Storage: StorageConfig{Dir: "dualkv_data", Backend: "pebble", MemoryMB: 256},
		Index:   IndexConfig{Store: "local"},
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.MemoryMB <= 0 {
		cfg.Storage.MemoryMB = 256
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "pebble"
	}
	if cfg.Index.Store == "" {
		cfg.Index.Store = "local"
	}
	if len(cfg.Columns) == 0 {
		cfg.Columns = []ColumnConfig{{Name: "default"}}
	}
	for i := range cfg.Columns {
		if cfg.Columns[i].Partitioner == "" {
			cfg.Columns[i].Partitioner = "single"
		}
	}
}

func (c *Config) logger() *dualkv.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Server.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	if c.Server.LogJSON {
		return dualkv.NewJSONLogger(level)
	}
	return dualkv.NewTextLogger(level)
}

// options returns the dictionary-wide options.
func (c *Config) options(logger *dualkv.Logger) ([]dualkv.Option, error) {
	opener, err := dualkv.Backend(c.Storage.Backend)
	if err != nil {
		return nil, err
	}
	lag, err := dualkv.ParseLagPolicy(c.Storage.LagPolicy)
	if err != nil {
		return nil, err
	}
	return []dualkv.Option{
		dualkv.WithLogger(logger),
		dualkv.WithBackend(opener),
		dualkv.WithSyncWrites(c.Storage.SyncWrites),
		dualkv.WithMemoryBudget(c.Storage.MemoryMB << 20),
		dualkv.WithBackgroundWorkers(c.Storage.MergeWorkers),
		dualkv.WithIOLimit(c.Storage.IOLimitMBps << 20),
		dualkv.WithLagPolicy(lag, c.Storage.MaxLag),
		dualkv.WithAutoRebuild(c.Storage.AutoRebuild),
	}, nil
}

// columns returns one spec per configured column with its index store.
func (c *Config) columns(ctx context.Context) ([]dualkv.ColumnSpec, error) {
	specs := make([]dualkv.ColumnSpec, 0, len(c.Columns))
	for _, cc := range c.Columns {
		opts, err := cc.options()
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", cc.Name, err)
		}
		store, err := c.Index.open(ctx, cc.Name)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", cc.Name, err)
		}
		if store != nil {
			opts = append(opts, dualkv.WithBlobStore(store))
		}
		specs = append(specs, dualkv.ColumnSpec{Name: cc.Name, Options: opts})
	}
	return specs, nil
}

func (cc ColumnConfig) options() ([]dualkv.Option, error) {
	r, err := reducer.ByName(cc.Reducer)
	if err != nil {
		return nil, err
	}
	var p partition.Partitioner
	switch cc.Partitioner {
	case "single":
		p = partition.Single()
	case "topbits":
		if cc.Bits > 16 {
			return nil, fmt.Errorf("topbits: %d bits exceeds 16", cc.Bits)
		}
		p = partition.TopBits(cc.Bits)
	case "tag":
		if len(cc.Tags) == 0 {
			return nil, fmt.Errorf("partitioner tag needs tags")
		}
		p = partition.ByTag(cc.Tags...)
	default:
		return nil, fmt.Errorf("unknown partitioner %q", cc.Partitioner)
	}
	comp, err := dualkv.ParseCompression(cc.Compression)
	if err != nil {
		return nil, err
	}
	return []dualkv.Option{
		dualkv.WithReducer(r),
		dualkv.WithPartitioner(p),
		dualkv.WithCompression(comp),
		dualkv.WithWorkers(cc.Workers, 1),
	}, nil
}

// open returns the index store of one column, or nil for local storage.
func (ic IndexConfig) open(ctx context.Context, column string) (blobstore.BlobStore, error) {
	switch ic.Store {
	case "local":
		return nil, nil
	case "s3":
		prefix := joinPrefix(ic.S3.Prefix, column)
		opts := []s3.Option{s3.WithPrefix(prefix)}
		if ic.S3.Region != "" {
			opts = append(opts, s3.WithRegion(ic.S3.Region))
		}
		if ic.S3.Endpoint != "" {
			opts = append(opts, s3.WithEndpoint(ic.S3.Endpoint, ic.S3.PathStyle))
		}
		store, err := s3.New(ctx, ic.S3.Bucket, opts...)
		if err != nil {
			return nil, err
		}
		if ic.S3.CommitTable == "" {
			return store, nil
		}
		var loadOpts []func(*config.LoadOptions) error
		if ic.S3.Region != "" {
			loadOpts = append(loadOpts, config.WithRegion(ic.S3.Region))
		}
		awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return s3.NewDDBCommitStore(store, dynamodb.NewFromConfig(awsCfg), ic.S3.CommitTable, store.URI()), nil
	case "minio":
		return minio.New(ctx, minio.Config{
			Endpoint:  ic.MinIO.Endpoint,
			AccessKey: ic.MinIO.AccessKey,
			SecretKey: ic.MinIO.SecretKey,
			Secure:    ic.MinIO.Secure,
			Region:    ic.MinIO.Region,
			Bucket:    ic.MinIO.Bucket,
			Prefix:    joinPrefix(ic.MinIO.Prefix, column),
		})
	}
	return nil, fmt.Errorf("unknown index store %q", ic.Store)
}

func joinPrefix(prefix, column string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return column + "/"
	}
	return prefix + "/" + column + "/"
}
