// Command dualbench measures write, seal and lookup throughput of the
// benchmark column layouts (plain, index, range and dictionary).
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/dualkv"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "dualbench:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("dualbench", flag.ContinueOnError)
	configPath := fs.String("config", "", "YAML configuration file")
	total := fs.Int64("total", 0, "rows per benchmark")
	memMB := fs.Int64("mem-mb", 0, "memory budget in MiB")
	dir := fs.String("dir", "", "parent directory of the run directory")
	benches := fs.String("benches", "", "comma separated benchmarks: plain,index,range,dictionary,all_in_par")
	backendName := fs.String("backend", "", "primary backend: pebble, sqlite or memory")
	verbose := fs.Bool("v", false, "log engine events to stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := Load(*configPath)
	if err != nil {
		return err
	}
	if *total > 0 {
		cfg.Total = *total
	}
	if *memMB > 0 {
		cfg.MemMB = *memMB
	}
	if *dir != "" {
		cfg.Dir = *dir
	}
	if *benches != "" {
		cfg.Benches = parseBenches(*benches)
	}
	if *backendName != "" {
		cfg.Backend = *backendName
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	opener, err := dualkv.Backend(cfg.Backend)
	if err != nil {
		return err
	}
	logger := dualkv.NoopLogger()
	if *verbose {
		logger = dualkv.NewTextLogger(slog.LevelInfo)
	}

	base := filepath.Join(cfg.Dir, "dualbench-"+uuid.NewString())
	if err := os.MkdirAll(base, 0o755); err != nil {
		return err
	}
	if !cfg.Keep {
		defer os.RemoveAll(base)
	}

	r := &runner{
		base:  base,
		total: cfg.Total,
		opts: []dualkv.Option{
			dualkv.WithBackend(opener),
			dualkv.WithLogger(logger),
			dualkv.WithMemoryBudget(cfg.MemMB << 20),
		},
	}

	fmt.Fprintf(out, "dualbench backend=%s total=%d mem=%dMiB dir=%s\n", cfg.Backend, cfg.Total, cfg.MemMB, base)
	for _, name := range cfg.Benches {
		start := time.Now()
		if name == "all_in_par" {
			results, err := r.runAllParallel(ctx)
			if err != nil {
				return fmt.Errorf("all_in_par: %w", err)
			}
			for _, res := range results {
				fmt.Fprintln(out, "  ", res)
			}
			fmt.Fprintf(out, "%-10s elapsed=%v\n", name, time.Since(start).Round(time.Millisecond))
			continue
		}
		res, err := r.bench(name)(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fmt.Fprintln(out, res)
	}
	return nil
}
