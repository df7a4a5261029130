// Command dualkvd serves a dualkv dictionary over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hupe1980/dualkv"
	"github.com/hupe1980/dualkv/httpapi"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dualkvd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "YAML configuration file")
	addr := flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	dir := flag.String("dir", "", "data directory (overrides storage.dir)")
	backendName := flag.String("backend", "", "primary backend: pebble, sqlite or memory (overrides storage.backend)")
	flag.Parse()

	cfg, err := Load(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dir != "" {
		cfg.Storage.Dir = *dir
	}
	if *backendName != "" {
		cfg.Storage.Backend = *backendName
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := cfg.logger()
	opts, err := cfg.options(logger)
	if err != nil {
		return err
	}
	specs, err := cfg.columns(ctx)
	if err != nil {
		return err
	}
	d, err := dualkv.OpenDictionary(ctx, cfg.Storage.Dir, specs, opts, dualkv.WithIngestWorkers(cfg.Storage.IngestWorkers))
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.NewServer(d, logger.Logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", cfg.Server.Addr, "dir", cfg.Storage.Dir, "columns", d.Columns())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return errors.Join(err, d.Close(context.Background()))
}
