// Command calsyncd runs the calendar feed engine: the HTTP API plus the
// background subscription sync scheduler.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/calsync/expand"
	"github.com/example/calsync/fetch"
	"github.com/example/calsync/internal/config"
	"github.com/example/calsync/reconcile"
	"github.com/example/calsync/service"
	"github.com/example/calsync/storage"
	"github.com/example/calsync/storage/memory"
	"github.com/example/calsync/storage/sqlite"
	"github.com/example/calsync/syncer"
)

func main() {
	var (
		configPath = flag.String("config", "calsync.yaml", "path to config file")
		listen     = flag.String("listen", "", "HTTP listen address (overrides config)")
		once       = flag.Bool("once", false, "run one sync pass over due subscriptions and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config failed", "path", *configPath, "err", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("opening store failed", "path", cfg.DatabasePath, "err", err)
		os.Exit(1)
	}
	defer closeStore()

	fetcher := fetch.New(nil, logger)
	reconciler := reconcile.New(store, logger)
	scheduler := syncer.New(store, fetcher, reconciler, nil, logger, syncer.Config{
		CronSpec:     cfg.SyncCron,
		CycleTimeout: cfg.CycleTimeout,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		attempted := scheduler.RunDue(ctx)
		logger.Info("single sync pass finished", "attempted", attempted)
		return
	}

	cache := expand.NewTTLCache(expand.DefaultCacheConfig)
	defer cache.Close()
	expander := expand.New(nil, cache, logger)

	srv := service.New(store, fetcher, reconciler, scheduler, expander, logger)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := scheduler.Start(); err != nil {
		logger.Error("starting scheduler failed", "err", err)
		os.Exit(1)
	}

	go func() {
		logger.Info("listening", "addr", cfg.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "err", err)
	}
	logger.Info("bye")
}

// openStore picks the backing store from config. An empty database path
// means in-memory, which only makes sense for experiments.
func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.DatabasePath == "" {
		logger.Warn("no database path configured, events will not survive a restart")
		return memory.New(), func() {}, nil
	}
	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("sqlite store opened", "path", cfg.DatabasePath)
	return db, func() {
		if err := db.Close(); err != nil {
			logger.Error("closing store failed", "err", err)
		}
	}, nil
}
