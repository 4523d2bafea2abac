// ABOUTME: The serve subcommand: wires store, chat service, API and metrics
// ABOUTME: Shuts down on SIGINT/SIGTERM and runs the final snapshot flush on the way out

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-chatstore/internal/api"
	"github.com/2389/coven-chatstore/internal/auth"
	"github.com/2389/coven-chatstore/internal/blob"
	"github.com/2389/coven-chatstore/internal/chat"
	"github.com/2389/coven-chatstore/internal/config"
	"github.com/2389/coven-chatstore/internal/dedupe"
	"github.com/2389/coven-chatstore/internal/metrics"
	"github.com/2389/coven-chatstore/internal/snapshot"
	"github.com/2389/coven-chatstore/internal/store"
)

const shutdownTimeout = 5 * time.Second

// newStore builds the store described by cfg. The returned blob store is nil
// when no blob directory is configured.
func newStore(cfg *config.Config, logger *slog.Logger) (*store.Store, *blob.Store) {
	fs := afero.NewOsFs()
	opts := store.Options{
		Engine:             cfg.Database.Engine,
		Path:               cfg.Database.Path,
		LegacyLogPath:      cfg.Database.LegacyLogPath,
		Fs:                 fs,
		Compression:        snapshot.Compression(cfg.Snapshot.Compression),
		LockTimeout:        cfg.Snapshot.LockTimeout,
		Debounce:           cfg.Snapshot.Debounce,
		MaxDelay:           cfg.Snapshot.MaxDelay,
		StatementCacheSize: cfg.Statements.CacheSize,
		MaxStickersPerUser: cfg.Stickers.MaxPerUser,
		Logger:             logger,
	}

	var blobs *blob.Store
	if cfg.Stickers.BlobDir != "" {
		blobs = blob.New(fs, cfg.Stickers.BlobDir, logger)
		opts.Blobs = blobs
	}
	return store.New(opts), blobs
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Logging, os.Stderr)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Engine:    %s (%s)\n", cfg.Database.Engine, cfg.Database.Path)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	st, blobs := newStore(cfg, logger)
	report, err := st.Open(ctx)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	if report != nil && report.Source != "" && !report.AlreadyDone {
		logger.Info("imported legacy messages",
			"source", report.Source,
			"imported", report.Imported,
			"skipped", report.Skipped)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		st.Close(context.Background())
		return fmt.Errorf("creating verifier: %w", err)
	}

	cache := dedupe.New(cfg.Ingest.DedupeTTL, cfg.Ingest.DedupeSize)
	events := chat.NewBroadcaster(logger)
	directory := chat.NewStaticDirectory(cfg.Directory.FriendPairs(), cfg.Directory.GroupMembers())

	chatOpts := chat.Options{
		Directory:       directory,
		Deliverer:       events,
		Dedupe:          cache,
		MaxPayloadBytes: cfg.Ingest.MaxPayloadBytes,
		Logger:          logger,
	}
	apiOpts := api.Options{
		Verifier:  verifier,
		Events:    events,
		Directory: directory,
		Health: func(ctx context.Context) error {
			_, err := st.Open(ctx)
			return err
		},
		Logger: logger,
	}
	if blobs != nil {
		chatOpts.Media = chat.InlineMedia{Blobs: blobs}
		apiOpts.Blobs = blobs
	}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(metrics.Collectors()...)
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		apiOpts.MetricsPath = cfg.Metrics.Path
		apiOpts.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	apiOpts.Chat = chat.New(st, chatOpts)

	// Event streams hang off baseCtx so Shutdown does not wait on them.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.New(apiOpts),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		cancelBase()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
		return nil
	})
	serveErr := g.Wait()

	events.Close()
	cache.Close()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := st.Close(closeCtx); err != nil {
		logger.Error("closing store", "error", err)
		if serveErr == nil {
			serveErr = err
		}
	}
	logger.Info("stopped")
	return serveErr
}
