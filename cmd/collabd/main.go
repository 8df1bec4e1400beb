// SPDX-License-Identifier: MIT

// collabd is the realtime collaboration daemon: it terminates the project
// websockets, sequences timeline events, and keeps presence and locks in sync.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/soundry-audio/collabd/internal/collab/authority"
	"github.com/soundry-audio/collabd/internal/collab/dispatch"
	"github.com/soundry-audio/collabd/internal/collab/janitor"
	"github.com/soundry-audio/collabd/internal/collab/lock"
	"github.com/soundry-audio/collabd/internal/collab/presence"
	"github.com/soundry-audio/collabd/internal/collab/server"
	"github.com/soundry-audio/collabd/internal/collab/session"
	"github.com/soundry-audio/collabd/internal/collab/throttle"
	"github.com/soundry-audio/collabd/internal/config"
	"github.com/soundry-audio/collabd/internal/log"
	"github.com/soundry-audio/collabd/internal/telemetry"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("collabd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until the config is loaded.
	log.Configure(log.Config{
		Level:   "info",
		Service: "collabd",
		Version: version,
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Str("config_path", *configPath).Msg("failed to load configuration")
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: cfg.LogService,
		Version: version,
	})

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    cfg.LogService,
		ServiceVersion: version,
		Environment:    config.ParseString("COLLABD_ENV", "production"),
		ExporterType:   cfg.TracingExporter,
		Endpoint:       cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSampling,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize tracing")
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	store, err := authority.OpenSqlite(cfg.AuthorityDBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.AuthorityDBPath).Msg("failed to open authority store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("authority store close failed")
		}
	}()

	registry := session.NewRegistry(cfg.EventIDHistory)
	tracker := presence.NewTracker(cfg.ColorPalette, cfg.PresenceStale, registry)
	locks := lock.NewManager(cfg.LeaseTTL, cfg.MaxLockDuration, registry)
	throttler := throttle.NewThrottler(throttle.Options{
		Interval:   cfg.ThrottleInterval,
		MaxPerSec:  cfg.MaxFlushPerSec,
		MaxPending: cfg.MaxPendingChanges,
		IdleAfter:  cfg.ThrottlerIdle,
	}, registry)
	dispatcher := dispatch.New(registry, tracker, locks, throttler)

	srv := server.New(cfg, store, registry, dispatcher)
	// Drain pending batches while the websockets are still open, so the last
	// edits are not silently lost on an orderly shutdown.
	srv.OnShutdown(throttler.Flush)
	sweeper := janitor.New(janitor.Config{
		Interval:       cfg.SweepInterval,
		IdleConnection: cfg.IdleConnection,
	}, registry, locks, tracker, throttler)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	if *configPath != "" {
		g.Go(func() error {
			if err := config.WatchLogLevel(gctx, *configPath); err != nil {
				logger.Warn().Err(err).Msg("log level watcher stopped")
			}
			return nil
		})
	}

	logger.Info().
		Str("version", version).
		Str("addr", cfg.ListenAddr).
		Msg("collabd started")

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("collabd exited with error")
		os.Exit(1)
	}

	logger.Info().Msg("collabd stopped")
}
