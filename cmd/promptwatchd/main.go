package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"promptwatch/internal/auth"
	"promptwatch/internal/config"
	"promptwatch/internal/daemon"
	"promptwatch/internal/db"
	"promptwatch/internal/detect"
	"promptwatch/internal/feed"
	"promptwatch/internal/logging"
	"promptwatch/internal/metrics"
	"promptwatch/internal/source"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	listenAddr := flag.String("listen", "", "override listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	sessions, err := db.OpenSessions(ctx, cfg.SessionDBPath)
	if err != nil {
		fatal(err)
	}
	defer sessions.Close() //nolint:errcheck
	startSessionPruneLoop(ctx, sessions, logger)

	reg := metrics.NewRegistry()

	src, err := buildSource(cfg, store, logger)
	if err != nil {
		fatal(err)
	}

	srv := daemon.NewServer(cfg, daemon.Deps{
		Logger:   logger,
		Store:    store,
		Auth:     auth.NewManager(cfg.JWTSecret, cfg.SessionTTL, sessions, store),
		Detector: detect.NewClient(cfg.DetectAPIURL),
		Metrics:  reg,
	})

	controller := feed.NewController(src, feed.Config{
		HistoryCap:   cfg.HistoryCap,
		BatchDelay:   cfg.BatchDelay,
		MaxBatchWait: cfg.MaxBatchWait,
		Logger:       logger,
		Metrics:      reg.Feed,
		OnUpdate:     srv.NotifyFeedUpdate,
	})
	srv.SetFeed(controller)
	controller.Start(ctx)

	logger.Info("starting", "listen", cfg.ListenAddr, "stream_driver", cfg.StreamDriver)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func buildSource(cfg config.Config, store *db.Store, logger *slog.Logger) (source.Source, error) {
	switch cfg.StreamDriver {
	case config.StreamDriverPostgres:
		return source.NewPostgres(store, cfg.DatabaseURL, cfg.NotifyChannel, logger), nil
	case config.StreamDriverRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis_url: %w", err)
		}
		return source.NewRedis(store, redis.NewClient(opts), cfg.NotifyChannel), nil
	default:
		return nil, fmt.Errorf("unknown stream driver %q", cfg.StreamDriver)
	}
}

func startSessionPruneLoop(ctx context.Context, sessions *db.SessionStore, logger *slog.Logger) {
	run := func() {
		pruned, err := sessions.PruneExpired(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("session prune failed", "error", err)
			return
		}
		if pruned > 0 {
			logger.Debug("pruned expired sessions", "count", pruned)
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "promptwatchd: %v\n", err)
	os.Exit(1)
}
