// Command crawlerd runs the crawl scheduling service: the poll worker, the
// background scheduler, the index drain and the admin HTTP API.
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

	"go.uber.org/zap"

	"github.com/harmonysearch/crawler/internal/api"
	"github.com/harmonysearch/crawler/internal/clock/system"
	"github.com/harmonysearch/crawler/internal/config"
	"github.com/harmonysearch/crawler/internal/control"
	"github.com/harmonysearch/crawler/internal/crawl"
	"github.com/harmonysearch/crawler/internal/fetch"
	"github.com/harmonysearch/crawler/internal/id/uuid"
	"github.com/harmonysearch/crawler/internal/indexer"
	"github.com/harmonysearch/crawler/internal/logging"
	"github.com/harmonysearch/crawler/internal/metrics"
	"github.com/harmonysearch/crawler/internal/scheduler"
	"github.com/harmonysearch/crawler/internal/score"
	"github.com/harmonysearch/crawler/internal/store/memory"
	"github.com/harmonysearch/crawler/internal/store/postgres"
	redisstore "github.com/harmonysearch/crawler/internal/store/redis"
	"github.com/harmonysearch/crawler/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "crawlerd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	metrics.Init()
	clock := system.Clock{}
	ids := uuid.NewGenerator()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.New(ctx, postgres.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect job store: %w", err)
	}
	defer store.Close()

	// Redis being down degrades cancellation and live progress, not crawling.
	var progress crawl.ProgressStore
	redisProgress, err := redisstore.New(ctx, redisstore.Config{
		Addr:      cfg.Redis.Addr,
		KeyPrefix: cfg.Redis.KeyPrefix,
		TTL:       cfg.Redis.TTL,
	}, clock)
	if err != nil {
		logger.Warn("redis unavailable, using in-memory progress store", zap.Error(err))
		progress = memory.NewProgressStore(clock)
	} else {
		defer func() { _ = redisProgress.Close() }()
		progress = redisProgress
	}

	switches := control.New(cfg.Scheduler.MinIntervalHours, cfg.Scheduler.MaxIntervalHours)

	fetcher, err := fetch.New(fetch.Config{
		UserAgent:          cfg.Fetch.UserAgent,
		RequestTimeout:     cfg.Fetch.Timeout,
		Parallelism:        cfg.Fetch.Parallelism,
		RateLimitPerDomain: cfg.Fetch.RateLimitPerDomain,
		MaxBodyBytes:       cfg.Fetch.MaxBodyBytes,
		IgnoreRobots:       cfg.Fetch.IgnoreRobots,
	}, clock, logger.Named("fetch"))
	if err != nil {
		return fmt.Errorf("build fetcher: %w", err)
	}

	w := worker.New(worker.Config{
		MaxConcurrentJobs: cfg.Worker.MaxConcurrentJobs,
		PollInterval:      cfg.Worker.PollInterval,
		PollBackoffStep:   cfg.Worker.PollBackoffStep,
		PollIntervalMax:   cfg.Worker.PollIntervalMax,
		DrainTimeout:      cfg.Worker.DrainTimeout,
	}, store, store, progress, fetcher, score.New(), switches, clock, logger.Named("worker"))

	ix := indexer.New(indexer.Config{BatchSize: cfg.Scheduler.IndexBatchSize},
		store, indexer.NewLogApplier(logger.Named("index")), switches, logger.Named("indexer"))

	sched := scheduler.New(scheduler.Config{
		DiscoveryInterval:  cfg.Scheduler.DiscoveryInterval,
		RescheduleInterval: cfg.Scheduler.RescheduleInterval,
		DrainInterval:      cfg.Scheduler.DrainInterval,
		MaxDepth:           cfg.Scheduler.MaxDepth,
	}, store, store, store, progress, ix, switches, clock, ids, logger.Named("scheduler"))

	srv := api.NewServer(store, store, progress, w, sched, switches, clock, logger.Named("api"))
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	workerDone := make(chan error, 1)
	go func() {
		workerDone <- w.Run(ctx)
	}()

	serverDone := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverDone:
		stop()
		if err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.DrainTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", zap.Error(err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown", zap.Error(err))
	}
	if err := <-workerDone; err != nil {
		logger.Warn("worker shutdown", zap.Error(err))
	}

	logger.Info("crawlerd stopped")
	return nil
}
