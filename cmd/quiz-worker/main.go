// Command quiz-worker consumes generation jobs: prompt the model,
// validate the returned questions, persist the quiz, charge the quota.
// Metrics are exposed on a dedicated port for scraping.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quizdom-app/backend/internal/adapter/ai"
	"github.com/quizdom-app/backend/internal/adapter/ai/stub"
	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/adapter/eventstream"
	"github.com/quizdom-app/backend/internal/adapter/observability"
	asynqadp "github.com/quizdom-app/backend/internal/adapter/queue/asynq"
	"github.com/quizdom-app/backend/internal/adapter/repo/postgres"
	"github.com/quizdom-app/backend/internal/config"
	"github.com/quizdom-app/backend/internal/domain"
	"github.com/quizdom-app/backend/internal/service/freemodels"
	"github.com/quizdom-app/backend/internal/service/quota"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	rdb, err := cache.NewRedisClient(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()
	c := cache.New(rdb, cache.Keys{Prefix: cfg.CachePrefix}, logger)

	limits, err := config.LoadRoleLimits(cfg)
	if err != nil {
		slog.Error("quota limits load failed", slog.Any("error", err))
		os.Exit(1)
	}

	var aicl domain.AIClient
	model := cfg.AIModel
	if cfg.AIAPIKey == "" && !cfg.IsProd() {
		// Keyless local runs still get a working pipeline.
		slog.Warn("AI_API_KEY is empty, serving canned questions from the stub client")
		aicl = stub.New()
		model = "stub"
	} else {
		// The "auto" label resolves once at startup and pins for the
		// process lifetime; mid-run model swaps would skew the breaker.
		resolved, err := freemodels.NewService(cfg.AIAPIKey, cfg.AIBaseURL, time.Hour).Resolve(ctx, cfg.AIModel)
		if err != nil {
			slog.Error("model resolution failed", slog.Any("error", err))
			os.Exit(1)
		}
		cfg.AIModel = resolved
		model = resolved
		slog.Info("generation model pinned", slog.String("model", model))

		breaker := observability.NewRollingBreaker(observability.BreakerOpts{
			Name:            "ai",
			Buckets:         cfg.BreakerWindowBuckets,
			MinObservations: cfg.BreakerMinObserved,
			ResetTimeout:    cfg.BreakerResetTimeout,
		})
		aicl = ai.New(cfg, breaker, logger)
	}

	var events domain.EventPublisher = eventstream.Noop{}
	if cfg.EventStreamEnabled() {
		producer, err := eventstream.New(cfg.KafkaBrokers, logger)
		if err != nil {
			slog.Error("event stream connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer producer.Close()
		events = producer
	}

	gen := asynqadp.NewGenerateHandler(
		aicl,
		postgres.NewQuizRepo(pool),
		c,
		quota.New(c, limits, logger),
		asynqadp.NewProgressStore(c),
		events,
		model,
		logger,
	)

	worker, err := asynqadp.NewQuizWorker(cfg.RedisURL, cfg.GenConcurrency, cfg.RetryPolicy(), gen, logger)
	if err != nil {
		slog.Error("worker init failed", slog.Any("error", err))
		os.Exit(1)
	}

	cleaner, err := asynqadp.NewRetentionCleaner(cfg.RedisURL, cfg.KeepCompletedJobs, cfg.KeepFailedJobs, time.Hour, logger)
	if err != nil {
		slog.Error("retention cleaner init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = cleaner.Close() }()
	go cleaner.Run(ctx)

	if err := worker.Start(); err != nil {
		slog.Error("worker start failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("quiz worker started",
		slog.Int("concurrency", cfg.GenConcurrency),
		slog.String("model", model))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))

	cancel()
	worker.Stop()
	slog.Info("quiz worker stopped")
}
