// Command social-worker drains the social queues: feed fanout,
// notification delivery, and post persistence. It also runs the
// trending sweeper and the soft-delete purge loop.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/adapter/eventstream"
	"github.com/quizdom-app/backend/internal/adapter/feed"
	"github.com/quizdom-app/backend/internal/adapter/notify"
	"github.com/quizdom-app/backend/internal/adapter/observability"
	asynqadp "github.com/quizdom-app/backend/internal/adapter/queue/asynq"
	"github.com/quizdom-app/backend/internal/adapter/repo/postgres"
	"github.com/quizdom-app/backend/internal/app"
	"github.com/quizdom-app/backend/internal/config"
	"github.com/quizdom-app/backend/internal/domain"
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

	feeds := feed.NewStore(c, cfg.MaxFeedItems, cfg.TrendingSize, logger)
	plane := notify.NewPlane(c, cfg.NotifyBatchSize, logger)

	queue, err := asynqadp.New(cfg.RedisURL, asynqadp.NewProgressStore(c), cfg.RetryPolicy(), cfg.JobTimeout, logger)
	if err != nil {
		slog.Error("queue connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = queue.Close() }()

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

	posts := postgres.NewPostRepo(pool)
	fanout := asynqadp.NewFanoutHandler(feeds, queue, cfg.FanoutBatchSize, cfg.FanoutIdemMinFol, logger)
	notifier := asynqadp.NewNotifyHandler(plane, postgres.NewNotificationRepo(pool), events, logger)
	persist := asynqadp.NewPersistPostHandler(posts, events, logger)

	concurrency := cfg.FeedConcurrency + cfg.NotifyConcurrency
	worker, err := asynqadp.NewSocialWorker(cfg.RedisURL, concurrency, cfg.RetryPolicy(), fanout, notifier, persist, logger)
	if err != nil {
		slog.Error("worker init failed", slog.Any("error", err))
		os.Exit(1)
	}

	if sweeper := app.NewTrendingSweeper(feeds, posts, c, 0, logger); sweeper != nil {
		go sweeper.Run(ctx)
	}
	if cfg.PurgeRetentionDays > 0 {
		go postgres.NewCleanupService(pool, cfg.PurgeRetentionDays, logger).RunPeriodic(ctx, cfg.CleanupInterval)
	}

	if err := worker.Start(); err != nil {
		slog.Error("worker start failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("social worker started", slog.Int("concurrency", concurrency))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))

	cancel()
	worker.Stop()
	slog.Info("social worker stopped")
}
