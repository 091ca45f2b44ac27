// Command social-server serves the social plane: posts, comments,
// likes, follows, feeds, notifications, and the websocket gateway.
// Writes are acknowledged from cache and fanned out by social-worker.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/adapter/eventstream"
	"github.com/quizdom-app/backend/internal/adapter/feed"
	"github.com/quizdom-app/backend/internal/adapter/httpserver"
	"github.com/quizdom-app/backend/internal/adapter/httpserver/auth"
	"github.com/quizdom-app/backend/internal/adapter/notify"
	"github.com/quizdom-app/backend/internal/adapter/observability"
	asynqadp "github.com/quizdom-app/backend/internal/adapter/queue/asynq"
	"github.com/quizdom-app/backend/internal/adapter/realtime"
	"github.com/quizdom-app/backend/internal/adapter/repo/postgres"
	"github.com/quizdom-app/backend/internal/app"
	"github.com/quizdom-app/backend/internal/config"
	"github.com/quizdom-app/backend/internal/domain"
	"github.com/quizdom-app/backend/internal/usecase"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.JWTSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()
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

	social := usecase.NewSocialService(
		postgres.NewPostRepo(pool),
		postgres.NewCommentRepo(pool),
		postgres.NewLikeRepo(pool),
		postgres.NewFollowRepo(pool),
		queue,
		events,
		feeds,
		c,
	)
	notifs := usecase.NewNotificationService(postgres.NewNotificationRepo(pool), plane, queue)

	gateway := realtime.NewGateway(c, feeds, plane, logger)
	defer gateway.Close()

	srv := &httpserver.Server{
		Cfg:      cfg,
		Verifier: auth.NewVerifier(cfg.JWTSecret),
		Social:   social,
		Notifs:   notifs,
		Probes:   app.BuildProbes(cfg, pool, c, false),
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.BuildSocialRouter(cfg, srv, gateway),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("social server starting", slog.Int("port", cfg.Port))
		errCh <- httpSrv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}
