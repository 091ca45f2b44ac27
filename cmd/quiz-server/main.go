// Command quiz-server serves the generation intake, the synchronous
// doubt solver, and the quiz CRUD API. Generation itself runs on
// quiz-worker; this process validates, enforces quotas, enqueues, and
// answers status polls. Doubt answers are served in-band behind the
// process-local breaker.
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

	"github.com/quizdom-app/backend/internal/adapter/ai"
	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/adapter/httpserver"
	"github.com/quizdom-app/backend/internal/adapter/httpserver/auth"
	"github.com/quizdom-app/backend/internal/adapter/observability"
	asynqadp "github.com/quizdom-app/backend/internal/adapter/queue/asynq"
	"github.com/quizdom-app/backend/internal/adapter/repo/postgres"
	"github.com/quizdom-app/backend/internal/adapter/textextractor/tika"
	"github.com/quizdom-app/backend/internal/app"
	"github.com/quizdom-app/backend/internal/config"
	"github.com/quizdom-app/backend/internal/service/quota"
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

	limits, err := config.LoadRoleLimits(cfg)
	if err != nil {
		slog.Error("quota limits load failed", slog.Any("error", err))
		os.Exit(1)
	}

	queue, err := asynqadp.New(cfg.RedisURL, asynqadp.NewProgressStore(c), cfg.RetryPolicy(), cfg.JobTimeout, logger)
	if err != nil {
		slog.Error("queue connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = queue.Close() }()

	breaker := observability.NewRollingBreaker(observability.BreakerOpts{
		Name:            "ai",
		Buckets:         cfg.BreakerWindowBuckets,
		MinObservations: cfg.BreakerMinObserved,
		ResetTimeout:    cfg.BreakerResetTimeout,
	})
	extractor := tika.New(cfg.TikaURL, logger)

	srv := &httpserver.Server{
		Cfg:      cfg,
		Verifier: auth.NewVerifier(cfg.JWTSecret),
		Generate: usecase.NewGenerateService(queue, quota.New(c, limits, logger), c, extractor),
		Doubt:    usecase.NewDoubtService(ai.New(cfg, breaker, logger), extractor),
		Quizzes:  usecase.NewQuizService(postgres.NewQuizRepo(pool)),
		Probes:   app.BuildProbes(cfg, pool, c, true),
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           app.BuildQuizRouter(cfg, srv),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("quiz server starting", slog.Int("port", cfg.Port))
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
