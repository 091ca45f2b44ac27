// Package observability carries the cross-cutting plumbing shared by
// all four binaries: slog setup, the Prometheus registry, OTLP tracing,
// the rolling-window circuit breaker and the fanout delivery monitor.
package observability

import (
	"log/slog"
	"os"

	"github.com/quizdom-app/backend/internal/config"
)

// SetupLogger builds the process logger. Dev runs get human-readable
// text at debug level; everything else emits JSON at info so log
// shippers can ingest it. Every record carries the service name and
// environment.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}

	var h slog.Handler
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
		h = slog.NewTextHandler(os.Stdout, opts)
	} else {
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
