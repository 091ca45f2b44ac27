package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/config"
	"github.com/quizdom-app/backend/internal/domain"
	"github.com/quizdom-app/backend/internal/usecase"
)

// Pinger is the minimal pool surface readiness needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuildProbes returns the /readyz probe set: store, coordination
// substrate, and optionally the Tika extractor for the service that
// accepts uploads.
func BuildProbes(cfg config.Config, pool Pinger, c *cache.Cache, includeTika bool) func(ctx domain.Context) []usecase.ReadinessCheck {
	return func(ctx domain.Context) []usecase.ReadinessCheck {
		checks := []usecase.ReadinessCheck{
			runProbe(ctx, "postgres", func(ctx context.Context) error {
				if pool == nil {
					return fmt.Errorf("db not configured")
				}
				return pool.Ping(ctx)
			}),
			runProbe(ctx, "redis", func(ctx context.Context) error {
				if c == nil {
					return fmt.Errorf("redis not configured")
				}
				return c.Ping(ctx)
			}),
		}
		if includeTika {
			checks = append(checks, runProbe(ctx, "tika", func(ctx context.Context) error {
				return probeTika(ctx, cfg.TikaURL)
			}))
		}
		return checks
	}
}

func runProbe(ctx domain.Context, name string, probe func(context.Context) error) usecase.ReadinessCheck {
	check := usecase.ReadinessCheck{Name: name, OK: true}
	if err := probe(ctx); err != nil {
		check.OK = false
		check.Details = err.Error()
	}
	return check
}

func probeTika(ctx context.Context, baseURL string) error {
	if baseURL == "" {
		return fmt.Errorf("tika url not configured")
	}
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/version", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("tika status %d", resp.StatusCode)
	}
	return nil
}
