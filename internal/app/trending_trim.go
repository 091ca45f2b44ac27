package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/adapter/feed"
	"github.com/quizdom-app/backend/internal/domain"
)

// TrendingSweeper periodically prunes the trending index: posts that
// were deleted, went non-public, or vanished entirely keep their zset
// entries until a sweep removes them. The per-write trim caps size;
// this loop restores accuracy.
type TrendingSweeper struct {
	feeds    *feed.Store
	posts    domain.PostRepository
	cache    *cache.Cache
	interval time.Duration
	logger   *slog.Logger
}

// NewTrendingSweeper builds a sweeper. A nil feed store disables it.
func NewTrendingSweeper(feeds *feed.Store, posts domain.PostRepository, c *cache.Cache, interval time.Duration, logger *slog.Logger) *TrendingSweeper {
	if feeds == nil || posts == nil {
		return nil
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TrendingSweeper{
		feeds:    feeds,
		posts:    posts,
		cache:    c,
		interval: interval,
		logger:   logger.With(slog.String("component", "trending_sweeper")),
	}
}

// Run sweeps on the configured interval until the context ends.
func (s *TrendingSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("trending sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *TrendingSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("feed.trending")
	ctx, span := tracer.Start(ctx, "TrendingSweeper.sweepOnce")
	defer span.End()

	ranked, err := s.feeds.TopTrending(ctx, 0)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("trending sweep list failed", slog.Any("error", err))
		return
	}
	if len(ranked) == 0 {
		return
	}

	ids := make([]string, 0, len(ranked))
	for _, z := range ranked {
		if id, ok := z.Member.(string); ok {
			ids = append(ids, id)
		}
	}
	rows, err := s.posts.ListByIDs(ctx, ids)
	if err != nil {
		span.RecordError(err)
		s.logger.Warn("trending sweep hydrate failed", slog.Any("error", err))
		return
	}
	byID := make(map[string]domain.Post, len(rows))
	for _, p := range rows {
		byID[p.ID] = p
	}

	removed := 0
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			// Not yet persisted: the cached blob covers the window
			// between publish and the persist job.
			if s.cache != nil && s.cache.GetJSON(ctx, s.cache.Keys().Post(id), &p) && p.ID == id && !p.IsDeleted {
				continue
			}
			s.feeds.RemoveTrending(ctx, id)
			removed++
			continue
		}
		if p.IsDeleted || p.Visibility != domain.VisibilityPublic {
			s.feeds.RemoveTrending(ctx, id)
			removed++
		}
	}

	span.SetAttributes(
		attribute.Int("trending.checked", len(ids)),
		attribute.Int("trending.removed", removed),
	)
	if removed > 0 {
		s.logger.Info("trending sweep", slog.Int("checked", len(ids)), slog.Int("removed", removed))
	}
}
