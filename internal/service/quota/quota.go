// Package quota enforces the per-user daily generation budget. The
// counter lives in Redis keyed by (user, day); the budget is charged
// only on successful completion, so a failed generation never consumes
// a day's allowance.
package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/adapter/observability"
	"github.com/quizdom-app/backend/internal/config"
	"github.com/quizdom-app/backend/internal/domain"
)

// Service answers quota questions and charges completed generations.
type Service struct {
	cache  *cache.Cache
	limits config.RoleLimits
	logger *slog.Logger
	// now is a clock hook for tests.
	now func() time.Time
}

// New builds the quota service. logger may be nil.
func New(c *cache.Cache, limits config.RoleLimits, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cache: c, limits: limits, logger: logger, now: time.Now}
}

// Check returns today's snapshot for the user. It never fails from the
// caller's perspective: on store failure it returns the zero snapshot
// with Exceeded=false so generation is not blocked, and warns.
func (s *Service) Check(ctx context.Context, userID string, role domain.Role) domain.QuotaInfo {
	day := cache.DayKey(s.now())
	limit := s.limits.LimitFor(role)

	count, err := s.cache.GetInt(ctx, s.cache.Keys().Quota(userID, day))
	if err != nil {
		s.logger.Warn("quota check degraded, failing open",
			slog.String("user_id", userID),
			slog.Any("error", err))
		return domain.QuotaInfo{Role: role, DayKey: day}
	}

	info := domain.QuotaInfo{
		Count:     int(count),
		Limit:     limit,
		Remaining: limit - int(count),
		Role:      role,
		DayKey:    day,
	}
	if info.Remaining < 0 {
		info.Remaining = 0
	}
	info.Exceeded = int(count) >= limit
	if info.Exceeded {
		observability.QuotaRejectionsTotal.WithLabelValues(string(role)).Inc()
	}
	return info
}

// Charge increments the user's window after a successful generation and
// returns the post-increment count. The first writer of the day sets
// the 24h TTL; a lost TTL race is tolerated because the next day's key
// has a different name.
func (s *Service) Charge(ctx context.Context, userID string) (int, error) {
	day := cache.DayKey(s.now())
	key := s.cache.Keys().Quota(userID, day)
	n, err := s.cache.Increment(ctx, key)
	if err != nil {
		return 0, err
	}
	if n == 1 {
		s.cache.Expire(ctx, key, cache.TTLQuota)
	}
	return int(n), nil
}
