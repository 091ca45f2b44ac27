package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService purges soft-deleted content past the retention
// window. Soft deletes hide rows immediately; this makes the removal
// permanent and drops the dangling like edges.
type CleanupService struct {
	Pool          PgxPool
	RetentionDays int
	Logger        *slog.Logger
}

// NewCleanupService creates a cleanup service.
func NewCleanupService(pool PgxPool, retentionDays int, logger *slog.Logger) *CleanupService {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &CleanupService{Pool: pool, RetentionDays: retentionDays, Logger: logger}
}

// PurgeSoftDeleted removes posts and comments soft-deleted before the
// retention cutoff, plus likes pointing at the purged rows.
func (s *CleanupService) PurgeSoftDeleted(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.RetentionDays)

	likesTag, err := s.Pool.Exec(ctx, `
		DELETE FROM likes
		WHERE (target_type = 'post' AND target_id IN (SELECT id::text FROM posts WHERE is_deleted AND created_at < $1))
		   OR (target_type = 'comment' AND target_id IN (SELECT id::text FROM comments WHERE is_deleted AND created_at < $1))`,
		cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.likes: %w", err)
	}

	commentsTag, err := s.Pool.Exec(ctx, `
		DELETE FROM comments
		WHERE is_deleted AND created_at < $1
		   OR post_id IN (SELECT id FROM posts WHERE is_deleted AND created_at < $1)`,
		cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.comments: %w", err)
	}

	postsTag, err := s.Pool.Exec(ctx,
		`DELETE FROM posts WHERE is_deleted AND created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("op=cleanup.posts: %w", err)
	}

	s.Logger.Info("retention purge completed",
		slog.Int64("deleted_posts", postsTag.RowsAffected()),
		slog.Int64("deleted_comments", commentsTag.RowsAffected()),
		slog.Int64("deleted_likes", likesTag.RowsAffected()),
		slog.Time("cutoff", cutoff))
	return nil
}

// RunPeriodic purges on start and then on every tick until the context
// is cancelled.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := s.PurgeSoftDeleted(ctx); err != nil {
		s.Logger.Error("initial retention purge failed", slog.Any("error", err))
	}
	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if err := s.PurgeSoftDeleted(ctx); err != nil {
				s.Logger.Error("retention purge failed", slog.Any("error", err))
			}
		}
	}
}
