package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/quizdom-app/backend/internal/domain"
)

// LikeRepo persists like edges. Uniqueness of (user, target) is a
// primary key; violations surface as domain.ErrConflict so the API can
// answer 409 without a pre-read.
type LikeRepo struct{ Pool PgxPool }

// NewLikeRepo constructs a LikeRepo with the given pool.
func NewLikeRepo(p PgxPool) *LikeRepo { return &LikeRepo{Pool: p} }

// Create inserts a like edge.
func (r *LikeRepo) Create(ctx domain.Context, l domain.Like) error {
	tracer := otel.Tracer("repo.likes")
	ctx, span := tracer.Start(ctx, "likes.Create")
	defer span.End()

	q := `INSERT INTO likes (user_id, target_type, target_id, created_at) VALUES ($1,$2,$3,$4)`
	_, err := r.Pool.Exec(ctx, q, l.UserID, l.TargetType, l.TargetID, l.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=like.create: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=like.create: %w", err)
	}
	return nil
}

// Delete removes a like edge.
func (r *LikeRepo) Delete(ctx domain.Context, userID string, target domain.LikeTarget, targetID string) error {
	tracer := otel.Tracer("repo.likes")
	ctx, span := tracer.Start(ctx, "likes.Delete")
	defer span.End()

	tag, err := r.Pool.Exec(ctx,
		`DELETE FROM likes WHERE user_id=$1 AND target_type=$2 AND target_id=$3`, userID, target, targetID)
	if err != nil {
		return fmt.Errorf("op=like.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=like.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// Exists reports whether the user already liked the target.
func (r *LikeRepo) Exists(ctx domain.Context, userID string, target domain.LikeTarget, targetID string) (bool, error) {
	tracer := otel.Tracer("repo.likes")
	ctx, span := tracer.Start(ctx, "likes.Exists")
	defer span.End()

	var exists bool
	err := r.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM likes WHERE user_id=$1 AND target_type=$2 AND target_id=$3)`,
		userID, target, targetID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("op=like.exists: %w", err)
	}
	return exists, nil
}
