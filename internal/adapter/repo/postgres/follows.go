package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/quizdom-app/backend/internal/domain"
)

// FollowRepo persists the follow graph. Redis keeps mirrored follower
// and following sets for O(1) fanout snapshots; this table is the
// rebuild source.
type FollowRepo struct{ Pool PgxPool }

// NewFollowRepo constructs a FollowRepo with the given pool.
func NewFollowRepo(p PgxPool) *FollowRepo { return &FollowRepo{Pool: p} }

// Create inserts a follow edge.
func (r *FollowRepo) Create(ctx domain.Context, f domain.Follow) error {
	tracer := otel.Tracer("repo.follows")
	ctx, span := tracer.Start(ctx, "follows.Create")
	defer span.End()

	if f.FollowerID == f.FollowingID {
		return fmt.Errorf("op=follow.create: self-follow: %w", domain.ErrInvalidArgument)
	}
	q := `INSERT INTO follows (follower_id, following_id, created_at) VALUES ($1,$2,$3)`
	_, err := r.Pool.Exec(ctx, q, f.FollowerID, f.FollowingID, f.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=follow.create: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=follow.create: %w", err)
	}
	return nil
}

// Delete removes a follow edge.
func (r *FollowRepo) Delete(ctx domain.Context, followerID, followingID string) error {
	tracer := otel.Tracer("repo.follows")
	ctx, span := tracer.Start(ctx, "follows.Delete")
	defer span.End()

	tag, err := r.Pool.Exec(ctx,
		`DELETE FROM follows WHERE follower_id=$1 AND following_id=$2`, followerID, followingID)
	if err != nil {
		return fmt.Errorf("op=follow.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=follow.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// Exists reports whether follower already follows following.
func (r *FollowRepo) Exists(ctx domain.Context, followerID, followingID string) (bool, error) {
	tracer := otel.Tracer("repo.follows")
	ctx, span := tracer.Start(ctx, "follows.Exists")
	defer span.End()

	var exists bool
	err := r.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM follows WHERE follower_id=$1 AND following_id=$2)`,
		followerID, followingID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("op=follow.exists: %w", err)
	}
	return exists, nil
}

// FollowerIDs returns every user following userID.
func (r *FollowRepo) FollowerIDs(ctx domain.Context, userID string) ([]string, error) {
	tracer := otel.Tracer("repo.follows")
	ctx, span := tracer.Start(ctx, "follows.FollowerIDs")
	defer span.End()

	return r.idColumn(ctx, `SELECT follower_id FROM follows WHERE following_id=$1`, userID, "op=follow.follower_ids")
}

// FollowingIDs returns every user userID follows.
func (r *FollowRepo) FollowingIDs(ctx domain.Context, userID string) ([]string, error) {
	tracer := otel.Tracer("repo.follows")
	ctx, span := tracer.Start(ctx, "follows.FollowingIDs")
	defer span.End()

	return r.idColumn(ctx, `SELECT following_id FROM follows WHERE follower_id=$1`, userID, "op=follow.following_ids")
}

func (r *FollowRepo) idColumn(ctx domain.Context, q, userID, op string) ([]string, error) {
	rows, err := r.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
