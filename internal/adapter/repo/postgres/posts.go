package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/quizdom-app/backend/internal/domain"
)

// PostRepo is the system of record for posts. The fanout path serves
// reads from Redis; this table backs cache misses, moderation and
// counter truth.
type PostRepo struct{ Pool PgxPool }

// NewPostRepo constructs a PostRepo with the given pool.
func NewPostRepo(p PgxPool) *PostRepo { return &PostRepo{Pool: p} }

const postColumns = `id, author_id, author_name, author_avatar, content, images, type,
	related_quiz, related_achievement, visibility, likes, comments, shares,
	hashtags, mentions, is_deleted, created_at`

// Create inserts a post. The persist job may retry after a partial
// failure, so duplicate ids are a no-op rather than an error.
func (r *PostRepo) Create(ctx domain.Context, p domain.Post) error {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.Create")
	defer span.End()

	q := `INSERT INTO posts (` + postColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q,
		p.ID, p.AuthorID, p.AuthorName, p.AuthorAvatar, p.Content, p.Images, p.Type,
		p.RelatedQuiz, p.RelatedAchmt, p.Visibility, p.Likes, p.CommentsCount, p.Shares,
		p.Hashtags, p.Mentions, p.IsDeleted, p.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=post.create: %w", err)
	}
	return nil
}

// Get loads a post by id, soft-deleted ones included; visibility
// filtering is the caller's concern.
func (r *PostRepo) Get(ctx domain.Context, id string) (domain.Post, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.Get")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT `+postColumns+` FROM posts WHERE id=$1`, id)
	p, err := scanPost(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Post{}, fmt.Errorf("op=post.get: %w", domain.ErrNotFound)
		}
		return domain.Post{}, fmt.Errorf("op=post.get: %w", err)
	}
	return p, nil
}

// ListByIDs loads the given posts in one round trip. Missing ids are
// simply absent from the result.
func (r *PostRepo) ListByIDs(ctx domain.Context, ids []string) ([]domain.Post, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.ListByIDs")
	defer span.End()

	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.Pool.Query(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("op=post.list_by_ids: %w", err)
	}
	defer rows.Close()
	return collectPosts(rows, "op=post.list_by_ids")
}

// ListByAuthors returns the newest posts of the given authors, used to
// rebuild a cold feed.
func (r *PostRepo) ListByAuthors(ctx domain.Context, authorIDs []string, limit int) ([]domain.Post, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.ListByAuthors")
	defer span.End()

	if len(authorIDs) == 0 {
		return nil, nil
	}
	if limit < 1 {
		limit = 100
	}
	q := `SELECT ` + postColumns + ` FROM posts
		WHERE author_id = ANY($1) AND is_deleted = FALSE
		ORDER BY created_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, authorIDs, limit)
	if err != nil {
		return nil, fmt.Errorf("op=post.list_by_authors: %w", err)
	}
	defer rows.Close()
	return collectPosts(rows, "op=post.list_by_authors")
}

// IncCounter atomically adjusts one engagement counter and returns the
// new value. Negative results clamp to zero in SQL so concurrent
// unlikes can never drive a counter below zero.
func (r *PostRepo) IncCounter(ctx domain.Context, id string, field domain.CounterField, delta int) (int, error) {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.IncCounter")
	defer span.End()

	col, err := counterColumn(field)
	if err != nil {
		return 0, err
	}
	q := fmt.Sprintf(`UPDATE posts SET %s = GREATEST(0, %s + $2) WHERE id=$1 RETURNING %s`, col, col, col)
	var val int
	if err := r.Pool.QueryRow(ctx, q, id, delta).Scan(&val); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=post.inc_counter: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=post.inc_counter: %w", err)
	}
	return val, nil
}

// SoftDelete hides a post from all read paths; the purge job removes
// the row after the retention window.
func (r *PostRepo) SoftDelete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.posts")
	ctx, span := tracer.Start(ctx, "posts.SoftDelete")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `UPDATE posts SET is_deleted=TRUE WHERE id=$1 AND is_deleted=FALSE`, id)
	if err != nil {
		return fmt.Errorf("op=post.soft_delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=post.soft_delete: %w", domain.ErrNotFound)
	}
	return nil
}

func counterColumn(field domain.CounterField) (string, error) {
	switch field {
	case domain.CounterLikes:
		return "likes", nil
	case domain.CounterComments:
		return "comments", nil
	case domain.CounterShares:
		return "shares", nil
	}
	return "", fmt.Errorf("op=post.inc_counter: unknown field %q: %w", field, domain.ErrInvalidArgument)
}

func scanPost(row pgx.Row) (domain.Post, error) {
	var p domain.Post
	err := row.Scan(&p.ID, &p.AuthorID, &p.AuthorName, &p.AuthorAvatar, &p.Content, &p.Images, &p.Type,
		&p.RelatedQuiz, &p.RelatedAchmt, &p.Visibility, &p.Likes, &p.CommentsCount, &p.Shares,
		&p.Hashtags, &p.Mentions, &p.IsDeleted, &p.CreatedAt)
	return p, err
}

func collectPosts(rows pgx.Rows, op string) ([]domain.Post, error) {
	var out []domain.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}
