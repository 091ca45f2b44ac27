package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/quizdom-app/backend/internal/domain"
)

// CommentRepo persists comments one thread level deep.
type CommentRepo struct{ Pool PgxPool }

// NewCommentRepo constructs a CommentRepo with the given pool.
func NewCommentRepo(p PgxPool) *CommentRepo { return &CommentRepo{Pool: p} }

const commentColumns = `id, post_id, author_id, author_name, content, parent_comment_id, likes, is_deleted, created_at`

// Create inserts a comment.
func (r *CommentRepo) Create(ctx domain.Context, c domain.Comment) error {
	tracer := otel.Tracer("repo.comments")
	ctx, span := tracer.Start(ctx, "comments.Create")
	defer span.End()

	q := `INSERT INTO comments (` + commentColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.Pool.Exec(ctx, q,
		c.ID, c.PostID, c.AuthorID, c.AuthorName, c.Content,
		nullable(c.ParentCommentID), c.Likes, c.IsDeleted, c.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=comment.create: %w", err)
	}
	return nil
}

// Get loads a comment by id.
func (r *CommentRepo) Get(ctx domain.Context, id string) (domain.Comment, error) {
	tracer := otel.Tracer("repo.comments")
	ctx, span := tracer.Start(ctx, "comments.Get")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, id)
	c, err := scanComment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Comment{}, fmt.Errorf("op=comment.get: %w", domain.ErrNotFound)
		}
		return domain.Comment{}, fmt.Errorf("op=comment.get: %w", err)
	}
	return c, nil
}

// ListByPost returns a page of visible comments, oldest first, plus
// the total count for pagination.
func (r *CommentRepo) ListByPost(ctx domain.Context, postID string, page, limit int) ([]domain.Comment, int, error) {
	tracer := otel.Tracer("repo.comments")
	ctx, span := tracer.Start(ctx, "comments.ListByPost")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	var total int
	if err := r.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM comments WHERE post_id=$1 AND is_deleted=FALSE`, postID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=comment.list.count: %w", err)
	}

	q := `SELECT ` + commentColumns + ` FROM comments
		WHERE post_id=$1 AND is_deleted=FALSE
		ORDER BY created_at ASC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, postID, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("op=comment.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=comment.list.scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=comment.list: %w", err)
	}
	return out, total, nil
}

// IncLikes atomically adjusts a comment's like counter, clamped at
// zero, and returns the new value.
func (r *CommentRepo) IncLikes(ctx domain.Context, id string, delta int) (int, error) {
	tracer := otel.Tracer("repo.comments")
	ctx, span := tracer.Start(ctx, "comments.IncLikes")
	defer span.End()

	var val int
	err := r.Pool.QueryRow(ctx,
		`UPDATE comments SET likes = GREATEST(0, likes + $2) WHERE id=$1 RETURNING likes`, id, delta).Scan(&val)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=comment.inc_likes: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=comment.inc_likes: %w", err)
	}
	return val, nil
}

// SoftDelete hides a comment from read paths.
func (r *CommentRepo) SoftDelete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.comments")
	ctx, span := tracer.Start(ctx, "comments.SoftDelete")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `UPDATE comments SET is_deleted=TRUE WHERE id=$1 AND is_deleted=FALSE`, id)
	if err != nil {
		return fmt.Errorf("op=comment.soft_delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=comment.soft_delete: %w", domain.ErrNotFound)
	}
	return nil
}

func scanComment(row pgx.Row) (domain.Comment, error) {
	var c domain.Comment
	var parent *string
	err := row.Scan(&c.ID, &c.PostID, &c.AuthorID, &c.AuthorName, &c.Content, &parent, &c.Likes, &c.IsDeleted, &c.CreatedAt)
	if parent != nil {
		c.ParentCommentID = *parent
	}
	return c, err
}

// nullable maps "" to SQL NULL for optional reference columns.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
