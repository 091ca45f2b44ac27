package postgres

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/quizdom-app/backend/internal/domain"
)

// QuizRepo persists quizzes. Questions, stats and generation metadata
// live in JSONB columns; filterable fields are first-class columns.
type QuizRepo struct{ Pool PgxPool }

// NewQuizRepo constructs a QuizRepo with the given pool.
func NewQuizRepo(p PgxPool) *QuizRepo { return &QuizRepo{Pool: p} }

const quizColumns = `id, title, description, questions, difficulty, category, tags,
	owner_id, is_public, total_points, estimated_minutes, stats, generation, created_at, updated_at`

// Create inserts a quiz and returns its id (generated when empty).
// Retried generation jobs re-insert under the same id harmlessly.
func (r *QuizRepo) Create(ctx domain.Context, z domain.Quiz) (string, error) {
	tracer := otel.Tracer("repo.quizzes")
	ctx, span := tracer.Start(ctx, "quizzes.Create")
	defer span.End()

	id := z.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	if z.CreatedAt.IsZero() {
		z.CreatedAt = now
	}
	q := `INSERT INTO quizzes (` + quizColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q,
		id, z.Title, z.Description, z.Questions, z.Difficulty, z.Category, z.Tags,
		z.OwnerID, z.IsPublic, z.TotalPoints, z.EstimatedMinutes, z.Stats, z.Generation, z.CreatedAt, now)
	if err != nil {
		return "", fmt.Errorf("op=quiz.create: %w", err)
	}
	return id, nil
}

// Get loads a quiz by id.
func (r *QuizRepo) Get(ctx domain.Context, id string) (domain.Quiz, error) {
	tracer := otel.Tracer("repo.quizzes")
	ctx, span := tracer.Start(ctx, "quizzes.Get")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT `+quizColumns+` FROM quizzes WHERE id=$1`, id)
	z, err := scanQuiz(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Quiz{}, fmt.Errorf("op=quiz.get: %w", domain.ErrNotFound)
		}
		return domain.Quiz{}, fmt.Errorf("op=quiz.get: %w", err)
	}
	return z, nil
}

// List returns a page of quizzes matching the filter plus the total
// match count for pagination.
func (r *QuizRepo) List(ctx domain.Context, f domain.QuizFilter) ([]domain.Quiz, int, error) {
	tracer := otel.Tracer("repo.quizzes")
	ctx, span := tracer.Start(ctx, "quizzes.List")
	defer span.End()

	where, args := quizFilterClauses(f)

	var total int
	countQ := `SELECT COUNT(*) FROM quizzes WHERE ` + where
	if err := r.Pool.QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("op=quiz.list.count: %w", err)
	}

	page, limit := f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	args = append(args, limit, (page-1)*limit)
	listQ := fmt.Sprintf(`SELECT %s FROM quizzes WHERE %s ORDER BY %s LIMIT $%d OFFSET $%d`,
		quizColumns, where, quizOrderBy(f), len(args)-1, len(args))

	rows, err := r.Pool.Query(ctx, listQ, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("op=quiz.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Quiz
	for rows.Next() {
		z, err := scanQuiz(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("op=quiz.list.scan: %w", err)
		}
		out = append(out, z)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("op=quiz.list: %w", err)
	}
	return out, total, nil
}

// Update rewrites all mutable fields of an existing quiz.
func (r *QuizRepo) Update(ctx domain.Context, z domain.Quiz) error {
	tracer := otel.Tracer("repo.quizzes")
	ctx, span := tracer.Start(ctx, "quizzes.Update")
	defer span.End()

	q := `UPDATE quizzes SET title=$2, description=$3, questions=$4, difficulty=$5,
		category=$6, tags=$7, is_public=$8, total_points=$9, estimated_minutes=$10, updated_at=$11
		WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q,
		z.ID, z.Title, z.Description, z.Questions, z.Difficulty,
		z.Category, z.Tags, z.IsPublic, z.TotalPoints, z.EstimatedMinutes, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=quiz.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=quiz.update: %w", domain.ErrNotFound)
	}
	return nil
}

// Delete removes a quiz permanently.
func (r *QuizRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.quizzes")
	ctx, span := tracer.Start(ctx, "quizzes.Delete")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `DELETE FROM quizzes WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=quiz.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=quiz.delete: %w", domain.ErrNotFound)
	}
	return nil
}

func scanQuiz(row pgx.Row) (domain.Quiz, error) {
	var z domain.Quiz
	err := row.Scan(&z.ID, &z.Title, &z.Description, &z.Questions, &z.Difficulty, &z.Category, &z.Tags,
		&z.OwnerID, &z.IsPublic, &z.TotalPoints, &z.EstimatedMinutes, &z.Stats, &z.Generation, &z.CreatedAt, &z.UpdatedAt)
	return z, err
}

// quizFilterClauses renders the filter as a WHERE expression with
// positional args. Zero-valued fields add no constraint.
func quizFilterClauses(f domain.QuizFilter) (string, []any) {
	clauses := []string{"TRUE"}
	var args []any
	add := func(clause string, val any) {
		args = append(args, val)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.PublicOnly {
		clauses = append(clauses, "is_public = TRUE")
	}
	if f.OwnerID != "" {
		add("owner_id = $%d", f.OwnerID)
	}
	if f.Difficulty != "" {
		add("difficulty = $%d", string(f.Difficulty))
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		clauses = append(clauses, fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

// quizOrderBy maps the API sort fields onto columns. Unknown fields
// fall back to recency so the clause is never attacker-controlled.
func quizOrderBy(f domain.QuizFilter) string {
	col, ok := map[string]string{
		"createdAt":   "created_at",
		"title":       "title",
		"difficulty":  "difficulty",
		"totalPoints": "total_points",
	}[f.SortBy]
	if !ok {
		col = "created_at"
	}
	dir := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		dir = "ASC"
	}
	return col + " " + dir
}
