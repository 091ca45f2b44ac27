package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizdom-app/backend/internal/adapter/repo/postgres"
	"github.com/quizdom-app/backend/internal/domain"
)

func TestLikeRepo_Create(t *testing.T) {
	t.Parallel()
	pool := &fakePool{}
	repo := postgres.NewLikeRepo(pool)

	like := domain.Like{
		UserID:     "u1",
		TargetType: domain.LikePost,
		TargetID:   "p1",
		CreatedAt:  time.Now(),
	}
	require.NoError(t, repo.Create(context.Background(), like))
	require.Len(t, pool.SQL, 1)
	assert.Contains(t, pool.SQL[0], "INSERT INTO likes")
}

func TestLikeRepo_Create_DuplicateMapsToConflict(t *testing.T) {
	t.Parallel()
	pool := &fakePool{}
	pool.queueExec("", &pgconn.PgError{Code: "23505"})
	repo := postgres.NewLikeRepo(pool)

	err := repo.Create(context.Background(), domain.Like{UserID: "u1", TargetType: domain.LikePost, TargetID: "p1"})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestLikeRepo_Delete_MissingMapsToNotFound(t *testing.T) {
	t.Parallel()
	pool := &fakePool{}
	pool.queueExec("DELETE 0", nil)
	repo := postgres.NewLikeRepo(pool)

	err := repo.Delete(context.Background(), "u1", domain.LikePost, "p1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLikeRepo_Exists(t *testing.T) {
	t.Parallel()
	pool := &fakePool{}
	pool.queueRow(nil, true)
	repo := postgres.NewLikeRepo(pool)

	ok, err := repo.Exists(context.Background(), "u1", domain.LikeComment, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
}
