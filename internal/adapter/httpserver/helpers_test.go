package httpserver_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/adapter/feed"
	"github.com/quizdom-app/backend/internal/adapter/httpserver"
	"github.com/quizdom-app/backend/internal/adapter/httpserver/auth"
	"github.com/quizdom-app/backend/internal/adapter/notify"
	"github.com/quizdom-app/backend/internal/config"
	"github.com/quizdom-app/backend/internal/domain"
	"github.com/quizdom-app/backend/internal/service/quota"
	"github.com/quizdom-app/backend/internal/usecase"
)

const testSecret = "test-secret"

func newTestCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return cache.New(rdb, cache.Keys{Prefix: "quizdom"}, nil), mr
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:           testSecret,
		MaxUploadMB:         10,
		DailyLimitStudent:   5,
		DailyLimitTeacher:   20,
		DailyLimitModerator: 50,
		DailyLimitAdmin:     100,
		StatusLookupTimeout: 5 * time.Second,
	}
}

// testEnv wires a Server over in-memory ports: miniredis behind the
// cache, map-backed repositories, a recording queue.
type testEnv struct {
	srv      *httpserver.Server
	verifier *auth.Verifier
	cache    *cache.Cache
	mini     *miniredis.Miniredis
	queue    *queueStub
	posts    *postRepoStub
	quizzes  *quizRepoStub
	likes    *likeRepoStub
	follows  *followRepoStub
	notifs   *notifRepoStub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig()
	c, mr := newTestCache(t)
	limits, err := config.LoadRoleLimits(cfg)
	require.NoError(t, err)

	verifier := auth.NewVerifier(cfg.JWTSecret)
	q := &queueStub{}
	quizzes := newQuizRepoStub()
	posts := newPostRepoStub()
	comments := newCommentRepoStub()
	likes := newLikeRepoStub()
	follows := newFollowRepoStub()
	notifs := newNotifRepoStub()
	feeds := feed.NewStore(c, 1000, 100, nil)
	plane := notify.NewPlane(c, 50, nil)

	srv := &httpserver.Server{
		Cfg:      cfg,
		Verifier: verifier,
		Generate: usecase.NewGenerateService(q, quota.New(c, limits, nil), c, &extractorStub{text: "extracted text"}),
		Quizzes:  usecase.NewQuizService(quizzes),
		Social:   usecase.NewSocialService(posts, comments, likes, follows, q, eventsStub{}, feeds, c),
		Notifs:   usecase.NewNotificationService(notifs, plane, q),
	}
	return &testEnv{
		srv:      srv,
		verifier: verifier,
		cache:    c,
		mini:     mr,
		queue:    q,
		posts:    posts,
		quizzes:  quizzes,
		likes:    likes,
		follows:  follows,
		notifs:   notifs,
	}
}

func (e *testEnv) token(t *testing.T, userID string, role domain.Role) string {
	t.Helper()
	tok, err := e.verifier.Sign(auth.Claims{UserID: userID, Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

// doJSON runs one request through the given handler chain and decodes
// the envelope.
func doJSON(t *testing.T, h http.Handler, method, target, token string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env map[string]any
	if rec.Body.Len() > 0 && strings.Contains(rec.Header().Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func dataOf(t *testing.T, env map[string]any) map[string]any {
	t.Helper()
	data, ok := env["data"].(map[string]any)
	require.True(t, ok, "envelope data missing: %v", env)
	return data
}

// queueStub records enqueues and serves scripted status lookups.
type queueStub struct {
	mu        sync.Mutex
	generated []domain.GenerateTaskPayload
	fanouts   []domain.FanoutTaskPayload
	notifies  []domain.NotifyTaskPayload
	persists  []domain.PersistPostTaskPayload
	statusJob domain.Job
	statusErr error
}

func (q *queueStub) EnqueueGenerate(_ domain.Context, payload domain.GenerateTaskPayload, opts domain.EnqueueOptions) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.generated = append(q.generated, payload)
	return domain.Job{ID: opts.JobID, State: domain.JobQueued, MaxAttempts: 3}, nil
}

func (q *queueStub) EnqueueFanout(_ domain.Context, payload domain.FanoutTaskPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.fanouts = append(q.fanouts, payload)
	return nil
}

func (q *queueStub) EnqueueNotify(_ domain.Context, payload domain.NotifyTaskPayload, _ bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notifies = append(q.notifies, payload)
	return nil
}

func (q *queueStub) EnqueuePersistPost(_ domain.Context, payload domain.PersistPostTaskPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.persists = append(q.persists, payload)
	return nil
}

func (q *queueStub) GetStatus(_ domain.Context, jobID string) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.statusErr != nil {
		return domain.Job{}, q.statusErr
	}
	j := q.statusJob
	if j.ID == "" {
		j = domain.Job{ID: jobID, State: domain.JobQueued}
	}
	return j, nil
}

func (q *queueStub) generateCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.generated)
}

type extractorStub struct{ text string }

func (e *extractorStub) ExtractPath(_ domain.Context, _, _ string) (string, error) {
	return e.text, nil
}

type eventsStub struct{}

func (eventsStub) Publish(domain.Context, string, string, []byte) {}

// quizRepoStub is a map-backed QuizRepository.
type quizRepoStub struct {
	mu     sync.Mutex
	nextID int
	rows   map[string]domain.Quiz
}

func newQuizRepoStub() *quizRepoStub { return &quizRepoStub{rows: map[string]domain.Quiz{}} }

func (r *quizRepoStub) Create(_ domain.Context, q domain.Quiz) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := fmt.Sprintf("quiz-%d", r.nextID)
	q.ID = id
	r.rows[id] = q
	return id, nil
}

func (r *quizRepoStub) Get(_ domain.Context, id string) (domain.Quiz, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.rows[id]
	if !ok {
		return domain.Quiz{}, fmt.Errorf("quiz %s: %w", id, domain.ErrNotFound)
	}
	return q, nil
}

func (r *quizRepoStub) List(_ domain.Context, f domain.QuizFilter) ([]domain.Quiz, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Quiz
	for _, q := range r.rows {
		if f.PublicOnly && !q.IsPublic {
			continue
		}
		if f.OwnerID != "" && q.OwnerID != f.OwnerID {
			continue
		}
		if f.Difficulty != "" && q.Difficulty != f.Difficulty {
			continue
		}
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (r *quizRepoStub) Update(_ domain.Context, q domain.Quiz) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[q.ID]; !ok {
		return fmt.Errorf("quiz %s: %w", q.ID, domain.ErrNotFound)
	}
	r.rows[q.ID] = q
	return nil
}

func (r *quizRepoStub) Delete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return fmt.Errorf("quiz %s: %w", id, domain.ErrNotFound)
	}
	delete(r.rows, id)
	return nil
}

// postRepoStub is a map-backed PostRepository.
type postRepoStub struct {
	mu   sync.Mutex
	rows map[string]domain.Post
}

func newPostRepoStub() *postRepoStub { return &postRepoStub{rows: map[string]domain.Post{}} }

func (r *postRepoStub) put(p domain.Post) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[p.ID] = p
}

func (r *postRepoStub) Create(_ domain.Context, p domain.Post) error {
	r.put(p)
	return nil
}

func (r *postRepoStub) Get(_ domain.Context, id string) (domain.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return domain.Post{}, fmt.Errorf("post %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (r *postRepoStub) ListByIDs(_ domain.Context, ids []string) ([]domain.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Post
	for _, id := range ids {
		if p, ok := r.rows[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *postRepoStub) ListByAuthors(_ domain.Context, authorIDs []string, limit int) ([]domain.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	authors := map[string]struct{}{}
	for _, id := range authorIDs {
		authors[id] = struct{}{}
	}
	var out []domain.Post
	for _, p := range r.rows {
		if _, ok := authors[p.AuthorID]; ok && !p.IsDeleted {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *postRepoStub) IncCounter(_ domain.Context, id string, field domain.CounterField, delta int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return 0, fmt.Errorf("post %s: %w", id, domain.ErrNotFound)
	}
	bump := func(v int) int {
		v += delta
		if v < 0 {
			v = 0
		}
		return v
	}
	var out int
	switch field {
	case domain.CounterLikes:
		p.Likes = bump(p.Likes)
		out = p.Likes
	case domain.CounterComments:
		p.CommentsCount = bump(p.CommentsCount)
		out = p.CommentsCount
	case domain.CounterShares:
		p.Shares = bump(p.Shares)
		out = p.Shares
	}
	r.rows[id] = p
	return out, nil
}

func (r *postRepoStub) SoftDelete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("post %s: %w", id, domain.ErrNotFound)
	}
	p.IsDeleted = true
	r.rows[id] = p
	return nil
}

// commentRepoStub is a map-backed CommentRepository.
type commentRepoStub struct {
	mu   sync.Mutex
	rows map[string]domain.Comment
}

func newCommentRepoStub() *commentRepoStub {
	return &commentRepoStub{rows: map[string]domain.Comment{}}
}

func (r *commentRepoStub) Create(_ domain.Context, c domain.Comment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[c.ID] = c
	return nil
}

func (r *commentRepoStub) Get(_ domain.Context, id string) (domain.Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return domain.Comment{}, fmt.Errorf("comment %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

func (r *commentRepoStub) ListByPost(_ domain.Context, postID string, page, limit int) ([]domain.Comment, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []domain.Comment
	for _, c := range r.rows {
		if c.PostID == postID && !c.IsDeleted {
			all = append(all, c)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	total := len(all)
	start := (page - 1) * limit
	if start >= total {
		return nil, total, nil
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (r *commentRepoStub) IncLikes(_ domain.Context, id string, delta int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return 0, fmt.Errorf("comment %s: %w", id, domain.ErrNotFound)
	}
	c.Likes += delta
	if c.Likes < 0 {
		c.Likes = 0
	}
	r.rows[id] = c
	return c.Likes, nil
}

func (r *commentRepoStub) SoftDelete(_ domain.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("comment %s: %w", id, domain.ErrNotFound)
	}
	c.IsDeleted = true
	r.rows[id] = c
	return nil
}

// likeRepoStub enforces the (user, target) uniqueness in memory.
type likeRepoStub struct {
	mu   sync.Mutex
	rows map[string]struct{}
}

func newLikeRepoStub() *likeRepoStub { return &likeRepoStub{rows: map[string]struct{}{}} }

func likeKey(userID string, target domain.LikeTarget, targetID string) string {
	return userID + "|" + string(target) + "|" + targetID
}

func (r *likeRepoStub) Create(_ domain.Context, l domain.Like) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := likeKey(l.UserID, l.TargetType, l.TargetID)
	if _, ok := r.rows[k]; ok {
		return fmt.Errorf("already liked: %w", domain.ErrConflict)
	}
	r.rows[k] = struct{}{}
	return nil
}

func (r *likeRepoStub) Delete(_ domain.Context, userID string, target domain.LikeTarget, targetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := likeKey(userID, target, targetID)
	if _, ok := r.rows[k]; !ok {
		return fmt.Errorf("not liked: %w", domain.ErrNotFound)
	}
	delete(r.rows, k)
	return nil
}

func (r *likeRepoStub) Exists(_ domain.Context, userID string, target domain.LikeTarget, targetID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rows[likeKey(userID, target, targetID)]
	return ok, nil
}

// followRepoStub enforces the (follower, following) uniqueness.
type followRepoStub struct {
	mu   sync.Mutex
	rows map[string]struct{}
}

func newFollowRepoStub() *followRepoStub { return &followRepoStub{rows: map[string]struct{}{}} }

func followKey(a, b string) string { return a + "|" + b }

func (r *followRepoStub) Create(_ domain.Context, f domain.Follow) error {
	if f.FollowerID == f.FollowingID {
		return fmt.Errorf("self follow: %w", domain.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := followKey(f.FollowerID, f.FollowingID)
	if _, ok := r.rows[k]; ok {
		return fmt.Errorf("already following: %w", domain.ErrConflict)
	}
	r.rows[k] = struct{}{}
	return nil
}

func (r *followRepoStub) Delete(_ domain.Context, followerID, followingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := followKey(followerID, followingID)
	if _, ok := r.rows[k]; !ok {
		return fmt.Errorf("not following: %w", domain.ErrNotFound)
	}
	delete(r.rows, k)
	return nil
}

func (r *followRepoStub) Exists(_ domain.Context, followerID, followingID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rows[followKey(followerID, followingID)]
	return ok, nil
}

func (r *followRepoStub) FollowerIDs(_ domain.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for k := range r.rows {
		parts := strings.SplitN(k, "|", 2)
		if parts[1] == userID {
			out = append(out, parts[0])
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *followRepoStub) FollowingIDs(_ domain.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for k := range r.rows {
		parts := strings.SplitN(k, "|", 2)
		if parts[0] == userID {
			out = append(out, parts[1])
		}
	}
	sort.Strings(out)
	return out, nil
}

// notifRepoStub is a map-backed NotificationRepository.
type notifRepoStub struct {
	mu   sync.Mutex
	rows map[string]domain.Notification
}

func newNotifRepoStub() *notifRepoStub {
	return &notifRepoStub{rows: map[string]domain.Notification{}}
}

func (r *notifRepoStub) CreateBatch(_ domain.Context, ns []domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range ns {
		r.rows[n.ID] = n
	}
	return nil
}

func (r *notifRepoStub) ListByRecipient(_ domain.Context, recipientID string, limit int) ([]domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Notification
	for _, n := range r.rows {
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *notifRepoStub) MarkRead(_ domain.Context, id, recipientID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok || n.RecipientID != recipientID {
		return false, fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	if n.IsRead {
		return false, nil
	}
	n.IsRead = true
	r.rows[id] = n
	return true, nil
}

func (r *notifRepoStub) MarkAllRead(_ domain.Context, recipientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, n := range r.rows {
		if n.RecipientID == recipientID {
			n.IsRead = true
			r.rows[id] = n
		}
	}
	return nil
}
