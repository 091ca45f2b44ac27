package usecase_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/domain"
)

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

// subscribeMini opens a dedicated subscriber connection and waits for
// the subscription ack so no published frame is missed.
func subscribeMini(t *testing.T, mr *miniredis.Miniredis, channel string) *redis.PubSub {
	t.Helper()
	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = sub.Close() })
	ps := sub.Subscribe(context.Background(), channel)
	t.Cleanup(func() { _ = ps.Close() })
	_, err := ps.Receive(context.Background())
	require.NoError(t, err)
	return ps
}

// stubQueue records every enqueue and returns scripted results.
type stubQueue struct {
	mu sync.Mutex

	generated []generateCall
	fanouts   []domain.FanoutTaskPayload
	notifies  []notifyCall
	persists  []domain.PersistPostTaskPayload

	genErr     error
	fanoutErr  error
	notifyErr  error
	persistErr error
	statusJob  domain.Job
	statusErr  error
}

type generateCall struct {
	payload domain.GenerateTaskPayload
	opts    domain.EnqueueOptions
}

type notifyCall struct {
	payload domain.NotifyTaskPayload
	high    bool
}

func (q *stubQueue) EnqueueGenerate(_ domain.Context, payload domain.GenerateTaskPayload, opts domain.EnqueueOptions) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.genErr != nil {
		return domain.Job{}, q.genErr
	}
	q.generated = append(q.generated, generateCall{payload: payload, opts: opts})
	return domain.Job{ID: opts.JobID, State: domain.JobQueued, MaxAttempts: 3}, nil
}

func (q *stubQueue) EnqueueFanout(_ domain.Context, payload domain.FanoutTaskPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fanoutErr != nil {
		return q.fanoutErr
	}
	q.fanouts = append(q.fanouts, payload)
	return nil
}

func (q *stubQueue) EnqueueNotify(_ domain.Context, payload domain.NotifyTaskPayload, high bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.notifyErr != nil {
		return q.notifyErr
	}
	q.notifies = append(q.notifies, notifyCall{payload: payload, high: high})
	return nil
}

func (q *stubQueue) EnqueuePersistPost(_ domain.Context, payload domain.PersistPostTaskPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.persistErr != nil {
		return q.persistErr
	}
	q.persists = append(q.persists, payload)
	return nil
}

func (q *stubQueue) GetStatus(_ domain.Context, jobID string) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.statusErr != nil {
		return domain.Job{}, q.statusErr
	}
	j := q.statusJob
	if j.ID == "" {
		j.ID = jobID
	}
	return j, nil
}

// stubExtractor returns scripted text and remembers whether it ran.
type stubExtractor struct {
	text   string
	err    error
	called bool
}

func (e *stubExtractor) ExtractPath(_ domain.Context, _, _ string) (string, error) {
	e.called = true
	return e.text, e.err
}

// recordedEvent captures one EventPublisher.Publish call.
type recordedEvent struct {
	topic string
	key   string
	value []byte
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) Publish(_ domain.Context, topic, key string, value []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{topic: topic, key: key, value: value})
}

// memQuizzes is an in-memory QuizRepository.
type memQuizzes struct {
	mu         sync.Mutex
	rows       map[string]domain.Quiz
	seq        int
	lastFilter domain.QuizFilter
	err        error
}

func newMemQuizzes() *memQuizzes { return &memQuizzes{rows: map[string]domain.Quiz{}} }

func (m *memQuizzes) Create(_ domain.Context, z domain.Quiz) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if z.ID == "" {
		m.seq++
		z.ID = fmt.Sprintf("quiz-%d", m.seq)
	}
	m.rows[z.ID] = z
	return z.ID, nil
}

func (m *memQuizzes) Get(_ domain.Context, id string) (domain.Quiz, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.rows[id]
	if !ok {
		return domain.Quiz{}, fmt.Errorf("quiz %s: %w", id, domain.ErrNotFound)
	}
	return z, nil
}

func (m *memQuizzes) List(_ domain.Context, f domain.QuizFilter) ([]domain.Quiz, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFilter = f
	var out []domain.Quiz
	for _, z := range m.rows {
		if f.PublicOnly && !z.IsPublic {
			continue
		}
		if f.OwnerID != "" && z.OwnerID != f.OwnerID {
			continue
		}
		if f.Difficulty != "" && z.Difficulty != f.Difficulty {
			continue
		}
		out = append(out, z)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := len(out)
	start := (f.Page - 1) * f.Limit
	if start > total {
		start = total
	}
	end := start + f.Limit
	if end > total {
		end = total
	}
	return out[start:end], total, nil
}

func (m *memQuizzes) Update(_ domain.Context, z domain.Quiz) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[z.ID]; !ok {
		return fmt.Errorf("quiz %s: %w", z.ID, domain.ErrNotFound)
	}
	m.rows[z.ID] = z
	return nil
}

func (m *memQuizzes) Delete(_ domain.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return fmt.Errorf("quiz %s: %w", id, domain.ErrNotFound)
	}
	delete(m.rows, id)
	return nil
}

// memPosts is an in-memory PostRepository.
type memPosts struct {
	mu   sync.Mutex
	rows map[string]domain.Post
	err  error
}

func newMemPosts(posts ...domain.Post) *memPosts {
	m := &memPosts{rows: map[string]domain.Post{}}
	for _, p := range posts {
		m.rows[p.ID] = p
	}
	return m
}

func (m *memPosts) Create(_ domain.Context, p domain.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if _, ok := m.rows[p.ID]; !ok {
		m.rows[p.ID] = p
	}
	return nil
}

func (m *memPosts) Get(_ domain.Context, id string) (domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return domain.Post{}, fmt.Errorf("post %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

func (m *memPosts) ListByIDs(_ domain.Context, ids []string) ([]domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []domain.Post
	for _, id := range ids {
		if p, ok := m.rows[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPosts) ListByAuthors(_ domain.Context, authorIDs []string, limit int) ([]domain.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	authors := map[string]struct{}{}
	for _, id := range authorIDs {
		authors[id] = struct{}{}
	}
	var out []domain.Post
	for _, p := range m.rows {
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

func (m *memPosts) IncCounter(_ domain.Context, id string, field domain.CounterField, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
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
	var val int
	switch field {
	case domain.CounterLikes:
		p.Likes = bump(p.Likes)
		val = p.Likes
	case domain.CounterComments:
		p.CommentsCount = bump(p.CommentsCount)
		val = p.CommentsCount
	case domain.CounterShares:
		p.Shares = bump(p.Shares)
		val = p.Shares
	default:
		return 0, fmt.Errorf("field %q: %w", field, domain.ErrInvalidArgument)
	}
	m.rows[id] = p
	return val, nil
}

func (m *memPosts) SoftDelete(_ domain.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.IsDeleted {
		return fmt.Errorf("post %s: %w", id, domain.ErrNotFound)
	}
	p.IsDeleted = true
	m.rows[id] = p
	return nil
}

// memComments is an in-memory CommentRepository.
type memComments struct {
	mu   sync.Mutex
	rows map[string]domain.Comment
	err  error
}

func newMemComments() *memComments { return &memComments{rows: map[string]domain.Comment{}} }

func (m *memComments) Create(_ domain.Context, c domain.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows[c.ID] = c
	return nil
}

func (m *memComments) Get(_ domain.Context, id string) (domain.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return domain.Comment{}, fmt.Errorf("comment %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

func (m *memComments) ListByPost(_ domain.Context, postID string, page, limit int) ([]domain.Comment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Comment
	for _, c := range m.rows {
		if c.PostID == postID && !c.IsDeleted {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	total := len(out)
	start := (page - 1) * limit
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return out[start:end], total, nil
}

func (m *memComments) IncLikes(_ domain.Context, id string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return 0, fmt.Errorf("comment %s: %w", id, domain.ErrNotFound)
	}
	c.Likes += delta
	if c.Likes < 0 {
		c.Likes = 0
	}
	m.rows[id] = c
	return c.Likes, nil
}

func (m *memComments) SoftDelete(_ domain.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return fmt.Errorf("comment %s: %w", id, domain.ErrNotFound)
	}
	c.IsDeleted = true
	m.rows[id] = c
	return nil
}

// memLikes is an in-memory LikeRepository keyed (user, type, target).
type memLikes struct {
	mu   sync.Mutex
	rows map[string]struct{}
	err  error
}

func newMemLikes() *memLikes { return &memLikes{rows: map[string]struct{}{}} }

func likeKey(userID string, target domain.LikeTarget, targetID string) string {
	return userID + "|" + string(target) + "|" + targetID
}

func (m *memLikes) Create(_ domain.Context, l domain.Like) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	k := likeKey(l.UserID, l.TargetType, l.TargetID)
	if _, ok := m.rows[k]; ok {
		return fmt.Errorf("already liked: %w", domain.ErrConflict)
	}
	m.rows[k] = struct{}{}
	return nil
}

func (m *memLikes) Delete(_ domain.Context, userID string, target domain.LikeTarget, targetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := likeKey(userID, target, targetID)
	if _, ok := m.rows[k]; !ok {
		return fmt.Errorf("not liked: %w", domain.ErrNotFound)
	}
	delete(m.rows, k)
	return nil
}

func (m *memLikes) Exists(_ domain.Context, userID string, target domain.LikeTarget, targetID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[likeKey(userID, target, targetID)]
	return ok, nil
}

// memFollows is an in-memory FollowRepository.
type memFollows struct {
	mu    sync.Mutex
	edges map[string]struct{}
	err   error
}

func newMemFollows(edges ...[2]string) *memFollows {
	m := &memFollows{edges: map[string]struct{}{}}
	for _, e := range edges {
		m.edges[e[0]+"|"+e[1]] = struct{}{}
	}
	return m
}

func (m *memFollows) Create(_ domain.Context, f domain.Follow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if f.FollowerID == f.FollowingID {
		return fmt.Errorf("self follow: %w", domain.ErrInvalidArgument)
	}
	k := f.FollowerID + "|" + f.FollowingID
	if _, ok := m.edges[k]; ok {
		return fmt.Errorf("already following: %w", domain.ErrConflict)
	}
	m.edges[k] = struct{}{}
	return nil
}

func (m *memFollows) Delete(_ domain.Context, followerID, followingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := followerID + "|" + followingID
	if _, ok := m.edges[k]; !ok {
		return fmt.Errorf("not following: %w", domain.ErrNotFound)
	}
	delete(m.edges, k)
	return nil
}

func (m *memFollows) Exists(_ domain.Context, followerID, followingID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.edges[followerID+"|"+followingID]
	return ok, nil
}

func (m *memFollows) FollowerIDs(_ domain.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []string
	for k := range m.edges {
		follower, following, _ := strings.Cut(k, "|")
		if following == userID {
			out = append(out, follower)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memFollows) FollowingIDs(_ domain.Context, userID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []string
	for k := range m.edges {
		follower, following, _ := strings.Cut(k, "|")
		if follower == userID {
			out = append(out, following)
		}
	}
	sort.Strings(out)
	return out, nil
}

// memNotifications is an in-memory NotificationRepository.
type memNotifications struct {
	mu      sync.Mutex
	rows    map[string]domain.Notification
	order   []string
	batches [][]domain.Notification
	allRead []string
	err     error
}

func newMemNotifications(ns ...domain.Notification) *memNotifications {
	m := &memNotifications{rows: map[string]domain.Notification{}}
	for _, n := range ns {
		m.rows[n.ID] = n
		m.order = append(m.order, n.ID)
	}
	return m
}

func (m *memNotifications) CreateBatch(_ domain.Context, ns []domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, ns)
	for _, n := range ns {
		if _, ok := m.rows[n.ID]; !ok {
			m.rows[n.ID] = n
			m.order = append(m.order, n.ID)
		}
	}
	return nil
}

func (m *memNotifications) ListByRecipient(_ domain.Context, recipientID string, limit int) ([]domain.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Notification
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		n := m.rows[m.order[i]]
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (m *memNotifications) MarkRead(_ domain.Context, id, recipientID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	n, ok := m.rows[id]
	if !ok || n.RecipientID != recipientID {
		return false, fmt.Errorf("notification %s: %w", id, domain.ErrNotFound)
	}
	if n.IsRead {
		return false, nil
	}
	n.IsRead = true
	m.rows[id] = n
	return true, nil
}

func (m *memNotifications) MarkAllRead(_ domain.Context, recipientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.allRead = append(m.allRead, recipientID)
	for id, n := range m.rows {
		if n.RecipientID == recipientID {
			n.IsRead = true
			m.rows[id] = n
		}
	}
	return nil
}
