package asynqadp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizdom-app/backend/internal/adapter/ai/stub"
	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/config"
	"github.com/quizdom-app/backend/internal/domain"
	"github.com/quizdom-app/backend/internal/service/quota"
)

type fakeQuizRepo struct {
	mu      sync.Mutex
	seq     int
	created []domain.Quiz
	err     error
}

func (r *fakeQuizRepo) Create(_ domain.Context, q domain.Quiz) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.seq++
	q.ID = fmt.Sprintf("quiz-%d", r.seq)
	r.created = append(r.created, q)
	return q.ID, nil
}

func (r *fakeQuizRepo) Get(domain.Context, string) (domain.Quiz, error) {
	return domain.Quiz{}, domain.ErrNotFound
}

func (r *fakeQuizRepo) List(domain.Context, domain.QuizFilter) ([]domain.Quiz, int, error) {
	return nil, 0, nil
}

func (r *fakeQuizRepo) Update(domain.Context, domain.Quiz) error { return nil }
func (r *fakeQuizRepo) Delete(domain.Context, string) error     { return nil }

type recordedEvent struct {
	topic string
	key   string
	value []byte
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *eventRecorder) Publish(_ domain.Context, topic, key string, value []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{topic, key, value})
}

type scriptedAI struct {
	outs []domain.GenerateOutput
	errs []error
	call int
}

func (s *scriptedAI) GenerateContent(domain.Context, string) (domain.GenerateOutput, error) {
	i := s.call
	if i >= len(s.outs) {
		i = len(s.outs) - 1
	}
	s.call++
	return s.outs[i], s.errs[i]
}

type genFixture struct {
	handler *GenerateHandler
	repo    *fakeQuizRepo
	events  *eventRecorder
	cache   *cache.Cache
	quota   *quota.Service
}

func newGenFixture(t *testing.T, aicl domain.AIClient) *genFixture {
	t.Helper()
	c, _ := newTestCache(t)
	repo := &fakeQuizRepo{}
	events := &eventRecorder{}
	q := quota.New(c, config.RoleLimits{domain.RoleStudent: 3}, nil)
	h := NewGenerateHandler(aicl, repo, c, q, NewProgressStore(c), events, "test-model", nil)
	return &genFixture{handler: h, repo: repo, events: events, cache: c, quota: q}
}

func topicPayload(jobID string) domain.GenerateTaskPayload {
	return domain.GenerateTaskPayload{
		JobID:        jobID,
		Method:       domain.GenTopic,
		UserID:       "user-1",
		Role:         domain.RoleStudent,
		Topic:        "cell biology",
		NumQuestions: 2,
		Difficulty:   domain.DifficultyMedium,
		IsPublic:     true,
	}
}

func genTask(t *testing.T, p domain.GenerateTaskPayload) *asynq.Task {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return asynq.NewTask(TaskGenerate, raw)
}

func TestGenerateTopicQuiz(t *testing.T) {
	f := newGenFixture(t, &stub.Client{})
	ctx := context.Background()
	p := topicPayload("job-gen-1")

	err := f.handler.ProcessTask(ctx, genTask(t, p))
	require.NoError(t, err)

	require.Len(t, f.repo.created, 1)
	quiz := f.repo.created[0]
	assert.Equal(t, "Cell Biology Quiz", quiz.Title)
	assert.Equal(t, "cell biology", quiz.Category)
	assert.Equal(t, []string{"cell-biology"}, quiz.Tags)
	assert.Equal(t, domain.QuizAITopic, quiz.Generation.Method)
	assert.Equal(t, "test-model", quiz.Generation.ModelLabel)
	assert.Len(t, quiz.Questions, 2, "stub emits 3, trimmed to requested count")
	assert.Equal(t, 2, quiz.TotalPoints)
	assert.Equal(t, 1, quiz.EstimatedMinutes)
	quiz.ID = "quiz-1"
	require.NoError(t, quiz.Validate())

	// quota charged on success
	info := f.quota.Check(ctx, "user-1", domain.RoleStudent)
	assert.Equal(t, 1, info.Count)

	// progress reached the terminal stage
	blob, ok := f.handler.progress.Read(ctx, "job-gen-1")
	require.True(t, ok)
	assert.Equal(t, 100, blob.Progress)
	assert.NotNil(t, blob.Finished)
	assert.Empty(t, blob.Error)

	// generation record cached for the next identical request
	key := f.cache.Keys().TopicQuiz("cell-biology", 2, domain.DifficultyMedium, false)
	var rec genRecord
	require.True(t, f.cache.GetJSON(ctx, key, &rec))
	assert.Len(t, rec.Questions, 2)

	// event published
	require.Len(t, f.events.events, 1)
	assert.Equal(t, domain.TopicQuizEvents, f.events.events[0].topic)
	var evt map[string]any
	require.NoError(t, json.Unmarshal(f.events.events[0].value, &evt))
	assert.Equal(t, "quiz.generated", evt["type"])
	assert.Equal(t, false, evt["fromCache"])
}

func TestGenerateServesCacheHitAndStillCharges(t *testing.T) {
	f := newGenFixture(t, &stub.Client{})
	ctx := context.Background()

	require.NoError(t, f.handler.ProcessTask(ctx, genTask(t, topicPayload("job-a"))))

	// second identical request: served from cache, no model call needed
	counting := &scriptedAI{
		outs: []domain.GenerateOutput{{}},
		errs: []error{errors.New("model must not be called on a cache hit")},
	}
	f.handler.ai = counting
	require.NoError(t, f.handler.ProcessTask(ctx, genTask(t, topicPayload("job-b"))))
	assert.Equal(t, 0, counting.call)

	// a cached serve is still a quiz delivered: both runs charged
	assert.Len(t, f.repo.created, 2)
	info := f.quota.Check(ctx, "user-1", domain.RoleStudent)
	assert.Equal(t, 2, info.Count)
}

func TestGenerateFileQuiz(t *testing.T) {
	f := newGenFixture(t, &stub.Client{})
	ctx := context.Background()
	p := domain.GenerateTaskPayload{
		JobID:        "job-file-1",
		Method:       domain.GenFile,
		UserID:       "user-2",
		Role:         domain.RoleStudent,
		SourceText:   "The mitochondrion is the powerhouse of the cell.",
		SourceHash:   "abc123",
		NumQuestions: 3,
		Difficulty:   domain.DifficultyEasy,
	}

	require.NoError(t, f.handler.ProcessTask(ctx, genTask(t, p)))

	require.Len(t, f.repo.created, 1)
	quiz := f.repo.created[0]
	assert.Equal(t, "Document Quiz", quiz.Title)
	assert.Equal(t, "Document", quiz.Category)
	assert.Empty(t, quiz.Tags)
	assert.Equal(t, domain.QuizAIFile, quiz.Generation.Method)
	assert.Equal(t, "abc123", quiz.Generation.SourceHash)

	key := f.cache.Keys().FileQuiz("abc123", 3, domain.DifficultyEasy)
	var rec genRecord
	assert.True(t, f.cache.GetJSON(ctx, key, &rec))
}

func TestGenerateUnparseablePayloadSkipsRetry(t *testing.T) {
	f := newGenFixture(t, &stub.Client{})
	err := f.handler.ProcessTask(context.Background(), asynq.NewTask(TaskGenerate, []byte("{not json")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, f.repo.created)
}

func TestGenerateSchemaFailureIsPermanent(t *testing.T) {
	// the model keeps returning prose despite reprompts
	bad := domain.GenerateOutput{Text: "I cannot answer that.", ElapsedMS: 1}
	aicl := &scriptedAI{
		outs: []domain.GenerateOutput{bad, bad, bad},
		errs: []error{nil, nil, nil},
	}
	f := newGenFixture(t, aicl)
	ctx := context.Background()

	err := f.handler.ProcessTask(ctx, genTask(t, topicPayload("job-bad")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, domain.ErrSchemaInvalid)
	assert.Equal(t, maxParseAttempts, aicl.call, "reprompts until the budget runs out")

	assert.Empty(t, f.repo.created)
	info := f.quota.Check(ctx, "user-1", domain.RoleStudent)
	assert.Equal(t, 0, info.Count, "failed generations never charge")

	blob, ok := f.handler.progress.Read(ctx, "job-bad")
	require.True(t, ok)
	assert.NotNil(t, blob.Finished)
	assert.NotEmpty(t, blob.Error)
	assert.Less(t, blob.Progress, 100)
}

func TestGenerateUpstreamTimeoutRetries(t *testing.T) {
	aicl := &scriptedAI{
		outs: []domain.GenerateOutput{{}},
		errs: []error{fmt.Errorf("call: %w", domain.ErrUpstreamTimeout)},
	}
	f := newGenFixture(t, aicl)

	err := f.handler.ProcessTask(context.Background(), genTask(t, topicPayload("job-slow")))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstreamTimeout)
	// transient failures pass through unwrapped so the broker retries
	assert.Equal(t, 1, aicl.call, "no in-process reprompt for transport errors")
}

func TestGeneratePersistFailureRetries(t *testing.T) {
	f := newGenFixture(t, &stub.Client{})
	f.repo.err = errors.New("connection refused")

	err := f.handler.ProcessTask(context.Background(), genTask(t, topicPayload("job-db")))
	require.Error(t, err)
	assert.False(t, errors.Is(err, asynq.SkipRetry))
	assert.Empty(t, f.events.events)
}
