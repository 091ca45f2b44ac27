//go:build e2e

// Package e2e_test boots the whole platform in one process against
// real Postgres and Redis containers and drives it over HTTP exactly
// the way clients do: submit, poll, follow, post, like, get notified.
//
// The AI upstream is a local stub speaking the chat-completions wire
// format, so generation still exercises the real HTTP client, circuit
// breaker, prompt builder and response parser. The same stub answers
// the Tika /version probe so the quiz server's readiness is green.
package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/quizdom-app/backend/internal/adapter/ai"
	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/adapter/eventstream"
	"github.com/quizdom-app/backend/internal/adapter/feed"
	"github.com/quizdom-app/backend/internal/adapter/httpserver"
	"github.com/quizdom-app/backend/internal/adapter/httpserver/auth"
	"github.com/quizdom-app/backend/internal/adapter/notify"
	"github.com/quizdom-app/backend/internal/adapter/observability"
	asynqadp "github.com/quizdom-app/backend/internal/adapter/queue/asynq"
	"github.com/quizdom-app/backend/internal/adapter/realtime"
	"github.com/quizdom-app/backend/internal/adapter/repo/postgres"
	"github.com/quizdom-app/backend/internal/adapter/textextractor/tika"
	"github.com/quizdom-app/backend/internal/app"
	"github.com/quizdom-app/backend/internal/config"
	"github.com/quizdom-app/backend/internal/domain"
	"github.com/quizdom-app/backend/internal/service/quota"
	"github.com/quizdom-app/backend/internal/usecase"
)

const (
	// bootTimeout bounds container pulls plus the first connections.
	bootTimeout = 3 * time.Minute

	// genTimeout is the budget for one generation job to complete,
	// stub upstream included.
	genTimeout = 60 * time.Second

	// fanoutTimeout is the budget for queued social work (fanout,
	// persistence, notifications) to become observable.
	fanoutTimeout = 30 * time.Second

	pollEvery = 250 * time.Millisecond
)

const (
	postgresPort nat.Port = "5432/tcp"
	redisPort    nat.Port = "6379/tcp"
)

var (
	harnessCfg config.Config
	quizBase   string
	socialBase string
	signer     *auth.Verifier
	pool       *pgxpool.Pool
	rdb        *redis.Client
	keys       cache.Keys
	aiStub     *upstreamStub

	httpc = &http.Client{Timeout: 15 * time.Second}
)

func TestMain(m *testing.M) {
	code, err := run(m)
	if err != nil {
		fmt.Fprintln(os.Stderr, "e2e harness:", err)
		code = 1
	}
	os.Exit(code)
}

// run owns the full bring-up and tear-down so every resource is
// released even when bootstrap fails halfway.
func run(m *testing.M) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), bootTimeout)
	defer cancel()

	pgC, dsn, err := startPostgres(ctx)
	if err != nil {
		return 0, err
	}
	defer terminate(pgC)

	rdC, redisURL, err := startRedis(ctx)
	if err != nil {
		return 0, err
	}
	defer terminate(rdC)

	aiStub = newUpstreamStub()
	defer aiStub.srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	observability.InitMetrics()

	harnessCfg = config.Config{
		AppEnv:      "test",
		DBURL:       dsn,
		RedisURL:    redisURL,
		JWTSecret:   "e2e-harness-secret",
		CachePrefix: "quizdom-e2e",

		AIBaseURL:   aiStub.srv.URL,
		AIAPIKey:    "e2e-key",
		AIModel:     "stub-model",
		AITimeout:   10 * time.Second,
		AIMaxTokens: 2048,

		BreakerResetTimeout:  5 * time.Second,
		BreakerWindowBuckets: 10,
		BreakerMinObserved:   5,

		TikaURL:     aiStub.srv.URL,
		MaxUploadMB: 10,

		DailyLimitStudent:   5,
		DailyLimitTeacher:   20,
		DailyLimitModerator: 100,
		DailyLimitAdmin:     100,

		GenConcurrency:    3,
		FeedConcurrency:   5,
		NotifyConcurrency: 10,
		JobTimeout:        30 * time.Second,
		JobMaxAttempts:    3,
		RetryInitialDelay: 200 * time.Millisecond,
		RetryMaxDelay:     2 * time.Second,
		RetryMultiplier:   2.0,

		MaxFeedItems:     1000,
		TrendingSize:     100,
		FanoutBatchSize:  100,
		NotifyBatchSize:  50,
		FanoutIdemMinFol: 200,

		// Budgets sized so a full suite run on one IP never trips them.
		CORSAllowOrigins:      "*",
		RateGeneralPer15Min:   10000,
		RateAuthPer15Min:      100,
		RateHeavyPer15Min:     1000,
		ServerShutdownTimeout: 5 * time.Second,
		HTTPReadTimeout:       15 * time.Second,
		HTTPWriteTimeout:      30 * time.Second,
		HTTPIdleTimeout:       60 * time.Second,
		StatusLookupTimeout:   10 * time.Second,

		PurgeRetentionDays: 30,
		CleanupInterval:    24 * time.Hour,
	}
	keys = cache.Keys{Prefix: harnessCfg.CachePrefix}

	pool, err = postgres.NewPool(ctx, dsn)
	if err != nil {
		return 0, fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()
	if err := applySchema(ctx); err != nil {
		return 0, fmt.Errorf("apply schema: %w", err)
	}

	rdb, err = cache.NewRedisClient(redisURL)
	if err != nil {
		return 0, fmt.Errorf("redis connect: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	c := cache.New(rdb, keys, logger)

	limits, err := config.LoadRoleLimits(harnessCfg)
	if err != nil {
		return 0, err
	}

	queue, err := asynqadp.New(harnessCfg.RedisURL, asynqadp.NewProgressStore(c), harnessCfg.RetryPolicy(), harnessCfg.JobTimeout, logger)
	if err != nil {
		return 0, fmt.Errorf("queue connect: %w", err)
	}
	defer func() { _ = queue.Close() }()

	var events domain.EventPublisher = eventstream.Noop{}

	// Generation worker, wired like cmd/quiz-worker but against the
	// stub upstream.
	breaker := observability.NewRollingBreaker(observability.BreakerOpts{
		Name:            "ai",
		Buckets:         harnessCfg.BreakerWindowBuckets,
		MinObservations: harnessCfg.BreakerMinObserved,
		ResetTimeout:    harnessCfg.BreakerResetTimeout,
	})
	gen := asynqadp.NewGenerateHandler(
		ai.New(harnessCfg, breaker, logger),
		postgres.NewQuizRepo(pool),
		c,
		quota.New(c, limits, logger),
		asynqadp.NewProgressStore(c),
		events,
		harnessCfg.AIModel,
		logger,
	)
	quizWorker, err := asynqadp.NewQuizWorker(harnessCfg.RedisURL, harnessCfg.GenConcurrency, harnessCfg.RetryPolicy(), gen, logger)
	if err != nil {
		return 0, err
	}
	if err := quizWorker.Start(); err != nil {
		return 0, err
	}
	defer quizWorker.Stop()

	// Social worker, wired like cmd/social-worker.
	feeds := feed.NewStore(c, harnessCfg.MaxFeedItems, harnessCfg.TrendingSize, logger)
	plane := notify.NewPlane(c, harnessCfg.NotifyBatchSize, logger)
	fanout := asynqadp.NewFanoutHandler(feeds, queue, harnessCfg.FanoutBatchSize, harnessCfg.FanoutIdemMinFol, logger)
	notifier := asynqadp.NewNotifyHandler(plane, postgres.NewNotificationRepo(pool), events, logger)
	persist := asynqadp.NewPersistPostHandler(postgres.NewPostRepo(pool), events, logger)
	socialWorker, err := asynqadp.NewSocialWorker(
		harnessCfg.RedisURL,
		harnessCfg.FeedConcurrency+harnessCfg.NotifyConcurrency,
		harnessCfg.RetryPolicy(),
		fanout, notifier, persist, logger,
	)
	if err != nil {
		return 0, err
	}
	if err := socialWorker.Start(); err != nil {
		return 0, err
	}
	defer socialWorker.Stop()

	signer = auth.NewVerifier(harnessCfg.JWTSecret)

	quizSrv := &httpserver.Server{
		Cfg:      harnessCfg,
		Verifier: signer,
		Generate: usecase.NewGenerateService(queue, quota.New(c, limits, logger), c, tika.New(harnessCfg.TikaURL, logger)),
		Doubt:    usecase.NewDoubtService(ai.New(harnessCfg, breaker, logger), tika.New(harnessCfg.TikaURL, logger)),
		Quizzes:  usecase.NewQuizService(postgres.NewQuizRepo(pool)),
		Probes:   app.BuildProbes(harnessCfg, pool, c, true),
	}
	quizHTTP := httptest.NewServer(app.BuildQuizRouter(harnessCfg, quizSrv))
	defer quizHTTP.Close()
	quizBase = quizHTTP.URL

	social := usecase.NewSocialService(
		postgres.NewPostRepo(pool),
		postgres.NewCommentRepo(pool),
		postgres.NewLikeRepo(pool),
		postgres.NewFollowRepo(pool),
		queue,
		events,
		feeds,
		c,
	)
	notifs := usecase.NewNotificationService(postgres.NewNotificationRepo(pool), plane, queue)
	gateway := realtime.NewGateway(c, feeds, plane, logger)
	defer gateway.Close()

	socialSrv := &httpserver.Server{
		Cfg:      harnessCfg,
		Verifier: signer,
		Social:   social,
		Notifs:   notifs,
		Probes:   app.BuildProbes(harnessCfg, pool, c, false),
	}
	socialHTTP := httptest.NewServer(app.BuildSocialRouter(harnessCfg, socialSrv, gateway))
	defer socialHTTP.Close()
	socialBase = socialHTTP.URL

	return m.Run(), nil
}

func startPostgres(ctx context.Context) (testcontainers.Container, string, error) {
	req := testcontainers.ContainerRequest{
		Image: getenv("E2E_POSTGRES_IMAGE", "postgres:16"),
		Env: map[string]string{
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_USER":     "postgres",
			"POSTGRES_DB":       "quizdom",
		},
		ExposedPorts: []string{string(postgresPort)},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		return nil, "", fmt.Errorf("start postgres: %w", err)
	}
	hostPort, err := mappedHostPort(ctx, ctr, postgresPort)
	if err != nil {
		terminate(ctr)
		return nil, "", err
	}
	dsn := fmt.Sprintf("postgres://postgres:postgres@%s/quizdom?sslmode=disable", hostPort)
	return ctr, dsn, nil
}

func startRedis(ctx context.Context) (testcontainers.Container, string, error) {
	req := testcontainers.ContainerRequest{
		Image:        getenv("E2E_REDIS_IMAGE", "redis:7"),
		ExposedPorts: []string{string(redisPort)},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		return nil, "", fmt.Errorf("start redis: %w", err)
	}
	hostPort, err := mappedHostPort(ctx, ctr, redisPort)
	if err != nil {
		terminate(ctr)
		return nil, "", err
	}
	return ctr, "redis://" + hostPort + "/0", nil
}

func mappedHostPort(ctx context.Context, ctr testcontainers.Container, port nat.Port) (string, error) {
	host, err := ctr.Host(ctx)
	if err != nil {
		return "", err
	}
	mapped, err := ctr.MappedPort(ctx, port)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, mapped.Port()), nil
}

func terminate(ctr testcontainers.Container) {
	if ctr == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = ctr.Terminate(ctx)
}

func applySchema(ctx context.Context) error {
	ddl, err := os.ReadFile(filepath.Join("..", "..", "deploy", "schema.sql"))
	if err != nil {
		return err
	}
	_, err = pool.Exec(ctx, string(ddl))
	return err
}

// getenv returns the environment value for k, or def when unset.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// upstreamStub answers chat completions with a scripted body. Tests
// swap the script to exercise malformed-output recovery; the call
// counter makes reprompts observable.
type upstreamStub struct {
	srv *httptest.Server

	mu     sync.Mutex
	calls  int
	script func(call int, prompt string) string
}

// defaultQuestionsJSON is a valid five-question completion; handlers
// trim it down to the requested count.
const defaultQuestionsJSON = `[
 {"question":"Which organelle hosts photosynthesis?","type":"multiple-choice","options":["Chloroplast","Mitochondrion","Nucleus","Ribosome"],"correctAnswer":"Chloroplast","explanation":"Chlorophyll sits in the chloroplast membranes.","points":2,"timeLimit":30},
 {"question":"Water boils at 100 degrees Celsius at sea level.","type":"true-false","correctAnswer":"true","explanation":"Standard atmospheric pressure assumption.","points":1,"timeLimit":20},
 {"question":"Which gas do plants absorb for photosynthesis?","type":"multiple-choice","options":["Carbon dioxide","Oxygen","Nitrogen","Helium"],"correctAnswer":"Carbon dioxide","explanation":"CO2 is fixed into sugars.","points":2,"timeLimit":30},
 {"question":"Name the process by which cells divide.","type":"descriptive","correctAnswer":"Mitosis","explanation":"Somatic cells divide by mitosis.","points":3,"timeLimit":60},
 {"question":"Which planet is known as the red planet?","type":"multiple-choice","options":["Mars","Venus","Jupiter","Mercury"],"correctAnswer":"Mars","explanation":"Iron oxide gives Mars its color.","points":1,"timeLimit":15}
]`

func newUpstreamStub() *upstreamStub {
	s := &upstreamStub{
		script: func(int, string) string { return defaultQuestionsJSON },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", s.complete)
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("stub-tika"))
	})
	s.srv = httptest.NewServer(mux)
	return s
}

func (s *upstreamStub) complete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []struct {
			Content string `json:"content"`
		} `json:"messages"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	prompt := ""
	if n := len(req.Messages); n > 0 {
		prompt = req.Messages[n-1].Content
	}

	s.mu.Lock()
	s.calls++
	content := s.script(s.calls, prompt)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	})
}

// setScript replaces the completion script and zeroes the call counter.
func (s *upstreamStub) setScript(f func(call int, prompt string) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = 0
	s.script = f
}

func (s *upstreamStub) reset() {
	s.setScript(func(int, string) string { return defaultQuestionsJSON })
}

func (s *upstreamStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// envelope mirrors the uniform response body every route returns.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Status  int             `json:"status"`
}

// tryJSON performs one request with an optional JSON body and bearer
// token. It never fails the test, so it is safe inside polling
// conditions, which testify runs off the test goroutine.
func tryJSON(method, url, token string, body any) (int, envelope, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, envelope{}, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		return 0, envelope{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := httpc.Do(req)
	if err != nil {
		return 0, envelope{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return resp.StatusCode, envelope{}, fmt.Errorf("undecodable envelope from %s %s: %w", method, url, err)
	}
	return resp.StatusCode, env, nil
}

// doJSON is tryJSON with assertions, for straight-line test steps.
func doJSON(t *testing.T, method, url, token string, body any) (int, envelope) {
	t.Helper()
	status, env, err := tryJSON(method, url, token, body)
	require.NoError(t, err)
	return status, env
}

// dataInto unmarshals the envelope's data payload into dst.
func dataInto(t *testing.T, env envelope, dst any) {
	t.Helper()
	require.NotEmpty(t, env.Data, "envelope carries no data: %+v", env)
	require.NoError(t, json.Unmarshal(env.Data, dst))
}

// signToken issues a short-lived token the way the identity service
// would.
func signToken(t *testing.T, userID string, role domain.Role) string {
	t.Helper()
	tok, err := signer.Sign(auth.Claims{UserID: userID, Role: role}, time.Hour)
	require.NoError(t, err)
	return tok
}

// jobStatus mirrors the poller-facing job view.
type jobStatus struct {
	JobID    string          `json:"jobId"`
	Status   domain.JobState `json:"status"`
	Progress int             `json:"progress"`
	Attempts int             `json:"attempts"`
	Result   json.RawMessage `json:"result"`
	Error    string          `json:"error"`
}

// pollJob polls the status endpoint until the job is terminal.
func pollJob(t *testing.T, token, jobID string, within time.Duration) jobStatus {
	t.Helper()
	var (
		mu   sync.Mutex
		last jobStatus
	)
	require.Eventually(t, func() bool {
		status, env, err := tryJSON(http.MethodGet, quizBase+"/api/generate/status/"+jobID, token, nil)
		if err != nil || status != http.StatusOK {
			return false
		}
		var view jobStatus
		if json.Unmarshal(env.Data, &view) != nil {
			return false
		}
		mu.Lock()
		last = view
		mu.Unlock()
		return view.Status == domain.JobCompleted || view.Status == domain.JobFailed
	}, within, pollEvery, "job %s never reached a terminal state", jobID)
	mu.Lock()
	defer mu.Unlock()
	return last
}

// limitsView mirrors the /api/generate/limits payload.
type limitsView struct {
	Usage       int  `json:"usage"`
	Limit       int  `json:"limit"`
	Remaining   int  `json:"remaining"`
	HasExceeded bool `json:"hasExceeded"`
}

func fetchLimits(t *testing.T, token string) limitsView {
	t.Helper()
	status, env := doJSON(t, http.MethodGet, quizBase+"/api/generate/limits", token, nil)
	require.Equal(t, http.StatusOK, status)
	var lv limitsView
	dataInto(t, env, &lv)
	return lv
}

// seedQuota pre-charges a user's daily window, as if n generations had
// already completed today.
func seedQuota(t *testing.T, userID string, n int) {
	t.Helper()
	key := keys.Quota(userID, cache.DayKey(time.Now()))
	require.NoError(t, rdb.Set(context.Background(), key, n, time.Hour).Err())
}

// waitPostPersisted blocks until the low-priority persistence job has
// written the post row. Counter updates need the row to exist.
func waitPostPersisted(t *testing.T, postID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		var exists bool
		err := pool.QueryRow(context.Background(),
			`SELECT EXISTS (SELECT 1 FROM posts WHERE id = $1)`, postID).Scan(&exists)
		return err == nil && exists
	}, fanoutTimeout, pollEvery, "post %s never reached the store", postID)
}

// createPost publishes a post and returns it as acknowledged.
func createPost(t *testing.T, token, content string) domain.Post {
	t.Helper()
	status, env := doJSON(t, http.MethodPost, socialBase+"/api/posts/create", token, map[string]any{
		"content": content,
	})
	require.Equal(t, http.StatusCreated, status)
	var created struct {
		Post domain.Post `json:"post"`
	}
	dataInto(t, env, &created)
	require.NotEmpty(t, created.Post.ID)
	return created.Post
}

// follow creates a follow edge from the token's user to followingID.
func follow(t *testing.T, token, followingID string) {
	t.Helper()
	status, env := doJSON(t, http.MethodPost, socialBase+"/api/follows/follow", token, map[string]string{
		"followingId": followingID,
	})
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "followed", env.Message)
}

// tryFeedIDs fetches the first feed page for userID as seen by token.
// Polling-safe: any failure reads as an empty feed.
func tryFeedIDs(token, userID string) []string {
	status, env, err := tryJSON(http.MethodGet, socialBase+"/api/posts/feed/"+userID, token, nil)
	if err != nil || status != http.StatusOK {
		return nil
	}
	var page struct {
		Posts []domain.Post `json:"posts"`
	}
	if json.Unmarshal(env.Data, &page) != nil {
		return nil
	}
	ids := make([]string, 0, len(page.Posts))
	for _, p := range page.Posts {
		ids = append(ids, p.ID)
	}
	return ids
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
