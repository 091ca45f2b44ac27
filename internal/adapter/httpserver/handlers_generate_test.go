package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/adapter/httpserver"
	"github.com/quizdom-app/backend/internal/domain"
)

func generateRouter(e *testEnv) http.Handler {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(httpserver.RequireAuth(e.verifier))
		r.Post("/api/generate/topic", e.srv.GenerateTopicHandler())
		r.Post("/api/generate/file", e.srv.GenerateFileHandler())
		r.Get("/api/generate/status/{jobID}", e.srv.GenerateStatusHandler())
		r.Get("/api/generate/limits", e.srv.GenerateLimitsHandler())
	})
	return r
}

func TestGenerateTopic_Accepted(t *testing.T) {
	e := newTestEnv(t)
	h := generateRouter(e)
	tok := e.token(t, "teacher-1", domain.RoleTeacher)

	rec, env := doJSON(t, h, http.MethodPost, "/api/generate/topic", tok, map[string]any{
		"topic":        "photosynthesis",
		"numQuestions": 5,
		"difficulty":   "easy",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	data := dataOf(t, env)

	jobID, _ := data["jobId"].(string)
	assert.True(t, strings.HasPrefix(jobID, "topic-teacher-1-"), "jobId %q", jobID)
	assert.Equal(t, "queued", data["status"])
	assert.Equal(t, "/api/generate/status/"+jobID, data["checkStatusUrl"])

	limitInfo, ok := data["limitInfo"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(0), limitInfo["count"])
	assert.Equal(t, float64(20), limitInfo["limit"])

	require.Equal(t, 1, e.queue.generateCount())
	assert.Equal(t, domain.DifficultyEasy, e.queue.generated[0].Difficulty)
}

func TestGenerateTopic_DuplicateReturnsSameJob(t *testing.T) {
	e := newTestEnv(t)
	h := generateRouter(e)
	tok := e.token(t, "teacher-1", domain.RoleTeacher)
	body := map[string]any{"topic": "cell division", "numQuestions": 10}

	_, env1 := doJSON(t, h, http.MethodPost, "/api/generate/topic", tok, body)
	_, env2 := doJSON(t, h, http.MethodPost, "/api/generate/topic", tok, body)

	assert.Equal(t, dataOf(t, env1)["jobId"], dataOf(t, env2)["jobId"])
}

func TestGenerateTopic_Validation(t *testing.T) {
	e := newTestEnv(t)
	h := generateRouter(e)
	tok := e.token(t, "teacher-1", domain.RoleTeacher)

	rec, env := doJSON(t, h, http.MethodPost, "/api/generate/topic", tok, map[string]any{
		"topic": "ab",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, env["success"])
	fields := dataOf(t, env)["fields"].(map[string]any)
	assert.Contains(t, fields, "topic")
	assert.Equal(t, 0, e.queue.generateCount())
}

func TestGenerateTopic_QuotaExceeded(t *testing.T) {
	e := newTestEnv(t)
	h := generateRouter(e)
	tok := e.token(t, "student-1", domain.RoleStudent)

	ctx := context.Background()
	day := cache.DayKey(time.Now())
	for i := 0; i < 5; i++ {
		_, err := e.cache.Increment(ctx, e.cache.Keys().Quota("student-1", day))
		require.NoError(t, err)
	}

	rec, env := doJSON(t, h, http.MethodPost, "/api/generate/topic", tok, map[string]any{
		"topic": "thermodynamics",
	})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "Daily generation limit reached (5/5). Try again tomorrow.", env["error"])

	limitInfo := dataOf(t, env)["limitInfo"].(map[string]any)
	assert.Equal(t, float64(5), limitInfo["count"])
	assert.Equal(t, float64(0), limitInfo["remaining"])
	assert.Equal(t, true, limitInfo["hasExceeded"])
	assert.Equal(t, 0, e.queue.generateCount())
}

func TestGenerateTopic_RequiresToken(t *testing.T) {
	e := newTestEnv(t)
	h := generateRouter(e)

	rec, env := doJSON(t, h, http.MethodPost, "/api/generate/topic", "", map[string]any{
		"topic": "photosynthesis",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, false, env["success"])
}

func TestGenerateFile_Accepted(t *testing.T) {
	e := newTestEnv(t)
	h := generateRouter(e)
	tok := e.token(t, "teacher-1", domain.RoleTeacher)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("The mitochondria is the powerhouse of the cell.\n"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("numQuestions", "7"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/generate/file", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var env map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	jobID, _ := dataOf(t, env)["jobId"].(string)
	assert.True(t, strings.HasPrefix(jobID, "file-teacher-1-"), "jobId %q", jobID)

	require.Equal(t, 1, e.queue.generateCount())
	assert.Equal(t, 7, e.queue.generated[0].NumQuestions)
	assert.Equal(t, "extracted text", e.queue.generated[0].SourceText)
}

func TestGenerateFile_RejectsUnknownType(t *testing.T) {
	e := newTestEnv(t)
	h := generateRouter(e)
	tok := e.token(t, "teacher-1", domain.RoleTeacher)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "malware.exe")
	require.NoError(t, err)
	_, err = fw.Write([]byte{0x4D, 0x5A, 0x90, 0x00})
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/generate/file", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, e.queue.generateCount())
}

func TestGenerateStatus(t *testing.T) {
	e := newTestEnv(t)
	h := generateRouter(e)
	tok := e.token(t, "student-1", domain.RoleStudent)

	result, _ := json.Marshal(map[string]any{"quizId": "q-123"})
	e.queue.statusJob = domain.Job{
		ID:       "topic-student-1-abc",
		State:    domain.JobCompleted,
		Progress: 100,
		Attempts: 1,
		Result:   result,
	}

	rec, env := doJSON(t, h, http.MethodGet, "/api/generate/status/topic-student-1-abc", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, env)
	assert.Equal(t, "completed", data["status"])
	assert.Equal(t, float64(100), data["progress"])
	res := data["result"].(map[string]any)
	assert.Equal(t, "q-123", res["quizId"])
}

func TestGenerateLimits(t *testing.T) {
	e := newTestEnv(t)
	h := generateRouter(e)
	tok := e.token(t, "student-1", domain.RoleStudent)

	ctx := context.Background()
	day := cache.DayKey(time.Now())
	for i := 0; i < 2; i++ {
		_, err := e.cache.Increment(ctx, e.cache.Keys().Quota("student-1", day))
		require.NoError(t, err)
	}

	rec, env := doJSON(t, h, http.MethodGet, "/api/generate/limits", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataOf(t, env)
	assert.Equal(t, float64(2), data["usage"])
	assert.Equal(t, float64(5), data["limit"])
	assert.Equal(t, float64(3), data["remaining"])
	assert.Equal(t, false, data["hasExceeded"])
	assert.Equal(t, "Student", data["role"])
}
