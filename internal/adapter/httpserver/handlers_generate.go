package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"

	"github.com/quizdom-app/backend/internal/domain"
	"github.com/quizdom-app/backend/internal/usecase"
)

// jobView is the poller-facing job shape; Result is raw JSON emitted
// only for completed jobs.
type jobView struct {
	JobID       string               `json:"jobId"`
	Status      domain.JobState      `json:"status"`
	Progress    int                  `json:"progress"`
	Attempts    int                  `json:"attempts"`
	MaxAttempts int                  `json:"maxAttempts,omitempty"`
	Result      json.RawMessage      `json:"result,omitempty"`
	Error       string               `json:"error,omitempty"`
	Timestamps  domain.JobTimestamps `json:"timestamps"`
}

func viewOfJob(j domain.Job) jobView {
	v := jobView{
		JobID:       j.ID,
		Status:      j.State,
		Progress:    j.Progress,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Error:       j.Error,
		Timestamps:  j.Timestamps,
	}
	if j.State == domain.JobCompleted && len(j.Result) > 0 {
		v.Result = json.RawMessage(j.Result)
	}
	return v
}

type generateTopicRequest struct {
	Topic        string `json:"topic" validate:"required,min=3,max=200"`
	NumQuestions int    `json:"numQuestions" validate:"omitempty,gte=1,lte=50"`
	Difficulty   string `json:"difficulty" validate:"omitempty,oneof=easy medium hard expert mixed Easy Medium Hard Expert Mixed"`
	UseAdaptive  bool   `json:"useAdaptive"`
	IsPublic     bool   `json:"isPublic"`
}

// GenerateTopicHandler accepts a topic generation request and answers
// 202 with the job handle. Resubmitting an identical request while the
// first job is live returns the same handle.
func (s *Server) GenerateTopicHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		var req generateTopicRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.NumQuestions == 0 {
			req.NumQuestions = 10
		}
		job, info, err := s.Generate.EnqueueTopic(r.Context(), usecase.TopicRequest{
			UserID:       claims.UserID,
			Role:         claims.Role,
			Topic:        req.Topic,
			NumQuestions: req.NumQuestions,
			Difficulty:   parseDifficulty(req.Difficulty),
			UseAdaptive:  req.UseAdaptive,
			IsPublic:     req.IsPublic,
		})
		if err != nil {
			writeGenerateError(r.Context(), w, err, info)
			return
		}
		writeAccepted(w, job, info)
	}
}

// GenerateFileHandler accepts a multipart document upload, verifies the
// content really is pdf or plain text, and enqueues a file generation
// job. The scratch copy exists only for the duration of extraction.
func (s *Server) GenerateFileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		if err := r.ParseMultipartForm(s.Cfg.MaxUploadBytes()); err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				writeFail(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d MB", s.Cfg.MaxUploadMB))
				return
			}
			writeFail(w, http.StatusBadRequest, "malformed multipart body")
			return
		}
		file, hdr, err := r.FormFile("file")
		if err != nil {
			writeFail(w, http.StatusBadRequest, "file field is required")
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			writeFail(w, http.StatusBadRequest, "unreadable upload")
			return
		}
		ext := strings.ToLower(filepath.Ext(hdr.Filename))
		mt := mimetype.Detect(data)
		if !uploadAllowed(ext, mt) {
			writeFail(w, http.StatusBadRequest, "only pdf and txt uploads are accepted")
			return
		}

		scratch, err := os.CreateTemp("", "quizdom-upload-*"+ext)
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		scratchPath := scratch.Name()
		defer os.Remove(scratchPath)
		if _, err := scratch.Write(data); err != nil {
			scratch.Close()
			writeDomainError(r.Context(), w, err)
			return
		}
		if err := scratch.Close(); err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}

		job, info, err := s.Generate.EnqueueFile(r.Context(), usecase.FileRequest{
			UserID:       claims.UserID,
			Role:         claims.Role,
			FileName:     hdr.Filename,
			Path:         scratchPath,
			NumQuestions: formInt(r, "numQuestions", 10),
			Difficulty:   parseDifficulty(r.FormValue("difficulty")),
			UseAdaptive:  r.FormValue("useAdaptive") == "true",
			IsPublic:     r.FormValue("isPublic") == "true",
		})
		if err != nil {
			writeGenerateError(r.Context(), w, err, info)
			return
		}
		writeAccepted(w, job, info)
	}
}

// GenerateStatusHandler serves the job poller.
func (s *Server) GenerateStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		ctx, cancel := context.WithTimeout(r.Context(), s.Cfg.StatusLookupTimeout)
		defer cancel()
		job, err := s.Generate.Status(ctx, jobID)
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusOK, viewOfJob(job))
	}
}

// GenerateLimitsHandler reports today's generation budget.
func (s *Server) GenerateLimitsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		info := s.Generate.Limits(r.Context(), claims.UserID, claims.Role)
		writeData(w, http.StatusOK, map[string]any{
			"usage":       info.Count,
			"limit":       info.Limit,
			"remaining":   info.Remaining,
			"hasExceeded": info.Exceeded,
			"role":        claims.Role,
		})
	}
}

func writeAccepted(w http.ResponseWriter, job domain.Job, info domain.QuotaInfo) {
	writeData(w, http.StatusAccepted, map[string]any{
		"jobId":          job.ID,
		"status":         job.State,
		"checkStatusUrl": "/api/generate/status/" + job.ID,
		"limitInfo":      info,
	})
}

// writeGenerateError folds the quota snapshot into 429s so clients can
// render the budget without another round trip.
func writeGenerateError(ctx domain.Context, w http.ResponseWriter, err error, info domain.QuotaInfo) {
	if errors.Is(err, domain.ErrQuotaExceeded) {
		msg := fmt.Sprintf("Daily generation limit reached (%d/%d). Try again tomorrow.", info.Count, info.Limit)
		writeFailData(w, http.StatusTooManyRequests, msg, map[string]any{"limitInfo": info})
		return
	}
	writeDomainError(ctx, w, err)
}

func uploadAllowed(ext string, mt *mimetype.MIME) bool {
	switch ext {
	case ".pdf":
		return mt.Is("application/pdf")
	case ".txt":
		return mt.Is("text/plain") || mt.Is("application/octet-stream")
	}
	return false
}

func formInt(r *http.Request, name string, def int) int {
	raw := r.FormValue(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// parseDifficulty canonicalizes the wire token ("easy", "Easy") to the
// domain level; empty stays empty so the service applies its default.
func parseDifficulty(raw string) domain.Difficulty {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return domain.Difficulty(strings.ToUpper(raw[:1]) + strings.ToLower(raw[1:]))
}
