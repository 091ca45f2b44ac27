package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrAIUnavailable     = errors.New("ai service unavailable")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrInternal          = errors.New("internal error")
)

// Role enumerates the caller roles carried in auth tokens.
type Role string

const (
	RoleStudent   Role = "Student"
	RoleTeacher   Role = "Teacher"
	RoleModerator Role = "Moderator"
	RoleAdmin     Role = "Admin"
)

// KnownRole reports whether r is one of the roles this service issues
// quota limits for. Tokens with unknown roles are rejected at the edge.
func KnownRole(r Role) bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleModerator, RoleAdmin:
		return true
	}
	return false
}

// QuotaInfo is the snapshot returned by quota checks.
// On store failure the zero value with Exceeded=false is returned so
// generation is never blocked by a cache outage.
type QuotaInfo struct {
	Count     int    `json:"count"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	Exceeded  bool   `json:"hasExceeded"`
	Role      Role   `json:"role,omitempty"`
	DayKey    string `json:"-"`
}

// GenMethod identifies which generation route produced a job.
// It is the first segment of the stable job id.
type GenMethod string

const (
	GenTopic   GenMethod = "topic"
	GenFile    GenMethod = "file"
	GenEnhance GenMethod = "enhance"
)

// JobState mirrors broker task states as observed by pollers.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobDelayed   JobState = "delayed"
	JobNotFound  JobState = "not-found"
)

// JobTimestamps carries the coarse lifecycle instants of a job.
type JobTimestamps struct {
	Created   *time.Time `json:"created,omitempty"`
	Processed *time.Time `json:"processed,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`
}

// Job is the poller-facing view of a queued generation.
// Result is the handler's return value, present only when completed.
type Job struct {
	ID          string        `json:"jobId"`
	State       JobState      `json:"status"`
	Progress    int           `json:"progress"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"maxAttempts"`
	Error       string        `json:"error,omitempty"`
	Result      []byte        `json:"-"`
	Timestamps  JobTimestamps `json:"timestamps"`
}

// Terminal reports whether the job can no longer change state.
func (j Job) Terminal() bool {
	return j.State == JobCompleted || j.State == JobFailed
}

// AdaptiveInfo is the cached per-user difficulty suggestion derived from
// recent results by the results service. It is opportunistic: absence
// never blocks generation.
type AdaptiveInfo struct {
	SuggestedDifficulty Difficulty `json:"suggestedDifficulty"`
	AvgScore            float64    `json:"avgScore"`
	Trend               string     `json:"trend"`
	WeakAreas           []string   `json:"weakAreas,omitempty"`
}

// GenerateTaskPayload is what the orchestrator enqueues for the worker.
type GenerateTaskPayload struct {
	JobID              string     `json:"job_id"`
	RequestID          string     `json:"request_id,omitempty"`
	Method             GenMethod  `json:"method"`
	UserID             string     `json:"user_id"`
	Role               Role       `json:"role"`
	Topic              string     `json:"topic,omitempty"`
	SourceText         string     `json:"source_text,omitempty"`
	SourceHash         string     `json:"source_hash"`
	NumQuestions       int        `json:"num_questions"`
	Difficulty         Difficulty `json:"difficulty"`
	OriginalDifficulty Difficulty `json:"original_difficulty,omitempty"`
	UseAdaptive        bool       `json:"use_adaptive"`
	IsPublic           bool       `json:"is_public"`
}

// GenerateResult is the handler return value surfaced by status polls.
type GenerateResult struct {
	QuizID         string        `json:"quizId"`
	Quiz           Quiz          `json:"quiz"`
	FromCache      bool          `json:"fromCache"`
	AdaptiveInfo   *AdaptiveInfo `json:"adaptiveInfo,omitempty"`
	GenerationTime int64         `json:"generationTime"`
}

//go:generate mockery --name=QuizRepository --with-expecter --filename=quiz_repository_mock.go
//go:generate mockery --name=Queue --with-expecter --filename=queue_mock.go
//go:generate mockery --name=AIClient --with-expecter --filename=aiclient_mock.go

// QuizRepository (port)

// QuizFilter narrows List; zero values mean "no constraint".
type QuizFilter struct {
	Search     string
	Difficulty Difficulty
	Category   string
	OwnerID    string
	PublicOnly bool
	Page       int
	Limit      int
	SortBy     string
	SortOrder  string
}

type QuizRepository interface {
	Create(ctx Context, q Quiz) (string, error)
	Get(ctx Context, id string) (Quiz, error)
	List(ctx Context, f QuizFilter) ([]Quiz, int, error)
	Update(ctx Context, q Quiz) error
	Delete(ctx Context, id string) error
}

// Queue (port)

// EnqueueOptions mirror broker submit options. JobID empty means the
// broker assigns one. Queue selects the logical queue by name.
type EnqueueOptions struct {
	JobID       string
	Queue       string
	MaxAttempts int
	Timeout     time.Duration
	Retention   time.Duration
}

// Logical queue names. Workers poll these with weighted priorities.
const (
	QueueGeneration = "generation"
	QueueFanout     = "fanout"
	QueueNotify     = "notify"
	QueueNotifyHigh = "notify_high"
	QueuePersist    = "persist"
)

type Queue interface {
	EnqueueGenerate(ctx Context, payload GenerateTaskPayload, opts EnqueueOptions) (Job, error)
	EnqueueFanout(ctx Context, payload FanoutTaskPayload) error
	EnqueueNotify(ctx Context, payload NotifyTaskPayload, highPriority bool) error
	EnqueuePersistPost(ctx Context, payload PersistPostTaskPayload) error
	GetStatus(ctx Context, jobID string) (Job, error)
}

// AIClient (port)

// GenerateOutput is the raw model completion plus wall-clock latency.
type GenerateOutput struct {
	Text      string
	ElapsedMS int64
}

type AIClient interface {
	// GenerateContent sends one prompt and returns the completion text.
	// Implementations enforce the hard call timeout and breaker policy.
	GenerateContent(ctx Context, prompt string) (GenerateOutput, error)
}

// TextExtractor (port)
// ExtractPath extracts text from a file at path with provided original filename.
// Implementations may call external services (e.g., Tika) or use local libraries.
type TextExtractor interface {
	ExtractPath(ctx Context, fileName, path string) (string, error)
}

// EventPublisher (port)
// Publish is best-effort: implementations log failures and never return
// errors into the request path.
type EventPublisher interface {
	Publish(ctx Context, topic, key string, value []byte)
}

// Event stream topics.
const (
	TopicQuizEvents   = "quizdom.quiz.events"
	TopicSocialEvents = "quizdom.social.events"
)

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.

type Context = context.Context
