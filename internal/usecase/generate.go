// Package usecase contains the application services behind the HTTP
// edge: generation orchestration, quiz management, the social graph
// and the notification surface. Services validate intent, consult the
// coordination substrate, and delegate durable work to the queue.
package usecase

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/quizdom-app/backend/internal/adapter/ai"
	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/adapter/observability"
	"github.com/quizdom-app/backend/internal/domain"
	"github.com/quizdom-app/backend/internal/service/quota"
)

// Topic and question-count bounds enforced before enqueue.
const (
	minTopicLen     = 3
	maxTopicLen     = 200
	maxNumQuestions = 50
)

// GenerateService orchestrates quiz generation: quota precheck,
// opportunistic adaptive difficulty, the stable job id, and submission
// to the durable queue. Generation itself runs on the worker.
type GenerateService struct {
	Queue     domain.Queue
	Quota     *quota.Service
	Cache     *cache.Cache
	Extractor domain.TextExtractor
}

// NewGenerateService constructs a GenerateService with its dependencies.
func NewGenerateService(q domain.Queue, quotaSvc *quota.Service, c *cache.Cache, ex domain.TextExtractor) GenerateService {
	return GenerateService{Queue: q, Quota: quotaSvc, Cache: c, Extractor: ex}
}

// TopicRequest carries a topic generation request after edge validation.
type TopicRequest struct {
	UserID       string
	Role         domain.Role
	Topic        string
	NumQuestions int
	Difficulty   domain.Difficulty
	UseAdaptive  bool
	IsPublic     bool
}

// FileRequest carries a file generation request. Path points at the
// scratch copy of the upload; the caller deletes it after enqueue.
type FileRequest struct {
	UserID       string
	Role         domain.Role
	FileName     string
	Path         string
	NumQuestions int
	Difficulty   domain.Difficulty
	UseAdaptive  bool
	IsPublic     bool
}

// EnqueueTopic validates the request, checks the daily quota, and
// submits a topic generation job. The returned quota snapshot is the
// pre-enqueue view; the budget is charged on completion, not here.
// Duplicate submissions of the same (user, topic, n, difficulty)
// collapse onto one job via the stable id.
func (s GenerateService) EnqueueTopic(ctx domain.Context, req TopicRequest) (domain.Job, domain.QuotaInfo, error) {
	req.Topic = strings.TrimSpace(req.Topic)
	if n := len(req.Topic); n < minTopicLen || n > maxTopicLen {
		return domain.Job{}, domain.QuotaInfo{}, fmt.Errorf("%w: topic must be %d..%d characters", domain.ErrInvalidArgument, minTopicLen, maxTopicLen)
	}
	if err := validateGenShape(req.UserID, req.NumQuestions, &req.Difficulty); err != nil {
		return domain.Job{}, domain.QuotaInfo{}, err
	}

	info := s.Quota.Check(ctx, req.UserID, req.Role)
	if info.Exceeded {
		return domain.Job{}, info, fmt.Errorf("%w: daily generation limit of %d reached", domain.ErrQuotaExceeded, info.Limit)
	}

	payload := domain.GenerateTaskPayload{
		RequestID:    observability.RequestIDFromContext(ctx),
		Method:       domain.GenTopic,
		UserID:       req.UserID,
		Role:         req.Role,
		Topic:        req.Topic,
		NumQuestions: req.NumQuestions,
		Difficulty:   req.Difficulty,
		UseAdaptive:  req.UseAdaptive,
		IsPublic:     req.IsPublic,
	}
	s.adaptDifficulty(ctx, &payload)
	payload.SourceHash = contentHash(fmt.Sprintf("%s|%d|%s", payload.Topic, payload.NumQuestions, payload.Difficulty))
	payload.JobID = stableJobID(domain.GenTopic, req.UserID, payload.SourceHash)

	job, err := s.Queue.EnqueueGenerate(ctx, payload, domain.EnqueueOptions{
		JobID: payload.JobID,
		Queue: domain.QueueGeneration,
	})
	if err != nil {
		return domain.Job{}, info, err
	}
	return job, info, nil
}

// EnqueueFile extracts text from the uploaded document and submits a
// file generation job addressed by the content hash of the full text.
// Uploads with no extractable text are rejected before enqueue.
func (s GenerateService) EnqueueFile(ctx domain.Context, req FileRequest) (domain.Job, domain.QuotaInfo, error) {
	if err := validateGenShape(req.UserID, req.NumQuestions, &req.Difficulty); err != nil {
		return domain.Job{}, domain.QuotaInfo{}, err
	}

	info := s.Quota.Check(ctx, req.UserID, req.Role)
	if info.Exceeded {
		return domain.Job{}, info, fmt.Errorf("%w: daily generation limit of %d reached", domain.ErrQuotaExceeded, info.Limit)
	}

	text, err := s.Extractor.ExtractPath(ctx, req.FileName, req.Path)
	if err != nil {
		return domain.Job{}, info, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Job{}, info, fmt.Errorf("%w: no extractable text in %q", domain.ErrInvalidArgument, req.FileName)
	}

	payload := domain.GenerateTaskPayload{
		RequestID:    observability.RequestIDFromContext(ctx),
		Method:       domain.GenFile,
		UserID:       req.UserID,
		Role:         req.Role,
		SourceText:   text,
		SourceHash:   contentHash(text),
		NumQuestions: req.NumQuestions,
		Difficulty:   req.Difficulty,
		UseAdaptive:  req.UseAdaptive,
		IsPublic:     req.IsPublic,
	}
	s.adaptDifficulty(ctx, &payload)
	payload.JobID = stableJobID(domain.GenFile, req.UserID, payload.SourceHash)
	// The prompt only consumes the head of the document; hauling the
	// whole text through the broker buys nothing.
	if len(payload.SourceText) > ai.MaxSourceChars {
		payload.SourceText = payload.SourceText[:ai.MaxSourceChars]
	}

	job, err := s.Queue.EnqueueGenerate(ctx, payload, domain.EnqueueOptions{
		JobID: payload.JobID,
		Queue: domain.QueueGeneration,
	})
	if err != nil {
		return domain.Job{}, info, err
	}
	return job, info, nil
}

// Status returns the poller view of a generation job.
func (s GenerateService) Status(ctx domain.Context, jobID string) (domain.Job, error) {
	if jobID == "" {
		return domain.Job{}, fmt.Errorf("%w: job id required", domain.ErrInvalidArgument)
	}
	return s.Queue.GetStatus(ctx, jobID)
}

// Limits returns today's quota snapshot for the caller.
func (s GenerateService) Limits(ctx domain.Context, userID string, role domain.Role) domain.QuotaInfo {
	return s.Quota.Check(ctx, userID, role)
}

// adaptDifficulty swaps in the cached per-user suggestion when the
// caller opted in, keeping the requested level as OriginalDifficulty.
// Adaptive context is opportunistic: absence changes nothing.
func (s GenerateService) adaptDifficulty(ctx domain.Context, p *domain.GenerateTaskPayload) {
	if !p.UseAdaptive {
		return
	}
	var adaptive domain.AdaptiveInfo
	if !s.Cache.GetJSON(ctx, s.Cache.Keys().Adaptive(p.UserID), &adaptive) {
		return
	}
	suggested := adaptive.SuggestedDifficulty
	if !domain.KnownDifficulty(suggested) || suggested == p.Difficulty {
		return
	}
	p.OriginalDifficulty = p.Difficulty
	p.Difficulty = suggested
}

func validateGenShape(userID string, numQuestions int, d *domain.Difficulty) error {
	if userID == "" {
		return fmt.Errorf("%w: user id required", domain.ErrInvalidArgument)
	}
	if numQuestions < 1 || numQuestions > maxNumQuestions {
		return fmt.Errorf("%w: numQuestions must be 1..%d", domain.ErrInvalidArgument, maxNumQuestions)
	}
	if *d == "" {
		*d = domain.DifficultyMedium
	}
	if !domain.KnownDifficulty(*d) {
		return fmt.Errorf("%w: unknown difficulty %q", domain.ErrInvalidArgument, *d)
	}
	return nil
}

// contentHash addresses a generation request by its input shape. md5
// is an addressing scheme here, not an integrity guarantee.
func contentHash(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// stableJobID is {method}-{userId}-{hash[:16]}; resubmitting the same
// shape while the first job is live returns that job's handle.
func stableJobID(method domain.GenMethod, userID, hash string) string {
	if len(hash) > 16 {
		hash = hash[:16]
	}
	return fmt.Sprintf("%s-%s-%s", method, userID, hash)
}
