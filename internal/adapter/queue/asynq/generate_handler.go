package asynqadp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/quizdom-app/backend/internal/adapter/ai"
	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/adapter/observability"
	"github.com/quizdom-app/backend/internal/domain"
	"github.com/quizdom-app/backend/internal/service/quota"
)

// maxParseAttempts bounds in-process reprompting when the model
// returns unparseable output.
const maxParseAttempts = 3

// genRecord is the content-addressed cache entry: everything needed to
// replay a completed generation without calling the model again.
type genRecord struct {
	Questions      []domain.Question    `json:"questions"`
	AdaptiveInfo   *domain.AdaptiveInfo `json:"adaptiveInfo,omitempty"`
	GenerationTime int64                `json:"generationTime"`
}

var titleCaser = cases.Title(language.English)

// GenerateHandler runs one generation job: cache check, model call,
// parse, persist, charge. The quota is charged only here, on success,
// so failed generations never consume daily budget.
type GenerateHandler struct {
	ai       domain.AIClient
	quizzes  domain.QuizRepository
	cache    *cache.Cache
	quota    *quota.Service
	progress *ProgressStore
	events   domain.EventPublisher
	model    string
	logger   *slog.Logger
	now      func() time.Time
}

// NewGenerateHandler wires the generation pipeline. model stamps the
// provenance metadata; logger may be nil.
func NewGenerateHandler(aicl domain.AIClient, quizzes domain.QuizRepository, c *cache.Cache, quotaSvc *quota.Service, progress *ProgressStore, events domain.EventPublisher, model string, logger *slog.Logger) *GenerateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerateHandler{
		ai:       aicl,
		quizzes:  quizzes,
		cache:    c,
		quota:    quotaSvc,
		progress: progress,
		events:   events,
		model:    model,
		logger:   logger.With(slog.String("component", "generate_handler")),
		now:      time.Now,
	}
}

// ProcessTask implements asynq.Handler.
func (h *GenerateHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("queue.worker").Start(ctx, "GenerateJob")
	defer span.End()

	var p domain.GenerateTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=queue.GenerateHandler: payload: %v: %w", err, asynq.SkipRetry)
	}
	log := h.logger.With(slog.String("job_id", p.JobID), slog.String("method", string(p.Method)))
	if p.RequestID != "" {
		log = log.With(slog.String("request_id", p.RequestID))
	}

	h.progress.Start(ctx, p.JobID)
	observability.StartProcessingJob("generate")

	res, err := h.generate(ctx, p, log)
	if err != nil {
		observability.FailJob("generate")
		if domain.IsPermanentFailure(err) || finalAttempt(ctx) {
			h.progress.Finish(ctx, p.JobID, err.Error())
			log.Error("generation failed", slog.Any("error", err))
		} else {
			h.progress.Fail(ctx, p.JobID, err.Error())
			log.Warn("generation attempt failed", slog.Any("error", err))
		}
		return failTask(err)
	}

	if w := t.ResultWriter(); w != nil {
		raw, merr := json.Marshal(res)
		if merr != nil {
			log.Warn("result marshal failed", slog.Any("error", merr))
		} else if _, werr := w.Write(raw); werr != nil {
			log.Warn("result write failed", slog.Any("error", werr))
		}
	}
	h.progress.Finish(ctx, p.JobID, "")
	observability.CompleteJob("generate")
	observability.ObserveGeneration(len(res.Quiz.Questions))
	log.Info("generation completed",
		slog.String("quiz_id", res.QuizID),
		slog.Bool("from_cache", res.FromCache),
		slog.Int64("elapsed_ms", res.GenerationTime))
	return nil
}

func (h *GenerateHandler) generate(ctx context.Context, p domain.GenerateTaskPayload, log *slog.Logger) (domain.GenerateResult, error) {
	// Adaptive context is opportunistic; absence never blocks.
	var adaptive *domain.AdaptiveInfo
	if p.UseAdaptive {
		var info domain.AdaptiveInfo
		if h.cache.GetJSON(ctx, h.cache.Keys().Adaptive(p.UserID), &info) {
			adaptive = &info
		}
	}

	key, ttl := h.genKey(p)
	var rec genRecord
	if h.cache.GetJSON(ctx, key, &rec) && len(rec.Questions) > 0 {
		observability.CacheHit(h.cache.Keys().Family(key))
		h.progress.Set(ctx, p.JobID, 60)
		return h.finish(ctx, p, rec, true, log)
	}
	observability.CacheMiss(h.cache.Keys().Family(key))

	var prompt string
	if p.Method == domain.GenFile {
		prompt = ai.FilePrompt(p)
	} else {
		prompt = ai.TopicPrompt(p, adaptive)
	}
	h.progress.Set(ctx, p.JobID, 20)

	questions, elapsed, err := h.invoke(ctx, p, prompt, log)
	if err != nil {
		return domain.GenerateResult{}, err
	}
	h.progress.Set(ctx, p.JobID, 60)

	rec = genRecord{Questions: questions, AdaptiveInfo: adaptive, GenerationTime: elapsed}
	h.cache.SetJSON(ctx, key, rec, ttl)
	return h.finish(ctx, p, rec, false, log)
}

// invoke calls the model, reprompting up to maxParseAttempts times
// when the completion cannot be parsed into a valid question array.
func (h *GenerateHandler) invoke(ctx context.Context, p domain.GenerateTaskPayload, prompt string, log *slog.Logger) ([]domain.Question, int64, error) {
	var lastErr error
	for attempt := 0; attempt < maxParseAttempts; attempt++ {
		out, err := h.ai.GenerateContent(ctx, prompt)
		if err != nil {
			return nil, 0, err
		}
		questions, perr := ai.ExtractQuestions(out.Text, p.Difficulty)
		if perr == nil {
			if p.NumQuestions > 0 && len(questions) > p.NumQuestions {
				questions = questions[:p.NumQuestions]
			}
			return questions, out.ElapsedMS, nil
		}
		lastErr = perr
		if !errors.Is(perr, domain.ErrSchemaInvalid) {
			break
		}
		log.Warn("completion parse failed",
			slog.Int("attempt", attempt+1),
			slog.Any("error", perr))
		if attempt+1 < maxParseAttempts {
			prompt += "\nReminder: Return ONLY the JSON array, no markdown, no code fences."
			time.Sleep(time.Duration(200*(attempt+1)) * time.Millisecond)
		}
	}
	return nil, 0, lastErr
}

// finish persists the quiz, charges the quota and shapes the result.
func (h *GenerateHandler) finish(ctx context.Context, p domain.GenerateTaskPayload, rec genRecord, fromCache bool, log *slog.Logger) (domain.GenerateResult, error) {
	quiz := h.buildQuiz(p, rec)
	id, err := h.quizzes.Create(ctx, quiz)
	if err != nil {
		return domain.GenerateResult{}, fmt.Errorf("op=queue.GenerateHandler: persist: %w", err)
	}
	quiz.ID = id
	h.progress.Set(ctx, p.JobID, 90)

	// Cache hits charge too: the user received a quiz either way.
	if _, err := h.quota.Charge(ctx, p.UserID); err != nil {
		log.Warn("quota charge failed", slog.Any("error", err))
	}

	h.publishEvent(ctx, p, quiz, fromCache)

	return domain.GenerateResult{
		QuizID:         id,
		Quiz:           quiz,
		FromCache:      fromCache,
		AdaptiveInfo:   rec.AdaptiveInfo,
		GenerationTime: rec.GenerationTime,
	}, nil
}

func (h *GenerateHandler) publishEvent(ctx context.Context, p domain.GenerateTaskPayload, quiz domain.Quiz, fromCache bool) {
	evt, err := json.Marshal(map[string]any{
		"type":      "quiz.generated",
		"quizId":    quiz.ID,
		"ownerId":   quiz.OwnerID,
		"method":    string(p.Method),
		"questions": len(quiz.Questions),
		"fromCache": fromCache,
		"at":        h.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	h.events.Publish(ctx, domain.TopicQuizEvents, quiz.ID, evt)
}

func (h *GenerateHandler) buildQuiz(p domain.GenerateTaskPayload, rec genRecord) domain.Quiz {
	now := h.now().UTC()
	quiz := domain.Quiz{
		Title:       quizTitle(p),
		Description: quizDescription(p),
		Questions:   rec.Questions,
		Difficulty:  p.Difficulty,
		Category:    quizCategory(p),
		OwnerID:     p.UserID,
		IsPublic:    p.IsPublic,
		Generation: domain.GenerationMeta{
			Method:      genMethodOf(p.Method),
			SourceHash:  p.SourceHash,
			ModelLabel:  h.model,
			WasAdaptive: p.UseAdaptive,
			ElapsedMS:   rec.GenerationTime,
			CreatedAt:   now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.Method == domain.GenTopic {
		quiz.Tags = []string{cache.Slug(p.Topic)}
	}
	quiz.RecomputeDerived()
	return quiz
}

func (h *GenerateHandler) genKey(p domain.GenerateTaskPayload) (string, time.Duration) {
	if p.Method == domain.GenFile {
		return h.cache.Keys().FileQuiz(p.SourceHash, p.NumQuestions, p.Difficulty), cache.TTLFileQuiz
	}
	return h.cache.Keys().TopicQuiz(cache.Slug(p.Topic), p.NumQuestions, p.Difficulty, p.UseAdaptive), cache.TTLTopicQuiz
}

func quizTitle(p domain.GenerateTaskPayload) string {
	if p.Method == domain.GenFile {
		return "Document Quiz"
	}
	return titleCaser.String(p.Topic) + " Quiz"
}

func quizDescription(p domain.GenerateTaskPayload) string {
	if p.Method == domain.GenFile {
		return fmt.Sprintf("AI-generated %s quiz from an uploaded document", strings.ToLower(string(p.Difficulty)))
	}
	return fmt.Sprintf("AI-generated %s quiz about %s", strings.ToLower(string(p.Difficulty)), p.Topic)
}

func quizCategory(p domain.GenerateTaskPayload) string {
	if p.Method == domain.GenFile {
		return "Document"
	}
	return p.Topic
}

func genMethodOf(m domain.GenMethod) domain.QuizGenMethod {
	switch m {
	case domain.GenFile:
		return domain.QuizAIFile
	case domain.GenEnhance:
		return domain.QuizAIEnhanced
	default:
		return domain.QuizAITopic
	}
}
