package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/quizdom-app/backend/internal/adapter/observability"
	"github.com/quizdom-app/backend/internal/domain"
)

// PersistPostHandler writes the canonical post row. The post is
// already live in caches; when every attempt fails it survives only
// until its cache TTL, which must be impossible to miss in the logs.
type PersistPostHandler struct {
	posts  domain.PostRepository
	events domain.EventPublisher
	logger *slog.Logger
}

// NewPersistPostHandler wires the persistence job. logger may be nil.
func NewPersistPostHandler(posts domain.PostRepository, events domain.EventPublisher, logger *slog.Logger) *PersistPostHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PersistPostHandler{
		posts:  posts,
		events: events,
		logger: logger.With(slog.String("component", "persist_handler")),
	}
}

// ProcessTask implements asynq.Handler.
func (h *PersistPostHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("queue.worker").Start(ctx, "PersistPostJob")
	defer span.End()

	var p domain.PersistPostTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=queue.PersistPostHandler: payload: %v: %w", err, asynq.SkipRetry)
	}
	log := h.logger.With(slog.String("post_id", p.Post.ID), slog.String("author_id", p.Post.AuthorID))

	observability.StartProcessingJob("persist_post")

	if err := h.posts.Create(ctx, p.Post); err != nil {
		observability.FailJob("persist_post")
		if domain.IsPermanentFailure(err) || finalAttempt(ctx) {
			log.Error("post persistence abandoned; post is cache-authoritative until TTL expiry",
				slog.Any("error", err))
		} else {
			log.Warn("post persistence attempt failed", slog.Any("error", err))
		}
		return failTask(fmt.Errorf("op=queue.PersistPostHandler: %w", err))
	}

	evt, err := json.Marshal(map[string]any{
		"type":     "post.persisted",
		"postId":   p.Post.ID,
		"authorId": p.Post.AuthorID,
		"postType": string(p.Post.Type),
	})
	if err == nil {
		h.events.Publish(ctx, domain.TopicSocialEvents, p.Post.ID, evt)
	}

	observability.CompleteJob("persist_post")
	log.Info("post persisted")
	return nil
}
