package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/quizdom-app/backend/internal/adapter/notify"
	"github.com/quizdom-app/backend/internal/adapter/observability"
	"github.com/quizdom-app/backend/internal/domain"
)

// NotifyHandler writes a notification batch to the cache plane and the
// store, then pushes realtime frames. Retries are safe: store inserts
// are id-keyed and duplicate cache entries age out with the list.
type NotifyHandler struct {
	plane  *notify.Plane
	repo   domain.NotificationRepository
	events domain.EventPublisher
	logger *slog.Logger
}

// NewNotifyHandler wires the notification pipeline. logger may be nil.
func NewNotifyHandler(plane *notify.Plane, repo domain.NotificationRepository, events domain.EventPublisher, logger *slog.Logger) *NotifyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyHandler{
		plane:  plane,
		repo:   repo,
		events: events,
		logger: logger.With(slog.String("component", "notify_handler")),
	}
}

// ProcessTask implements asynq.Handler.
func (h *NotifyHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("queue.worker").Start(ctx, "NotifyJob")
	defer span.End()

	var p domain.NotifyTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=queue.NotifyHandler: payload: %v: %w", err, asynq.SkipRetry)
	}
	if len(p.Notifications) == 0 {
		return nil
	}
	log := h.logger.With(slog.Int("count", len(p.Notifications)))

	observability.StartProcessingJob("notify")

	delivered, failed, pushErr := h.plane.PushBatch(ctx, p.Notifications)

	// Full history lives in the store; id-keyed inserts make retries
	// no-ops for rows already written.
	if err := h.repo.CreateBatch(ctx, p.Notifications); err != nil {
		observability.FailJob("notify")
		log.Warn("notification store write failed", slog.Any("error", err))
		return fmt.Errorf("op=queue.NotifyHandler: store: %w", err)
	}

	if failed > 0 {
		observability.FailJob("notify")
		log.Warn("notification cache writes incomplete",
			slog.Int("delivered", delivered),
			slog.Int("failed", failed),
			slog.Any("error", pushErr))
		return fmt.Errorf("op=queue.NotifyHandler: %d/%d cached: %w", delivered, len(p.Notifications), pushErr)
	}

	h.plane.PublishNew(ctx, p.Notifications)

	for _, n := range p.Notifications {
		evt, err := json.Marshal(map[string]any{
			"type":        "notification.created",
			"id":          n.ID,
			"recipientId": n.RecipientID,
			"notifType":   string(n.Type),
		})
		if err == nil {
			h.events.Publish(ctx, domain.TopicSocialEvents, n.ID, evt)
		}
	}

	observability.CompleteJob("notify")
	log.Info("notifications delivered", slog.Int("delivered", delivered))
	return nil
}
