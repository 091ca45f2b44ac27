package asynqadp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"

	"github.com/quizdom-app/backend/internal/adapter/feed"
	"github.com/quizdom-app/backend/internal/adapter/notify"
	"github.com/quizdom-app/backend/internal/adapter/observability"
	"github.com/quizdom-app/backend/internal/domain"
)

// deliveryThreshold is the fraction of follower timelines that must
// accept the entry before the job counts as done; below it the whole
// job retries and idempotent delivery skips the timelines already
// served.
const deliveryThreshold = 0.95

// FanoutHandler delivers one post to every follower timeline captured
// at enqueue time, updates trending, and queues mention notifications.
type FanoutHandler struct {
	store      *feed.Store
	queue      domain.Queue
	batchSize  int
	idemMinFol int
	monitor    *observability.DeliveryMonitor
	logger     *slog.Logger
}

// NewFanoutHandler wires the fanout pipeline. batchSize caps followers
// per pipeline; idemMinFol is the follower count from which first-run
// deliveries are dedupe-scanned. logger may be nil.
func NewFanoutHandler(store *feed.Store, queue domain.Queue, batchSize, idemMinFol int, logger *slog.Logger) *FanoutHandler {
	if batchSize < 1 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FanoutHandler{
		store:      store,
		queue:      queue,
		batchSize:  batchSize,
		idemMinFol: idemMinFol,
		monitor:    observability.NewDeliveryMonitor(20, deliveryThreshold, logger),
		logger:     logger.With(slog.String("component", "fanout_handler")),
	}
}

// ProcessTask implements asynq.Handler.
func (h *FanoutHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("queue.worker").Start(ctx, "FanoutJob")
	defer span.End()

	var p domain.FanoutTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("op=queue.FanoutHandler: payload: %v: %w", err, asynq.SkipRetry)
	}
	post := p.Post
	log := h.logger.With(slog.String("post_id", post.ID), slog.Int("followers", len(p.FollowerIDs)))

	observability.StartProcessingJob("fanout")

	// The canonical timestamp is the post's creation instant, fixed at
	// enqueue; retries reuse it so duplicate entries sort identically.
	entry := domain.FeedEntry{
		PostID:      post.ID,
		AuthorID:    post.AuthorID,
		AuthorName:  post.AuthorName,
		Type:        post.Type,
		TimestampMS: post.CreatedAt.UTC().UnixMilli(),
	}

	// Author sees their own post regardless of fanout outcome.
	if err := h.store.AddToTimeline(ctx, post.AuthorID, entry); err != nil {
		log.Warn("author self-insert failed", slog.Any("error", err))
	}

	retried, _ := asynq.GetRetryCount(ctx)
	dedupe := retried > 0 || len(p.FollowerIDs) > h.idemMinFol

	delivered, failed := 0, 0
	var firstErr error
	for start := 0; start < len(p.FollowerIDs); start += h.batchSize {
		end := start + h.batchSize
		if end > len(p.FollowerIDs) {
			end = len(p.FollowerIDs)
		}
		d, f, err := h.store.DeliverBatch(ctx, p.FollowerIDs[start:end], entry, dedupe)
		delivered += d
		failed += f
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := h.store.TouchTrending(ctx, post.ID); err != nil {
		log.Warn("trending touch failed", slog.Any("error", err))
	}

	h.notifyMentions(ctx, post, log)

	total := len(p.FollowerIDs)
	if total > 0 && !h.monitor.RecordJob(delivered, failed) {
		observability.FailJob("fanout")
		err := fmt.Errorf("op=queue.FanoutHandler: delivered %d/%d followers: %w", delivered, total, firstErr)
		if finalAttempt(ctx) {
			log.Error("fanout abandoned below delivery threshold",
				slog.Int("delivered", delivered),
				slog.Int("failed", failed),
				slog.Any("error", firstErr))
		}
		return err
	}

	h.store.PublishFeedUpdates(ctx, p.FollowerIDs, map[string]any{
		"event": "feed-update",
		"data":  entry,
	})

	observability.CompleteJob("fanout")
	log.Info("fanout completed",
		slog.Int("delivered", delivered),
		slog.Int("failed", failed),
		slog.Bool("dedupe", dedupe))
	return nil
}

// notifyMentions queues one high-priority notification per mentioned
// user. Failures are logged, not fatal: mentions must never block the
// feed write.
func (h *FanoutHandler) notifyMentions(ctx context.Context, post domain.Post, log *slog.Logger) {
	if len(post.Mentions) == 0 {
		return
	}
	ns := make([]domain.Notification, 0, len(post.Mentions))
	for _, uid := range post.Mentions {
		if uid == "" || uid == post.AuthorID {
			continue
		}
		ns = append(ns, notify.NewMention(uid, post.AuthorID, post.AuthorName, post.ID))
	}
	if len(ns) == 0 {
		return
	}
	if err := h.queue.EnqueueNotify(ctx, domain.NotifyTaskPayload{Notifications: ns}, true); err != nil {
		log.Warn("mention notification enqueue failed", slog.Any("error", err))
	}
}
