package asynqadp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/quizdom-app/backend/internal/domain"
)

// Cleanable task states.
const (
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// RetentionCleaner prunes terminal tasks beyond the configured caps.
// Broker retention expires completed tasks by age; the cleaner
// enforces the count bounds and sweeps archived tasks, which the
// broker otherwise keeps indefinitely.
type RetentionCleaner struct {
	inspector     *asynq.Inspector
	keepCompleted int
	keepFailed    int
	interval      time.Duration
	logger        *slog.Logger
}

// NewRetentionCleaner connects an inspector for pruning. logger may be
// nil.
func NewRetentionCleaner(redisURL string, keepCompleted, keepFailed int, interval time.Duration, logger *slog.Logger) (*RetentionCleaner, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.NewRetentionCleaner: %w", err)
	}
	if keepCompleted <= 0 {
		keepCompleted = 100
	}
	if keepFailed <= 0 {
		keepFailed = 500
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionCleaner{
		inspector:     asynq.NewInspector(opt),
		keepCompleted: keepCompleted,
		keepFailed:    keepFailed,
		interval:      interval,
		logger:        logger.With(slog.String("component", "retention_cleaner")),
	}, nil
}

// Close releases the inspector connection.
func (c *RetentionCleaner) Close() error { return c.inspector.Close() }

// Run prunes on a ticker until ctx is cancelled.
func (c *RetentionCleaner) Run(ctx context.Context) {
	if c == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.cleanOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("retention cleaner stopping")
			return
		case <-ticker.C:
			c.cleanOnce(ctx)
		}
	}
}

func (c *RetentionCleaner) cleanOnce(ctx context.Context) {
	tracer := otel.Tracer("queue.cleaner")
	ctx, span := tracer.Start(ctx, "RetentionCleaner.cleanOnce")
	defer span.End()

	totalDeleted := 0
	for _, state := range []string{StateCompleted, StateFailed} {
		n, err := c.Clean(ctx, 0, state)
		if err != nil {
			span.RecordError(err)
			c.logger.Error("retention clean failed",
				slog.String("state", state),
				slog.Any("error", err))
			continue
		}
		totalDeleted += n
	}
	span.SetAttributes(attribute.Int("tasks.deleted", totalDeleted))
	if totalDeleted > 0 {
		c.logger.Info("pruned terminal tasks", slog.Int("deleted", totalDeleted))
	}
}

// Clean prunes one state across all queues, keeping the newest tasks
// within the cap. Tasks whose terminal instant is younger than grace
// are skipped. Returns the number of tasks deleted.
func (c *RetentionCleaner) Clean(ctx context.Context, grace time.Duration, state string) (int, error) {
	if state != StateCompleted && state != StateFailed {
		return 0, fmt.Errorf("op=queue.Clean: state %q: %w", state, domain.ErrInvalidArgument)
	}
	cutoff := time.Now().Add(-grace)
	deleted := 0
	for _, q := range []string{QueueCritical, QueueDefault, QueueLow} {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		info, err := c.inspector.GetQueueInfo(q)
		if err != nil {
			if errors.Is(err, asynq.ErrQueueNotFound) {
				continue
			}
			return deleted, fmt.Errorf("op=queue.Clean: queue %s: %w", q, err)
		}

		var total, keep int
		var list func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error)
		if state == StateCompleted {
			total, keep = info.Completed, c.keepCompleted
			list = c.inspector.ListCompletedTasks
		} else {
			total, keep = info.Archived, c.keepFailed
			list = c.inspector.ListArchivedTasks
		}
		excess := total - keep
		if excess <= 0 {
			continue
		}

		// Listings are oldest-first, so the first page past the cap is
		// exactly the prune set.
		tasks, err := list(q, asynq.PageSize(excess), asynq.Page(1))
		if err != nil {
			return deleted, fmt.Errorf("op=queue.Clean: list %s/%s: %w", q, state, err)
		}
		for _, t := range tasks {
			if terminalInstant(t).After(cutoff) {
				continue
			}
			if err := c.inspector.DeleteTask(q, t.ID); err != nil {
				c.logger.Warn("task delete failed",
					slog.String("queue", q),
					slog.String("task_id", t.ID),
					slog.Any("error", err))
				continue
			}
			deleted++
		}
	}
	return deleted, nil
}

func terminalInstant(t *asynq.TaskInfo) time.Time {
	if !t.CompletedAt.IsZero() {
		return t.CompletedAt
	}
	return t.LastFailedAt
}
