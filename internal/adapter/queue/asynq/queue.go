// Package asynqadp adapts asynq as the durable job queue: generation,
// fanout, notification and persistence tasks ride three weighted
// broker queues, with progress and status merged from the cache layer
// and the inspector.
package asynqadp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/quizdom-app/backend/internal/adapter/observability"
	"github.com/quizdom-app/backend/internal/domain"
)

// Task type names registered on the worker mux.
const (
	TaskGenerate    = "quiz:generate"
	TaskFanout      = "social:fanout"
	TaskNotify      = "social:notify"
	TaskPersistPost = "social:persist_post"
)

// Broker queues, polled with weights critical:6 default:3 low:1.
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// defaultRetention keeps terminal generation tasks inspectable by the
// status endpoint for a day.
const defaultRetention = 24 * time.Hour

// physicalQueue maps a logical queue name to a broker queue.
func physicalQueue(logical string) string {
	switch logical {
	case domain.QueueNotifyHigh:
		return QueueCritical
	case domain.QueuePersist:
		return QueueLow
	default:
		return QueueDefault
	}
}

// Queue is the enqueue/status side of the broker.
type Queue struct {
	client     *asynq.Client
	inspector  *asynq.Inspector
	progress   *ProgressStore
	retry      domain.RetryConfig
	jobTimeout time.Duration
	logger     *slog.Logger
}

// New connects the enqueue client and inspector to the broker. logger
// may be nil.
func New(redisURL string, progress *ProgressStore, retry domain.RetryConfig, jobTimeout time.Duration, logger *slog.Logger) (*Queue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=queue.New: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		client:     asynq.NewClient(opt),
		inspector:  asynq.NewInspector(opt),
		progress:   progress,
		retry:      retry,
		jobTimeout: jobTimeout,
		logger:     logger.With(slog.String("component", "queue")),
	}, nil
}

// Close releases both broker connections.
func (q *Queue) Close() error {
	cerr := q.client.Close()
	if ierr := q.inspector.Close(); ierr != nil && cerr == nil {
		cerr = ierr
	}
	return cerr
}

// EnqueueGenerate submits a generation job under its stable id. A
// colliding id on a live job is not an error: the existing job's
// handle is returned so duplicate submits collapse.
func (q *Queue) EnqueueGenerate(ctx domain.Context, payload domain.GenerateTaskPayload, opts domain.EnqueueOptions) (domain.Job, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.EnqueueGenerate: marshal: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = q.retry.MaxAttempts
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = q.jobTimeout
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = defaultRetention
	}
	taskOpts := []asynq.Option{
		asynq.Queue(physicalQueue(opts.Queue)),
		asynq.MaxRetry(maxAttempts - 1),
		asynq.Timeout(timeout),
		asynq.Retention(retention),
	}
	if opts.JobID != "" {
		taskOpts = append(taskOpts, asynq.TaskID(opts.JobID))
	}

	info, err := q.client.EnqueueContext(ctx, asynq.NewTask(TaskGenerate, b), taskOpts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return q.GetStatus(ctx, opts.JobID)
		}
		return domain.Job{}, fmt.Errorf("op=queue.EnqueueGenerate: %w", err)
	}
	observability.EnqueueJob("generate")
	created := q.progress.Init(ctx, info.ID)
	return domain.Job{
		ID:          info.ID,
		State:       domain.JobQueued,
		MaxAttempts: maxAttempts,
		Timestamps:  domain.JobTimestamps{Created: &created},
	}, nil
}

// EnqueueFanout submits a feed fanout job.
func (q *Queue) EnqueueFanout(ctx domain.Context, payload domain.FanoutTaskPayload) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=queue.EnqueueFanout: marshal: %w", err)
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TaskFanout, b),
		asynq.Queue(physicalQueue(domain.QueueFanout)),
		asynq.MaxRetry(q.retry.MaxAttempts-1),
		asynq.Timeout(q.jobTimeout),
	)
	if err != nil {
		return fmt.Errorf("op=queue.EnqueueFanout: %w", err)
	}
	observability.EnqueueJob("fanout")
	return nil
}

// EnqueueNotify submits a notification batch; high priority rides the
// critical queue.
func (q *Queue) EnqueueNotify(ctx domain.Context, payload domain.NotifyTaskPayload, highPriority bool) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=queue.EnqueueNotify: marshal: %w", err)
	}
	logical := domain.QueueNotify
	if highPriority {
		logical = domain.QueueNotifyHigh
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TaskNotify, b),
		asynq.Queue(physicalQueue(logical)),
		asynq.MaxRetry(q.retry.MaxAttempts-1),
		asynq.Timeout(q.jobTimeout),
	)
	if err != nil {
		return fmt.Errorf("op=queue.EnqueueNotify: %w", err)
	}
	observability.EnqueueJob("notify")
	return nil
}

// EnqueuePersistPost submits the low-priority store write for a post
// that is already live in caches.
func (q *Queue) EnqueuePersistPost(ctx domain.Context, payload domain.PersistPostTaskPayload) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=queue.EnqueuePersistPost: marshal: %w", err)
	}
	_, err = q.client.EnqueueContext(ctx, asynq.NewTask(TaskPersistPost, b),
		asynq.Queue(physicalQueue(domain.QueuePersist)),
		asynq.MaxRetry(q.retry.MaxAttempts-1),
		asynq.Timeout(q.jobTimeout),
	)
	if err != nil {
		return fmt.Errorf("op=queue.EnqueuePersistPost: %w", err)
	}
	observability.EnqueueJob("persist_post")
	return nil
}

// GetStatus reads the broker's view of a generation job and merges the
// cached progress blob. Completed jobs carry the handler's result.
func (q *Queue) GetStatus(ctx domain.Context, jobID string) (domain.Job, error) {
	info, err := q.inspector.GetTaskInfo(physicalQueue(domain.QueueGeneration), jobID)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return domain.Job{}, fmt.Errorf("op=queue.GetStatus: job %s: %w", jobID, domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=queue.GetStatus: %w", err)
	}

	job := domain.Job{
		ID:          jobID,
		State:       stateOf(info.State),
		Attempts:    attemptsOf(info),
		MaxAttempts: info.MaxRetry + 1,
		Error:       info.LastErr,
		Result:      info.Result,
	}
	if blob, ok := q.progress.Read(ctx, jobID); ok {
		job.Progress = blob.Progress
		job.Timestamps = blob.Timestamps()
		if job.Error == "" {
			job.Error = blob.Error
		}
	}
	if job.State == domain.JobCompleted {
		job.Progress = 100
	}
	return job, nil
}

func stateOf(s asynq.TaskState) domain.JobState {
	switch s {
	case asynq.TaskStatePending, asynq.TaskStateAggregating:
		return domain.JobQueued
	case asynq.TaskStateActive:
		return domain.JobActive
	case asynq.TaskStateScheduled, asynq.TaskStateRetry:
		return domain.JobDelayed
	case asynq.TaskStateCompleted:
		return domain.JobCompleted
	case asynq.TaskStateArchived:
		return domain.JobFailed
	}
	return domain.JobNotFound
}

// attemptsOf counts runs: Retried counts finished failed runs, so a
// task that is running or has reached a terminal state adds one.
func attemptsOf(info *asynq.TaskInfo) int {
	n := info.Retried
	switch info.State {
	case asynq.TaskStateActive, asynq.TaskStateCompleted, asynq.TaskStateArchived:
		n++
	}
	return n
}

// failTask marks permanent failures so asynq archives them without
// burning the remaining attempts.
func failTask(err error) error {
	if domain.IsPermanentFailure(err) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// finalAttempt reports whether the running handler invocation is the
// task's last before archival.
func finalAttempt(ctx domain.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	max, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= max
}
