package asynqadp

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/quizdom-app/backend/internal/domain"
)

// Worker runs an asynq server over a handler mux. Start is
// non-blocking; Stop drains in-flight tasks.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

func newWorker(redisURL string, concurrency int, queues map[string]int, retry domain.RetryConfig, logger *slog.Logger) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "worker"))
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      queues,
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return retry.Delay(n)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
			logger.Error("task failed",
				slog.String("task", task.Type()),
				slog.Any("error", err))
		}),
	})
	return &Worker{server: srv, mux: asynq.NewServeMux(), logger: logger}, nil
}

// NewQuizWorker serves generation tasks only, from the default queue.
func NewQuizWorker(redisURL string, concurrency int, retry domain.RetryConfig, gen *GenerateHandler, logger *slog.Logger) (*Worker, error) {
	w, err := newWorker(redisURL, concurrency, map[string]int{QueueDefault: 1}, retry, logger)
	if err != nil {
		return nil, err
	}
	w.mux.Handle(TaskGenerate, gen)
	return w, nil
}

// NewSocialWorker serves fanout, notification and persistence tasks
// across all three queues. Weighted polling keeps high-priority
// notifications ahead of backlogged fanout and persistence work.
func NewSocialWorker(redisURL string, concurrency int, retry domain.RetryConfig, fanout *FanoutHandler, notify *NotifyHandler, persist *PersistPostHandler, logger *slog.Logger) (*Worker, error) {
	queues := map[string]int{
		QueueCritical: 6,
		QueueDefault:  3,
		QueueLow:      1,
	}
	w, err := newWorker(redisURL, concurrency, queues, retry, logger)
	if err != nil {
		return nil, err
	}
	w.mux.Handle(TaskFanout, fanout)
	w.mux.Handle(TaskNotify, notify)
	w.mux.Handle(TaskPersistPost, persist)
	return w, nil
}

// Start launches the server's processing loops.
func (w *Worker) Start() error { return w.server.Start(w.mux) }

// Stop signals the server to stop pulling tasks and waits for active
// handlers to return.
func (w *Worker) Stop() {
	w.server.Stop()
	w.server.Shutdown()
}
