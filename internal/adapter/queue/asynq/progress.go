package asynqadp

import (
	"time"

	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/domain"
)

// progressBlob is the cached sidecar the broker has no slot for:
// handler-reported progress and lifecycle instants. One writer (the
// job's current handler run) and any number of status pollers.
type progressBlob struct {
	Progress  int        `json:"progress"`
	Created   *time.Time `json:"created,omitempty"`
	Processed *time.Time `json:"processed,omitempty"`
	Finished  *time.Time `json:"finished,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Timestamps converts the blob to the status view.
func (b progressBlob) Timestamps() domain.JobTimestamps {
	return domain.JobTimestamps{
		Created:   b.Created,
		Processed: b.Processed,
		Finished:  b.Finished,
	}
}

// ProgressStore writes the blob through the cache layer, inheriting
// its best-effort policy: a cache outage degrades progress reporting,
// never job execution.
type ProgressStore struct {
	cache *cache.Cache
	now   func() time.Time
}

// NewProgressStore builds a ProgressStore on the shared cache.
func NewProgressStore(c *cache.Cache) *ProgressStore {
	return &ProgressStore{cache: c, now: time.Now}
}

func (p *ProgressStore) key(jobID string) string {
	return p.cache.Keys().JobProgress(jobID)
}

func (p *ProgressStore) write(ctx domain.Context, jobID string, b progressBlob) {
	p.cache.SetJSON(ctx, p.key(jobID), b, cache.TTLJobProgress)
}

// Init stamps the creation instant at enqueue and returns it.
func (p *ProgressStore) Init(ctx domain.Context, jobID string) time.Time {
	now := p.now().UTC()
	p.write(ctx, jobID, progressBlob{Created: &now})
	return now
}

// Start stamps the processing instant when a handler picks the job up.
// A retry overwrites Processed and clears the stale error.
func (p *ProgressStore) Start(ctx domain.Context, jobID string) {
	b, _ := p.Read(ctx, jobID)
	now := p.now().UTC()
	b.Processed = &now
	b.Error = ""
	if b.Progress < 10 {
		b.Progress = 10
	}
	p.write(ctx, jobID, b)
}

// Set raises the reported progress; regressions are ignored so
// interleaved status reads stay monotone.
func (p *ProgressStore) Set(ctx domain.Context, jobID string, pct int) {
	b, _ := p.Read(ctx, jobID)
	if pct > b.Progress {
		b.Progress = pct
		p.write(ctx, jobID, b)
	}
}

// Fail records the attempt's error without finishing the job; the
// broker decides whether a retry follows.
func (p *ProgressStore) Fail(ctx domain.Context, jobID, msg string) {
	b, _ := p.Read(ctx, jobID)
	b.Error = msg
	p.write(ctx, jobID, b)
}

// Finish stamps the terminal instant. An empty msg means success and
// forces progress to 100.
func (p *ProgressStore) Finish(ctx domain.Context, jobID, msg string) {
	b, _ := p.Read(ctx, jobID)
	now := p.now().UTC()
	b.Finished = &now
	if msg == "" {
		b.Progress = 100
	} else {
		b.Error = msg
	}
	p.write(ctx, jobID, b)
}

// Read returns the blob and whether it existed.
func (p *ProgressStore) Read(ctx domain.Context, jobID string) (progressBlob, bool) {
	var b progressBlob
	ok := p.cache.GetJSON(ctx, p.key(jobID), &b)
	return b, ok
}
