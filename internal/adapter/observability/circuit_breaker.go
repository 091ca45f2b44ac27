package observability

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Allow while the breaker rejects calls.
var ErrBreakerOpen = errors.New("circuit breaker open")

// BreakerState represents the state of a circuit breaker.
type BreakerState int

const (
	// StateClosed means requests flow and outcomes feed the window.
	StateClosed BreakerState = iota
	// StateOpen means requests are rejected until the reset timeout.
	StateOpen
	// StateHalfOpen means a single probe request is permitted.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// BreakerEvent names the observable breaker transitions.
type BreakerEvent string

const (
	EventOpen     BreakerEvent = "open"
	EventHalfOpen BreakerEvent = "half-open"
	EventClose    BreakerEvent = "close"
	EventTimeout  BreakerEvent = "timeout"
)

// BreakerOpts tune a RollingBreaker. Zero fields take defaults:
// 10 buckets of 1s, 50% failure ratio over >=5 observations, 60s reset.
type BreakerOpts struct {
	Name            string
	Buckets         int
	BucketSpan      time.Duration
	FailureRatio    float64
	MinObservations int
	ResetTimeout    time.Duration
	// OnEvent is invoked synchronously on transitions and timeouts;
	// it must not call back into the breaker.
	OnEvent func(BreakerEvent)
	// Now is a clock hook for tests.
	Now func() time.Time
}

type breakerBucket struct {
	period  int64
	success int
	failure int
}

// RollingBreaker guards one upstream dependency per process. Error and
// timeout outcomes feed a rolling bucket window; when the failure rate
// in the window reaches the ratio with enough observations, the breaker
// opens and rejects immediately until the reset timeout elapses, after
// which one probe is allowed through.
type RollingBreaker struct {
	opts BreakerOpts

	mu       sync.Mutex
	state    BreakerState
	buckets  []breakerBucket
	openedAt time.Time
	probing  bool
}

// NewRollingBreaker creates a breaker with the given options.
func NewRollingBreaker(opts BreakerOpts) *RollingBreaker {
	if opts.Buckets <= 0 {
		opts.Buckets = 10
	}
	if opts.BucketSpan <= 0 {
		opts.BucketSpan = time.Second
	}
	if opts.FailureRatio <= 0 {
		opts.FailureRatio = 0.5
	}
	if opts.MinObservations <= 0 {
		opts.MinObservations = 5
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := &RollingBreaker{
		opts:    opts,
		state:   StateClosed,
		buckets: make([]breakerBucket, opts.Buckets),
	}
	RecordBreakerState(opts.Name, int(StateClosed))
	return b
}

// Allow reports whether a call may proceed. In half-open exactly one
// probe passes; everyone else gets ErrBreakerOpen until it resolves.
func (b *RollingBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.opts.Now()
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.opts.ResetTimeout {
		b.transition(StateHalfOpen, EventHalfOpen)
		b.probing = false
	}

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return nil
		}
		return ErrBreakerOpen
	default:
		return ErrBreakerOpen
	}
}

// RecordSuccess feeds a successful call outcome.
func (b *RollingBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		// Probe succeeded: close and reset stats.
		b.resetWindow()
		b.probing = false
		b.transition(StateClosed, EventClose)
	case StateClosed:
		b.bucketFor(b.opts.Now()).success++
	}
}

// RecordFailure feeds a failed call outcome. timeout marks failures
// caused by the hard call deadline, surfaced as their own event.
func (b *RollingBreaker) RecordFailure(timeout bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if timeout {
		b.emit(EventTimeout)
	}

	now := b.opts.Now()
	switch b.state {
	case StateHalfOpen:
		// Probe failed: reopen and restart the timer.
		b.probing = false
		b.openedAt = now
		b.transition(StateOpen, EventOpen)
	case StateClosed:
		b.bucketFor(now).failure++
		succ, fail := b.windowTotals(now)
		total := succ + fail
		if total >= b.opts.MinObservations && float64(fail) >= b.opts.FailureRatio*float64(total) {
			b.openedAt = now
			b.transition(StateOpen, EventOpen)
		}
	}
}

// State returns the current breaker state.
func (b *RollingBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the dependency label this breaker guards.
func (b *RollingBreaker) Name() string { return b.opts.Name }

// bucketFor returns the live bucket for now, recycling stale slots.
// Callers must hold b.mu.
func (b *RollingBreaker) bucketFor(now time.Time) *breakerBucket {
	period := now.UnixNano() / int64(b.opts.BucketSpan)
	bk := &b.buckets[int(period%int64(len(b.buckets)))]
	if bk.period != period {
		bk.period = period
		bk.success = 0
		bk.failure = 0
	}
	return bk
}

// windowTotals sums outcomes over buckets still inside the window.
// Callers must hold b.mu.
func (b *RollingBreaker) windowTotals(now time.Time) (succ, fail int) {
	period := now.UnixNano() / int64(b.opts.BucketSpan)
	oldest := period - int64(len(b.buckets)) + 1
	for i := range b.buckets {
		if b.buckets[i].period >= oldest && b.buckets[i].period <= period {
			succ += b.buckets[i].success
			fail += b.buckets[i].failure
		}
	}
	return succ, fail
}

func (b *RollingBreaker) resetWindow() {
	for i := range b.buckets {
		b.buckets[i] = breakerBucket{}
	}
}

func (b *RollingBreaker) transition(s BreakerState, ev BreakerEvent) {
	b.state = s
	RecordBreakerState(b.opts.Name, int(s))
	b.emit(ev)
}

func (b *RollingBreaker) emit(ev BreakerEvent) {
	RecordBreakerEvent(b.opts.Name, string(ev))
	if b.opts.OnEvent != nil {
		b.opts.OnEvent(ev)
	}
}
