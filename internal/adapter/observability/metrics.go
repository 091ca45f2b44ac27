package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		},
		[]string{"operation"},
	)
	AIPromptTokens = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ai_prompt_tokens",
			Help:    "Distribution of prompt token counts sent upstream",
			Buckets: []float64{128, 256, 512, 1024, 2048, 4096, 8192},
		},
	)

	BreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)
	BreakerEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_events_total",
			Help: "Circuit breaker transitions and timeouts",
		},
		[]string{"name", "event"},
	)

	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Cache hits by key family",
		},
		[]string{"family"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Cache misses by key family",
		},
		[]string{"family"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed",
		},
		[]string{"type"},
	)

	QuotaRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_rejections_total",
			Help: "Generation requests rejected for exceeding the daily quota",
		},
		[]string{"role"},
	)

	FanoutDeliveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_deliveries_total",
			Help: "Feed entries delivered to follower timelines",
		},
	)
	FanoutFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_failures_total",
			Help: "Per-follower fanout delivery failures",
		},
	)

	NotificationsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_created_total",
			Help: "Notifications created by type",
		},
		[]string{"type"},
	)

	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections",
			Help: "Currently attached websocket connections",
		},
	)
	WSEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_events_total",
			Help: "Websocket protocol events by name and direction",
		},
		[]string{"event", "direction"},
	)

	PubSubPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pubsub_published_total",
			Help: "Messages published to coordination channels",
		},
		[]string{"channel_family"},
	)

	// Generation outcome distribution; bounded by the request cap of 50.
	GeneratedQuestionsHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "generation_question_count",
			Help:    "Distribution of question counts in completed generations",
			Buckets: []float64{1, 3, 5, 10, 20, 30, 50},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(AIPromptTokens)
	prometheus.MustRegister(BreakerStateGauge)
	prometheus.MustRegister(BreakerEventsTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(QuotaRejectionsTotal)
	prometheus.MustRegister(FanoutDeliveriesTotal)
	prometheus.MustRegister(FanoutFailuresTotal)
	prometheus.MustRegister(NotificationsCreatedTotal)
	prometheus.MustRegister(WSConnections)
	prometheus.MustRegister(WSEventsTotal)
	prometheus.MustRegister(PubSubPublishedTotal)
	prometheus.MustRegister(GeneratedQuestionsHistogram)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

func EnqueueJob(jobType string) {
	JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
}

func StartProcessingJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Inc()
}

func CompleteJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
}

func FailJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType).Inc()
}

// CacheHit and CacheMiss record outcomes per key family (the first key
// segment, e.g. "quiz" or "social").
func CacheHit(family string)  { CacheHitsTotal.WithLabelValues(family).Inc() }
func CacheMiss(family string) { CacheMissesTotal.WithLabelValues(family).Inc() }

// RecordBreakerState mirrors a breaker state change into the gauge.
func RecordBreakerState(name string, state int) {
	BreakerStateGauge.WithLabelValues(name).Set(float64(state))
}

// RecordBreakerEvent counts a breaker transition or timeout.
func RecordBreakerEvent(name, event string) {
	BreakerEventsTotal.WithLabelValues(name, event).Inc()
}

// ObserveGeneration records the shape of a completed generation.
func ObserveGeneration(questionCount int) {
	if questionCount > 0 {
		GeneratedQuestionsHistogram.Observe(float64(questionCount))
	}
}
