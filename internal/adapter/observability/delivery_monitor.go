package observability

import (
	"log/slog"
	"sync"
)

// DeliveryMonitor tracks the per-job fanout delivery ratio over a
// rolling window of recent jobs. A job is healthy when at least
// minRatio of its follower deliveries succeeded; a window whose average
// drops below minRatio is logged as degradation.
type DeliveryMonitor struct {
	mu         sync.Mutex
	ratios     []float64
	windowSize int
	minRatio   float64
	logger     *slog.Logger
}

// NewDeliveryMonitor creates a monitor over the last windowSize jobs.
func NewDeliveryMonitor(windowSize int, minRatio float64, logger *slog.Logger) *DeliveryMonitor {
	if windowSize <= 0 {
		windowSize = 20
	}
	if minRatio <= 0 || minRatio > 1 {
		minRatio = 0.95
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DeliveryMonitor{
		ratios:     make([]float64, 0, windowSize),
		windowSize: windowSize,
		minRatio:   minRatio,
		logger:     logger,
	}
}

// RecordJob feeds one fanout job outcome and returns whether the job
// itself met the delivery threshold.
func (m *DeliveryMonitor) RecordJob(delivered, failed int) bool {
	total := delivered + failed
	ratio := 1.0
	if total > 0 {
		ratio = float64(delivered) / float64(total)
	}

	m.mu.Lock()
	m.ratios = append(m.ratios, ratio)
	if len(m.ratios) > m.windowSize {
		m.ratios = m.ratios[1:]
	}
	avg, full := m.windowAverage()
	m.mu.Unlock()

	if full && avg < m.minRatio {
		m.logger.Warn("fanout delivery degraded",
			slog.Float64("window_avg_ratio", avg),
			slog.Float64("min_ratio", m.minRatio),
			slog.Int("window_jobs", m.windowSize))
	}
	return ratio >= m.minRatio
}

// WindowAverage returns the rolling average ratio and whether the
// window has filled up.
func (m *DeliveryMonitor) WindowAverage() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windowAverage()
}

func (m *DeliveryMonitor) windowAverage() (float64, bool) {
	if len(m.ratios) == 0 {
		return 1.0, false
	}
	sum := 0.0
	for _, r := range m.ratios {
		sum += r
	}
	return sum / float64(len(m.ratios)), len(m.ratios) >= m.windowSize
}
