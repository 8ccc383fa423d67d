package mcp

import (
	"sync"
	"time"
)

// EMAAlpha is the smoothing factor for average response times.
const EMAAlpha = 0.1

// Metrics is a snapshot of request statistics.
type Metrics struct {
	RequestCount    int64         `json:"request_count"`
	SuccessCount    int64         `json:"success_count"`
	ErrorCount      int64         `json:"error_count"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	LastRequestTime time.Time     `json:"last_request_time,omitempty"`
}

// SuccessRate is successes over total, or 0 before any request.
func (m Metrics) SuccessRate() float64 {
	if m.RequestCount == 0 {
		return 0
	}
	return float64(m.SuccessCount) / float64(m.RequestCount)
}

// MetricsRecorder accumulates Metrics. It is safe for concurrent use.
type MetricsRecorder struct {
	mu sync.Mutex
	m  Metrics
}

// Record adds one completed request. The first sample seeds the average.
func (r *MetricsRecorder) Record(elapsed time.Duration, success bool, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.m.RequestCount == 0 {
		r.m.AvgResponseTime = elapsed
	} else {
		avg := EMAAlpha*float64(elapsed) + (1-EMAAlpha)*float64(r.m.AvgResponseTime)
		r.m.AvgResponseTime = time.Duration(avg)
	}
	r.m.RequestCount++
	if success {
		r.m.SuccessCount++
	} else {
		r.m.ErrorCount++
	}
	r.m.LastRequestTime = at
}

// Snapshot returns the current values.
func (r *MetricsRecorder) Snapshot() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m
}

// Reset clears all counters.
func (r *MetricsRecorder) Reset() {
	r.mu.Lock()
	r.m = Metrics{}
	r.mu.Unlock()
}
