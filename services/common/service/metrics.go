package service

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// ServiceMetrics keeps in-process request counters for the /info endpoint.
// Prometheus exposition lives in internal/metrics.
type ServiceMetrics struct {
	mu sync.RWMutex

	requestsTotal   atomic.Int64
	requestsSuccess atomic.Int64
	requestsFailed  atomic.Int64

	// <10ms, <50ms, <100ms, <500ms, <1s, <10s, >=10s
	latencyBuckets map[string]*atomic.Int64
	errorCounts    map[string]*atomic.Int64

	serviceName string
	startTime   time.Time
}

// NewServiceMetrics creates a new metrics collector.
func NewServiceMetrics(serviceName string) *ServiceMetrics {
	return &ServiceMetrics{
		serviceName: serviceName,
		startTime:   time.Now(),
		latencyBuckets: map[string]*atomic.Int64{
			"lt_10ms":  {},
			"lt_50ms":  {},
			"lt_100ms": {},
			"lt_500ms": {},
			"lt_1s":    {},
			"lt_10s":   {},
			"gt_10s":   {},
		},
		errorCounts: make(map[string]*atomic.Int64),
	}
}

// RecordRequest records a request with its duration and success status.
func (m *ServiceMetrics) RecordRequest(duration time.Duration, success bool) {
	m.requestsTotal.Add(1)
	if success {
		m.requestsSuccess.Add(1)
	} else {
		m.requestsFailed.Add(1)
	}
	m.recordLatency(duration)
}

func (m *ServiceMetrics) recordLatency(d time.Duration) {
	var bucket string
	switch {
	case d < 10*time.Millisecond:
		bucket = "lt_10ms"
	case d < 50*time.Millisecond:
		bucket = "lt_50ms"
	case d < 100*time.Millisecond:
		bucket = "lt_100ms"
	case d < 500*time.Millisecond:
		bucket = "lt_500ms"
	case d < time.Second:
		bucket = "lt_1s"
	case d < 10*time.Second:
		bucket = "lt_10s"
	default:
		bucket = "gt_10s"
	}
	m.latencyBuckets[bucket].Add(1)
}

// RecordError counts one error under code.
func (m *ServiceMetrics) RecordError(code string) {
	m.mu.Lock()
	if _, ok := m.errorCounts[code]; !ok {
		m.errorCounts[code] = &atomic.Int64{}
	}
	counter := m.errorCounts[code]
	m.mu.Unlock()
	counter.Add(1)
}

// MetricsResponse is the JSON view of the counters.
type MetricsResponse struct {
	Total       int64            `json:"total"`
	Success     int64            `json:"success"`
	Failed      int64            `json:"failed"`
	SuccessRate float64          `json:"success_rate"`
	Latency     map[string]int64 `json:"latency_buckets"`
	Errors      map[string]int64 `json:"errors,omitempty"`
}

// Export returns a snapshot of the counters.
func (m *ServiceMetrics) Export() *MetricsResponse {
	total := m.requestsTotal.Load()
	success := m.requestsSuccess.Load()

	successRate := float64(0)
	if total > 0 {
		successRate = float64(success) / float64(total) * 100
	}

	latency := make(map[string]int64, len(m.latencyBuckets))
	for k, v := range m.latencyBuckets {
		latency[k] = v.Load()
	}

	m.mu.RLock()
	errs := make(map[string]int64, len(m.errorCounts))
	for k, v := range m.errorCounts {
		errs[k] = v.Load()
	}
	m.mu.RUnlock()

	return &MetricsResponse{
		Total:       total,
		Success:     success,
		Failed:      m.requestsFailed.Load(),
		SuccessRate: successRate,
		Latency:     latency,
		Errors:      errs,
	}
}

// MetricsMiddleware wraps an HTTP handler to record request metrics.
// Responses with status 400 and above count as failures; handlers report the
// error code themselves through RecordError.
func (m *ServiceMetrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &statusResponseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordRequest(time.Since(start), wrapped.status < 400)
	})
}

// statusResponseWriter wraps http.ResponseWriter to capture status code.
type statusResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusResponseWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusResponseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
