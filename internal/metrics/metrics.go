// Package metrics exposes the Prometheus collectors of the extraction service.
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cnis"

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	extractions        *prometheus.CounterVec
	extractionDuration *prometheus.HistogramVec
	extractionPages    prometheus.Histogram
	extractionBytes    prometheus.Histogram
	queueWait          prometheus.Histogram
	slotsInUse         prometheus.Gauge
	cacheLookups       *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"service", "method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 16), // 5ms to ~160s
		}, []string{"service", "method", "path"}),

		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "total",
			Help:      "Total number of PDF extractions by source and outcome.",
		}, []string{"source", "status"}),
		extractionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "duration_seconds",
			Help:      "Time spent extracting text from a PDF.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		}, []string{"source"}),
		extractionPages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "pages",
			Help:      "Number of pages per extracted document.",
			Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 200},
		}),
		extractionBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "input_bytes",
			Help:      "Size of submitted PDF documents.",
			Buckets:   prometheus.ExponentialBuckets(16<<10, 2, 12), // 16KiB to 32MiB
		}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "queue_wait_seconds",
			Help:      "Time spent waiting for a free extraction slot.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		slotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "extraction",
			Name:      "slots_in_use",
			Help:      "Extraction slots currently held.",
		}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Extraction cache lookups by result.",
		}, []string{"result"}),
	}

	m.Registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.extractions,
		m.extractionDuration,
		m.extractionPages,
		m.extractionBytes,
		m.queueWait,
		m.slotsInUse,
		m.cacheLookups,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	method = strings.ToUpper(method)
	m.httpRequests.WithLabelValues(service, method, path, status).Inc()
	m.httpDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordExtraction records the outcome of one extraction. status is "success",
// "error", "timeout" or "cached".
func (m *Metrics) RecordExtraction(source, status string, duration time.Duration, pages, inputBytes int) {
	if source == "" {
		source = "unknown"
	}
	m.extractions.WithLabelValues(source, status).Inc()
	if status == "cached" {
		return
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	m.extractionDuration.WithLabelValues(source).Observe(duration.Seconds())
	m.extractionBytes.Observe(float64(inputBytes))
	if pages > 0 {
		m.extractionPages.Observe(float64(pages))
	}
}

// RecordQueueWait records how long a request waited for a slot.
func (m *Metrics) RecordQueueWait(d time.Duration) {
	m.queueWait.Observe(d.Seconds())
}

func (m *Metrics) SlotAcquired() { m.slotsInUse.Inc() }
func (m *Metrics) SlotReleased() { m.slotsInUse.Dec() }

// RecordCacheLookup records a cache hit or miss.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}
