// Package extraction runs PDF text extraction under a fixed concurrency budget
// and a per-request deadline, with result caching and an audit trail.
package extraction

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/equipe-eprev/cnis-extractor-api/internal/audit"
	"github.com/equipe-eprev/cnis-extractor-api/internal/cache"
	"github.com/equipe-eprev/cnis-extractor-api/internal/logging"
	"github.com/equipe-eprev/cnis-extractor-api/internal/metrics"
	"github.com/equipe-eprev/cnis-extractor-api/internal/pdftext"
)

// ErrTimeout is returned when the deadline expires while waiting for a slot
// or while the document is being parsed.
var ErrTimeout = errors.New("extraction timed out")

// Request sources.
const (
	SourceUpload = "upload"
	SourceBase64 = "base64"
	SourceCLI    = "cli"
)

const (
	defaultMaxConcurrent = 8
	defaultTimeout       = 120 * time.Second
)

// Auditor accepts audit entries without blocking. *audit.AsyncLogger implements it.
type Auditor interface {
	Log(e audit.Entry) bool
}

// Request is one document to extract.
type Request struct {
	Source   string
	Filename string
	Data     []byte
}

// Result is a successful extraction.
type Result struct {
	Document *pdftext.Document
	Digest   string
	Cached   bool
	Duration time.Duration
}

// Config wires the service. Only MaxConcurrent and Timeout have defaults;
// nil collaborators are replaced with no-op versions.
type Config struct {
	MaxConcurrent int
	Timeout       time.Duration
	Options       pdftext.Options
	Cache         cache.Cache
	Auditor       Auditor
	Metrics       *metrics.Metrics
	Logger        *logging.Logger
}

// Service is safe for concurrent use.
type Service struct {
	maxConcurrent int
	timeout       time.Duration
	opts          pdftext.Options
	sem           *semaphore.Weighted
	cache         cache.Cache
	auditor       Auditor
	metrics       *metrics.Metrics
	log           *logging.Logger

	extract func(ctx context.Context, data []byte, opts pdftext.Options) (*pdftext.Document, error)

	total     atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	cached    atomic.Int64
	timeouts  atomic.Int64
	running   atomic.Int64
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.Noop{}
	}
	if cfg.Auditor == nil {
		cfg.Auditor = nopAuditor{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	return &Service{
		maxConcurrent: cfg.MaxConcurrent,
		timeout:       cfg.Timeout,
		opts:          cfg.Options,
		sem:           semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cache:         cfg.Cache,
		auditor:       cfg.Auditor,
		metrics:       cfg.Metrics,
		log:           cfg.Logger,
		extract:       pdftext.Extract,
	}
}

// Options returns the default extraction options.
func (s *Service) Options() pdftext.Options {
	return s.opts
}

// Extract runs req with the service's default options.
func (s *Service) Extract(ctx context.Context, req Request) (*Result, error) {
	return s.ExtractWith(ctx, req, s.opts)
}

// ExtractWith runs req with opts. A cached document for the same input and
// options is returned without taking a slot.
func (s *Service) ExtractWith(ctx context.Context, req Request, opts pdftext.Options) (*Result, error) {
	start := time.Now()
	s.total.Add(1)

	digest := cache.Digest(req.Data)
	key := cache.Key(digest, opts)
	entry := audit.Entry{
		TraceID:   logging.GetTraceID(ctx),
		Source:    req.Source,
		Filename:  req.Filename,
		Digest:    digest,
		SizeBytes: int64(len(req.Data)),
	}
	logger := s.log.WithContext(ctx).WithFields(map[string]interface{}{
		"source": req.Source,
		"sha256": digest,
		"bytes":  len(req.Data),
	})

	if doc, ok := s.lookup(ctx, key); ok {
		s.cached.Add(1)
		s.record(entry, audit.StatusCached, doc, nil, time.Since(start))
		logger.Debug("served extraction from cache")
		return &Result{Document: doc, Digest: digest, Cached: true, Duration: time.Since(start)}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	waitStart := time.Now()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		err = s.deadlineError(ctx, err)
		s.fail(entry, err, time.Since(start))
		logger.WithError(err).Warn("no extraction slot available")
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordQueueWait(time.Since(waitStart))
		s.metrics.SlotAcquired()
	}

	type outcome struct {
		doc *pdftext.Document
		err error
	}
	done := make(chan outcome, 1)
	s.running.Add(1)
	go func() {
		defer func() {
			s.running.Add(-1)
			s.sem.Release(1)
			if s.metrics != nil {
				s.metrics.SlotReleased()
			}
		}()
		doc, err := s.extract(ctx, req.Data, opts)
		done <- outcome{doc: doc, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: ctx.Err()}
	}

	if out.err != nil {
		err := out.err
		if ctx.Err() != nil {
			err = s.deadlineError(ctx, err)
		}
		s.fail(entry, err, time.Since(start))
		logger.WithError(err).Warn("extraction failed")
		return nil, err
	}

	if err := s.cache.Set(ctx, key, out.doc); err != nil {
		logger.WithError(err).Warn("failed to cache extraction")
	}

	duration := time.Since(start)
	s.succeeded.Add(1)
	s.record(entry, audit.StatusSuccess, out.doc, nil, duration)
	logger.WithFields(map[string]interface{}{
		"pages":       out.doc.PageCount,
		"duration_ms": duration.Milliseconds(),
	}).Info("extraction completed")

	return &Result{Document: out.doc, Digest: digest, Duration: duration}, nil
}

func (s *Service) lookup(ctx context.Context, key string) (*pdftext.Document, bool) {
	doc, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("cache lookup failed")
		ok = false
	}
	if s.metrics != nil && s.cache.Backend() != cache.BackendNone {
		s.metrics.RecordCacheLookup(ok)
	}
	return doc, ok && doc != nil
}

// deadlineError maps an expired deadline to ErrTimeout and leaves caller
// cancellation untouched.
func (s *Service) deadlineError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Service) fail(entry audit.Entry, err error, duration time.Duration) {
	status := audit.StatusFailed
	if errors.Is(err, ErrTimeout) {
		status = audit.StatusTimeout
		s.timeouts.Add(1)
	} else {
		s.failed.Add(1)
	}
	s.record(entry, status, nil, err, duration)
}

func (s *Service) record(entry audit.Entry, status string, doc *pdftext.Document, err error, duration time.Duration) {
	entry.Status = status
	entry.DurationMS = duration.Milliseconds()
	entry.CreatedAt = time.Now().UTC()
	if doc != nil {
		entry.Pages = doc.PageCount
		entry.Lines = doc.Stats.Lines
		entry.Characters = doc.Stats.Characters
		entry.Words = doc.Stats.Words
	}
	if err != nil {
		entry.Error = err.Error()
	}

	if !s.auditor.Log(entry) {
		s.log.WithField("sha256", entry.Digest).Debug("audit entry dropped")
	}

	if s.metrics != nil {
		metricStatus := status
		if status == audit.StatusFailed {
			metricStatus = "error"
		}
		s.metrics.RecordExtraction(entry.Source, metricStatus, duration, entry.Pages, int(entry.SizeBytes))
	}
}

// Stats is a point-in-time view of the service counters.
type Stats struct {
	Total         int64  `json:"total"`
	Succeeded     int64  `json:"succeeded"`
	Failed        int64  `json:"failed"`
	Cached        int64  `json:"cached"`
	Timeouts      int64  `json:"timeouts"`
	Running       int64  `json:"running"`
	MaxConcurrent int    `json:"max_concurrent"`
	Timeout       string `json:"timeout"`
	CacheBackend  string `json:"cache_backend"`
	CacheEntries  int    `json:"cache_entries"`
}

// Stats returns the current counters.
func (s *Service) Stats() Stats {
	return Stats{
		Total:         s.total.Load(),
		Succeeded:     s.succeeded.Load(),
		Failed:        s.failed.Load(),
		Cached:        s.cached.Load(),
		Timeouts:      s.timeouts.Load(),
		Running:       s.running.Load(),
		MaxConcurrent: s.maxConcurrent,
		Timeout:       s.timeout.String(),
		CacheBackend:  s.cache.Backend(),
		CacheEntries:  s.cache.Len(),
	}
}

type nopAuditor struct{}

func (nopAuditor) Log(audit.Entry) bool { return true }
