package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"github.com/equipe-eprev/cnis-extractor-api/internal/logging"
)

const healthCheckTimeout = 5 * time.Second

// BaseConfig contains shared configuration for HTTP services.
type BaseConfig struct {
	ID      string
	Name    string
	Version string
	// HealthMessage is returned by /health when every check passes.
	HealthMessage string
	Logger        *logging.Logger
}

// HealthCheck probes one dependency. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// BaseService owns the router, background workers and health state shared
// by every service.
// - Safe stop channel management (sync.Once prevents double-close panic)
// - Background worker management
// - Statistics provider for /info endpoint
type BaseService struct {
	id            string
	name          string
	version       string
	healthMessage string
	router        *mux.Router
	logger        *logging.Logger
	requests      *ServiceMetrics

	// Lifecycle management
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	statsFn func() map[string]any
	workers []func(context.Context)

	healthMu        sync.RWMutex
	checks          map[string]HealthCheck
	checkResults    map[string]string
	lastHealthCheck time.Time
	startTime       time.Time
}

// NewBase constructs a BaseService from shared config.
func NewBase(cfg BaseConfig) *BaseService {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &BaseService{
		id:            cfg.ID,
		name:          cfg.Name,
		version:       cfg.Version,
		healthMessage: cfg.HealthMessage,
		router:        mux.NewRouter(),
		logger:        cfg.Logger,
		requests:      NewServiceMetrics(cfg.Name),
		stopCh:        make(chan struct{}),
		checks:        make(map[string]HealthCheck),
		checkResults:  make(map[string]string),
		startTime:     time.Now(),
	}
}

func (b *BaseService) ID() string                { return b.id }
func (b *BaseService) Name() string              { return b.name }
func (b *BaseService) Version() string           { return b.version }
func (b *BaseService) Router() *mux.Router       { return b.router }
func (b *BaseService) Logger() *logging.Logger   { return b.logger }
func (b *BaseService) Requests() *ServiceMetrics { return b.requests }
func (b *BaseService) Uptime() time.Duration     { return time.Since(b.startTime) }

// WithStats sets a statistics provider function for the /info endpoint.
// The function will be called on each /info request to get current statistics.
func (b *BaseService) WithStats(fn func() map[string]any) *BaseService {
	b.statsFn = fn
	return b
}

// AddHealthCheck registers a dependency probe reported by /health.
func (b *BaseService) AddHealthCheck(name string, check HealthCheck) *BaseService {
	b.healthMu.Lock()
	defer b.healthMu.Unlock()
	b.checks[name] = check
	return b
}

// AddWorker registers a background worker launched by Start.
// Workers receive the context and should respect context cancellation.
func (b *BaseService) AddWorker(fn func(context.Context)) *BaseService {
	b.workers = append(b.workers, fn)
	return b
}

// AddTickerWorker registers a periodic background worker.
// The worker function is called at the specified interval until Stop() is called.
func (b *BaseService) AddTickerWorker(interval time.Duration, fn func(context.Context) error) *BaseService {
	worker := func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.stopCh:
				return
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					b.logger.WithError(err).WithField("service", b.name).Warn("worker error")
				}
			}
		}
	}
	b.workers = append(b.workers, worker)
	return b
}

// StopChan exposes the stop channel for worker goroutines.
func (b *BaseService) StopChan() <-chan struct{} {
	return b.stopCh
}

// Start launches the registered workers.
func (b *BaseService) Start(ctx context.Context) error {
	select {
	case <-b.stopCh:
		return fmt.Errorf("%s: already stopped", b.name)
	default:
	}

	for _, w := range b.workers {
		worker := w
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			worker(ctx)
		}()
	}
	b.logger.WithFields(map[string]interface{}{
		"service": b.name,
		"workers": len(b.workers),
	}).Info("service started")
	return nil
}

// Stop signals workers and waits for them to return.
// This method is idempotent - calling it multiple times is safe due to sync.Once.
func (b *BaseService) Stop() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()
	return nil
}

// WorkerCount returns the number of registered workers.
func (b *BaseService) WorkerCount() int {
	return len(b.workers)
}

// CheckHealth runs every registered probe and caches the results.
func (b *BaseService) CheckHealth(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	b.healthMu.RLock()
	checks := make(map[string]HealthCheck, len(b.checks))
	for name, check := range b.checks {
		checks[name] = check
	}
	b.healthMu.RUnlock()

	results := make(map[string]string, len(checks))
	for name, check := range checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	b.healthMu.Lock()
	b.checkResults = results
	b.lastHealthCheck = time.Now()
	b.healthMu.Unlock()
}

// HealthStatus probes dependencies and returns "ok" or "degraded".
func (b *BaseService) HealthStatus(ctx context.Context) string {
	b.CheckHealth(ctx)
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()
	return b.healthStatusLocked()
}

// HealthDetails returns the most recent probe results.
func (b *BaseService) HealthDetails() map[string]any {
	b.healthMu.RLock()
	defer b.healthMu.RUnlock()

	names := make([]string, 0, len(b.checkResults))
	for name := range b.checkResults {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	for _, name := range names {
		checks[name] = b.checkResults[name]
	}

	details := map[string]any{
		"checks": checks,
		"uptime": b.Uptime().Round(time.Second).String(),
	}
	if !b.lastHealthCheck.IsZero() {
		details["last_check"] = b.lastHealthCheck.Format(time.RFC3339)
	}
	return details
}

func (b *BaseService) healthStatusLocked() string {
	for _, result := range b.checkResults {
		if result != "ok" {
			return "degraded"
		}
	}
	return "ok"
}
