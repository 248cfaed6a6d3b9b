package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/equipe-eprev/cnis-extractor-api/internal/audit"
	"github.com/equipe-eprev/cnis-extractor-api/internal/cache"
	"github.com/equipe-eprev/cnis-extractor-api/internal/config"
	"github.com/equipe-eprev/cnis-extractor-api/internal/extraction"
	"github.com/equipe-eprev/cnis-extractor-api/internal/logging"
	"github.com/equipe-eprev/cnis-extractor-api/internal/metrics"
	"github.com/equipe-eprev/cnis-extractor-api/internal/middleware"
	"github.com/equipe-eprev/cnis-extractor-api/internal/pdftext"
	"github.com/equipe-eprev/cnis-extractor-api/services/cnis"
	commonservice "github.com/equipe-eprev/cnis-extractor-api/services/common/service"
)

// app holds everything the HTTP server needs, in dependency order.
type app struct {
	cfg       *config.Config
	log       *logging.Logger
	metrics   *metrics.Metrics
	cache     cache.Cache
	db        *sqlx.DB
	auditLog  *audit.AsyncLogger
	extractor *extraction.Service
	svc       *cnis.Service
	limiter   *middleware.RateLimiter
	handler   http.Handler
}

func extractionOptions(cfg config.ExtractionConfig) pdftext.Options {
	return pdftext.Options{
		Layout:     cfg.Layout,
		XTolerance: cfg.XTolerance,
		YTolerance: cfg.YTolerance,
		XDensity:   cfg.XDensity,
		YDensity:   cfg.YDensity,
	}
}

// newApp connects the configured backends and builds the handler chain.
// On error every backend opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config, log *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}
	if err := a.init(ctx); err != nil {
		_ = a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg, log := a.cfg, a.log

	var err error
	a.cache, err = cache.New(ctx, cache.Config{
		Backend:  cfg.Cache.Backend,
		Size:     cfg.Cache.Size,
		TTL:      cfg.Cache.TTL,
		RedisURL: cfg.Cache.RedisURL,
	})
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}

	var recorder audit.Recorder = audit.NopRecorder{}
	if cfg.Audit.Enabled {
		a.db, err = audit.Open(ctx, cfg.Audit.DatabaseURL)
		if err != nil {
			return err
		}
		if cfg.Audit.RunMigrations {
			if err = audit.Apply(ctx, a.db); err != nil {
				return err
			}
		}
		recorder = audit.NewPostgres(a.db)
	}
	a.auditLog = audit.NewAsyncLogger(recorder, log, 0, 0)
	a.auditLog.Start()

	a.extractor = extraction.New(extraction.Config{
		MaxConcurrent: cfg.MaxConcurrent(),
		Timeout:       cfg.Server.RequestTimeout,
		Options:       extractionOptions(cfg.Extraction),
		Cache:         a.cache,
		Auditor:       a.auditLog,
		Metrics:       a.metrics,
		Logger:        log,
	})

	a.svc = cnis.New(cnis.Config{
		Extractor:      a.extractor,
		Audit:          a.auditLog,
		Metrics:        a.metrics,
		Logger:         log,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		HealthChecks:   a.healthChecks(),
		Stats: func() map[string]any {
			return map[string]any{"audit_dropped": a.auditLog.Dropped()}
		},
	})

	tracing := middleware.NewTracingMiddleware(log, "/health", "/metrics")
	tracing.TrustProxyHeaders = cfg.Server.TrustProxyHeaders
	mws := []func(http.Handler) http.Handler{
		middleware.Recover(log),
		middleware.NewCORSMiddleware(cfg.CORS.AllowedOrigins).Handler,
		tracing.Handler,
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		a.limiter = middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, log, "/health", "/metrics")
		a.limiter.TrustProxyHeaders = cfg.Server.TrustProxyHeaders
		mws = append(mws, a.limiter.Handler)
		a.svc.AddTickerWorker(time.Minute, a.cleanupLimiter)
	}
	mws = append(mws, middleware.Timeout(cfg.Server.RequestTimeout))
	a.handler = middleware.Chain(a.svc.Router(), mws...)

	return nil
}

func (a *app) healthChecks() map[string]commonservice.HealthCheck {
	checks := make(map[string]commonservice.HealthCheck)
	if r, ok := a.cache.(*cache.Redis); ok {
		checks["redis"] = r.Ping
	}
	if a.db != nil {
		checks["postgres"] = a.db.PingContext
	}
	return checks
}

func (a *app) cleanupLimiter(context.Context) error {
	if n := a.limiter.Cleanup(); n > 0 {
		a.log.WithField("removed", n).Debug("rate limiter entries cleaned up")
	}
	return nil
}

// close stops the service workers, drains the audit queue and releases the
// backends. It is safe on a partially built app.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.svc != nil {
		errs = append(errs, a.svc.Stop())
	}
	if a.auditLog != nil {
		errs = append(errs, a.auditLog.Stop(ctx))
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}
