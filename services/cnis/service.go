// Package cnis exposes CNIS PDF text extraction over HTTP.
package cnis

import (
	"context"
	"net/http"

	"github.com/equipe-eprev/cnis-extractor-api/internal/audit"
	"github.com/equipe-eprev/cnis-extractor-api/internal/extraction"
	"github.com/equipe-eprev/cnis-extractor-api/internal/logging"
	"github.com/equipe-eprev/cnis-extractor-api/internal/metrics"
	"github.com/equipe-eprev/cnis-extractor-api/internal/middleware"
	"github.com/equipe-eprev/cnis-extractor-api/internal/pdftext"
	commonservice "github.com/equipe-eprev/cnis-extractor-api/services/common/service"
)

const (
	ServiceID     = "cnis-api"
	ServiceName   = "CNIS Extractor API"
	HealthMessage = "API de Extração de CNIS está funcionando!"

	defaultMaxUploadBytes = 32 << 20
)

// Version is overridden at build time with -ldflags "-X ...cnis.Version=...".
var Version = "1.0.0"

// Extractor runs extractions. *extraction.Service implements it.
type Extractor interface {
	ExtractWith(ctx context.Context, req extraction.Request, opts pdftext.Options) (*extraction.Result, error)
	Options() pdftext.Options
	Stats() extraction.Stats
}

// AuditReader lists recent extractions for /extractions.
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

// Config configures the service.
type Config struct {
	Extractor      Extractor
	Audit          AuditReader
	Metrics        *metrics.Metrics
	Logger         *logging.Logger
	MaxUploadBytes int64
	// HealthChecks are reported by /health, keyed by dependency name.
	HealthChecks map[string]commonservice.HealthCheck
	// Stats adds entries to the /info statistics.
	Stats func() map[string]any
}

// Service implements the CNIS HTTP API.
type Service struct {
	*commonservice.BaseService
	extractor  Extractor
	audit      AuditReader
	metrics    *metrics.Metrics
	log        *logging.Logger
	maxUpload  int64
	extraStats func() map[string]any
}

// New creates the service and registers its routes.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NopRecorder{}
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}

	base := commonservice.NewBase(commonservice.BaseConfig{
		ID:            ServiceID,
		Name:          ServiceName,
		Version:       Version,
		HealthMessage: HealthMessage,
		Logger:        cfg.Logger,
	})
	for name, check := range cfg.HealthChecks {
		base.AddHealthCheck(name, check)
	}

	s := &Service{
		BaseService: base,
		extractor:   cfg.Extractor,
		audit:       cfg.Audit,
		metrics:     cfg.Metrics,
		log:         cfg.Logger,
		maxUpload:   cfg.MaxUploadBytes,
		extraStats:  cfg.Stats,
	}
	base.WithStats(s.statistics)

	if s.metrics != nil {
		base.Router().Use(middleware.MetricsMiddleware(ServiceID, s.metrics))
	}
	// Register standard routes (/health, /info) plus service-specific routes
	base.RegisterStandardRoutes()
	s.registerRoutes()

	return s
}

func (s *Service) registerRoutes() {
	router := s.Router()
	router.HandleFunc("/extract", s.handleExtract).Methods(http.MethodPost)
	router.HandleFunc("/extract-json", s.handleExtractJSON).Methods(http.MethodPost)
	router.HandleFunc("/extractions", s.handleListExtractions).Methods(http.MethodGet)
	if s.metrics != nil {
		router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)
}
