// Package service provides common infrastructure for HTTP services.
package service

import (
	"net/http"
	"time"

	"github.com/equipe-eprev/cnis-extractor-api/internal/httputil"
)

// =============================================================================
// Standard Response Types
// =============================================================================

// HealthResponse is the standard response for /health endpoint.
type HealthResponse struct {
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Service   string         `json:"service"`
	Version   string         `json:"version"`
	Timestamp string         `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// InfoResponse is the standard response for /info endpoint.
type InfoResponse struct {
	Status     string           `json:"status"`
	Service    string           `json:"service"`
	Version    string           `json:"version"`
	Uptime     string           `json:"uptime"`
	Timestamp  string           `json:"timestamp"`
	Requests   *MetricsResponse `json:"requests,omitempty"`
	Statistics map[string]any   `json:"statistics,omitempty"`
}

// =============================================================================
// Standard Handlers
// =============================================================================

// HealthHandler returns a standardized /health handler for BaseService.
// It always answers 200; failing probes turn the status into "degraded".
func HealthHandler(s *BaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := s.HealthStatus(r.Context())

		resp := HealthResponse{
			Status:    status,
			Service:   s.Name(),
			Version:   s.Version(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if status == "ok" {
			resp.Message = s.healthMessage
		}
		if details := s.HealthDetails(); len(details["checks"].(map[string]string)) > 0 {
			resp.Details = details
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

// InfoHandler returns a standardized /info handler for BaseService.
// It includes statistics from the registered stats function if available.
func InfoHandler(s *BaseService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := InfoResponse{
			Status:    "active",
			Service:   s.Name(),
			Version:   s.Version(),
			Uptime:    s.Uptime().Round(time.Second).String(),
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Requests:  s.requests.Export(),
		}

		// Include statistics if provider is registered
		if s.statsFn != nil {
			resp.Statistics = s.statsFn()
		}

		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

// =============================================================================
// Route Registration
// =============================================================================

// RegisterStandardRoutes registers the standard /health and /info endpoints
// and counts every routed request in Requests().
func (b *BaseService) RegisterStandardRoutes() {
	router := b.Router()
	router.Use(b.requests.MetricsMiddleware)
	router.HandleFunc("/health", HealthHandler(b)).Methods(http.MethodGet)
	router.HandleFunc("/info", InfoHandler(b)).Methods(http.MethodGet)
}
