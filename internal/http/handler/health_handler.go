// Package handler exposes the bot's status over HTTP.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tomiyuta/gmo-coin-bot/internal/metrics"
	"github.com/tomiyuta/gmo-coin-bot/internal/supervisor"
)

// StatusProvider supplies the latest health report and metrics.
type StatusProvider interface {
	LastHealth() supervisor.HealthReport
}

// MetricsProvider supplies the performance snapshot.
type MetricsProvider interface {
	Snapshot() metrics.Snapshot
}

// StatusHandler serves the health and performance endpoints.
type StatusHandler struct {
	status  StatusProvider
	metrics MetricsProvider
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(status StatusProvider, metrics MetricsProvider) *StatusHandler {
	return &StatusHandler{status: status, metrics: metrics}
}

// RegisterRoutes registers the status routes on a chi router.
func (h *StatusHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.GetHealth)
	r.Get("/performance", h.GetPerformance)
}

// GetHealth returns the latest health report. 503 when the last round
// of probes failed, so container health checks can key off the status.
func (h *StatusHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	report := h.status.LastHealth()
	w.Header().Set("Content-Type", "application/json")
	if !report.Time.IsZero() && !report.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		http.Error(w, "Failed to encode health report to JSON", http.StatusInternalServerError)
	}
}

// GetPerformance returns the current performance snapshot.
func (h *StatusHandler) GetPerformance(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.metrics.Snapshot()); err != nil {
		http.Error(w, "Failed to encode metrics to JSON", http.StatusInternalServerError)
	}
}
