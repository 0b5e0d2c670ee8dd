// Package server implements the dashboard HTTP API over the event store.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	tokentap "github.com/tokentap/tokentap/internal"
	"github.com/tokentap/tokentap/internal/catalog"
	"github.com/tokentap/tokentap/internal/telemetry"
)

// Deps holds all dependencies for the dashboard server.
type Deps struct {
	Store      tokentap.EventStore
	Catalog    *catalog.Catalog
	Metrics    *telemetry.Metrics
	Registry   *prometheus.Registry // nil = no /metrics endpoint
	AdminToken string               // required for destructive operations
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}

	r.Get("/api/health", s.handleHealth)

	r.Get("/api/events", s.handleListEvents)
	r.Get("/api/events/{id}", s.handleGetEvent)

	r.Get("/api/stats/summary", s.handleStatsSummary)
	r.Get("/api/stats/by-model", s.handleStatsByModel)
	r.Get("/api/stats/by-program", s.handleStatsByProgram)
	r.Get("/api/stats/by-project", s.handleStatsByProject)
	r.Get("/api/stats/by-device", s.handleStatsByDevice)
	r.Get("/api/stats/over-time", s.handleStatsOverTime)

	r.Get("/api/devices", s.handleListDevices)
	r.Put("/api/devices/{id}", s.handleRegisterDevice)

	// Destructive operations require the per-install admin token.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Delete("/api/events/all", s.handleDeleteAllEvents)
		r.Delete("/api/devices/{id}", s.handleDeleteDevice)
		r.Post("/api/catalog/reload", s.handleCatalogReload)
	})

	if deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	return r
}

type server struct {
	deps Deps
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	mongoOK := s.deps.Store.HealthCheck(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "mongodb": mongoOK})
}

func (s *server) handleCatalogReload(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Catalog.Reload(); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.deps.Catalog.Version(),
	})
}

// jsonCT is a pre-allocated header value slice. Direct map assignment avoids
// the []string{v} alloc that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func errorResponse(msg string) map[string]any {
	return map[string]any{"error": msg}
}
