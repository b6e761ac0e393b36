// Package api exposes the read-only ops HTTP surface: health, Prometheus
// metrics, and the per-source statistics snapshot.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/astas888/mangadl/internal/admission"
	"github.com/astas888/mangadl/internal/metrics"
)

// StatsProvider yields the eventually-consistent per-source snapshot.
// Satisfied by *admission.Controller.
type StatsProvider interface {
	Snapshot(ctx context.Context) ([]admission.SourceStats, error)
}

// Server wires the HTTP routes.
type Server struct {
	router chi.Router
	stats  StatsProvider
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(stats StatsProvider, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		stats:  stats,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", metrics.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/sources/status", s.sourceStatus)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// sourceStatus reports {source, limit, success, error, error_rate} per
// source. It reads live counters without coordinating with in-flight jobs.
func (s *Server) sourceStatus(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.stats.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("snapshot failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "snapshot failed"})
		return
	}
	if snapshot == nil {
		snapshot = []admission.SourceStats{}
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write response failed", zap.Error(err))
	}
}
