package orchestrator

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the façade's health and metrics surface over HTTP, grounded
// on chi's minimal-router idiom: one handler per route, no framework-level
// middleware beyond request IDs and panic recovery.
type Server struct {
	facade  *Facade
	metrics *Metrics
	router  chi.Router
}

// NewServer builds the HTTP surface. metrics may be nil, in which case
// /metrics serves Prometheus's process-wide default registry rather than
// failing.
func NewServer(facade *Facade, metrics *Metrics) *Server {
	s := &Server{facade: facade, metrics: metrics}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/metrics", s.handleMetrics)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleHealthz reports liveness only: the process is up and able to respond.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports readiness: the session store answers a trivial read.
// Returns 503 if that read fails. The checkpointer is not checked.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := s.facade.store.ListSessions(ctx, "", 1); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: session store unreachable"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleMetrics refreshes the session-status gauge from the store then
// delegates to promhttp for Prometheus exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		promhttp.Handler().ServeHTTP(w, r)
		return
	}
	s.metrics.refreshSessionsByStatus(s.facade)
	promhttp.HandlerFor(s.metrics.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
