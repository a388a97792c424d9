// Package ops exposes the operational HTTP surface: source inventory,
// health, manual triggers, and metrics. It is a thin adapter over the
// manager and scheduler; no ingestion logic lives here.
package ops

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ppiankov/tributary/internal/manager"
	"github.com/ppiankov/tributary/internal/metrics"
	"github.com/ppiankov/tributary/internal/model"
	"github.com/ppiankov/tributary/internal/scheduler"
	"github.com/ppiankov/tributary/internal/store"
)

// Server serves the ops endpoints on the configured listen address
type Server struct {
	manager   *manager.Manager
	scheduler *scheduler.Scheduler
	metrics   *metrics.Registry
	runs      *store.RunRepository
	logger    *slog.Logger
	http      *http.Server
}

// New wires the ops routes. The scheduler may be nil when running a
// one-shot command.
func New(listen string, m *manager.Manager, s *scheduler.Scheduler, reg *metrics.Registry, runs *store.RunRepository, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{manager: m, scheduler: s, metrics: reg, runs: runs, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /sources", srv.handleSources)
	mux.HandleFunc("GET /sources/{id}/status", srv.handleStatus)
	mux.HandleFunc("POST /sources/{id}/run", srv.handleRun)
	mux.HandleFunc("POST /sources/{id}/suspend", srv.handleSuspend)
	mux.HandleFunc("POST /sources/{id}/resume", srv.handleResume)
	mux.HandleFunc("GET /metrics", srv.handleMetrics)
	mux.HandleFunc("GET /healthz", srv.handleHealthz)

	srv.http = &http.Server{
		Addr:         listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // Manual runs respond synchronously
	}
	return srv
}

// ListenAndServe blocks until the server stops
func (s *Server) ListenAndServe() error {
	s.logger.Info("ops server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the route table for tests
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

type sourceSummary struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Kind     model.SourceKind   `json:"kind"`
	Endpoint string             `json:"endpoint"`
	Cadence  string             `json:"cadence"`
	Health   model.HealthStatus `json:"health"`
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	sources := s.manager.Sources()
	out := make([]sourceSummary, 0, len(sources))
	for _, src := range sources {
		state, err := s.manager.Status(r.Context(), src.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out = append(out, sourceSummary{
			ID:       src.ID,
			Name:     src.Name,
			Kind:     src.Kind,
			Endpoint: src.Endpoint,
			Cadence:  src.Cadence.String(),
			Health:   state.Health,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

type statusResponse struct {
	State   *model.SourceState     `json:"state"`
	NextDue *time.Time             `json:"next_due,omitempty"`
	Metrics metrics.SourceSnapshot `json:"metrics"`
	Recent  []*model.IngestionRun  `json:"recent_runs,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := s.manager.Status(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := statusResponse{State: state, Metrics: s.metrics.Source(id)}
	if s.scheduler != nil {
		if due := s.scheduler.NextDue(id); !due.IsZero() {
			resp.NextDue = &due
		}
	}
	if s.runs != nil {
		if recent, err := s.runs.Recent(r.Context(), id, 5); err == nil {
			resp.Recent = recent
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, err := s.manager.Run(r.Context(), id)
	if err != nil && run == nil {
		s.writeError(w, err)
		return
	}
	// A finished run with a failure outcome still reports its record
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Suspend(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "suspended"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Resume(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, manager.ErrUnknownSource):
		status = http.StatusNotFound
	case errors.Is(err, manager.ErrRunInProgress), errors.Is(err, manager.ErrSourceSuspended):
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
