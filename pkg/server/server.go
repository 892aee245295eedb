// Package server exposes the read-only status API consumed by the local
// dashboard. It never issues inverter commands; everything it serves comes
// from the coordinator's status payload and the storage archive.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"

	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/common"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/config"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/log"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/storage"
	"github.com/RMachnik/goodwe-dynamic-price-optimiser/pkg/types"
)

const defaultHistoryWindow = 24 * time.Hour

// StatusProvider is the coordinator-facing slice the server reads from.
type StatusProvider interface {
	GetStatus() types.Status
}

// Server serves the dashboard API.
type Server struct {
	cfg    config.WebServerConfig
	status StatusProvider
	store  storage.Provider

	httpServer *http.Server
}

// New builds the server. It serves nothing until Run is called.
func New(cfg config.WebServerConfig, status StatusProvider, store storage.Provider) *Server {
	return &Server{cfg: cfg, status: status, store: store}
}

func (s *Server) setupHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/decisions", s.handleDecisions)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/history/snapshots", s.handleSnapshots)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return gziphandler.GzipHandler(mux)
}

// Run starts the HTTP server and blocks until the context is canceled or the
// listener fails; shutdown is graceful with a short deadline.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).Info("starting status server", "addr", s.cfg.Addr())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).Info("shutting down status server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status.GetStatus())
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeRange(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	decisions, err := s.store.QueryDecisions(r.Context(), start, end)
	if err != nil {
		log.Ctx(r.Context()).Error("decision query failed", "error", err)
		writeJSONError(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, decisions)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeRange(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	sessions, err := s.store.QuerySessions(r.Context(), start, end)
	if err != nil {
		log.Ctx(r.Context()).Error("session query failed", "error", err)
		writeJSONError(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, sessions)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	start, end, err := timeRange(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	snaps, err := s.store.QuerySnapshots(r.Context(), start, end)
	if err != nil {
		log.Ctx(r.Context()).Error("snapshot query failed", "error", err)
		writeJSONError(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, snaps)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Version string `json:"version"`
	}{Version: common.Version()})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.HealthCheck(r.Context()); err != nil {
		writeJSONError(w, "storage unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

// timeRange parses optional since/until query params; the default window is
// the trailing 24 hours.
func timeRange(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now()
	start := now.Add(-defaultHistoryWindow)
	end := now
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid since: %w", err)
		}
		start = t
	}
	if v := r.URL.Query().Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid until: %w", err)
		}
		end = t
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, errors.New("until before since")
	}
	return start, end, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		panic(http.ErrAbortHandler)
	}
}
