// Package api serves the daemon's status, the recorded worlds and the
// Prometheus metrics over HTTP. Every endpoint is read-only.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talgya/tribal-census/internal/engine"
)

// StatusSource reports the engine state.
type StatusSource interface {
	Status() engine.Status
}

// Store is the part of the database the API reads.
type Store interface {
	Ping(ctx context.Context) error
	Worlds(ctx context.Context) ([]string, error)
}

// Server serves the API.
type Server struct {
	Eng    StatusSource
	DB     Store
	Addr   string
	Logger *slog.Logger

	srv *http.Server
}

// Handler returns the routes of the API.
func (s *Server) Handler() http.Handler {
	// Endpoints touching the database are limited per client.
	dbLimiter := NewRateLimiter(1, 5)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/health", RateLimitMiddleware(dbLimiter, s.handleHealth))
	mux.HandleFunc("GET /api/v1/worlds", RateLimitMiddleware(dbLimiter, s.handleWorlds))
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start begins serving in a goroutine.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger().Info("HTTP API starting", "addr", s.Addr)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger().Error("HTTP server error", "error", err)
		}
	}()
}

// Shutdown stops the server started by Start.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Eng.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.DB.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"database": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"database": "ok"})
}

func (s *Server) handleWorlds(w http.ResponseWriter, r *http.Request) {
	ids, err := s.DB.Worlds(r.Context())
	if err != nil {
		s.logger().Error("list worlds", "error", err)
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(ids), "worlds": ids})
}

func (s *Server) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
