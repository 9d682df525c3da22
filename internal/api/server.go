// SPDX-License-Identifier: MIT

// Package api provides the local operator HTTP surface: health, readiness,
// metrics, playback status and the cache-clear endpoint. It binds to
// loopback by default and carries no authentication of its own.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kioskly/playerd/internal/health"
	"github.com/kioskly/playerd/internal/session"
)

// StatusProvider exposes the controller snapshot to the API.
type StatusProvider interface {
	Status() session.Status
}

// CacheAdmin exposes the operator cache controls.
type CacheAdmin interface {
	ClearAll() error
	Size() int64
	Len() int
}

// Server is the local operator API.
type Server struct {
	addr    string
	logger  zerolog.Logger
	httpSrv *http.Server
}

// New builds the API server around its collaborators.
func New(addr string, status StatusProvider, cache CacheAdmin, healthMgr *health.Manager, logger zerolog.Logger) *Server {
	s := &Server{addr: addr, logger: logger}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(logger))

	r.Get("/healthz", healthMgr.HealthHandler())
	r.Get("/readyz", healthMgr.ReadinessHandler())
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/api/status", func(w http.ResponseWriter, req *http.Request) {
		st := status.Status()
		writeJSON(w, http.StatusOK, struct {
			session.Status
			CacheBytes   int64 `json:"cache_bytes"`
			CacheEntries int   `json:"cache_entries"`
		}{Status: st, CacheBytes: cache.Size(), CacheEntries: cache.Len()})
	})

	r.Post("/api/cache/clear", func(w http.ResponseWriter, req *http.Request) {
		if err := cache.ClearAll(); err != nil {
			logger.Error().Err(err).Msg("operator cache clear failed")
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	})

	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("operator API listening")
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("operator API: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("operator API shutdown: %w", err)
		}
		return nil
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("api request")
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
