// Package api exposes the HTTP interface for the dispatch service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swoophq/swoop-dispatch/internal/dispatcher"
	"github.com/swoophq/swoop-dispatch/internal/metrics"
	"github.com/swoophq/swoop-dispatch/internal/proxypool"
	"github.com/swoophq/swoop-dispatch/internal/ratelimit"
	"github.com/swoophq/swoop-dispatch/internal/session"
)

// Server wires HTTP handlers to the dispatch components.
type Server struct {
	router     chi.Router
	dispatcher *dispatcher.Dispatcher
	limiter    *ratelimit.Limiter
	pool       *proxypool.Pool
	sessions   *session.Store
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	d *dispatcher.Dispatcher,
	limiter *ratelimit.Limiter,
	pool *proxypool.Pool,
	sessions *session.Store,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		dispatcher: d,
		limiter:    limiter,
		pool:       pool,
		sessions:   sessions,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.getStats)
		r.Get("/proxies", s.getProxies)
		r.Get("/ratelimit/{domain}", s.getRateLimitStatus)
		r.Route("/admin", func(r chi.Router) {
			r.Post("/ratelimit/{domain}/reset", s.resetRateLimit)
			r.Post("/sessions/{platform}/rebind", s.rebindSession)
			r.Post("/proxies/prune", s.pruneProxies)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	stats := s.pool.Stats()
	if stats.HealthyProxies == 0 {
		writeError(w, http.StatusServiceUnavailable, "no healthy proxies")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Stats())
}

func (s *Server) getProxies(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"proxies": s.pool.HealthReport()})
}

func (s *Server) getRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	limited, wait := s.limiter.Status(domain)
	writeJSON(w, http.StatusOK, map[string]any{
		"domain":       domain,
		"limited":      limited,
		"wait_seconds": wait.Seconds(),
	})
}

func (s *Server) resetRateLimit(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	s.dispatcher.ResetDomain(domain)
	writeJSON(w, http.StatusOK, map[string]string{"domain": domain, "status": "reset"})
}

func (s *Server) rebindSession(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	if !s.sessions.ForceRebind(platform) {
		writeError(w, http.StatusNotFound, "no session for platform")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"platform": platform, "status": "rebind scheduled"})
}

func (s *Server) pruneProxies(w http.ResponseWriter, _ *http.Request) {
	removed := s.pool.RemoveUnhealthy()
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
