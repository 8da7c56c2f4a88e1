// Package server exposes cache-aware generation and cache administration
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/medlearn/aicache/pkg/cache"
	"github.com/medlearn/aicache/pkg/invoke"
	"github.com/medlearn/aicache/pkg/models"
)

// EventSummarizer reports analytics totals per mode.
type EventSummarizer interface {
	Summary(ctx context.Context, since time.Time) ([]models.EventSummary, error)
}

// Deps are the components the server routes to. Events, Metrics and Auth
// are optional.
type Deps struct {
	Store    *cache.Store
	Invoker  *invoke.Invoker
	Generate invoke.GenerateFunc
	Events   EventSummarizer
	Metrics  http.Handler
	Auth     Authenticator
	Logger   *zap.Logger
}

// Server is the aicache HTTP surface.
type Server struct {
	listen string
	deps   Deps
	logger *zap.Logger
	router *chi.Mux
}

// New creates a Server and registers its routes.
func New(listen string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Auth == nil {
		deps.Auth = NewKeyAuthenticator(nil)
	}
	s := &Server{
		listen: listen,
		deps:   deps,
		logger: deps.Logger,
		router: chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/v1/generate/{mode}", s.handleGenerate)
		r.Route("/admin", func(r chi.Router) {
			r.Get("/cache/stats", s.handleStats)
			r.Delete("/cache", s.handleClear)
			r.Get("/events", s.handleEvents)
		})
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("aicache listening", zap.String("addr", s.listen))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "cache": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorBody{Error: errorDetail{Message: message, Type: "aicache_error", Code: code}})
}
