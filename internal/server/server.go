// Package server provides the HTTP server and routing for the Brain.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/titanops/titan-brain/internal/metrics"
	"github.com/titanops/titan-brain/internal/modules/allocation"
	"github.com/titanops/titan-brain/internal/modules/arbiter"
	"github.com/titanops/titan-brain/internal/modules/breaker"
	"github.com/titanops/titan-brain/internal/modules/performance"
	"github.com/titanops/titan-brain/internal/modules/registry"
	"github.com/titanops/titan-brain/internal/modules/treasury"
)

// Config holds server configuration.
type Config struct {
	Log     zerolog.Logger
	Port    int
	DevMode bool

	Arbiter       *arbiter.Arbiter
	Decisions     arbiter.Store
	Breaker       *breaker.Breaker
	BreakerEvents BreakerHistory
	Treasury      *treasury.Manager
	Sweeps        SweepHistory
	Allocation    *allocation.Engine
	Performance   *performance.Tracker
	Registry      *registry.Handler
	Metrics       *metrics.Registry
}

// BreakerHistory exposes the persisted transition log.
type BreakerHistory interface {
	RecentEvents(limit int) ([]breaker.Event, error)
}

// SweepHistory exposes the persisted sweep attempts.
type SweepHistory interface {
	RecentSweeps(limit int) ([]treasury.SweepRecord, error)
}

// Server represents the HTTP server.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	handlers *Handlers
	registry *registry.Handler
	metrics  *metrics.Registry
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("service", "server").Logger(),
		handlers: NewHandlers(cfg),
		registry: cfg.Registry,
		metrics:  cfg.Metrics,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Router exposes the chi mux, used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Compress responses
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Health check and Prometheus scrape endpoint sit outside /api.
	s.router.Get("/health", s.handlers.HandleHealth)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		// Signal admission
		r.Post("/signal", s.handlers.HandleSubmitSignal)

		// System status
		r.Get("/status", s.handlers.HandleStatus)

		// Module views
		r.Get("/allocation", s.handlers.HandleAllocation)
		r.Get("/performance", s.handlers.HandlePerformance)
		r.Get("/treasury", s.handlers.HandleTreasury)
		r.Get("/decisions", s.handlers.HandleDecisions)

		// Breaker state and operator reset
		r.Route("/breaker", func(r chi.Router) {
			r.Get("/", s.handlers.HandleBreaker)
			r.Post("/reset", s.handlers.HandleBreakerReset)
		})

		// Configuration registry
		s.registry.Routes(r)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
