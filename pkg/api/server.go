package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/pairpilot/pkg/identity"
	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/cuemby/pairpilot/pkg/metrics"
	"github.com/cuemby/pairpilot/pkg/ratelimit"
	"github.com/cuemby/pairpilot/pkg/snapshot"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config configures a Server
type Config struct {
	// Snapshots is required
	Snapshots snapshot.Store
	// Limiter counts runs; nil admits every run without limit fields
	Limiter ratelimit.Limiter
	// Auth verifies bearer tokens; nil treats every caller as anonymous
	Auth identity.Resolver
	// Health backs /health and /ready; a fresh checker is used when nil
	Health *metrics.HealthChecker
}

// Server serves the snapshot and rate-limit HTTP API
type Server struct {
	snapshots snapshot.Store
	limiter   ratelimit.Limiter
	auth      identity.Resolver
	health    *metrics.HealthChecker
	router    *mux.Router
	logger    zerolog.Logger

	httpServer *http.Server
}

// NewServer creates a server and registers its routes
func NewServer(cfg Config) *Server {
	if cfg.Health == nil {
		cfg.Health = metrics.NewHealthChecker("")
	}
	s := &Server{
		snapshots: cfg.Snapshots,
		limiter:   cfg.Limiter,
		auth:      cfg.Auth,
		health:    cfg.Health,
		router:    mux.NewRouter(),
		logger:    log.WithComponent("api"),
	}

	s.router.Handle("/health", s.health.HealthHandler()).Methods(http.MethodGet)
	s.router.Handle("/ready", s.health.ReadyHandler()).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.instrument, s.authenticate)
	api.HandleFunc("/rooms/{roomId}/snapshot", s.loadSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/rooms/{roomId}/snapshot", s.saveSnapshot).Methods(http.MethodPost)
	api.HandleFunc("/ratelimit/run", s.checkRateLimit).Methods(http.MethodPost)

	return s
}

// Handler returns the router for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until Shutdown
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
