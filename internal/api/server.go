// Package api exposes the dispatch worker over HTTP: session start
// and inspection plus an SMTP credential check.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/openmailer/dispatch/internal/config"
	"github.com/openmailer/dispatch/internal/dispatch"
	"github.com/openmailer/dispatch/internal/model"
	"github.com/openmailer/dispatch/internal/store"
)

// Dispatcher accepts session start requests.
type Dispatcher interface {
	Start(ctx context.Context, req dispatch.StartRequest) (string, error)
	ActiveCount() int
}

// Verifier checks an SMTP credential without sending mail.
type Verifier interface {
	Verify(ctx context.Context, cred model.Credential) error
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	dispatcher Dispatcher
	verifier   Verifier
	store      store.Store
	config     *config.Config
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(d Dispatcher, v Verifier, st store.Store, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		dispatcher: d,
		verifier:   v,
		store:      st,
		config:     cfg,
		logger:     logger,
		startTime:  time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/sessions", s.handleStartSession)
		r.Get("/sessions/active", s.handleActiveSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Post("/smtp/test", s.handleSMTPTest)
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.Server.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  s.config.Server.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.Server.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
