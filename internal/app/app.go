// Package app wires the dispatch worker together and runs it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openmailer/dispatch/internal/api"
	"github.com/openmailer/dispatch/internal/config"
	"github.com/openmailer/dispatch/internal/dispatch"
	"github.com/openmailer/dispatch/internal/dkim"
	"github.com/openmailer/dispatch/internal/events"
	"github.com/openmailer/dispatch/internal/metrics"
	"github.com/openmailer/dispatch/internal/store"
	"github.com/openmailer/dispatch/internal/transport"
)

// App is the main application
type App struct {
	config        *config.Config
	store         store.Store
	publisher     events.Publisher
	manager       *dispatch.Manager
	apiServer     *api.Server
	metricsServer *metrics.Server
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Open session store
	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// Connect event publisher
	var publisher events.Publisher = events.Nop{}
	if cfg.Events.Enabled {
		nc, err := events.Connect(cfg.Events.URL, logger.With("component", "events"))
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		publisher = nc
		logger.Info("event publishing enabled", "url", cfg.Events.URL)
	}

	// Create SMTP client
	client := transport.NewClient(cfg.SMTP.Hostname, cfg.SMTP.Timeout, logger.With("component", "smtp_client"))

	// Setup DKIM signing
	if cfg.DKIM.Enabled {
		signer, err := dkim.NewSignerFromFile(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
		if err != nil {
			st.Close()
			publisher.Close()
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		client.SetDKIMSigner(signer)
		logger.Info("DKIM signing enabled", "domain", cfg.DKIM.Domain, "selector", cfg.DKIM.Selector)
	}

	// Create dispatch controller and manager
	controller := dispatch.NewController(st, publisher, client, nil, logger.With("component", "controller"))
	manager := dispatch.NewManager(controller, st, logger.With("component", "manager"))

	// Create API server
	apiServer := api.NewServer(manager, client, st, cfg, logger.With("component", "api"))

	// Create metrics server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		m := metrics.New()
		metrics.SetGlobal(m)
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, logger.With("component", "metrics"))
	}

	return &App{
		config:        cfg,
		store:         st,
		publisher:     publisher,
		manager:       manager,
		apiServer:     apiServer,
		metricsServer: metricsServer,
		logger:        logger,
	}, nil
}

// openStore opens the configured session store backend
func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "bolt":
		return store.OpenBolt(cfg.Path)
	default:
		return store.OpenSQLite(cfg.Path)
	}
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting dispatch",
		"api_addr", a.config.Server.ListenAddr,
		"store_driver", a.config.Store.Driver,
		"store_path", a.config.Store.Path,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Close out sessions left behind by a previous run
	if err := dispatch.RecoverSessions(ctx, a.store, a.logger.With("component", "recovery")); err != nil {
		return fmt.Errorf("session recovery: %w", err)
	}

	// Channel to collect errors
	errCh := make(chan error, 2)

	// Start API server
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Start metrics server if enabled
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	// Graceful shutdown
	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	// Create timeout context
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop accepting new sessions first
	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Cancel running sessions and wait for their final state writes
	a.manager.Shutdown()

	a.publisher.Close()

	if err := a.store.Close(); err != nil {
		a.logger.Error("store close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
