package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shovehq/shove/pkg/observability/logger"
)

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server wraps http.Server with graceful lifecycle management.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	log        logger.Logger
	config     ServerConfig
}

// NewServer creates a Server serving the given handler.
func NewServer(cfg ServerConfig, handler http.Handler, log logger.Logger) *Server {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Server{
		handler: handler,
		log:     log,
		config:  cfg,
	}
}

// Start begins listening for requests and blocks until the context is
// cancelled or the listener fails. Cancellation triggers a graceful
// shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.log.Info("starting api server", "port", s.config.Port)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("api server failed to start: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown stops accepting new connections and waits for in-flight
// requests, bounded by a 30 second timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down api server", "addr", s.httpServer.Addr)

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}

	s.log.Info("api server shutdown complete", "addr", s.httpServer.Addr)
	return nil
}
