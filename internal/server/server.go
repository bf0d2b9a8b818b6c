// Package server exposes the refresh control API consumed by the
// dashboard: start, cancel, resume, dismiss-interrupted, and the polled
// status endpoints. Handlers only read and mutate through the engine;
// they never block on pipeline work.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/pulsemetrics/refreshd/internal/engine"
)

// Server is the HTTP control API server.
type Server struct {
	engine *engine.Engine
	port   int
	logger *slog.Logger
}

// Config holds configuration for the API server.
type Config struct {
	Engine *engine.Engine
	Port   int
	Logger *slog.Logger
}

// New creates a new API server instance.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		engine: cfg.Engine,
		port:   cfg.Port,
		logger: logger,
	}
}

// Routes builds the chi router. Exposed separately so tests can drive
// the handlers through httptest.
func (s *Server) Routes() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.Logger,
		middleware.Recoverer,
		middleware.Compress(5),
	)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/refresh", func(r chi.Router) {
		r.Post("/start", s.handleStart)
		r.Post("/cancel", s.handleCancel)
		r.Post("/resume", s.handleResume)
		r.Post("/dismiss-interrupted", s.handleDismissInterrupted)
		r.Get("/status", s.handleStatus)
		r.Get("/last-refresh", s.handleLastRefresh)
		r.Get("/history", s.handleHistory)
	})

	return r
}

// Serve starts the API server and blocks until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("starting control API", "addr", fmt.Sprintf("http://localhost:%d", s.port))

	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    addr,
		Handler: s.Routes(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Debug("shutting down control API...")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}
