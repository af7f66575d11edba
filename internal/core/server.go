// Package core provides the ingestor's operational HTTP chassis: health
// probes, the Prometheus scrape endpoint and on-demand scheduling triggers.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"adsingest/internal/ingest"
	"adsingest/internal/types"
)

// AccountRunner schedules one account immediately. *ingest.Scheduler
// satisfies it.
type AccountRunner interface {
	RunOne(ctx context.Context, accountID string, now time.Time) (ingest.AccountResult, error)
}

// TupleReader reads a single report tuple. *registry.Registry satisfies it.
type TupleReader interface {
	Get(ctx context.Context, id int64) (*types.ReportTuple, error)
}

// Server encapsulates the ops endpoints' dependencies.
type Server struct {
	Logger         *slog.Logger
	Runner         AccountRunner
	Tuples         TupleReader
	HealthProbes   []HealthProbe
	MetricsHandler http.Handler // optional; mounted at /metrics
	Now            func() time.Time

	router *chi.Mux
	srv    *http.Server
}

// NewServer creates a Server and mounts its routes.
func NewServer(logger *slog.Logger, runner AccountRunner, tuples TupleReader, opts ...ServerOption) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}
	if runner == nil {
		return nil, fmt.Errorf("account runner must not be nil")
	}
	s := &Server{
		Logger: logger,
		Runner: runner,
		Tuples: tuples,
		Now:    time.Now,
		router: chi.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.MountRoutes()
	return s, nil
}

// ServerOption customizes a Server.
type ServerOption func(*Server)

// WithHealthProbes registers probes for GET /health.
func WithHealthProbes(probes ...HealthProbe) ServerOption {
	return func(s *Server) { s.HealthProbes = append(s.HealthProbes, probes...) }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.MetricsHandler = h }
}

// WithClock overrides the time source used for triggered passes.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) { s.Now = now }
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until Shutdown. It returns nil after a
// graceful shutdown.
func (s *Server) ListenAndServe(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.Logger.Info("ops server listening", "addr", addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.Logger.Info("ops server shutdown initiated")
	return s.srv.Shutdown(ctx)
}
