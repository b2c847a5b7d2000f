// Package core provides the HTTP chassis for the commerce hub API. It owns
// the chi router, the middleware chain and the response envelope, and it
// fixes the order in which webhook and JSON routes are mounted.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"commercehub/internal/config"
)

// RouteRegistrar mounts a handler group onto a router branch. Handlers
// implement RegisterRoutes with this signature.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the HTTP dependencies. Domain handlers are attached
// through the registrar slices by the entry point, which keeps core free of
// handler imports.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	// WebhookRegistrars are mounted under /webhooks on a branch that never
	// reads, decodes or decompresses the request body.
	WebhookRegistrars []RouteRegistrar
	// V1RouteRegistrars are mounted under /v1 behind CORS and compression.
	V1RouteRegistrars []RouteRegistrar
	// AdminRegistrars are mounted under /v1/admin behind the admin key.
	AdminRegistrars []RouteRegistrar

	HealthProbes []HealthProbe

	closers []func(context.Context) error
	router  *chi.Mux
}

// NewServer validates critical dependencies and prepares an empty router.
// Call MountRoutes once all registrars are attached.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		Metrics:   NoopMetrics{},
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux. Tests use it to add routes.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers a resource release hook. Hooks run in reverse order.
func (s *Server) OnShutdown(fn func(context.Context) error) {
	s.closers = append(s.closers, fn)
}

// Shutdown releases registered resources. Every hook runs even if an
// earlier one fails.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.Logger.Error("shutdown hook failed", "error", err)
			errs = append(errs, err)
		}
	}

	s.Logger.Info("server shutdown complete")
	return errors.Join(errs...)
}
