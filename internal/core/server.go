package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"receiptwise/internal/config"
	"receiptwise/internal/types"
)

// Authenticator decouples the HTTP layer from specific auth mechanisms
// (DB lookups), allowing for easy mocking in tests.
type Authenticator interface {
	// ResolveToken resolves a Bearer token to the Actor it represents.
	// Returns an AppError with code auth_token_invalid when the token is
	// malformed, not found, or revoked.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// RouteRegistrar registers domain handler routes on a chi router. Populated
// by the application entry point to avoid import cycles between core and
// handler packages.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the HTTP dependencies for the billing API, allowing for
// easy injection during testing.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Authenticator Authenticator
	HealthProbes  []HealthProbe

	// Routes mounted under /v1 behind AuthMiddleware.
	V1Registrars []RouteRegistrar
	// Routes mounted at the root without token auth (webhooks verify
	// signatures instead).
	PublicRegistrars []RouteRegistrar

	router *chi.Mux
}

// NewServer initializes the router and prepares the server for route mounting.
// The caller is responsible for calling MountRoutes after populating the
// registrar slices.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		Config: cfg,
		Logger: logger,
		router: chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration in tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// MountRoutes defines the routing hierarchy.
//
// Middleware ordering:
//  1. Recoverer   - outermost, catches all panics.
//  2. RequestID   - correlation ID for tracing.
//  3. RequestLogger - structured logging.
//
// AuthMiddleware applies only to the /v1 group; webhook and health endpoints
// stay outside it.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(RequestIDMiddleware)
	s.router.Use(RequestLogger(s.Logger))

	for _, registrar := range s.PublicRegistrars {
		registrar(s.router)
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.AuthMiddleware)
		for _, registrar := range s.V1Registrars {
			registrar(r)
		}
	})

	s.router.Get("/health", s.HandleHealth)
}
