// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package api is the HTTP routing layer in front of the channel resolver.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ManuGH/durachan/internal/api/middleware"
	"github.com/ManuGH/durachan/internal/coord"
	"github.com/ManuGH/durachan/internal/durable"
	"github.com/ManuGH/durachan/internal/health"
	"github.com/ManuGH/durachan/internal/log"
	"github.com/ManuGH/durachan/internal/token"
)

const (
	DefaultEventsWindow    = 60 * time.Second
	DefaultMaxEventsWindow = 5 * time.Minute
	DefaultMaxBodyBytes    = 64 << 10
)

// Channels is the inbound call surface.
type Channels interface {
	Resolve(ctx context.Context, channelID string) (*durable.Handle, error)
	HandleCommand(ctx context.Context, channelID, payload string) (string, error)
	HandleQuery(ctx context.Context, channelID, payload string) (string, error)
}

// Events streams a channel's broadcasts for a bounded window.
type Events interface {
	Subscribe(ctx context.Context, channelID string, onMessage func(string), duration time.Duration) error
}

// Relays hands out the tenant's relay address.
type Relays interface {
	EnsureRelay(ctx context.Context) (string, error)
}

// Config tunes the routing layer.
type Config struct {
	Tenant          coord.Tenant
	EventsWindow    time.Duration
	MaxEventsWindow time.Duration
	MaxBodyBytes    int64
	RateLimit       int
	TracingService  string
	AllowedOrigins  []string
}

func (c Config) withDefaults() Config {
	if c.EventsWindow <= 0 {
		c.EventsWindow = DefaultEventsWindow
	}
	if c.MaxEventsWindow <= 0 {
		c.MaxEventsWindow = DefaultMaxEventsWindow
	}
	if c.EventsWindow > c.MaxEventsWindow {
		c.EventsWindow = c.MaxEventsWindow
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	c.Tenant = c.Tenant.Normalize()
	return c
}

// Deps are the collaborators behind the routes. Relays and Tokens may be nil,
// which disables socket address issuance.
type Deps struct {
	Channels Channels
	Events   Events
	Relays   Relays
	Tokens   token.Codec
	Health   *health.Manager
}

// Server serves the channel API.
type Server struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
}

// New returns a server for deps. Channels, Events and Health are required.
func New(cfg Config, deps Deps) (*Server, error) {
	switch {
	case deps.Channels == nil:
		return nil, errors.New("api: channels are required")
	case deps.Events == nil:
		return nil, errors.New("api: events are required")
	case deps.Health == nil:
		return nil, errors.New("api: health manager is required")
	}
	return &Server{
		cfg:    cfg.withDefaults(),
		deps:   deps,
		logger: log.WithComponent("api"),
	}, nil
}

// Handler returns the routed handler with the middleware stack applied.
func (s *Server) Handler() http.Handler {
	r := middleware.NewRouter(middleware.StackConfig{
		EnableCORS:            len(s.cfg.AllowedOrigins) > 0,
		AllowedOrigins:        s.cfg.AllowedOrigins,
		EnableSecurityHeaders: true,
		CSP:                   middleware.DefaultCSP,
		EnableMetrics:         true,
		TracingService:        s.cfg.TracingService,
		EnableLogging:         true,
		RateLimit:             s.cfg.RateLimit,
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusNotFound, "NOT_FOUND", "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeProblem(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", r.Method+" is not allowed on "+r.URL.Path)
	})

	r.Get("/healthz", s.deps.Health.ServeHealth)
	r.Get("/readyz", s.deps.Health.ServeReady)

	r.Route("/channel/{id}", func(r chi.Router) {
		r.Post("/", s.handleCommand)
		r.Get("/state", s.handleQuery)
		r.Get("/events", s.handleEvents)
		r.Get("/ws", s.handleSocket)
	})

	return r
}
