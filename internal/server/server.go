// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sigil-dev/relay/internal/analyzer"
	"github.com/sigil-dev/relay/internal/orchestrator"
	"github.com/sigil-dev/relay/internal/provider"
	"github.com/sigil-dev/relay/internal/store"
	"github.com/sigil-dev/relay/internal/toolserver"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
	"github.com/sigil-dev/relay/pkg/health"
)

const (
	defaultReadTimeout     = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultTurnTimeout     = 2 * time.Minute
)

// Config holds HTTP server configuration.
type Config struct {
	ListenAddr   string
	CORSOrigins  []string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// ShutdownTimeout bounds the graceful drain once Start's context ends.
	ShutdownTimeout time.Duration
	// TurnTimeout bounds one chat turn, including tool calls and recovery.
	TurnTimeout time.Duration
	RateLimit   RateLimitConfig
	Version     string
}

// Turner runs conversation turns.
type Turner interface {
	Turn(ctx context.Context, msgs []provider.ChatMessage) (*orchestrator.Response, error)
	Analyze(ctx context.Context, msgs []provider.ChatMessage) (analyzer.QueryAnalysis, error)
}

// StatusReporter reports provider availability in fallback order.
type StatusReporter interface {
	Status(ctx context.Context) []provider.Status
}

// MetricsReporter exposes the cached health of one provider.
type MetricsReporter interface {
	Metrics(providerID string) health.Metrics
}

// TurnQuerier reads the turn audit trail.
type TurnQuerier interface {
	Query(ctx context.Context, filter store.TurnFilter) ([]*store.TurnRecord, error)
}

// Services are the dependencies the API delegates to. Tools, Health and
// History may be nil.
type Services struct {
	Turns     Turner
	Providers StatusReporter
	Health    MetricsReporter
	Tools     toolserver.Client
	History   TurnQuerier
}

// Server wraps a chi router with huma API and HTTP server.
type Server struct {
	router   chi.Router
	api      huma.API
	cfg      Config
	services Services
	limiter  *ipLimiter

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Server with chi router, huma API, health endpoint, CORS
// and the relay routes.
func New(cfg Config, svc Services) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, relayerr.New(relayerr.CodeServerConfigInvalid, "listen address is required")
	}
	if svc.Turns == nil || svc.Providers == nil {
		return nil, relayerr.New(relayerr.CodeServerConfigInvalid, "turn and provider services are required")
	}
	if err := cfg.RateLimit.Validate(); err != nil {
		return nil, err
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.TurnTimeout == 0 {
		cfg.TurnTimeout = defaultTurnTimeout
	}
	if cfg.WriteTimeout == 0 {
		// A turn must be able to finish writing its answer.
		cfg.WriteTimeout = cfg.TurnTimeout + 10*time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	srv := &Server{
		cfg:      cfg,
		services: svc,
		done:     make(chan struct{}),
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(corsMiddleware(cfg.CORSOrigins))
	if cfg.RateLimit.RequestsPerSecond > 0 {
		srv.limiter = newIPLimiter(cfg.RateLimit)
		go srv.limiter.cleanupLoop(srv.done)
		r.Use(srv.limiter.middleware)
	}

	// Huma API with OpenAPI spec
	humaConfig := huma.DefaultConfig("Relay", cfg.Version)
	humaConfig.Info.Description = "Resilient LLM and tool-server orchestration API"
	api := humachi.New(r, humaConfig)

	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"system"},
	}, func(_ context.Context, _ *struct{}) (*HealthResponse, error) {
		return &HealthResponse{Body: HealthBody{Status: "ok", Version: cfg.Version}}, nil
	})

	srv.router = r
	srv.api = api
	srv.registerRoutes()

	return srv, nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// API returns the huma API for registering additional operations.
func (s *Server) API() huma.API {
	return s.api
}

// Close stops background goroutines. It is safe to call more than once.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

// Start runs the HTTP server and blocks until the context is cancelled,
// then performs graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	defer func() { _ = s.Close() }()

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return relayerr.Wrapf(err, relayerr.CodeServerStartFailure, "listening on %s", s.cfg.ListenAddr)
	}

	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	slog.Info("relay API listening", "addr", ln.Addr().String())

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return relayerr.Wrap(err, relayerr.CodeServerStartFailure, "serving")
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return relayerr.Wrap(err, relayerr.CodeServerShutdownFailure, "shutting down")
	}

	return <-errCh
}

// HealthBody is the JSON body of the health endpoint response.
type HealthBody struct {
	Status  string `json:"status" example:"ok" doc:"Health status"`
	Version string `json:"version" doc:"Server version"`
}

// HealthResponse wraps the health check response.
type HealthResponse struct {
	Body HealthBody
}

func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
