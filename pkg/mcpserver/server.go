// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mcpgate/mcpgate/pkg/audit"
	"github.com/mcpgate/mcpgate/pkg/auth"
	"github.com/mcpgate/mcpgate/pkg/auth/tokencache"
	"github.com/mcpgate/mcpgate/pkg/delegation"
	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/oauthmeta"
	"github.com/mcpgate/mcpgate/pkg/ratelimit"
	"github.com/mcpgate/mcpgate/pkg/telemetry"
)

const (
	defaultEndpointPath = "/mcp"

	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 120 * time.Second
	shutdownTimeout   = 10 * time.Second

	housekeepingInterval = time.Minute
)

// Config holds the server configuration.
type Config struct {
	// Name and Version are exposed through the MCP protocol.
	Name    string
	Version string

	// Host and Port are the bind address.
	Host string
	Port int

	// ServerURL is the externally visible base URL, used in metadata and
	// WWW-Authenticate challenges.
	ServerURL string

	// EndpointPath is the MCP endpoint (default /mcp).
	EndpointPath string

	// SessionTTL bounds transport session idleness.
	SessionTTL time.Duration
}

// Server is the assembled gateway: MCP transport, metadata surface,
// health and metrics, with authentication in front of the MCP endpoint.
type Server struct {
	cfg        Config
	httpServer *http.Server
	sessions   *sessionIDManager
	registry   *delegation.Registry
	cache      *tokencache.Cache
	limiter    *ratelimit.Limiter

	stop chan struct{}
}

// Deps are the wired components the server serves.
type Deps struct {
	AuthMiddleware *auth.Middleware
	Metadata       *oauthmeta.Handler
	Registry       *delegation.Registry
	TokenCache     *tokencache.Cache
	Telemetry      *telemetry.Provider
	RateLimiter    *ratelimit.Limiter
	AuditSink      audit.Sink
}

// New assembles the server. Tool registrations happen here; the dispatcher
// enforces visibility and execution checks on each of them.
func New(cfg Config, deps Deps) *Server {
	if cfg.EndpointPath == "" {
		cfg.EndpointPath = defaultEndpointPath
	}
	if cfg.Name == "" {
		cfg.Name = "mcpgate"
	}
	if cfg.Version == "" {
		cfg.Version = "0.1.0"
	}

	var dispatcher *Dispatcher
	mcpServer := server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
		server.WithToolFilter(func(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
			return dispatcher.FilterTools(ctx, tools)
		}),
	)
	dispatcher = NewDispatcher(mcpServer, deps.AuditSink, deps.Telemetry)
	registerBuiltinTools(dispatcher, deps.Registry, deps.TokenCache)

	sessions := newSessionIDManager(cfg.SessionTTL, deps.TokenCache)
	streamable := server.NewStreamableHTTPServer(
		mcpServer,
		server.WithEndpointPath(cfg.EndpointPath),
		server.WithSessionIdManager(sessions),
	)

	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		registry: deps.Registry,
		cache:    deps.TokenCache,
		limiter:  deps.RateLimiter,
		stop:     make(chan struct{}),
	}

	router := chi.NewRouter()
	router.Use(chimw.RealIP)
	router.Use(chimw.Recoverer)
	router.Use(oauthmeta.CORS)
	if deps.Telemetry != nil {
		router.Use(deps.Telemetry.Middleware)
	}

	router.Get("/health", s.handleHealth)
	router.Get("/readyz", s.handleReadiness)
	router.Get(oauthmeta.AuthorizationServerPath, deps.Metadata.AuthorizationServer)
	router.Get(oauthmeta.ProtectedResourcePath, deps.Metadata.ProtectedResource)
	if deps.Telemetry != nil {
		router.Method(http.MethodGet, "/metrics", deps.Telemetry.Handler())
	}

	var mcpHandler http.Handler = streamable
	mcpHandler = deps.AuthMiddleware.Handler(mcpHandler)
	if deps.RateLimiter != nil {
		mcpHandler = deps.RateLimiter.Middleware(mcpHandler)
	}
	router.Handle(cfg.EndpointPath, mcpHandler)
	router.Handle(cfg.EndpointPath+"/*", mcpHandler)

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s
}

// Start binds the listener and serves until the context is cancelled, then
// shuts down gracefully. A bind failure is returned immediately so startup
// can fail fast.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.httpServer.Addr, err)
	}
	logger.Infow("mcpgate listening",
		"addr", s.httpServer.Addr,
		"endpoint", s.cfg.EndpointPath,
		"server_url", s.cfg.ServerURL)

	go s.housekeeping()

	errCh := make(chan error, 1)
	go func() {
		if serveErr := s.httpServer.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.shutdown()
	}
}

func (s *Server) shutdown() error {
	close(s.stop)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	logger.Info("shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	s.registry.DestroyAll(ctx)
	if s.cache != nil {
		s.cache.Close()
	}
	if s.limiter != nil {
		s.limiter.Close()
	}
	return nil
}

// housekeeping periodically drops idle transport sessions, which also
// revokes their cached delegation tokens.
func (s *Server) housekeeping() {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sessions.sweep()
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]string{"status": "ok"}); err != nil {
		logger.Debugw("failed to encode health response", "error", err)
	}
}

// handleReadiness reports per-module backend health; any unhealthy module
// flips the endpoint to 503.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	health := s.registry.HealthCheck(r.Context())
	ready := true
	for _, ok := range health {
		if !ok {
			ready = false
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(map[string]any{
		"ready":   ready,
		"modules": health,
	}); err != nil {
		logger.Debugw("failed to encode readiness response", "error", err)
	}
}
