// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcpgate/mcpgate/pkg/audit"
	"github.com/mcpgate/mcpgate/pkg/auth"
	"github.com/mcpgate/mcpgate/pkg/auth/idp"
	"github.com/mcpgate/mcpgate/pkg/auth/roles"
	"github.com/mcpgate/mcpgate/pkg/auth/session"
	"github.com/mcpgate/mcpgate/pkg/auth/token"
	"github.com/mcpgate/mcpgate/pkg/auth/tokencache"
	"github.com/mcpgate/mcpgate/pkg/auth/tokenexchange"
	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/delegation"
	"github.com/mcpgate/mcpgate/pkg/delegation/modules/httpapi"
	"github.com/mcpgate/mcpgate/pkg/delegation/modules/sqlexec"
	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/mcpserver"
	"github.com/mcpgate/mcpgate/pkg/networking"
	"github.com/mcpgate/mcpgate/pkg/oauthmeta"
	"github.com/mcpgate/mcpgate/pkg/ratelimit"
	"github.com/mcpgate/mcpgate/pkg/telemetry"
)

const (
	auditQueueSize   = 1024
	auditRingSize    = 4096
	startupJWKSProbe = 10 * time.Second
)

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	path := viper.GetString("config")
	if path == "" {
		return fmt.Errorf("no configuration file given (use --config or CONFIG_PATH)")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	applyEnvOverrides(&cfg.MCP)

	registry, err := idp.NewRegistry(cfg.Auth.TrustedIDPs)
	if err != nil {
		return err
	}

	httpClient, err := networking.NewHTTPClientBuilder().Build()
	if err != nil {
		return err
	}

	jwks := token.NewJWKSCache(httpClient, 0)
	if err := probeIDPs(ctx, registry, jwks); err != nil {
		return err
	}

	// Audit entries flow through a bounded async queue into a JSON log
	// sink plus an in-memory ring for post-incident inspection.
	ring := audit.NewRingSink(auditRingSize, nil)
	sink := audit.NewAsyncSink(audit.NewMultiSink(audit.NewLogSink(os.Stdout), ring), auditQueueSize,
		func(audit.Entry) { logger.Warn("audit queue full, entry dropped") })
	defer sink.Close()

	metrics := telemetry.NewProvider()

	cache := buildTokenCache(registry, sink)
	exchange := tokenexchange.NewService(httpClient, cache, sink)
	exchange.SetMetrics(metrics)

	authService := auth.NewService(
		token.NewValidator(registry, jwks),
		roles.NewMapper(),
		session.NewManager(),
		exchange,
		sink,
	)
	authService.SetMetrics(metrics)
	middleware := auth.NewMiddleware(authService, cfg.MCP.ServerURL, sink)

	delegationRegistry := delegation.NewRegistry(sink)
	if err := registerModules(ctx, delegationRegistry, cfg.Delegation.Modules); err != nil {
		return err
	}

	var limiter *ratelimit.Limiter
	if rl := cfg.Auth.RateLimit; rl != nil && rl.Enabled {
		limiter = ratelimit.New(rl.RequestsPerSecond, rl.Burst)
	}

	srv := mcpserver.New(mcpserver.Config{
		Name:         cfg.MCP.Name,
		Version:      getVersion(),
		Host:         cfg.MCP.Host,
		Port:         cfg.MCP.Port,
		ServerURL:    cfg.MCP.ServerURL,
		EndpointPath: cfg.MCP.EndpointPath,
		SessionTTL:   time.Duration(cfg.MCP.SessionTTLMin) * time.Minute,
	}, mcpserver.Deps{
		AuthMiddleware: middleware,
		Metadata:       oauthmeta.NewHandler(registry, cfg.MCP.ServerURL, delegationRegistry),
		Registry:       delegationRegistry,
		TokenCache:     cache,
		Telemetry:      metrics,
		RateLimiter:    limiter,
		AuditSink:      sink,
	})

	return srv.Start(ctx)
}

// applyEnvOverrides maps the conventional deployment variables onto the
// transport section.
func applyEnvOverrides(mcp *config.MCPConfig) {
	v := viper.New()
	v.AutomaticEnv()
	if port := v.GetInt("SERVER_PORT"); port > 0 {
		mcp.Port = port
	}
	if url := v.GetString("SERVER_URL"); url != "" {
		mcp.ServerURL = url
	}
}

// probeIDPs fetches every trusted IDP's JWKS once. An unreachable IDP is a
// startup failure: serving with a dead key source would turn every request
// into a 401 storm.
func probeIDPs(ctx context.Context, registry *idp.Registry, jwks *token.JWKSCache) error {
	probeCtx, cancel := context.WithTimeout(ctx, startupJWKSProbe)
	defer cancel()

	for _, cfg := range registry.All() {
		if err := jwks.Prime(probeCtx, cfg.JWKSURI); err != nil {
			return fmt.Errorf("IDP %q is unreachable at startup: %w", cfg.Name, err)
		}
		logger.Infow("verified IDP reachability", "idp", cfg.Name, "issuer", cfg.Issuer)
	}
	return nil
}

// buildTokenCache constructs the session-bound token cache from the first
// IDP that enables exchange caching. A single cache serves all IDPs; the
// tightest configured bounds win by declaration order.
func buildTokenCache(registry *idp.Registry, sink audit.Sink) *tokencache.Cache {
	for _, cfg := range registry.All() {
		te := cfg.TokenExchange
		if te == nil || te.Cache == nil || !te.Cache.Enabled {
			continue
		}
		return tokencache.New(tokencache.Options{
			TTLSeconds:           te.Cache.TTLSeconds,
			MaxEntriesPerSession: te.Cache.MaxEntriesPerSession,
			MaxTotalEntries:      te.Cache.MaxTotalEntries,
		}, sink)
	}
	return tokencache.New(tokencache.Options{}, sink)
}

func registerModules(ctx context.Context, registry *delegation.Registry, configs []config.ModuleConfig) error {
	for _, mc := range configs {
		if !mc.Enabled {
			logger.Infow("skipping disabled delegation module", "module", mc.Name)
			continue
		}

		var module delegation.Module
		switch mc.Type {
		case "sql":
			module = sqlexec.New()
		case "http":
			module = httpapi.New()
		default:
			return fmt.Errorf("unknown delegation module type %q for module %q", mc.Type, mc.Name)
		}

		if err := module.Initialize(ctx, mc.Config); err != nil {
			return fmt.Errorf("failed to initialize delegation module %q: %w", mc.Name, err)
		}
		if err := registry.Register(module); err != nil {
			return err
		}
	}
	return nil
}
