// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpgate/mcpgate/pkg/auth/authz"
	"github.com/mcpgate/mcpgate/pkg/auth/roles"
	"github.com/mcpgate/mcpgate/pkg/auth/tokencache"
	"github.com/mcpgate/mcpgate/pkg/delegation"
	"github.com/mcpgate/mcpgate/pkg/delegation/modules/httpapi"
	"github.com/mcpgate/mcpgate/pkg/delegation/modules/sqlexec"
	"github.com/mcpgate/mcpgate/pkg/errors"
)

// registerBuiltinTools wires the gateway's own tool surface onto the
// dispatcher: identity introspection, delegation entry points and an
// admin-only status view.
func registerBuiltinTools(d *Dispatcher, registry *delegation.Registry, cache *tokencache.Cache) {
	d.Register(ToolRegistration{
		Tool: mcp.NewTool("whoami",
			mcp.WithDescription("Show the authenticated identity, role and scopes for this session"),
		),
		Handler: handleWhoami,
	})

	d.Register(ToolRegistration{
		Tool: mcp.NewTool("delegate-query",
			mcp.WithDescription("Run a read-only SQL query against the delegated database"),
			mcp.WithString("sql", mcp.Required(), mcp.Description("The SQL statement to run")),
		),
		AccessCheck: func(ctx context.Context) bool {
			return authz.HasAnyRole(ctx, roles.RoleUser, roles.RoleAdmin)
		},
		Handler: delegationHandler(registry, sqlexec.ModuleName, sqlexec.ActionQuery),
	})

	d.Register(ToolRegistration{
		Tool: mcp.NewTool("delegate-execute",
			mcp.WithDescription("Run a data-modifying SQL statement against the delegated database"),
			mcp.WithString("sql", mcp.Required(), mcp.Description("The SQL statement to run")),
		),
		AccessCheck: func(ctx context.Context) bool {
			return authz.HasRole(ctx, roles.RoleAdmin)
		},
		Handler: delegationHandler(registry, sqlexec.ModuleName, sqlexec.ActionExecute),
	})

	d.Register(ToolRegistration{
		Tool: mcp.NewTool("delegate-call",
			mcp.WithDescription("Call the delegated backend HTTP API on behalf of this session"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Backend path to call")),
			mcp.WithString("method", mcp.Description("get or post, default get")),
		),
		AccessCheck: func(ctx context.Context) bool {
			return authz.HasAnyRole(ctx, roles.RoleUser, roles.RoleAdmin)
		},
		Handler: httpDelegationHandler(registry),
	})

	d.Register(ToolRegistration{
		Tool: mcp.NewTool("gateway-status",
			mcp.WithDescription("Show delegation module health and token cache statistics"),
		),
		AccessCheck: func(ctx context.Context) bool {
			return authz.HasRole(ctx, roles.RoleAdmin)
		},
		Handler: statusHandler(registry, cache),
	})
}

func handleWhoami(ctx context.Context, _ mcp.CallToolRequest) (any, error) {
	s, err := authz.RequireAuth(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"userId":         s.UserID,
		"username":       s.Username,
		"legacyUsername": s.LegacyUsername,
		"role":           s.Role,
		"customRoles":    s.CustomRoles,
		"scopes":         s.Scopes,
		"delegated":      s.DelegationToken != "",
	}, nil
}

// delegationHandler routes a SQL tool call through the delegation
// registry. Policy failures come back as failure results, not errors, so
// they surface with their own codes instead of being masked.
func delegationHandler(registry *delegation.Registry, module, action string) ToolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		s, err := authz.RequireAuth(ctx)
		if err != nil {
			return nil, err
		}

		stmt, err := req.RequireString("sql")
		if err != nil {
			return nil, errors.New(errors.KindDelegationFailed, "missing sql argument", err)
		}

		params := map[string]any{"sql": stmt}
		if args := req.GetArguments(); args != nil {
			if bind, ok := args["params"]; ok {
				params["params"] = bind
			}
		}

		result := registry.Delegate(ctx, module, s, action, params)
		if !result.Success {
			return nil, resultError(result)
		}
		return result.Data, nil
	}
}

// resultError converts a failed delegation result into the taxonomy error
// matching its code, so the client sees the module's own failure code
// rather than a generic delegation error.
func resultError(result *delegation.Result) error {
	if result.ErrorCode == "INSUFFICIENT_PERMISSIONS" {
		return errors.Newf(errors.KindInsufficientPerms, "%s", result.ErrorMessage)
	}
	return errors.Newf(errors.KindDelegationFailed, "%s", result.ErrorMessage)
}

func httpDelegationHandler(registry *delegation.Registry) ToolHandler {
	return func(ctx context.Context, req mcp.CallToolRequest) (any, error) {
		s, err := authz.RequireAuth(ctx)
		if err != nil {
			return nil, err
		}

		path, err := req.RequireString("path")
		if err != nil {
			return nil, errors.New(errors.KindDelegationFailed, "missing path argument", err)
		}

		action := httpapi.ActionGet
		if req.GetString("method", "get") == "post" {
			action = httpapi.ActionPost
		}

		params := map[string]any{"path": path}
		if args := req.GetArguments(); args != nil {
			if body, ok := args["body"]; ok {
				params["body"] = body
			}
		}

		result := registry.Delegate(ctx, httpapi.ModuleName, s, action, params)
		if !result.Success {
			return nil, resultError(result)
		}
		return result.Data, nil
	}
}

func statusHandler(registry *delegation.Registry, cache *tokencache.Cache) ToolHandler {
	return func(ctx context.Context, _ mcp.CallToolRequest) (any, error) {
		if _, err := authz.RequireRole(ctx, roles.RoleAdmin); err != nil {
			return nil, err
		}

		status := map[string]any{
			"modules":      registry.List(),
			"moduleHealth": registry.HealthCheck(ctx),
			"scopes":       registry.Scopes(),
		}
		if cache != nil {
			status["tokenCache"] = cache.Stats()
		}
		return status, nil
	}
}
