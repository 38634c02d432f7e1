// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package httpapi is a delegation module that forwards calls to a backend
// HTTP API, authenticating with the session's delegation token.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mcpgate/mcpgate/pkg/audit"
	"github.com/mcpgate/mcpgate/pkg/auth/roles"
	"github.com/mcpgate/mcpgate/pkg/auth/session"
	"github.com/mcpgate/mcpgate/pkg/delegation"
	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/networking"
)

const (
	// ModuleName is the registration name.
	ModuleName = "httpapi"

	defaultRequestTimeout = 15 * time.Second
	maxResponseBodySize   = 4 << 20 // 4 MB
)

// Actions accepted by Delegate.
const (
	ActionGet  = "get"
	ActionPost = "post"
)

// Module proxies requests to one backend base URL.
type Module struct {
	baseURL string
	client  *http.Client
	scopes  []string
}

// New creates an uninitialized module.
func New() *Module {
	return &Module{}
}

// Name implements delegation.Module.
func (*Module) Name() string { return ModuleName }

// Type implements delegation.Module.
func (*Module) Type() string { return "http" }

// Scopes implements delegation.Module.
func (m *Module) Scopes() []string { return m.scopes }

// Initialize validates the backend URL and builds the HTTP client. Config
// keys: "baseUrl" (required), "timeoutSec", "caBundle", "scopes".
func (m *Module) Initialize(_ context.Context, cfg map[string]any) error {
	base, _ := cfg["baseUrl"].(string)
	if base == "" {
		return fmt.Errorf("httpapi: config key \"baseUrl\" is required")
	}
	parsed, err := url.ParseRequestURI(base)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("httpapi: baseUrl %q is not a valid URL", base)
	}
	m.baseURL = strings.TrimRight(base, "/")

	builder := networking.NewHTTPClientBuilder()
	if secs, ok := cfg["timeoutSec"].(float64); ok && secs > 0 {
		builder = builder.WithTimeout(time.Duration(secs) * time.Second)
	} else {
		builder = builder.WithTimeout(defaultRequestTimeout)
	}
	if caBundle, ok := cfg["caBundle"].(string); ok && caBundle != "" {
		builder = builder.WithCABundle(caBundle)
	}
	if m.client, err = builder.Build(); err != nil {
		return fmt.Errorf("httpapi: %w", err)
	}

	if rawScopes, ok := cfg["scopes"].([]any); ok {
		for _, s := range rawScopes {
			if scope, ok := s.(string); ok && scope != "" {
				m.scopes = append(m.scopes, scope)
			}
		}
	}
	return nil
}

// ValidateAccess implements delegation.Module. The backend requires a
// delegation token, so sessions without one are denied up front.
func (*Module) ValidateAccess(s *session.UserSession) bool {
	if !s.HasRole(roles.RoleUser) && !s.HasRole(roles.RoleAdmin) {
		return false
	}
	return s.DelegationToken != ""
}

// HealthCheck implements delegation.Module.
func (m *Module) HealthCheck(ctx context.Context) bool {
	if m.client == nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// Destroy implements delegation.Module.
func (m *Module) Destroy(context.Context) error {
	if m.client != nil {
		m.client.CloseIdleConnections()
	}
	return nil
}

// Delegate implements delegation.Module. The request is authenticated with
// the session's delegation token, never the requestor token.
func (m *Module) Delegate(
	ctx context.Context,
	s *session.UserSession,
	action string,
	params map[string]any,
) *delegation.Result {
	path, _ := params["path"].(string)
	if path == "" || strings.Contains(path, "..") {
		return m.failure("DELEGATION_ERROR", "a valid path is required", action, s, nil)
	}

	var (
		method string
		body   io.Reader
	)
	switch action {
	case ActionGet:
		method = http.MethodGet
	case ActionPost:
		method = http.MethodPost
		if payload, ok := params["body"]; ok {
			encoded, err := json.Marshal(payload)
			if err != nil {
				return m.failure("DELEGATION_ERROR", "request body is not serializable", action, s, err)
			}
			body = strings.NewReader(string(encoded))
		}
	default:
		return m.failure("DELEGATION_ERROR", fmt.Sprintf("unknown action %q", action), action, s, nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+"/"+strings.TrimLeft(path, "/"), body)
	if err != nil {
		return m.failure("DELEGATION_ERROR", "Delegation to backend failed", action, s, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.DelegationToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		logger.Debugw("backend request failed", "module", ModuleName, "error", err)
		return m.failure("DELEGATION_ERROR", "Delegation to backend failed", action, s, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return m.failure("DELEGATION_ERROR", "Delegation to backend failed", action, s, err)
	}

	if resp.StatusCode >= 400 {
		return m.failure("DELEGATION_ERROR",
			fmt.Sprintf("backend returned status %d", resp.StatusCode), action, s, nil)
	}

	var data any
	if err := json.Unmarshal(respBody, &data); err != nil {
		data = string(respBody)
	}

	return &delegation.Result{
		Success: true,
		Data:    data,
		AuditTrail: audit.NewEntry("delegation:"+ModuleName, audit.ActionDelegation, true).
			WithUser(s.UserID).
			WithMetadata(map[string]any{"action": action, "path": path, "status": resp.StatusCode}),
	}
}

func (m *Module) failure(code, message, action string, s *session.UserSession, cause error) *delegation.Result {
	result := delegation.Failure(code, message)
	entry := audit.NewEntry("delegation:"+ModuleName, audit.ActionDelegation, false).
		WithUser(s.UserID).
		WithReason(message).
		WithMetadata(map[string]any{"action": action})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	result.AuditTrail = entry
	return result
}
