// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/pkg/auth/roles"
	"github.com/mcpgate/mcpgate/pkg/auth/session"
	"github.com/mcpgate/mcpgate/pkg/delegation"
)

func delegatedSession() *session.UserSession {
	return &session.UserSession{
		Version:         session.CurrentVersion,
		SessionID:       "b7e23ec2-8c45-4b21-9c3a-1f2d4e5a6b7c",
		UserID:          "user-1",
		Username:        "alice",
		Role:            roles.RoleUser,
		DelegationToken: "delegation-jwt",
	}
}

func newTestModule(t *testing.T, baseURL string) *Module {
	t.Helper()
	m := New()
	require.NoError(t, m.Initialize(context.Background(), map[string]any{
		"baseUrl": baseURL,
		"scopes":  []any{"api:call"},
	}))
	t.Cleanup(func() { _ = m.Destroy(context.Background()) })
	return m
}

func TestModule_InitializeValidatesBaseURL(t *testing.T) {
	t.Parallel()

	err := New().Initialize(context.Background(), map[string]any{})
	require.Error(t, err)

	err = New().Initialize(context.Background(), map[string]any{"baseUrl": "not a url"})
	require.Error(t, err)
}

func TestModule_ValidateAccess(t *testing.T) {
	t.Parallel()

	m := New()
	assert.True(t, m.ValidateAccess(delegatedSession()))

	// The backend is called with the delegation token, so a session
	// without one is denied up front.
	bare := delegatedSession()
	bare.DelegationToken = ""
	assert.False(t, m.ValidateAccess(bare))

	guest := delegatedSession()
	guest.Role = roles.RoleGuest
	assert.False(t, m.ValidateAccess(guest))
}

func TestModule_DelegateGet(t *testing.T) {
	t.Parallel()

	var gotAuth, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","items":[1,2]}`))
	}))
	t.Cleanup(server.Close)

	m := newTestModule(t, server.URL)
	result := m.Delegate(context.Background(), delegatedSession(), ActionGet, map[string]any{
		"path": "/reports/daily",
	})
	require.True(t, result.Success, "%+v", result)

	// The backend sees the delegation token, never the requestor token.
	assert.Equal(t, "Bearer delegation-jwt", gotAuth)
	assert.Equal(t, "/reports/daily", gotPath)

	data := result.Data.(map[string]any)
	assert.Equal(t, "ok", data["status"])

	assert.Equal(t, "user-1", result.AuditTrail.UserID)
	assert.Equal(t, "/reports/daily", result.AuditTrail.Metadata["path"])
}

func TestModule_DelegatePost(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"created":true}`))
	}))
	t.Cleanup(server.Close)

	m := newTestModule(t, server.URL)
	result := m.Delegate(context.Background(), delegatedSession(), ActionPost, map[string]any{
		"path": "orders",
		"body": map[string]any{"item": "widget", "qty": 3},
	})
	require.True(t, result.Success, "%+v", result)
	assert.Equal(t, "widget", gotBody["item"])
}

func TestModule_DelegateRejectsTraversal(t *testing.T) {
	t.Parallel()

	m := newTestModule(t, "http://backend.example")
	for _, path := range []string{"", "../admin", "reports/../../secrets"} {
		result := m.Delegate(context.Background(), delegatedSession(), ActionGet, map[string]any{
			"path": path,
		})
		require.False(t, result.Success, "path %q accepted", path)
		assert.Equal(t, "DELEGATION_ERROR", result.ErrorCode)
	}
}

func TestModule_DelegateBackendError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	m := newTestModule(t, server.URL)
	result := m.Delegate(context.Background(), delegatedSession(), ActionGet, map[string]any{
		"path": "/reports",
	})
	require.False(t, result.Success)
	assert.Equal(t, "DELEGATION_ERROR", result.ErrorCode)
	assert.Equal(t, "backend returned status 500", result.ErrorMessage)
	// The backend body never surfaces.
	assert.NotContains(t, result.ErrorMessage, "boom")
}

func TestModule_DelegateUnknownAction(t *testing.T) {
	t.Parallel()

	m := newTestModule(t, "http://backend.example")
	result := m.Delegate(context.Background(), delegatedSession(), "delete", map[string]any{
		"path": "/reports",
	})
	require.False(t, result.Success)
	assert.Equal(t, "DELEGATION_ERROR", result.ErrorCode)
}

func TestModule_HealthCheck(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))

	m := newTestModule(t, server.URL)
	assert.True(t, m.HealthCheck(context.Background()))

	server.Close()
	assert.False(t, m.HealthCheck(context.Background()))

	// Uninitialized modules are never healthy.
	assert.False(t, New().HealthCheck(context.Background()))
}

func TestModule_ImplementsContract(t *testing.T) {
	t.Parallel()

	var _ delegation.Module = New()
	m := newTestModule(t, "http://backend.example")
	assert.Equal(t, ModuleName, m.Name())
	assert.Equal(t, "http", m.Type())
	assert.Equal(t, []string{"api:call"}, m.Scopes())
}
