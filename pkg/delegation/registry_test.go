// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

package delegation

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/pkg/audit"
	"github.com/mcpgate/mcpgate/pkg/auth/session"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *recordingSink) Record(_ context.Context, entry audit.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *recordingSink) byAction(action string) []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Entry
	for _, e := range s.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// fakeModule is a scriptable delegation module.
type fakeModule struct {
	name        string
	scopes      []string
	allowAccess bool
	healthy     bool
	result      *Result
	destroyed   bool

	delegateCalls int
}

func (m *fakeModule) Name() string { return m.name }
func (m *fakeModule) Type() string { return "fake" }
func (m *fakeModule) Initialize(context.Context, map[string]any) error {
	return nil
}
func (m *fakeModule) Delegate(_ context.Context, _ *session.UserSession, _ string, _ map[string]any) *Result {
	m.delegateCalls++
	return m.result
}
func (m *fakeModule) ValidateAccess(*session.UserSession) bool { return m.allowAccess }
func (m *fakeModule) HealthCheck(context.Context) bool         { return m.healthy }
func (m *fakeModule) Scopes() []string                         { return m.scopes }
func (m *fakeModule) Destroy(context.Context) error {
	m.destroyed = true
	return nil
}

func userSession() *session.UserSession {
	return &session.UserSession{
		Version:   session.CurrentVersion,
		SessionID: "b7e23ec2-8c45-4b21-9c3a-1f2d4e5a6b7c",
		UserID:    "user-1",
		Username:  "alice",
		Role:      "user",
	}
}

func TestRegistry_RegisterAndList(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	require.NoError(t, r.Register(&fakeModule{name: "sqlexec"}))
	require.NoError(t, r.Register(&fakeModule{name: "httpapi"}))

	assert.Equal(t, []string{"httpapi", "sqlexec"}, r.List())

	err := r.Register(&fakeModule{name: "sqlexec"})
	assert.Error(t, err)

	err = r.Register(&fakeModule{name: ""})
	assert.Error(t, err)
}

func TestRegistry_ScopesUnion(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	require.NoError(t, r.Register(&fakeModule{name: "a", scopes: []string{"sql:read", "sql:write"}}))
	require.NoError(t, r.Register(&fakeModule{name: "b", scopes: []string{"api:call", "sql:read"}}))

	assert.Equal(t, []string{"api:call", "sql:read", "sql:write"}, r.Scopes())
}

func TestRegistry_DelegateHappyPath(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	r := NewRegistry(sink)

	mod := &fakeModule{
		name:        "sqlexec",
		allowAccess: true,
		result: &Result{
			Success:    true,
			Data:       map[string]any{"rows": 3},
			AuditTrail: audit.NewEntry("", audit.ActionDelegation, true),
		},
	}
	require.NoError(t, r.Register(mod))

	result := r.Delegate(context.Background(), "sqlexec", userSession(), "query", nil)
	require.True(t, result.Success)
	assert.Equal(t, 1, mod.delegateCalls)

	// The persisted entry carries the verified trust-boundary fields and
	// the backfilled source and user.
	entries := sink.byAction(audit.ActionDelegation)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "delegation:sqlexec", e.Source)
	assert.Equal(t, "user-1", e.UserID)
	require.NotNil(t, e.ModuleReportedSuccess)
	require.NotNil(t, e.RegistryVerifiedSuccess)
	assert.True(t, *e.ModuleReportedSuccess)
	assert.True(t, *e.RegistryVerifiedSuccess)
	require.NotNil(t, e.RegistryTimestamp)
	assert.False(t, e.RegistryTimestamp.IsZero())

	// No violation was flagged.
	assert.Empty(t, sink.byAction(audit.ActionTrustBoundary))
}

func TestRegistry_TrustBoundaryViolation(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	r := NewRegistry(sink)

	// The module fails but its self-reported audit trail claims success.
	trail := audit.NewEntry("", audit.ActionDelegation, true)
	mod := &fakeModule{
		name:        "sqlexec",
		allowAccess: true,
		result: &Result{
			Success:      false,
			ErrorCode:    "DELEGATION_ERROR",
			ErrorMessage: "Delegation to backend failed",
			AuditTrail:   trail,
		},
	}
	require.NoError(t, r.Register(mod))

	result := r.Delegate(context.Background(), "sqlexec", userSession(), "query", nil)
	require.False(t, result.Success)

	violations := sink.byAction(audit.ActionTrustBoundary)
	require.Len(t, violations, 1)
	v := violations[0]
	assert.Equal(t, audit.SourceRegistrySecurity, v.Source)
	assert.False(t, v.Success)
	require.NotNil(t, v.ModuleReportedSuccess)
	require.NotNil(t, v.RegistryVerifiedSuccess)
	assert.True(t, *v.ModuleReportedSuccess)
	assert.False(t, *v.RegistryVerifiedSuccess)

	// The delegation entry and the violation entry carry the same
	// registry-verified timestamp.
	entries := sink.byAction(audit.ActionDelegation)
	require.Len(t, entries, 1)
	assert.Equal(t, v.RegistryTimestamp, entries[0].RegistryTimestamp)
}

func TestRegistry_RejectedSessionNeverReachesModule(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	r := NewRegistry(sink)
	mod := &fakeModule{name: "sqlexec", allowAccess: true, result: &Result{Success: true}}
	require.NoError(t, r.Register(mod))

	s := userSession()
	s.Rejected = true

	result := r.Delegate(context.Background(), "sqlexec", s, "query", nil)
	require.False(t, result.Success)
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", result.ErrorCode)
	assert.Zero(t, mod.delegateCalls)

	var nilSession *session.UserSession
	result = r.Delegate(context.Background(), "sqlexec", nilSession, "query", nil)
	require.False(t, result.Success)
	assert.Zero(t, mod.delegateCalls)
}

func TestRegistry_DelegateMissingModule(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	r := NewRegistry(sink)

	result := r.Delegate(context.Background(), "ghost", userSession(), "query", nil)
	require.False(t, result.Success)
	assert.Equal(t, "DELEGATION_ERROR", result.ErrorCode)
	assert.Equal(t, "Delegation module not available", result.ErrorMessage)
}

func TestRegistry_AccessCheckDeniesBeforeDelegate(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	mod := &fakeModule{name: "sqlexec", allowAccess: false, result: &Result{Success: true}}
	require.NoError(t, r.Register(mod))

	result := r.Delegate(context.Background(), "sqlexec", userSession(), "query", nil)
	require.False(t, result.Success)
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", result.ErrorCode)
	assert.Zero(t, mod.delegateCalls)
}

func TestRegistry_NilModuleResult(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	mod := &fakeModule{name: "sqlexec", allowAccess: true, result: nil}
	require.NoError(t, r.Register(mod))

	result := r.Delegate(context.Background(), "sqlexec", userSession(), "query", nil)
	require.NotNil(t, result)
	assert.False(t, result.Success)
	assert.Equal(t, "DELEGATION_ERROR", result.ErrorCode)
}

func TestRegistry_HealthCheckAndDestroy(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	healthy := &fakeModule{name: "up", healthy: true}
	broken := &fakeModule{name: "down", healthy: false}
	require.NoError(t, r.Register(healthy))
	require.NoError(t, r.Register(broken))

	health := r.HealthCheck(context.Background())
	assert.Equal(t, map[string]bool{"up": true, "down": false}, health)

	r.DestroyAll(context.Background())
	assert.True(t, healthy.destroyed)
	assert.True(t, broken.destroyed)
	assert.Empty(t, r.List())
}

func TestRegistry_Unregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	mod := &fakeModule{name: "sqlexec"}
	require.NoError(t, r.Register(mod))

	require.NoError(t, r.Unregister(context.Background(), "sqlexec"))
	assert.True(t, mod.destroyed)

	err := r.Unregister(context.Background(), "sqlexec")
	assert.Error(t, err)
}
