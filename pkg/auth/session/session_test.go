// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/pkg/auth/roles"
)

func TestManager_Create(t *testing.T) {
	t.Parallel()

	m := NewManager()

	t.Run("live session for mapped role", func(t *testing.T) {
		t.Parallel()
		s := m.Create(CreateInput{
			JWTPayload:     map[string]any{"sub": "user-1"},
			RoleResult:     roles.MapResult{Primary: roles.RoleUser, Custom: []string{"team-red"}},
			UserID:         "user-1",
			Username:       "alice",
			RequestorToken: "requestor-jwt",
		})

		assert.Equal(t, CurrentVersion, s.Version)
		assert.Equal(t, roles.RoleUser, s.Role)
		assert.False(t, s.Rejected)
		assert.Regexp(t,
			`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`,
			s.SessionID)
	})

	t.Run("unassigned role rejects the session", func(t *testing.T) {
		t.Parallel()
		s := m.Create(CreateInput{
			RoleResult: roles.MapResult{Primary: roles.RoleUnassigned},
			UserID:     "user-2",
		})
		assert.True(t, s.Rejected)
		assert.True(t, s.IsRejected())
	})

	t.Run("fresh session ids per create", func(t *testing.T) {
		t.Parallel()
		a := m.Create(CreateInput{RoleResult: roles.MapResult{Primary: roles.RoleUser}})
		b := m.Create(CreateInput{RoleResult: roles.MapResult{Primary: roles.RoleUser}})
		assert.NotEqual(t, a.SessionID, b.SessionID)
	})

	t.Run("legacy username prefers delegation claims", func(t *testing.T) {
		t.Parallel()
		s := m.Create(CreateInput{
			RoleResult:       roles.MapResult{Primary: roles.RoleUser},
			LegacyUsername:   "DOMAIN\\alice",
			DelegationToken:  "te-jwt",
			DelegationClaims: map[string]any{"legacy_name": "legacy-alice"},
		})
		assert.Equal(t, "legacy-alice", s.LegacyUsername)
		assert.Equal(t, "te-jwt", s.DelegationToken)
	})

	t.Run("legacy username falls back to requestor claim", func(t *testing.T) {
		t.Parallel()
		s := m.Create(CreateInput{
			RoleResult:       roles.MapResult{Primary: roles.RoleUser},
			LegacyUsername:   "DOMAIN\\alice",
			DelegationClaims: map[string]any{"aud": "backend"},
		})
		assert.Equal(t, "DOMAIN\\alice", s.LegacyUsername)
	})
}

func TestUserSession_HasRole(t *testing.T) {
	t.Parallel()

	s := &UserSession{Role: roles.RoleUser, CustomRoles: []string{"team-red"}}
	assert.True(t, s.HasRole(roles.RoleUser))
	assert.True(t, s.HasRole("team-red"))
	assert.False(t, s.HasRole(roles.RoleAdmin))

	rejected := &UserSession{Role: roles.RoleUnassigned, Rejected: true}
	assert.False(t, rejected.HasRole(roles.RoleUnassigned))

	var nilSession *UserSession
	assert.False(t, nilSession.HasRole(roles.RoleUser))
}

func TestManager_Migrate(t *testing.T) {
	t.Parallel()

	m := NewManager()

	t.Run("current version round-trips", func(t *testing.T) {
		t.Parallel()
		original := m.Create(CreateInput{
			JWTPayload: map[string]any{"sub": "user-1"},
			RoleResult: roles.MapResult{Primary: roles.RoleAdmin, Custom: []string{"team-red"}},
			UserID:     "user-1",
			Username:   "alice",
			Scopes:     []string{"openid"},
		})

		raw, err := json.Marshal(original)
		require.NoError(t, err)

		migrated, err := m.Migrate(raw)
		require.NoError(t, err)
		// RequestorToken is never serialized, everything else survives.
		original.RequestorToken = ""
		assert.Equal(t, original, migrated)
	})

	t.Run("v0 payload is upgraded and permissions dropped", func(t *testing.T) {
		t.Parallel()
		raw := []byte(`{
			"sessionId": "4f2c86a1-2b4e-4c4e-9a31-8f2ad1640b11",
			"userId": "user-1",
			"role": "user",
			"permissions": ["db:read", "db:write"]
		}`)

		migrated, err := m.Migrate(raw)
		require.NoError(t, err)
		assert.Equal(t, CurrentVersion, migrated.Version)
		assert.False(t, migrated.Rejected)

		// The permission list must not survive in any serialized form.
		out, err := json.Marshal(migrated)
		require.NoError(t, err)
		assert.NotContains(t, string(out), "permissions")
	})

	t.Run("v0 unassigned role derives rejected", func(t *testing.T) {
		t.Parallel()
		migrated, err := m.Migrate([]byte(`{"userId":"u","role":"unassigned"}`))
		require.NoError(t, err)
		assert.True(t, migrated.Rejected)
	})

	t.Run("v0 missing role is rejected", func(t *testing.T) {
		t.Parallel()
		migrated, err := m.Migrate([]byte(`{"userId":"u"}`))
		require.NoError(t, err)
		assert.True(t, migrated.Rejected)
		assert.Equal(t, roles.RoleUnassigned, migrated.Role)
	})

	t.Run("newer version accepted as-is", func(t *testing.T) {
		t.Parallel()
		migrated, err := m.Migrate([]byte(`{"_version":7,"role":"user"}`))
		require.NoError(t, err)
		assert.Equal(t, 7, migrated.Version)
		assert.False(t, migrated.Rejected)
	})

	t.Run("malformed json is an error", func(t *testing.T) {
		t.Parallel()
		_, err := m.Migrate([]byte(`{`))
		assert.Error(t, err)
	})
}
