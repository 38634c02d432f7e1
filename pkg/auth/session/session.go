// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package session builds and manages authenticated user sessions.
package session

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/mcpgate/mcpgate/pkg/auth/roles"
)

// CurrentVersion is the session schema version written by this build.
const CurrentVersion = 1

// UserSession is the authenticated identity attached to every request.
// Authority derives from Role and CustomRoles only; sessions deliberately
// carry no permission list.
type UserSession struct {
	Version        int            `json:"_version"`
	SessionID      string         `json:"sessionId"`
	UserID         string         `json:"userId"`
	Username       string         `json:"username"`
	LegacyUsername string         `json:"legacyUsername,omitempty"`
	Role           string         `json:"role"`
	CustomRoles    []string       `json:"customRoles,omitempty"`
	Scopes         []string       `json:"scopes,omitempty"`
	Claims         map[string]any `json:"claims"`
	CustomClaims   map[string]any `json:"customClaims,omitempty"`
	// DelegationToken is the exchanged token in compact form, stored
	// verbatim for downstream delegation calls.
	DelegationToken string `json:"delegationToken,omitempty"`
	Rejected        bool   `json:"rejected"`

	// RequestorToken is the bearer token the client presented. Never
	// serialized.
	RequestorToken string `json:"-"`
}

// IsRejected reports whether the session is in the fail-closed state.
func (s *UserSession) IsRejected() bool {
	return s == nil || s.Rejected
}

// HasRole reports whether the session carries the role, either as its
// primary framework role or as a custom role.
func (s *UserSession) HasRole(role string) bool {
	if s.IsRejected() {
		return false
	}
	if s.Role == role {
		return true
	}
	for _, r := range s.CustomRoles {
		if r == role {
			return true
		}
	}
	return false
}

// CreateInput carries everything the session factory derives a session
// from. DelegationToken and DelegationClaims are present only when a token
// exchange ran for this authentication.
type CreateInput struct {
	JWTPayload       map[string]any
	RoleResult       roles.MapResult
	UserID           string
	Username         string
	LegacyUsername   string
	Scopes           []string
	RequestorToken   string
	DelegationToken  string
	DelegationClaims map[string]any
}

// Manager creates sessions and migrates serialized ones across schema
// versions.
type Manager struct {
	newID func() string
}

// NewManager creates a session manager.
func NewManager() *Manager {
	return &Manager{newID: func() string { return uuid.NewString() }}
}

// Create builds a fresh session with a new UUIDv4 session id. A session is
// rejected exactly when the role mapping produced unassigned.
func (m *Manager) Create(in CreateInput) *UserSession {
	legacy := in.LegacyUsername
	// The exchanged token is authoritative for the legacy identity when it
	// carries one.
	if in.DelegationClaims != nil {
		if name, ok := in.DelegationClaims["legacy_name"].(string); ok && name != "" {
			legacy = name
		}
	}

	return &UserSession{
		Version:         CurrentVersion,
		SessionID:       m.newID(),
		UserID:          in.UserID,
		Username:        in.Username,
		LegacyUsername:  legacy,
		Role:            in.RoleResult.Primary,
		CustomRoles:     in.RoleResult.Custom,
		Scopes:          in.Scopes,
		Claims:          in.JWTPayload,
		CustomClaims:    in.DelegationClaims,
		DelegationToken: in.DelegationToken,
		Rejected:        in.RoleResult.Primary == roles.RoleUnassigned,
		RequestorToken:  in.RequestorToken,
	}
}

// Migrate upgrades a serialized session to the current schema. Pre-v1
// payloads get Rejected derived from the role and any stray permissions
// field dropped. Versions newer than this build understands are accepted
// as-is.
func (m *Manager) Migrate(raw []byte) (*UserSession, error) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	// Permission lists from legacy serializations are never carried over.
	delete(generic, "permissions")

	cleaned, err := json.Marshal(generic)
	if err != nil {
		return nil, err
	}

	var s UserSession
	if err := json.Unmarshal(cleaned, &s); err != nil {
		return nil, err
	}

	if s.Version < CurrentVersion {
		s.Version = CurrentVersion
		s.Rejected = s.Role == roles.RoleUnassigned || s.Role == ""
		if s.Role == "" {
			s.Role = roles.RoleUnassigned
		}
	}
	return &s, nil
}
