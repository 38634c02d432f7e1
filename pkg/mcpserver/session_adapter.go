// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

package mcpserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpgate/mcpgate/pkg/logger"
)

const defaultSessionTTL = 30 * time.Minute

// TokenRevoker clears a session's cached delegation tokens. Satisfied by
// the token cache.
type TokenRevoker interface {
	ClearSession(ctx context.Context, sessionID string)
}

type transportSession struct {
	lastSeen   time.Time
	terminated bool
}

// sessionIDManager implements the MCP SDK's SessionIdManager. It owns the
// transport session lifecycle: UUIDv4 generation, validation with TTL
// touch, and termination — which is also the delegation-token revocation
// point.
type sessionIDManager struct {
	mu       sync.Mutex
	sessions map[string]*transportSession
	ttl      time.Duration
	revoker  TokenRevoker
	now      func() time.Time
}

func newSessionIDManager(ttl time.Duration, revoker TokenRevoker) *sessionIDManager {
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &sessionIDManager{
		sessions: make(map[string]*transportSession),
		ttl:      ttl,
		revoker:  revoker,
		now:      time.Now,
	}
}

// Generate issues a fresh UUIDv4 session id. Called by the SDK on
// initialize requests without an Mcp-Session-Id header.
func (m *sessionIDManager) Generate() string {
	id := uuid.NewString()
	m.mu.Lock()
	m.sessions[id] = &transportSession{lastSeen: m.now()}
	m.mu.Unlock()
	logger.Debugw("generated MCP session", "session_id", id)
	return id
}

// Validate checks the session on every request and refreshes its TTL.
func (m *sessionIDManager) Validate(sessionID string) (isTerminated bool, err error) {
	if sessionID == "" {
		return false, fmt.Errorf("empty session ID")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return false, fmt.Errorf("session not found")
	}
	if s.terminated {
		return true, nil
	}
	if m.now().Sub(s.lastSeen) > m.ttl {
		delete(m.sessions, sessionID)
		m.revokeLocked(sessionID)
		return false, fmt.Errorf("session expired")
	}
	s.lastSeen = m.now()
	return false, nil
}

// Terminate handles the client's DELETE. Termination drops every
// delegation token the session holds; this is the primary revocation path.
func (m *sessionIDManager) Terminate(sessionID string) (isNotAllowed bool, err error) {
	if sessionID == "" {
		return false, fmt.Errorf("empty session ID")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return false, fmt.Errorf("session not found")
	}
	s.terminated = true
	m.revokeLocked(sessionID)
	logger.Debugw("terminated MCP session", "session_id", sessionID)
	return false, nil
}

func (m *sessionIDManager) revokeLocked(sessionID string) {
	if m.revoker != nil {
		m.revoker.ClearSession(context.Background(), sessionID)
	}
}

// sweep drops terminated and idle sessions. Runs from the server's
// housekeeping ticker.
func (m *sessionIDManager) sweep() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.terminated || now.Sub(s.lastSeen) > m.ttl {
			if !s.terminated {
				m.revokeLocked(id)
			}
			delete(m.sessions, id)
		}
	}
}
