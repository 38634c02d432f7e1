// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package auth orchestrates the authentication pipeline: JWT validation,
// role mapping, token exchange and session creation, plus the HTTP
// middleware that fronts the MCP transport.
package auth

import (
	"context"

	"github.com/mcpgate/mcpgate/pkg/auth/session"
)

type contextKey string

const sessionKey contextKey = "mcpgate.session"

// WithSession returns a context carrying the authenticated session.
func WithSession(ctx context.Context, s *session.UserSession) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFromContext extracts the authenticated session, if any.
func SessionFromContext(ctx context.Context) (*session.UserSession, bool) {
	s, ok := ctx.Value(sessionKey).(*session.UserSession)
	return s, ok && s != nil
}
