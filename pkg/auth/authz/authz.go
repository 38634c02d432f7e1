// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package authz provides role checks over authenticated sessions.
//
// Soft checks return booleans and drive tool visibility; hard checks
// return taxonomy errors and guard execution. Rejected sessions fail every
// check, soft and hard alike.
package authz

import (
	"context"

	"github.com/mcpgate/mcpgate/pkg/auth"
	"github.com/mcpgate/mcpgate/pkg/auth/session"
	"github.com/mcpgate/mcpgate/pkg/errors"
)

// IsAuthenticated reports whether the context carries a live session.
func IsAuthenticated(ctx context.Context) bool {
	s, ok := auth.SessionFromContext(ctx)
	return ok && !s.IsRejected()
}

// HasRole reports whether the session carries the role.
func HasRole(ctx context.Context, role string) bool {
	s, ok := auth.SessionFromContext(ctx)
	return ok && s.HasRole(role)
}

// HasAnyRole reports whether the session carries at least one of the roles.
func HasAnyRole(ctx context.Context, roles ...string) bool {
	s, ok := auth.SessionFromContext(ctx)
	if !ok || s.IsRejected() {
		return false
	}
	for _, role := range roles {
		if s.HasRole(role) {
			return true
		}
	}
	return false
}

// HasAllRoles reports whether the session carries every one of the roles.
func HasAllRoles(ctx context.Context, roles ...string) bool {
	s, ok := auth.SessionFromContext(ctx)
	if !ok || s.IsRejected() {
		return false
	}
	for _, role := range roles {
		if !s.HasRole(role) {
			return false
		}
	}
	return true
}

// RequireAuth returns the live session or an authentication error.
func RequireAuth(ctx context.Context) (*session.UserSession, error) {
	s, ok := auth.SessionFromContext(ctx)
	if !ok {
		return nil, errors.Newf(errors.KindMissingToken, "no authenticated session")
	}
	if s.IsRejected() {
		return nil, errors.Newf(errors.KindUnassignedRole, "session is rejected")
	}
	return s, nil
}

// RequireRole returns the session when it carries the role, or an
// insufficient-permissions error.
func RequireRole(ctx context.Context, role string) (*session.UserSession, error) {
	s, err := RequireAuth(ctx)
	if err != nil {
		return nil, err
	}
	if !s.HasRole(role) {
		return nil, errors.Newf(errors.KindInsufficientPerms, "role %q required", role)
	}
	return s, nil
}

// RequireAnyRole returns the session when it carries at least one of the
// roles.
func RequireAnyRole(ctx context.Context, roles ...string) (*session.UserSession, error) {
	s, err := RequireAuth(ctx)
	if err != nil {
		return nil, err
	}
	for _, role := range roles {
		if s.HasRole(role) {
			return s, nil
		}
	}
	return nil, errors.Newf(errors.KindInsufficientPerms, "one of roles %v required", roles)
}

// RequireAllRoles returns the session when it carries every one of the
// roles.
func RequireAllRoles(ctx context.Context, roles ...string) (*session.UserSession, error) {
	s, err := RequireAuth(ctx)
	if err != nil {
		return nil, err
	}
	for _, role := range roles {
		if !s.HasRole(role) {
			return nil, errors.Newf(errors.KindInsufficientPerms, "role %q required", role)
		}
	}
	return s, nil
}
