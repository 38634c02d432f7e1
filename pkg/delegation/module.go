// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package delegation routes authorized tool calls to backend modules and
// enforces the trust boundary between modules and the gateway core.
package delegation

import (
	"context"

	"github.com/mcpgate/mcpgate/pkg/audit"
	"github.com/mcpgate/mcpgate/pkg/auth/session"
)

// Result is the outcome of one delegated call. Modules report their own
// success and attach an audit trail; the registry re-verifies both before
// anything is persisted.
type Result struct {
	// Success is the module's reported outcome.
	Success bool `json:"success"`
	// Data is the backend payload on success.
	Data any `json:"data,omitempty"`
	// ErrorCode is a machine-readable failure code.
	ErrorCode string `json:"errorCode,omitempty"`
	// ErrorMessage is a sanitized, user-visible failure message. Modules
	// must never place SQL text, file paths or connection strings here.
	ErrorMessage string `json:"errorMessage,omitempty"`
	// AuditTrail is the module's self-reported audit entry. The registry
	// enhances it with verified fields before persisting.
	AuditTrail audit.Entry `json:"-"`
}

// Failure builds a failed Result with the given code and message.
func Failure(code, message string) *Result {
	return &Result{Success: false, ErrorCode: code, ErrorMessage: message}
}

// Module is a backend integration. Modules live inside the process but
// outside the core trust boundary: the registry treats their self-reported
// outcomes as claims to verify, not facts.
type Module interface {
	// Name is the unique registration name.
	Name() string
	// Type describes the backend class (e.g. "sql", "http").
	Type() string
	// Initialize prepares the module with its configuration block.
	Initialize(ctx context.Context, cfg map[string]any) error
	// Delegate executes one action for the session.
	Delegate(ctx context.Context, s *session.UserSession, action string, params map[string]any) *Result
	// ValidateAccess reports whether the session may use this module at
	// all. It runs before Delegate and fails closed.
	ValidateAccess(s *session.UserSession) bool
	// HealthCheck reports backend reachability.
	HealthCheck(ctx context.Context) bool
	// Scopes lists the OAuth scopes this module exposes, advertised in
	// the protected-resource metadata.
	Scopes() []string
	// Destroy releases backend resources.
	Destroy(ctx context.Context) error
}
