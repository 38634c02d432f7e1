// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package audit provides append-only audit logging for mcpgate.
//
// Every security-relevant decision produces an Entry: authentication
// outcomes, token exchanges, cache lifecycle events and delegation calls.
// Sinks are write-only; the package deliberately exposes no query surface so
// callers cannot grow O(n) scans over audit history.
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Well-known sources. A source is mandatory on every entry and names the
// component that emitted it.
const (
	SourceAuthService      = "auth:service"
	SourceAuthMiddleware   = "auth:middleware"
	SourceTokenExchange    = "auth:token_exchange"
	SourceTokenCache       = "auth:token_cache"
	SourceRegistry         = "delegation:registry"
	SourceRegistrySecurity = "delegation:registry:security"
	SourceDispatcher       = "mcp:dispatcher"
)

// Well-known actions.
const (
	ActionAuthentication       = "AUTHENTICATION"
	ActionTokenExchangeSuccess = "TOKEN_EXCHANGE_SUCCESS"
	ActionTokenExchangeFailure = "TOKEN_EXCHANGE_FAILURE"
	ActionCacheHit             = "CACHE_HIT"
	ActionCacheMiss            = "CACHE_MISS"
	ActionCacheEviction        = "CACHE_EVICTION"
	ActionCacheSessionCleared  = "CACHE_SESSION_CLEARED"
	ActionCacheCleared         = "CACHE_CLEARED"
	ActionInvalidSessionID     = "INVALID_SESSION_ID"
	ActionDelegation           = "DELEGATION"
	ActionTrustBoundary        = "trust_boundary_violation"
	ActionToolCall             = "TOOL_CALL"
	ActionServerError          = "SERVER_ERROR"
)

// Entry is a single append-only audit record.
//
// The three trust-boundary fields are only populated on delegation entries,
// where the registry records both the module's self-reported outcome and the
// outcome it verified itself.
type Entry struct {
	// ID is a unique identifier for this entry.
	ID string `json:"auditId"`
	// Timestamp is when the audited event occurred, in UTC.
	Timestamp time.Time `json:"timestamp"`
	// Source names the emitting component. Mandatory.
	Source string `json:"source"`
	// UserID identifies the acting user, when known.
	UserID string `json:"userId,omitempty"`
	// Action is the audited operation.
	Action string `json:"action"`
	// Success records the outcome.
	Success bool `json:"success"`
	// Reason carries a short human-readable explanation for failures.
	Reason string `json:"reason,omitempty"`
	// Error carries the internal error text. Never shown to clients.
	Error string `json:"error,omitempty"`
	// Metadata holds extra forensic context. Values must already be
	// sanitized; sql and params fields are redacted by the dispatcher
	// before they reach an entry.
	Metadata map[string]any `json:"metadata,omitempty"`

	// ModuleReportedSuccess is the outcome the delegation module claimed.
	ModuleReportedSuccess *bool `json:"moduleReportedSuccess,omitempty"`
	// RegistryVerifiedSuccess is the outcome the registry observed.
	RegistryVerifiedSuccess *bool `json:"registryVerifiedSuccess,omitempty"`
	// RegistryTimestamp is when the registry stamped the entry.
	RegistryTimestamp *time.Time `json:"registryTimestamp,omitempty"`
}

// NewEntry returns an Entry with a fresh ID and UTC timestamp. Source is
// mandatory on every entry; an empty source is a programming error and is
// stamped "audit:unspecified" so the invariant holds even then.
func NewEntry(source, action string, success bool) Entry {
	if source == "" {
		source = "audit:unspecified"
	}
	return Entry{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Action:    action,
		Success:   success,
	}
}

// WithUser sets the acting user.
func (e Entry) WithUser(userID string) Entry {
	e.UserID = userID
	return e
}

// WithReason sets the failure reason.
func (e Entry) WithReason(reason string) Entry {
	e.Reason = reason
	return e
}

// WithError records the internal error text.
func (e Entry) WithError(err error) Entry {
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// WithMetadata merges extra forensic context into the entry.
func (e Entry) WithMetadata(md map[string]any) Entry {
	if len(md) == 0 {
		return e
	}
	if e.Metadata == nil {
		e.Metadata = make(map[string]any, len(md))
	}
	for k, v := range md {
		e.Metadata[k] = v
	}
	return e
}

// boolPtr is a convenience for the trust-boundary fields.
func boolPtr(b bool) *bool { return &b }

// WithTrustBoundary stamps the trust-boundary verification fields onto a
// delegation entry.
func (e Entry) WithTrustBoundary(moduleReported, registryVerified bool, at time.Time) Entry {
	e.ModuleReportedSuccess = boolPtr(moduleReported)
	e.RegistryVerifiedSuccess = boolPtr(registryVerified)
	at = at.UTC()
	e.RegistryTimestamp = &at
	return e
}
