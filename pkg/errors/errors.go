// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the central error taxonomy for mcpgate.
//
// Policy failures (role rejection, delegation failure) are expressed as
// result values by their owning packages; the error kinds here cover the
// cryptographic, protocol and I/O failures that map 1:1 onto HTTP statuses
// at the boundary. Every kind carries a fixed user-visible message that is
// free of stack traces, file paths, connection strings and SQL text.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure.
type Kind string

// Error kinds.
const (
	KindMissingToken           Kind = "missing_token"
	KindInvalidTokenFormat     Kind = "invalid_token_format"
	KindUntrustedIssuer        Kind = "untrusted_issuer"
	KindUntrustedAudience      Kind = "untrusted_audience"
	KindAlgorithmNotAllowed    Kind = "algorithm_not_allowed"
	KindSignatureInvalid       Kind = "signature_invalid"
	KindTokenExpired           Kind = "token_expired"
	KindTokenNotYetValid       Kind = "token_not_yet_valid"
	KindTokenTooOld            Kind = "token_too_old"
	KindMissingClaim           Kind = "missing_claim"
	KindUnassignedRole         Kind = "unassigned_role"
	KindTokenExchangeFailed    Kind = "token_exchange_failed"
	KindDelegationNotFound     Kind = "delegation_module_not_found"
	KindDelegationFailed       Kind = "delegation_failed"
	KindTrustBoundaryViolation Kind = "trust_boundary_violation"
	KindInsufficientPerms      Kind = "insufficient_permissions"
	KindInvalidSessionID       Kind = "invalid_session_id"
	KindCacheLimitExceeded     Kind = "cache_limit_exceeded"
	KindRateLimited            Kind = "rate_limited"
	KindConfiguration          Kind = "configuration_error"
	KindInternal               Kind = "internal"
)

// SecurityError is the error type raised across authentication and
// authorization boundaries. It wraps an underlying cause but is rendered to
// clients only through its taxonomy mapping, never through Cause.
type SecurityError struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error returns the internal (log-facing) message.
func (e *SecurityError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *SecurityError) Unwrap() error {
	return e.Cause
}

// New creates a new SecurityError.
func New(kind Kind, message string, cause error) *SecurityError {
	return &SecurityError{Kind: kind, Message: message, Cause: cause}
}

// Newf creates a new SecurityError with a formatted message and no cause.
func Newf(kind Kind, format string, args ...any) *SecurityError {
	return &SecurityError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Mapping describes how a kind surfaces at the HTTP and tool boundaries.
type Mapping struct {
	// HTTPStatus is the status code at the HTTP boundary.
	HTTPStatus int
	// Code is the machine-readable code in tool failure responses.
	Code string
	// UserMessage is the client-visible message. 401 messages keep one of
	// the keywords Authentication / Invalid JWT / Token / Unauthorized so
	// discriminating proxies keep working.
	UserMessage string
}

var mappings = map[Kind]Mapping{
	KindMissingToken:           {http.StatusUnauthorized, "MISSING_TOKEN", "Unauthorized: Missing Authorization header with Bearer token"},
	KindInvalidTokenFormat:     {http.StatusUnauthorized, "INVALID_TOKEN", "Invalid JWT"},
	KindUntrustedIssuer:        {http.StatusUnauthorized, "UNTRUSTED_ISSUER", "Invalid JWT: untrusted issuer"},
	KindUntrustedAudience:      {http.StatusUnauthorized, "UNTRUSTED_AUDIENCE", "Invalid JWT: untrusted audience"},
	KindAlgorithmNotAllowed:    {http.StatusUnauthorized, "ALGORITHM_NOT_ALLOWED", "Invalid JWT: algorithm not allowed"},
	KindSignatureInvalid:       {http.StatusUnauthorized, "SIGNATURE_INVALID", "Invalid JWT"},
	KindTokenExpired:           {http.StatusUnauthorized, "TOKEN_EXPIRED", "Token has expired"},
	KindTokenNotYetValid:       {http.StatusUnauthorized, "TOKEN_NOT_YET_VALID", "Token not yet valid"},
	KindTokenTooOld:            {http.StatusUnauthorized, "TOKEN_TOO_OLD", "Token exceeds maximum age"},
	KindMissingClaim:           {http.StatusUnauthorized, "MISSING_CLAIM", "Invalid JWT: missing required claim"},
	KindUnassignedRole:         {http.StatusForbidden, "INSUFFICIENT_PERMISSIONS", "Unauthorized: User has no valid roles assigned"},
	KindTokenExchangeFailed:    {http.StatusUnauthorized, "TOKEN_EXCHANGE_FAILED", "Token exchange failed"},
	KindDelegationNotFound:     {http.StatusInternalServerError, "DELEGATION_ERROR", "Delegation module not available"},
	KindDelegationFailed:       {http.StatusInternalServerError, "DELEGATION_ERROR", "Delegation to backend failed"},
	KindTrustBoundaryViolation: {http.StatusInternalServerError, "DELEGATION_ERROR", "Delegation to backend failed"},
	KindInsufficientPerms:      {http.StatusForbidden, "INSUFFICIENT_PERMISSIONS", "Insufficient permissions for this operation"},
	KindInvalidSessionID:       {http.StatusBadRequest, "INVALID_SESSION_ID", "Invalid session identifier"},
	KindCacheLimitExceeded:     {http.StatusServiceUnavailable, "CACHE_LIMIT_EXCEEDED", "Temporarily unable to process delegated requests"},
	KindRateLimited:            {http.StatusTooManyRequests, "RATE_LIMITED", "Too many authentication attempts"},
	KindConfiguration:          {http.StatusInternalServerError, "CONFIGURATION_ERROR", "An internal processing error occurred."},
	KindInternal:               {http.StatusInternalServerError, "SERVER_ERROR", "An internal processing error occurred."},
}

// MappingFor returns the boundary mapping for a kind. Unknown kinds map to
// the internal error mapping, failing closed on the message content.
func MappingFor(kind Kind) Mapping {
	if m, ok := mappings[kind]; ok {
		return m
	}
	return mappings[KindInternal]
}

// KindOf extracts the Kind from an error chain. Errors that are not
// SecurityError are classified as KindInternal.
func KindOf(err error) Kind {
	var se *SecurityError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain contains a SecurityError of the
// given kind.
func IsKind(err error, kind Kind) bool {
	var se *SecurityError
	return errors.As(err, &se) && se.Kind == kind
}

// IsAuthenticationFailure reports whether the error maps to HTTP 401. The
// middleware uses this to decide whether a WWW-Authenticate header is
// required on the response.
func IsAuthenticationFailure(err error) bool {
	return MappingFor(KindOf(err)).HTTPStatus == http.StatusUnauthorized
}
