// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mcpgate/mcpgate/pkg/audit"
	"github.com/mcpgate/mcpgate/pkg/errors"
	"github.com/mcpgate/mcpgate/pkg/logger"
)

// SessionIDHeader is the MCP streamable HTTP session header. The server
// issues it on a session's first response and clients echo it back.
const SessionIDHeader = "Mcp-Session-Id"

// jsonRPCAuthErrorCode is the JSON-RPC error code used for transport-level
// authentication failures on the MCP endpoint.
const jsonRPCAuthErrorCode = -32000

// Middleware authenticates every request to the MCP endpoint and stores
// the resulting session in the request context.
type Middleware struct {
	service   *Service
	serverURL string
	sink      audit.Sink
}

// NewMiddleware creates the authentication middleware. serverURL is the
// externally visible base URL, used to point 401 responses at the
// protected-resource metadata document.
func NewMiddleware(service *Service, serverURL string, sink audit.Sink) *Middleware {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Middleware{
		service:   service,
		serverURL: strings.TrimRight(serverURL, "/"),
		sink:      sink,
	}
}

// Handler wraps next with bearer authentication.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer, err := extractBearer(r)
		if err != nil {
			m.writeError(w, err)
			return
		}

		result, err := m.service.Authenticate(r.Context(), bearer, r.Header.Get(SessionIDHeader))
		if err != nil {
			m.writeError(w, err)
			return
		}

		// Dual rejection check: both the result flag and the session's
		// own flag must agree before the request proceeds.
		if result.Rejected || result.Session.IsRejected() {
			m.sink.Record(r.Context(), audit.NewEntry(audit.SourceAuthMiddleware, audit.ActionAuthentication, false).
				WithUser(result.Session.UserID).
				WithReason(result.RejectionReason))
			m.writeError(w, result.RejectionError())
			return
		}

		next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), result.Session)))
	})
}

// extractBearer pulls the bearer token from the Authorization header.
func extractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.Newf(errors.KindMissingToken, "no Authorization header")
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", errors.Newf(errors.KindMissingToken, "Authorization header is not a Bearer token")
	}
	return strings.TrimSpace(token), nil
}

// writeError renders an error through the taxonomy mapping. 401 responses
// carry the mandatory WWW-Authenticate challenge pointing at the
// protected-resource metadata; 403 responses never do.
func (m *Middleware) writeError(w http.ResponseWriter, err error) {
	mapping := errors.MappingFor(errors.KindOf(err))

	logger.Debugw("request rejected", "status", mapping.HTTPStatus, "error", err)

	w.Header().Set("Content-Type", "application/json")
	if mapping.HTTPStatus == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", m.wwwAuthenticate())
	}
	w.WriteHeader(mapping.HTTPStatus)

	var body any
	if mapping.HTTPStatus == http.StatusUnauthorized {
		// The MCP endpoint speaks JSON-RPC; transport-level auth
		// failures use its error envelope.
		body = map[string]any{
			"jsonrpc": "2.0",
			"id":      nil,
			"error": map[string]any{
				"code":    jsonRPCAuthErrorCode,
				"message": mapping.UserMessage,
			},
		}
	} else {
		body = map[string]any{
			"status":  "failure",
			"code":    mapping.Code,
			"message": mapping.UserMessage,
		}
	}
	if encodeErr := json.NewEncoder(w).Encode(body); encodeErr != nil {
		logger.Errorw("failed to encode error response", "error", encodeErr)
	}
}

func (m *Middleware) wwwAuthenticate() string {
	return fmt.Sprintf("Bearer resource_metadata=%q",
		m.serverURL+"/.well-known/oauth-protected-resource")
}
