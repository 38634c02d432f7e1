// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package oauthmeta serves the OAuth discovery documents: authorization
// server metadata (RFC 8414) mirroring the primary IDP, and protected
// resource metadata (RFC 9728) describing this gateway.
package oauthmeta

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/mcpgate/mcpgate/pkg/auth/idp"
	"github.com/mcpgate/mcpgate/pkg/logger"
)

// Well-known paths.
const (
	AuthorizationServerPath = "/.well-known/oauth-authorization-server"
	ProtectedResourcePath   = "/.well-known/oauth-protected-resource"
)

// authServerMetadata is the RFC 8414 document shape.
type authServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                     string   `json:"token_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// protectedResourceMetadata is the RFC 9728 document shape.
type protectedResourceMetadata struct {
	Resource                          string   `json:"resource"`
	AuthorizationServers              []string `json:"authorization_servers"`
	BearerMethodsSupported            []string `json:"bearer_methods_supported"`
	ResourceSigningAlgValuesSupported []string `json:"resource_signing_alg_values_supported,omitempty"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
}

// ScopeSource supplies the dynamically computed scope set, the union of
// scopes declared by registered delegation modules.
type ScopeSource interface {
	Scopes() []string
}

// Handler serves both well-known documents.
type Handler struct {
	registry  *idp.Registry
	serverURL string
	scopes    ScopeSource
}

// NewHandler creates a metadata handler. serverURL is the externally
// visible base URL of this gateway.
func NewHandler(registry *idp.Registry, serverURL string, scopes ScopeSource) *Handler {
	return &Handler{
		registry:  registry,
		serverURL: strings.TrimRight(serverURL, "/"),
		scopes:    scopes,
	}
}

// AuthorizationServer serves the RFC 8414 document. The gateway is not an
// authorization server itself; the document mirrors the primary IDP so MCP
// clients that only understand RFC 8414 can still discover where to
// authenticate.
func (h *Handler) AuthorizationServer(w http.ResponseWriter, r *http.Request) {
	primary := h.registry.Primary()

	issuer := strings.TrimRight(primary.Issuer, "/")
	doc := authServerMetadata{
		Issuer:                        primary.Issuer,
		AuthorizationEndpoint:         issuer + "/authorize",
		TokenEndpoint:                 issuer + "/token",
		JWKSURI:                       primary.JWKSURI,
		ResponseTypesSupported:        []string{"code"},
		GrantTypesSupported:           []string{"authorization_code", "refresh_token", "urn:ietf:params:oauth:grant-type:token-exchange"},
		CodeChallengeMethodsSupported: []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic", "client_secret_post",
		},
	}
	if te := primary.TokenExchange; te != nil {
		doc.TokenEndpoint = te.TokenEndpoint
	}

	h.writeJSON(w, r, doc)
}

// ProtectedResource serves the RFC 9728 document: one authorization server
// entry per trusted IDP and the live scope union of the registered
// delegation modules.
func (h *Handler) ProtectedResource(w http.ResponseWriter, r *http.Request) {
	var (
		servers []string
		algs    []string
		seenAlg = make(map[string]struct{})
	)
	for _, cfg := range h.registry.All() {
		servers = append(servers, cfg.Issuer)
		for _, alg := range cfg.Algorithms {
			if _, dup := seenAlg[alg]; !dup {
				seenAlg[alg] = struct{}{}
				algs = append(algs, alg)
			}
		}
	}

	doc := protectedResourceMetadata{
		Resource:                          h.serverURL,
		AuthorizationServers:              servers,
		BearerMethodsSupported:            []string{"header"},
		ResourceSigningAlgValuesSupported: algs,
	}
	if h.scopes != nil {
		doc.ScopesSupported = h.scopes.Scopes()
	}

	h.writeJSON(w, r, doc)
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, doc any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		logger.Errorw("failed to encode metadata document", "path", r.URL.Path, "error", err)
	}
}

// CORS grants browsers access to the MCP endpoint and the metadata
// documents. The header lists are fixed by the transport contract:
// Mcp-Session-Id must be both acceptable on requests and readable on
// responses, and WWW-Authenticate must be readable for 401 discovery.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers",
				"Content-Type, Authorization, Accept, Mcp-Session-Id, Last-Event-Id")
			w.Header().Set("Access-Control-Expose-Headers", "Mcp-Session-Id, WWW-Authenticate")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
