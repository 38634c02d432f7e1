// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/pkg/audit"
	"github.com/mcpgate/mcpgate/pkg/auth/idp"
	"github.com/mcpgate/mcpgate/pkg/auth/roles"
	"github.com/mcpgate/mcpgate/pkg/auth/session"
	"github.com/mcpgate/mcpgate/pkg/auth/token"
	"github.com/mcpgate/mcpgate/pkg/auth/tokenexchange"
	"github.com/mcpgate/mcpgate/pkg/errors"
	"github.com/mcpgate/mcpgate/pkg/telemetry"
)

const (
	testIssuer   = "https://idp.example/realm"
	testAudience = "mcp-oauth"
	testKeyID    = "pipeline-key-1"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *recordingSink) Record(_ context.Context, entry audit.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *recordingSink) last() (audit.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return audit.Entry{}, false
	}
	return s.entries[len(s.entries)-1], true
}

// pipelineFixture assembles the full authentication pipeline against a
// local JWKS server and, optionally, a local token exchange endpoint.
type pipelineFixture struct {
	service    *Service
	sink       *recordingSink
	privateKey *rsa.PrivateKey
}

type fixtureOptions struct {
	tokenExchange *idp.TokenExchange
}

func newPipeline(t *testing.T, opts fixtureOptions) *pipelineFixture {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	key, err := jwk.Import(privateKey.Public())
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, testKeyID))
	keySet := jwk.NewSet()
	require.NoError(t, keySet.AddKey(key))
	body, err := json.Marshal(keySet)
	require.NoError(t, err)

	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(body)
	}))
	t.Cleanup(jwksServer.Close)

	registry, err := idp.NewRegistry([]idp.Config{{
		Name:       "test-idp",
		Issuer:     testIssuer,
		Audience:   testAudience,
		JWKSURI:    jwksServer.URL,
		Algorithms: []string{"RS256"},
		RoleMappings: idp.RoleMappings{
			Admin: []string{"app-admin"},
			User:  []string{"app-user"},
			Guest: []string{"app-guest"},
		},
		TokenExchange: opts.tokenExchange,
	}})
	require.NoError(t, err)

	sink := &recordingSink{}
	var exchange *tokenexchange.Service
	if opts.tokenExchange != nil {
		exchange = tokenexchange.NewService(http.DefaultClient, nil, sink)
	}

	service := NewService(
		token.NewValidator(registry, token.NewJWKSCache(nil, 0)),
		roles.NewMapper(),
		session.NewManager(),
		exchange,
		sink,
	)
	return &pipelineFixture{service: service, sink: sink, privateKey: privateKey}
}

func (f *pipelineFixture) signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = testIssuer
	}
	if _, ok := claims["aud"]; !ok {
		claims["aud"] = testAudience
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(5 * time.Minute).Unix()
	}
	if _, ok := claims["iat"]; !ok {
		claims["iat"] = time.Now().Unix()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKeyID
	signed, err := tok.SignedString(f.privateKey)
	require.NoError(t, err)
	return signed
}

// unsignedJWT builds a compact JWT the exchange endpoint can issue; the
// pipeline decodes exchanged tokens without verifying them.
func unsignedJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func TestService_Authenticate(t *testing.T) {
	t.Parallel()

	f := newPipeline(t, fixtureOptions{})
	bearer := f.signToken(t, jwt.MapClaims{
		"sub":                "user-1",
		"preferred_username": "alice",
		"roles":              []string{"app-user"},
		"scope":              "openid profile",
	})

	result, err := f.service.Authenticate(context.Background(), bearer, "")
	require.NoError(t, err)
	require.False(t, result.Rejected)

	s := result.Session
	assert.Equal(t, "user-1", s.UserID)
	assert.Equal(t, "alice", s.Username)
	assert.Equal(t, "user", s.Role)
	assert.Equal(t, []string{"openid", "profile"}, s.Scopes)
	assert.Equal(t, bearer, s.RequestorToken)
	assert.False(t, s.IsRejected())
	assert.NoError(t, result.RejectionError())

	entry, ok := f.sink.last()
	require.True(t, ok)
	assert.Equal(t, audit.SourceAuthService, entry.Source)
	assert.Equal(t, audit.ActionAuthentication, entry.Action)
	assert.True(t, entry.Success)
}

func TestService_AuthenticateUnassignedRole(t *testing.T) {
	t.Parallel()

	f := newPipeline(t, fixtureOptions{})
	bearer := f.signToken(t, jwt.MapClaims{
		"sub":   "user-2",
		"roles": []string{"unknown-group"},
	})

	// An unmappable role set is a policy rejection, not an error.
	result, err := f.service.Authenticate(context.Background(), bearer, "")
	require.NoError(t, err)
	require.True(t, result.Rejected)
	assert.True(t, result.Session.IsRejected())
	assert.Equal(t, roles.RoleUnassigned, result.Session.Role)

	rejErr := result.RejectionError()
	require.Error(t, rejErr)
	assert.True(t, errors.IsKind(rejErr, errors.KindUnassignedRole))

	entry, ok := f.sink.last()
	require.True(t, ok)
	assert.False(t, entry.Success)
}

func TestService_AuthenticateInvalidToken(t *testing.T) {
	t.Parallel()

	f := newPipeline(t, fixtureOptions{})
	bearer := f.signToken(t, jwt.MapClaims{
		"sub":   "user-1",
		"roles": []string{"app-user"},
		"exp":   time.Now().Add(-10 * time.Minute).Unix(),
	})

	result, err := f.service.Authenticate(context.Background(), bearer, "")
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.IsKind(err, errors.KindTokenExpired), "got %v", err)
}

func TestService_AuthenticateRecordsOutcomeCounters(t *testing.T) {
	t.Parallel()

	f := newPipeline(t, fixtureOptions{})
	metrics := telemetry.NewProvider()
	f.service.SetMetrics(metrics)

	good := f.signToken(t, jwt.MapClaims{
		"sub":   "user-1",
		"roles": []string{"app-user"},
	})
	_, err := f.service.Authenticate(context.Background(), good, "")
	require.NoError(t, err)

	expired := f.signToken(t, jwt.MapClaims{
		"sub":   "user-1",
		"roles": []string{"app-user"},
		"exp":   time.Now().Add(-10 * time.Minute).Unix(),
	})
	_, err = f.service.Authenticate(context.Background(), expired, "")
	require.Error(t, err)

	rec := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `mcpgate_auth_total{outcome="success"} 1`)
	assert.Contains(t, body, `mcpgate_auth_total{outcome="failure"} 1`)
}

func TestService_AuthenticateWithTokenExchange(t *testing.T) {
	t.Parallel()

	// The exchanged token both carries the legacy identity and upgrades
	// the role: downstream authority comes from the exchanged token.
	issued := unsignedJWT(t, map[string]any{
		"sub":         "user-1",
		"legacy_name": "DOMAIN\\alice",
		"roles":       []any{"app-admin"},
		"exp":         time.Now().Add(10 * time.Minute).Unix(),
	})
	exchangeServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","expires_in":600}`, issued)
	}))
	t.Cleanup(exchangeServer.Close)

	f := newPipeline(t, fixtureOptions{tokenExchange: &idp.TokenExchange{
		TokenEndpoint: exchangeServer.URL,
		ClientID:      "mcpgate",
		ClientSecret:  "s3cret",
		Audience:      "urn:sql:database",
	}})

	bearer := f.signToken(t, jwt.MapClaims{
		"sub":                "user-1",
		"preferred_username": "alice",
		"roles":              []string{"app-user"},
	})

	result, err := f.service.Authenticate(context.Background(), bearer, "")
	require.NoError(t, err)
	require.False(t, result.Rejected)

	s := result.Session
	assert.Equal(t, issued, s.DelegationToken)
	assert.Equal(t, `DOMAIN\alice`, s.LegacyUsername)
	assert.Equal(t, "admin", s.Role)
}

func TestService_AuthenticateExchangeFailure(t *testing.T) {
	t.Parallel()

	exchangeServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	t.Cleanup(exchangeServer.Close)

	f := newPipeline(t, fixtureOptions{tokenExchange: &idp.TokenExchange{
		TokenEndpoint: exchangeServer.URL,
		ClientID:      "mcpgate",
		ClientSecret:  "s3cret",
		Audience:      "urn:sql:database",
	}})

	bearer := f.signToken(t, jwt.MapClaims{
		"sub":   "user-1",
		"roles": []string{"app-user"},
	})

	// Exchange failure aborts authentication: no session exists without
	// its delegation token.
	result, err := f.service.Authenticate(context.Background(), bearer, "")
	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, errors.IsKind(err, errors.KindTokenExchangeFailed), "got %v", err)
}
