// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package tokenexchange performs OAuth 2.0 Token Exchange (RFC 8693)
// against a trusted IDP, producing delegation tokens for downstream
// backends. Exchanged tokens are cached per MCP session.
package tokenexchange

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/mcpgate/mcpgate/pkg/audit"
	"github.com/mcpgate/mcpgate/pkg/auth/idp"
	"github.com/mcpgate/mcpgate/pkg/auth/tokencache"
	"github.com/mcpgate/mcpgate/pkg/errors"
	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/telemetry"
)

const (
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	subjectTokenTypeJWT = "urn:ietf:params:oauth:token-type:jwt"

	// maxResponseBodySize limits token endpoint response bodies (1 MB).
	maxResponseBodySize = 1 << 20

	// maxRetryWallClock bounds the whole exchange, initial attempt plus
	// the single retry.
	maxRetryWallClock = 5 * time.Second

	retryInitialInterval = 250 * time.Millisecond
)

// oAuthError is an OAuth 2.0 error response (RFC 6749 section 5.2).
type oAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	StatusCode       int    `json:"-"`
}

func (e *oAuthError) String() string {
	if e.ErrorDescription != "" {
		return fmt.Sprintf("OAuth error %q (status %d): %s", e.Error, e.StatusCode, e.ErrorDescription)
	}
	return fmt.Sprintf("OAuth error %q (status %d)", e.Error, e.StatusCode)
}

func parseOAuthError(statusCode int, body []byte) *oAuthError {
	var oauthErr oAuthError
	if err := json.Unmarshal(body, &oauthErr); err != nil || oauthErr.Error == "" {
		return nil
	}
	oauthErr.StatusCode = statusCode
	return &oauthErr
}

// tokenResponse decodes the token endpoint's success response.
type tokenResponse struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope"`
}

// Request is one exchange operation. SessionID is optional; when present
// and the IDP enables caching, the exchanged token is cached under
// (SessionID, audience).
type Request struct {
	SessionID    string
	SubjectToken string
	IDP          *idp.Config
	// Audience overrides the IDP's configured exchange audience when set.
	Audience string
	// Scope overrides the IDP's configured exchange scope when set.
	Scope string
}

// Service exchanges requestor tokens for delegation tokens. Concurrent
// cache misses for the same (session, audience) collapse into a single
// outbound request.
type Service struct {
	client  *http.Client
	cache   *tokencache.Cache
	sink    audit.Sink
	metrics *telemetry.Provider
	group   singleflight.Group

	now func() time.Time
}

// NewService creates an exchange service. cache may be nil to disable
// caching entirely; sink may be nil.
func NewService(client *http.Client, cache *tokencache.Cache, sink audit.Sink) *Service {
	if client == nil {
		client = &http.Client{Timeout: maxRetryWallClock}
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Service{
		client: client,
		cache:  cache,
		sink:   sink,
		now:    time.Now,
	}
}

// SetMetrics attaches the telemetry provider counting exchange outcomes.
// A nil provider disables instrumentation.
func (s *Service) SetMetrics(p *telemetry.Provider) {
	s.metrics = p
}

// Exchange returns a delegation token for the request, consulting the
// session-bound cache first. All failures map to TokenExchangeFailed
// except a configured required claim missing from the issued token, which
// is MissingClaim.
func (s *Service) Exchange(ctx context.Context, req Request) (string, error) {
	te := req.IDP.TokenExchange
	if te == nil {
		return "", errors.Newf(errors.KindTokenExchangeFailed,
			"IDP %q has no token exchange configuration", req.IDP.Name)
	}

	audience := req.Audience
	if audience == "" {
		audience = te.Audience
	}
	scope := req.Scope
	if scope == "" {
		scope = te.Scope
	}

	cacheable := s.cache != nil && te.Cache != nil && te.Cache.Enabled &&
		tokencache.ValidSessionID(req.SessionID)

	if cacheable {
		if token, ok := s.cache.Get(ctx, req.SessionID, audience); ok {
			s.metrics.RecordExchange("cache_hit")
			return token, nil
		}
	}

	// Without a valid transport session id there is no cache entry to
	// deduplicate, and a shared single-flight key would hand one caller a
	// token minted for another caller's subject. Those exchanges go
	// straight out.
	if !tokencache.ValidSessionID(req.SessionID) {
		return s.exchangeAndStore(ctx, req, te, audience, scope, false)
	}

	// Single-flight per (session, audience): the first miss performs the
	// exchange, concurrent misses wait for its result.
	key := req.SessionID + "\x00" + audience
	v, err, _ := s.group.Do(key, func() (any, error) {
		if cacheable {
			if token, ok := s.cache.Get(ctx, req.SessionID, audience); ok {
				return token, nil
			}
		}
		token, err := s.exchangeAndStore(ctx, req, te, audience, scope, cacheable)
		if err != nil {
			return nil, err
		}
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// exchangeAndStore performs one outbound exchange, caches the result when
// the request is cacheable and records the audit outcome.
func (s *Service) exchangeAndStore(
	ctx context.Context,
	req Request,
	te *idp.TokenExchange,
	audience, scope string,
	cacheable bool,
) (string, error) {
	token, expiresAt, err := s.exchange(ctx, te, req.SubjectToken, audience, scope)
	if err != nil {
		s.metrics.RecordExchange("failure")
		s.sink.Record(ctx, audit.NewEntry(audit.SourceTokenExchange, audit.ActionTokenExchangeFailure, false).
			WithError(err).
			WithMetadata(map[string]any{"idp": req.IDP.Name, "audience": audience}))
		return "", err
	}

	if cacheable {
		s.cache.Set(ctx, req.SessionID, audience, token, ttlFor(s.cache.TTL(), expiresAt, s.now()))
	}

	s.metrics.RecordExchange("success")
	s.sink.Record(ctx, audit.NewEntry(audit.SourceTokenExchange, audit.ActionTokenExchangeSuccess, true).
		WithMetadata(map[string]any{"idp": req.IDP.Name, "audience": audience, "cached": cacheable}))
	return token, nil
}

// ttlFor picks the smaller of the configured TTL and the token's own
// remaining lifetime.
func ttlFor(configured time.Duration, expiresAt time.Time, now time.Time) time.Duration {
	if expiresAt.IsZero() {
		return configured
	}
	remaining := expiresAt.Sub(now)
	if remaining > 0 && remaining < configured {
		return remaining
	}
	return configured
}

// exchange performs the RFC 8693 POST, retrying once with jitter on 5xx or
// network failure. 4xx responses are terminal.
func (s *Service) exchange(
	ctx context.Context,
	te *idp.TokenExchange,
	subjectToken, audience, scope string,
) (string, time.Time, error) {
	data := url.Values{}
	data.Set("grant_type", grantTypeTokenExchange)
	data.Set("client_id", te.ClientID)
	data.Set("client_secret", te.ClientSecret)
	data.Set("subject_token", subjectToken)
	data.Set("subject_token_type", subjectTokenTypeJWT)
	data.Set("audience", audience)
	if scope != "" {
		data.Set("scope", scope)
	}
	encoded := data.Encode()

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = retryInitialInterval

	resp, err := backoff.Retry(ctx, func() (*tokenResponse, error) {
		return s.post(ctx, te.TokenEndpoint, encoded)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(2),
		backoff.WithMaxElapsedTime(maxRetryWallClock),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Debugw("retrying token exchange", "delay", d, "error", err)
		}),
	)
	if err != nil {
		if errors.IsKind(err, errors.KindTokenExchangeFailed) {
			return "", time.Time{}, err
		}
		return "", time.Time{}, errors.New(errors.KindTokenExchangeFailed, "token exchange request failed", err)
	}

	if resp.AccessToken == "" {
		return "", time.Time{}, errors.Newf(errors.KindTokenExchangeFailed,
			"token endpoint returned empty access_token")
	}

	expiresAt, err := s.inspectIssuedToken(resp, te.RequiredClaim)
	if err != nil {
		return "", time.Time{}, err
	}
	return resp.AccessToken, expiresAt, nil
}

// post performs one POST to the token endpoint. 4xx failures are wrapped
// as permanent so the retry loop stops immediately.
func (s *Service) post(ctx context.Context, endpoint, form string) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var tokenResp tokenResponse
		if err := json.Unmarshal(body, &tokenResp); err != nil {
			return nil, backoff.Permanent(errors.New(errors.KindTokenExchangeFailed,
				"token endpoint returned malformed JSON", err))
		}
		return &tokenResp, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg := fmt.Sprintf("token endpoint rejected the exchange with status %d", resp.StatusCode)
		if oauthErr := parseOAuthError(resp.StatusCode, body); oauthErr != nil {
			msg = oauthErr.String()
		}
		return nil, backoff.Permanent(errors.Newf(errors.KindTokenExchangeFailed, "%s", msg))

	default:
		return nil, errors.Newf(errors.KindTokenExchangeFailed,
			"token endpoint returned status %d", resp.StatusCode)
	}
}

// inspectIssuedToken decodes the exchanged token's payload without
// verifying the signature. The token is handed straight to backends, not
// trusted for identity, so only shape is checked: the configured required
// claim must be present, and exp bounds the cache TTL.
func (s *Service) inspectIssuedToken(resp *tokenResponse, requiredClaim string) (time.Time, error) {
	var expiresAt time.Time
	if resp.ExpiresIn > 0 {
		expiresAt = s.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	payload, err := decodePayload(resp.AccessToken)
	if err != nil {
		// Some IDPs issue opaque exchanged tokens. That is only a
		// problem when a claim requirement is configured.
		if requiredClaim != "" {
			return time.Time{}, errors.New(errors.KindTokenExchangeFailed,
				"exchanged token is not a decodable JWT but a required claim is configured", err)
		}
		return expiresAt, nil
	}

	if requiredClaim != "" && !gjson.GetBytes(payload, requiredClaim).Exists() {
		return time.Time{}, errors.Newf(errors.KindMissingClaim,
			"exchanged token is missing required claim %q", requiredClaim)
	}

	if exp := gjson.GetBytes(payload, "exp"); exp.Exists() {
		expiresAt = time.Unix(exp.Int(), 0)
	}
	return expiresAt, nil
}

// DecodeClaims decodes a compact JWT payload without signature
// verification, for passthrough tokens whose claims feed session fields.
func DecodeClaims(token string) (map[string]any, error) {
	payload, err := decodePayload(token)
	if err != nil {
		return nil, err
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to decode token claims: %w", err)
	}
	return claims, nil
}

func decodePayload(token string) ([]byte, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("token is not a compact JWS")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}
