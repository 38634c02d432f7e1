// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package token validates bearer JWTs against the trusted IDP registry.
package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/mcpgate/mcpgate/pkg/auth/idp"
	"github.com/mcpgate/mcpgate/pkg/errors"
)

// Result carries the outcome of a successful validation.
type Result struct {
	// Payload is the full decoded requestor JWT payload.
	Payload jwt.MapClaims
	// PayloadJSON is the raw payload segment, for claim-mapping re-runs.
	PayloadJSON []byte
	// Mapped is the payload projected through the IDP's claim mappings.
	Mapped MappedClaims
	// IDP is the trusted IDP the token was validated against.
	IDP *idp.Config
}

// Validator verifies bearer JWTs: signature, temporal claims, issuer,
// audience and algorithm whitelist, then applies the IDP claim mappings.
type Validator struct {
	registry *idp.Registry
	jwks     *JWKSCache

	// now is a test seam for temporal checks.
	now func() time.Time
}

// NewValidator creates a Validator over the trusted IDP registry.
func NewValidator(registry *idp.Registry, jwks *JWKSCache) *Validator {
	return &Validator{
		registry: registry,
		jwks:     jwks,
		now:      time.Now,
	}
}

// Validate verifies the compact JWS and returns the decoded payload with
// mapped claims. All failures are SecurityErrors from the taxonomy.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*Result, error) {
	unverified, payloadJSON, err := parseUnverified(tokenString)
	if err != nil {
		return nil, err
	}

	cfg, err := v.selectIDP(unverified.Claims.(jwt.MapClaims))
	if err != nil {
		return nil, err
	}

	alg, err := checkAlgorithm(unverified, cfg)
	if err != nil {
		return nil, err
	}

	verified, err := v.verifySignature(ctx, tokenString, cfg, alg)
	if err != nil {
		return nil, err
	}

	claims := verified.Claims.(jwt.MapClaims)
	if err := v.checkTemporalClaims(claims, cfg); err != nil {
		return nil, err
	}

	if sub, _ := claims.GetSubject(); sub == "" {
		return nil, errors.Newf(errors.KindMissingClaim, "token has no sub claim")
	}

	return &Result{
		Payload:     claims,
		PayloadJSON: payloadJSON,
		Mapped:      MapPayload(payloadJSON, cfg.ClaimMappings),
		IDP:         cfg,
	}, nil
}

// parseUnverified splits the compact JWS and decodes header and payload
// without verifying the signature. The decoded payload bytes are returned
// for claim mapping.
func parseUnverified(tokenString string) (*jwt.Token, []byte, error) {
	parts := strings.Split(tokenString, ".")
	if len(parts) != 3 {
		return nil, nil, errors.Newf(errors.KindInvalidTokenFormat, "token is not a compact JWS")
	}

	parser := jwt.NewParser()
	unverified, _, err := parser.ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, nil, errors.New(errors.KindInvalidTokenFormat, "malformed token", err)
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, errors.New(errors.KindInvalidTokenFormat, "malformed token payload", err)
	}

	return unverified, payloadJSON, nil
}

// selectIDP resolves the trusted IDP from the token's iss and aud claims.
func (v *Validator) selectIDP(claims jwt.MapClaims) (*idp.Config, error) {
	issuer, err := claims.GetIssuer()
	if err != nil || issuer == "" {
		return nil, errors.Newf(errors.KindUntrustedIssuer, "token has no issuer claim")
	}

	audiences, err := claims.GetAudience()
	if err != nil || len(audiences) == 0 {
		return nil, errors.Newf(errors.KindUntrustedAudience, "token has no audience claim")
	}

	cfg, err := v.registry.FindIDP(issuer, audiences)
	if err != nil {
		if v.registry.HasIssuer(issuer) {
			return nil, errors.Newf(errors.KindUntrustedAudience,
				"no trusted IDP accepts the presented audiences for issuer %q", issuer)
		}
		return nil, err
	}
	return cfg, nil
}

// checkAlgorithm enforces the IDP's algorithm whitelist. alg=none and HMAC
// are rejected before the whitelist is even consulted.
func checkAlgorithm(unverified *jwt.Token, cfg *idp.Config) (string, error) {
	alg, _ := unverified.Header["alg"].(string)
	switch {
	case alg == "" || strings.EqualFold(alg, "none"):
		return "", errors.Newf(errors.KindAlgorithmNotAllowed, "token algorithm %q is rejected", alg)
	case strings.HasPrefix(alg, "HS"):
		return "", errors.Newf(errors.KindAlgorithmNotAllowed, "HMAC algorithms are not accepted")
	case !cfg.AllowsAlgorithm(alg):
		return "", errors.Newf(errors.KindAlgorithmNotAllowed,
			"algorithm %s is not in the whitelist of IDP %q", alg, cfg.Name)
	}
	return alg, nil
}

// verifySignature resolves the signing key by kid and verifies the JWS.
// Temporal claims are validated separately so tolerance policy stays here.
func (v *Validator) verifySignature(
	ctx context.Context,
	tokenString string,
	cfg *idp.Config,
	alg string,
) (*jwt.Token, error) {
	keyfunc := func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("token header missing kid")
		}

		key, err := v.jwks.LookupKey(ctx, cfg.JWKSURI, kid)
		if err != nil {
			return nil, err
		}

		var rawKey any
		if err := jwk.Export(key, &rawKey); err != nil {
			return nil, fmt.Errorf("failed to export raw key: %w", err)
		}

		// Pin the expected key type per algorithm family. Blocks
		// downgrade tricks that pair an RSA alg with an EC key or
		// vice versa.
		switch {
		case strings.HasPrefix(alg, "RS"):
			if _, ok := rawKey.(*rsa.PublicKey); !ok {
				return nil, fmt.Errorf("algorithm %s requires an RSA key, got %T", alg, rawKey)
			}
		case strings.HasPrefix(alg, "ES"):
			if _, ok := rawKey.(*ecdsa.PublicKey); !ok {
				return nil, fmt.Errorf("algorithm %s requires an EC key, got %T", alg, rawKey)
			}
		}
		return rawKey, nil
	}

	verified, err := jwt.Parse(tokenString, keyfunc,
		jwt.WithValidMethods([]string{alg}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, errors.New(errors.KindSignatureInvalid, "token signature verification failed", err)
	}
	if !verified.Valid {
		return nil, errors.Newf(errors.KindSignatureInvalid, "token is not valid")
	}
	return verified, nil
}

// checkTemporalClaims enforces exp, nbf and iat with the IDP's clock
// tolerance and maximum token age.
func (v *Validator) checkTemporalClaims(claims jwt.MapClaims, cfg *idp.Config) error {
	now := v.now()
	tol := time.Duration(cfg.ClockTolerance()) * time.Second

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return errors.Newf(errors.KindMissingClaim, "token has no exp claim")
	}
	// A token expires at exactly exp: with zero tolerance, now == exp is
	// already expired.
	if !now.Before(exp.Time.Add(tol)) {
		return errors.Newf(errors.KindTokenExpired, "token expired at %s", exp.Time.UTC().Format(time.RFC3339))
	}

	nbf, err := claims.GetNotBefore()
	if err != nil {
		return errors.Newf(errors.KindInvalidTokenFormat, "token nbf claim is malformed")
	}
	if nbf == nil && cfg.RequireNbf() {
		return errors.Newf(errors.KindMissingClaim, "token has no nbf claim but nbf is required")
	}
	if nbf != nil && now.Before(nbf.Time.Add(-tol)) {
		return errors.Newf(errors.KindTokenNotYetValid, "token not valid before %s", nbf.Time.UTC().Format(time.RFC3339))
	}

	iat, err := claims.GetIssuedAt()
	if err != nil {
		return errors.Newf(errors.KindInvalidTokenFormat, "token iat claim is malformed")
	}
	if iat != nil {
		maxAge := time.Duration(cfg.MaxTokenAge()) * time.Second
		if now.Sub(iat.Time) > maxAge {
			return errors.Newf(errors.KindTokenTooOld, "token issued at %s exceeds maximum age", iat.Time.UTC().Format(time.RFC3339))
		}
	}

	return nil
}
