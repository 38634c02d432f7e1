// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package idp holds the trusted Identity Provider registry.
//
// IDP configurations are loaded once at startup and are immutable for the
// process lifetime. The registry's sole selection key is the pair
// (issuer, audience); user identity never influences IDP selection.
package idp

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mcpgate/mcpgate/pkg/errors"
)

// Asymmetric signing algorithms accepted by the gateway. HMAC algorithms
// are rejected unconditionally: a shared secret would let any party that
// can verify tokens also mint them.
var allowedAlgorithms = map[string]struct{}{
	"RS256": {}, "ES256": {},
	"RS384": {}, "ES384": {},
	"RS512": {}, "ES512": {},
}

// Default security bounds.
const (
	DefaultClockToleranceSec = 60
	DefaultMaxTokenAgeSec    = 3600
)

// ClaimMappings projects JWT claims onto framework fields. Each value is a
// gjson path evaluated against the token payload.
type ClaimMappings struct {
	Roles          string            `json:"roles" mapstructure:"roles"`
	LegacyUsername string            `json:"legacyUsername" mapstructure:"legacyUsername"`
	UserID         string            `json:"userId" mapstructure:"userId"`
	Scopes         string            `json:"scopes" mapstructure:"scopes"`
	CustomClaims   map[string]string `json:"customClaims,omitempty" mapstructure:"customClaims"`
}

// RoleMappings configures the translation from raw JWT roles to the
// framework role buckets.
type RoleMappings struct {
	Admin       []string `json:"admin,omitempty" mapstructure:"admin"`
	User        []string `json:"user,omitempty" mapstructure:"user"`
	Guest       []string `json:"guest,omitempty" mapstructure:"guest"`
	DefaultRole string   `json:"defaultRole,omitempty" mapstructure:"defaultRole"`
	// CustomPatterns are optional glob-style prefixes ("team-*") selecting
	// raw roles carried through as custom roles.
	CustomPatterns []string `json:"customPatterns,omitempty" mapstructure:"customPatterns"`
}

// Security holds per-IDP token validation bounds.
type Security struct {
	ClockToleranceSec int  `json:"clockToleranceSec,omitempty" mapstructure:"clockToleranceSec"`
	MaxTokenAgeSec    int  `json:"maxTokenAgeSec,omitempty" mapstructure:"maxTokenAgeSec"`
	RequireNbf        bool `json:"requireNbf,omitempty" mapstructure:"requireNbf"`
}

// CacheConfig bounds the session-bound token cache fed by this IDP's
// token exchange.
type CacheConfig struct {
	Enabled              bool `json:"enabled" mapstructure:"enabled"`
	TTLSeconds           int  `json:"ttlSeconds,omitempty" mapstructure:"ttlSeconds"`
	MaxEntriesPerSession int  `json:"maxEntriesPerSession,omitempty" mapstructure:"maxEntriesPerSession"`
	MaxTotalEntries      int  `json:"maxTotalEntries,omitempty" mapstructure:"maxTotalEntries"`
}

// TokenExchange configures RFC 8693 delegation exchanges against the IDP.
type TokenExchange struct {
	TokenEndpoint string       `json:"tokenEndpoint" mapstructure:"tokenEndpoint"`
	ClientID      string       `json:"clientId" mapstructure:"clientId"`
	ClientSecret  string       `json:"clientSecret" mapstructure:"clientSecret"`
	Audience      string       `json:"audience" mapstructure:"audience"`
	Scope         string       `json:"scope,omitempty" mapstructure:"scope"`
	RequiredClaim string       `json:"requiredClaim,omitempty" mapstructure:"requiredClaim"`
	Cache         *CacheConfig `json:"cache,omitempty" mapstructure:"cache"`
}

// Config is a single trusted IDP. Immutable after load.
type Config struct {
	Name          string         `json:"name" mapstructure:"name"`
	Issuer        string         `json:"issuer" mapstructure:"issuer"`
	Audience      string         `json:"audience" mapstructure:"audience"`
	JWKSURI       string         `json:"jwksUri" mapstructure:"jwksUri"`
	Algorithms    []string       `json:"algorithms" mapstructure:"algorithms"`
	ClaimMappings ClaimMappings  `json:"claimMappings" mapstructure:"claimMappings"`
	RoleMappings  RoleMappings   `json:"roleMappings" mapstructure:"roleMappings"`
	Security      *Security      `json:"security,omitempty" mapstructure:"security"`
	TokenExchange *TokenExchange `json:"tokenExchange,omitempty" mapstructure:"tokenExchange"`
}

// ClockTolerance returns the configured clock tolerance in seconds,
// falling back to the default.
func (c *Config) ClockTolerance() int {
	if c.Security != nil && c.Security.ClockToleranceSec > 0 {
		return c.Security.ClockToleranceSec
	}
	return DefaultClockToleranceSec
}

// MaxTokenAge returns the configured maximum token age in seconds,
// falling back to the default.
func (c *Config) MaxTokenAge() int {
	if c.Security != nil && c.Security.MaxTokenAgeSec > 0 {
		return c.Security.MaxTokenAgeSec
	}
	return DefaultMaxTokenAgeSec
}

// RequireNbf reports whether nbf is enforced for this IDP.
func (c *Config) RequireNbf() bool {
	return c.Security != nil && c.Security.RequireNbf
}

// AllowsAlgorithm reports whether alg is in the IDP's whitelist.
func (c *Config) AllowsAlgorithm(alg string) bool {
	for _, a := range c.Algorithms {
		if a == alg {
			return true
		}
	}
	return false
}

// Validate checks a single IDP configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("idp name is required")
	}
	if _, err := url.ParseRequestURI(c.Issuer); err != nil {
		return fmt.Errorf("idp %q: invalid issuer URL: %w", c.Name, err)
	}
	if c.Audience == "" {
		return fmt.Errorf("idp %q: audience is required", c.Name)
	}
	if _, err := url.ParseRequestURI(c.JWKSURI); err != nil {
		return fmt.Errorf("idp %q: invalid jwksUri: %w", c.Name, err)
	}
	if len(c.Algorithms) == 0 {
		return fmt.Errorf("idp %q: algorithms must be non-empty", c.Name)
	}
	for _, alg := range c.Algorithms {
		if strings.HasPrefix(alg, "HS") {
			return fmt.Errorf("idp %q: HMAC algorithm %s is not allowed", c.Name, alg)
		}
		if _, ok := allowedAlgorithms[alg]; !ok {
			return fmt.Errorf("idp %q: unsupported algorithm %s", c.Name, alg)
		}
	}
	if te := c.TokenExchange; te != nil {
		if _, err := url.ParseRequestURI(te.TokenEndpoint); err != nil {
			return fmt.Errorf("idp %q: invalid tokenEndpoint: %w", c.Name, err)
		}
		if te.ClientID == "" {
			return fmt.Errorf("idp %q: tokenExchange.clientId is required", c.Name)
		}
		if te.Audience == "" {
			return fmt.Errorf("idp %q: tokenExchange.audience is required", c.Name)
		}
		if te.Cache != nil && te.Cache.TTLSeconds != 0 &&
			(te.Cache.TTLSeconds < 60 || te.Cache.TTLSeconds > 600) {
			return fmt.Errorf("idp %q: tokenExchange.cache.ttlSeconds must be within [60,600]", c.Name)
		}
	}
	return nil
}

// Registry resolves trusted IDPs by (issuer, audience). Read-only after
// construction, so lookups need no locking.
type Registry struct {
	byKey   map[string]*Config
	ordered []*Config
}

func key(issuer, audience string) string {
	return issuer + "\x00" + audience
}

// NewRegistry builds a registry from the configured IDP set. The pair
// (issuer, audience) must be unique across all entries.
func NewRegistry(configs []Config) (*Registry, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("at least one trusted IDP is required")
	}

	r := &Registry{byKey: make(map[string]*Config, len(configs))}
	for i := range configs {
		cfg := configs[i]
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		k := key(cfg.Issuer, cfg.Audience)
		if _, exists := r.byKey[k]; exists {
			return nil, fmt.Errorf("duplicate IDP for issuer %q audience %q", cfg.Issuer, cfg.Audience)
		}
		r.byKey[k] = &cfg
		r.ordered = append(r.ordered, &cfg)
	}
	return r, nil
}

// FindIDP resolves the IDP trusted for the given issuer and any of the
// token's audiences. aud carries the raw JWT audience set; a single-string
// aud claim is passed as a one-element slice and behaves identically.
func (r *Registry) FindIDP(issuer string, aud []string) (*Config, error) {
	for _, a := range aud {
		if cfg, ok := r.byKey[key(issuer, a)]; ok {
			return cfg, nil
		}
	}
	return nil, errors.Newf(errors.KindUntrustedIssuer,
		"no trusted IDP for issuer %q and presented audiences", issuer)
}

// HasIssuer reports whether any trusted IDP is configured for the issuer,
// regardless of audience. Used to distinguish untrusted-issuer from
// untrusted-audience failures.
func (r *Registry) HasIssuer(issuer string) bool {
	for _, cfg := range r.ordered {
		if cfg.Issuer == issuer {
			return true
		}
	}
	return false
}

// Primary returns the first configured IDP. The authorization-server
// metadata document mirrors this IDP's endpoints.
func (r *Registry) Primary() *Config {
	return r.ordered[0]
}

// All returns the configured IDPs in declaration order.
func (r *Registry) All() []*Config {
	return r.ordered
}
