// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/sync/singleflight"

	"github.com/mcpgate/mcpgate/pkg/logger"
)

const (
	// defaultJWKSTTL is how long a fetched key set is considered fresh.
	defaultJWKSTTL = 10 * time.Minute

	// rotationRefreshAge is the minimum cache age before an unknown kid
	// triggers an on-demand refresh. Tolerates key rotation without
	// letting a flood of bad kids hammer the IDP.
	rotationRefreshAge = 60 * time.Second

	// jwksFetchTimeout bounds a single JWKS fetch.
	jwksFetchTimeout = 5 * time.Second

	// maxJWKSBodySize limits JWKS response bodies (1 MB).
	maxJWKSBodySize = 1 << 20
)

type jwksEntry struct {
	set       jwk.Set
	fetchedAt time.Time
}

// JWKSCache caches JWKS documents per IDP with staleness handling. Reads
// are served from an RWMutex-guarded map; refreshes collapse through a
// single-flight group so at most one fetch per URI is in flight.
type JWKSCache struct {
	client *http.Client
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[string]*jwksEntry

	group singleflight.Group
}

// NewJWKSCache creates a cache using the given HTTP client. A zero ttl
// selects the default of 10 minutes.
func NewJWKSCache(client *http.Client, ttl time.Duration) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: jwksFetchTimeout}
	}
	if ttl <= 0 {
		ttl = defaultJWKSTTL
	}
	return &JWKSCache{
		client:  client,
		ttl:     ttl,
		entries: make(map[string]*jwksEntry),
	}
}

// Prime fetches the key set for the URI, warming the cache. Used at
// startup to fail fast on unreachable IDPs.
func (c *JWKSCache) Prime(ctx context.Context, jwksURI string) error {
	_, err := c.refresh(ctx, jwksURI)
	return err
}

// LookupKey resolves the signing key with the given kid from the IDP's key
// set. When the kid is unknown and the cached document is older than the
// rotation window, the set is refetched once before giving up.
func (c *JWKSCache) LookupKey(ctx context.Context, jwksURI, kid string) (jwk.Key, error) {
	entry, err := c.current(ctx, jwksURI)
	if err != nil {
		return nil, err
	}

	if key, ok := entry.set.LookupKeyID(kid); ok {
		return key, nil
	}

	// Unknown kid: the IDP may have rotated keys since the last fetch.
	if time.Since(entry.fetchedAt) > rotationRefreshAge {
		entry, err = c.refresh(ctx, jwksURI)
		if err != nil {
			return nil, err
		}
		if key, ok := entry.set.LookupKeyID(kid); ok {
			return key, nil
		}
	}

	return nil, fmt.Errorf("key ID %q not found in JWKS", kid)
}

// current returns the cached entry, refreshing when stale or absent.
func (c *JWKSCache) current(ctx context.Context, jwksURI string) (*jwksEntry, error) {
	c.mu.RLock()
	entry, ok := c.entries[jwksURI]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry, nil
	}
	return c.refresh(ctx, jwksURI)
}

// refresh fetches the key set, collapsing concurrent callers into a single
// outbound request per URI.
func (c *JWKSCache) refresh(ctx context.Context, jwksURI string) (*jwksEntry, error) {
	v, err, _ := c.group.Do(jwksURI, func() (any, error) {
		// Another caller may have refreshed while we waited for the group.
		c.mu.RLock()
		entry, ok := c.entries[jwksURI]
		c.mu.RUnlock()
		if ok && time.Since(entry.fetchedAt) < rotationRefreshAge {
			return entry, nil
		}

		set, err := c.fetch(ctx, jwksURI)
		if err != nil {
			return nil, err
		}

		entry = &jwksEntry{set: set, fetchedAt: time.Now()}
		c.mu.Lock()
		c.entries[jwksURI] = entry
		c.mu.Unlock()

		logger.Debugw("refreshed JWKS", "jwks_uri", jwksURI, "keys", set.Len())
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*jwksEntry), nil
}

func (c *JWKSCache) fetch(ctx context.Context, jwksURI string) (jwk.Set, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, jwksFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", jwksURI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch from %s returned status %d", jwksURI, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read JWKS response: %w", err)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWKS document: %w", err)
	}
	return set, nil
}
