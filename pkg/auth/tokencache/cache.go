// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package tokencache holds exchanged delegation tokens, scoped to the MCP
// session that obtained them. Tokens never outlive their session: clearing
// the session is the revocation path.
package tokencache

import (
	"container/list"
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/pkg/audit"
	"github.com/mcpgate/mcpgate/pkg/logger"
)

// Configurable bounds. Values outside the bounds are clamped at
// construction.
const (
	DefaultTTLSeconds = 300
	MinTTLSeconds     = 60
	MaxTTLSeconds     = 600

	DefaultMaxEntriesPerSession = 10
	MinMaxEntriesPerSession     = 1
	MaxMaxEntriesPerSession     = 100

	DefaultMaxTotalEntries = 10_000
	MinMaxTotalEntries     = 100
	MaxMaxTotalEntries     = 100_000

	sweepInterval = 60 * time.Second
)

var uuidV4Pattern = regexp.MustCompile(
	`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// ValidSessionID reports whether id is a lowercase UUIDv4.
func ValidSessionID(id string) bool {
	return uuidV4Pattern.MatchString(id)
}

// CachedToken is one exchanged token plus its expiry.
type CachedToken struct {
	Token     string
	Audience  string
	ExpiresAt time.Time
}

func (t *CachedToken) expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Stats is a point-in-time cache snapshot.
type Stats struct {
	Sessions     int   `json:"sessions"`
	TotalEntries int   `json:"totalEntries"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Evictions    int64 `json:"evictions"`
}

// sessionEntry keeps a session's tokens plus their insertion order so the
// oldest audience can be evicted on per-session overflow.
type sessionEntry struct {
	tokens map[string]*CachedToken
	order  *list.List // audience strings, oldest first

	// elem is this session's node in the cache-wide age list.
	elem *list.Element
}

// Options configures a Cache. Zero values select defaults.
type Options struct {
	TTLSeconds           int
	MaxEntriesPerSession int
	MaxTotalEntries      int
}

func clamp(v, def, min, max int) int {
	switch {
	case v == 0:
		return def
	case v < min:
		return min
	case v > max:
		return max
	default:
		return v
	}
}

// Cache is the session-bound token cache: a two-level map from session id
// to audience to token, with per-session and global capacity limits.
type Cache struct {
	ttl             time.Duration
	maxPerSession   int
	maxTotalEntries int

	sink audit.Sink

	mu       sync.Mutex
	sessions map[string]*sessionEntry
	ages     *list.List // session ids, oldest first
	total    int

	hits      int64
	misses    int64
	evictions int64

	stop     chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

// New creates a cache with the given bounds and starts the background
// sweeper that drops expired entries. Call Close to stop the sweeper.
func New(opts Options, sink audit.Sink) *Cache {
	if sink == nil {
		sink = audit.NopSink{}
	}
	c := &Cache{
		ttl:             time.Duration(clamp(opts.TTLSeconds, DefaultTTLSeconds, MinTTLSeconds, MaxTTLSeconds)) * time.Second,
		maxPerSession:   clamp(opts.MaxEntriesPerSession, DefaultMaxEntriesPerSession, MinMaxEntriesPerSession, MaxMaxEntriesPerSession),
		maxTotalEntries: clamp(opts.MaxTotalEntries, DefaultMaxTotalEntries, MinMaxTotalEntries, MaxMaxTotalEntries),
		sink:            sink,
		sessions:        make(map[string]*sessionEntry),
		ages:            list.New(),
		stop:            make(chan struct{}),
		now:             time.Now,
	}
	go c.sweepLoop()
	return c
}

// TTL returns the effective configured TTL.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the cached token for (sessionID, audience). Invalid session
// ids are a silent miss with an audit entry; they never error.
func (c *Cache) Get(ctx context.Context, sessionID, audience string) (string, bool) {
	if !ValidSessionID(sessionID) {
		c.auditInvalidSession(ctx, "get")
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.sessions[sessionID]
	if !ok {
		c.misses++
		return "", false
	}
	tok, ok := entry.tokens[audience]
	if !ok || tok.expired(c.now()) {
		if ok {
			c.removeAudienceLocked(entry, sessionID, audience)
		}
		c.misses++
		return "", false
	}

	c.hits++
	c.sink.Record(ctx, audit.NewEntry(audit.SourceTokenCache, audit.ActionCacheHit, true).
		WithMetadata(map[string]any{"sessionId": sessionID, "audience": audience}))
	return tok.Token, true
}

// Set stores a token for (sessionID, audience). The effective TTL is the
// smaller of the configured TTL and the supplied one; a zero ttl means the
// configured TTL. Invalid session ids are rejected.
func (c *Cache) Set(ctx context.Context, sessionID, audience, token string, ttl time.Duration) bool {
	if !ValidSessionID(sessionID) {
		c.auditInvalidSession(ctx, "set")
		return false
	}
	if ttl <= 0 || ttl > c.ttl {
		ttl = c.ttl
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.sessions[sessionID]
	if !ok {
		entry = &sessionEntry{
			tokens: make(map[string]*CachedToken),
			order:  list.New(),
		}
		entry.elem = c.ages.PushBack(sessionID)
		c.sessions[sessionID] = entry
	}

	if _, exists := entry.tokens[audience]; !exists {
		// Per-session overflow drops the session's oldest audience.
		if entry.order.Len() >= c.maxPerSession {
			oldest := entry.order.Front().Value.(string)
			c.removeAudienceLocked(entry, sessionID, oldest)
			c.auditEviction(ctx, sessionID, oldest, "session entry limit reached")
		}
		// Global overflow drops the entire oldest other session. The
		// writing session is never the victim; evicting it would orphan
		// the entry being written.
		for c.total >= c.maxTotalEntries {
			victim := ""
			for e := c.ages.Front(); e != nil; e = e.Next() {
				if id := e.Value.(string); id != sessionID {
					victim = id
					break
				}
			}
			if victim == "" {
				break
			}
			c.clearSessionLocked(victim)
			c.auditEviction(ctx, victim, "", "global entry limit reached")
		}
		entry.order.PushBack(audience)
		c.total++
	}

	entry.tokens[audience] = &CachedToken{
		Token:     token,
		Audience:  audience,
		ExpiresAt: c.now().Add(ttl),
	}
	return true
}

// ClearSession drops every token the session holds. This is the revocation
// path when a transport session terminates.
func (c *Cache) ClearSession(ctx context.Context, sessionID string) {
	c.mu.Lock()
	n := c.clearSessionLocked(sessionID)
	c.mu.Unlock()

	if n > 0 {
		c.sink.Record(ctx, audit.NewEntry(audit.SourceTokenCache, audit.ActionCacheSessionCleared, true).
			WithMetadata(map[string]any{"sessionId": sessionID, "entries": n}))
	}
}

// ClearAudience drops the single token cached for (sessionID, audience).
func (c *Cache) ClearAudience(_ context.Context, sessionID, audience string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.sessions[sessionID]; ok {
		c.removeAudienceLocked(entry, sessionID, audience)
	}
}

// ClearAll empties the cache.
func (c *Cache) ClearAll(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = make(map[string]*sessionEntry)
	c.ages.Init()
	c.total = 0
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Sessions:     len(c.sessions),
		TotalEntries: c.total,
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
	}
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) clearSessionLocked(sessionID string) int {
	entry, ok := c.sessions[sessionID]
	if !ok {
		return 0
	}
	n := len(entry.tokens)
	c.total -= n
	c.ages.Remove(entry.elem)
	delete(c.sessions, sessionID)
	return n
}

func (c *Cache) removeAudienceLocked(entry *sessionEntry, sessionID, audience string) {
	if _, ok := entry.tokens[audience]; !ok {
		return
	}
	delete(entry.tokens, audience)
	for e := entry.order.Front(); e != nil; e = e.Next() {
		if e.Value.(string) == audience {
			entry.order.Remove(e)
			break
		}
	}
	c.total--
	if len(entry.tokens) == 0 {
		c.ages.Remove(entry.elem)
		delete(c.sessions, sessionID)
	}
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep removes expired tokens so a quiet cache does not hold dead entries
// until their session terminates.
func (c *Cache) sweep() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var swept int
	for sessionID, entry := range c.sessions {
		for audience, tok := range entry.tokens {
			if tok.expired(now) {
				c.removeAudienceLocked(entry, sessionID, audience)
				swept++
			}
		}
	}
	if swept > 0 {
		logger.Debugw("token cache sweep", "removed", swept, "remaining", c.total)
	}
}

// auditInvalidSession flags the rejected operation. The offending id is
// deliberately not recorded: it may be attacker-controlled or a
// mis-pasted secret, so the marker entry is all that lands in the trail.
func (c *Cache) auditInvalidSession(ctx context.Context, op string) {
	c.sink.Record(ctx, audit.NewEntry(audit.SourceTokenCache, audit.ActionInvalidSessionID, false).
		WithReason("session id is not a UUIDv4").
		WithMetadata(map[string]any{"operation": op}))
}

func (c *Cache) auditEviction(ctx context.Context, sessionID, audience, reason string) {
	c.evictions++
	md := map[string]any{"sessionId": sessionID}
	if audience != "" {
		md["audience"] = audience
	}
	c.sink.Record(ctx, audit.NewEntry(audit.SourceTokenCache, audit.ActionCacheEviction, true).
		WithReason(reason).
		WithMetadata(md))
}
