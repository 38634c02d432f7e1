// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles authentication attempts per client address.
package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mcpgate/mcpgate/pkg/errors"
	"github.com/mcpgate/mcpgate/pkg/logger"
)

const (
	// clientTTL is how long an idle client's limiter is retained.
	clientTTL = 10 * time.Minute

	sweepInterval = time.Minute
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter applies a per-client-IP token bucket to inbound requests.
type Limiter struct {
	rate  rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*client

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a limiter allowing perSecond requests with the given burst
// and starts the idle-client sweeper. Call Close to stop it.
func New(perSecond float64, burst int) *Limiter {
	l := &Limiter{
		rate:    rate.Limit(perSecond),
		burst:   burst,
		clients: make(map[string]*client),
		stop:    make(chan struct{}),
	}
	go l.sweepLoop()
	return l
}

// Allow reports whether the address may proceed.
func (l *Limiter) Allow(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	l.mu.Lock()
	c, ok := l.clients[host]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.clients[host] = c
	}
	c.lastSeen = time.Now()
	l.mu.Unlock()

	return c.limiter.Allow()
}

// Middleware rejects over-limit requests with 429 before any token work
// happens.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(r.RemoteAddr) {
			mapping := errors.MappingFor(errors.KindRateLimited)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(mapping.HTTPStatus)
			if err := json.NewEncoder(w).Encode(map[string]any{
				"status":  "failure",
				"code":    mapping.Code,
				"message": mapping.UserMessage,
			}); err != nil {
				logger.Debugw("failed to encode rate limit response", "error", err)
			}
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops the sweeper.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-clientTTL)
			l.mu.Lock()
			for host, c := range l.clients {
				if c.lastSeen.Before(cutoff) {
					delete(l.clients, host)
				}
			}
			l.mu.Unlock()
		}
	}
}
