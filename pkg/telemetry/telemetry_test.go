// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, p *Provider) string {
	t.Helper()
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestProvider_Counters(t *testing.T) {
	t.Parallel()

	p := NewProvider()
	p.RecordAuth("success")
	p.RecordAuth("success")
	p.RecordAuth("failure")
	p.RecordExchange("cache_hit")
	p.RecordToolCall("whoami", "success")

	body := scrape(t, p)
	assert.Contains(t, body, `mcpgate_auth_total{outcome="success"} 2`)
	assert.Contains(t, body, `mcpgate_auth_total{outcome="failure"} 1`)
	assert.Contains(t, body, `mcpgate_token_exchange_total{result="cache_hit"} 1`)
	assert.Contains(t, body, `mcpgate_tool_calls_total{outcome="success",tool="whoami"} 1`)
}

func TestProvider_NilIsSafe(t *testing.T) {
	t.Parallel()

	var p *Provider
	p.RecordAuth("success")
	p.RecordExchange("failure")
	p.RecordToolCall("whoami", "denied")
}

func TestProvider_Middleware(t *testing.T) {
	t.Parallel()

	p := NewProvider()
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	p.Middleware(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	body := scrape(t, p)
	assert.True(t, strings.Contains(body,
		`mcpgate_http_request_duration_seconds_count{path="/mcp",status="418"} 1`), body)
}
