// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes Prometheus metrics for the gateway.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Provider owns the metrics registry and the gateway's instruments.
type Provider struct {
	registry *prometheus.Registry

	authTotal      *prometheus.CounterVec
	exchangeTotal  *prometheus.CounterVec
	toolCallsTotal *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// NewProvider creates a provider with the standard Go and process
// collectors plus the gateway instruments.
func NewProvider() *Provider {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	p := &Provider{
		registry: registry,
		authTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgate",
			Name:      "auth_total",
			Help:      "Authentication attempts by outcome.",
		}, []string{"outcome"}),
		exchangeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgate",
			Name:      "token_exchange_total",
			Help:      "Token exchange operations by result.",
		}, []string{"result"}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcpgate",
			Name:      "tool_calls_total",
			Help:      "MCP tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcpgate",
			Name:      "http_request_duration_seconds",
			Help:      "Inbound HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path", "status"}),
	}
	registry.MustRegister(p.authTotal, p.exchangeTotal, p.toolCallsTotal, p.httpDuration)
	return p
}

// Handler serves the /metrics endpoint.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// RecordAuth counts one authentication attempt. Safe on a nil provider so
// callers can hold an optional one.
func (p *Provider) RecordAuth(outcome string) {
	if p == nil {
		return
	}
	p.authTotal.WithLabelValues(outcome).Inc()
}

// RecordExchange counts one token exchange, result is "success",
// "failure" or "cache_hit". Safe on a nil provider.
func (p *Provider) RecordExchange(result string) {
	if p == nil {
		return
	}
	p.exchangeTotal.WithLabelValues(result).Inc()
}

// RecordToolCall counts one tool call. Safe on a nil provider.
func (p *Provider) RecordToolCall(tool, outcome string) {
	if p == nil {
		return
	}
	p.toolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

// statusRecorder captures the response status for the latency histogram.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request latency per path and status.
func (p *Provider) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		p.httpDuration.WithLabelValues(r.URL.Path, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
