// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package networking builds the outbound HTTP clients used for JWKS
// fetches, token exchange and delegation calls.
package networking

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// HTTPTimeout is the default timeout for outgoing HTTP requests.
const HTTPTimeout = 30 * time.Second

// HTTPClientBuilder provides a fluent interface for building HTTP clients.
type HTTPClientBuilder struct {
	timeout    time.Duration
	caCertPath string
}

// NewHTTPClientBuilder creates a builder with default settings.
func NewHTTPClientBuilder() *HTTPClientBuilder {
	return &HTTPClientBuilder{timeout: HTTPTimeout}
}

// WithTimeout sets the overall request timeout.
func (b *HTTPClientBuilder) WithTimeout(d time.Duration) *HTTPClientBuilder {
	if d > 0 {
		b.timeout = d
	}
	return b
}

// WithCABundle adds a CA certificate bundle for HTTPS requests.
func (b *HTTPClientBuilder) WithCABundle(path string) *HTTPClientBuilder {
	b.caCertPath = path
	return b
}

// Build creates the configured HTTP client.
func (b *HTTPClientBuilder) Build() (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: b.timeout,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
	}

	if b.caCertPath != "" {
		caCert, err := os.ReadFile(b.caCertPath) // #nosec G304 - path comes from operator config
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate bundle %s", b.caCertPath)
		}
		transport.TLSClientConfig = &tls.Config{
			RootCAs:    pool,
			MinVersion: tls.VersionTLS12,
		}
	}

	return &http.Client{
		Timeout:   b.timeout,
		Transport: transport,
	}, nil
}
