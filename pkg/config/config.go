// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the gateway configuration. The file
// is read once at boot and is immutable for the process lifetime; anything
// invalid is a startup failure, never a runtime fallback.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/xeipuuv/gojsonschema"

	"github.com/mcpgate/mcpgate/pkg/auth/idp"
	"github.com/mcpgate/mcpgate/pkg/errors"
)

// ModuleConfig declares one delegation module instance.
type ModuleConfig struct {
	Name    string         `json:"name" mapstructure:"name"`
	Type    string         `json:"type" mapstructure:"type"`
	Enabled bool           `json:"enabled" mapstructure:"enabled"`
	Config  map[string]any `json:"config,omitempty" mapstructure:"config"`
}

// RateLimitConfig bounds authentication attempts per client.
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled" mapstructure:"enabled"`
	RequestsPerSecond float64 `json:"requestsPerSecond,omitempty" mapstructure:"requestsPerSecond"`
	Burst             int     `json:"burst,omitempty" mapstructure:"burst"`
}

// AuthConfig is the auth section.
type AuthConfig struct {
	TrustedIDPs []idp.Config     `json:"trustedIDPs" mapstructure:"trustedIDPs"`
	RateLimit   *RateLimitConfig `json:"rateLimit,omitempty" mapstructure:"rateLimit"`
}

// MCPConfig is the transport section.
type MCPConfig struct {
	Name          string `json:"name,omitempty" mapstructure:"name"`
	Version       string `json:"version,omitempty" mapstructure:"version"`
	Host          string `json:"host,omitempty" mapstructure:"host"`
	Port          int    `json:"port,omitempty" mapstructure:"port"`
	ServerURL     string `json:"serverUrl,omitempty" mapstructure:"serverUrl"`
	EndpointPath  string `json:"endpointPath,omitempty" mapstructure:"endpointPath"`
	SessionTTLMin int    `json:"sessionTtlMin,omitempty" mapstructure:"sessionTtlMin"`
}

// DelegationConfig is the delegation section.
type DelegationConfig struct {
	Modules []ModuleConfig `json:"modules,omitempty" mapstructure:"modules"`
}

// Config is the full configuration document.
type Config struct {
	Auth       AuthConfig       `json:"auth" mapstructure:"auth"`
	Delegation DelegationConfig `json:"delegation,omitempty" mapstructure:"delegation"`
	MCP        MCPConfig        `json:"mcp,omitempty" mapstructure:"mcp"`
}

// schema is the structural contract for the configuration file. Semantic
// checks (algorithm whitelists, TTL bounds) live in idp.Config.Validate.
const schema = `{
	"type": "object",
	"required": ["auth"],
	"properties": {
		"auth": {
			"type": "object",
			"required": ["trustedIDPs"],
			"properties": {
				"trustedIDPs": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"required": ["name", "issuer", "audience", "jwksUri", "algorithms"],
						"properties": {
							"name": {"type": "string", "minLength": 1},
							"issuer": {"type": "string", "minLength": 1},
							"audience": {"type": "string", "minLength": 1},
							"jwksUri": {"type": "string", "minLength": 1},
							"algorithms": {
								"type": "array",
								"minItems": 1,
								"items": {"type": "string", "not": {"pattern": "^HS"}}
							}
						}
					}
				}
			}
		},
		"delegation": {
			"type": "object",
			"properties": {
				"modules": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["name", "type"],
						"properties": {
							"name": {"type": "string", "minLength": 1},
							"type": {"type": "string", "minLength": 1}
						}
					}
				}
			}
		},
		"mcp": {
			"type": "object",
			"properties": {
				"port": {"type": "integer", "minimum": 1, "maximum": 65535},
				"endpointPath": {"type": "string", "pattern": "^/"}
			}
		}
	}
}`

// Load reads the configuration file at path, validates it against the
// schema and decodes it. Deployment-level overrides (SERVER_PORT,
// SERVER_URL) are applied by the serve command after loading.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path) // #nosec G304 - path comes from operator config
	if err != nil {
		return nil, errors.New(errors.KindConfiguration,
			fmt.Sprintf("failed to read config file %s", path), err)
	}

	// The schema runs against the raw document. Viper lowercases every
	// key, which would break the schema's case-sensitive required clauses.
	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return nil, errors.New(errors.KindConfiguration,
			fmt.Sprintf("failed to parse config file %s", path), err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.New(errors.KindConfiguration, "failed to decode configuration", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validateSchema(doc []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return errors.New(errors.KindConfiguration, "schema validation failed", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return errors.Newf(errors.KindConfiguration,
			"configuration is invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) applyDefaults() error {
	if c.MCP.Host == "" {
		c.MCP.Host = "127.0.0.1"
	}
	if c.MCP.Port == 0 {
		c.MCP.Port = 3000
	}
	if c.MCP.EndpointPath == "" {
		c.MCP.EndpointPath = "/mcp"
	}
	if c.MCP.ServerURL == "" {
		c.MCP.ServerURL = fmt.Sprintf("http://%s:%d", c.MCP.Host, c.MCP.Port)
	}
	if rl := c.Auth.RateLimit; rl != nil && rl.Enabled {
		if rl.RequestsPerSecond <= 0 {
			rl.RequestsPerSecond = 10
		}
		if rl.Burst <= 0 {
			rl.Burst = 20
		}
	}

	// Semantic validation per IDP; the registry repeats this at build
	// time, but failing here yields better startup errors.
	for i := range c.Auth.TrustedIDPs {
		if err := c.Auth.TrustedIDPs[i].Validate(); err != nil {
			return errors.New(errors.KindConfiguration, "invalid IDP configuration", err)
		}
	}
	return nil
}
