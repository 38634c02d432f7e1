// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/mcpgate/mcpgate/pkg/auth/idp"
)

// Default claim paths used when an IDP configures no explicit mapping.
const (
	defaultRolesPath    = "roles"
	defaultUserIDPath   = "sub"
	defaultScopesPath   = "scope"
	defaultLegacyPath   = "legacy_sam_account"
	defaultUsernamePath = "preferred_username"
)

// MappedClaims is the projection of a JWT payload onto framework fields,
// driven by the IDP's claim mappings.
type MappedClaims struct {
	Roles          []string
	UserID         string
	Username       string
	LegacyUsername string
	Scopes         []string
	CustomClaims   map[string]any
}

// MapPayload applies the IDP claim mappings to a raw JWT payload. Mapping
// values are gjson paths; absent paths yield zero values, policy on missing
// claims is the caller's.
func MapPayload(payloadJSON []byte, m idp.ClaimMappings) MappedClaims {
	doc := string(payloadJSON)

	mapped := MappedClaims{
		Roles:          stringList(gjson.Get(doc, pathOr(m.Roles, defaultRolesPath))),
		UserID:         gjson.Get(doc, pathOr(m.UserID, defaultUserIDPath)).String(),
		Username:       gjson.Get(doc, defaultUsernamePath).String(),
		LegacyUsername: gjson.Get(doc, pathOr(m.LegacyUsername, defaultLegacyPath)).String(),
		Scopes:         scopeList(gjson.Get(doc, pathOr(m.Scopes, defaultScopesPath))),
	}

	if mapped.Username == "" {
		mapped.Username = mapped.UserID
	}

	if len(m.CustomClaims) > 0 {
		mapped.CustomClaims = make(map[string]any, len(m.CustomClaims))
		for name, path := range m.CustomClaims {
			if res := gjson.Get(doc, path); res.Exists() {
				mapped.CustomClaims[name] = res.Value()
			}
		}
	}

	return mapped
}

// MapPayloadClaims applies the mappings to an already-decoded claims map,
// such as the payload of an exchanged token.
func MapPayloadClaims(claims map[string]any, m idp.ClaimMappings) MappedClaims {
	raw, err := json.Marshal(claims)
	if err != nil {
		return MappedClaims{}
	}
	return MapPayload(raw, m)
}

func pathOr(path, fallback string) string {
	if path != "" {
		return path
	}
	return fallback
}

// stringList flattens a gjson result that may be a string or an array of
// strings.
func stringList(res gjson.Result) []string {
	switch {
	case !res.Exists():
		return nil
	case res.IsArray():
		arr := res.Array()
		out := make([]string, 0, len(arr))
		for _, item := range arr {
			if s := item.String(); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		if s := res.String(); s != "" {
			return []string{s}
		}
		return nil
	}
}

// scopeList handles the two common scope encodings: a space-delimited
// string or an array of strings.
func scopeList(res gjson.Result) []string {
	if res.IsArray() {
		return stringList(res)
	}
	s := strings.TrimSpace(res.String())
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
