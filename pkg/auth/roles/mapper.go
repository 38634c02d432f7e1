// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package roles translates raw JWT role claims into framework roles.
//
// The mapper is deliberately infallible: authentication must never abort
// because a role list is odd-shaped. Any internal problem degrades to the
// unassigned role, and the caller's session-rejection policy takes over.
package roles

import (
	"fmt"
	"strings"

	"github.com/mcpgate/mcpgate/pkg/auth/idp"
	"github.com/mcpgate/mcpgate/pkg/logger"
)

// Framework roles, in strict precedence order.
const (
	RoleAdmin      = "admin"
	RoleUser       = "user"
	RoleGuest      = "guest"
	RoleUnassigned = "unassigned"
)

// validRoles guards defaultRole configuration values.
var validRoles = map[string]struct{}{
	RoleAdmin: {}, RoleUser: {}, RoleGuest: {},
}

// MapResult is the outcome of a role mapping. MappingFailed marks degraded
// results; the primary role is still always populated.
type MapResult struct {
	Primary       string
	Custom        []string
	MappingFailed bool
	FailureReason string
}

// Mapper maps raw JWT roles onto a single framework role plus custom roles.
type Mapper struct{}

// NewMapper creates a role mapper.
func NewMapper() *Mapper {
	return &Mapper{}
}

// Map resolves the framework role for the given raw roles. It never fails:
// internal errors produce an unassigned result with MappingFailed set.
func (m *Mapper) Map(rawRoles []string, cfg idp.RoleMappings) (result MapResult) {
	// Belt and braces: the mapping contract is "never raises", so even a
	// bug in the matching code must not abort authentication.
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("role mapping panicked", "panic", r)
			result = MapResult{
				Primary:       RoleUnassigned,
				MappingFailed: true,
				FailureReason: fmt.Sprintf("internal mapping error: %v", r),
			}
		}
	}()

	primary := matchPrimary(rawRoles, cfg)
	if primary == "" {
		if cfg.DefaultRole != "" {
			if _, ok := validRoles[cfg.DefaultRole]; ok {
				primary = cfg.DefaultRole
			} else {
				logger.Warnw("ignoring invalid defaultRole", "defaultRole", cfg.DefaultRole)
				primary = RoleUnassigned
			}
		} else {
			primary = RoleUnassigned
		}
	}

	return MapResult{
		Primary: primary,
		Custom:  matchCustom(rawRoles, cfg.CustomPatterns),
	}
}

// matchPrimary walks the buckets in precedence order admin > user > guest
// and returns the first whose configured list intersects rawRoles.
// Comparisons are byte-equal; configurators choose canonical spellings.
func matchPrimary(rawRoles []string, cfg idp.RoleMappings) string {
	buckets := []struct {
		role    string
		matches []string
	}{
		{RoleAdmin, cfg.Admin},
		{RoleUser, cfg.User},
		{RoleGuest, cfg.Guest},
	}
	for _, b := range buckets {
		for _, want := range b.matches {
			for _, have := range rawRoles {
				if have == want {
					return b.role
				}
			}
		}
	}
	return ""
}

// matchCustom filters rawRoles through the configured patterns, preserving
// input order and dropping duplicates. A pattern is either an exact role
// name or a prefix glob like "team-*".
func matchCustom(rawRoles []string, patterns []string) []string {
	if len(patterns) == 0 {
		return nil
	}

	var out []string
	seen := make(map[string]struct{}, len(rawRoles))
	for _, role := range rawRoles {
		if _, dup := seen[role]; dup {
			continue
		}
		for _, pattern := range patterns {
			if matchPattern(pattern, role) {
				seen[role] = struct{}{}
				out = append(out, role)
				break
			}
		}
	}
	return out
}

func matchPattern(pattern, role string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(role, prefix)
	}
	return pattern == role
}
