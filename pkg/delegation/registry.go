// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

package delegation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/pkg/audit"
	"github.com/mcpgate/mcpgate/pkg/auth/session"
	"github.com/mcpgate/mcpgate/pkg/logger"
)

// Registry holds the registered delegation modules and brokers every call
// to them. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module

	sink audit.Sink
	now  func() time.Time
}

// NewRegistry creates an empty registry writing audit entries to sink.
func NewRegistry(sink audit.Sink) *Registry {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Registry{
		modules: make(map[string]Module),
		sink:    sink,
		now:     time.Now,
	}
}

// Register adds a module under its name. Duplicate names are an error.
func (r *Registry) Register(m Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := m.Name()
	if name == "" {
		return fmt.Errorf("module has no name")
	}
	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("delegation module %q is already registered", name)
	}
	r.modules[name] = m
	logger.Infow("registered delegation module", "module", name, "type", m.Type())
	return nil
}

// Unregister removes and destroys the named module.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	m, ok := r.modules[name]
	delete(r.modules, name)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("delegation module %q is not registered", name)
	}
	return m.Destroy(ctx)
}

// Get returns the named module.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// List returns the registered module names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Scopes returns the union of all scopes advertised by registered modules,
// sorted and deduplicated. Feeds the protected-resource metadata.
func (r *Registry) Scopes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var scopes []string
	for _, m := range r.modules {
		for _, s := range m.Scopes() {
			if _, dup := seen[s]; !dup {
				seen[s] = struct{}{}
				scopes = append(scopes, s)
			}
		}
	}
	sort.Strings(scopes)
	return scopes
}

// Delegate routes one call to the named module with trust-boundary
// enforcement: the registry records both the module's self-reported outcome
// and the outcome it verified itself, and flags any disagreement as a
// security event. A rejected session never reaches a module.
func (r *Registry) Delegate(
	ctx context.Context,
	name string,
	s *session.UserSession,
	action string,
	params map[string]any,
) *Result {
	if s.IsRejected() {
		result := Failure("INSUFFICIENT_PERMISSIONS", "Insufficient permissions for this operation")
		r.sink.Record(ctx, audit.NewEntry(audit.SourceRegistry, audit.ActionDelegation, false).
			WithReason("rejected session attempted delegation").
			WithMetadata(map[string]any{"module": name, "action": action}))
		return result
	}

	module, ok := r.Get(name)
	if !ok {
		result := Failure("DELEGATION_ERROR", "Delegation module not available")
		r.sink.Record(ctx, audit.NewEntry(audit.SourceRegistry, audit.ActionDelegation, false).
			WithUser(s.UserID).
			WithReason(fmt.Sprintf("module %q not registered", name)).
			WithMetadata(map[string]any{"module": name, "action": action}))
		return result
	}

	if !module.ValidateAccess(s) {
		result := Failure("INSUFFICIENT_PERMISSIONS", "Insufficient permissions for this operation")
		r.sink.Record(ctx, audit.NewEntry(audit.SourceRegistry, audit.ActionDelegation, false).
			WithUser(s.UserID).
			WithReason("module access check denied the session").
			WithMetadata(map[string]any{"module": name, "action": action}))
		return result
	}

	result := module.Delegate(ctx, s, action, params)
	if result == nil {
		result = Failure("DELEGATION_ERROR", "Delegation to backend failed")
	}

	// The module's result.Success is the only ground-truth signal the
	// registry observes directly; everything in the module's audit trail
	// is a claim.
	registryVerified := result.Success
	registryTime := r.now()

	enhanced := result.AuditTrail
	if enhanced.ID == "" {
		enhanced = audit.NewEntry("delegation:"+module.Name(), audit.ActionDelegation, result.Success)
	}
	if enhanced.Source == "" || enhanced.Source == "audit:unspecified" {
		enhanced.Source = "delegation:" + module.Name()
	}
	if enhanced.UserID == "" {
		enhanced.UserID = s.UserID
	}
	moduleReported := enhanced.Success
	enhanced = enhanced.WithTrustBoundary(moduleReported, registryVerified, registryTime)
	enhanced = enhanced.WithMetadata(map[string]any{"module": module.Name(), "action": action})

	if moduleReported != registryVerified {
		violation := audit.NewEntry(audit.SourceRegistrySecurity, audit.ActionTrustBoundary, false).
			WithUser(s.UserID).
			WithReason("module-reported outcome disagrees with registry-verified outcome").
			WithTrustBoundary(moduleReported, registryVerified, registryTime).
			WithMetadata(map[string]any{"module": module.Name(), "action": action})
		r.sink.Record(ctx, violation)
		logger.Warnw("trust boundary violation",
			"module", module.Name(),
			"module_reported", moduleReported,
			"registry_verified", registryVerified)
	}

	r.sink.Record(ctx, enhanced)

	result.AuditTrail = enhanced
	return result
}

// HealthCheck runs every module's health probe, returning the per-module
// outcomes.
func (r *Registry) HealthCheck(ctx context.Context) map[string]bool {
	r.mu.RLock()
	modules := make(map[string]Module, len(r.modules))
	for name, m := range r.modules {
		modules[name] = m
	}
	r.mu.RUnlock()

	out := make(map[string]bool, len(modules))
	for name, m := range modules {
		out[name] = m.HealthCheck(ctx)
	}
	return out
}

// DestroyAll tears down every registered module. Used at shutdown.
func (r *Registry) DestroyAll(ctx context.Context) {
	r.mu.Lock()
	modules := r.modules
	r.modules = make(map[string]Module)
	r.mu.Unlock()

	for name, m := range modules {
		if err := m.Destroy(ctx); err != nil {
			logger.Warnw("failed to destroy delegation module", "module", name, "error", err)
		}
	}
}
