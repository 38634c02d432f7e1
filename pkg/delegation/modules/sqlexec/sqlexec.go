// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlexec is a delegation module executing SQL against a SQLite
// database. Reads are open to users and admins; statements that modify
// data are admin-only.
package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // sqlite driver

	"github.com/mcpgate/mcpgate/pkg/audit"
	"github.com/mcpgate/mcpgate/pkg/auth/roles"
	"github.com/mcpgate/mcpgate/pkg/auth/session"
	"github.com/mcpgate/mcpgate/pkg/delegation"
	"github.com/mcpgate/mcpgate/pkg/logger"
)

const (
	// ModuleName is the registration name.
	ModuleName = "sqlexec"

	defaultQueryTimeout = 10 * time.Second
	maxRows             = 1000
)

// Actions accepted by Delegate.
const (
	ActionQuery   = "query"
	ActionExecute = "execute"
	ActionTables  = "tables"
)

// Module executes SQL against a single SQLite database. Reads go through
// a separate connection pinned to query_only so the read path cannot
// modify data even if a statement slips past the verb gate.
type Module struct {
	db      *sql.DB
	roDB    *sql.DB
	timeout time.Duration
}

// New creates an uninitialized module.
func New() *Module {
	return &Module{timeout: defaultQueryTimeout}
}

// Name implements delegation.Module.
func (*Module) Name() string { return ModuleName }

// Type implements delegation.Module.
func (*Module) Type() string { return "sql" }

// Scopes implements delegation.Module.
func (*Module) Scopes() []string { return []string{"sql:read", "sql:write"} }

// Initialize opens the configured database. Config keys: "path" (required),
// "queryTimeoutSec" (optional).
func (m *Module) Initialize(ctx context.Context, cfg map[string]any) error {
	path, _ := cfg["path"].(string)
	if path == "" {
		return fmt.Errorf("sqlexec: config key \"path\" is required")
	}
	if secs, ok := cfg["queryTimeoutSec"].(float64); ok && secs > 0 {
		m.timeout = time.Duration(secs) * time.Second
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("sqlexec: failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("sqlexec: database is not reachable: %w", err)
	}

	roDB, err := sql.Open("sqlite", readOnlyDSN(path))
	if err != nil {
		db.Close()
		return fmt.Errorf("sqlexec: failed to open read-only connection: %w", err)
	}
	if err := roDB.PingContext(ctx); err != nil {
		db.Close()
		roDB.Close()
		return fmt.Errorf("sqlexec: read-only connection is not reachable: %w", err)
	}

	m.db = db
	m.roDB = roDB
	return nil
}

// readOnlyDSN appends the query_only pragma so every connection in the
// read pool rejects writes at the engine level.
func readOnlyDSN(path string) string {
	if strings.Contains(path, "?") {
		return path + "&_pragma=query_only(1)"
	}
	return path + "?_pragma=query_only(1)"
}

// ValidateAccess implements delegation.Module. Guests never reach the
// database.
func (*Module) ValidateAccess(s *session.UserSession) bool {
	return s.HasRole(roles.RoleUser) || s.HasRole(roles.RoleAdmin)
}

// HealthCheck implements delegation.Module.
func (m *Module) HealthCheck(ctx context.Context) bool {
	if m.db == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.db.PingContext(ctx) == nil
}

// Destroy implements delegation.Module.
func (m *Module) Destroy(context.Context) error {
	if m.roDB != nil {
		m.roDB.Close()
	}
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// Delegate implements delegation.Module. Error messages are sanitized: the
// SQL text and driver errors never leave the module; the audit trail
// carries a redacted marker instead of the statement.
func (m *Module) Delegate(
	ctx context.Context,
	s *session.UserSession,
	action string,
	params map[string]any,
) *delegation.Result {
	if m.db == nil {
		return m.failure("DELEGATION_ERROR", "Delegation to backend failed", action, s, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	switch action {
	case ActionQuery:
		return m.runQuery(ctx, s, params)
	case ActionExecute:
		return m.runExecute(ctx, s, params)
	case ActionTables:
		return m.listTables(ctx, s)
	default:
		return m.failure("DELEGATION_ERROR", fmt.Sprintf("unknown action %q", action), action, s, nil)
	}
}

func (m *Module) runQuery(ctx context.Context, s *session.UserSession, params map[string]any) *delegation.Result {
	query, _ := params["sql"].(string)
	if query == "" {
		return m.failure("DELEGATION_ERROR", "a sql statement is required", ActionQuery, s, nil)
	}
	if !isReadOnly(query) {
		return m.failure("INSUFFICIENT_PERMISSIONS",
			"only read statements are allowed for the query action", ActionQuery, s, nil)
	}

	rows, err := m.roDB.QueryContext(ctx, query, bindArgs(params)...)
	if err != nil {
		logger.Debugw("sql query failed", "error", err)
		return m.failure("DELEGATION_ERROR", "Delegation to backend failed", ActionQuery, s, err)
	}
	defer rows.Close()

	data, err := collectRows(rows)
	if err != nil {
		return m.failure("DELEGATION_ERROR", "Delegation to backend failed", ActionQuery, s, err)
	}

	return m.success(ActionQuery, s, map[string]any{
		"rows":  data,
		"count": len(data),
	})
}

func (m *Module) runExecute(ctx context.Context, s *session.UserSession, params map[string]any) *delegation.Result {
	if !s.HasRole(roles.RoleAdmin) {
		return m.failure("INSUFFICIENT_PERMISSIONS",
			"Insufficient permissions for this operation", ActionExecute, s, nil)
	}
	stmt, _ := params["sql"].(string)
	if stmt == "" {
		return m.failure("DELEGATION_ERROR", "a sql statement is required", ActionExecute, s, nil)
	}

	res, err := m.db.ExecContext(ctx, stmt, bindArgs(params)...)
	if err != nil {
		logger.Debugw("sql execute failed", "error", err)
		return m.failure("DELEGATION_ERROR", "Delegation to backend failed", ActionExecute, s, err)
	}

	affected, _ := res.RowsAffected()
	return m.success(ActionExecute, s, map[string]any{"rowsAffected": affected})
}

func (m *Module) listTables(ctx context.Context, s *session.UserSession) *delegation.Result {
	rows, err := m.roDB.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return m.failure("DELEGATION_ERROR", "Delegation to backend failed", ActionTables, s, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return m.failure("DELEGATION_ERROR", "Delegation to backend failed", ActionTables, s, err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return m.failure("DELEGATION_ERROR", "Delegation to backend failed", ActionTables, s, err)
	}

	return m.success(ActionTables, s, map[string]any{"tables": tables})
}

func (m *Module) success(action string, s *session.UserSession, data any) *delegation.Result {
	return &delegation.Result{
		Success: true,
		Data:    data,
		AuditTrail: audit.NewEntry("delegation:"+ModuleName, audit.ActionDelegation, true).
			WithUser(s.UserID).
			WithMetadata(map[string]any{"action": action, "sql": "[REDACTED]"}),
	}
}

func (m *Module) failure(code, message, action string, s *session.UserSession, cause error) *delegation.Result {
	result := delegation.Failure(code, message)
	entry := audit.NewEntry("delegation:"+ModuleName, audit.ActionDelegation, false).
		WithUser(s.UserID).
		WithReason(message).
		WithMetadata(map[string]any{"action": action, "sql": "[REDACTED]"})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	result.AuditTrail = entry
	return result
}

// isReadOnly accepts only statements whose main verb is a read. A CTE
// prefix is not enough: SQLite allows WITH ... DELETE, so WITH statements
// are scanned for a top-level write verb. The query_only pragma on the
// read connection backstops anything that slips through.
func isReadOnly(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(head, "SELECT"),
		strings.HasPrefix(head, "EXPLAIN"),
		strings.HasPrefix(head, "PRAGMA TABLE_INFO"):
		return true
	case strings.HasPrefix(head, "WITH"):
		return !containsTopLevelWrite(head)
	default:
		return false
	}
}

var writeVerbs = []string{"DELETE", "INSERT", "UPDATE", "REPLACE"}

// containsTopLevelWrite scans an uppercased statement for a write verb
// outside parentheses and string literals, which is where a CTE
// statement's main verb lives.
func containsTopLevelWrite(query string) bool {
	depth := 0
	inString := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case inString:
			if c == '\'' {
				inString = false
			}
		case c == '\'':
			inString = true
		case c == '(':
			depth++
		case c == ')':
			depth--
		case depth == 0:
			for _, verb := range writeVerbs {
				if !strings.HasPrefix(query[i:], verb) {
					continue
				}
				before := i == 0 || !isWordByte(query[i-1])
				after := i+len(verb) == len(query) || !isWordByte(query[i+len(verb)])
				if before && after {
					return true
				}
			}
		}
	}
	return false
}

func isWordByte(c byte) bool {
	return c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

// bindArgs extracts positional bind parameters from params["params"].
func bindArgs(params map[string]any) []any {
	raw, ok := params["params"].([]any)
	if !ok {
		return nil
	}
	return raw
}

// collectRows materializes a result set into generic maps, capped at
// maxRows.
func collectRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		if len(out) >= maxRows {
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
