// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

package mcpserver

import (
	"context"
	"fmt"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mcpgate/mcpgate/pkg/audit"
	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/telemetry"
)

// AccessCheck decides tool visibility for a request context. A false
// return hides the tool from tools/list and short-circuits calls with an
// insufficient-permissions failure, without executing the handler.
type AccessCheck func(ctx context.Context) bool

// ToolHandler executes a tool call. Returned errors are masked at the
// dispatcher edge; handlers should return SecurityErrors for policy
// failures and plain errors for internal ones.
type ToolHandler func(ctx context.Context, req mcp.CallToolRequest) (any, error)

// ToolRegistration describes one tool.
type ToolRegistration struct {
	Tool mcp.Tool
	// AccessCheck is the visibility tier. Nil means visible to every
	// authenticated session.
	AccessCheck AccessCheck
	// Handler is the execution tier. It must perform its own hard
	// authorization checks; visibility alone is not authorization.
	Handler ToolHandler
}

// Dispatcher registers tools on the MCP server and enforces the two
// authorization tiers around every call.
type Dispatcher struct {
	mcpServer *server.MCPServer
	sink      audit.Sink
	metrics   *telemetry.Provider

	mu     sync.RWMutex
	checks map[string]AccessCheck
}

// NewDispatcher creates a dispatcher over the MCP server. metrics may be
// nil to disable tool call counters.
func NewDispatcher(mcpServer *server.MCPServer, sink audit.Sink, metrics *telemetry.Provider) *Dispatcher {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Dispatcher{
		mcpServer: mcpServer,
		sink:      sink,
		metrics:   metrics,
		checks:    make(map[string]AccessCheck),
	}
}

// Register adds a tool with its access check and wrapped handler.
func (d *Dispatcher) Register(reg ToolRegistration) {
	d.mu.Lock()
	d.checks[reg.Tool.Name] = reg.AccessCheck
	d.mu.Unlock()

	d.mcpServer.AddTool(reg.Tool, d.wrap(reg))
}

// FilterTools implements the tools/list visibility tier: tools whose
// access check fails for this context are omitted entirely.
func (d *Dispatcher) FilterTools(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	visible := make([]mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		if check, ok := d.checks[tool.Name]; ok && check != nil && !check(ctx) {
			continue
		}
		visible = append(visible, tool)
	}
	return visible
}

// wrap surrounds the handler with the visibility re-check, panic recovery
// and error masking. Every failure leaves as a structured failure result;
// internals are audited in full but never echoed.
func (d *Dispatcher) wrap(reg ToolRegistration) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (result *mcp.CallToolResult, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorw("tool handler panicked", "tool", reg.Tool.Name, "panic", r)
				d.metrics.RecordToolCall(reg.Tool.Name, "failure")
				d.auditFailure(ctx, reg.Tool.Name, fmt.Errorf("panic: %v", r))
				result = failureResult(Failure("SERVER_ERROR", "An internal processing error occurred."))
				err = nil
			}
		}()

		// Visibility is re-checked at call time: a client may call a
		// tool it never listed.
		if reg.AccessCheck != nil && !reg.AccessCheck(ctx) {
			d.metrics.RecordToolCall(reg.Tool.Name, "denied")
			d.sink.Record(ctx, audit.NewEntry(audit.SourceDispatcher, audit.ActionToolCall, false).
				WithReason("access check denied tool call").
				WithMetadata(map[string]any{"tool": reg.Tool.Name}))
			return failureResult(Failure("INSUFFICIENT_PERMISSIONS",
				"Insufficient permissions for this operation")), nil
		}

		data, handlerErr := reg.Handler(ctx, req)
		if handlerErr != nil {
			d.metrics.RecordToolCall(reg.Tool.Name, "failure")
			d.auditFailure(ctx, reg.Tool.Name, handlerErr)
			return failureResult(FailureFromError(handlerErr)), nil
		}

		d.metrics.RecordToolCall(reg.Tool.Name, "success")
		d.sink.Record(ctx, audit.NewEntry(audit.SourceDispatcher, audit.ActionToolCall, true).
			WithMetadata(map[string]any{"tool": reg.Tool.Name}))
		return mcp.NewToolResultStructuredOnly(Success(data)), nil
	}
}

// auditFailure records the full internal error; the client only ever sees
// the masked shape.
func (d *Dispatcher) auditFailure(ctx context.Context, tool string, err error) {
	d.sink.Record(ctx, audit.NewEntry(audit.SourceDispatcher, audit.ActionServerError, false).
		WithError(err).
		WithMetadata(map[string]any{"tool": tool}))
}

func failureResult(f FailureResponse) *mcp.CallToolResult {
	result := mcp.NewToolResultStructuredOnly(f)
	result.IsError = true
	return result
}
