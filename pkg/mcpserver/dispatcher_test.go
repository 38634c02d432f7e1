// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

package mcpserver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpgate/mcpgate/pkg/audit"
	"github.com/mcpgate/mcpgate/pkg/errors"
	"github.com/mcpgate/mcpgate/pkg/telemetry"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *recordingSink) Record(_ context.Context, entry audit.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *recordingSink) byAction(action string) []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Entry
	for _, e := range s.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

func newTestDispatcher(sink audit.Sink) *Dispatcher {
	mcpServer := server.NewMCPServer("test-gateway", "0.0.0")
	return NewDispatcher(mcpServer, sink, nil)
}

func allowAll(context.Context) bool { return true }
func denyAll(context.Context) bool  { return false }

func TestDispatcher_FilterTools(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(nil)
	d.Register(ToolRegistration{
		Tool:        mcp.NewTool("open-tool"),
		AccessCheck: nil,
		Handler:     func(context.Context, mcp.CallToolRequest) (any, error) { return nil, nil },
	})
	d.Register(ToolRegistration{
		Tool:        mcp.NewTool("admin-tool"),
		AccessCheck: denyAll,
		Handler:     func(context.Context, mcp.CallToolRequest) (any, error) { return nil, nil },
	})
	d.Register(ToolRegistration{
		Tool:        mcp.NewTool("user-tool"),
		AccessCheck: allowAll,
		Handler:     func(context.Context, mcp.CallToolRequest) (any, error) { return nil, nil },
	})

	tools := []mcp.Tool{
		mcp.NewTool("open-tool"),
		mcp.NewTool("admin-tool"),
		mcp.NewTool("user-tool"),
	}
	visible := d.FilterTools(context.Background(), tools)

	names := make([]string, 0, len(visible))
	for _, tool := range visible {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"open-tool", "user-tool"}, names)
}

func TestDispatcher_CallTimeAccessRecheck(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	d := newTestDispatcher(sink)

	handlerRan := false
	handler := d.wrap(ToolRegistration{
		Tool:        mcp.NewTool("admin-tool"),
		AccessCheck: denyAll,
		Handler: func(context.Context, mcp.CallToolRequest) (any, error) {
			handlerRan = true
			return nil, nil
		},
	})

	result, err := handler(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.False(t, handlerRan)
	assert.True(t, result.IsError)

	failure, ok := result.StructuredContent.(FailureResponse)
	require.True(t, ok)
	assert.Equal(t, "failure", failure.Status)
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", failure.Code)

	denied := sink.byAction(audit.ActionToolCall)
	require.Len(t, denied, 1)
	assert.False(t, denied[0].Success)
}

func TestDispatcher_SuccessResponse(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	d := newTestDispatcher(sink)

	handler := d.wrap(ToolRegistration{
		Tool: mcp.NewTool("whoami"),
		Handler: func(context.Context, mcp.CallToolRequest) (any, error) {
			return map[string]any{"user": "alice"}, nil
		},
	})

	result, err := handler(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	assert.False(t, result.IsError)

	success, ok := result.StructuredContent.(SuccessResponse)
	require.True(t, ok)
	assert.Equal(t, "success", success.Status)
	assert.Equal(t, map[string]any{"user": "alice"}, success.Data)

	calls := sink.byAction(audit.ActionToolCall)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Success)
}

func TestDispatcher_ErrorMasking(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		handlerErr  error
		wantCode    string
		wantMessage string
	}{
		{
			name:        "security error surfaces its taxonomy mapping",
			handlerErr:  errors.Newf(errors.KindInsufficientPerms, "role guest may not call sqlexec"),
			wantCode:    "INSUFFICIENT_PERMISSIONS",
			wantMessage: "Insufficient permissions for this operation",
		},
		{
			name:        "plain error collapses to generic server error",
			handlerErr:  fmt.Errorf("dial tcp 10.0.0.5:5432: connection refused"),
			wantCode:    "SERVER_ERROR",
			wantMessage: "An internal processing error occurred.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sink := &recordingSink{}
			d := newTestDispatcher(sink)
			handler := d.wrap(ToolRegistration{
				Tool: mcp.NewTool("failing-tool"),
				Handler: func(context.Context, mcp.CallToolRequest) (any, error) {
					return nil, tt.handlerErr
				},
			})

			result, err := handler(context.Background(), mcp.CallToolRequest{})
			require.NoError(t, err)
			assert.True(t, result.IsError)

			failure, ok := result.StructuredContent.(FailureResponse)
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, failure.Code)
			assert.Equal(t, tt.wantMessage, failure.Message)
			// The raw error text never reaches the client shape.
			assert.NotContains(t, failure.Message, "connection refused")

			// The full error is audited.
			audited := sink.byAction(audit.ActionServerError)
			require.Len(t, audited, 1)
			assert.Contains(t, audited[0].Error, tt.handlerErr.Error())
		})
	}
}

func TestDispatcher_PanicRecovery(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	d := newTestDispatcher(sink)
	handler := d.wrap(ToolRegistration{
		Tool: mcp.NewTool("panicking-tool"),
		Handler: func(context.Context, mcp.CallToolRequest) (any, error) {
			panic("nil map write")
		},
	})

	result, err := handler(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.True(t, result.IsError)

	failure, ok := result.StructuredContent.(FailureResponse)
	require.True(t, ok)
	assert.Equal(t, "SERVER_ERROR", failure.Code)

	audited := sink.byAction(audit.ActionServerError)
	require.Len(t, audited, 1)
	assert.Contains(t, audited[0].Error, "nil map write")
}

func TestDispatcher_ToolCallCounters(t *testing.T) {
	t.Parallel()

	metrics := telemetry.NewProvider()
	d := NewDispatcher(server.NewMCPServer("test-gateway", "0.0.0"), nil, metrics)

	okHandler := d.wrap(ToolRegistration{
		Tool: mcp.NewTool("whoami"),
		Handler: func(context.Context, mcp.CallToolRequest) (any, error) {
			return map[string]any{"user": "alice"}, nil
		},
	})
	deniedHandler := d.wrap(ToolRegistration{
		Tool:        mcp.NewTool("admin-tool"),
		AccessCheck: denyAll,
		Handler:     func(context.Context, mcp.CallToolRequest) (any, error) { return nil, nil },
	})

	_, err := okHandler(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)
	_, err = deniedHandler(context.Background(), mcp.CallToolRequest{})
	require.NoError(t, err)

	body := scrapeMetrics(t, metrics)
	assert.Contains(t, body, `mcpgate_tool_calls_total{outcome="success",tool="whoami"} 1`)
	assert.Contains(t, body, `mcpgate_tool_calls_total{outcome="denied",tool="admin-tool"} 1`)
}

func scrapeMetrics(t *testing.T, p *telemetry.Provider) string {
	t.Helper()
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestResponseShapes(t *testing.T) {
	t.Parallel()

	s := Success(map[string]any{"rows": 3})
	assert.Equal(t, "success", s.Status)

	f := Failure("DELEGATION_ERROR", "Delegation to backend failed")
	assert.Equal(t, "failure", f.Status)

	masked := FailureFromError(errors.Newf(errors.KindTokenExpired, "exp 1700000000 before now"))
	assert.Equal(t, "TOKEN_EXPIRED", masked.Code)
	assert.Equal(t, "Token has expired", masked.Message)

	generic := FailureFromError(fmt.Errorf("stack trace here"))
	assert.Equal(t, "SERVER_ERROR", generic.Code)
	assert.NotContains(t, generic.Message, "stack trace")
}
