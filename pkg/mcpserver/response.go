// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package mcpserver exposes the gateway over the MCP streamable HTTP
// transport: tool registration with two-tier authorization, session id
// management bound to the token cache, and the outer HTTP server.
package mcpserver

import (
	goerrors "errors"

	"github.com/mcpgate/mcpgate/pkg/errors"
)

// Tool results are JSON of exactly one of these two shapes. The
// discriminant is the status field.

// SuccessResponse is the success arm of a tool result.
type SuccessResponse struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

// FailureResponse is the failure arm of a tool result. Message is always
// human-readable and free of stack traces, file paths, connection strings
// and SQL text.
type FailureResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Success wraps data in the success shape.
func Success(data any) SuccessResponse {
	return SuccessResponse{Status: "success", Data: data}
}

// Failure builds the failure shape directly.
func Failure(code, message string) FailureResponse {
	return FailureResponse{Status: "failure", Code: code, Message: message}
}

// FailureFromError masks an error into the failure shape. SecurityErrors
// surface their taxonomy code and message; everything else collapses to a
// generic server error so internals never reach the client.
func FailureFromError(err error) FailureResponse {
	var se *errors.SecurityError
	if goerrors.As(err, &se) {
		mapping := errors.MappingFor(se.Kind)
		return Failure(mapping.Code, mapping.UserMessage)
	}
	mapping := errors.MappingFor(errors.KindInternal)
	return Failure(mapping.Code, mapping.UserMessage)
}
