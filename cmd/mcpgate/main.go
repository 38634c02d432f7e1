// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the mcpgate server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mcpgate/mcpgate/cmd/mcpgate/app"
	"github.com/mcpgate/mcpgate/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}
