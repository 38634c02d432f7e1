// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the mcpgate command-line
// application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcpgate/mcpgate/pkg/config"
	"github.com/mcpgate/mcpgate/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "mcpgate",
	DisableAutoGenTag: true,
	Short:             "OAuth 2.1 resource server and delegation gateway for MCP",
	Long: `mcpgate is an OAuth 2.1 resource server fronting the MCP streamable
HTTP transport. It validates bearer JWTs against trusted identity
providers, maps claims onto framework roles, exchanges tokens (RFC 8693)
for backend delegation, and serves the OAuth discovery documents
(RFC 8414, RFC 9728).`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates the root command for the mcpgate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}
	if err := viper.BindEnv("config", "CONFIG_PATH"); err != nil {
		logger.Errorf("Error binding CONFIG_PATH: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway: load and validate the configuration, verify that
every trusted IDP's JWKS endpoint is reachable, then serve the MCP
endpoint and the OAuth discovery documents. Startup fails fast on any
configuration or reachability problem.`,
		RunE: runServe,
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and exit",
		RunE: func(_ *cobra.Command, _ []string) error {
			path := viper.GetString("config")
			if path == "" {
				return fmt.Errorf("no configuration file given (use --config or CONFIG_PATH)")
			}
			if _, err := config.Load(path); err != nil {
				return err
			}
			logger.Infof("configuration %s is valid", path)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("mcpgate version: %s", getVersion())
		},
	}
}

// version is injected at build time via -ldflags.
var version = "dev"

func getVersion() string {
	return version
}
