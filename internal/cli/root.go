// Copyright 2025 The Ringmaster Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"github.com/spf13/cobra"

	"github.com/ringmaster-sh/ringmaster/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for Ringmaster
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ringmaster",
		Short: "Ringmaster - MCP server and tool orchestration",
		Long: `Ringmaster manages MCP (Model Context Protocol) servers and
orchestrates tool calls across them. It launches stdio and HTTP servers,
keeps a unified tool catalog, and executes multi-call tasks with
dependencies and output bindings.

Run 'ringmaster servers list' to see configured servers.
Run 'ringmaster tools list' to browse the tool catalog.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	// Get flag pointers from shared package
	json, config, logLevel, logFormat, metricsAddr := shared.RegisterFlagPointers()

	// Add global flags
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/ringmaster/config.yaml)")
	cmd.PersistentFlags().StringVar(logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(logFormat, "log-format", "", "Log format (json, text)")
	cmd.PersistentFlags().StringVar(metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
