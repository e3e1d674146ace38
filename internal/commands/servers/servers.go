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

// Package servers implements the 'ringmaster servers' command group.
//
// Ringmaster runs single-process: servers started by a command live only
// for that command. What persists is the resume set in the state file,
// which 'start' and 'stop' edit and which later invocations launch from.
package servers

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ringmaster-sh/ringmaster/internal/commands/shared"
	"github.com/ringmaster-sh/ringmaster/internal/config"
)

// NewCommand creates the servers command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage MCP servers",
		Long: `Manage the MCP servers ringmaster is configured to run.

Commands:
  list      List configured servers and their resume state
  start     Start a server, verify it comes up, and mark it for resume
  stop      Remove a server from the resume set
  restart   Stop and start a server, clearing any failed state`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newStartCommand())
	cmd.AddCommand(newStopCommand())
	cmd.AddCommand(newRestartCommand())

	return cmd
}

// newListCommand creates the 'servers list' command.
func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured MCP servers",
		Long: `List every configured MCP server with its transport, whether it
auto-starts, and whether it is in the resume set.`,
		Example: `  # Example 1: List configured servers
  ringmaster servers list

  # Example 2: Get the server list as JSON
  ringmaster servers list --json

  # Example 3: Extract server names for scripting
  ringmaster servers list --json | jq -r '.servers[].name'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd)
		},
	}
}

type serverRow struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	AutoStart bool   `json:"auto_start"`
	Resume    bool   `json:"resume"`
	Failures  int    `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

func runList(cmd *cobra.Command) error {
	rt, err := shared.OpenRuntime(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.Close(cmd.Context())

	rows := collectRows(rt.Config, rt.State)

	if shared.GetJSON() {
		data, err := json.MarshalIndent(struct {
			Servers []serverRow `json:"servers"`
		}{Servers: rows}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal server list: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	if len(rows) == 0 {
		fmt.Println("No MCP servers configured.")
		fmt.Println("\nAdd servers to the config file:")
		fmt.Println("  ~/.config/ringmaster/config.yaml")
		return nil
	}

	fmt.Printf("%-20s %-10s %-6s %-8s %s\n", "NAME", "TRANSPORT", "AUTO", "RESUME", "FAILURES")
	fmt.Println(strings.Repeat("-", 64))

	for _, row := range rows {
		failures := ""
		if row.Failures > 0 {
			failures = fmt.Sprintf("%d (%s)", row.Failures, shared.Truncate(row.LastError, 30))
		}
		fmt.Printf("%-20s %-10s %-6s %-8s %s\n",
			shared.Truncate(row.Name, 20),
			row.Transport,
			yesNo(row.AutoStart),
			yesNo(row.Resume),
			failures,
		)
	}

	return nil
}

// collectRows joins the configured servers with their persisted state,
// ordered by name.
func collectRows(cfg *config.Config, state *config.StateManager) []serverRow {
	names := make([]string, 0, len(cfg.Servers))
	for name := range cfg.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]serverRow, 0, len(names))
	for _, name := range names {
		sc := cfg.Servers[name]
		row := serverRow{
			Name:      name,
			Transport: sc.Transport,
			AutoStart: sc.AutoStart,
		}
		if state != nil {
			if st := state.GetServer(name); st != nil {
				row.Resume = st.WasRunning
				row.Failures = st.FailureCount
				row.LastError = st.LastError
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "-"
}
