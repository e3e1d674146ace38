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

// Package tools implements the 'ringmaster tools' command group.
package tools

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ringmaster-sh/ringmaster/internal/catalog"
	"github.com/ringmaster-sh/ringmaster/internal/commands/shared"
)

// NewCommand creates the tools command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Browse the tool catalog",
		Long: `Browse the tools advertised by MCP servers.

Listing starts the relevant servers for the duration of the command:
the one named by --server, or the resume set when no server is given.`,
	}

	cmd.AddCommand(newListCommand())

	return cmd
}

// newListCommand creates the 'tools list' command.
func newListCommand() *cobra.Command {
	var filter string
	var server string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tools in the catalog",
		Long: `List the tools advertised by MCP servers, optionally narrowed to one
server or filtered with an expression over the fields server, name,
and description.`,
		Example: `  # Example 1: List every tool from the resume set
  ringmaster tools list

  # Example 2: List tools from one server
  ringmaster tools list --server files

  # Example 3: Filter with an expression
  ringmaster tools list --filter 'name startsWith "read"'

  # Example 4: Extract qualified names for scripting
  ringmaster tools list --json | jq -r '.tools[] | "\(.server):\(.name)"'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, filter, server)
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", "Expression over server, name, description")
	cmd.Flags().StringVar(&server, "server", "", "Only list tools from this server")

	return cmd
}

// matchFor narrows pred to one server when a name is given.
func matchFor(server string, pred func(catalog.ToolDescriptor) bool) func(catalog.ToolDescriptor) bool {
	if server == "" {
		return pred
	}
	return func(d catalog.ToolDescriptor) bool {
		return d.Server == server && pred(d)
	}
}

func runList(cmd *cobra.Command, filter, server string) error {
	// Compile the filter before starting anything; a typo should not
	// cost a round of server launches.
	pred := func(catalog.ToolDescriptor) bool { return true }
	if filter != "" {
		compiled, err := catalog.MatchExpression(filter)
		if err != nil {
			return shared.NewInvalidInputError("invalid --filter expression", err)
		}
		pred = compiled
	}

	ctx := cmd.Context()
	rt, err := shared.OpenRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	if server != "" {
		if err := rt.StartServers(ctx, server); err != nil {
			return err
		}
	} else {
		started := rt.StartActiveSet(ctx)
		if len(started) == 0 {
			if len(rt.Config.Servers) == 0 {
				fmt.Println("No MCP servers configured.")
			} else {
				fmt.Println("No servers in the resume set.")
				fmt.Println("\nStart one to list its tools:")
				fmt.Println("  ringmaster servers start <name>")
				fmt.Println("  ringmaster tools list --server <name>")
			}
			return nil
		}
	}

	descs := rt.Registry.Search(matchFor(server, pred))

	if shared.GetJSON() {
		data, err := json.MarshalIndent(struct {
			Tools []catalog.ToolDescriptor `json:"tools"`
		}{Tools: descs}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal tool list: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	if len(descs) == 0 {
		fmt.Println("No tools matched.")
		return nil
	}

	fmt.Printf("%-16s %-28s %s\n", "SERVER", "TOOL", "DESCRIPTION")
	fmt.Println(strings.Repeat("-", 92))
	for _, d := range descs {
		fmt.Printf("%-16s %-28s %s\n",
			shared.Truncate(d.Server, 16),
			shared.Truncate(d.Name, 28),
			shared.Truncate(strings.ReplaceAll(d.Description, "\n", " "), 46),
		)
	}
	fmt.Printf("\n%d tools\n", len(descs))

	return nil
}
