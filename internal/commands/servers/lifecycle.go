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

package servers

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/ringmaster-sh/ringmaster/internal/commands/shared"
	pkgerrors "github.com/ringmaster-sh/ringmaster/pkg/errors"
)

// newStartCommand creates the 'servers start' command.
func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>",
		Short: "Start an MCP server and mark it for resume",
		Long: `Start an MCP server: launch its transport, run the handshake, and
list its tools. On success the server is added to the resume set, so
later commands and sessions launch it automatically.

Examples:
  ringmaster servers start files`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, args[0])
		},
	}
}

func runStart(cmd *cobra.Command, name string) error {
	ctx := cmd.Context()
	rt, err := shared.OpenRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	if err := rt.Manager.StartServer(ctx, name); err != nil {
		return shared.WrapStartError(err)
	}

	status, err := rt.Manager.Status(name)
	if err != nil {
		return err
	}

	if err := rt.MarkResume(name, true); err != nil {
		rt.Logger.Warn("failed to record resume state", "server", name, "error", err)
	}

	fmt.Println(shared.RenderOK(fmt.Sprintf("started %s: %d tools", name, status.ToolCount)))
	fmt.Println(shared.RenderLabel("  added to resume set"))
	return nil
}

// newStopCommand creates the 'servers stop' command.
func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Short: "Remove an MCP server from the resume set",
		Long: `Remove an MCP server from the resume set. Servers only run for the
duration of a command, so stopping is a change of intent: the server
will no longer be launched by later commands and sessions.

Examples:
  ringmaster servers stop files`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd, args[0])
		},
	}
}

func runStop(cmd *cobra.Command, name string) error {
	ctx := cmd.Context()
	rt, err := shared.OpenRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	if _, ok := rt.Config.Servers[name]; !ok {
		return unknownServer(rt, name)
	}
	if rt.State == nil {
		return shared.NewConfigError("state file unavailable", nil)
	}

	var failures int
	var lastError string
	if st := rt.State.GetServer(name); st != nil {
		failures = st.FailureCount
		lastError = st.LastError
	}
	rt.State.UpdateServer(name, false, failures, lastError, nil)
	if err := rt.State.Save(); err != nil {
		return shared.NewConfigError("saving state file", err)
	}

	fmt.Println(shared.RenderOK(fmt.Sprintf("stopped %s", name)))
	fmt.Println(shared.RenderLabel("  removed from resume set"))
	return nil
}

// newRestartCommand creates the 'servers restart' command.
func newRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart <name>",
		Short: "Restart an MCP server",
		Long: `Restart an MCP server with a fresh connection, clearing any failed
state, and mark it for resume.

Examples:
  ringmaster servers restart files`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestart(cmd, args[0])
		},
	}
}

func runRestart(cmd *cobra.Command, name string) error {
	ctx := cmd.Context()
	rt, err := shared.OpenRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	if err := rt.Manager.RestartServer(ctx, name); err != nil {
		return shared.WrapStartError(err)
	}

	status, err := rt.Manager.Status(name)
	if err != nil {
		return err
	}

	if err := rt.MarkResume(name, true); err != nil {
		rt.Logger.Warn("failed to record resume state", "server", name, "error", err)
	}

	fmt.Println(shared.RenderOK(fmt.Sprintf("restarted %s: %d tools", name, status.ToolCount)))
	return nil
}

// unknownServer builds the not-found error with configured names as
// suggestions.
func unknownServer(rt *shared.Runtime, name string) error {
	names := make([]string, 0, len(rt.Config.Servers))
	for n := range rt.Config.Servers {
		names = append(names, n)
	}
	sort.Strings(names)
	return &pkgerrors.NotFoundError{
		Resource:    "server",
		ID:          name,
		Suggestions: names,
	}
}
