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

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/ringmaster-sh/ringmaster/internal/cli"
	"github.com/ringmaster-sh/ringmaster/internal/commands/call"
	"github.com/ringmaster-sh/ringmaster/internal/commands/run"
	"github.com/ringmaster-sh/ringmaster/internal/commands/servers"
	"github.com/ringmaster-sh/ringmaster/internal/commands/setup"
	"github.com/ringmaster-sh/ringmaster/internal/commands/tools"
	versioncmd "github.com/ringmaster-sh/ringmaster/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	// Set version information from build-time ldflags
	cli.SetVersion(version, commit, buildDate)

	// A signal cancels the command context; in-flight calls finish or
	// cancel through the orchestrator rather than dying mid-write.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Create root command and add subcommands
	rootCmd := cli.NewRootCommand()

	rootCmd.AddCommand(setup.NewCommand())
	rootCmd.AddCommand(servers.NewCommand())
	rootCmd.AddCommand(tools.NewCommand())
	rootCmd.AddCommand(call.NewCommand())
	rootCmd.AddCommand(run.NewCommand())
	rootCmd.AddCommand(versioncmd.NewCommand())
	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	// Execute root command
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		cli.HandleExitError(err)
	}
}
