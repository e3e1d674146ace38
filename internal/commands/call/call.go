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

// Package call implements the 'ringmaster call' command: a one-shot
// orchestrated tool call against a single server.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ringmaster-sh/ringmaster/internal/cli/prompt"
	"github.com/ringmaster-sh/ringmaster/internal/commands/shared"
	"github.com/ringmaster-sh/ringmaster/internal/orchestrator"
	pkgerrors "github.com/ringmaster-sh/ringmaster/pkg/errors"
)

// NewCommand creates the call command.
func NewCommand() *cobra.Command {
	var argPairs []string
	var timeout time.Duration
	var noInput bool

	cmd := &cobra.Command{
		Use:   "call <server:tool>",
		Short: "Call a tool on an MCP server",
		Long: `Call a tool on an MCP server and print its output. The server is
started for the duration of the command.

Required arguments missing from --arg are prompted for when the
terminal is interactive; pass --no-input to fail instead. Tool output
that parses as JSON is pretty-printed; anything else is printed as-is,
so results pipe cleanly into other tools.`,
		Example: `  # Example 1: Call a tool without arguments
  ringmaster call files:list_directory

  # Example 2: Pass arguments (values may be JSON)
  ringmaster call files:read_file --arg path=main.go
  ringmaster call db:query --arg 'limit=10' --arg 'tags=["a","b"]'

  # Example 3: Bound the call at 10 seconds
  ringmaster call search:crawl --arg url=https://example.com --timeout 10s`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, args[0], argPairs, timeout, noInput)
		},
	}

	cmd.Flags().StringArrayVar(&argPairs, "arg", nil, "Tool argument as key=value (repeatable; value may be JSON)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-call timeout (default from config)")
	cmd.Flags().BoolVar(&noInput, "no-input", false, "Never prompt for missing arguments")

	return cmd
}

func runCall(cmd *cobra.Command, qualified string, argPairs []string, timeout time.Duration, noInput bool) error {
	server, _, err := splitQualified(qualified)
	if err != nil {
		return err
	}
	arguments, err := parseArgs(argPairs)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	rt, err := shared.OpenRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	if err := rt.StartServers(ctx, server); err != nil {
		return shared.WrapStartError(err)
	}

	if !noInput && !shared.GetJSON() && !shared.IsNonInteractive() {
		arguments, err = promptMissingArgs(ctx, rt, qualified, arguments)
		if err != nil {
			return err
		}
	}

	task := orchestrator.Task{
		Calls: []orchestrator.Call{{
			ID:        "call",
			Tool:      qualified,
			Arguments: arguments,
			Timeout:   timeout,
		}},
	}

	result, err := rt.Orchestrator.Execute(ctx, task)
	if err != nil {
		return err
	}
	r := result.Result("call")
	if r == nil {
		return shared.NewCallFailedError("no result recorded", nil)
	}

	if shared.GetJSON() {
		if err := printResultJSON(qualified, r); err != nil {
			return err
		}
		if r.Status != orchestrator.CallSucceeded {
			return &shared.ExitError{
				Code:    shared.ExitCallFailed,
				Message: fmt.Sprintf("call %s: %s", qualified, r.Status),
			}
		}
		return nil
	}

	if r.Status != orchestrator.CallSucceeded {
		return &shared.ExitError{
			Code:    shared.ExitCallFailed,
			Message: fmt.Sprintf("call %s: %s", qualified, r.Status),
			Cause:   r.Err,
		}
	}

	return printOutput(r.Output)
}

// promptMissingArgs fills required arguments the user did not pass on
// the command line, driven by the tool's input schema. Unknown tools
// fall through untouched: the orchestrator owns that error.
func promptMissingArgs(ctx context.Context, rt *shared.Runtime, qualified string, arguments map[string]interface{}) (map[string]interface{}, error) {
	desc, err := rt.Registry.Resolve(qualified)
	if err != nil {
		return arguments, nil
	}

	missing := prompt.FindMissingArgs(desc.InputSchema, arguments)
	if len(missing) == 0 {
		return arguments, nil
	}

	collected, err := prompt.Collect(ctx, prompt.NewSurveyPrompter(true), missing)
	if err != nil {
		return nil, shared.NewInvalidInputError("collecting arguments", err)
	}

	if arguments == nil {
		arguments = make(map[string]interface{}, len(collected))
	}
	for k, v := range collected {
		arguments[k] = v
	}
	return arguments, nil
}

// printResultJSON writes a stable envelope so scripts can branch on
// status without parsing stderr.
func printResultJSON(qualified string, r *orchestrator.CallResult) error {
	envelope := struct {
		Tool       string      `json:"tool"`
		Status     string      `json:"status"`
		Output     interface{} `json:"output,omitempty"`
		Error      string      `json:"error,omitempty"`
		DurationMs int64       `json:"duration_ms"`
	}{
		Tool:       qualified,
		Status:     string(r.Status),
		Output:     r.Output,
		DurationMs: r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		envelope.Error = r.Err.Error()
	}

	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printOutput(output interface{}) error {
	switch v := output.(type) {
	case nil:
		return nil
	case string:
		fmt.Println(v)
		return nil
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}
}

// splitQualified parses server:tool, rejecting bare or empty parts.
func splitQualified(qualified string) (server, tool string, err error) {
	server, tool, ok := strings.Cut(qualified, ":")
	if !ok || server == "" || tool == "" {
		return "", "", &pkgerrors.ValidationError{
			Field:      "tool",
			Message:    fmt.Sprintf("%q is not a qualified tool name", qualified),
			Suggestion: "use the form server:tool, e.g. files:read_file",
		}
	}
	return server, tool, nil
}

// parseArgs turns repeated key=value pairs into tool arguments. Values
// that parse as JSON keep their type; everything else is a string.
func parseArgs(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	args := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, &pkgerrors.ValidationError{
				Field:      "arg",
				Message:    fmt.Sprintf("%q is not a key=value pair", pair),
				Suggestion: "pass arguments as --arg key=value",
			}
		}

		var decoded interface{}
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			args[key] = decoded
		} else {
			args[key] = value
		}
	}
	return args, nil
}
