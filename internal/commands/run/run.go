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

// Package run implements the 'ringmaster run' command: execute a task
// file of tool calls with dependencies and output bindings.
package run

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ringmaster-sh/ringmaster/internal/commands/shared"
	"github.com/ringmaster-sh/ringmaster/internal/orchestrator"
)

// NewCommand creates the run command.
func NewCommand() *cobra.Command {
	var taskPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a task file",
		Long: `Run a YAML task file: a set of tool calls with optional dependencies
(after) and output bindings (bind). Independent calls run concurrently;
dependent calls wait for their prerequisites and can bind jq-filtered
prerequisite output into their arguments.

The servers the task names are started for the duration of the command.
Calls with unqualified tool names fall back to the resume set.`,
		Example: `  # Example 1: Run a task file
  ringmaster run --task backup.yaml

  # Example 2: Machine-readable results
  ringmaster run --task backup.yaml --json

  # A task file:
  #   id: nightly-backup
  #   calls:
  #     - id: dump
  #       tool: db:dump
  #       arguments: {database: main}
  #     - id: compress
  #       tool: files:compress
  #       after: [dump]
  #       bind:
  #         - arg: path
  #           from: dump
  #           query: .path`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTask(cmd, taskPath)
		},
	}

	cmd.Flags().StringVar(&taskPath, "task", "", "Path to the task file (required)")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}

func runTask(cmd *cobra.Command, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return shared.NewInvalidInputError(fmt.Sprintf("reading task file %s", path), err)
	}
	task, err := decodeTaskFile(data)
	if err != nil {
		return shared.NewInvalidInputError(fmt.Sprintf("parsing task file %s", path), err)
	}
	if err := task.Validate(); err != nil {
		return shared.NewInvalidInputError(fmt.Sprintf("task file %s", path), err)
	}

	ctx := cmd.Context()
	rt, err := shared.OpenRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close(ctx)

	named, hasBare := referencedServers(task)
	if err := rt.StartServers(ctx, named...); err != nil {
		return shared.WrapStartError(err)
	}
	if hasBare {
		// Bare tool names resolve against whatever the resume set
		// advertises; unresolvable ones fail their call, not the task.
		rt.StartActiveSet(ctx)
	}

	result, err := rt.Orchestrator.Execute(ctx, task)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		if err := printResultJSON(result); err != nil {
			return err
		}
	} else {
		printResult(result)
	}

	if result.Status != orchestrator.TaskSuccess {
		return &shared.ExitError{
			Code:    shared.ExitCallFailed,
			Message: fmt.Sprintf("task %s: %s", result.TaskID, result.Status),
		}
	}
	return nil
}

// referencedServers returns the servers named by qualified tools, sorted,
// and whether any call uses a bare tool name.
func referencedServers(task orchestrator.Task) (names []string, hasBare bool) {
	seen := make(map[string]bool)
	for _, call := range task.Calls {
		server, _, ok := strings.Cut(call.Tool, ":")
		if !ok || server == "" {
			hasBare = true
			continue
		}
		if !seen[server] {
			seen[server] = true
			names = append(names, server)
		}
	}
	sort.Strings(names)
	return names, hasBare
}

func printResult(result *orchestrator.TaskResult) {
	fmt.Printf("%-20s %-10s %-9s %s\n", "CALL", "STATUS", "DURATION", "")
	fmt.Println(strings.Repeat("-", 64))
	for i := range result.Results {
		r := &result.Results[i]
		detail := ""
		if r.Err != nil {
			detail = shared.Truncate(r.Err.Error(), 60)
		}
		fmt.Printf("%-20s %-10s %-9s %s\n",
			shared.Truncate(r.CallID, 20),
			renderCallStatus(r.Status),
			shared.FormatDuration(r.Duration),
			detail,
		)
	}

	duration := result.Finished.Sub(result.Started)
	summary := fmt.Sprintf("task %s: %s (%d/%d succeeded) in %s",
		result.TaskID, result.Status, result.Succeeded(), len(result.Results),
		shared.FormatDuration(duration))

	fmt.Println()
	if result.Status == orchestrator.TaskSuccess {
		fmt.Println(shared.RenderOK(summary))
	} else {
		fmt.Println(shared.RenderError(summary))
	}
}

// renderCallStatus colors a call status, padding before styling so the
// ANSI codes don't break column alignment.
func renderCallStatus(status orchestrator.CallStatus) string {
	padded := fmt.Sprintf("%-10s", string(status))
	switch status {
	case orchestrator.CallSucceeded:
		return shared.StatusOK.Render(padded)
	case orchestrator.CallFailed, orchestrator.CallTimedOut:
		return shared.StatusError.Render(padded)
	case orchestrator.CallSkipped, orchestrator.CallCancelled:
		return shared.Muted.Render(padded)
	default:
		return padded
	}
}

func printResultJSON(result *orchestrator.TaskResult) error {
	type callRow struct {
		CallID     string      `json:"call_id"`
		Status     string      `json:"status"`
		Output     interface{} `json:"output,omitempty"`
		Error      string      `json:"error,omitempty"`
		DurationMs int64       `json:"duration_ms"`
		Attempts   int         `json:"attempts"`
	}

	envelope := struct {
		TaskID     string    `json:"task_id"`
		Status     string    `json:"status"`
		DurationMs int64     `json:"duration_ms"`
		Results    []callRow `json:"results"`
	}{
		TaskID:     result.TaskID,
		Status:     string(result.Status),
		DurationMs: result.Finished.Sub(result.Started).Milliseconds(),
	}
	for i := range result.Results {
		r := &result.Results[i]
		row := callRow{
			CallID:     r.CallID,
			Status:     string(r.Status),
			Output:     r.Output,
			DurationMs: r.Duration.Milliseconds(),
			Attempts:   r.Attempts,
		}
		if r.Err != nil {
			row.Error = r.Err.Error()
		}
		envelope.Results = append(envelope.Results, row)
	}

	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task result: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
