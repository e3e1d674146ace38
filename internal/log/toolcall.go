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

package log

import (
	"log/slog"
	"sort"
	"strings"
	"time"
)

// ToolCallRecord describes one tool invocation at the logging boundary.
// Only argument names are carried; values routinely hold file contents
// and credentials and never belong in logs.
type ToolCallRecord struct {
	// Server is the MCP server receiving the call.
	Server string

	// Tool is the bare tool name on that server.
	Tool string

	// ArgKeys lists the argument names, sorted.
	ArgKeys []string
}

// ArgumentKeys extracts the sorted argument names from a call's
// arguments for a ToolCallRecord.
func ArgumentKeys(args map[string]interface{}) []string {
	if len(args) == 0 {
		return nil
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LogToolCall logs an invocation as it is sent to the server.
func LogToolCall(logger *slog.Logger, call ToolCallRecord) {
	if !logger.Enabled(nil, slog.LevelDebug) {
		return
	}

	attrs := []any{
		KeyEvent, "tool_call",
		KeyServer, call.Server,
		KeyTool, call.Tool,
	}
	if len(call.ArgKeys) > 0 {
		attrs = append(attrs, "args", strings.Join(call.ArgKeys, ","))
	}

	logger.Debug("tool call started", attrs...)
}

// LogToolResult logs the outcome of an invocation: one line per call,
// info for success and error for failure, always carrying the duration.
func LogToolResult(logger *slog.Logger, call ToolCallRecord, ok bool, elapsed time.Duration, errMsg string) {
	attrs := []any{
		KeyEvent, "tool_result",
		KeyServer, call.Server,
		KeyTool, call.Tool,
		"success", ok,
		KeyDuration, elapsed.Milliseconds(),
	}
	if errMsg != "" {
		attrs = append(attrs, "error", errMsg)
	}

	level := slog.LevelInfo
	message := "tool call completed"
	if !ok {
		level = slog.LevelError
		message = "tool call failed"
	}

	logger.Log(nil, level, message, attrs...)
}

// SanitizeEnv redacts credential-looking values in KEY=VALUE entries so
// a server's environment can be logged at launch.
func SanitizeEnv(env []string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, len(env))
	for i, entry := range env {
		key, value, found := strings.Cut(entry, "=")
		if !found {
			out[i] = entry
			continue
		}
		out[i] = key + "=" + SanitizeValue(key, value)
	}
	return out
}
