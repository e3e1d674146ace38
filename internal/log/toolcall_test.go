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
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
	"time"
)

func captureJSON(t *testing.T, level slog.Level, fn func(logger *slog.Logger)) []map[string]interface{} {
	t.Helper()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level}))
	fn(logger)

	var entries []map[string]interface{}
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var entry map[string]interface{}
		if err := dec.Decode(&entry); err != nil {
			t.Fatalf("failed to decode log entry: %v", err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestLogToolCall(t *testing.T) {
	rec := ToolCallRecord{
		Server:  "files",
		Tool:    "read_file",
		ArgKeys: []string{"limit", "path"},
	}

	entries := captureJSON(t, slog.LevelDebug, func(logger *slog.Logger) {
		LogToolCall(logger, rec)
	})

	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry["msg"] != "tool call started" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry[KeyServer] != "files" {
		t.Errorf("%s = %v, want files", KeyServer, entry[KeyServer])
	}
	if entry[KeyTool] != "read_file" {
		t.Errorf("%s = %v, want read_file", KeyTool, entry[KeyTool])
	}
	if entry["args"] != "limit,path" {
		t.Errorf("args = %v, want limit,path", entry["args"])
	}
}

func TestLogToolCallSkippedAboveDebug(t *testing.T) {
	entries := captureJSON(t, slog.LevelInfo, func(logger *slog.Logger) {
		LogToolCall(logger, ToolCallRecord{Server: "files", Tool: "read_file"})
	})
	if len(entries) != 0 {
		t.Errorf("expected no entries at info level, got %d", len(entries))
	}
}

func TestLogToolResultSuccess(t *testing.T) {
	rec := ToolCallRecord{Server: "database", Tool: "query"}

	entries := captureJSON(t, slog.LevelInfo, func(logger *slog.Logger) {
		LogToolResult(logger, rec, true, 250*time.Millisecond, "")
	})

	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry["msg"] != "tool call completed" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", entry["level"])
	}
	if entry["success"] != true {
		t.Errorf("success = %v, want true", entry["success"])
	}
	if entry[KeyDuration] != float64(250) {
		t.Errorf("%s = %v, want 250", KeyDuration, entry[KeyDuration])
	}
	if _, present := entry["error"]; present {
		t.Errorf("error field present on success: %v", entry["error"])
	}
}

func TestLogToolResultFailure(t *testing.T) {
	rec := ToolCallRecord{Server: "database", Tool: "query"}

	entries := captureJSON(t, slog.LevelInfo, func(logger *slog.Logger) {
		LogToolResult(logger, rec, false, time.Second, "connection reset")
	})

	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry["msg"] != "tool call failed" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry["level"] != "ERROR" {
		t.Errorf("level = %v, want ERROR", entry["level"])
	}
	if entry["error"] != "connection reset" {
		t.Errorf("error = %v", entry["error"])
	}
}

func TestArgumentKeys(t *testing.T) {
	keys := ArgumentKeys(map[string]interface{}{
		"path":  "main.go",
		"limit": 10,
		"all":   true,
	})
	if len(keys) != 3 || keys[0] != "all" || keys[1] != "limit" || keys[2] != "path" {
		t.Errorf("ArgumentKeys() = %v, want [all limit path]", keys)
	}

	if keys := ArgumentKeys(nil); keys != nil {
		t.Errorf("ArgumentKeys(nil) = %v, want nil", keys)
	}
}

func TestSanitizeEnv(t *testing.T) {
	env := []string{
		"DB_URL=postgres://localhost/app",
		"API_TOKEN=sk-1234567890",
		"MALFORMED",
	}

	out := SanitizeEnv(env)

	if out[0] != "DB_URL=postgres://localhost/app" {
		t.Errorf("out[0] = %q, non-secret value was altered", out[0])
	}
	if out[1] != "API_TOKEN=...7890" {
		t.Errorf("out[1] = %q, want API_TOKEN=...7890", out[1])
	}
	if out[2] != "MALFORMED" {
		t.Errorf("out[2] = %q, malformed entry was altered", out[2])
	}

	if out := SanitizeEnv(nil); out != nil {
		t.Errorf("SanitizeEnv(nil) = %v, want nil", out)
	}
}
