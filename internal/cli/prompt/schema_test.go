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

package prompt

import (
	"encoding/json"
	"testing"
)

func TestFindMissingArgs(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File to read"},
			"limit": {"type": "integer"},
			"mode": {"type": "string", "enum": ["full", "head", "tail"]}
		},
		"required": ["path", "mode"]
	}`)

	missing := FindMissingArgs(schema, map[string]interface{}{"limit": 10})

	if len(missing) != 2 {
		t.Fatalf("FindMissingArgs() returned %d args, want 2", len(missing))
	}
	if missing[0].Name != "path" {
		t.Errorf("missing[0].Name = %q, want 'path'", missing[0].Name)
	}
	if missing[0].Type != "string" {
		t.Errorf("missing[0].Type = %q, want 'string'", missing[0].Type)
	}
	if missing[0].Description != "File to read" {
		t.Errorf("missing[0].Description = %q", missing[0].Description)
	}
	if missing[1].Name != "mode" {
		t.Errorf("missing[1].Name = %q, want 'mode'", missing[1].Name)
	}
	if len(missing[1].Enum) != 3 || missing[1].Enum[0] != "full" {
		t.Errorf("missing[1].Enum = %v, want [full head tail]", missing[1].Enum)
	}
}

func TestFindMissingArgsAllProvided(t *testing.T) {
	schema := json.RawMessage(`{
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`)

	missing := FindMissingArgs(schema, map[string]interface{}{"path": "go.mod"})
	if len(missing) != 0 {
		t.Errorf("FindMissingArgs() returned %d args, want 0", len(missing))
	}
}

func TestFindMissingArgsRequiredWithoutProperty(t *testing.T) {
	// A required name the properties block never declares still prompts,
	// defaulting to string.
	schema := json.RawMessage(`{"required": ["token"]}`)

	missing := FindMissingArgs(schema, nil)
	if len(missing) != 1 {
		t.Fatalf("FindMissingArgs() returned %d args, want 1", len(missing))
	}
	if missing[0].Type != "string" {
		t.Errorf("missing[0].Type = %q, want 'string'", missing[0].Type)
	}
}

func TestFindMissingArgsToleratesBadSchema(t *testing.T) {
	cases := []json.RawMessage{
		nil,
		json.RawMessage(``),
		json.RawMessage(`not json`),
		json.RawMessage(`{"required": "path"}`),
	}
	for _, schema := range cases {
		if missing := FindMissingArgs(schema, nil); missing != nil {
			t.Errorf("FindMissingArgs(%q) = %v, want nil", schema, missing)
		}
	}
}

func TestStringifyEnumMixedTypes(t *testing.T) {
	out := stringifyEnum([]interface{}{"a", float64(2), true})
	if len(out) != 3 {
		t.Fatalf("stringifyEnum() returned %d values, want 3", len(out))
	}
	if out[0] != "a" || out[1] != "2" || out[2] != "true" {
		t.Errorf("stringifyEnum() = %v", out)
	}
}
