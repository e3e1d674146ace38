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
	"fmt"
)

// MissingArg is a required tool argument the caller did not provide.
type MissingArg struct {
	Name        string
	Type        string
	Description string
	Enum        []string
}

// inputSchema is the subset of a tool's JSON Schema the prompter reads.
type inputSchema struct {
	Properties map[string]schemaProperty `json:"properties"`
	Required   []string                  `json:"required"`
}

type schemaProperty struct {
	Type        string        `json:"type"`
	Description string        `json:"description"`
	Enum        []interface{} `json:"enum"`
}

// FindMissingArgs parses a tool's input schema and returns the required
// arguments absent from provided, in the schema's required order. A nil
// or unparseable schema yields nothing: the server is the authority on
// its own schema, so a schema this code cannot read just means no
// prompting help.
func FindMissingArgs(schema json.RawMessage, provided map[string]interface{}) []MissingArg {
	if len(schema) == 0 {
		return nil
	}

	var s inputSchema
	if err := json.Unmarshal(schema, &s); err != nil {
		return nil
	}

	var missing []MissingArg
	for _, name := range s.Required {
		if _, ok := provided[name]; ok {
			continue
		}

		arg := MissingArg{Name: name, Type: "string"}
		if prop, ok := s.Properties[name]; ok {
			if prop.Type != "" {
				arg.Type = prop.Type
			}
			arg.Description = prop.Description
			arg.Enum = stringifyEnum(prop.Enum)
		}
		missing = append(missing, arg)
	}
	return missing
}

// stringifyEnum renders enum values for selection prompts. Non-string
// values appear in their JSON form.
func stringifyEnum(values []interface{}) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			out = append(out, fmt.Sprintf("%v", v))
			continue
		}
		out = append(out, string(b))
	}
	return out
}
