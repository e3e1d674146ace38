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

package catalog

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ringmaster-sh/ringmaster/pkg/errors"
)

// Predicate selects tools during a Search scan.
type Predicate func(ToolDescriptor) bool

// Search scans the current snapshot and returns tools matching the predicate,
// in catalog order.
func (r *Registry) Search(pred Predicate) []ToolDescriptor {
	return r.Snapshot().Search(pred)
}

// Search scans this snapshot and returns tools matching the predicate.
func (s *Snapshot) Search(pred Predicate) []ToolDescriptor {
	var out []ToolDescriptor
	for _, t := range s.Tools() {
		if pred(t) {
			out = append(out, t)
		}
	}
	return out
}

// MatchExpression compiles an expr predicate over tool descriptor fields
// (server, name, description). Used for CLI filtering, e.g.
//
//	server == "database" && name startsWith "backup"
func MatchExpression(src string) (Predicate, error) {
	program, err := compileMatch(src)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "filter",
			Message:    fmt.Sprintf("failed to compile filter expression: %s", err.Error()),
			Suggestion: "filter over the fields server, name, and description, e.g. server == \"database\"",
		}
	}

	return func(t ToolDescriptor) bool {
		env := map[string]interface{}{
			"server":      t.Server,
			"name":        t.Name,
			"description": t.Description,
		}
		result, err := expr.Run(program, env)
		if err != nil {
			return false
		}
		matched, ok := result.(bool)
		return ok && matched
	}, nil
}

func compileMatch(src string) (*vm.Program, error) {
	env := map[string]interface{}{
		"server":      "",
		"name":        "",
		"description": "",
	}
	return expr.Compile(src,
		expr.Env(env),
		expr.AsBool(),
	)
}

// Allowed reports whether a tool name passes the allow/deny doublestar
// patterns. An empty allow list admits everything; deny wins over allow.
// Invalid patterns are skipped.
func Allowed(name string, allow, deny []string) bool {
	for _, pattern := range deny {
		matched, err := doublestar.Match(pattern, name)
		if err != nil {
			continue
		}
		if matched {
			return false
		}
	}

	if len(allow) == 0 {
		return true
	}
	for _, pattern := range allow {
		matched, err := doublestar.Match(pattern, name)
		if err != nil {
			continue
		}
		if matched {
			return true
		}
	}
	return false
}

// FilterTools applies allow/deny patterns to a tool list, preserving order.
func FilterTools(tools []ToolDescriptor, allow, deny []string) []ToolDescriptor {
	if len(allow) == 0 && len(deny) == 0 {
		return tools
	}
	out := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		if Allowed(t.Name, allow, deny) {
			out = append(out, t)
		}
	}
	return out
}
