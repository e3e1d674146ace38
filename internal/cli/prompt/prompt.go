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

// Package prompt collects missing tool arguments interactively. A tool's
// input schema names its required arguments; when a call omits some and
// the terminal is interactive, the gaps are prompted for type-aware
// instead of bouncing the call off the server.
package prompt

import (
	"context"
	"fmt"
)

// Prompter collects a single typed value from the user. Implementations
// are SurveyPrompter (terminal) and MockPrompter (tests).
type Prompter interface {
	// PromptString collects a string value.
	PromptString(ctx context.Context, name, desc string) (string, error)

	// PromptNumber collects a numeric value.
	PromptNumber(ctx context.Context, name, desc string) (float64, error)

	// PromptBool collects a yes/no value.
	PromptBool(ctx context.Context, name, desc string) (bool, error)

	// PromptEnum presents options and collects the selection.
	PromptEnum(ctx context.Context, name, desc string, options []string) (string, error)

	// PromptJSON collects an array or object value as JSON text.
	PromptJSON(ctx context.Context, name, desc string) (interface{}, error)

	// IsInteractive reports whether prompts can be displayed.
	IsInteractive() bool
}

// Collect prompts for each missing argument in order and returns the
// collected values keyed by argument name. Integer-typed arguments are
// narrowed from the prompted float when they divide evenly.
func Collect(ctx context.Context, p Prompter, missing []MissingArg) (map[string]interface{}, error) {
	if len(missing) == 0 {
		return nil, nil
	}
	if !p.IsInteractive() {
		return nil, fmt.Errorf("cannot prompt for arguments in non-interactive mode")
	}

	collected := make(map[string]interface{}, len(missing))
	for _, arg := range missing {
		value, err := collectOne(ctx, p, arg)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", arg.Name, err)
		}
		collected[arg.Name] = value
	}
	return collected, nil
}

func collectOne(ctx context.Context, p Prompter, arg MissingArg) (interface{}, error) {
	if len(arg.Enum) > 0 {
		return p.PromptEnum(ctx, arg.Name, arg.Description, arg.Enum)
	}

	switch arg.Type {
	case "number":
		return p.PromptNumber(ctx, arg.Name, arg.Description)
	case "integer":
		f, err := p.PromptNumber(ctx, arg.Name, arg.Description)
		if err != nil {
			return nil, err
		}
		if f == float64(int64(f)) {
			return int64(f), nil
		}
		return nil, fmt.Errorf("expected an integer, got %v", f)
	case "boolean":
		return p.PromptBool(ctx, arg.Name, arg.Description)
	case "array", "object":
		return p.PromptJSON(ctx, arg.Name, arg.Description)
	default:
		return p.PromptString(ctx, arg.Name, arg.Description)
	}
}
