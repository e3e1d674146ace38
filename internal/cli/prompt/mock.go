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
	"context"
	"fmt"
)

// MockPrompter implements Prompter with scripted responses, one per
// prompt in order. It records which prompts were shown.
type MockPrompter struct {
	responses   []interface{}
	next        int
	interactive bool
	callLog     []string
}

// NewMockPrompter creates a mock prompter replaying the given responses.
func NewMockPrompter(interactive bool, responses ...interface{}) *MockPrompter {
	return &MockPrompter{responses: responses, interactive: interactive}
}

func (mp *MockPrompter) take(call string) (interface{}, error) {
	mp.callLog = append(mp.callLog, call)
	if mp.next >= len(mp.responses) {
		return nil, fmt.Errorf("no scripted response left for %s", call)
	}
	resp := mp.responses[mp.next]
	mp.next++
	return resp, nil
}

// PromptString returns the next scripted string.
func (mp *MockPrompter) PromptString(ctx context.Context, name, desc string) (string, error) {
	resp, err := mp.take(fmt.Sprintf("PromptString(%s)", name))
	if err != nil {
		return "", err
	}
	s, ok := resp.(string)
	if !ok {
		return "", fmt.Errorf("scripted response for %s is not a string", name)
	}
	return s, nil
}

// PromptNumber returns the next scripted number.
func (mp *MockPrompter) PromptNumber(ctx context.Context, name, desc string) (float64, error) {
	resp, err := mp.take(fmt.Sprintf("PromptNumber(%s)", name))
	if err != nil {
		return 0, err
	}
	switch n := resp.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	}
	return 0, fmt.Errorf("scripted response for %s is not a number", name)
}

// PromptBool returns the next scripted boolean.
func (mp *MockPrompter) PromptBool(ctx context.Context, name, desc string) (bool, error) {
	resp, err := mp.take(fmt.Sprintf("PromptBool(%s)", name))
	if err != nil {
		return false, err
	}
	b, ok := resp.(bool)
	if !ok {
		return false, fmt.Errorf("scripted response for %s is not a boolean", name)
	}
	return b, nil
}

// PromptEnum returns the next scripted selection.
func (mp *MockPrompter) PromptEnum(ctx context.Context, name, desc string, options []string) (string, error) {
	resp, err := mp.take(fmt.Sprintf("PromptEnum(%s)", name))
	if err != nil {
		return "", err
	}
	s, ok := resp.(string)
	if !ok {
		return "", fmt.Errorf("scripted response for %s is not a string", name)
	}
	for _, opt := range options {
		if opt == s {
			return s, nil
		}
	}
	return "", fmt.Errorf("scripted response %q for %s is not among the options", s, name)
}

// PromptJSON returns the next scripted value as-is.
func (mp *MockPrompter) PromptJSON(ctx context.Context, name, desc string) (interface{}, error) {
	return mp.take(fmt.Sprintf("PromptJSON(%s)", name))
}

// IsInteractive reports the configured interactivity.
func (mp *MockPrompter) IsInteractive() bool {
	return mp.interactive
}

// CallLog returns the prompts shown so far.
func (mp *MockPrompter) CallLog() []string {
	return append([]string(nil), mp.callLog...)
}
