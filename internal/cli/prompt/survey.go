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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/AlecAivazis/survey/v2"
)

// SurveyPrompter implements Prompter on the survey library. Validators
// re-ask on bad input, so callers see only valid values or a hard error
// (EOF, interrupt).
type SurveyPrompter struct {
	interactive bool
}

// NewSurveyPrompter creates a survey-based prompter.
func NewSurveyPrompter(interactive bool) *SurveyPrompter {
	return &SurveyPrompter{interactive: interactive}
}

func (sp *SurveyPrompter) message(name, desc string) string {
	if desc == "" {
		return name + ":"
	}
	return fmt.Sprintf("%s (%s):", name, desc)
}

// PromptString collects a string using survey.Input.
func (sp *SurveyPrompter) PromptString(ctx context.Context, name, desc string) (string, error) {
	if !sp.interactive {
		return "", fmt.Errorf("cannot prompt in non-interactive mode")
	}

	var result string
	err := survey.AskOne(&survey.Input{Message: sp.message(name, desc)}, &result)
	return result, err
}

// PromptNumber collects a number using survey.Input with validation.
func (sp *SurveyPrompter) PromptNumber(ctx context.Context, name, desc string) (float64, error) {
	if !sp.interactive {
		return 0, fmt.Errorf("cannot prompt in non-interactive mode")
	}

	var input string
	err := survey.AskOne(&survey.Input{Message: sp.message(name, desc)}, &input,
		survey.WithValidator(func(ans interface{}) error {
			str, ok := ans.(string)
			if !ok {
				return nil
			}
			if _, err := strconv.ParseFloat(strings.TrimSpace(str), 64); err != nil {
				return fmt.Errorf("%q is not a number", str)
			}
			return nil
		}))
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(input), 64)
}

// PromptBool collects a yes/no using survey.Confirm.
func (sp *SurveyPrompter) PromptBool(ctx context.Context, name, desc string) (bool, error) {
	if !sp.interactive {
		return false, fmt.Errorf("cannot prompt in non-interactive mode")
	}

	var result bool
	err := survey.AskOne(&survey.Confirm{Message: sp.message(name, desc)}, &result)
	return result, err
}

// PromptEnum collects a selection using survey.Select.
func (sp *SurveyPrompter) PromptEnum(ctx context.Context, name, desc string, options []string) (string, error) {
	if !sp.interactive {
		return "", fmt.Errorf("cannot prompt in non-interactive mode")
	}
	if len(options) == 0 {
		return "", fmt.Errorf("no options to select from")
	}

	var result string
	err := survey.AskOne(&survey.Select{
		Message: sp.message(name, desc),
		Options: options,
	}, &result)
	return result, err
}

// PromptJSON collects an array or object as JSON text using survey.Input.
func (sp *SurveyPrompter) PromptJSON(ctx context.Context, name, desc string) (interface{}, error) {
	if !sp.interactive {
		return nil, fmt.Errorf("cannot prompt in non-interactive mode")
	}

	var input string
	err := survey.AskOne(&survey.Input{Message: sp.message(name, desc) + " (JSON)"}, &input,
		survey.WithValidator(func(ans interface{}) error {
			str, ok := ans.(string)
			if !ok {
				return nil
			}
			var v interface{}
			if err := json.Unmarshal([]byte(str), &v); err != nil {
				return fmt.Errorf("not valid JSON: %v", err)
			}
			return nil
		}))
	if err != nil {
		return nil, err
	}

	var value interface{}
	if err := json.Unmarshal([]byte(input), &value); err != nil {
		return nil, err
	}
	return value, nil
}

// IsInteractive reports whether prompts can be displayed.
func (sp *SurveyPrompter) IsInteractive() bool {
	return sp.interactive
}
