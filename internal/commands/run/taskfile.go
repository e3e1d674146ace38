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

package run

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ringmaster-sh/ringmaster/internal/orchestrator"
)

// taskFile is the on-disk task shape. It differs from orchestrator.Task
// only in that timeouts are human-readable strings ("30s", "2m").
type taskFile struct {
	ID      string         `yaml:"id"`
	Timeout string         `yaml:"timeout,omitempty"`
	Calls   []taskFileCall `yaml:"calls"`
}

type taskFileCall struct {
	ID        string                 `yaml:"id"`
	Tool      string                 `yaml:"tool"`
	Arguments map[string]interface{} `yaml:"arguments,omitempty"`
	After     []string               `yaml:"after,omitempty"`
	Bind      []taskFileBinding      `yaml:"bind,omitempty"`
	Timeout   string                 `yaml:"timeout,omitempty"`
}

type taskFileBinding struct {
	Arg   string `yaml:"arg"`
	From  string `yaml:"from"`
	Query string `yaml:"query,omitempty"`
}

// decodeTaskFile parses a YAML task file into an orchestrator task.
func decodeTaskFile(data []byte) (orchestrator.Task, error) {
	var tf taskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return orchestrator.Task{}, err
	}

	task := orchestrator.Task{ID: tf.ID}
	if tf.Timeout != "" {
		d, err := time.ParseDuration(tf.Timeout)
		if err != nil {
			return orchestrator.Task{}, fmt.Errorf("invalid task timeout %q: %w", tf.Timeout, err)
		}
		task.Timeout = d
	}

	for i, fc := range tf.Calls {
		call := orchestrator.Call{
			ID:        fc.ID,
			Tool:      fc.Tool,
			Arguments: fc.Arguments,
			After:     fc.After,
		}
		if fc.Timeout != "" {
			d, err := time.ParseDuration(fc.Timeout)
			if err != nil {
				return orchestrator.Task{}, fmt.Errorf("calls[%d]: invalid timeout %q: %w", i, fc.Timeout, err)
			}
			call.Timeout = d
		}
		for _, fb := range fc.Bind {
			call.Bind = append(call.Bind, orchestrator.Binding{
				Arg:   fb.Arg,
				From:  fb.From,
				Query: fb.Query,
			})
		}
		task.Calls = append(task.Calls, call)
	}

	return task, nil
}
