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

package orchestrator

import (
	"fmt"
	"time"

	"github.com/ringmaster-sh/ringmaster/pkg/errors"
)

// CallStatus is the lifecycle state of one call within a task.
type CallStatus string

const (
	// CallPending indicates the call has not been dispatched yet.
	CallPending CallStatus = "pending"
	// CallRunning indicates the call is executing.
	CallRunning CallStatus = "running"
	// CallSucceeded indicates the call completed successfully.
	CallSucceeded CallStatus = "succeeded"
	// CallFailed indicates the call failed.
	CallFailed CallStatus = "failed"
	// CallTimedOut indicates the call exceeded its timeout.
	CallTimedOut CallStatus = "timedOut"
	// CallSkipped indicates a prerequisite did not succeed.
	CallSkipped CallStatus = "skipped"
	// CallCancelled indicates the task context was cancelled first.
	CallCancelled CallStatus = "cancelled"
)

// TaskStatus is the aggregate outcome of a task.
type TaskStatus string

const (
	// TaskSuccess indicates every call succeeded.
	TaskSuccess TaskStatus = "success"
	// TaskPartial indicates some calls succeeded and some did not.
	TaskPartial TaskStatus = "partial"
	// TaskFailed indicates no call succeeded.
	TaskFailed TaskStatus = "failed"
	// TaskCancelled indicates the task context was cancelled before
	// every call could run.
	TaskCancelled TaskStatus = "cancelled"
)

// Binding pulls one argument of a dependent call out of a prerequisite's
// output with a jq query.
type Binding struct {
	// Arg is the argument name to set on the dependent call.
	Arg string `json:"arg" yaml:"arg"`

	// From is the prerequisite call whose output feeds the query.
	From string `json:"from" yaml:"from"`

	// Query is the jq query to run over the prerequisite's output.
	// Empty selects the whole output.
	Query string `json:"query,omitempty" yaml:"query,omitempty"`
}

// Call is one tool invocation within a task.
type Call struct {
	// ID identifies the call within its task.
	ID string `json:"id" yaml:"id"`

	// Tool names the tool to invoke, qualified (server:tool) or bare.
	// Bare names resolve only when exactly one server advertises them.
	Tool string `json:"tool" yaml:"tool"`

	// Arguments are the tool's input parameters.
	Arguments map[string]interface{} `json:"arguments,omitempty" yaml:"arguments,omitempty"`

	// After lists call IDs that must succeed before this call dispatches.
	After []string `json:"after,omitempty" yaml:"after,omitempty"`

	// Bind derives arguments from prerequisite outputs at dispatch time.
	Bind []Binding `json:"bind,omitempty" yaml:"bind,omitempty"`

	// Timeout overrides the per-call timeout for this call.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Task is a batch of calls with optional dependencies between them.
type Task struct {
	// ID identifies the task in events, logs, and traces.
	ID string `json:"id" yaml:"id"`

	// Calls are the tool invocations to run.
	Calls []Call `json:"calls" yaml:"calls"`

	// Timeout bounds the whole task. Zero means no task-level bound.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// CallResult is the outcome of one call.
type CallResult struct {
	// CallID identifies the call.
	CallID string `json:"callId"`

	// Status is the terminal status of the call.
	Status CallStatus `json:"status"`

	// Output is the call's result. Tool output that parses as JSON is
	// structured; anything else is the raw text.
	Output interface{} `json:"output,omitempty"`

	// Err is why the call did not succeed.
	Err error `json:"-"`

	// Duration is how long the call ran.
	Duration time.Duration `json:"duration"`

	// Attempts is how many times the call was dispatched.
	Attempts int `json:"attempts"`
}

// TaskResult aggregates the outcome of every call in a task.
type TaskResult struct {
	// TaskID identifies the task.
	TaskID string `json:"taskId"`

	// Status is the aggregate outcome.
	Status TaskStatus `json:"status"`

	// Results holds one entry per call, in task declaration order.
	Results []CallResult `json:"results"`

	// Started is when execution began.
	Started time.Time `json:"started"`

	// Finished is when the last call completed.
	Finished time.Time `json:"finished"`
}

// Result returns the result for a call ID, or nil when absent.
func (r *TaskResult) Result(callID string) *CallResult {
	for i := range r.Results {
		if r.Results[i].CallID == callID {
			return &r.Results[i]
		}
	}
	return nil
}

// Succeeded returns how many calls succeeded.
func (r *TaskResult) Succeeded() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == CallSucceeded {
			n++
		}
	}
	return n
}

// Validate rejects tasks with structural problems before anything
// dispatches: missing fields, duplicate call IDs, references to unknown
// calls, bindings that do not follow a dependency edge, and cycles.
func (t *Task) Validate() error {
	if len(t.Calls) == 0 {
		return &errors.ValidationError{
			Field:   "calls",
			Message: "task has no calls",
		}
	}

	byID := make(map[string]*Call, len(t.Calls))
	for i := range t.Calls {
		call := &t.Calls[i]
		if call.ID == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("calls[%d].id", i),
				Message: "call id is required",
			}
		}
		if call.Tool == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("calls[%d].tool", i),
				Message: fmt.Sprintf("call %q has no tool", call.ID),
			}
		}
		if _, dup := byID[call.ID]; dup {
			return &errors.ValidationError{
				Field:   "calls",
				Message: fmt.Sprintf("duplicate call id %q", call.ID),
			}
		}
		byID[call.ID] = call
	}

	for _, call := range t.Calls {
		deps := make(map[string]bool, len(call.After))
		for _, dep := range call.After {
			if _, ok := byID[dep]; !ok {
				return &errors.ValidationError{
					Field:   "after",
					Message: fmt.Sprintf("call %q depends on unknown call %q", call.ID, dep),
				}
			}
			deps[dep] = true
		}
		for _, b := range call.Bind {
			if b.Arg == "" {
				return &errors.ValidationError{
					Field:   "bind",
					Message: fmt.Sprintf("call %q has a binding with no arg", call.ID),
				}
			}
			if !deps[b.From] {
				return &errors.ValidationError{
					Field:      "bind",
					Message:    fmt.Sprintf("call %q binds from %q, which is not a prerequisite", call.ID, b.From),
					Suggestion: fmt.Sprintf("add %q to the call's after list", b.From),
				}
			}
		}
	}

	if cycle := findCycle(t.Calls); cycle != "" {
		return &errors.ValidationError{
			Field:   "after",
			Message: fmt.Sprintf("dependency cycle through call %q", cycle),
		}
	}

	return nil
}

// findCycle runs a three-color depth-first search over the dependency
// edges and returns a call on a cycle, or "" when the graph is acyclic.
func findCycle(calls []Call) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	after := make(map[string][]string, len(calls))
	for _, c := range calls {
		after[c.ID] = c.After
	}

	color := make(map[string]int, len(calls))
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range after[id] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if found := visit(dep); found != "" {
					return found
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, c := range calls {
		if color[c.ID] == white {
			if found := visit(c.ID); found != "" {
				return found
			}
		}
	}
	return ""
}
