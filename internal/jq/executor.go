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

// Package jq evaluates jq queries against tool outputs. The orchestrator
// uses it to bind a dependent call's arguments to fields of a
// prerequisite's result.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout bounds a single query evaluation.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize bounds the serialized input document (10MB).
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Executor compiles and runs jq queries with a per-run timeout and an
// input size ceiling.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64
}

// NewExecutor creates an executor. Zero values fall back to the defaults.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize <= 0 {
		maxInputSize = DefaultMaxInputSize
	}
	return &Executor{
		timeout:      timeout,
		maxInputSize: maxInputSize,
	}
}

// Execute runs a query against data. An empty query is the identity. A
// query yielding a single value returns it bare, several values come back
// as a slice, none as nil.
func (e *Executor) Execute(ctx context.Context, query string, data interface{}) (interface{}, error) {
	if query == "" {
		return data, nil
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parsing query: %w", err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("compiling query: %w", err)
	}

	// A JSON round trip both enforces the size ceiling and normalizes the
	// input to the value kinds gojq accepts.
	input, err := e.normalize(data)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var results []interface{}
	iter := code.RunWithContext(runCtx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if qerr, isErr := v.(error); isErr {
			if runCtx.Err() != nil {
				return nil, fmt.Errorf("query timed out after %v", e.timeout)
			}
			return nil, qerr
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Validate compiles a query without running it, so task files can be
// rejected before any call dispatches.
func (e *Executor) Validate(query string) error {
	if query == "" {
		return nil
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return fmt.Errorf("invalid jq query: %w", err)
	}
	if _, err := gojq.Compile(parsed); err != nil {
		return fmt.Errorf("jq compilation failed: %w", err)
	}
	return nil
}

func (e *Executor) normalize(data interface{}) (interface{}, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling query input: %w", err)
	}
	if int64(len(raw)) > e.maxInputSize {
		return nil, fmt.Errorf("query input (%d bytes) exceeds maximum (%d bytes)", len(raw), e.maxInputSize)
	}
	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("normalizing query input: %w", err)
	}
	return normalized, nil
}
