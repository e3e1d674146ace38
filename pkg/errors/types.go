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

// Package errors defines the typed errors shared across ringmaster.
// Callers discriminate with errors.As; every cause-carrying type
// implements Unwrap so errors.Is chains through.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionError represents a failure on a server connection.
// Use this for launch failures, lost transports, and calls rejected
// because the connection is failed or stopped.
type ConnectionError struct {
	// Server is the name of the MCP server the connection belongs to
	Server string

	// State is the connection state at the time of the failure
	State string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("server %s connection error", e.Server)
	if e.State != "" {
		msg = fmt.Sprintf("%s (state %s)", msg, e.State)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// ProtocolError represents a JSON-RPC level failure reported by an
// MCP server, carrying the wire error code when one is known.
type ProtocolError struct {
	// Server is the name of the MCP server that produced the error
	Server string

	// Code is the JSON-RPC error code (e.g., -32601 method not found)
	Code int

	// Message is the error message from the server
	Message string

	// Data carries any structured detail attached to the wire error
	Data any
}

// JSON-RPC 2.0 error codes used by the MCP wire protocol.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("server %s protocol error %d: %s", e.Server, e.Code, e.Message)
	}
	return fmt.Sprintf("server %s protocol error: %s", e.Server, e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested server, tool, or resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "server", "tool", "prompt")
	Resource string

	// ID is the identifier that was not found
	ID string

	// Suggestions lists similar identifiers that do exist
	Suggestions []string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
	if len(e.Suggestions) > 0 {
		msg = fmt.Sprintf("%s (did you mean %s?)", msg, strings.Join(e.Suggestions, ", "))
	}
	return msg
}

// ToolExecutionError represents a tool call that the server executed
// and reported as failed (isError result), as opposed to transport or
// protocol failures.
type ToolExecutionError struct {
	// Server is the name of the MCP server that ran the tool
	Server string

	// Tool is the tool name as the server knows it
	Tool string

	// Messages are the error content items returned by the tool
	Messages []string
}

// Error implements the error interface.
func (e *ToolExecutionError) Error() string {
	msg := fmt.Sprintf("tool %s:%s failed", e.Server, e.Tool)
	if len(e.Messages) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, strings.Join(e.Messages, "; "))
	}
	return msg
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "handshake", "tool call")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ShutdownError represents work rejected because a component has shut down.
type ShutdownError struct {
	// Component is the component that refused the work (e.g., "dispatch")
	Component string
}

// Error implements the error interface.
func (e *ShutdownError) Error() string {
	return fmt.Sprintf("%s is shut down", e.Component)
}

// ValidationError represents user input validation failures.
// Use this for invalid user input, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "servers.db.command")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
