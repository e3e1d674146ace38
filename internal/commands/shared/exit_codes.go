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

package shared

import (
	"errors"
	"fmt"
	"os"

	pkgerrors "github.com/ringmaster-sh/ringmaster/pkg/errors"
)

// Exit codes for ringmaster commands
const (
	ExitSuccess      = 0
	ExitCallFailed   = 1 // a call or task did not succeed
	ExitInvalidInput = 2 // malformed task file, tool name, or flag value
	ExitConfigError  = 3 // configuration could not be loaded or is invalid
	ExitServerError  = 4 // an MCP server could not be started or reached
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	switch {
	case e.Message == "" && e.Cause != nil:
		return e.Cause.Error()
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	default:
		return e.Message
	}
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewCallFailedError creates an error for calls or tasks that did not succeed
func NewCallFailedError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitCallFailed,
		Message: msg,
		Cause:   cause,
	}
}

// NewInvalidInputError creates an error for malformed user input
func NewInvalidInputError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitInvalidInput,
		Message: msg,
		Cause:   cause,
	}
}

// NewConfigError creates an error for configuration failures
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitConfigError,
		Message: msg,
		Cause:   cause,
	}
}

// NewServerError creates an error for MCP server failures
func NewServerError(msg string, cause error) *ExitError {
	return &ExitError{
		Code:    ExitServerError,
		Message: msg,
		Cause:   cause,
	}
}

// HandleExitError checks if an error is an ExitError and exits with the appropriate code
func HandleExitError(err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	printSuggestion(err)

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}

	os.Exit(ExitCodeFor(err))
}

// ExitCodeFor maps an error chain to an exit code. Errors that already
// carry a code keep it; well-known failure types get stable codes so
// scripts can branch on them.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	var validationErr *pkgerrors.ValidationError
	if errors.As(err, &validationErr) {
		return ExitInvalidInput
	}
	var configErr *pkgerrors.ConfigError
	if errors.As(err, &configErr) {
		return ExitConfigError
	}
	var notFoundErr *pkgerrors.NotFoundError
	if errors.As(err, &notFoundErr) {
		return ExitInvalidInput
	}
	var connErr *pkgerrors.ConnectionError
	if errors.As(err, &connErr) {
		return ExitServerError
	}

	return ExitCallFailed
}

// printSuggestion prints actionable guidance when the error chain carries
// any. NotFoundError folds its suggestions into Error() already, so only
// validation suggestions need a separate line.
func printSuggestion(err error) {
	var validationErr *pkgerrors.ValidationError
	if errors.As(err, &validationErr) && validationErr.Suggestion != "" {
		fmt.Fprintln(os.Stderr, "Suggestion:", validationErr.Suggestion)
	}
}

// WrapStartError keeps user errors from a server start (unknown names,
// bad config) as they are and marks everything else as a server-side
// failure.
func WrapStartError(err error) error {
	if err == nil {
		return nil
	}
	var notFound *pkgerrors.NotFoundError
	var validation *pkgerrors.ValidationError
	var configErr *pkgerrors.ConfigError
	if errors.As(err, &notFound) || errors.As(err, &validation) || errors.As(err, &configErr) {
		return err
	}
	return &ExitError{Code: ExitServerError, Cause: err}
}
