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
	"testing"

	pkgerrors "github.com/ringmaster-sh/ringmaster/pkg/errors"
)

func TestExitErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *ExitError
		want string
	}{
		{
			name: "message only",
			err:  &ExitError{Code: ExitCallFailed, Message: "call failed"},
			want: "call failed",
		},
		{
			name: "message with cause",
			err:  &ExitError{Code: ExitCallFailed, Message: "call failed", Cause: errors.New("boom")},
			want: "call failed: boom",
		},
		{
			name: "cause only",
			err:  &ExitError{Code: ExitServerError, Cause: errors.New("spawn: no such file")},
			want: "spawn: no such file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExitErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewServerError("server failed", cause)

	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause through ExitError")
	}
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "nil",
			err:  nil,
			want: ExitSuccess,
		},
		{
			name: "exit error keeps its code",
			err:  &ExitError{Code: ExitServerError, Message: "down"},
			want: ExitServerError,
		},
		{
			name: "wrapped exit error keeps its code",
			err:  fmt.Errorf("context: %w", &ExitError{Code: ExitConfigError, Message: "bad config"}),
			want: ExitConfigError,
		},
		{
			name: "validation error",
			err:  &pkgerrors.ValidationError{Field: "tool", Message: "not qualified"},
			want: ExitInvalidInput,
		},
		{
			name: "config error",
			err:  &pkgerrors.ConfigError{Key: "servers", Reason: "empty"},
			want: ExitConfigError,
		},
		{
			name: "not found error",
			err:  &pkgerrors.NotFoundError{Resource: "server", ID: "ghost"},
			want: ExitInvalidInput,
		},
		{
			name: "connection error",
			err:  &pkgerrors.ConnectionError{Server: "files", State: "failed"},
			want: ExitServerError,
		},
		{
			name: "plain error defaults to call failed",
			err:  errors.New("boom"),
			want: ExitCallFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCodeFor(tt.err); got != tt.want {
				t.Errorf("ExitCodeFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWrapStartError(t *testing.T) {
	notFound := &pkgerrors.NotFoundError{Resource: "server", ID: "ghost"}
	if got := WrapStartError(notFound); got != notFound {
		t.Errorf("expected not-found errors to pass through, got %v", got)
	}

	validation := &pkgerrors.ValidationError{Field: "command", Message: "required"}
	if got := WrapStartError(fmt.Errorf("server %q: %w", "files", validation)); !errors.Is(got, validation) {
		t.Errorf("expected validation errors to pass through, got %v", got)
	}

	spawn := errors.New("spawn failed")
	wrapped := WrapStartError(spawn)
	var exitErr *ExitError
	if !errors.As(wrapped, &exitErr) {
		t.Fatalf("expected ExitError, got %T", wrapped)
	}
	if exitErr.Code != ExitServerError {
		t.Errorf("expected code %d, got %d", ExitServerError, exitErr.Code)
	}
	if !errors.Is(wrapped, spawn) {
		t.Error("expected the cause to survive wrapping")
	}

	if got := WrapStartError(nil); got != nil {
		t.Errorf("expected nil for nil error, got %v", got)
	}
}
