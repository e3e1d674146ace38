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

package mcp

import (
	"context"
	stderrors "errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ringmaster-sh/ringmaster/internal/config"
	"github.com/ringmaster-sh/ringmaster/pkg/errors"
)

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		name    string
		desc    ServerDescriptor
		field   string
		wantErr bool
	}{
		{
			name:    "missing server name",
			desc:    ServerDescriptor{Command: "echo"},
			field:   "name",
			wantErr: true,
		},
		{
			name:    "unknown transport",
			desc:    ServerDescriptor{Name: "files", Transport: "carrier-pigeon"},
			field:   "transport",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(context.Background(), tt.desc, testResolver())
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				var vErr *errors.ValidationError
				require.ErrorAs(t, err, &vErr)
				require.Equal(t, tt.field, vErr.Field)
			}
		})
	}
}

func TestNewClientMissingBinary(t *testing.T) {
	desc := ServerDescriptor{
		Name:      "ghost",
		Transport: config.TransportStdio,
		Command:   "/nonexistent/mcp-server-binary",
	}

	_, err := NewClient(context.Background(), desc, testResolver())
	require.Error(t, err)

	var connErr *errors.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, "ghost", connErr.Server)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("RINGMASTER_TEST_SECRET", "hunter2")

	env, err := expandEnv(context.Background(), []string{
		"PLAIN=value",
		"SECRET=env:RINGMASTER_TEST_SECRET",
		"MALFORMED",
	}, testResolver())
	require.NoError(t, err)
	require.Equal(t, []string{
		"PLAIN=value",
		"SECRET=hunter2",
		"MALFORMED",
	}, env)
}

func TestExpandEnvUnresolvable(t *testing.T) {
	_, err := expandEnv(context.Background(), []string{
		"SECRET=env:RINGMASTER_DEFINITELY_MISSING",
	}, testResolver())
	require.Error(t, err)
	require.Contains(t, err.Error(), "SECRET")
}

func TestMapError(t *testing.T) {
	c := &Client{server: "files"}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil passes through", err: nil, want: "nil"},
		{name: "deadline becomes timeout", err: context.DeadlineExceeded, want: "timeout"},
		{name: "cancellation passes through", err: context.Canceled, want: "canceled"},
		{name: "eof becomes connection", err: io.EOF, want: "connection"},
		{name: "broken pipe becomes connection", err: stderrors.New("write: broken pipe"), want: "connection"},
		{name: "server refusal becomes protocol", err: stderrors.New("invalid params: missing path"), want: "protocol"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.mapError("tool call", time.Second, tt.err)

			switch tt.want {
			case "nil":
				require.NoError(t, got)
			case "timeout":
				var te *errors.TimeoutError
				require.ErrorAs(t, got, &te)
				require.Equal(t, "tool call", te.Operation)
			case "canceled":
				require.ErrorIs(t, got, context.Canceled)
			case "connection":
				var ce *errors.ConnectionError
				require.ErrorAs(t, got, &ce)
				require.Equal(t, "files", ce.Server)
			case "protocol":
				var pe *errors.ProtocolError
				require.ErrorAs(t, got, &pe)
				require.Equal(t, "files", pe.Server)
			}
		})
	}
}

func TestIsDisconnect(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "eof sentinel", err: io.EOF, want: true},
		{name: "closed pipe sentinel", err: io.ErrClosedPipe, want: true},
		{name: "broken pipe text", err: stderrors.New("write |1: broken pipe"), want: true},
		{name: "connection refused", err: stderrors.New("dial tcp: connection refused"), want: true},
		{name: "connection reset", err: stderrors.New("read: connection reset by peer"), want: true},
		{name: "transport closed", err: stderrors.New("transport is closed"), want: true},
		{name: "process finished", err: stderrors.New("os: process already finished"), want: true},
		{name: "protocol refusal", err: stderrors.New("invalid request"), want: false},
		{name: "tool failure", err: stderrors.New("tool crashed"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isDisconnect(tt.err); got != tt.want {
				t.Errorf("isDisconnect(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsMethodUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "method not found", err: stderrors.New("method not found: resources/list"), want: true},
		{name: "not implemented", err: stderrors.New("prompts are not implemented"), want: true},
		{name: "unsupported", err: stderrors.New("unsupported operation"), want: true},
		{name: "real failure", err: stderrors.New("internal error"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isMethodUnavailable(tt.err); got != tt.want {
				t.Errorf("isMethodUnavailable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseRPCCode(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want int
	}{
		{name: "method not found", msg: "rpc error -32601: method not found", want: errors.CodeMethodNotFound},
		{name: "invalid params", msg: "request failed with -32602", want: errors.CodeInvalidParams},
		{name: "parse error", msg: "-32700 parse error", want: errors.CodeParseError},
		{name: "no code defaults to internal", msg: "something else entirely", want: errors.CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRPCCode(tt.msg); got != tt.want {
				t.Errorf("parseRPCCode(%q) = %d, want %d", tt.msg, got, tt.want)
			}
		})
	}
}
