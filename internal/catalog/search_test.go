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

package catalog

import (
	stderrors "errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ringmaster-sh/ringmaster/pkg/errors"
)

func TestSearch(t *testing.T) {
	r := NewRegistry()
	r.ReplaceServer("database", []ToolDescriptor{tool("backup"), tool("query")}, nil, nil)
	r.ReplaceServer("filesystem", []ToolDescriptor{tool("compress")}, nil, nil)

	got := r.Search(func(td ToolDescriptor) bool {
		return strings.HasPrefix(td.Name, "b") || td.Server == "filesystem"
	})

	var names []string
	for _, td := range got {
		names = append(names, td.Qualified())
	}
	require.Equal(t, []string{"database:backup", "filesystem:compress"}, names)
}

func TestMatchExpression(t *testing.T) {
	r := NewRegistry()
	r.ReplaceServer("database", []ToolDescriptor{tool("backup"), tool("query")}, nil, nil)
	r.ReplaceServer("filesystem", []ToolDescriptor{tool("compress")}, nil, nil)

	tests := []struct {
		name string
		src  string
		want []string
	}{
		{"by server", `server == "database"`, []string{"database:backup", "database:query"}},
		{"by name prefix", `name startsWith "comp"`, []string{"filesystem:compress"}},
		{"by description", `description contains "query"`, []string{"database:query"}},
		{"conjunction", `server == "database" && name == "backup"`, []string{"database:backup"}},
		{"no match", `server == "nope"`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred, err := MatchExpression(tt.src)
			require.NoError(t, err)

			var names []string
			for _, td := range r.Search(pred) {
				names = append(names, td.Qualified())
			}
			require.Equal(t, tt.want, names)
		})
	}
}

func TestMatchExpressionCompileError(t *testing.T) {
	_, err := MatchExpression(`server ==`)
	require.Error(t, err)

	var ve *errors.ValidationError
	require.True(t, stderrors.As(err, &ve))
	require.Equal(t, "filter", ve.Field)
}

func TestMatchExpressionMustBeBoolean(t *testing.T) {
	_, err := MatchExpression(`name`)
	require.Error(t, err)
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		allow   []string
		deny    []string
		allowed bool
	}{
		{"no patterns", "anything", nil, nil, true},
		{"allow match", "db_backup", []string{"db_*"}, nil, true},
		{"allow miss", "fs_read", []string{"db_*"}, nil, false},
		{"deny wins", "db_drop", []string{"db_*"}, []string{"*_drop"}, false},
		{"deny only", "rm", nil, []string{"rm"}, false},
		{"deny only miss", "ls", nil, []string{"rm"}, true},
		{"doublestar", "admin/reset", nil, []string{"admin/**"}, false},
		{"invalid pattern skipped", "x", []string{"[bad", "x"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.allowed, Allowed(tt.tool, tt.allow, tt.deny))
		})
	}
}

func TestFilterTools(t *testing.T) {
	tools := []ToolDescriptor{tool("db_backup"), tool("db_drop"), tool("fs_read")}

	got := FilterTools(tools, []string{"db_*"}, []string{"*_drop"})
	require.Len(t, got, 1)
	require.Equal(t, "db_backup", got[0].Name)

	// No patterns returns the input unchanged.
	require.Equal(t, tools, FilterTools(tools, nil, nil))
}
