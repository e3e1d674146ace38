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

// Package catalog maintains the capability registry: every tool, resource,
// and prompt advertised by connected MCP servers, addressable by qualified
// name (server:tool). Refreshes swap whole per-server partitions atomically;
// reads never block behind a refresh.
package catalog

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ringmaster-sh/ringmaster/pkg/errors"
)

// ToolDescriptor describes one tool advertised by a server.
type ToolDescriptor struct {
	// Server is the owning server name.
	Server string `json:"server"`

	// Name is the tool name as advertised by the server.
	Name string `json:"name"`

	// Description explains what the tool does.
	Description string `json:"description,omitempty"`

	// InputSchema is the tool's JSON Schema for arguments.
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`

	// RefreshedAt is when this descriptor entered the catalog.
	RefreshedAt time.Time `json:"refreshedAt"`
}

// Qualified returns the server:tool form.
func (t ToolDescriptor) Qualified() string {
	return t.Server + ":" + t.Name
}

// ResourceDescriptor describes one resource advertised by a server.
type ResourceDescriptor struct {
	Server      string    `json:"server"`
	URI         string    `json:"uri"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	MimeType    string    `json:"mimeType,omitempty"`
	RefreshedAt time.Time `json:"refreshedAt"`
}

// PromptDescriptor describes one prompt advertised by a server.
type PromptDescriptor struct {
	Server      string           `json:"server"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
	RefreshedAt time.Time        `json:"refreshedAt"`
}

// PromptArgument describes one argument a prompt accepts.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// partition holds one server's capabilities. Contents are immutable once
// installed in a snapshot.
type partition struct {
	version   uint64
	tools     []ToolDescriptor
	resources []ResourceDescriptor
	prompts   []PromptDescriptor
}

// Snapshot is an immutable view of the whole catalog.
type Snapshot struct {
	partitions map[string]*partition
}

func emptySnapshot() *Snapshot {
	return &Snapshot{partitions: make(map[string]*partition)}
}

// Registry is the capability registry. Writers serialize under a mutex and
// publish copy-on-write snapshots; readers load the current snapshot without
// locking.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(emptySnapshot())
	return r
}

// ReplaceServer atomically replaces a server's partition. Descriptors are
// stamped with the current time and sorted; other partitions are untouched.
func (r *Registry) ReplaceServer(server string, tools []ToolDescriptor, resources []ResourceDescriptor, prompts []PromptDescriptor) {
	now := time.Now()

	p := &partition{
		tools:     make([]ToolDescriptor, len(tools)),
		resources: make([]ResourceDescriptor, len(resources)),
		prompts:   make([]PromptDescriptor, len(prompts)),
	}
	for i, t := range tools {
		t.Server = server
		t.RefreshedAt = now
		p.tools[i] = t
	}
	for i, res := range resources {
		res.Server = server
		res.RefreshedAt = now
		p.resources[i] = res
	}
	for i, pr := range prompts {
		pr.Server = server
		pr.RefreshedAt = now
		p.prompts[i] = pr
	}
	sort.Slice(p.tools, func(i, j int) bool { return p.tools[i].Name < p.tools[j].Name })
	sort.Slice(p.resources, func(i, j int) bool { return p.resources[i].URI < p.resources[j].URI })
	sort.Slice(p.prompts, func(i, j int) bool { return p.prompts[i].Name < p.prompts[j].Name })

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snap.Load()
	if prev, ok := old.partitions[server]; ok {
		p.version = prev.version + 1
	} else {
		p.version = 1
	}

	next := &Snapshot{partitions: make(map[string]*partition, len(old.partitions)+1)}
	for name, part := range old.partitions {
		next.partitions[name] = part
	}
	next.partitions[server] = p
	r.snap.Store(next)
}

// PurgeServer drops a server's partition. No-op if absent.
func (r *Registry) PurgeServer(server string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.snap.Load()
	if _, ok := old.partitions[server]; !ok {
		return
	}

	next := &Snapshot{partitions: make(map[string]*partition, len(old.partitions))}
	for name, part := range old.partitions {
		if name != server {
			next.partitions[name] = part
		}
	}
	r.snap.Store(next)
}

// Snapshot returns the current immutable catalog view.
func (r *Registry) Snapshot() *Snapshot {
	return r.snap.Load()
}

// Resolve looks up a tool by its qualified server:tool name.
// A miss returns a NotFoundError carrying similar-name suggestions.
func (r *Registry) Resolve(qualified string) (ToolDescriptor, error) {
	return r.Snapshot().Resolve(qualified)
}

// ResolveTool resolves a tool by bare name, falling back to a catalog-wide
// scan when the name is unqualified. An unqualified name matching tools on
// several servers is an error; a server is never guessed.
func (r *Registry) ResolveTool(name string) (ToolDescriptor, error) {
	return r.Snapshot().ResolveTool(name)
}

// Tools returns every tool across all servers, ordered by qualified name.
func (r *Registry) Tools() []ToolDescriptor {
	return r.Snapshot().Tools()
}

// Resources returns every resource across all servers, ordered by server then URI.
func (r *Registry) Resources() []ResourceDescriptor {
	return r.Snapshot().Resources()
}

// Prompts returns every prompt across all servers, ordered by server then name.
func (r *Registry) Prompts() []PromptDescriptor {
	return r.Snapshot().Prompts()
}

// Servers returns the names of servers with a partition, sorted.
func (r *Registry) Servers() []string {
	return r.Snapshot().Servers()
}

// Len returns the total tool count.
func (r *Registry) Len() int {
	return r.Snapshot().Len()
}

// ServerVersion returns the partition version for a server (0 if absent).
// The version increments on every ReplaceServer for that server.
func (r *Registry) ServerVersion(server string) uint64 {
	if p, ok := r.Snapshot().partitions[server]; ok {
		return p.version
	}
	return 0
}

// Resolve looks up a tool by qualified name in this snapshot.
func (s *Snapshot) Resolve(qualified string) (ToolDescriptor, error) {
	server, tool, ok := SplitQualified(qualified)
	if !ok {
		return ToolDescriptor{}, &errors.ValidationError{
			Field:      "tool",
			Message:    fmt.Sprintf("invalid qualified tool name %q", qualified),
			Suggestion: "use the server:tool form, e.g. database:backup",
		}
	}

	if p, ok := s.partitions[server]; ok {
		if t, ok := findTool(p.tools, tool); ok {
			return t, nil
		}
	}

	return ToolDescriptor{}, &errors.NotFoundError{
		Resource:    "tool",
		ID:          qualified,
		Suggestions: s.suggest(qualified),
	}
}

// ResolveTool resolves a bare or qualified tool name in this snapshot.
func (s *Snapshot) ResolveTool(name string) (ToolDescriptor, error) {
	if strings.Contains(name, ":") {
		return s.Resolve(name)
	}

	var matches []ToolDescriptor
	for _, server := range s.Servers() {
		if t, ok := findTool(s.partitions[server].tools, name); ok {
			matches = append(matches, t)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return ToolDescriptor{}, &errors.NotFoundError{
			Resource:    "tool",
			ID:          name,
			Suggestions: s.suggest(name),
		}
	default:
		candidates := make([]string, len(matches))
		for i, m := range matches {
			candidates[i] = m.Qualified()
		}
		return ToolDescriptor{}, &errors.ValidationError{
			Field:      "tool",
			Message:    fmt.Sprintf("tool name %q is ambiguous: %s", name, strings.Join(candidates, ", ")),
			Suggestion: "qualify the tool with its server name",
		}
	}
}

// Tools returns every tool in this snapshot, ordered by qualified name.
func (s *Snapshot) Tools() []ToolDescriptor {
	var out []ToolDescriptor
	for _, server := range s.Servers() {
		out = append(out, s.partitions[server].tools...)
	}
	return out
}

// Resources returns every resource in this snapshot, ordered by server then URI.
func (s *Snapshot) Resources() []ResourceDescriptor {
	var out []ResourceDescriptor
	for _, server := range s.Servers() {
		out = append(out, s.partitions[server].resources...)
	}
	return out
}

// Prompts returns every prompt in this snapshot, ordered by server then name.
func (s *Snapshot) Prompts() []PromptDescriptor {
	var out []PromptDescriptor
	for _, server := range s.Servers() {
		out = append(out, s.partitions[server].prompts...)
	}
	return out
}

// ServerTools returns one server's tools (nil if the server is absent).
func (s *Snapshot) ServerTools(server string) []ToolDescriptor {
	if p, ok := s.partitions[server]; ok {
		return p.tools
	}
	return nil
}

// Servers returns the server names in this snapshot, sorted.
func (s *Snapshot) Servers() []string {
	names := make([]string, 0, len(s.partitions))
	for name := range s.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the total tool count in this snapshot.
func (s *Snapshot) Len() int {
	n := 0
	for _, p := range s.partitions {
		n += len(p.tools)
	}
	return n
}

// SplitQualified splits server:tool into its parts.
func SplitQualified(qualified string) (server, tool string, ok bool) {
	server, tool, ok = strings.Cut(qualified, ":")
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// findTool binary-searches a sorted tool slice by name.
func findTool(tools []ToolDescriptor, name string) (ToolDescriptor, bool) {
	i := sort.Search(len(tools), func(i int) bool { return tools[i].Name >= name })
	if i < len(tools) && tools[i].Name == name {
		return tools[i], true
	}
	return ToolDescriptor{}, false
}

// suggest generates "did you mean?" candidates using Levenshtein distance
// over qualified and bare tool names.
func (s *Snapshot) suggest(name string) []string {
	type suggestion struct {
		name     string
		distance int
	}

	var suggestions []suggestion
	for _, t := range s.Tools() {
		dist := levenshteinDistance(name, t.Name)
		if qd := levenshteinDistance(name, t.Qualified()); qd < dist {
			dist = qd
		}
		if dist <= 3 {
			suggestions = append(suggestions, suggestion{name: t.Qualified(), distance: dist})
		}
	}

	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].distance != suggestions[j].distance {
			return suggestions[i].distance < suggestions[j].distance
		}
		return suggestions[i].name < suggestions[j].name
	})

	result := make([]string, 0, 3)
	for i := 0; i < len(suggestions) && i < 3; i++ {
		result = append(result, suggestions[i].name)
	}
	return result
}

// levenshteinDistance calculates the Levenshtein distance between two strings.
func levenshteinDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	matrix := make([][]int, len(a)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(b)+1)
		matrix[i][0] = i
	}
	for j := range matrix[0] {
		matrix[0][j] = j
	}

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			cost := 0
			if a[i-1] != b[j-1] {
				cost = 1
			}

			matrix[i][j] = min(
				matrix[i-1][j]+1,      // deletion
				matrix[i][j-1]+1,      // insertion
				matrix[i-1][j-1]+cost, // substitution
			)
		}
	}

	return matrix[len(a)][len(b)]
}
