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

// Package mcp manages connections to Model Context Protocol servers.
//
// MCP defines a standard way for AI assistants to reach external tools and
// data sources. This package speaks the client side of the protocol over
// stdio child processes and streamable HTTP, supervises each connection
// through a lifecycle state machine with reconnect escalation, and publishes
// discovered capabilities into the catalog.
package mcp

import (
	"encoding/json"
	"time"

	"github.com/ringmaster-sh/ringmaster/internal/config"
	"github.com/ringmaster-sh/ringmaster/pkg/errors"
)

// ServerDescriptor is the runtime description of one MCP server, resolved
// from configuration with defaults applied.
type ServerDescriptor struct {
	// Name is the unique identifier for this server
	Name string

	// Transport selects the wire transport ("stdio" or "http")
	Transport string

	// Command is the executable to run (stdio transport)
	Command string

	// Args are the command-line arguments
	Args []string

	// Env are KEY=VALUE environment entries passed to the child process
	Env []string

	// WorkingDir is the child process working directory (optional)
	WorkingDir string

	// URL is the server endpoint (http transport)
	URL string

	// Headers are extra HTTP headers sent with every request
	Headers map[string]string

	// Auth configures HTTP authentication (optional)
	Auth *config.AuthConfig

	// HandshakeTimeout bounds the initialize exchange
	HandshakeTimeout time.Duration

	// CallTimeout is the default per-call timeout
	CallTimeout time.Duration

	// MaxReconnectAttempts bounds the reconnect escalation sequence
	MaxReconnectAttempts int

	// ReconnectBackoff is the base delay between late reconnect attempts
	ReconnectBackoff time.Duration

	// ReconnectBackoffCap caps the exponential backoff
	ReconnectBackoffCap time.Duration

	// AllowTools filters discovered tools (glob patterns, empty = all)
	AllowTools []string

	// DenyTools hides matching tools even when allowed
	DenyTools []string

	// RateLimit is the sustained calls-per-second admission rate (0 = off)
	RateLimit float64

	// RateBurst is the rate limiter burst size
	RateBurst int

	// WatchPaths are files or directories that trigger a restart on change
	WatchPaths []string

	// AutoStart marks the server for connection at startup
	AutoStart bool
}

// DescriptorFromConfig builds a ServerDescriptor from a validated server
// config entry, filling gaps from the shared defaults.
func DescriptorFromConfig(name string, sc *config.ServerConfig, defaults config.Defaults) ServerDescriptor {
	d := ServerDescriptor{
		Name:                 name,
		Transport:            sc.Transport,
		Command:              sc.Command,
		Args:                 append([]string(nil), sc.Args...),
		Env:                  append([]string(nil), sc.Env...),
		WorkingDir:           sc.WorkingDir,
		URL:                  sc.URL,
		Auth:                 sc.Auth,
		HandshakeTimeout:     sc.HandshakeTimeoutDuration(),
		CallTimeout:          sc.CallTimeoutDuration(),
		MaxReconnectAttempts: sc.MaxReconnectAttempts,
		ReconnectBackoff:     time.Duration(defaults.ReconnectBackoff) * time.Second,
		ReconnectBackoffCap:  time.Duration(defaults.ReconnectBackoffCap) * time.Second,
		AllowTools:           append([]string(nil), sc.AllowTools...),
		DenyTools:            append([]string(nil), sc.DenyTools...),
		RateLimit:            sc.RateLimit,
		RateBurst:            sc.RateBurst,
		WatchPaths:           append([]string(nil), sc.WatchPaths...),
		AutoStart:            sc.AutoStart,
	}

	if len(sc.Headers) > 0 {
		d.Headers = make(map[string]string, len(sc.Headers))
		for k, v := range sc.Headers {
			d.Headers[k] = v
		}
	}

	if d.HandshakeTimeout == 0 {
		d.HandshakeTimeout = time.Duration(defaults.HandshakeTimeout) * time.Second
	}
	if d.CallTimeout == 0 {
		d.CallTimeout = time.Duration(defaults.CallTimeout) * time.Second
	}
	if d.MaxReconnectAttempts == 0 {
		d.MaxReconnectAttempts = defaults.MaxReconnectAttempts
	}
	if d.ReconnectBackoff == 0 {
		d.ReconnectBackoff = time.Second
	}
	if d.ReconnectBackoffCap == 0 {
		d.ReconnectBackoffCap = 30 * time.Second
	}

	return d
}

// ToolDefinition represents an MCP tool definition.
// Maps to the MCP protocol's Tool schema.
type ToolDefinition struct {
	// Name is the unique identifier for this tool
	Name string `json:"name"`

	// Description explains what the tool does
	Description string `json:"description"`

	// InputSchema defines the expected input parameters using JSON Schema
	InputSchema json.RawMessage `json:"inputSchema"`
}

// ResourceDefinition represents an MCP resource definition.
type ResourceDefinition struct {
	// URI is the unique identifier for this resource
	URI string `json:"uri"`

	// Name is a human-readable name
	Name string `json:"name"`

	// Description explains what this resource contains
	Description string `json:"description,omitempty"`

	// MimeType indicates the content type
	MimeType string `json:"mimeType,omitempty"`
}

// PromptDefinition represents an MCP prompt template definition.
type PromptDefinition struct {
	// Name is the unique identifier for this prompt
	Name string `json:"name"`

	// Description explains what the prompt produces
	Description string `json:"description,omitempty"`

	// Arguments describe the template's parameters
	Arguments []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one parameter of a prompt template.
type PromptArgument struct {
	// Name is the argument name
	Name string `json:"name"`

	// Description explains the argument
	Description string `json:"description,omitempty"`

	// Required marks mandatory arguments
	Required bool `json:"required,omitempty"`
}

// ToolCallRequest represents a request to execute an MCP tool.
type ToolCallRequest struct {
	// Name is the tool to execute (bare name, as the server knows it)
	Name string `json:"name"`

	// Arguments contains the input parameters for the tool
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolCallResponse represents the result of an MCP tool execution.
type ToolCallResponse struct {
	// Content contains the tool's output
	Content []ContentItem `json:"content"`

	// IsError indicates if the tool execution failed
	IsError bool `json:"isError,omitempty"`
}

// ContentItem represents a piece of content in an MCP response.
type ContentItem struct {
	// Type is the content type (text, image, resource)
	Type string `json:"type"`

	// Text is the text content (for type="text")
	Text string `json:"text,omitempty"`

	// Data is the base64-encoded data (for type="image")
	Data string `json:"data,omitempty"`

	// MimeType is the MIME type for binary content
	MimeType string `json:"mimeType,omitempty"`
}

// Text returns the concatenation of all text content items, which is what
// most tools produce and what transcript assembly consumes.
func (r *ToolCallResponse) Text() string {
	var out string
	for _, item := range r.Content {
		if item.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += item.Text
		}
	}
	return out
}

// ExecutionError converts an isError response into a ToolExecutionError
// carrying the server's error content. Returns nil when the response
// succeeded.
func (r *ToolCallResponse) ExecutionError(server, tool string) error {
	if !r.IsError {
		return nil
	}
	var messages []string
	for _, item := range r.Content {
		if item.Type == "text" && item.Text != "" {
			messages = append(messages, item.Text)
		}
	}
	return &errors.ToolExecutionError{
		Server:   server,
		Tool:     tool,
		Messages: messages,
	}
}

// ResourceReadRequest represents a request to read an MCP resource.
type ResourceReadRequest struct {
	// URI is the resource to read
	URI string `json:"uri"`
}

// ResourceReadResponse represents the result of reading an MCP resource.
type ResourceReadResponse struct {
	// Contents contains the resource data
	Contents []ResourceContent `json:"contents"`
}

// ResourceContent represents the content of an MCP resource.
type ResourceContent struct {
	// URI is the resource identifier
	URI string `json:"uri"`

	// MimeType indicates the content type
	MimeType string `json:"mimeType,omitempty"`

	// Text is the text content (for text resources)
	Text string `json:"text,omitempty"`

	// Blob is the base64-encoded binary content (for binary resources)
	Blob string `json:"blob,omitempty"`
}

// ServerCapabilities describes what features an MCP server supports.
type ServerCapabilities struct {
	// Tools indicates if the server provides tools
	Tools *ToolsCapability `json:"tools,omitempty"`

	// Resources indicates if the server provides resources
	Resources *ResourcesCapability `json:"resources,omitempty"`

	// Prompts indicates if the server provides prompts
	Prompts *PromptsCapability `json:"prompts,omitempty"`
}

// ToolsCapability describes tool-related capabilities.
type ToolsCapability struct {
	// ListChanged indicates if the server sends notifications when tools change
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability describes resource-related capabilities.
type ResourcesCapability struct {
	// Subscribe indicates if clients can subscribe to resource updates
	Subscribe bool `json:"subscribe,omitempty"`

	// ListChanged indicates if the server sends notifications when resources change
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability describes prompt-related capabilities.
type PromptsCapability struct {
	// ListChanged indicates if the server sends notifications when prompts change
	ListChanged bool `json:"listChanged,omitempty"`
}

// ProcessHandle is the part of a child process the connection needs for
// force-kill during teardown. *os.Process satisfies it.
type ProcessHandle interface {
	Kill() error
}
