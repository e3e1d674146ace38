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
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"reflect"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ringmaster-sh/ringmaster/internal/config"
	"github.com/ringmaster-sh/ringmaster/internal/secrets"
	"github.com/ringmaster-sh/ringmaster/pkg/errors"
)

// clientName is reported to servers during the initialize handshake.
const clientName = "ringmaster"

// Client wraps an MCP server connection and translates between the wire
// library's types and ringmaster's.
type Client struct {
	// server is the unique identifier for this MCP server
	server string

	// client is the underlying MCP protocol client
	client *client.Client

	// capabilities tracks what features the server supports
	capabilities *ServerCapabilities

	// handshakeTimeout bounds Initialize
	handshakeTimeout time.Duration

	// callTimeout is the default timeout for tool calls
	callTimeout time.Duration

	// process is the underlying OS process (for force-kill during shutdown)
	process ProcessHandle
}

// NewClient builds the transport for a server and starts it. The stdio
// transport spawns the child process here; Initialize performs the MCP
// handshake as a separate stage so the connection state machine can
// distinguish launch failures from handshake failures.
func NewClient(ctx context.Context, d ServerDescriptor, resolver *secrets.Resolver) (*Client, error) {
	if d.Name == "" {
		return nil, &errors.ValidationError{Field: "name", Message: "server name is required"}
	}

	c := &Client{
		server:           d.Name,
		handshakeTimeout: d.HandshakeTimeout,
		callTimeout:      d.CallTimeout,
	}
	if c.handshakeTimeout == 0 {
		c.handshakeTimeout = 5 * time.Second
	}
	if c.callTimeout == 0 {
		c.callTimeout = 30 * time.Second
	}

	var (
		mcpClient *client.Client
		err       error
	)

	switch d.Transport {
	case config.TransportStdio, "":
		mcpClient, err = newStdioClient(ctx, d, resolver)
	case config.TransportHTTP:
		mcpClient, err = newHTTPClient(ctx, d, resolver)
	default:
		return nil, &errors.ValidationError{Field: "transport", Message: fmt.Sprintf("unknown transport %q", d.Transport)}
	}
	if err != nil {
		return nil, &errors.ConnectionError{Server: d.Name, Cause: err}
	}

	if err := mcpClient.Start(ctx); err != nil {
		_ = mcpClient.Close()
		return nil, &errors.ConnectionError{Server: d.Name, Cause: err}
	}

	c.client = mcpClient
	c.process = extractProcess(mcpClient)

	return c, nil
}

// newStdioClient builds a stdio transport, resolving secret references in
// the child's environment entries first.
func newStdioClient(ctx context.Context, d ServerDescriptor, resolver *secrets.Resolver) (*client.Client, error) {
	env, err := expandEnv(ctx, d.Env, resolver)
	if err != nil {
		return nil, err
	}

	if d.WorkingDir == "" {
		return client.NewStdioMCPClient(d.Command, env, d.Args...)
	}

	// The default command factory inherits our working directory; servers
	// built from local source trees usually need their own.
	t := transport.NewStdioWithOptions(d.Command, env, d.Args,
		transport.WithCommandFunc(func(ctx context.Context, command string, env []string, args []string) (*exec.Cmd, error) {
			cmd := exec.CommandContext(ctx, command, args...)
			cmd.Env = append(os.Environ(), env...)
			cmd.Dir = d.WorkingDir
			return cmd, nil
		}),
	)
	return client.NewClient(t), nil
}

// newHTTPClient builds a streamable HTTP transport with resolved headers
// and the configured auth scheme.
func newHTTPClient(ctx context.Context, d ServerDescriptor, resolver *secrets.Resolver) (*client.Client, error) {
	var opts []transport.StreamableHTTPCOption

	if len(d.Headers) > 0 {
		headers, err := resolver.ExpandMap(ctx, d.Headers)
		if err != nil {
			return nil, err
		}
		opts = append(opts, transport.WithHTTPHeaders(headers))
	}

	authClient, err := buildAuthClient(ctx, d.Auth, resolver)
	if err != nil {
		return nil, err
	}
	if authClient != nil {
		opts = append(opts, transport.WithHTTPBasicClient(authClient))
	}

	return client.NewStreamableHttpClient(d.URL, opts...)
}

// expandEnv resolves secret references in the value part of KEY=VALUE
// entries. Keys pass through untouched.
func expandEnv(ctx context.Context, env []string, resolver *secrets.Resolver) ([]string, error) {
	if len(env) == 0 || resolver == nil {
		return env, nil
	}

	out := make([]string, len(env))
	for i, entry := range env {
		key, value, found := strings.Cut(entry, "=")
		if !found {
			out[i] = entry
			continue
		}
		expanded, err := resolver.Expand(ctx, value)
		if err != nil {
			return nil, fmt.Errorf("resolving env %s: %w", key, err)
		}
		out[i] = key + "=" + expanded
	}
	return out, nil
}

// extractProcess attempts to extract the underlying OS process from the MCP
// client. Uses reflection to access the stdio transport's process field.
// Returns nil if extraction fails (non-fatal - we just won't be able to
// force-kill).
func extractProcess(mcpClient *client.Client) ProcessHandle {
	if mcpClient == nil {
		return nil
	}

	tr := mcpClient.GetTransport()
	if tr == nil {
		return nil
	}

	transportVal := reflect.ValueOf(tr)
	if transportVal.Kind() == reflect.Ptr {
		transportVal = transportVal.Elem()
	}
	if transportVal.Kind() != reflect.Struct {
		return nil
	}

	cmdField := transportVal.FieldByName("Cmd")
	if !cmdField.IsValid() || cmdField.Kind() != reflect.Ptr || cmdField.IsNil() {
		return nil
	}

	processField := cmdField.Elem().FieldByName("Process")
	if !processField.IsValid() || processField.IsNil() {
		return nil
	}

	if proc, ok := processField.Interface().(*os.Process); ok {
		return proc
	}

	return nil
}

// Initialize sends the MCP initialize request, bounded by the handshake
// timeout, and stores the negotiated server capabilities.
func (c *Client) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo: mcp.Implementation{
				Name:    clientName,
				Version: "0.1.0",
			},
		},
	}

	if _, err := c.client.Initialize(ctx, initReq); err != nil {
		return c.mapError("handshake", c.handshakeTimeout, err)
	}

	serverCaps := c.client.GetServerCapabilities()
	c.capabilities = &ServerCapabilities{}
	if serverCaps.Tools != nil {
		c.capabilities.Tools = &ToolsCapability{
			ListChanged: serverCaps.Tools.ListChanged,
		}
	}
	if serverCaps.Resources != nil {
		c.capabilities.Resources = &ResourcesCapability{
			Subscribe:   serverCaps.Resources.Subscribe,
			ListChanged: serverCaps.Resources.ListChanged,
		}
	}
	if serverCaps.Prompts != nil {
		c.capabilities.Prompts = &PromptsCapability{
			ListChanged: serverCaps.Prompts.ListChanged,
		}
	}

	return nil
}

// ListTools retrieves the list of available tools from the MCP server.
// Servers without a tools surface yield an empty list.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	result, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		if isMethodUnavailable(err) {
			return nil, nil
		}
		return nil, c.mapError("list tools", 0, err)
	}

	tools := make([]ToolDefinition, len(result.Tools))
	for i, tool := range result.Tools {
		// Use RawInputSchema if available, otherwise marshal InputSchema
		var schemaBytes []byte
		if len(tool.RawInputSchema) > 0 {
			schemaBytes = tool.RawInputSchema
		} else {
			toolBytes, err := tool.MarshalJSON()
			if err != nil {
				return nil, fmt.Errorf("failed to marshal tool %s: %w", tool.Name, err)
			}
			var toolMap map[string]interface{}
			if err := json.Unmarshal(toolBytes, &toolMap); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tool %s: %w", tool.Name, err)
			}
			if inputSchema, ok := toolMap["inputSchema"]; ok {
				schemaBytes, err = json.Marshal(inputSchema)
				if err != nil {
					return nil, fmt.Errorf("failed to marshal input schema for %s: %w", tool.Name, err)
				}
			}
		}

		tools[i] = ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaBytes,
		}
	}

	return tools, nil
}

// ListResources retrieves the list of available resources. Servers that
// do not expose resources yield an empty list.
func (c *Client) ListResources(ctx context.Context) ([]ResourceDefinition, error) {
	if c.capabilities == nil || c.capabilities.Resources == nil {
		return nil, nil
	}

	result, err := c.client.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		if isMethodUnavailable(err) {
			return nil, nil
		}
		return nil, c.mapError("list resources", 0, err)
	}

	resources := make([]ResourceDefinition, len(result.Resources))
	for i, resource := range result.Resources {
		resources[i] = ResourceDefinition{
			URI:         resource.URI,
			Name:        resource.Name,
			Description: resource.Description,
			MimeType:    resource.MIMEType,
		}
	}

	return resources, nil
}

// ListPrompts retrieves the list of available prompt templates. Servers
// that do not expose prompts yield an empty list.
func (c *Client) ListPrompts(ctx context.Context) ([]PromptDefinition, error) {
	if c.capabilities == nil || c.capabilities.Prompts == nil {
		return nil, nil
	}

	result, err := c.client.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil {
		if isMethodUnavailable(err) {
			return nil, nil
		}
		return nil, c.mapError("list prompts", 0, err)
	}

	prompts := make([]PromptDefinition, len(result.Prompts))
	for i, prompt := range result.Prompts {
		def := PromptDefinition{
			Name:        prompt.Name,
			Description: prompt.Description,
		}
		for _, arg := range prompt.Arguments {
			def.Arguments = append(def.Arguments, PromptArgument{
				Name:        arg.Name,
				Description: arg.Description,
				Required:    arg.Required,
			})
		}
		prompts[i] = def
	}

	return prompts, nil
}

// CallTool executes an MCP tool with the given arguments. When the caller's
// context carries no deadline the default call timeout applies.
func (c *Client) CallTool(ctx context.Context, req ToolCallRequest) (*ToolCallResponse, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	mcpReq := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      req.Name,
			Arguments: req.Arguments,
		},
	}

	result, err := c.client.CallTool(ctx, mcpReq)
	if err != nil {
		return nil, c.mapError("tool call", c.callTimeout, err)
	}

	response := &ToolCallResponse{
		IsError: result.IsError,
		Content: make([]ContentItem, len(result.Content)),
	}

	for i, content := range result.Content {
		item := ContentItem{}

		if textContent, ok := mcp.AsTextContent(content); ok {
			item.Type = textContent.Type
			item.Text = textContent.Text
		} else if imageContent, ok := mcp.AsImageContent(content); ok {
			item.Type = imageContent.Type
			item.Data = imageContent.Data
			item.MimeType = imageContent.MIMEType
		} else {
			// Fallback: marshal to JSON to extract fields
			contentBytes, err := json.Marshal(content)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal content: %w", err)
			}
			var contentMap map[string]interface{}
			if err := json.Unmarshal(contentBytes, &contentMap); err != nil {
				return nil, fmt.Errorf("failed to unmarshal content: %w", err)
			}

			if contentType, ok := contentMap["type"].(string); ok {
				item.Type = contentType
			}
			if text, ok := contentMap["text"].(string); ok {
				item.Text = text
			}
			if data, ok := contentMap["data"].(string); ok {
				item.Data = data
			}
			if mimeType, ok := contentMap["mimeType"].(string); ok {
				item.MimeType = mimeType
			}
		}

		response.Content[i] = item
	}

	return response, nil
}

// ReadResource reads the content of an MCP resource.
func (c *Client) ReadResource(ctx context.Context, req ResourceReadRequest) (*ResourceReadResponse, error) {
	if c.capabilities == nil || c.capabilities.Resources == nil {
		return nil, &errors.ProtocolError{
			Server:  c.server,
			Code:    errors.CodeMethodNotFound,
			Message: "server does not support resources",
		}
	}

	result, err := c.client.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: req.URI,
		},
	})
	if err != nil {
		return nil, c.mapError("read resource", 0, err)
	}

	response := &ResourceReadResponse{
		Contents: make([]ResourceContent, len(result.Contents)),
	}

	for i, content := range result.Contents {
		item := ResourceContent{}

		if textContent, ok := mcp.AsTextResourceContents(content); ok {
			item.URI = textContent.URI
			item.MimeType = textContent.MIMEType
			item.Text = textContent.Text
		} else if blobContent, ok := mcp.AsBlobResourceContents(content); ok {
			item.URI = blobContent.URI
			item.MimeType = blobContent.MIMEType
			item.Blob = blobContent.Blob
		}

		response.Contents[i] = item
	}

	return response, nil
}

// Capabilities returns the server's capabilities.
func (c *Client) Capabilities() *ServerCapabilities {
	return c.capabilities
}

// ServerName returns the unique identifier for this server.
func (c *Client) ServerName() string {
	return c.server
}

// Ping checks if the server is still responsive.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx); err != nil {
		if stderrors.Is(err, io.EOF) {
			return &errors.ConnectionError{
				Server: c.server,
				Cause:  fmt.Errorf("server connection closed"),
			}
		}
		return c.mapError("ping", 0, err)
	}
	return nil
}

// Close closes the connection to the MCP server and stops the process.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close MCP client: %w", err)
	}

	return nil
}

// Process returns the underlying OS process for this MCP server.
// Returns nil if the process is not available (e.g., not a stdio transport).
func (c *Client) Process() ProcessHandle {
	return c.process
}

// mapError sorts a wire error into the error taxonomy: deadline hits
// become TimeoutError, transport losses become ConnectionError, and
// everything else the server said becomes ProtocolError.
func (c *Client) mapError(op string, timeout time.Duration, err error) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return &errors.TimeoutError{
			Operation: op,
			Duration:  timeout,
			Cause:     err,
		}
	}
	if stderrors.Is(err, context.Canceled) {
		return err
	}
	if isDisconnect(err) {
		return &errors.ConnectionError{Server: c.server, Cause: err}
	}

	return &errors.ProtocolError{
		Server:  c.server,
		Code:    parseRPCCode(err.Error()),
		Message: err.Error(),
	}
}

// isDisconnect reports whether the error looks like a lost transport
// rather than a protocol-level refusal.
func isDisconnect(err error) bool {
	if stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"broken pipe",
		"connection refused",
		"connection reset",
		"transport is closed",
		"use of closed network connection",
		"process already finished",
		"server connection closed",
		"eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isMethodUnavailable reports whether the server rejected a request for an
// optional protocol surface it does not implement.
func isMethodUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"method not found",
		"not implemented",
		"unimplemented",
		"unsupported",
		"does not support",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// parseRPCCode recovers the JSON-RPC error code from a flattened error
// message. The wire library folds server errors into plain text, so the
// code survives only as a substring.
func parseRPCCode(msg string) int {
	for _, code := range []int{
		errors.CodeParseError,
		errors.CodeInvalidRequest,
		errors.CodeMethodNotFound,
		errors.CodeInvalidParams,
		errors.CodeInternalError,
	} {
		if strings.Contains(msg, fmt.Sprintf("%d", code)) {
			return code
		}
	}
	return errors.CodeInternalError
}
