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
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ringmaster-sh/ringmaster/internal/cache"
	"github.com/ringmaster-sh/ringmaster/internal/catalog"
	"github.com/ringmaster-sh/ringmaster/internal/mcp"
	"github.com/ringmaster-sh/ringmaster/pkg/llm"
)

// scriptedProvider replays canned chunk streams, one per Stream call, and
// records every request it sees.
type scriptedProvider struct {
	mu       sync.Mutex
	scripts  [][]llm.StreamChunk
	requests []llm.CompletionRequest
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, stderrors.New("scripted provider only streams")
}

func (p *scriptedProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.scripts) == 0 {
		return nil, stderrors.New("no scripted response left")
	}
	script := p.scripts[0]
	p.scripts = p.scripts[1:]

	ch := make(chan llm.StreamChunk, len(script))
	for _, chunk := range script {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) seen() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.CompletionRequest(nil), p.requests...)
}

func textChunk(s string) llm.StreamChunk {
	return llm.StreamChunk{Delta: llm.StreamDelta{Content: s}}
}

func toolChunk(index int, id, name, args string) llm.StreamChunk {
	return llm.StreamChunk{Delta: llm.StreamDelta{ToolCallDelta: &llm.ToolCallDelta{
		Index:          index,
		ID:             id,
		Name:           name,
		ArgumentsDelta: args,
	}}}
}

func finishChunk(reason llm.FinishReason) llm.StreamChunk {
	return llm.StreamChunk{FinishReason: reason}
}

type staticTools struct {
	descs []catalog.ToolDescriptor
}

func (s staticTools) Tools() []catalog.ToolDescriptor { return s.descs }

func newTestSession(t *testing.T, cfg SessionConfig) *Session {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	s, err := NewSession(cfg)
	require.NoError(t, err)
	return s
}

func TestTurnPlainReply(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.StreamChunk{
		{textChunk("Hel"), textChunk("lo"), finishChunk(llm.FinishReasonStop)},
	}}
	o := newTestOrchestrator(t, newFakeResolver(), newFakeCaller())

	var mu sync.Mutex
	var streamed []llm.Event
	s := newTestSession(t, SessionConfig{
		Provider:     provider,
		Orchestrator: o,
		OnStream: func(e llm.Event) {
			mu.Lock()
			streamed = append(streamed, e)
			mu.Unlock()
		},
	})

	result, err := s.Turn(context.Background(), "say hello")
	require.NoError(t, err)

	require.Equal(t, "Hello", result.Reply)
	require.Equal(t, 1, result.Iterations)
	require.Empty(t, result.Tasks)
	require.False(t, result.Truncated)

	transcript := s.Transcript()
	require.Len(t, transcript, 2)
	require.Equal(t, llm.MessageRoleUser, transcript[0].Role)
	require.Equal(t, "say hello", transcript[0].Content)
	require.Equal(t, llm.MessageRoleAssistant, transcript[1].Role)
	require.Equal(t, "Hello", transcript[1].Content)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, streamed, 3)
	require.Equal(t, llm.EventText, streamed[0].Kind)
	require.Equal(t, "Hel", streamed[0].Text)
	require.Equal(t, llm.EventDone, streamed[2].Kind)
}

func TestTurnExecutesToolCallsThenFollowsUp(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.StreamChunk{
		{
			toolChunk(0, "call_1", "files:read_file", `{"pa`),
			toolChunk(0, "", "", `th":"main.go"}`),
			finishChunk(llm.FinishReasonToolCalls),
		},
		{textChunk("The file declares package main."), finishChunk(llm.FinishReasonStop)},
	}}

	resolver := newFakeResolver("files:read_file")
	caller := newFakeCaller()
	caller.handle("files:read_file", func(ctx context.Context, args map[string]interface{}) (*mcp.ToolCallResponse, error) {
		require.Equal(t, "main.go", args["path"])
		return textResponse("package main"), nil
	})
	o := newTestOrchestrator(t, resolver, caller)

	s := newTestSession(t, SessionConfig{
		Provider:     provider,
		Orchestrator: o,
		Tools: staticTools{descs: []catalog.ToolDescriptor{{
			Server:      "files",
			Name:        "read_file",
			Description: "Read a file",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}}},
	})

	result, err := s.Turn(context.Background(), "what is in main.go?")
	require.NoError(t, err)

	require.Equal(t, "The file declares package main.", result.Reply)
	require.Equal(t, 2, result.Iterations)
	require.Len(t, result.Tasks, 1)
	require.Equal(t, TaskSuccess, result.Tasks[0].Status)

	// Both completion rounds advertised the catalog tools.
	reqs := provider.seen()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[0].Tools, 1)
	require.Equal(t, "files:read_file", reqs[0].Tools[0].Name)
	require.Equal(t, "object", reqs[0].Tools[0].InputSchema["type"])

	// The follow-up request carries the proposal and its result.
	followUp := reqs[1].Messages
	require.Len(t, followUp, 3)
	require.Equal(t, llm.MessageRoleAssistant, followUp[1].Role)
	require.Len(t, followUp[1].ToolCalls, 1)
	require.Equal(t, "files:read_file", followUp[1].ToolCalls[0].Name)
	require.Equal(t, llm.MessageRoleTool, followUp[2].Role)
	require.Equal(t, "call_1", followUp[2].ToolCallID)
	require.Equal(t, "package main", followUp[2].Content)
}

func TestTurnToolFailureFlowsBackToModel(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.StreamChunk{
		{
			toolChunk(0, "call_1", "database:backup", `{}`),
			finishChunk(llm.FinishReasonToolCalls),
		},
		{textChunk("The backup failed: disk full."), finishChunk(llm.FinishReasonStop)},
	}}

	resolver := newFakeResolver("database:backup")
	caller := newFakeCaller()
	caller.handle("database:backup", func(ctx context.Context, args map[string]interface{}) (*mcp.ToolCallResponse, error) {
		return nil, stderrors.New("disk full")
	})
	o := newTestOrchestrator(t, resolver, caller)

	s := newTestSession(t, SessionConfig{Provider: provider, Orchestrator: o})

	result, err := s.Turn(context.Background(), "back up the database")
	require.NoError(t, err, "a failed tool call is reported to the model, not to the caller")

	require.Len(t, result.Tasks, 1)
	require.Equal(t, TaskFailed, result.Tasks[0].Status)
	require.Equal(t, "The backup failed: disk full.", result.Reply)

	reqs := provider.seen()
	toolMsg := reqs[1].Messages[2]
	require.Equal(t, llm.MessageRoleTool, toolMsg.Role)
	require.Contains(t, toolMsg.Content, `"status":"failed"`)
	require.Contains(t, toolMsg.Content, "disk full")
}

func TestTurnClipsOversizedToolOutput(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.StreamChunk{
		{
			toolChunk(0, "call_1", "logs:dump", `{}`),
			finishChunk(llm.FinishReasonToolCalls),
		},
		{textChunk("The log ends with -END."), finishChunk(llm.FinishReasonStop)},
	}}

	payload := "BEGIN-" + strings.Repeat("tool output line\n", 200) + "-END"

	resolver := newFakeResolver("logs:dump")
	caller := newFakeCaller()
	caller.handle("logs:dump", func(ctx context.Context, args map[string]interface{}) (*mcp.ToolCallResponse, error) {
		return textResponse(payload), nil
	})
	o := newTestOrchestrator(t, resolver, caller)

	s := newTestSession(t, SessionConfig{
		Provider:      provider,
		Orchestrator:  o,
		MaxToolOutput: 512,
	})

	_, err := s.Turn(context.Background(), "dump the logs")
	require.NoError(t, err)

	reqs := provider.seen()
	toolMsg := reqs[1].Messages[2]
	require.Equal(t, llm.MessageRoleTool, toolMsg.Role)
	require.LessOrEqual(t, len(toolMsg.Content), 512)
	require.Contains(t, toolMsg.Content, "bytes truncated]")
	require.True(t, strings.HasPrefix(toolMsg.Content, "BEGIN-"), "clipping keeps the head")
	require.True(t, strings.HasSuffix(toolMsg.Content, "-END"), "clipping keeps the tail")
}

func TestTurnIterationCap(t *testing.T) {
	loop := []llm.StreamChunk{
		toolChunk(0, "call_1", "files:list_dir", `{}`),
		finishChunk(llm.FinishReasonToolCalls),
	}
	provider := &scriptedProvider{scripts: [][]llm.StreamChunk{loop, loop}}

	resolver := newFakeResolver("files:list_dir")
	o := newTestOrchestrator(t, resolver, newFakeCaller())

	s := newTestSession(t, SessionConfig{
		Provider:      provider,
		Orchestrator:  o,
		MaxIterations: 2,
	})

	result, err := s.Turn(context.Background(), "keep going")
	require.NoError(t, err)

	require.True(t, result.Truncated)
	require.Equal(t, 2, result.Iterations)
	require.Len(t, result.Tasks, 2)
	require.Len(t, provider.seen(), 2, "the cap stops further completions")
}

func TestTurnCacheHitSkipsProvider(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.StreamChunk{
		{textChunk("cached answer"), finishChunk(llm.FinishReasonStop)},
	}}
	o := newTestOrchestrator(t, newFakeResolver(), newFakeCaller())

	responses := cache.New(cache.Config{SweepInterval: -1, Logger: testLogger()})
	t.Cleanup(func() { _ = responses.Close() })

	s := newTestSession(t, SessionConfig{
		Provider:     provider,
		Orchestrator: o,
		Cache:        responses,
	})

	first, err := s.Turn(context.Background(), "what is two plus two?")
	require.NoError(t, err)
	require.False(t, first.CacheHit)
	require.Equal(t, "cached answer", first.Reply)

	// An identical prompt from a fresh transcript replays the cached
	// response; the provider has no scripts left, so reaching it would
	// fail the turn.
	s.Reset()
	second, err := s.Turn(context.Background(), "what is two plus two?")
	require.NoError(t, err)
	require.True(t, second.CacheHit)
	require.Equal(t, "cached answer", second.Reply)
	require.Len(t, provider.seen(), 1)
}

func TestTurnStreamErrorRollsBackTranscript(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.StreamChunk{
		{textChunk("partial"), {Error: llm.NewHTTPError(500, "upstream exploded")}},
	}}
	o := newTestOrchestrator(t, newFakeResolver(), newFakeCaller())

	s := newTestSession(t, SessionConfig{Provider: provider, Orchestrator: o})

	_, err := s.Turn(context.Background(), "hello?")
	require.Error(t, err)
	var httpErr *llm.HTTPError
	require.True(t, stderrors.As(err, &httpErr))

	require.Empty(t, s.Transcript(), "a failed turn must not leave a dangling user message")
}

func TestSessionReset(t *testing.T) {
	provider := &scriptedProvider{scripts: [][]llm.StreamChunk{
		{textChunk("hi"), finishChunk(llm.FinishReasonStop)},
	}}
	o := newTestOrchestrator(t, newFakeResolver(), newFakeCaller())

	s := newTestSession(t, SessionConfig{
		Provider:     provider,
		Orchestrator: o,
		SystemPrompt: "You are a helpful shell.",
	})

	_, err := s.Turn(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, s.Transcript(), 3)

	s.Reset()
	transcript := s.Transcript()
	require.Len(t, transcript, 1)
	require.Equal(t, llm.MessageRoleSystem, transcript[0].Role)
}
