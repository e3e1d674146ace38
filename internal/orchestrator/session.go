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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ringmaster-sh/ringmaster/internal/cache"
	"github.com/ringmaster-sh/ringmaster/internal/catalog"
	"github.com/ringmaster-sh/ringmaster/internal/log"
	"github.com/ringmaster-sh/ringmaster/internal/tracing"
	"github.com/ringmaster-sh/ringmaster/internal/truncate"
	"github.com/ringmaster-sh/ringmaster/pkg/errors"
	"github.com/ringmaster-sh/ringmaster/pkg/llm"
)

const (
	// DefaultMaxIterations caps how many completion rounds one turn may
	// take. Each round of tool proposals costs an extra completion, so
	// the cap bounds runaway tool loops.
	DefaultMaxIterations = 4

	// DefaultMaxToolOutput caps one tool result's bytes in the
	// transcript. Oversized results are clipped head and tail before
	// they reach the model.
	DefaultMaxToolOutput = 16 * 1024
)

// ToolSource lists the tools advertised to the model for a turn.
// *catalog.Registry satisfies it.
type ToolSource interface {
	Tools() []catalog.ToolDescriptor
}

// SessionConfig assembles a Session.
type SessionConfig struct {
	// Provider is the model backend. Required.
	Provider llm.Provider

	// Orchestrator executes proposed tool calls. Required.
	Orchestrator *Orchestrator

	// Tools supplies the advertised tool descriptors. No tools are
	// advertised when nil.
	Tools ToolSource

	// Cache holds provider responses keyed by request fingerprint. Caching
	// is disabled when nil.
	Cache *cache.Cache

	// CacheTTL overrides the cache's default entry lifetime.
	CacheTTL time.Duration

	// Model selects the model for completion requests.
	Model string

	// SystemPrompt seeds the transcript when non-empty.
	SystemPrompt string

	// MaxIterations caps completion rounds per turn. Zero means
	// DefaultMaxIterations.
	MaxIterations int

	// MaxToolOutput caps one tool result's bytes in the transcript. Zero
	// means DefaultMaxToolOutput; negative disables the cap.
	MaxToolOutput int

	// OnStream receives accumulator events as a live stream arrives.
	// Cached responses replay without stream events.
	OnStream func(llm.Event)

	// Logger receives session logs.
	Logger *slog.Logger
}

// Session carries one conversation across turns: it streams completions,
// executes proposed tool calls as tasks, feeds results back into the
// transcript, and asks for a follow-up completion until the model settles
// on a text reply. This is the seam an interactive shell drives.
type Session struct {
	provider      llm.Provider
	orch          *Orchestrator
	tools         ToolSource
	cache         *cache.Cache
	cacheTTL      time.Duration
	model         string
	maxIterations int
	maxToolOutput int
	onStream      func(llm.Event)
	logger        *slog.Logger
	metrics       *tracing.TurnMetrics

	mu         sync.Mutex
	transcript []llm.Message
}

// NewSession builds a Session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Provider == nil {
		return nil, &errors.ValidationError{Field: "provider", Message: "model provider is required"}
	}
	if cfg.Orchestrator == nil {
		return nil, &errors.ValidationError{Field: "orchestrator", Message: "orchestrator is required"}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	maxToolOutput := cfg.MaxToolOutput
	if maxToolOutput == 0 {
		maxToolOutput = DefaultMaxToolOutput
	}
	metrics, err := tracing.NewTurnMetrics()
	if err != nil {
		return nil, fmt.Errorf("creating session metrics: %w", err)
	}

	s := &Session{
		provider:      cfg.Provider,
		orch:          cfg.Orchestrator,
		tools:         cfg.Tools,
		cache:         cfg.Cache,
		cacheTTL:      cfg.CacheTTL,
		model:         cfg.Model,
		maxIterations: maxIterations,
		maxToolOutput: maxToolOutput,
		onStream:      cfg.OnStream,
		logger:        log.WithComponent(logger, "session"),
		metrics:       metrics,
	}
	if cfg.SystemPrompt != "" {
		s.transcript = append(s.transcript, llm.Message{
			Role:    llm.MessageRoleSystem,
			Content: cfg.SystemPrompt,
		})
	}
	return s, nil
}

// TurnResult is what a completed turn hands back to the shell.
type TurnResult struct {
	// Reply is the model's final text for the turn.
	Reply string

	// Tasks holds one task result per round of executed tool calls, in
	// order.
	Tasks []*TaskResult

	// Iterations is how many completions the turn took.
	Iterations int

	// CacheHit reports whether the opening completion came from the
	// response cache.
	CacheHit bool

	// Truncated reports that the iteration cap stopped the turn while the
	// model was still proposing tool calls.
	Truncated bool
}

// Turn runs one user prompt to completion. The prompt and everything the
// turn produced join the transcript; a failed turn leaves the transcript
// as it was.
func (s *Session) Turn(ctx context.Context, prompt string) (*TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	checkpoint := len(s.transcript)
	result, err := s.turn(ctx, prompt)
	if err != nil {
		s.transcript = s.transcript[:checkpoint]
		return nil, err
	}
	s.metrics.RecordTurn(ctx, time.Since(started).Seconds(), result.Truncated)
	return result, nil
}

func (s *Session) turn(ctx context.Context, prompt string) (*TurnResult, error) {
	s.transcript = append(s.transcript, llm.Message{
		Role:    llm.MessageRoleUser,
		Content: prompt,
	})

	tools := s.advertisedTools()
	result := &TurnResult{}

	for i := 0; i < s.maxIterations; i++ {
		result.Iterations = i + 1

		// Only the opening completion is cacheable: follow-ups depend on
		// tool outputs captured moments ago.
		resp, hit, err := s.complete(ctx, tools, i == 0)
		if err != nil {
			return nil, err
		}
		if hit {
			result.CacheHit = true
			s.metrics.RecordCompletion(ctx, s.model, "cache", 0, 0)
		} else {
			s.metrics.RecordCompletion(ctx, s.model, "provider",
				resp.Usage.InputTokens, resp.Usage.OutputTokens)
		}

		s.transcript = append(s.transcript, llm.Message{
			Role:      llm.MessageRoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		if resp.Content != "" {
			result.Reply = resp.Content
		}
		if len(resp.ToolCalls) == 0 {
			return result, nil
		}

		task, err := taskFromProposals(resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		taskResult, err := s.orch.Execute(ctx, task)
		if err != nil {
			return nil, err
		}
		result.Tasks = append(result.Tasks, taskResult)

		for j, call := range task.Calls {
			s.transcript = append(s.transcript, llm.Message{
				Role:       llm.MessageRoleTool,
				ToolCallID: resp.ToolCalls[j].ID,
				Name:       resp.ToolCalls[j].Name,
				Content:    s.renderResult(taskResult.Result(call.ID)),
			})
		}
	}

	s.logger.Warn("turn reached the iteration cap with tool calls still pending",
		"iterations", s.maxIterations,
	)
	result.Truncated = true
	return result, nil
}

// complete obtains one completion, consulting the response cache when the
// round is cacheable.
func (s *Session) complete(ctx context.Context, tools []llm.Tool, cacheable bool) (*llm.CompletionResponse, bool, error) {
	req := llm.CompletionRequest{
		Messages: append([]llm.Message(nil), s.transcript...),
		Model:    s.model,
		Tools:    tools,
	}

	if s.cache == nil || !cacheable {
		resp, err := s.streamCompletion(ctx, req)
		return resp, false, err
	}

	fp, err := cache.FingerprintOf(struct {
		Model    string
		Messages []llm.Message
		Tools    []llm.Tool
	}{req.Model, req.Messages, req.Tools})
	if err != nil {
		resp, err := s.streamCompletion(ctx, req)
		return resp, false, err
	}

	streamed := false
	raw, err := s.cache.GetOrCompute(ctx, fp, s.cacheTTL, func(ctx context.Context) ([]byte, error) {
		streamed = true
		resp, err := s.streamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	})
	if err != nil {
		return nil, false, err
	}

	var resp llm.CompletionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, false, fmt.Errorf("decoding cached response: %w", err)
	}
	return &resp, !streamed, nil
}

// streamCompletion consumes one provider stream through the accumulator
// and folds it into a response.
func (s *Session) streamCompletion(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	log.Trace(s.logger, "model request",
		log.String("model", req.Model),
		log.Int("messages", len(req.Messages)),
		log.Int("tools", len(req.Tools)),
	)

	chunks, err := s.provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	acc := llm.NewAccumulator(chunks)
	for acc.Scan() {
		if s.onStream != nil {
			s.onStream(acc.Event())
		}
	}
	if err := acc.Err(); err != nil {
		return nil, err
	}

	resp := acc.Response()
	log.Trace(s.logger, "model response",
		log.String("finish_reason", string(resp.FinishReason)),
		log.Int("tool_calls", len(resp.ToolCalls)),
		log.Int("content_bytes", len(resp.Content)),
	)
	return resp, nil
}

// advertisedTools converts the current catalog snapshot into provider tool
// descriptors, qualified so proposals resolve without ambiguity.
func (s *Session) advertisedTools() []llm.Tool {
	if s.tools == nil {
		return nil
	}
	descs := s.tools.Tools()
	out := make([]llm.Tool, 0, len(descs))
	for _, d := range descs {
		tool := llm.Tool{
			Name:        d.Qualified(),
			Description: d.Description,
		}
		if len(d.InputSchema) > 0 {
			var schema map[string]interface{}
			if err := json.Unmarshal(d.InputSchema, &schema); err == nil {
				tool.InputSchema = schema
			}
		}
		out = append(out, tool)
	}
	return out
}

// Transcript returns a copy of the conversation so far.
func (s *Session) Transcript() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.Message(nil), s.transcript...)
}

// Reset drops the conversation, keeping only the system prompt.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.transcript) > 0 && s.transcript[0].Role == llm.MessageRoleSystem {
		s.transcript = s.transcript[:1]
		return
	}
	s.transcript = nil
}

// taskFromProposals turns one round of tool proposals into a task of
// independent calls. The provider proposed them together, so no ordering
// holds between them.
func taskFromProposals(calls []llm.ToolCall) (Task, error) {
	task := Task{ID: fmt.Sprintf("turn-%d", time.Now().UnixNano())}
	for i, tc := range calls {
		args := map[string]interface{}{}
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
				return Task{}, &errors.ValidationError{
					Field:   "arguments",
					Message: fmt.Sprintf("tool call %q arguments are not a JSON object: %v", tc.Name, err),
				}
			}
		}
		id := tc.ID
		if id == "" {
			id = fmt.Sprintf("call-%d", i)
		}
		task.Calls = append(task.Calls, Call{
			ID:        id,
			Tool:      tc.Name,
			Arguments: args,
		})
	}
	return task, nil
}

// renderResult serializes a call result for the model transcript. Errors
// go back as structured JSON so the model can react to them; oversized
// outputs are clipped to the session's tool output cap.
func (s *Session) renderResult(res *CallResult) string {
	if res == nil {
		return `{"status":"unknown","error":"no result recorded"}`
	}
	if res.Err != nil {
		b, err := json.Marshal(map[string]string{
			"status": string(res.Status),
			"error":  res.Err.Error(),
		})
		if err != nil {
			return fmt.Sprintf("%s: %v", res.Status, res.Err)
		}
		return string(b)
	}
	switch out := res.Output.(type) {
	case nil:
		return ""
	case string:
		return truncate.Clip(out, s.maxToolOutput)
	default:
		b, err := json.Marshal(out)
		if err != nil {
			return fmt.Sprintf("%v", out)
		}
		return truncate.Clip(string(b), s.maxToolOutput)
	}
}
