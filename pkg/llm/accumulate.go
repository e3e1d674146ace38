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

package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ringmaster-sh/ringmaster/pkg/errors"
)

// EventKind discriminates the events an Accumulator produces.
type EventKind string

const (
	// EventText is a pass-through text delta.
	EventText EventKind = "text"

	// EventToolCall is a fully assembled tool call proposal.
	EventToolCall EventKind = "tool_call"

	// EventDone marks the end of the completion, carrying the finish
	// reason and any usage the provider reported.
	EventDone EventKind = "done"
)

// Event is a single item scanned out of a chunk stream.
type Event struct {
	Kind EventKind

	// Text is set for EventText.
	Text string

	// ToolCall is set for EventToolCall.
	ToolCall ToolCall

	// FinishReason and Usage are set for EventDone.
	FinishReason FinishReason
	Usage        *TokenUsage
}

// toolCallBuffer assembles one tool call's fragments across chunks.
type toolCallBuffer struct {
	id      string
	name    string
	args    strings.Builder
	flushed bool
}

// Accumulator turns a StreamChunk channel into a sequence of whole events.
// Text deltas pass through; tool call fragments are buffered by index and
// each completed proposal is emitted exactly once, when the provider
// signals a finish reason or closes the stream.
//
// Use it like bufio.Scanner:
//
//	acc := llm.NewAccumulator(chunks)
//	for acc.Scan() {
//		ev := acc.Event()
//		...
//	}
//	if err := acc.Err(); err != nil {
//		...
//	}
//
// Accumulator is not safe for concurrent use.
type Accumulator struct {
	chunks <-chan StreamChunk

	buffers map[int]*toolCallBuffer
	order   []int

	pending []Event
	cur     Event
	err     error
	closed  bool

	content      strings.Builder
	calls        []ToolCall
	finishReason FinishReason
	usage        *TokenUsage
	requestID    string
}

// NewAccumulator wraps a chunk stream, typically the channel returned by
// Provider.Stream.
func NewAccumulator(chunks <-chan StreamChunk) *Accumulator {
	return &Accumulator{
		chunks:  chunks,
		buffers: make(map[int]*toolCallBuffer),
	}
}

// Scan advances to the next event. It returns false when the stream is
// exhausted or an error occurred; check Err afterwards.
func (a *Accumulator) Scan() bool {
	if a.err != nil {
		return false
	}
	for {
		if len(a.pending) > 0 {
			a.cur = a.pending[0]
			a.pending = a.pending[1:]
			return true
		}
		if a.closed {
			return false
		}
		chunk, ok := <-a.chunks
		if !ok {
			a.closed = true
			// Providers that drop the stream without a finish chunk
			// still get their buffered proposals delivered.
			if err := a.flush(); err != nil {
				a.err = err
				return false
			}
			continue
		}
		if err := a.ingest(chunk); err != nil {
			a.err = err
			return false
		}
	}
}

// Event returns the event produced by the last successful Scan.
func (a *Accumulator) Event() Event {
	return a.cur
}

// Err returns the first error encountered while scanning.
func (a *Accumulator) Err() error {
	return a.err
}

// ingest folds one chunk into the accumulator state, queueing any events
// it completes.
func (a *Accumulator) ingest(chunk StreamChunk) error {
	if chunk.Error != nil {
		return chunk.Error
	}
	if a.requestID == "" && chunk.RequestID != "" {
		a.requestID = chunk.RequestID
	}
	if chunk.Usage != nil {
		a.usage = chunk.Usage
	}

	if chunk.Delta.Content != "" {
		a.content.WriteString(chunk.Delta.Content)
		a.pending = append(a.pending, Event{Kind: EventText, Text: chunk.Delta.Content})
	}

	if tc := chunk.Delta.ToolCallDelta; tc != nil {
		buf, exists := a.buffers[tc.Index]
		if !exists {
			buf = &toolCallBuffer{}
			a.buffers[tc.Index] = buf
			a.order = append(a.order, tc.Index)
		}
		if buf.id == "" {
			buf.id = tc.ID
		}
		if buf.name == "" {
			buf.name = tc.Name
		}
		buf.args.WriteString(tc.ArgumentsDelta)
	}

	if chunk.FinishReason != "" {
		a.finishReason = chunk.FinishReason
		if err := a.flush(); err != nil {
			return err
		}
		a.pending = append(a.pending, Event{Kind: EventDone, FinishReason: chunk.FinishReason, Usage: a.usage})
	}
	return nil
}

// flush completes every buffered tool call in first-seen order. Buffers
// already flushed stay flushed, so a finish chunk followed by stream close
// cannot emit a proposal twice.
func (a *Accumulator) flush() error {
	for _, idx := range a.order {
		buf := a.buffers[idx]
		if buf.flushed {
			continue
		}
		args := buf.args.String()
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return &errors.ValidationError{
				Field:      "arguments",
				Message:    fmt.Sprintf("tool call %q carries malformed JSON arguments", buf.name),
				Suggestion: "the provider stream was truncated or corrupt; retry the request",
			}
		}
		buf.flushed = true
		call := ToolCall{ID: buf.id, Name: buf.name, Arguments: args}
		a.calls = append(a.calls, call)
		a.pending = append(a.pending, Event{Kind: EventToolCall, ToolCall: call})
	}
	return nil
}

// Content returns all text accumulated so far.
func (a *Accumulator) Content() string {
	return a.content.String()
}

// ToolCalls returns the completed proposals accumulated so far.
func (a *Accumulator) ToolCalls() []ToolCall {
	return a.calls
}

// FinishReason returns the finish reason the provider reported, if any.
func (a *Accumulator) FinishReason() FinishReason {
	return a.finishReason
}

// Usage returns the token usage the provider reported, if any.
func (a *Accumulator) Usage() *TokenUsage {
	return a.usage
}

// Response assembles the accumulated stream into the shape a non-streaming
// Complete call would have returned. Call it after Scan returns false and
// Err is nil.
func (a *Accumulator) Response() *CompletionResponse {
	return &CompletionResponse{
		Content:      a.content.String(),
		ToolCalls:    a.calls,
		FinishReason: a.finishReason,
		Usage:        a.usageValue(),
		RequestID:    a.requestID,
		Created:      time.Now(),
	}
}

func (a *Accumulator) usageValue() TokenUsage {
	if a.usage == nil {
		return TokenUsage{}
	}
	return *a.usage
}
