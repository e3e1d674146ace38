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
	"log/slog"
	"sync"
	"time"

	"github.com/ringmaster-sh/ringmaster/internal/log"
)

// EventType represents the type of task event.
type EventType string

const (
	// EventCallStarted is emitted when a call begins executing.
	EventCallStarted EventType = "callStarted"
	// EventCallCompleted is emitted when a call reaches a terminal status.
	EventCallCompleted EventType = "callCompleted"
	// EventTaskCompleted is emitted once per task with the aggregate outcome.
	EventTaskCompleted EventType = "taskCompleted"
)

// Event represents a task execution event.
type Event struct {
	// Type is the event type.
	Type EventType `json:"type"`

	// Task is the task ID.
	Task string `json:"task"`

	// Call is the call ID, empty for task-level events.
	Call string `json:"call,omitempty"`

	// Status is the call or task status the event reports.
	Status string `json:"status,omitempty"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Details contains additional event-specific information.
	Details map[string]any `json:"details,omitempty"`
}

// Listener receives events. Listeners run synchronously on the emitting
// goroutine; keep them fast and hand heavy work elsewhere.
type Listener func(Event)

// Emitter fans task events out to registered listeners and logs each one.
type Emitter struct {
	logger *slog.Logger

	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
}

// NewEmitter creates a new event emitter.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		logger:    logger,
		listeners: make(map[int]Listener),
	}
}

// On registers a listener and returns its subscription id.
func (e *Emitter) On(fn Listener) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	id := e.nextID
	e.listeners[id] = fn
	return id
}

// Off removes a listener by subscription id.
func (e *Emitter) Off(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, id)
}

// Emit logs an event and delivers it to every listener. A panicking
// listener is isolated so it cannot disturb call completion or starve
// the other listeners.
func (e *Emitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	attrs := []any{
		"component", "orchestrator",
		log.KeyTask, event.Task,
		log.KeyEvent, string(event.Type),
	}
	if event.Call != "" {
		attrs = append(attrs, log.KeyCall, event.Call)
	}
	if event.Status != "" {
		attrs = append(attrs, "status", event.Status)
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}
	e.logger.Debug("task event", attrs...)

	e.mu.RLock()
	listeners := make([]Listener, 0, len(e.listeners))
	for _, fn := range e.listeners {
		listeners = append(listeners, fn)
	}
	e.mu.RUnlock()

	for _, fn := range listeners {
		e.deliver(fn, event)
	}
}

func (e *Emitter) deliver(fn Listener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event listener panicked",
				log.KeyEvent, string(event.Type),
				log.KeyTask, event.Task,
				"panic", r,
			)
		}
	}()
	fn(event)
}

// EmitCallStarted emits a call started event.
func (e *Emitter) EmitCallStarted(task, call, tool string) {
	e.Emit(Event{
		Type:   EventCallStarted,
		Task:   task,
		Call:   call,
		Status: string(CallRunning),
		Details: map[string]any{
			"tool": tool,
		},
	})
}

// EmitCallCompleted emits a call completed event with its terminal status.
func (e *Emitter) EmitCallCompleted(task string, result CallResult) {
	details := map[string]any{
		"duration_ms": result.Duration.Milliseconds(),
	}
	if result.Err != nil {
		details["error"] = result.Err.Error()
	}
	e.Emit(Event{
		Type:    EventCallCompleted,
		Task:    task,
		Call:    result.CallID,
		Status:  string(result.Status),
		Details: details,
	})
}

// EmitTaskCompleted emits the aggregate task outcome.
func (e *Emitter) EmitTaskCompleted(result *TaskResult) {
	e.Emit(Event{
		Type:   EventTaskCompleted,
		Task:   result.TaskID,
		Status: string(result.Status),
		Details: map[string]any{
			"calls":       len(result.Results),
			"succeeded":   result.Succeeded(),
			"duration_ms": result.Finished.Sub(result.Started).Milliseconds(),
		},
	})
}
