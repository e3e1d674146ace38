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
	"log/slog"
	"sync"
	"time"

	"github.com/ringmaster-sh/ringmaster/internal/log"
)

// EventType represents the type of MCP server event.
type EventType string

const (
	// EventConnected indicates a server completed its handshake.
	EventConnected EventType = "serverConnected"
	// EventDegraded indicates a server lost health and holds new calls.
	EventDegraded EventType = "serverDegraded"
	// EventFailed indicates reconnection was exhausted.
	EventFailed EventType = "serverFailed"
	// EventReconnected indicates a degraded server recovered.
	EventReconnected EventType = "serverReconnected"
	// EventStopped indicates a server was stopped.
	EventStopped EventType = "serverStopped"
	// EventToolsChanged indicates the server's capability set was refreshed.
	EventToolsChanged EventType = "toolsChanged"
)

// Event represents an event from an MCP server.
type Event struct {
	// Type is the event type.
	Type EventType `json:"type"`

	// Server is the name of the server.
	Server string `json:"server"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Message is an optional human-readable message.
	Message string `json:"message,omitempty"`

	// Details contains additional event-specific information.
	Details map[string]any `json:"details,omitempty"`
}

// Listener receives events. Listeners run synchronously on the emitting
// goroutine; keep them fast and hand heavy work elsewhere.
type Listener func(Event)

// Emitter fans server events out to registered listeners and logs each one.
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
// listener is isolated so it cannot take down the connection goroutine
// or starve the other listeners.
func (e *Emitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	attrs := []any{
		"component", "mcp",
		log.KeyServer, event.Server,
		log.KeyEvent, string(event.Type),
	}
	if event.Message != "" {
		attrs = append(attrs, "message", event.Message)
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}
	e.logger.Debug("server event", attrs...)

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
				log.KeyServer, event.Server,
				"panic", r,
			)
		}
	}()
	fn(event)
}

// EmitConnected emits a server connected event.
func (e *Emitter) EmitConnected(server string, toolCount int) {
	e.Emit(Event{
		Type:    EventConnected,
		Server:  server,
		Message: "Server connected",
		Details: map[string]any{
			"tool_count": toolCount,
		},
	})
}

// EmitDegraded emits a server degraded event.
func (e *Emitter) EmitDegraded(server string, reason string) {
	e.Emit(Event{
		Type:    EventDegraded,
		Server:  server,
		Message: "Server degraded",
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// EmitFailed emits a server failed event.
func (e *Emitter) EmitFailed(server string, err error) {
	details := map[string]any{}
	if err != nil {
		details["error"] = err.Error()
	}
	e.Emit(Event{
		Type:    EventFailed,
		Server:  server,
		Message: "Server failed",
		Details: details,
	})
}

// EmitReconnected emits a server reconnected event.
func (e *Emitter) EmitReconnected(server string, attempt int) {
	e.Emit(Event{
		Type:    EventReconnected,
		Server:  server,
		Message: "Server reconnected",
		Details: map[string]any{
			"attempt": attempt,
		},
	})
}

// EmitStopped emits a server stopped event.
func (e *Emitter) EmitStopped(server string) {
	e.Emit(Event{
		Type:    EventStopped,
		Server:  server,
		Message: "Server stopped",
	})
}

// EmitToolsChanged emits a tools changed event.
func (e *Emitter) EmitToolsChanged(server string, toolCount int) {
	e.Emit(Event{
		Type:   EventToolsChanged,
		Server: server,
		Details: map[string]any{
			"tool_count": toolCount,
		},
	})
}
