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

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RuntimeState is the persisted runtime state of MCP servers, stored at
// ~/.config/ringmaster/state.json.
type RuntimeState struct {
	// Version is the state file format version.
	Version int `json:"version"`

	// Servers contains the runtime state of each server.
	Servers map[string]*ServerState `json:"servers"`

	// LastUpdated is when the state was last persisted.
	LastUpdated time.Time `json:"last_updated"`
}

// ServerState is the persisted runtime state of a single server.
type ServerState struct {
	// WasRunning indicates whether the server was running when state was saved.
	WasRunning bool `json:"was_running"`

	// FailureCount is the number of consecutive failures.
	FailureCount int `json:"failure_count"`

	// LastFailure is when the last failure occurred.
	LastFailure *time.Time `json:"last_failure,omitempty"`

	// LastError is the last error message.
	LastError string `json:"last_error,omitempty"`

	// StartedAt is when the server was started (if running).
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// StateFileVersion is the current version of the state file format.
const StateFileVersion = 1

// StateManager persists server runtime state across restarts.
type StateManager struct {
	mu       sync.RWMutex
	state    *RuntimeState
	filePath string
	dirty    bool
}

// NewStateManager creates a state manager backed by the default state path.
// Corrupt or missing state files yield a fresh empty state.
func NewStateManager() (*StateManager, error) {
	path, err := StatePath()
	if err != nil {
		return nil, err
	}
	return NewStateManagerAt(path), nil
}

// NewStateManagerAt creates a state manager backed by an explicit path.
func NewStateManagerAt(path string) *StateManager {
	sm := &StateManager{
		filePath: path,
		state: &RuntimeState{
			Version: StateFileVersion,
			Servers: make(map[string]*ServerState),
		},
	}

	if err := sm.load(); err != nil {
		// Not fatal; start fresh.
		sm.state = &RuntimeState{
			Version: StateFileVersion,
			Servers: make(map[string]*ServerState),
		}
	}

	return sm
}

func (sm *StateManager) load() error {
	data, err := os.ReadFile(sm.filePath)
	if err != nil {
		return err
	}

	var state RuntimeState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}

	// Unknown versions start fresh rather than misread old formats.
	if state.Version != StateFileVersion {
		return nil
	}

	if state.Servers == nil {
		state.Servers = make(map[string]*ServerState)
	}

	sm.state = &state
	return nil
}

// Save persists the current state to disk if it changed since the last save.
func (sm *StateManager) Save() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.dirty {
		return nil
	}
	return sm.saveLocked()
}

func (sm *StateManager) saveLocked() error {
	sm.state.LastUpdated = time.Now()

	data, err := json.MarshalIndent(sm.state, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(sm.filePath), 0700); err != nil {
		return err
	}

	// Write to temp file first, then rename for atomicity
	tmpFile := sm.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpFile, sm.filePath); err != nil {
		os.Remove(tmpFile)
		return err
	}

	sm.dirty = false
	return nil
}

// UpdateServer updates the runtime state for a server.
func (sm *StateManager) UpdateServer(name string, running bool, failureCount int, lastError string, startedAt *time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	state := sm.state.Servers[name]
	if state == nil {
		state = &ServerState{}
		sm.state.Servers[name] = state
	}

	state.WasRunning = running
	state.FailureCount = failureCount
	state.LastError = lastError
	state.StartedAt = startedAt

	if lastError != "" {
		now := time.Now()
		state.LastFailure = &now
	}

	sm.dirty = true
}

// GetServer returns the persisted state for a server, or nil.
func (sm *StateManager) GetServer(name string) *ServerState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return sm.state.Servers[name]
}

// ServersToResume returns the names of servers that were running at last save.
func (sm *StateManager) ServersToResume() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	var servers []string
	for name, state := range sm.state.Servers {
		if state.WasRunning {
			servers = append(servers, name)
		}
	}
	return servers
}

// RemoveServer removes a server from the state.
func (sm *StateManager) RemoveServer(name string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	delete(sm.state.Servers, name)
	sm.dirty = true
}

// MarkAllStopped marks all servers as stopped.
// Called during graceful shutdown so they are not resumed on next start.
func (sm *StateManager) MarkAllStopped() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, state := range sm.state.Servers {
		state.WasRunning = false
	}
	sm.dirty = true
}

// FilePath returns the path to the state file.
func (sm *StateManager) FilePath() string {
	return sm.filePath
}
