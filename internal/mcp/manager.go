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
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ringmaster-sh/ringmaster/internal/catalog"
	"github.com/ringmaster-sh/ringmaster/internal/config"
	"github.com/ringmaster-sh/ringmaster/internal/dispatch"
	"github.com/ringmaster-sh/ringmaster/internal/log"
	"github.com/ringmaster-sh/ringmaster/internal/secrets"
	"github.com/ringmaster-sh/ringmaster/pkg/errors"
)

// runningStates are the states in which a connection counts as running for
// persistence and listing purposes.
var runningStates = map[ConnState]bool{
	StateStarting:     true,
	StateInitializing: true,
	StateConnected:    true,
	StateDegraded:     true,
	StateReconnecting: true,
}

// Manager supervises the configured MCP servers. It owns one Connection per
// started server, schedules health probes and capability refreshes through
// the dispatch bus, and persists runtime state across restarts.
type Manager struct {
	cfg      *config.Config
	registry *catalog.Registry
	bus      *dispatch.Bus
	emitter  *Emitter
	resolver *secrets.Resolver
	state    *config.StateManager
	logger   *slog.Logger
	factory  clientFactory

	mu    sync.RWMutex
	conns map[string]*Connection

	proberCancel context.CancelFunc
	proberWG     sync.WaitGroup

	listenerID int
	shutdown   bool
}

// ManagerConfig wires a Manager's collaborators. Config, Registry, Bus, and
// Resolver are required; State is optional (no persistence when nil).
type ManagerConfig struct {
	Config   *config.Config
	Registry *catalog.Registry
	Bus      *dispatch.Bus
	Emitter  *Emitter
	Resolver *secrets.Resolver
	State    *config.StateManager
	Logger   *slog.Logger
}

// NewManager creates a Manager from its collaborators.
func NewManager(mc ManagerConfig) (*Manager, error) {
	if mc.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if mc.Registry == nil {
		return nil, fmt.Errorf("catalog registry is required")
	}
	if mc.Bus == nil {
		return nil, fmt.Errorf("dispatch bus is required")
	}
	if mc.Resolver == nil {
		return nil, fmt.Errorf("secrets resolver is required")
	}

	logger := mc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := mc.Emitter
	if emitter == nil {
		emitter = NewEmitter(logger)
	}

	m := &Manager{
		cfg:      mc.Config,
		registry: mc.Registry,
		bus:      mc.Bus,
		emitter:  emitter,
		resolver: mc.Resolver,
		state:    mc.State,
		logger:   logger,
		conns:    make(map[string]*Connection),
	}
	m.factory = func(ctx context.Context, d ServerDescriptor) (toolClient, error) {
		return NewClient(ctx, d, m.resolver)
	}

	// Async transitions (reconnect exhaustion, watcher restarts) must reach
	// the state file without a CLI command in the loop.
	m.listenerID = m.emitter.On(func(ev Event) {
		switch ev.Type {
		case EventConnected, EventReconnected, EventFailed, EventStopped:
			m.persistState(ev.Server)
		}
	})

	return m, nil
}

// Events returns the emitter connections report through.
func (m *Manager) Events() *Emitter {
	return m.emitter
}

// StartServer launches the named server and blocks until it is connected or
// the initial connect fails.
func (m *Manager) StartServer(ctx context.Context, name string) error {
	sc, ok := m.cfg.Servers[name]
	if !ok {
		return m.unknownServer(name)
	}
	if err := sc.Validate(); err != nil {
		return &errors.ConfigError{Key: "servers." + name, Reason: err.Error(), Cause: err}
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return &errors.ShutdownError{Component: "mcp manager"}
	}
	if existing, ok := m.conns[name]; ok {
		if runningStates[existing.State()] {
			m.mu.Unlock()
			return &errors.ConnectionError{
				Server: name,
				State:  string(existing.State()),
				Cause:  fmt.Errorf("server already running"),
			}
		}
		// Stopped or failed connections are single-use; replace them.
		delete(m.conns, name)
	}

	desc := DescriptorFromConfig(name, sc, m.cfg.Defaults)
	conn := newConnection(desc, m.factory, m.registry, m.emitter, m.logger)
	m.conns[name] = conn
	m.mu.Unlock()

	m.logger.Info("starting MCP server",
		log.KeyServer, name,
		"transport", desc.Transport,
	)

	if err := conn.Start(ctx); err != nil {
		m.persistState(name)
		return fmt.Errorf("starting server %q: %w", name, err)
	}

	m.persistState(name)
	return nil
}

// StopServer stops the named server. Stopping a server that is not running
// is an error; stopping one that is already stopped is not.
func (m *Manager) StopServer(name string) error {
	m.mu.RLock()
	conn, ok := m.conns[name]
	m.mu.RUnlock()

	if !ok {
		return m.unknownRunningServer(name)
	}

	if err := conn.Stop(); err != nil {
		return fmt.Errorf("stopping server %q: %w", name, err)
	}

	m.persistState(name)
	return nil
}

// RestartServer stops the named server if it is running and starts a fresh
// connection. This is the only way out of the failed state.
func (m *Manager) RestartServer(ctx context.Context, name string) error {
	if _, ok := m.cfg.Servers[name]; !ok {
		return m.unknownServer(name)
	}

	m.mu.RLock()
	conn, ok := m.conns[name]
	m.mu.RUnlock()

	if ok {
		if err := conn.Stop(); err != nil {
			return fmt.Errorf("stopping server %q for restart: %w", name, err)
		}
	}

	return m.StartServer(ctx, name)
}

// StartAll starts every auto-start server plus any server that was running
// when state was last persisted. Failures are collected, not fatal: one bad
// server must not keep the rest down.
func (m *Manager) StartAll(ctx context.Context) error {
	targets := make(map[string]bool)
	for name, sc := range m.cfg.Servers {
		if sc.AutoStart {
			targets[name] = true
		}
	}
	if m.state != nil {
		for _, name := range m.state.ServersToResume() {
			if _, ok := m.cfg.Servers[name]; ok {
				targets[name] = true
			}
		}
	}

	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		if err := m.StartServer(ctx, name); err != nil {
			m.logger.Error("failed to start server",
				log.KeyServer, name,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// StopAll stops every running server.
func (m *Manager) StopAll() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Stop(); err != nil {
			m.logger.Warn("error stopping server",
				log.KeyServer, conn.Descriptor().Name,
				"error", err,
			)
		}
		m.persistState(conn.Descriptor().Name)
	}
}

// Get returns the connection for a server, if one exists.
func (m *Manager) Get(name string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[name]
	return conn, ok
}

// Status returns the status of a single server. Configured servers that
// were never started report as unconfigured.
func (m *Manager) Status(name string) (ConnStatus, error) {
	m.mu.RLock()
	conn, ok := m.conns[name]
	m.mu.RUnlock()

	if ok {
		return conn.Status(), nil
	}

	if _, configured := m.cfg.Servers[name]; configured {
		return ConnStatus{Name: name, State: StateUnconfigured}, nil
	}
	return ConnStatus{}, m.unknownServer(name)
}

// ListStatus returns the status of every configured server, sorted by name.
func (m *Manager) ListStatus() []ConnStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	statuses := make([]ConnStatus, 0, len(m.cfg.Servers))
	for name := range m.cfg.Servers {
		if conn, ok := m.conns[name]; ok {
			statuses = append(statuses, conn.Status())
		} else {
			statuses = append(statuses, ConnStatus{Name: name, State: StateUnconfigured})
		}
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// RunningCount returns the number of servers currently running.
func (m *Manager) RunningCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, conn := range m.conns {
		if runningStates[conn.State()] {
			count++
		}
	}
	return count
}

// CallTool invokes a tool on a named server. This is the invocation surface
// the orchestrator and CLI go through.
func (m *Manager) CallTool(ctx context.Context, server, tool string, args map[string]interface{}) (*ToolCallResponse, error) {
	m.mu.RLock()
	conn, ok := m.conns[server]
	m.mu.RUnlock()

	if !ok {
		return nil, m.unknownRunningServer(server)
	}

	return conn.CallTool(ctx, ToolCallRequest{Name: tool, Arguments: args})
}

// RefreshServer schedules a capability refresh for a server on the dispatch
// bus and waits for it to complete.
func (m *Manager) RefreshServer(ctx context.Context, name string) error {
	m.mu.RLock()
	conn, ok := m.conns[name]
	m.mu.RUnlock()

	if !ok {
		return m.unknownRunningServer(name)
	}

	handle, err := m.bus.Submit(ctx, dispatch.Job{
		Name: "refresh:" + name,
		Band: dispatch.BandHigh,
		Labels: map[string]string{
			"server": name,
		},
		Run: func(jobCtx context.Context) (interface{}, error) {
			return nil, conn.Refresh(jobCtx)
		},
	})
	if err != nil {
		return err
	}

	_, err = handle.Wait(ctx)
	return err
}

// StartProber begins periodic health probes of connected servers. Probes
// run as low-band bus jobs so interactive traffic always goes first.
func (m *Manager) StartProber() {
	interval := m.cfg.Probe.IntervalDuration()
	if interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.proberCancel != nil || m.shutdown {
		m.mu.Unlock()
		cancel()
		return
	}
	m.proberCancel = cancel
	m.mu.Unlock()

	m.proberWG.Add(1)
	go func() {
		defer m.proberWG.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probeAll(ctx)
			}
		}
	}()

	m.logger.Info("health prober started", "interval", interval)
}

// probeAll submits a probe job for every connected server. Results flow
// through each connection's failure reporting, so handles are dropped.
func (m *Manager) probeAll(ctx context.Context) {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		if conn.State() == StateConnected {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		conn := conn
		name := conn.Descriptor().Name
		_, err := m.bus.Submit(ctx, dispatch.Job{
			Name: "probe:" + name,
			Band: dispatch.BandLow,
			Labels: map[string]string{
				"server": name,
			},
			Run: func(jobCtx context.Context) (interface{}, error) {
				probeCtx, cancel := context.WithTimeout(jobCtx, 10*time.Second)
				defer cancel()
				return nil, conn.Probe(probeCtx)
			},
		})
		if err != nil {
			m.logger.Debug("probe submission failed",
				log.KeyServer, name,
				"error", err,
			)
		}
	}
}

// Shutdown stops the prober and all servers, and persists final state. The
// dispatch bus is shared and stays up; the caller owns its shutdown.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	cancel := m.proberCancel
	m.proberCancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.proberWG.Wait()

	done := make(chan struct{})
	go func() {
		m.StopAll()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.emitter.Off(m.listenerID)

	if m.state != nil {
		m.state.MarkAllStopped()
		if err := m.state.Save(); err != nil {
			m.logger.Warn("failed to persist state", "error", err)
		}
	}

	return nil
}

// persistState writes a server's current status through the state manager.
func (m *Manager) persistState(name string) {
	if m.state == nil {
		return
	}

	m.mu.RLock()
	conn, ok := m.conns[name]
	m.mu.RUnlock()
	if !ok {
		return
	}

	status := conn.Status()
	m.state.UpdateServer(name, runningStates[status.State], status.FailureCount, status.LastError, status.StartedAt)
	if err := m.state.Save(); err != nil {
		m.logger.Warn("failed to persist state",
			log.KeyServer, name,
			"error", err,
		)
	}
}

// unknownServer builds the not-found error for a name missing from config.
func (m *Manager) unknownServer(name string) error {
	names := make([]string, 0, len(m.cfg.Servers))
	for n := range m.cfg.Servers {
		names = append(names, n)
	}
	sort.Strings(names)
	return &errors.NotFoundError{
		Resource:    "server",
		ID:          name,
		Suggestions: names,
	}
}

// unknownRunningServer builds the not-found error for a server with no
// connection, suggesting the servers that are actually up.
func (m *Manager) unknownRunningServer(name string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for n, conn := range m.conns {
		if runningStates[conn.State()] {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return &errors.NotFoundError{
		Resource:    "server",
		ID:          name,
		Suggestions: names,
	}
}
