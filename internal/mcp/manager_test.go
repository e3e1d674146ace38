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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ringmaster-sh/ringmaster/internal/catalog"
	"github.com/ringmaster-sh/ringmaster/internal/config"
	"github.com/ringmaster-sh/ringmaster/internal/dispatch"
	"github.com/ringmaster-sh/ringmaster/internal/secrets"
	"github.com/ringmaster-sh/ringmaster/pkg/errors"
)

func testConfig(servers ...string) *config.Config {
	cfg := &config.Config{
		Servers: make(map[string]*config.ServerConfig),
		Defaults: config.Defaults{
			HandshakeTimeout:     2,
			CallTimeout:          2,
			ReconnectBackoff:     1,
			ReconnectBackoffCap:  1,
			MaxReconnectAttempts: 2,
		},
		Probe: config.ProbeConfig{Interval: 30},
	}
	for _, name := range servers {
		cfg.Servers[name] = &config.ServerConfig{
			Transport: config.TransportStdio,
			Command:   "echo",
		}
	}
	return cfg
}

// fakeFleet hands each server its own fake client.
type fakeFleet struct {
	mu      sync.Mutex
	clients map[string]*fakeClient
	errs    map[string]error
	builds  map[string]int
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{
		clients: make(map[string]*fakeClient),
		errs:    make(map[string]error),
		builds:  make(map[string]int),
	}
}

func (f *fakeFleet) factory(ctx context.Context, d ServerDescriptor) (toolClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds[d.Name]++
	if err := f.errs[d.Name]; err != nil {
		return nil, err
	}
	client, ok := f.clients[d.Name]
	if !ok {
		client = &fakeClient{tools: []ToolDefinition{{Name: "run"}}}
		f.clients[d.Name] = client
	}
	return client, nil
}

func (f *fakeFleet) failServer(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[name] = err
}

func (f *fakeFleet) buildCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.builds[name]
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *fakeFleet) {
	t.Helper()

	bus := dispatch.NewBus(dispatch.Config{Workers: 2, Logger: testLogger()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
	})

	m, err := NewManager(ManagerConfig{
		Config:   cfg,
		Registry: catalog.NewRegistry(),
		Bus:      bus,
		Resolver: secrets.NewResolver(secrets.NewEnvBackend()),
		Logger:   testLogger(),
	})
	require.NoError(t, err)

	fleet := newFakeFleet()
	m.factory = fleet.factory

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	return m, fleet
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(ManagerConfig{})
	require.Error(t, err)

	_, err = NewManager(ManagerConfig{Config: testConfig()})
	require.Error(t, err)
}

func TestManagerStartServer(t *testing.T) {
	m, _ := newTestManager(t, testConfig("files"))

	require.NoError(t, m.StartServer(context.Background(), "files"))

	status, err := m.Status("files")
	require.NoError(t, err)
	require.Equal(t, StateConnected, status.State)
	require.Equal(t, 1, m.RunningCount())
}

func TestManagerStartServerUnknown(t *testing.T) {
	m, _ := newTestManager(t, testConfig("files", "search"))

	err := m.StartServer(context.Background(), "fils")
	require.Error(t, err)

	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "server", nf.Resource)
	require.Contains(t, nf.Suggestions, "files")
}

func TestManagerStartServerInvalidConfig(t *testing.T) {
	cfg := testConfig("files")
	cfg.Servers["broken"] = &config.ServerConfig{Transport: config.TransportStdio}
	m, _ := newTestManager(t, cfg)

	err := m.StartServer(context.Background(), "broken")
	require.Error(t, err)

	var cfgErr *errors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "servers.broken", cfgErr.Key)
	require.Equal(t, 0, m.RunningCount())
}

func TestManagerStartServerDuplicate(t *testing.T) {
	m, _ := newTestManager(t, testConfig("files"))

	require.NoError(t, m.StartServer(context.Background(), "files"))

	err := m.StartServer(context.Background(), "files")
	require.Error(t, err)

	var connErr *errors.ConnectionError
	require.ErrorAs(t, err, &connErr)
}

func TestManagerStopServer(t *testing.T) {
	m, _ := newTestManager(t, testConfig("files"))

	require.NoError(t, m.StartServer(context.Background(), "files"))
	require.NoError(t, m.StopServer("files"))

	status, err := m.Status("files")
	require.NoError(t, err)
	require.Equal(t, StateStopped, status.State)
	require.Equal(t, 0, m.RunningCount())
}

func TestManagerStopServerNotRunning(t *testing.T) {
	m, _ := newTestManager(t, testConfig("files"))

	err := m.StopServer("files")
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestManagerRestartAfterStop(t *testing.T) {
	m, _ := newTestManager(t, testConfig("files"))

	require.NoError(t, m.StartServer(context.Background(), "files"))
	require.NoError(t, m.StopServer("files"))

	// Stopped connections are single-use; a fresh start replaces them.
	require.NoError(t, m.StartServer(context.Background(), "files"))

	status, err := m.Status("files")
	require.NoError(t, err)
	require.Equal(t, StateConnected, status.State)
}

func TestManagerRestartRecoversFailed(t *testing.T) {
	m, fleet := newTestManager(t, testConfig("files"))

	fleet.failServer("files", stderrors.New("binary missing"))
	require.Error(t, m.StartServer(context.Background(), "files"))

	status, err := m.Status("files")
	require.NoError(t, err)
	require.Equal(t, StateFailed, status.State)

	fleet.failServer("files", nil)
	require.NoError(t, m.RestartServer(context.Background(), "files"))

	status, err = m.Status("files")
	require.NoError(t, err)
	require.Equal(t, StateConnected, status.State)
}

func TestManagerListStatus(t *testing.T) {
	m, _ := newTestManager(t, testConfig("files", "search", "db"))

	require.NoError(t, m.StartServer(context.Background(), "files"))

	statuses := m.ListStatus()
	require.Len(t, statuses, 3)

	// Sorted by name; unstarted servers report unconfigured.
	require.Equal(t, "db", statuses[0].Name)
	require.Equal(t, StateUnconfigured, statuses[0].State)
	require.Equal(t, "files", statuses[1].Name)
	require.Equal(t, StateConnected, statuses[1].State)
	require.Equal(t, "search", statuses[2].Name)
	require.Equal(t, StateUnconfigured, statuses[2].State)
}

func TestManagerCallTool(t *testing.T) {
	m, fleet := newTestManager(t, testConfig("files"))

	require.NoError(t, m.StartServer(context.Background(), "files"))

	resp, err := m.CallTool(context.Background(), "files", "run", map[string]interface{}{"path": "/tmp"})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Text())

	fleet.mu.Lock()
	calls := fleet.clients["files"].calls
	fleet.mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestManagerCallToolUnknownServer(t *testing.T) {
	m, _ := newTestManager(t, testConfig("files"))

	require.NoError(t, m.StartServer(context.Background(), "files"))

	_, err := m.CallTool(context.Background(), "search", "run", nil)
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Contains(t, nf.Suggestions, "files")
}

func TestManagerRefreshServer(t *testing.T) {
	m, fleet := newTestManager(t, testConfig("files"))

	require.NoError(t, m.StartServer(context.Background(), "files"))

	fleet.mu.Lock()
	client := fleet.clients["files"]
	fleet.mu.Unlock()

	client.mu.Lock()
	client.tools = []ToolDefinition{{Name: "run"}, {Name: "walk"}}
	client.mu.Unlock()

	require.NoError(t, m.RefreshServer(context.Background(), "files"))

	status, err := m.Status("files")
	require.NoError(t, err)
	require.Equal(t, 2, status.ToolCount)
}

func TestManagerStartAll(t *testing.T) {
	cfg := testConfig("files", "search", "db")
	cfg.Servers["files"].AutoStart = true
	cfg.Servers["search"].AutoStart = true

	m, _ := newTestManager(t, cfg)

	require.NoError(t, m.StartAll(context.Background()))
	require.Equal(t, 2, m.RunningCount())

	status, err := m.Status("db")
	require.NoError(t, err)
	require.Equal(t, StateUnconfigured, status.State)
}

func TestManagerStartAllCollectsErrors(t *testing.T) {
	cfg := testConfig("files", "search")
	cfg.Servers["files"].AutoStart = true
	cfg.Servers["search"].AutoStart = true

	m, fleet := newTestManager(t, cfg)
	fleet.failServer("files", stderrors.New("binary missing"))

	err := m.StartAll(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "binary missing")

	// One bad server must not keep the rest down.
	require.Equal(t, 1, m.RunningCount())
}

func TestManagerStartAllResumesPersisted(t *testing.T) {
	cfg := testConfig("files", "search")

	statePath := filepath.Join(t.TempDir(), "state.json")
	sm := config.NewStateManagerAt(statePath)
	now := time.Now()
	sm.UpdateServer("search", true, 0, "", &now)

	bus := dispatch.NewBus(dispatch.Config{Workers: 2, Logger: testLogger()})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
	}()

	m, err := NewManager(ManagerConfig{
		Config:   cfg,
		Registry: catalog.NewRegistry(),
		Bus:      bus,
		Resolver: secrets.NewResolver(secrets.NewEnvBackend()),
		State:    sm,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	m.factory = newFakeFleet().factory

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	}()

	require.NoError(t, m.StartAll(context.Background()))

	status, err := m.Status("search")
	require.NoError(t, err)
	require.Equal(t, StateConnected, status.State)

	// Not auto-start and not previously running.
	status, err = m.Status("files")
	require.NoError(t, err)
	require.Equal(t, StateUnconfigured, status.State)
}

func TestManagerPersistsState(t *testing.T) {
	cfg := testConfig("files")

	statePath := filepath.Join(t.TempDir(), "state.json")
	sm := config.NewStateManagerAt(statePath)

	bus := dispatch.NewBus(dispatch.Config{Workers: 2, Logger: testLogger()})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bus.Shutdown(ctx)
	}()

	m, err := NewManager(ManagerConfig{
		Config:   cfg,
		Registry: catalog.NewRegistry(),
		Bus:      bus,
		Resolver: secrets.NewResolver(secrets.NewEnvBackend()),
		State:    sm,
		Logger:   testLogger(),
	})
	require.NoError(t, err)
	m.factory = newFakeFleet().factory

	require.NoError(t, m.StartServer(context.Background(), "files"))

	state := sm.GetServer("files")
	require.NotNil(t, state)
	require.True(t, state.WasRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	// Graceful shutdown marks everything stopped so nothing resumes.
	state = sm.GetServer("files")
	require.NotNil(t, state)
	require.False(t, state.WasRunning)
}

func TestManagerShutdownIdempotent(t *testing.T) {
	m, _ := newTestManager(t, testConfig("files"))

	require.NoError(t, m.StartServer(context.Background(), "files"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	require.NoError(t, m.Shutdown(ctx))

	err := m.StartServer(context.Background(), "files")
	var sd *errors.ShutdownError
	require.ErrorAs(t, err, &sd)
}

func TestManagerProberDetectsFailure(t *testing.T) {
	cfg := testConfig("files")
	cfg.Probe.Interval = 1

	m, fleet := newTestManager(t, cfg)

	require.NoError(t, m.StartServer(context.Background(), "files"))
	m.StartProber()

	fleet.mu.Lock()
	client := fleet.clients["files"]
	fleet.mu.Unlock()

	// Break the transport everywhere so probes, revive, and relaunch all
	// fail and the server lands in failed.
	client.setPingErr(stderrors.New("connection refused"))
	fleet.failServer("files", stderrors.New("connection refused"))

	require.Eventually(t, func() bool {
		status, err := m.Status("files")
		return err == nil && status.State == StateFailed
	}, 10*time.Second, 50*time.Millisecond, "prober should drive the server to failed")
}
