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
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ringmaster-sh/ringmaster/internal/catalog"
	"github.com/ringmaster-sh/ringmaster/internal/config"
	"github.com/ringmaster-sh/ringmaster/pkg/errors"
)

// fakeClient is a scriptable toolClient.
type fakeClient struct {
	mu sync.Mutex

	initializeErr error
	pingErr       error
	callErr       error
	callResp      *ToolCallResponse
	tools         []ToolDefinition
	resources     []ResourceDefinition
	prompts       []PromptDefinition

	closed bool
	calls  int
	pings  int
}

func (f *fakeClient) Initialize(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initializeErr
}

func (f *fakeClient) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools, nil
}

func (f *fakeClient) ListResources(ctx context.Context) ([]ResourceDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resources, nil
}

func (f *fakeClient) ListPrompts(ctx context.Context) ([]PromptDefinition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts, nil
}

func (f *fakeClient) CallTool(ctx context.Context, req ToolCallRequest) (*ToolCallResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.callResp != nil {
		return f.callResp, nil
	}
	return &ToolCallResponse{Content: []ContentItem{{Type: "text", Text: "ok"}}}, nil
}

func (f *fakeClient) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeClient) Process() ProcessHandle { return nil }

func (f *fakeClient) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeClient) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeStore records catalog updates.
type fakeStore struct {
	mu       sync.Mutex
	replaced map[string][]catalog.ToolDescriptor
	purged   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{replaced: make(map[string][]catalog.ToolDescriptor)}
}

func (s *fakeStore) ReplaceServer(server string, tools []catalog.ToolDescriptor, resources []catalog.ResourceDescriptor, prompts []catalog.PromptDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced[server] = tools
}

func (s *fakeStore) PurgeServer(server string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged = append(s.purged, server)
	delete(s.replaced, server)
}

func (s *fakeStore) toolsFor(server string) []catalog.ToolDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced[server]
}

func (s *fakeStore) purgeCount(server string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, name := range s.purged {
		if name == server {
			count++
		}
	}
	return count
}

// eventRecorder captures emitted events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) typesSeen() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		types = append(types, ev.Type)
	}
	return types
}

func (r *eventRecorder) has(t EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testDescriptor(name string) ServerDescriptor {
	return ServerDescriptor{
		Name:                 name,
		Transport:            config.TransportStdio,
		Command:              "echo",
		HandshakeTimeout:     2 * time.Second,
		CallTimeout:          2 * time.Second,
		MaxReconnectAttempts: 2,
		ReconnectBackoff:     10 * time.Millisecond,
		ReconnectBackoffCap:  50 * time.Millisecond,
	}
}

func staticFactory(c toolClient) clientFactory {
	return func(ctx context.Context, d ServerDescriptor) (toolClient, error) {
		return c, nil
	}
}

func newTestConn(t *testing.T, d ServerDescriptor, factory clientFactory) (*Connection, *fakeStore, *eventRecorder) {
	t.Helper()

	store := newFakeStore()
	recorder := &eventRecorder{}
	emitter := NewEmitter(testLogger())
	emitter.On(recorder.record)

	conn := newConnection(d, factory, store, emitter, testLogger())
	return conn, store, recorder
}

func TestConnectionStartConnects(t *testing.T) {
	client := &fakeClient{
		tools: []ToolDefinition{
			{Name: "read_file", Description: "Read a file"},
			{Name: "write_file", Description: "Write a file"},
		},
	}
	conn, store, recorder := newTestConn(t, testDescriptor("files"), staticFactory(client))
	defer conn.Stop()

	require.NoError(t, conn.Start(context.Background()))
	require.Equal(t, StateConnected, conn.State())

	tools := store.toolsFor("files")
	require.Len(t, tools, 2)

	status := conn.Status()
	require.Equal(t, 2, status.ToolCount)
	require.NotNil(t, status.StartedAt)
	require.True(t, recorder.has(EventConnected))
}

func TestConnectionStartHandshakeFailure(t *testing.T) {
	client := &fakeClient{initializeErr: stderrors.New("handshake rejected")}
	conn, store, recorder := newTestConn(t, testDescriptor("flaky"), staticFactory(client))

	err := conn.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, StateFailed, conn.State())
	require.True(t, client.wasClosed())
	require.Equal(t, 1, store.purgeCount("flaky"))
	require.True(t, recorder.has(EventFailed))
}

func TestConnectionStartFactoryFailure(t *testing.T) {
	factory := func(ctx context.Context, d ServerDescriptor) (toolClient, error) {
		return nil, stderrors.New("spawn failed")
	}
	conn, _, _ := newTestConn(t, testDescriptor("broken"), factory)

	err := conn.Start(context.Background())
	require.Error(t, err)
	require.Equal(t, StateFailed, conn.State())

	status := conn.Status()
	require.Equal(t, 1, status.FailureCount)
	require.Contains(t, status.LastError, "spawn failed")
}

func TestConnectionStartTwice(t *testing.T) {
	client := &fakeClient{}
	conn, _, _ := newTestConn(t, testDescriptor("single"), staticFactory(client))
	defer conn.Stop()

	require.NoError(t, conn.Start(context.Background()))

	err := conn.Start(context.Background())
	require.Error(t, err)

	var connErr *errors.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, "single", connErr.Server)
}

func TestConnectionToolFilter(t *testing.T) {
	client := &fakeClient{
		tools: []ToolDefinition{
			{Name: "read_file"},
			{Name: "write_file"},
			{Name: "delete_file"},
		},
	}
	desc := testDescriptor("files")
	desc.AllowTools = []string{"*_file"}
	desc.DenyTools = []string{"delete_*"}

	conn, store, _ := newTestConn(t, desc, staticFactory(client))
	defer conn.Stop()

	require.NoError(t, conn.Start(context.Background()))

	tools := store.toolsFor("files")
	require.Len(t, tools, 2)
	names := []string{tools[0].Name, tools[1].Name}
	require.Contains(t, names, "read_file")
	require.Contains(t, names, "write_file")
	require.Equal(t, 2, conn.Status().ToolCount)
}

func TestConnectionCallTool(t *testing.T) {
	client := &fakeClient{
		callResp: &ToolCallResponse{Content: []ContentItem{{Type: "text", Text: "result"}}},
	}
	conn, _, _ := newTestConn(t, testDescriptor("worker"), staticFactory(client))
	defer conn.Stop()

	require.NoError(t, conn.Start(context.Background()))

	resp, err := conn.CallTool(context.Background(), ToolCallRequest{Name: "run"})
	require.NoError(t, err)
	require.Equal(t, "result", resp.Text())
	require.Equal(t, 1, client.callCount())
}

func TestConnectionCallWhileUnconfigured(t *testing.T) {
	conn, _, _ := newTestConn(t, testDescriptor("cold"), staticFactory(&fakeClient{}))

	_, err := conn.CallTool(context.Background(), ToolCallRequest{Name: "run"})
	require.Error(t, err)

	var connErr *errors.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, string(StateUnconfigured), connErr.State)
}

func TestConnectionHoldsCallsDuringReconnect(t *testing.T) {
	unhealthy := &fakeClient{tools: []ToolDefinition{{Name: "run"}}}
	healthy := &fakeClient{
		tools:    []ToolDefinition{{Name: "run"}},
		callResp: &ToolCallResponse{Content: []ContentItem{{Type: "text", Text: "recovered"}}},
	}

	release := make(chan struct{})
	var built atomic.Int32
	factory := func(ctx context.Context, d ServerDescriptor) (toolClient, error) {
		if built.Add(1) == 1 {
			return unhealthy, nil
		}
		select {
		case <-release:
			return healthy, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	conn, _, recorder := newTestConn(t, testDescriptor("wobbly"), factory)
	defer conn.Stop()

	require.NoError(t, conn.Start(context.Background()))

	// Break the transport so the revive ping fails and the relaunch blocks.
	unhealthy.setPingErr(stderrors.New("broken pipe"))
	conn.ReportFailure(stderrors.New("broken pipe"))

	require.Eventually(t, func() bool {
		s := conn.State()
		return s == StateDegraded || s == StateReconnecting
	}, 2*time.Second, 5*time.Millisecond, "connection should leave connected")

	type callResult struct {
		resp *ToolCallResponse
		err  error
	}
	resultCh := make(chan callResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := conn.CallTool(ctx, ToolCallRequest{Name: "run"})
		resultCh <- callResult{resp, err}
	}()

	// The call must hold, not fail, while the reconnect is in flight.
	select {
	case res := <-resultCh:
		t.Fatalf("call completed during reconnect: resp=%v err=%v", res.resp, res.err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		require.Equal(t, "recovered", res.resp.Text())
	case <-time.After(5 * time.Second):
		t.Fatal("held call never completed after reconnect")
	}

	require.Equal(t, StateConnected, conn.State())
	require.True(t, recorder.has(EventReconnected))
	require.Equal(t, 0, unhealthy.callCount())
	require.Equal(t, 1, healthy.callCount())
}

func TestConnectionReconnectExhaustionFails(t *testing.T) {
	client := &fakeClient{tools: []ToolDefinition{{Name: "run"}}}

	var built atomic.Int32
	factory := func(ctx context.Context, d ServerDescriptor) (toolClient, error) {
		if built.Add(1) == 1 {
			return client, nil
		}
		return nil, stderrors.New("spawn failed")
	}

	conn, store, recorder := newTestConn(t, testDescriptor("doomed"), factory)
	defer conn.Stop()

	require.NoError(t, conn.Start(context.Background()))
	require.NotNil(t, store.toolsFor("doomed"))

	client.setPingErr(stderrors.New("connection reset"))
	conn.ReportFailure(stderrors.New("connection reset"))

	require.Eventually(t, func() bool {
		return conn.State() == StateFailed
	}, 5*time.Second, 5*time.Millisecond, "connection should fail after exhausting reconnects")

	// Failed servers must not advertise capabilities.
	require.Nil(t, store.toolsFor("doomed"))
	require.True(t, recorder.has(EventDegraded))
	require.True(t, recorder.has(EventFailed))

	status := conn.Status()
	require.NotZero(t, status.FailureCount)
	require.NotEmpty(t, status.LastError)

	_, err := conn.CallTool(context.Background(), ToolCallRequest{Name: "run"})
	var connErr *errors.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, string(StateFailed), connErr.State)
}

func TestConnectionHeldCallFailsOnExhaustion(t *testing.T) {
	client := &fakeClient{tools: []ToolDefinition{{Name: "run"}}}

	var built atomic.Int32
	factory := func(ctx context.Context, d ServerDescriptor) (toolClient, error) {
		if built.Add(1) == 1 {
			return client, nil
		}
		return nil, stderrors.New("spawn failed")
	}

	conn, _, _ := newTestConn(t, testDescriptor("doomed"), factory)
	defer conn.Stop()

	require.NoError(t, conn.Start(context.Background()))

	client.setPingErr(stderrors.New("connection reset"))
	conn.ReportFailure(stderrors.New("connection reset"))

	require.Eventually(t, func() bool {
		return conn.State() != StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := conn.CallTool(ctx, ToolCallRequest{Name: "run"})

	var connErr *errors.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, string(StateFailed), connErr.State)
}

func TestConnectionHeldCallTimesOut(t *testing.T) {
	client := &fakeClient{tools: []ToolDefinition{{Name: "run"}}}

	block := make(chan struct{})
	var built atomic.Int32
	factory := func(ctx context.Context, d ServerDescriptor) (toolClient, error) {
		if built.Add(1) == 1 {
			return client, nil
		}
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, stderrors.New("spawn failed")
	}
	defer close(block)

	desc := testDescriptor("stuck")
	desc.CallTimeout = 100 * time.Millisecond

	conn, _, _ := newTestConn(t, desc, factory)
	defer conn.Stop()

	require.NoError(t, conn.Start(context.Background()))

	client.setPingErr(stderrors.New("connection reset"))
	conn.ReportFailure(stderrors.New("connection reset"))

	require.Eventually(t, func() bool {
		return conn.State() != StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	_, err := conn.CallTool(context.Background(), ToolCallRequest{Name: "run"})

	var timeoutErr *errors.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, "tool call", timeoutErr.Operation)
}

func TestConnectionReviveInPlace(t *testing.T) {
	client := &fakeClient{tools: []ToolDefinition{{Name: "run"}}}
	var built atomic.Int32
	factory := func(ctx context.Context, d ServerDescriptor) (toolClient, error) {
		built.Add(1)
		return client, nil
	}

	conn, _, recorder := newTestConn(t, testDescriptor("hiccup"), factory)
	defer conn.Stop()

	require.NoError(t, conn.Start(context.Background()))

	// Ping still succeeds: the degradation was transient, so attempt 1
	// revives the existing transport without a relaunch.
	conn.ReportFailure(stderrors.New("read timeout"))

	require.Eventually(t, func() bool {
		return recorder.has(EventReconnected) && conn.State() == StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, int32(1), built.Load())
	require.False(t, client.wasClosed())
}

func TestConnectionStop(t *testing.T) {
	client := &fakeClient{tools: []ToolDefinition{{Name: "run"}}}
	conn, store, recorder := newTestConn(t, testDescriptor("done"), staticFactory(client))

	require.NoError(t, conn.Start(context.Background()))
	require.NoError(t, conn.Stop())

	require.Equal(t, StateStopped, conn.State())
	require.True(t, client.wasClosed())
	require.Equal(t, 1, store.purgeCount("done"))
	require.True(t, recorder.has(EventStopped))

	// Idempotent.
	require.NoError(t, conn.Stop())
	require.Equal(t, 1, store.purgeCount("done"))

	_, err := conn.CallTool(context.Background(), ToolCallRequest{Name: "run"})
	var connErr *errors.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, string(StateStopped), connErr.State)
}

func TestConnectionStopDuringReconnect(t *testing.T) {
	client := &fakeClient{tools: []ToolDefinition{{Name: "run"}}}

	var built atomic.Int32
	factory := func(ctx context.Context, d ServerDescriptor) (toolClient, error) {
		if built.Add(1) == 1 {
			return client, nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	conn, _, _ := newTestConn(t, testDescriptor("leaving"), factory)

	require.NoError(t, conn.Start(context.Background()))

	client.setPingErr(stderrors.New("broken pipe"))
	conn.ReportFailure(stderrors.New("broken pipe"))

	require.Eventually(t, func() bool {
		return conn.State() != StateConnected
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Stop())
	require.Equal(t, StateStopped, conn.State())
}

func TestConnectionProbeReportsFailure(t *testing.T) {
	client := &fakeClient{tools: []ToolDefinition{{Name: "run"}}}
	var built atomic.Int32
	factory := func(ctx context.Context, d ServerDescriptor) (toolClient, error) {
		built.Add(1)
		return client, nil
	}

	conn, _, recorder := newTestConn(t, testDescriptor("probed"), factory)
	defer conn.Stop()

	require.NoError(t, conn.Start(context.Background()))

	require.NoError(t, conn.Probe(context.Background()))
	require.False(t, recorder.has(EventDegraded))

	client.setPingErr(stderrors.New("connection refused"))
	require.Error(t, conn.Probe(context.Background()))

	require.Eventually(t, func() bool {
		return recorder.has(EventDegraded)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConnectionRefresh(t *testing.T) {
	client := &fakeClient{tools: []ToolDefinition{{Name: "one"}}}
	conn, store, recorder := newTestConn(t, testDescriptor("growing"), staticFactory(client))
	defer conn.Stop()

	require.NoError(t, conn.Start(context.Background()))
	require.Len(t, store.toolsFor("growing"), 1)

	client.mu.Lock()
	client.tools = []ToolDefinition{{Name: "one"}, {Name: "two"}}
	client.mu.Unlock()

	require.NoError(t, conn.Refresh(context.Background()))
	require.Len(t, store.toolsFor("growing"), 2)
	require.Equal(t, 2, conn.Status().ToolCount)
	require.True(t, recorder.has(EventToolsChanged))
}

func TestConnectionRefreshNotConnected(t *testing.T) {
	conn, _, _ := newTestConn(t, testDescriptor("cold"), staticFactory(&fakeClient{}))

	err := conn.Refresh(context.Background())
	var connErr *errors.ConnectionError
	require.ErrorAs(t, err, &connErr)
}

func TestConnectionRateLimit(t *testing.T) {
	client := &fakeClient{tools: []ToolDefinition{{Name: "run"}}}

	desc := testDescriptor("throttled")
	desc.RateLimit = 1
	desc.RateBurst = 1
	desc.CallTimeout = 100 * time.Millisecond

	conn, _, _ := newTestConn(t, desc, staticFactory(client))
	defer conn.Stop()

	require.NoError(t, conn.Start(context.Background()))

	// First call consumes the burst token; the second cannot acquire one
	// before its deadline.
	_, err := conn.CallTool(context.Background(), ToolCallRequest{Name: "run"})
	require.NoError(t, err)

	_, err = conn.CallTool(context.Background(), ToolCallRequest{Name: "run"})
	require.Error(t, err)
	require.Equal(t, 1, client.callCount())
}

func TestConnectionBackoffSchedule(t *testing.T) {
	desc := testDescriptor("timed")
	desc.ReconnectBackoff = time.Second
	desc.ReconnectBackoffCap = 5 * time.Second
	conn := &Connection{desc: desc}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 3, want: time.Second},
		{attempt: 4, want: 2 * time.Second},
		{attempt: 5, want: 4 * time.Second},
		{attempt: 6, want: 5 * time.Second},
		{attempt: 7, want: 5 * time.Second},
	}

	for _, tt := range tests {
		if got := conn.backoffFor(tt.attempt); got != tt.want {
			t.Errorf("backoffFor(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestConnectionStatusUnstarted(t *testing.T) {
	conn, _, _ := newTestConn(t, testDescriptor("idle"), staticFactory(&fakeClient{}))

	status := conn.Status()
	require.Equal(t, "idle", status.Name)
	require.Equal(t, StateUnconfigured, status.State)
	require.Nil(t, status.StartedAt)
	require.Zero(t, status.Uptime)
}
