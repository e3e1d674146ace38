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
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ringmaster-sh/ringmaster/internal/catalog"
	"github.com/ringmaster-sh/ringmaster/internal/config"
	"github.com/ringmaster-sh/ringmaster/internal/log"
	"github.com/ringmaster-sh/ringmaster/pkg/errors"
)

// ConnState is a connection lifecycle state.
type ConnState string

const (
	// StateUnconfigured is the initial state before Start.
	StateUnconfigured ConnState = "unconfigured"
	// StateStarting indicates the transport is being launched.
	StateStarting ConnState = "starting"
	// StateInitializing indicates the MCP handshake is in flight.
	StateInitializing ConnState = "initializing"
	// StateConnected indicates the server is serving calls.
	StateConnected ConnState = "connected"
	// StateDegraded indicates health was lost; new calls are held.
	StateDegraded ConnState = "degraded"
	// StateReconnecting indicates the reconnect sequence is running.
	StateReconnecting ConnState = "reconnecting"
	// StateFailed indicates reconnection was exhausted. Only an explicit
	// restart leaves this state.
	StateFailed ConnState = "failed"
	// StateStopped is terminal.
	StateStopped ConnState = "stopped"
)

// toolClient is the slice of Client the connection drives. Tests substitute
// fakes through the factory.
type toolClient interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	ListResources(ctx context.Context) ([]ResourceDefinition, error)
	ListPrompts(ctx context.Context) ([]PromptDefinition, error)
	CallTool(ctx context.Context, req ToolCallRequest) (*ToolCallResponse, error)
	Ping(ctx context.Context) error
	Close() error
	Process() ProcessHandle
}

// clientFactory builds the transport client for a descriptor.
type clientFactory func(ctx context.Context, d ServerDescriptor) (toolClient, error)

// capabilityStore is the slice of the catalog registry the connection
// publishes into.
type capabilityStore interface {
	ReplaceServer(server string, tools []catalog.ToolDescriptor, resources []catalog.ResourceDescriptor, prompts []catalog.PromptDescriptor)
	PurgeServer(server string)
}

// Connection supervises one MCP server through its lifecycle. A Connection
// is single-use: once stopped or failed it is replaced by a fresh one on
// restart.
type Connection struct {
	desc    ServerDescriptor
	factory clientFactory
	store   capabilityStore
	emitter *Emitter
	logger  *slog.Logger
	limiter *rate.Limiter

	// mu protects the fields below; stateChanged is swapped on every
	// transition so held calls can wait for the next one.
	mu           sync.RWMutex
	state        ConnState
	client       toolClient
	startedAt    time.Time
	failureCount int
	lastFailure  time.Time
	lastError    string
	toolCount    int
	stateChanged chan struct{}

	// degradeCh carries failure reports into the run goroutine. Capacity 1:
	// a second report while one is pending adds nothing.
	degradeCh chan error

	stopCh   chan struct{}
	stopOnce sync.Once

	runCtx    context.Context
	runCancel context.CancelFunc

	wg sync.WaitGroup
}

// newConnection wires a Connection for a descriptor. The factory, store,
// and emitter are required; logger falls back to slog.Default.
func newConnection(d ServerDescriptor, factory clientFactory, store capabilityStore, emitter *Emitter, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}

	runCtx, runCancel := context.WithCancel(context.Background())

	c := &Connection{
		desc:         d,
		factory:      factory,
		store:        store,
		emitter:      emitter,
		logger:       log.WithServer(logger, d.Name),
		state:        StateUnconfigured,
		stateChanged: make(chan struct{}),
		degradeCh:    make(chan error, 1),
		stopCh:       make(chan struct{}),
		runCtx:       runCtx,
		runCancel:    runCancel,
	}

	if d.RateLimit > 0 {
		burst := d.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(d.RateLimit), burst)
	}

	return c
}

// Start launches the server, runs the handshake, publishes capabilities,
// and hands the connection to its monitor goroutine. It returns once the
// server is connected or the initial connect failed; there is no retry on
// the initial connect.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateUnconfigured {
		state := c.state
		c.mu.Unlock()
		return &errors.ConnectionError{
			Server: c.desc.Name,
			State:  string(state),
			Cause:  fmt.Errorf("connection already started"),
		}
	}
	c.setStateLocked(StateStarting)
	c.mu.Unlock()

	if c.desc.Transport == config.TransportStdio {
		c.logger.Debug("launching server process",
			"command", c.desc.Command,
			"args", strings.Join(c.desc.Args, " "),
			"env", strings.Join(log.SanitizeEnv(c.desc.Env), " "),
		)
	} else {
		c.logger.Debug("dialing server", "url", c.desc.URL)
	}

	client, err := c.connect(ctx)
	if err != nil {
		c.mu.Lock()
		c.recordFailureLocked(err)
		c.setStateLocked(StateFailed)
		c.mu.Unlock()
		c.store.PurgeServer(c.desc.Name)
		c.emitter.EmitFailed(c.desc.Name, err)
		return err
	}

	c.mu.Lock()
	c.client = client
	c.startedAt = time.Now()
	c.failureCount = 0
	c.lastError = ""
	c.setStateLocked(StateConnected)
	toolCount := c.toolCount
	c.mu.Unlock()

	c.emitter.EmitConnected(c.desc.Name, toolCount)

	c.wg.Add(1)
	go c.run()

	return nil
}

// connect performs launch, handshake, and the initial capability refresh.
// The caller owns the state transitions around it.
func (c *Connection) connect(ctx context.Context) (toolClient, error) {
	client, err := c.factory(ctx, c.desc)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.setStateLocked(StateInitializing)
	c.mu.Unlock()

	if err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}

	if err := c.refreshInto(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}

	return client, nil
}

// refreshInto lists the server's capabilities and swaps them into the
// catalog, applying the allow/deny tool patterns.
func (c *Connection) refreshInto(ctx context.Context, client toolClient) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.desc.CallTimeout)
		defer cancel()
	}

	tools, err := client.ListTools(ctx)
	if err != nil {
		return err
	}
	resources, err := client.ListResources(ctx)
	if err != nil {
		return err
	}
	prompts, err := client.ListPrompts(ctx)
	if err != nil {
		return err
	}

	catTools := make([]catalog.ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		if !catalog.Allowed(t.Name, c.desc.AllowTools, c.desc.DenyTools) {
			continue
		}
		catTools = append(catTools, catalog.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	catResources := make([]catalog.ResourceDescriptor, 0, len(resources))
	for _, r := range resources {
		catResources = append(catResources, catalog.ResourceDescriptor{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    r.MimeType,
		})
	}

	catPrompts := make([]catalog.PromptDescriptor, 0, len(prompts))
	for _, p := range prompts {
		cp := catalog.PromptDescriptor{
			Name:        p.Name,
			Description: p.Description,
		}
		for _, a := range p.Arguments {
			cp.Arguments = append(cp.Arguments, catalog.PromptArgument{
				Name:        a.Name,
				Description: a.Description,
				Required:    a.Required,
			})
		}
		catPrompts = append(catPrompts, cp)
	}

	c.store.ReplaceServer(c.desc.Name, catTools, catResources, catPrompts)

	c.mu.Lock()
	c.toolCount = len(catTools)
	c.mu.Unlock()

	return nil
}

// Refresh re-lists the server's capabilities and emits toolsChanged.
// Used by the manager for scheduled refreshes after connect.
func (c *Connection) Refresh(ctx context.Context) error {
	c.mu.RLock()
	client := c.client
	state := c.state
	c.mu.RUnlock()

	if client == nil || state != StateConnected {
		return &errors.ConnectionError{
			Server: c.desc.Name,
			State:  string(state),
			Cause:  fmt.Errorf("not connected"),
		}
	}

	if err := c.refreshInto(ctx, client); err != nil {
		return err
	}

	c.mu.RLock()
	toolCount := c.toolCount
	c.mu.RUnlock()
	c.emitter.EmitToolsChanged(c.desc.Name, toolCount)

	return nil
}

// run is the monitor goroutine. It owns the degraded/reconnecting/failed
// transitions for the life of the connection.
func (c *Connection) run() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return

		case reported := <-c.degradeCh:
			c.mu.Lock()
			if c.state != StateConnected {
				// Stale report from a call that raced a transition.
				c.mu.Unlock()
				continue
			}
			c.recordFailureLocked(reported)
			c.setStateLocked(StateDegraded)
			c.mu.Unlock()

			c.emitter.EmitDegraded(c.desc.Name, reported.Error())

			if !c.reconnect() {
				return
			}
		}
	}
}

// reconnect runs the escalation sequence: attempt 1 revives in place with a
// ping, attempt 2 tears down and relaunches, attempt 3 and later do the
// same after exponential backoff. Returns false when the connection is
// finished (failed or stopped).
func (c *Connection) reconnect() bool {
	maxAttempts := c.desc.MaxReconnectAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	c.mu.Lock()
	c.setStateLocked(StateReconnecting)
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt >= 3 {
			backoff := c.backoffFor(attempt)
			c.logger.Info("waiting before reconnect attempt",
				"attempt", attempt,
				"backoff", backoff,
			)
			select {
			case <-time.After(backoff):
			case <-c.stopCh:
				return false
			}
		}

		select {
		case <-c.stopCh:
			return false
		default:
		}

		c.logger.Info("reconnect attempt", "attempt", attempt)

		var err error
		if attempt == 1 {
			err = c.reviveInPlace()
		} else {
			err = c.relaunch()
		}

		if err == nil {
			recordReconnect(c.desc.Name, true)
			c.mu.Lock()
			c.failureCount = 0
			c.lastError = ""
			c.setStateLocked(StateConnected)
			c.mu.Unlock()
			c.emitter.EmitReconnected(c.desc.Name, attempt)
			return true
		}

		if stderrors.Is(err, context.Canceled) {
			return false
		}

		recordReconnect(c.desc.Name, false)
		lastErr = err
		c.mu.Lock()
		c.recordFailureLocked(err)
		c.mu.Unlock()
		c.logger.Warn("reconnect attempt failed",
			"attempt", attempt,
			"error", err,
		)
	}

	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return false
	}
	c.setStateLocked(StateFailed)
	c.mu.Unlock()

	c.store.PurgeServer(c.desc.Name)
	c.emitter.EmitFailed(c.desc.Name, lastErr)

	return false
}

// backoffFor computes the delay before a late reconnect attempt. The first
// backed-off attempt (3) waits the base; each further attempt doubles it up
// to the cap.
func (c *Connection) backoffFor(attempt int) time.Duration {
	backoff := c.desc.ReconnectBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for i := 3; i < attempt; i++ {
		backoff *= 2
	}
	if cap := c.desc.ReconnectBackoffCap; cap > 0 && backoff > cap {
		backoff = cap
	}
	return backoff
}

// reviveInPlace checks whether the existing transport recovered without a
// relaunch (attempt 1: spurious degradation, transient hiccup).
func (c *Connection) reviveInPlace() error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client == nil {
		return fmt.Errorf("no client to revive")
	}

	ctx, cancel := context.WithTimeout(c.runCtx, c.desc.HandshakeTimeout)
	defer cancel()
	return client.Ping(ctx)
}

// relaunch tears the old transport down and builds a fresh one, including
// handshake and capability refresh.
func (c *Connection) relaunch() error {
	c.mu.Lock()
	old := c.client
	c.client = nil
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
		if proc := old.Process(); proc != nil {
			_ = proc.Kill()
		}
	}

	client, err := c.factory(c.runCtx, c.desc)
	if err != nil {
		return err
	}
	if err := client.Initialize(c.runCtx); err != nil {
		_ = client.Close()
		return err
	}
	if err := c.refreshInto(c.runCtx, client); err != nil {
		_ = client.Close()
		return err
	}

	c.mu.Lock()
	c.client = client
	c.startedAt = time.Now()
	c.mu.Unlock()

	return nil
}

// ReportFailure tells the monitor the transport misbehaved. Non-blocking;
// duplicate reports while one is pending are dropped.
func (c *Connection) ReportFailure(err error) {
	select {
	case c.degradeCh <- err:
	default:
	}
}

// Probe pings the server and reports a failure to the monitor on error.
func (c *Connection) Probe(ctx context.Context) error {
	c.mu.RLock()
	client := c.client
	state := c.state
	c.mu.RUnlock()

	if state != StateConnected || client == nil {
		return nil
	}

	err := client.Ping(ctx)
	recordProbe(c.desc.Name, err == nil)
	if err != nil {
		c.ReportFailure(err)
		return err
	}
	return nil
}

// CallTool invokes a tool on this server. Connected passes straight
// through; Degraded and Reconnecting hold the call until the connection
// recovers or the call timeout runs out; Failed and Stopped reject
// immediately. Admission is rate-limited when the descriptor configures
// a limit.
func (c *Connection) CallTool(ctx context.Context, req ToolCallRequest) (*ToolCallResponse, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.desc.CallTimeout)
		defer cancel()
	}

	if err := c.waitReady(ctx); err != nil {
		return nil, err
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if stderrors.Is(err, context.DeadlineExceeded) {
				return nil, &errors.TimeoutError{
					Operation: "tool call",
					Duration:  c.desc.CallTimeout,
					Cause:     err,
				}
			}
			return nil, err
		}
	}

	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return nil, &errors.ConnectionError{
			Server: c.desc.Name,
			State:  string(c.State()),
			Cause:  fmt.Errorf("no active client"),
		}
	}

	rec := log.ToolCallRecord{
		Server:  c.desc.Name,
		Tool:    req.Name,
		ArgKeys: log.ArgumentKeys(req.Arguments),
	}
	log.LogToolCall(c.logger, rec)

	started := time.Now()
	resp, err := client.CallTool(ctx, req)
	elapsed := time.Since(started)

	ok := err == nil && (resp == nil || !resp.IsError)
	recordCall(c.desc.Name, ok, elapsed)
	log.LogToolResult(c.logger, rec, ok, elapsed, callErrMsg(resp, err))

	if err != nil {
		var connErr *errors.ConnectionError
		if stderrors.As(err, &connErr) {
			c.ReportFailure(err)
		}
		return nil, err
	}

	return resp, nil
}

// callErrMsg extracts the loggable failure: the transport error when
// there is one, otherwise the error text of an isError response.
func callErrMsg(resp *ToolCallResponse, err error) string {
	if err != nil {
		return err.Error()
	}
	if resp != nil && resp.IsError {
		return resp.Text()
	}
	return ""
}

// waitReady blocks until the connection is serving calls or definitively
// cannot. Held calls wake on every state transition and re-check.
func (c *Connection) waitReady(ctx context.Context) error {
	held := false
	defer func() {
		if held {
			recordHeld(c.desc.Name, -1)
		}
	}()

	for {
		c.mu.RLock()
		state := c.state
		changed := c.stateChanged
		lastError := c.lastError
		c.mu.RUnlock()

		switch state {
		case StateConnected:
			return nil
		case StateFailed, StateStopped, StateUnconfigured:
			cause := fmt.Errorf("connection is %s", state)
			if lastError != "" {
				cause = fmt.Errorf("connection is %s: %s", state, lastError)
			}
			return &errors.ConnectionError{
				Server: c.desc.Name,
				State:  string(state),
				Cause:  cause,
			}
		}

		if !held {
			held = true
			recordHeld(c.desc.Name, 1)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &errors.TimeoutError{
					Operation: "tool call",
					Duration:  c.desc.CallTimeout,
					Cause:     ctx.Err(),
				}
			}
			return ctx.Err()
		}
	}
}

// Stop tears the connection down from any state. Terminal and idempotent.
func (c *Connection) Stop() error {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateStopped)
	client := c.client
	c.client = nil
	c.mu.Unlock()

	c.runCancel()
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	if client != nil {
		if err := client.Close(); err != nil {
			c.logger.Warn("error closing client", "error", err)
		}
		if proc := client.Process(); proc != nil {
			_ = proc.Kill()
		}
	}

	c.store.PurgeServer(c.desc.Name)
	c.emitter.EmitStopped(c.desc.Name)

	return nil
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Descriptor returns the descriptor this connection was built from.
func (c *Connection) Descriptor() ServerDescriptor {
	return c.desc
}

// ConnStatus is a point-in-time snapshot of a connection.
type ConnStatus struct {
	Name         string
	State        ConnState
	Uptime       time.Duration
	StartedAt    *time.Time
	FailureCount int
	LastFailure  *time.Time
	LastError    string
	ToolCount    int
}

// Status snapshots the connection for display.
func (c *Connection) Status() ConnStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	status := ConnStatus{
		Name:         c.desc.Name,
		State:        c.state,
		FailureCount: c.failureCount,
		LastError:    c.lastError,
		ToolCount:    c.toolCount,
	}
	if !c.startedAt.IsZero() {
		started := c.startedAt
		status.StartedAt = &started
		if c.state == StateConnected {
			status.Uptime = time.Since(started)
		}
	}
	if !c.lastFailure.IsZero() {
		failure := c.lastFailure
		status.LastFailure = &failure
	}
	return status
}

// setStateLocked transitions the state machine. Caller holds mu. Stopped
// is terminal; transitions out of it are ignored.
func (c *Connection) setStateLocked(next ConnState) {
	if c.state == next {
		return
	}
	if c.state == StateStopped {
		return
	}

	prev := c.state
	c.state = next
	close(c.stateChanged)
	c.stateChanged = make(chan struct{})

	recordTransition(c.desc.Name, string(prev), string(next))
	c.logger.Info("connection state changed",
		"from", string(prev),
		log.KeyState, string(next),
	)
}

// recordFailureLocked stamps the failure bookkeeping. Caller holds mu.
func (c *Connection) recordFailureLocked(err error) {
	c.failureCount++
	c.lastFailure = time.Now()
	if err != nil {
		c.lastError = err.Error()
	}
}
