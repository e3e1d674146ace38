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

// Package orchestrator executes multi-call tool tasks. A task names a set
// of tool calls with dependency edges between them; independent calls run
// concurrently on the dispatch bus while dependent calls wait for their
// prerequisites, optionally binding arguments to fields of prerequisite
// outputs through jq queries.
package orchestrator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ringmaster-sh/ringmaster/internal/catalog"
	"github.com/ringmaster-sh/ringmaster/internal/dispatch"
	"github.com/ringmaster-sh/ringmaster/internal/jq"
	"github.com/ringmaster-sh/ringmaster/internal/log"
	"github.com/ringmaster-sh/ringmaster/internal/mcp"
	"github.com/ringmaster-sh/ringmaster/pkg/errors"
)

// DefaultCallTimeout bounds a single tool call when the call does not set
// its own timeout.
const DefaultCallTimeout = 30 * time.Second

// ToolResolver maps a bare or server-qualified tool name to its catalog
// descriptor. *catalog.Registry satisfies it.
type ToolResolver interface {
	ResolveTool(name string) (catalog.ToolDescriptor, error)
}

// ToolCaller executes a single resolved tool call. *mcp.Manager satisfies
// it.
type ToolCaller interface {
	CallTool(ctx context.Context, server, tool string, args map[string]interface{}) (*mcp.ToolCallResponse, error)
}

// Config assembles an Orchestrator.
type Config struct {
	// Resolver maps tool names to catalog descriptors. Required.
	Resolver ToolResolver

	// Caller executes resolved calls. Required.
	Caller ToolCaller

	// Bus schedules call execution. Required.
	Bus *dispatch.Bus

	// Emitter receives task lifecycle events. A default emitter is built
	// when nil.
	Emitter *Emitter

	// Queries evaluates jq bindings. A default executor is built when nil.
	Queries *jq.Executor

	// CallTimeout bounds calls that do not set their own. Zero means
	// DefaultCallTimeout.
	CallTimeout time.Duration

	// Logger receives task execution logs.
	Logger *slog.Logger
}

// Orchestrator runs tasks against the connected servers.
type Orchestrator struct {
	resolver    ToolResolver
	caller      ToolCaller
	bus         *dispatch.Bus
	emitter     *Emitter
	queries     *jq.Executor
	callTimeout time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer
}

// New builds an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Resolver == nil {
		return nil, &errors.ValidationError{Field: "resolver", Message: "tool resolver is required"}
	}
	if cfg.Caller == nil {
		return nil, &errors.ValidationError{Field: "caller", Message: "tool caller is required"}
	}
	if cfg.Bus == nil {
		return nil, &errors.ValidationError{Field: "bus", Message: "dispatch bus is required"}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = NewEmitter(logger)
	}
	queries := cfg.Queries
	if queries == nil {
		queries = jq.NewExecutor(0, 0)
	}
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}

	return &Orchestrator{
		resolver:    cfg.Resolver,
		caller:      cfg.Caller,
		bus:         cfg.Bus,
		emitter:     emitter,
		queries:     queries,
		callTimeout: callTimeout,
		logger:      log.WithComponent(logger, "orchestrator"),
		tracer:      otel.Tracer("ringmaster.orchestrator"),
	}, nil
}

// Execute runs a task to completion and returns the aggregate result.
// Malformed tasks are rejected before any call dispatches; once dispatch
// begins every call appears in the result exactly once. Cancelling the
// context stops dispatching, marks pending calls cancelled, and waits for
// in-flight calls so their results are retained.
func (o *Orchestrator) Execute(ctx context.Context, task Task) (*TaskResult, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	for i, call := range task.Calls {
		for j, b := range call.Bind {
			if b.Query == "" {
				continue
			}
			if err := o.queries.Validate(b.Query); err != nil {
				return nil, &errors.ValidationError{
					Field:   fmt.Sprintf("calls[%d].bind[%d].query", i, j),
					Message: fmt.Sprintf("call %q: %v", call.ID, err),
				}
			}
		}
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	ctx, span := o.tracer.Start(ctx, "task: "+task.ID,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.Int("task.calls", len(task.Calls)),
		),
	)
	defer span.End()

	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	result := o.newRun(task).execute(ctx)

	span.SetAttributes(attribute.String("task.status", string(result.Status)))
	if result.Status == TaskSuccess {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(result.Status))
	}

	recordTask(result.Status)
	o.emitter.EmitTaskCompleted(result)
	o.logger.Info("task finished",
		log.String(log.KeyTask, result.TaskID),
		log.String("status", string(result.Status)),
		log.Int("calls", len(result.Results)),
		log.Int("succeeded", result.Succeeded()),
		log.Duration("duration", result.Finished.Sub(result.Started).Milliseconds()),
	)
	return result, nil
}

// callState tracks one call through a run.
type callState struct {
	call       Call
	desc       catalog.ToolDescriptor
	resolveErr error
	waiting    map[string]struct{}
	dependents []string
	dispatched bool
	result     *CallResult
}

// run is the single-goroutine scheduler for one task. All state lives on
// the Execute goroutine; bus workers report back over the completions
// channel, so no mutation is ever concurrent.
type run struct {
	o           *Orchestrator
	task        Task
	states      map[string]*callState
	outputs     map[string]interface{}
	completions chan CallResult
	finished    int
}

func (o *Orchestrator) newRun(task Task) *run {
	return &run{
		o:           o,
		task:        task,
		states:      make(map[string]*callState, len(task.Calls)),
		outputs:     make(map[string]interface{}, len(task.Calls)),
		completions: make(chan CallResult, len(task.Calls)),
	}
}

func (r *run) execute(ctx context.Context) *TaskResult {
	started := time.Now()

	// Resolve every tool before dispatching anything. A miss fails that
	// one call and cascades to its dependents; it does not reject the
	// task.
	for _, call := range r.task.Calls {
		st := &callState{
			call:    call,
			waiting: make(map[string]struct{}, len(call.After)),
		}
		for _, dep := range call.After {
			st.waiting[dep] = struct{}{}
		}
		desc, err := r.o.resolver.ResolveTool(call.Tool)
		if err != nil {
			st.resolveErr = err
		} else {
			st.desc = desc
		}
		r.states[call.ID] = st
	}
	for _, call := range r.task.Calls {
		for _, dep := range call.After {
			r.states[dep].dependents = append(r.states[dep].dependents, call.ID)
		}
	}

	for _, call := range r.task.Calls {
		if st := r.states[call.ID]; st.resolveErr != nil {
			r.finish(CallResult{CallID: call.ID, Status: CallFailed, Err: st.resolveErr})
		}
	}

	r.launchReady(ctx)

	done := ctx.Done()
	for r.finished < len(r.task.Calls) {
		select {
		case res := <-r.completions:
			r.finish(res)
			if res.Status == CallSucceeded {
				r.release(ctx, res.CallID)
			}
		case <-done:
			r.abort(ctx.Err())
			// Only in-flight calls remain; drain their completions.
			done = nil
		}
	}

	result := &TaskResult{
		TaskID:   r.task.ID,
		Results:  make([]CallResult, 0, len(r.task.Calls)),
		Started:  started,
		Finished: time.Now(),
	}
	succeeded, cancelled := 0, false
	for _, call := range r.task.Calls {
		res := *r.states[call.ID].result
		result.Results = append(result.Results, res)
		switch res.Status {
		case CallSucceeded:
			succeeded++
		case CallCancelled:
			cancelled = true
		}
	}
	switch {
	case cancelled:
		result.Status = TaskCancelled
	case succeeded == len(result.Results):
		result.Status = TaskSuccess
	case succeeded > 0:
		result.Status = TaskPartial
	default:
		result.Status = TaskFailed
	}
	return result
}

// finish records a call's terminal result. Successes publish their output
// for dependent bindings; failures cascade a skip through the dependency
// graph.
func (r *run) finish(res CallResult) {
	st := r.states[res.CallID]
	if st.result != nil {
		return
	}
	st.result = &res
	r.finished++
	recordCall(res.Status, res.Duration)
	r.o.emitter.EmitCallCompleted(r.task.ID, res)

	switch res.Status {
	case CallSucceeded:
		r.outputs[res.CallID] = res.Output
	case CallFailed, CallTimedOut, CallSkipped:
		r.skipDependents(st)
	}
}

// skipDependents marks every unfinished dependent skipped, naming its
// immediate prerequisite. Recursing through finish carries the cascade to
// transitive dependents.
func (r *run) skipDependents(st *callState) {
	for _, id := range st.dependents {
		dep := r.states[id]
		if dep.result != nil || dep.dispatched {
			continue
		}
		r.finish(CallResult{
			CallID: id,
			Status: CallSkipped,
			Err:    dependencyError(st),
		})
	}
}

func dependencyError(prereq *callState) error {
	if prereq.result.Err != nil {
		return fmt.Errorf("prerequisite call %q did not succeed: %w", prereq.call.ID, prereq.result.Err)
	}
	return fmt.Errorf("prerequisite call %q did not succeed (status %s)", prereq.call.ID, prereq.result.Status)
}

// launchReady submits every unfinished call with no outstanding
// prerequisites.
func (r *run) launchReady(ctx context.Context) {
	for _, call := range r.task.Calls {
		st := r.states[call.ID]
		if st.result == nil && !st.dispatched && len(st.waiting) == 0 {
			r.launch(ctx, st)
		}
	}
}

// release clears a succeeded prerequisite from its dependents and launches
// any call that became ready.
func (r *run) release(ctx context.Context, id string) {
	for _, depID := range r.states[id].dependents {
		dep := r.states[depID]
		delete(dep.waiting, id)
		if dep.result == nil && !dep.dispatched && len(dep.waiting) == 0 {
			r.launch(ctx, dep)
		}
	}
}

// launch binds the call's arguments and submits it to the bus. Binding
// and submission failures finish the call immediately, before it ever
// runs.
func (r *run) launch(ctx context.Context, st *callState) {
	args, err := r.bindArguments(ctx, st.call)
	if err != nil {
		r.finish(CallResult{CallID: st.call.ID, Status: CallFailed, Err: err})
		return
	}

	call := st.call
	desc := st.desc
	handle, err := r.o.bus.Submit(ctx, dispatch.Job{
		Name: "call:" + call.ID,
		Band: dispatch.BandHigh,
		Labels: map[string]string{
			"task": r.task.ID,
			"tool": desc.Qualified(),
		},
		Run: func(jobCtx context.Context) (any, error) {
			return r.runCall(jobCtx, ctx, call, desc, args), nil
		},
	})
	if err != nil {
		r.finish(CallResult{CallID: call.ID, Status: CallFailed, Err: err})
		return
	}

	st.dispatched = true
	go func() {
		<-handle.Done()
		res, ok := handle.Value().(CallResult)
		if !ok {
			res = queuedFailure(call.ID, handle.Err())
		}
		r.completions <- res
	}()
}

// queuedFailure classifies a job the bus completed without running it:
// cancelled while still queued, or rejected at shutdown.
func queuedFailure(callID string, err error) CallResult {
	if err == nil {
		err = stderrors.New("job completed without a result")
	}
	status := CallFailed
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		status = CallCancelled
	}
	return CallResult{CallID: callID, Status: status, Err: err}
}

// bindArguments builds the argument map for a call at launch time,
// overlaying jq bindings on the static arguments. Prerequisite outputs are
// complete by the time a call launches.
func (r *run) bindArguments(ctx context.Context, call Call) (map[string]interface{}, error) {
	args := make(map[string]interface{}, len(call.Arguments)+len(call.Bind))
	for k, v := range call.Arguments {
		args[k] = v
	}
	for _, b := range call.Bind {
		out, ok := r.outputs[b.From]
		if !ok {
			return nil, fmt.Errorf("binding %q: no output recorded for call %q", b.Arg, b.From)
		}
		value, err := r.o.queries.Execute(ctx, b.Query, out)
		if err != nil {
			return nil, fmt.Errorf("binding %q from call %q: %w", b.Arg, b.From, err)
		}
		args[b.Arg] = value
	}
	return args, nil
}

// runCall executes one resolved call on a bus worker. taskCtx
// distinguishes task-level cancellation from the per-call deadline when
// classifying the outcome.
func (r *run) runCall(jobCtx, taskCtx context.Context, call Call, desc catalog.ToolDescriptor, args map[string]interface{}) CallResult {
	r.o.emitter.EmitCallStarted(r.task.ID, call.ID, desc.Qualified())
	logger := log.WithTaskContext(r.o.logger, r.task.ID, call.ID)
	logger.Debug("dispatching call", log.String(log.KeyTool, desc.Qualified()))

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = r.o.callTimeout
	}
	callCtx, cancel := context.WithTimeout(jobCtx, timeout)
	defer cancel()

	spanCtx, span := r.o.tracer.Start(callCtx, "call: "+call.ID,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("task.id", r.task.ID),
			attribute.String("call.id", call.ID),
			attribute.String("tool.server", desc.Server),
			attribute.String("tool.name", desc.Name),
		),
	)
	defer span.End()

	startedAt := time.Now()
	resp, err := r.o.caller.CallTool(spanCtx, desc.Server, desc.Name, args)
	res := CallResult{
		CallID:   call.ID,
		Duration: time.Since(startedAt),
		Attempts: 1,
	}

	if err == nil && resp.IsError {
		err = resp.ExecutionError(desc.Server, desc.Name)
	}

	var timeoutErr *errors.TimeoutError
	switch {
	case err == nil:
		res.Status = CallSucceeded
		res.Output = decodeOutput(resp)
	case taskCtx.Err() != nil:
		res.Status = CallCancelled
		res.Err = taskCtx.Err()
	case callCtx.Err() == context.DeadlineExceeded || stderrors.Is(err, context.DeadlineExceeded):
		res.Status = CallTimedOut
		res.Err = &errors.TimeoutError{
			Operation: fmt.Sprintf("call %s (%s)", call.ID, desc.Qualified()),
			Duration:  timeout,
			Cause:     err,
		}
	case stderrors.As(err, &timeoutErr):
		res.Status = CallTimedOut
		res.Err = err
	default:
		res.Status = CallFailed
		res.Err = err
	}

	span.SetAttributes(attribute.String("call.status", string(res.Status)))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Status))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	logger.Debug("call finished",
		log.String("status", string(res.Status)),
		log.Duration("duration", res.Duration.Milliseconds()),
	)
	return res
}

// abort marks every call that never dispatched as cancelled. In-flight
// calls keep running on the cancelled context and report their own
// outcome, so partial results survive cancellation.
func (r *run) abort(cause error) {
	for _, call := range r.task.Calls {
		st := r.states[call.ID]
		if st.result != nil || st.dispatched {
			continue
		}
		r.finish(CallResult{CallID: call.ID, Status: CallCancelled, Err: cause})
	}
}

// decodeOutput converts a tool response into a result output: JSON text
// decodes into structured data, anything else stays a string.
func decodeOutput(resp *mcp.ToolCallResponse) interface{} {
	text := resp.Text()
	if text == "" {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	return text
}
