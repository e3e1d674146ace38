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

// Package dispatch implements the priority dispatch bus: four strict-priority
// FIFO bands served by a bounded worker pool. Workers always take from the
// highest non-empty band; within a band jobs run in submission order. Every
// submitted job completes its Handle exactly once, whether it ran, was
// cancelled, or the bus shut down underneath it.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ringmaster-sh/ringmaster/internal/log"
	"github.com/ringmaster-sh/ringmaster/pkg/errors"
)

// Band is a dispatch priority band. Lower values are more urgent.
type Band int

const (
	// BandCritical preempts all other queued work (shutdown, recovery).
	BandCritical Band = iota
	// BandHigh is for latency-sensitive work (capability refresh, tool calls).
	BandHigh
	// BandNormal is the default band.
	BandNormal
	// BandLow is for background work (health probes, sweeps).
	BandLow

	numBands = 4
)

// String returns the band name used in logs and metric labels.
func (b Band) String() string {
	switch b {
	case BandCritical:
		return "critical"
	case BandHigh:
		return "high"
	case BandNormal:
		return "normal"
	case BandLow:
		return "low"
	default:
		return "unknown"
	}
}

// Job is a unit of work submitted to the bus.
type Job struct {
	// Name identifies the job in logs and metrics.
	Name string

	// Band is the priority band.
	Band Band

	// Labels are attached to log lines for this job.
	Labels map[string]string

	// Run does the work. The context is cancelled by Handle.Cancel and by
	// bus shutdown; Run is expected to honor it.
	Run func(ctx context.Context) (any, error)
}

type handleState int

const (
	stateQueued handleState = iota
	stateRunning
	stateDone
)

// Handle tracks one submitted job through to completion.
type Handle struct {
	job        Job
	bus        *Bus
	enqueuedAt time.Time
	submitCtx  context.Context

	mu     sync.Mutex
	state  handleState
	cancel context.CancelFunc // set while running
	value  any
	err    error

	done chan struct{}
}

// Done returns a channel closed when the job completes.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the job's error. Nil until the job completes.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Value returns the job's result. Nil until the job completes.
func (h *Handle) Value() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value
}

// Wait blocks until the job completes or the context is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.value, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel cancels the job. A queued job is removed from its band and completes
// with context.Canceled; a running job has its context cancelled and
// completes when Run returns. Cancel after completion is a no-op.
func (h *Handle) Cancel() {
	h.mu.Lock()
	switch h.state {
	case stateDone:
		h.mu.Unlock()
		return
	case stateRunning:
		cancel := h.cancel
		h.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return
	}
	h.mu.Unlock()

	// Queued: remove from the band so a worker never picks it up.
	if h.bus.remove(h) {
		h.complete(nil, context.Canceled)
	}
}

// complete finishes the handle exactly once.
func (h *Handle) complete(value any, err error) {
	h.mu.Lock()
	if h.state == stateDone {
		h.mu.Unlock()
		return
	}
	h.state = stateDone
	h.value = value
	h.err = err
	h.cancel = nil
	h.mu.Unlock()

	close(h.done)
}

func (h *Handle) markRunning(cancel context.CancelFunc) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != stateQueued {
		return false
	}
	h.state = stateRunning
	h.cancel = cancel
	return true
}

// Bus is the priority dispatch bus.
type Bus struct {
	workers int
	logger  *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queues   [numBands][]*Handle
	running  map[*Handle]context.CancelFunc
	shutdown bool

	wg sync.WaitGroup
}

// Config configures the bus.
type Config struct {
	// Workers is the worker pool size (defaults to 4).
	Workers int

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// NewBus creates a bus and starts its workers.
func NewBus(cfg Config) *Bus {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bus{
		workers: workers,
		logger:  logger,
		running: make(map[*Handle]context.CancelFunc),
	}
	b.cond = sync.NewCond(&b.mu)

	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}

	return b
}

// Submit appends a job to its band's FIFO. The returned Handle completes
// exactly once. Submissions after Shutdown fail with a ShutdownError.
func (b *Bus) Submit(ctx context.Context, job Job) (*Handle, error) {
	if job.Run == nil {
		return nil, &errors.ValidationError{Field: "job", Message: "run func is required"}
	}
	if job.Band < BandCritical || job.Band > BandLow {
		return nil, &errors.ValidationError{Field: "band", Message: "unknown priority band"}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	h := &Handle{
		job:        job,
		bus:        b,
		enqueuedAt: time.Now(),
		submitCtx:  ctx,
		done:       make(chan struct{}),
	}

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return nil, &errors.ShutdownError{Component: "dispatch bus"}
	}
	b.queues[job.Band] = append(b.queues[job.Band], h)
	depth := len(b.queues[job.Band])
	b.cond.Signal()
	b.mu.Unlock()

	recordDepth(job.Band, depth)
	b.logger.Debug("job enqueued",
		"job", job.Name,
		log.KeyBand, job.Band.String(),
		"depth", depth,
	)

	return h, nil
}

// worker serves jobs until shutdown, always draining the most urgent band.
func (b *Bus) worker() {
	defer b.wg.Done()

	for {
		b.mu.Lock()
		for !b.shutdown && b.queuesEmpty() {
			b.cond.Wait()
		}
		if b.shutdown {
			b.mu.Unlock()
			return
		}
		h := b.pop()
		b.mu.Unlock()

		if h == nil {
			continue
		}
		b.runJob(h)
	}
}

func (b *Bus) queuesEmpty() bool {
	for band := 0; band < numBands; band++ {
		if len(b.queues[band]) > 0 {
			return false
		}
	}
	return true
}

// pop removes the head of the highest non-empty band. Caller holds mu.
func (b *Bus) pop() *Handle {
	for band := 0; band < numBands; band++ {
		if len(b.queues[band]) > 0 {
			h := b.queues[band][0]
			b.queues[band] = b.queues[band][1:]
			recordDepth(Band(band), len(b.queues[band]))
			return h
		}
	}
	return nil
}

// remove takes a queued handle out of its band. Returns false if a worker
// already claimed it.
func (b *Bus) remove(h *Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[h.job.Band]
	for i, queued := range q {
		if queued == h {
			b.queues[h.job.Band] = append(q[:i], q[i+1:]...)
			recordDepth(h.job.Band, len(b.queues[h.job.Band]))
			return true
		}
	}
	return false
}

func (b *Bus) runJob(h *Handle) {
	band := h.job.Band.String()

	// The submitter may have given up while the job was queued.
	if err := h.submitCtx.Err(); err != nil {
		h.complete(nil, err)
		recordProcessed(h.job.Band, false)
		return
	}

	ctx, cancel := context.WithCancel(h.submitCtx)
	defer cancel()

	if !h.markRunning(cancel) {
		// Cancelled between pop and here.
		return
	}

	b.mu.Lock()
	b.running[h] = cancel
	b.mu.Unlock()

	wait := time.Since(h.enqueuedAt)
	recordQueueWait(h.job.Band, wait)

	started := time.Now()
	value, err := h.job.Run(ctx)
	elapsed := time.Since(started)

	b.mu.Lock()
	delete(b.running, h)
	b.mu.Unlock()

	h.complete(value, err)
	recordRunDuration(h.job.Band, elapsed)
	recordProcessed(h.job.Band, err == nil)

	attrs := []any{
		"job", h.job.Name,
		log.KeyBand, band,
		log.KeyDuration, elapsed.Milliseconds(),
	}
	for k, v := range h.job.Labels {
		attrs = append(attrs, k, v)
	}
	if err != nil {
		attrs = append(attrs, "error", err)
		b.logger.Debug("job failed", attrs...)
		return
	}
	b.logger.Debug("job completed", attrs...)
}

// Shutdown stops intake, fails all queued jobs with a ShutdownError, and
// waits for running jobs up to the context deadline. At the deadline the
// running jobs' contexts are cancelled and the deadline error is returned.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return nil
	}
	b.shutdown = true

	var pending []*Handle
	for band := 0; band < numBands; band++ {
		pending = append(pending, b.queues[band]...)
		b.queues[band] = nil
		recordDepth(Band(band), 0)
	}
	b.cond.Broadcast()
	b.mu.Unlock()

	for _, h := range pending {
		h.complete(nil, &errors.ShutdownError{Component: "dispatch bus"})
		recordProcessed(h.job.Band, false)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		b.mu.Lock()
		for _, cancel := range b.running {
			cancel()
		}
		b.mu.Unlock()
		return ctx.Err()
	}
}

// Depth returns the number of queued jobs in a band.
func (b *Bus) Depth(band Band) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if band < BandCritical || band > BandLow {
		return 0
	}
	return len(b.queues[band])
}
