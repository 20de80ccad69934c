// Copyright 2025 Tom Barlow
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

// Package worker drains the work queue. Each worker in the pool leases
// due rows, runs the owning task's pipeline through the engine, and
// commits the outcome as a Run. Workers hold no state of their own;
// ownership lives entirely in the store's lease protocol, so scaling
// out is starting more of them.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/baton/internal/log"
	"github.com/tombee/baton/internal/metrics"
	"github.com/tombee/baton/internal/queue"
	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/pipeline"
)

// Defaults applied by New; each has a matching Option.
const (
	DefaultCount             = 4
	DefaultLeaseDuration     = 60 * time.Second
	DefaultPollInterval      = time.Second
	DefaultPollJitter        = 250 * time.Millisecond
	DefaultSafetyMargin      = 5 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

// Commit-path store calls that fail transiently are retried locally.
// These retries never touch the task's own retry budget.
const (
	storeRetries    = 3
	storeRetryDelay = 200 * time.Millisecond
)

// Pool runs a fixed set of workers against the queue.
type Pool struct {
	store  store.Store
	queue  *queue.Queue
	engine *pipeline.Engine
	logger *slog.Logger

	name      string
	count     int
	leaseFor  time.Duration
	pollEvery time.Duration
	jitter    time.Duration
	safety    time.Duration
	beatEvery time.Duration

	clock  func() time.Time
	rand01 func() float64

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	inflight map[int64]context.CancelFunc

	wg sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithName overrides the generated pool name. Worker IDs are derived
// from it, so two pools sharing a store must not share a name.
func WithName(name string) Option {
	return func(p *Pool) {
		if name != "" {
			p.name = name
		}
	}
}

// WithCount sets how many workers the pool runs.
func WithCount(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.count = n
		}
	}
}

// WithLease sets the lease duration requested on every lease and
// renewal.
func WithLease(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.leaseFor = d
		}
	}
}

// WithPollInterval sets the idle sleep between empty lease polls.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollEvery = d
		}
	}
}

// WithPollJitter bounds the random extra sleep added to each idle
// poll, so a fleet of workers does not thunder on the store in step.
func WithPollJitter(d time.Duration) Option {
	return func(p *Pool) {
		if d >= 0 {
			p.jitter = d
		}
	}
}

// WithSafetyMargin sets how much of the lease is held back from the
// pipeline's wall-clock budget to leave room for the commit.
func WithSafetyMargin(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.safety = d
		}
	}
}

// WithHeartbeatInterval sets how often each worker records liveness.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.beatEvery = d
		}
	}
}

// WithClock injects a time source for tests. Timers still run on the
// wall clock; the injected source only stamps records.
func WithClock(fn func() time.Time) Option {
	return func(p *Pool) { p.clock = fn }
}

// WithRand injects the jitter source for tests.
func WithRand(fn func() float64) Option {
	return func(p *Pool) { p.rand01 = fn }
}

// New builds a Pool over the store, queue and pipeline engine.
func New(s store.Store, q *queue.Queue, eng *pipeline.Engine, opts ...Option) *Pool {
	p := &Pool{
		store:     s,
		queue:     q,
		engine:    eng,
		logger:    slog.Default(),
		name:      defaultName(),
		count:     DefaultCount,
		leaseFor:  DefaultLeaseDuration,
		pollEvery: DefaultPollInterval,
		jitter:    DefaultPollJitter,
		safety:    DefaultSafetyMargin,
		beatEvery: DefaultHeartbeatInterval,
		clock:     time.Now,
		rand01:    rand.Float64,
		inflight:  map[int64]context.CancelFunc{},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.safety >= p.leaseFor {
		p.safety = p.leaseFor / 2
	}
	p.logger = p.logger.With(slog.String("component", "worker"))
	return p
}

// defaultName derives a pool name unique enough to tell workers apart
// in heartbeats and lease owners across hosts and restarts.
func defaultName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Start launches the workers. It returns immediately; the workers run
// until Stop. Starting a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	stopCh := make(chan struct{})
	p.stopCh = stopCh
	p.mu.Unlock()

	for i := 0; i < p.count; i++ {
		workerID := fmt.Sprintf("%s-%d", p.name, i)
		p.wg.Add(1)
		go p.runWorker(ctx, stopCh, workerID)
	}
	p.logger.Info("worker pool started",
		slog.String("pool", p.name),
		slog.Int("workers", p.count),
		slog.Duration("lease", p.leaseFor))
	return nil
}

// Stop stops leasing new work and waits for in-flight runs to finish.
// When ctx expires first, still-running pipelines are aborted and their
// leases released so another worker can pick the rows up; the aborted
// attempts leave no record.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped", slog.String("pool", p.name))
		return nil
	case <-ctx.Done():
	}

	p.abortInflight()

	select {
	case <-done:
		p.logger.Info("worker pool stopped after aborting in-flight runs",
			slog.String("pool", p.name))
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("worker pool %s: runs still in flight after abort", p.name)
	}
}

// abortInflight cancels every run context currently executing. The
// commit guard in process discards the results and releases the leases.
func (p *Pool) abortInflight() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.inflight {
		cancel()
	}
}

func (p *Pool) trackRun(workID int64, cancel context.CancelFunc) {
	p.mu.Lock()
	p.inflight[workID] = cancel
	p.mu.Unlock()
}

func (p *Pool) untrackRun(workID int64) {
	p.mu.Lock()
	delete(p.inflight, workID)
	p.mu.Unlock()
}

// runWorker is one worker's loop: heartbeat, lease, process, repeat.
func (p *Pool) runWorker(ctx context.Context, stopCh <-chan struct{}, workerID string) {
	defer p.wg.Done()

	logger := p.logger.With(slog.String(log.WorkerIDKey, workerID))
	metrics.WorkerStarted()
	defer metrics.WorkerStopped()

	var lastBeat time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		now := p.clock()
		if now.Sub(lastBeat) >= p.beatEvery {
			if err := p.store.UpsertHeartbeat(ctx, workerID, now.UTC()); err != nil {
				logger.Warn("heartbeat failed", slog.Any("error", err))
			}
			lastBeat = now
		}

		w, err := p.queue.Lease(ctx, workerID, p.leaseFor)
		if err != nil {
			logger.Warn("lease poll failed", slog.Any("error", err))
			if !p.idle(ctx, stopCh, p.pollEvery) {
				return
			}
			continue
		}
		if w == nil {
			if !p.idle(ctx, stopCh, p.pollDelay()) {
				return
			}
			continue
		}

		p.process(ctx, logger, workerID, w)
	}
}

// pollDelay is the idle sleep: the poll interval plus up to jitter.
func (p *Pool) pollDelay() time.Duration {
	return p.pollEvery + time.Duration(p.rand01()*float64(p.jitter))
}

// idle sleeps for d, waking early on stop. It reports false when the
// worker should exit instead of looping.
func (p *Pool) idle(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
