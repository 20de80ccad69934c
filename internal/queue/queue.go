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

// Package queue layers retry policy and metrics over the store's
// leasing protocol. The store enforces the protocol invariants
// (at-most-once lease, commit-time ownership checks); this package
// decides what happens after a failure: re-arm with backoff, or stop.
package queue

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/tombee/baton/internal/log"
	"github.com/tombee/baton/internal/metrics"
	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/backoff"
	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/task"
)

// Enqueue sources, used as metric labels.
const (
	SourceSchedule = "schedule"
	SourceRunNow   = "run_now"
	SourceEvent    = "event"
)

// Run outcomes, used as metric labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Queue wraps a store.Store with retry policy and queue metrics.
type Queue struct {
	store  store.Store
	logger *slog.Logger
	clock  func() time.Time
	rand01 func() float64
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

// WithClock injects a time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(q *Queue) { q.clock = fn }
}

// WithRand injects the jitter source for tests.
func WithRand(fn func() float64) Option {
	return func(q *Queue) { q.rand01 = fn }
}

// New builds a Queue over the store.
func New(s store.Store, opts ...Option) *Queue {
	q := &Queue{
		store:  s,
		logger: slog.Default(),
		clock:  time.Now,
		rand01: rand.Float64,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With(slog.String("component", "queue"))
	return q
}

// Enqueue inserts a due-work row. Suppressed inserts (duplicate
// occurrence, live dedupe key) return (nil, nil) and are counted,
// not logged as errors: suppression is the mechanism working.
func (q *Queue) Enqueue(ctx context.Context, req store.EnqueueRequest, source string) (*store.DueWork, error) {
	w, err := q.store.EnqueueWork(ctx, req)
	if err != nil {
		return nil, err
	}
	if w == nil {
		metrics.RecordSuppressed(source)
		q.logger.Debug("enqueue suppressed",
			slog.String(log.TaskIDKey, req.TaskID),
			slog.String("source", source))
		return nil, nil
	}
	metrics.RecordEnqueued(source)
	q.logger.Debug("work enqueued",
		slog.String(log.TaskIDKey, w.TaskID),
		slog.Int64(log.WorkIDKey, w.ID),
		slog.String("source", source),
		slog.Time("run_at", w.RunAt))
	return w, nil
}

// Lease grants the best eligible row to workerID, or (nil, nil).
func (q *Queue) Lease(ctx context.Context, workerID string, leaseFor time.Duration) (*store.DueWork, error) {
	w, err := q.store.LeaseWork(ctx, workerID, leaseFor)
	if err != nil || w == nil {
		return nil, err
	}
	metrics.RecordLease(q.clock().Sub(w.RunAt))
	return w, nil
}

// Renew extends a held lease, returning the new expiry.
func (q *Queue) Renew(ctx context.Context, workID int64, workerID string, leaseFor time.Duration) (time.Time, error) {
	until, err := q.store.RenewLease(ctx, workID, workerID, leaseFor)
	if err != nil {
		q.noteLeaseLost(err, workID, workerID)
		return time.Time{}, err
	}
	return until, nil
}

// Release gives the row back without recording a run.
func (q *Queue) Release(ctx context.Context, workID int64, workerID string) error {
	err := q.store.ReleaseLease(ctx, workID, workerID)
	if err != nil {
		q.noteLeaseLost(err, workID, workerID)
	}
	return err
}

// Complete commits a successful or skipped run and removes the row.
func (q *Queue) Complete(ctx context.Context, w *store.DueWork, workerID string, run *store.Run) error {
	if err := q.store.CompleteWork(ctx, w.ID, workerID, run); err != nil {
		q.noteLeaseLost(err, w.ID, workerID)
		return err
	}
	outcome := OutcomeSuccess
	if run.Skipped {
		outcome = OutcomeSkipped
	}
	metrics.RecordRun(outcome, run.FinishedAt.Sub(run.StartedAt))
	q.logger.Info("run recorded",
		slog.String(log.TaskIDKey, w.TaskID),
		slog.String(log.RunIDKey, run.ID),
		slog.Int(log.AttemptKey, run.Attempt),
		slog.String("outcome", outcome))
	return nil
}

// Fail commits a failed run, then decides the row's fate from the
// task's policy: a retryable failure inside the retry budget re-arms
// the row at now+backoff; anything else removes it. Returns the retry
// time when the row was re-armed, nil when the failure was terminal.
//
// The attempt counter advances exactly here, on the recorded failure.
// Lease reclaims re-deliver the same attempt number; the crashed
// attempt left no record to count.
func (q *Queue) Fail(ctx context.Context, w *store.DueWork, workerID string, run *store.Run, pol task.Policy, retryable bool) (*time.Time, error) {
	var retryAt *time.Time
	if retryable && w.Attempt < pol.MaxRetries+1 {
		at := q.clock().Add(backoff.Delay(pol.Backoff, w.Attempt, q.rand01))
		retryAt = &at
	}

	if err := q.store.FailWork(ctx, w.ID, workerID, run, retryAt); err != nil {
		q.noteLeaseLost(err, w.ID, workerID)
		return nil, err
	}
	metrics.RecordRun(OutcomeFailure, run.FinishedAt.Sub(run.StartedAt))

	if retryAt != nil {
		q.logger.Info("run failed, retrying",
			slog.String(log.TaskIDKey, w.TaskID),
			slog.String(log.RunIDKey, run.ID),
			slog.Int(log.AttemptKey, run.Attempt),
			slog.String("error_kind", run.ErrorKind),
			slog.Time("retry_at", *retryAt))
	} else {
		q.logger.Warn("run failed terminally",
			slog.String(log.TaskIDKey, w.TaskID),
			slog.String(log.RunIDKey, run.ID),
			slog.Int(log.AttemptKey, run.Attempt),
			slog.String("error_kind", run.ErrorKind),
			slog.String("error", run.Error))
	}
	return retryAt, nil
}

// ObserveDepth samples the queue census into the depth gauges.
func (q *Queue) ObserveDepth(ctx context.Context) (store.QueueDepth, error) {
	d, err := q.store.Depth(ctx)
	if err != nil {
		return store.QueueDepth{}, err
	}
	metrics.RecordQueueDepth(d.Ready, d.Leased, d.Scheduled)
	return d, nil
}

// noteLeaseLost counts lease_lost rejections; other errors pass through
// untouched.
func (q *Queue) noteLeaseLost(err error, workID int64, workerID string) {
	if errors.Kind(err) != errors.KindLeaseLost {
		return
	}
	metrics.RecordLeaseLost()
	q.logger.Debug("lease lost",
		slog.Int64(log.WorkIDKey, workID),
		slog.String(log.WorkerIDKey, workerID))
}
