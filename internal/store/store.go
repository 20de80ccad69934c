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

// Package store defines the durable state boundary: tasks, the work
// queue, run history and worker heartbeats.
//
// Two implementations exist: internal/store/postgres for production and
// internal/store/memory for tests and single-process development. Both
// satisfy the same observable semantics; internal/store/storetest holds
// the shared conformance suite.
package store

import (
	"context"
	"time"

	"github.com/tombee/baton/pkg/task"
)

// TaskStore persists task definitions.
type TaskStore interface {
	// CreateTask inserts a new task. The task id must be unique.
	CreateTask(ctx context.Context, t *task.Task) error

	// GetTask returns the task or a not_found error.
	GetTask(ctx context.Context, id string) (*task.Task, error)

	// ListTasks returns tasks matching the filter, newest first.
	ListTasks(ctx context.Context, f TaskFilter) ([]*task.Task, error)

	// UpdateTask replaces the task's definition. Status, high-water and
	// timestamps are managed through their dedicated setters.
	UpdateTask(ctx context.Context, t *task.Task) error

	// SetTaskStatus transitions the task's lifecycle state. Canceling
	// discards the task's unleased pending work; leased rows resolve
	// through the worker's skipped-run path.
	SetTaskStatus(ctx context.Context, id string, status task.Status) error

	// SetNextRun records the derived next fire time (nil when none).
	SetNextRun(ctx context.Context, id string, next *time.Time) error

	// SetHighWater advances the greatest occurrence handed to the queue.
	// The mark never moves backward.
	SetHighWater(ctx context.Context, id string, hw time.Time) error
}

// WorkQueue owns due-work rows and the leasing protocol.
type WorkQueue interface {
	// EnqueueWork inserts a ready-to-run row. It returns (nil, nil) when
	// the insert is suppressed: a duplicate (task, occurrence), an
	// unleased row with the same dedupe key, or a run with that key
	// finished inside the dedupe window.
	EnqueueWork(ctx context.Context, req EnqueueRequest) (*DueWork, error)

	// LeaseWork hands the caller the best eligible row, stamping
	// lease_owner and locked_until, or (nil, nil) when nothing is
	// admissible. Eligible: run_at has passed and the row is unleased or
	// its lease expired. Order: priority desc, run_at asc, id asc. Rows
	// whose concurrency key is held by a live lease are skipped, not
	// waited on.
	LeaseWork(ctx context.Context, workerID string, leaseFor time.Duration) (*DueWork, error)

	// RenewLease extends a held lease and returns the new expiry.
	// Returns a lease_lost error when the caller no longer owns the row.
	RenewLease(ctx context.Context, workID int64, workerID string, leaseFor time.Duration) (time.Time, error)

	// ReleaseLease gives up a held lease without recording a run. The
	// row becomes immediately eligible again.
	ReleaseLease(ctx context.Context, workID int64, workerID string) error

	// CompleteWork records a terminal run and removes the row. The lease
	// is verified inside the same transaction; a failed check yields a
	// lease_lost error and no write.
	CompleteWork(ctx context.Context, workID int64, workerID string, run *Run) error

	// FailWork records a failed run. A non-nil retryAt re-arms the row
	// (run_at=retryAt, attempt+1, lease cleared); nil removes it. The
	// lease is verified like CompleteWork.
	FailWork(ctx context.Context, workID int64, workerID string, run *Run, retryAt *time.Time) error

	// PendingWork lists the task's queued rows, unleased first.
	PendingWork(ctx context.Context, taskID string) ([]*DueWork, error)

	// ShiftPendingWork moves the task's unleased rows by delta, flooring
	// the result at floor. Returns the number of rows moved.
	ShiftPendingWork(ctx context.Context, taskID string, delta time.Duration, floor time.Time) (int, error)

	// Depth reports the queue census for metrics.
	Depth(ctx context.Context) (QueueDepth, error)
}

// RunStore reads immutable run history.
type RunStore interface {
	// GetRun returns the run or a not_found error.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns runs matching the filter, newest first.
	ListRuns(ctx context.Context, f RunFilter) ([]*Run, error)
}

// HeartbeatStore persists worker liveness, for observability only.
type HeartbeatStore interface {
	UpsertHeartbeat(ctx context.Context, workerID string, at time.Time) error
	ListHeartbeats(ctx context.Context) ([]Heartbeat, error)
}

// Store is the complete durable state surface the daemon wires against.
type Store interface {
	TaskStore
	WorkQueue
	RunStore
	HeartbeatStore

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
