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

package store

import (
	"encoding/json"
	"time"

	"github.com/tombee/baton/pkg/task"
)

// DueWork is one deliverable unit in the work queue. Rows are created by
// the scheduler (or run_now/events), leased by workers, and removed when
// a terminal Run is recorded or the owning task is canceled.
type DueWork struct {
	// ID is the queue-assigned row id.
	ID int64 `json:"id"`

	// TaskID is the owning task.
	TaskID string `json:"task_id"`

	// RunAt is when the row becomes eligible for leasing.
	RunAt time.Time `json:"run_at"`

	// Priority orders ready work; higher leases first.
	Priority int `json:"priority"`

	// Occurrence is the schedule occurrence that produced this row, if
	// any. run_now and event fires leave it nil. At most one row per
	// (task, occurrence) ever exists.
	Occurrence *time.Time `json:"occurrence,omitempty"`

	// DedupeKey is copied from the task policy at enqueue time.
	DedupeKey string `json:"dedupe_key,omitempty"`

	// ConcurrencyKey is copied from the task policy at enqueue time.
	ConcurrencyKey string `json:"concurrency_key,omitempty"`

	// LeaseOwner is the worker currently holding the row, if any.
	LeaseOwner *string `json:"lease_owner,omitempty"`

	// LockedUntil is when the current lease expires.
	LockedUntil *time.Time `json:"locked_until,omitempty"`

	// Attempt is the delivery number the next lease will run as (1-based).
	Attempt int `json:"attempt"`

	CreatedAt time.Time `json:"created_at"`
}

// Run is the immutable record of one execution attempt.
type Run struct {
	// ID is a UUID assigned when the run is recorded.
	ID string `json:"id"`

	TaskID string `json:"task_id"`

	// WorkID is the due-work row this run consumed.
	WorkID int64 `json:"work_id"`

	// LeaseOwner is the worker that executed the attempt.
	LeaseOwner string `json:"lease_owner"`

	// LeasedUntil is the lease expiry the attempt ran under.
	LeasedUntil time.Time `json:"leased_until"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Success is true when the pipeline completed without error.
	Success bool `json:"success"`

	// Skipped is true when the run was recorded without executing
	// (task paused or canceled at lease time).
	Skipped bool `json:"skipped"`

	// Attempt is the delivery number this run was (1-based).
	Attempt int `json:"attempt"`

	// Error is the failure message, empty on success.
	Error string `json:"error,omitempty"`

	// ErrorKind is the failure classification, empty on success.
	ErrorKind string `json:"error_kind,omitempty"`

	// DedupeKey is the key the consumed row carried; it feeds the
	// dedupe window lookback.
	DedupeKey string `json:"dedupe_key,omitempty"`

	// Output is the recorded pipeline context (step outputs in
	// execution order).
	Output json.RawMessage `json:"output,omitempty"`
}

// Heartbeat is a worker liveness record, for observability only.
// Correctness never depends on it; leases carry the ownership.
type Heartbeat struct {
	WorkerID string    `json:"worker_id"`
	LastSeen time.Time `json:"last_seen"`
}

// EnqueueRequest describes a row to insert into the work queue.
type EnqueueRequest struct {
	TaskID string

	// RunAt is when the row becomes eligible. Catch-up fires carry the
	// missed occurrence time so ordering is preserved.
	RunAt time.Time

	Priority int

	// Occurrence marks scheduler fires; nil for run_now and events.
	Occurrence *time.Time

	// DedupeKey, when set, suppresses the insert while an unleased row
	// with the same key exists for the task or a run with it finished
	// within DedupeWindow.
	DedupeKey    string
	DedupeWindow time.Duration

	ConcurrencyKey string
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	// Status filters by lifecycle state; empty matches all.
	Status task.Status

	// Limit bounds the page size; 0 means DefaultListLimit.
	Limit int

	Offset int
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	// TaskID filters to one task; empty matches all.
	TaskID string

	// Limit bounds the page size; 0 means DefaultListLimit.
	Limit int

	Offset int
}

// QueueDepth is a point-in-time census of the work queue.
type QueueDepth struct {
	// Ready counts unleased rows whose run_at has passed.
	Ready int `json:"ready"`

	// Leased counts rows under a live lease.
	Leased int `json:"leased"`

	// Scheduled counts unleased rows waiting for their run_at.
	Scheduled int `json:"scheduled"`
}

// List pagination bounds.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Bound clamps a requested page size into [1, MaxListLimit].
func (f TaskFilter) Bound() int { return boundLimit(f.Limit) }

// Bound clamps a requested page size into [1, MaxListLimit].
func (f RunFilter) Bound() int { return boundLimit(f.Limit) }

func boundLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}
