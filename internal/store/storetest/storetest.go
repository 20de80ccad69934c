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

// Package storetest holds the conformance suite every store.Store
// implementation must pass. The memory store runs it unconditionally;
// the Postgres store runs it when BATON_TEST_POSTGRES_URL is set.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/pipeline"
	"github.com/tombee/baton/pkg/task"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite against the factory.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"TaskCRUD", testTaskCRUD},
		{"TaskStatusTransitions", testTaskStatusTransitions},
		{"CancelDropsUnleasedWork", testCancelDropsUnleasedWork},
		{"HighWaterMonotonic", testHighWaterMonotonic},
		{"EnqueueMissingTask", testEnqueueMissingTask},
		{"LeaseOrdering", testLeaseOrdering},
		{"LeaseSkipsFutureRows", testLeaseSkipsFutureRows},
		{"OccurrenceGuard", testOccurrenceGuard},
		{"DedupePendingRow", testDedupePendingRow},
		{"DedupeRunWindow", testDedupeRunWindow},
		{"CompleteRecordsRun", testCompleteRecordsRun},
		{"FailRearmsWithBackoff", testFailRearmsWithBackoff},
		{"FailTerminalRemovesRow", testFailTerminalRemovesRow},
		{"ExpiredLeaseIsReclaimed", testExpiredLeaseIsReclaimed},
		{"LateCommitRejected", testLateCommitRejected},
		{"RenewExtendsLease", testRenewExtendsLease},
		{"ReleaseMakesRowAvailable", testReleaseMakesRowAvailable},
		{"ConcurrencyKeySerializes", testConcurrencyKeySerializes},
		{"AtMostOnceUnderContention", testAtMostOnceUnderContention},
		{"ShiftPendingWork", testShiftPendingWork},
		{"Depth", testDepth},
		{"Heartbeats", testHeartbeats},
		{"RunHistory", testRunHistory},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			defer s.Close()
			tc.fn(t, s)
		})
	}
}

// newTask builds a valid active task with a unique id.
func newTask(mutate ...func(*task.Task)) *task.Task {
	t := &task.Task{
		ID:      uuid.NewString(),
		AgentID: "storetest",
		Title:   "conformance task",
		Schedule: task.Schedule{
			Kind:       task.ScheduleEvent,
			Expression: "storetest.topic",
		},
		Payload: task.Payload{
			Pipeline: []pipeline.Step{{ID: "noop", Uses: "core.echo"}},
		},
	}
	t.ApplyDefaults()
	for _, m := range mutate {
		m(t)
	}
	return t
}

func mustCreate(t *testing.T, s store.Store, tk *task.Task) *task.Task {
	t.Helper()
	require.NoError(t, s.CreateTask(context.Background(), tk))
	return tk
}

func mustEnqueue(t *testing.T, s store.Store, req store.EnqueueRequest) *store.DueWork {
	t.Helper()
	w, err := s.EnqueueWork(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, w, "enqueue unexpectedly suppressed")
	return w
}

func readyRequest(taskID string) store.EnqueueRequest {
	return store.EnqueueRequest{
		TaskID:   taskID,
		RunAt:    time.Now().Add(-time.Second),
		Priority: task.DefaultPriority,
	}
}

func testTaskCRUD(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.ID)
	assert.Equal(t, "conformance task", got.Title)
	assert.Equal(t, task.StatusActive, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	// Duplicate ids conflict.
	err = s.CreateTask(ctx, tk)
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.Kind(err))

	// Missing ids are not_found.
	_, err = s.GetTask(ctx, "no-such-task")
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.Kind(err))

	// Definition updates stick; lifecycle fields survive.
	got.Title = "renamed"
	got.Policy.Priority = 9
	require.NoError(t, s.UpdateTask(ctx, got))
	updated, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Title)
	assert.Equal(t, 9, updated.Policy.Priority)
	assert.Equal(t, task.StatusActive, updated.Status)

	// Filtered listing.
	paused := mustCreate(t, s, newTask())
	require.NoError(t, s.SetTaskStatus(ctx, paused.ID, task.StatusPaused))
	active, err := s.ListTasks(ctx, store.TaskFilter{Status: task.StatusActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, tk.ID, active[0].ID)

	all, err := s.ListTasks(ctx, store.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testTaskStatusTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())

	// active -> paused -> active round trip.
	require.NoError(t, s.SetTaskStatus(ctx, tk.ID, task.StatusPaused))
	require.NoError(t, s.SetTaskStatus(ctx, tk.ID, task.StatusActive))

	// Pausing a paused task conflicts.
	require.NoError(t, s.SetTaskStatus(ctx, tk.ID, task.StatusPaused))
	err := s.SetTaskStatus(ctx, tk.ID, task.StatusPaused)
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.Kind(err))

	// Resuming an active task conflicts.
	require.NoError(t, s.SetTaskStatus(ctx, tk.ID, task.StatusActive))
	err = s.SetTaskStatus(ctx, tk.ID, task.StatusActive)
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.Kind(err))

	// Cancel works from any live state and is idempotent.
	require.NoError(t, s.SetTaskStatus(ctx, tk.ID, task.StatusCanceled))
	require.NoError(t, s.SetTaskStatus(ctx, tk.ID, task.StatusCanceled))

	// Canceled tasks cannot resume or update.
	err = s.SetTaskStatus(ctx, tk.ID, task.StatusActive)
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.Kind(err))
	err = s.UpdateTask(ctx, tk)
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.Kind(err))

	// Completed refuses cancel.
	done := mustCreate(t, s, newTask())
	require.NoError(t, s.SetTaskStatus(ctx, done.ID, task.StatusCompleted))
	err = s.SetTaskStatus(ctx, done.ID, task.StatusCanceled)
	require.Error(t, err)
	assert.Equal(t, errors.KindConflict, errors.Kind(err))
}

func testCancelDropsUnleasedWork(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())

	mustEnqueue(t, s, readyRequest(tk.ID))
	mustEnqueue(t, s, readyRequest(tk.ID))

	// Lease one of the two rows.
	w, err := s.LeaseWork(ctx, "w-cancel", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, w)

	require.NoError(t, s.SetTaskStatus(ctx, tk.ID, task.StatusCanceled))

	pending, err := s.PendingWork(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1, "only the leased row survives cancel")
	assert.Equal(t, w.ID, pending[0].ID)
}

func testHighWaterMonotonic(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())

	mark := time.Date(2026, 3, 8, 7, 30, 0, 0, time.UTC)
	require.NoError(t, s.SetHighWater(ctx, tk.ID, mark))

	// A lower mark must not regress the stored value.
	require.NoError(t, s.SetHighWater(ctx, tk.ID, mark.Add(-time.Hour)))

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got.HighWater)
	assert.True(t, got.HighWater.Equal(mark), "high water regressed to %v", got.HighWater)

	// NextRun round trip, including clearing.
	next := mark.Add(24 * time.Hour)
	require.NoError(t, s.SetNextRun(ctx, tk.ID, &next))
	got, err = s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.Equal(next))

	require.NoError(t, s.SetNextRun(ctx, tk.ID, nil))
	got, err = s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextRun)
}

func testEnqueueMissingTask(t *testing.T, s store.Store) {
	_, err := s.EnqueueWork(context.Background(), readyRequest("no-such-task"))
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.Kind(err))
}

func testLeaseOrdering(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())
	base := time.Now().Add(-time.Minute)

	low := mustEnqueue(t, s, store.EnqueueRequest{TaskID: tk.ID, RunAt: base, Priority: 3})
	highLate := mustEnqueue(t, s, store.EnqueueRequest{TaskID: tk.ID, RunAt: base.Add(30 * time.Second), Priority: 8})
	highEarly := mustEnqueue(t, s, store.EnqueueRequest{TaskID: tk.ID, RunAt: base.Add(10 * time.Second), Priority: 8})

	var order []int64
	for i := 0; i < 3; i++ {
		w, err := s.LeaseWork(ctx, "w-order", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, w)
		order = append(order, w.ID)
	}

	// Priority desc first, then run_at asc.
	assert.Equal(t, []int64{highEarly.ID, highLate.ID, low.ID}, order)

	w, err := s.LeaseWork(ctx, "w-order", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, w, "queue should be drained")
}

func testLeaseSkipsFutureRows(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())

	mustEnqueue(t, s, store.EnqueueRequest{
		TaskID:   tk.ID,
		RunAt:    time.Now().Add(time.Hour),
		Priority: 9,
	})

	w, err := s.LeaseWork(ctx, "w-future", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, w, "future rows must not lease")
}

func testOccurrenceGuard(t *testing.T, s store.Store) {
	tk := mustCreate(t, s, newTask())
	occ := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	req := readyRequest(tk.ID)
	req.Occurrence = &occ
	first := mustEnqueue(t, s, req)
	assert.NotNil(t, first.Occurrence)

	dup, err := s.EnqueueWork(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, dup, "duplicate occurrence must be suppressed silently")

	// A different occurrence inserts fine.
	later := occ.Add(time.Hour)
	req.Occurrence = &later
	mustEnqueue(t, s, req)
}

func testDedupePendingRow(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())

	req := readyRequest(tk.ID)
	req.DedupeKey = "nightly"
	req.DedupeWindow = time.Minute
	mustEnqueue(t, s, req)

	// Unleased row with the key suppresses.
	dup, err := s.EnqueueWork(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, dup)

	// Once the row is leased it no longer suppresses.
	w, err := s.LeaseWork(ctx, "w-dedupe", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, w)

	second, err := s.EnqueueWork(ctx, req)
	require.NoError(t, err)
	assert.NotNil(t, second, "leased rows do not suppress new enqueues")
}

func testDedupeRunWindow(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())

	req := readyRequest(tk.ID)
	req.DedupeKey = "window"
	req.DedupeWindow = 300 * time.Millisecond
	mustEnqueue(t, s, req)

	w, err := s.LeaseWork(ctx, "w-window", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, w)
	now := time.Now()
	require.NoError(t, s.CompleteWork(ctx, w.ID, "w-window", &store.Run{
		Success:    true,
		StartedAt:  now,
		FinishedAt: now,
	}))

	// A run with the key finished inside the window suppresses.
	dup, err := s.EnqueueWork(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, dup)

	// Outside the window the key is free again.
	time.Sleep(400 * time.Millisecond)
	again, err := s.EnqueueWork(ctx, req)
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func testCompleteRecordsRun(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())
	mustEnqueue(t, s, readyRequest(tk.ID))

	w, err := s.LeaseWork(ctx, "w-complete", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, w)

	started := time.Now()
	run := &store.Run{
		Success:    true,
		StartedAt:  started,
		FinishedAt: started.Add(25 * time.Millisecond),
		Output:     []byte(`{"steps":{}}`),
	}
	require.NoError(t, s.CompleteWork(ctx, w.ID, "w-complete", run))
	require.NotEmpty(t, run.ID)

	// Row is gone.
	pending, err := s.PendingWork(ctx, tk.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Run carries row-derived fields.
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, got.TaskID)
	assert.Equal(t, w.ID, got.WorkID)
	assert.Equal(t, "w-complete", got.LeaseOwner)
	assert.Equal(t, 1, got.Attempt)
	assert.True(t, got.Success)
	assert.JSONEq(t, `{"steps":{}}`, string(got.Output))

	_, err = s.GetRun(ctx, uuid.NewString())
	require.Error(t, err)
	assert.Equal(t, errors.KindNotFound, errors.Kind(err))
}

func testFailRearmsWithBackoff(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())
	mustEnqueue(t, s, readyRequest(tk.ID))

	w, err := s.LeaseWork(ctx, "w-fail", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, 1, w.Attempt)

	retryAt := time.Now().Add(2 * time.Second)
	now := time.Now()
	run := &store.Run{
		StartedAt:  now,
		FinishedAt: now,
		Error:      "tool blew up",
		ErrorKind:  errors.KindTool,
	}
	require.NoError(t, s.FailWork(ctx, w.ID, "w-fail", run, &retryAt))

	// The failed run is recorded with the attempt it ran as.
	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, got.Success)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, errors.KindTool, got.ErrorKind)

	// The row re-armed: attempt bumped, lease cleared, run_at pushed out.
	pending, err := s.PendingWork(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempt)
	assert.Nil(t, pending[0].LeaseOwner)
	assert.WithinDuration(t, retryAt, pending[0].RunAt, time.Second)

	// Not leasable until retryAt passes.
	w2, err := s.LeaseWork(ctx, "w-fail", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, w2)
}

func testFailTerminalRemovesRow(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())
	mustEnqueue(t, s, readyRequest(tk.ID))

	w, err := s.LeaseWork(ctx, "w-terminal", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, w)

	now := time.Now()
	run := &store.Run{StartedAt: now, FinishedAt: now, Error: "exhausted", ErrorKind: errors.KindTool}
	require.NoError(t, s.FailWork(ctx, w.ID, "w-terminal", run, nil))

	pending, err := s.PendingWork(ctx, tk.ID)
	require.NoError(t, err)
	assert.Empty(t, pending, "terminal failure removes the row")

	runs, err := s.ListRuns(ctx, store.RunFilter{TaskID: tk.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Success)
}

func testExpiredLeaseIsReclaimed(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())
	mustEnqueue(t, s, readyRequest(tk.ID))

	w1, err := s.LeaseWork(ctx, "w1", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, w1)

	// Held leases are not stealable.
	blocked, err := s.LeaseWork(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	time.Sleep(150 * time.Millisecond)

	// After expiry another worker reclaims the row; attempt is not
	// incremented by the reclaim.
	w2, err := s.LeaseWork(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, w2)
	assert.Equal(t, w1.ID, w2.ID)
	assert.Equal(t, w1.Attempt, w2.Attempt)
}

func testLateCommitRejected(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())
	mustEnqueue(t, s, readyRequest(tk.ID))

	w1, err := s.LeaseWork(ctx, "w1", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, w1)

	time.Sleep(150 * time.Millisecond)

	w2, err := s.LeaseWork(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, w2)

	// W1's late commit is rejected and records nothing.
	now := time.Now()
	err = s.CompleteWork(ctx, w1.ID, "w1", &store.Run{Success: true, StartedAt: now, FinishedAt: now})
	require.Error(t, err)
	assert.Equal(t, errors.KindLeaseLost, errors.Kind(err))

	runs, err := s.ListRuns(ctx, store.RunFilter{TaskID: tk.ID})
	require.NoError(t, err)
	assert.Empty(t, runs)

	// W2's commit is authoritative.
	require.NoError(t, s.CompleteWork(ctx, w2.ID, "w2", &store.Run{Success: true, StartedAt: now, FinishedAt: now}))
	runs, err = s.ListRuns(ctx, store.RunFilter{TaskID: tk.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "w2", runs[0].LeaseOwner)
}

func testRenewExtendsLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())
	mustEnqueue(t, s, readyRequest(tk.ID))

	w, err := s.LeaseWork(ctx, "w-renew", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, w)

	until, err := s.RenewLease(ctx, w.ID, "w-renew", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, until.After(*w.LockedUntil), "renewal must extend the lease")

	// Strangers cannot renew.
	_, err = s.RenewLease(ctx, w.ID, "intruder", time.Minute)
	require.Error(t, err)
	assert.Equal(t, errors.KindLeaseLost, errors.Kind(err))
}

func testReleaseMakesRowAvailable(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())
	mustEnqueue(t, s, readyRequest(tk.ID))

	w, err := s.LeaseWork(ctx, "w-release", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, w)

	require.NoError(t, s.ReleaseLease(ctx, w.ID, "w-release"))

	w2, err := s.LeaseWork(ctx, "w-other", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, w2)
	assert.Equal(t, w.ID, w2.ID)
	assert.Equal(t, w.Attempt, w2.Attempt, "release must not consume an attempt")
}

func testConcurrencyKeySerializes(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask(func(t *task.Task) {
		t.Policy.ConcurrencyKey = "tenant-42"
	}))

	req := readyRequest(tk.ID)
	req.ConcurrencyKey = "tenant-42"
	first := mustEnqueue(t, s, req)
	mustEnqueue(t, s, req)

	w1, err := s.LeaseWork(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, w1)
	assert.Equal(t, first.ID, w1.ID)

	// The second row shares the key and is skipped, not waited on.
	w2, err := s.LeaseWork(ctx, "w2", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, w2)

	// Completing the holder frees the key.
	now := time.Now()
	require.NoError(t, s.CompleteWork(ctx, w1.ID, "w1", &store.Run{Success: true, StartedAt: now, FinishedAt: now}))

	w3, err := s.LeaseWork(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, w3)
}

func testAtMostOnceUnderContention(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())
	mustEnqueue(t, s, readyRequest(tk.ID))

	const workers = 50
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			workerID := uuid.NewString()
			w, err := s.LeaseWork(ctx, workerID, time.Minute)
			if err != nil || w == nil {
				return
			}
			mu.Lock()
			wins = append(wins, workerID)
			mu.Unlock()
			now := time.Now()
			_ = s.CompleteWork(ctx, w.ID, workerID, &store.Run{Success: true, StartedAt: now, FinishedAt: now})
		}(i)
	}
	wg.Wait()

	require.Len(t, wins, 1, "exactly one worker may win the lease")

	runs, err := s.ListRuns(ctx, store.RunFilter{TaskID: tk.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, wins[0], runs[0].LeaseOwner)
}

func testShiftPendingWork(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())

	runAt := time.Now().Add(10 * time.Minute)
	mustEnqueue(t, s, store.EnqueueRequest{TaskID: tk.ID, RunAt: runAt, Priority: 5})

	moved, err := s.ShiftPendingWork(ctx, tk.ID, 30*time.Minute, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	pending, err := s.PendingWork(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.WithinDuration(t, runAt.Add(30*time.Minute), pending[0].RunAt, time.Second)

	// A negative shift floors at the given instant.
	floor := time.Now()
	moved, err = s.ShiftPendingWork(ctx, tk.ID, -24*time.Hour, floor)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	pending, err = s.PendingWork(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.WithinDuration(t, floor, pending[0].RunAt, time.Second)

	// Leased rows do not shift.
	w, err := s.LeaseWork(ctx, "w-shift", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, w)
	moved, err = s.ShiftPendingWork(ctx, tk.ID, time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, moved)
}

func testDepth(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())

	mustEnqueue(t, s, readyRequest(tk.ID))
	mustEnqueue(t, s, readyRequest(tk.ID))
	mustEnqueue(t, s, store.EnqueueRequest{TaskID: tk.ID, RunAt: time.Now().Add(time.Hour), Priority: 5})

	w, err := s.LeaseWork(ctx, "w-depth", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, w)

	d, err := s.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Ready)
	assert.Equal(t, 1, d.Leased)
	assert.Equal(t, 1, d.Scheduled)
}

func testHeartbeats(t *testing.T, s store.Store) {
	ctx := context.Background()

	first := time.Now().Add(-time.Minute)
	require.NoError(t, s.UpsertHeartbeat(ctx, "worker-a", first))
	require.NoError(t, s.UpsertHeartbeat(ctx, "worker-b", time.Now()))

	// Upsert replaces, never duplicates.
	require.NoError(t, s.UpsertHeartbeat(ctx, "worker-a", time.Now().Add(time.Minute)))

	beats, err := s.ListHeartbeats(ctx)
	require.NoError(t, err)
	require.Len(t, beats, 2)
	assert.Equal(t, "worker-a", beats[0].WorkerID, "most recent heartbeat first")
	assert.True(t, beats[0].LastSeen.After(first))
}

func testRunHistory(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := mustCreate(t, s, newTask())

	for i := 0; i < 3; i++ {
		mustEnqueue(t, s, readyRequest(tk.ID))
		w, err := s.LeaseWork(ctx, "w-history", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, w)
		now := time.Now()
		require.NoError(t, s.CompleteWork(ctx, w.ID, "w-history", &store.Run{
			Success:    true,
			StartedAt:  now,
			FinishedAt: now,
		}))
		time.Sleep(5 * time.Millisecond)
	}

	runs, err := s.ListRuns(ctx, store.RunFilter{TaskID: tk.ID})
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for i := 1; i < len(runs); i++ {
		assert.False(t, runs[i].FinishedAt.After(runs[i-1].FinishedAt), "runs must list newest first")
	}

	// Pagination.
	page, err := s.ListRuns(ctx, store.RunFilter{TaskID: tk.ID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, page, 2)
	page, err = s.ListRuns(ctx, store.RunFilter{TaskID: tk.ID, Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}
