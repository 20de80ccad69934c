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

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/internal/store/memory"
	"github.com/tombee/baton/pkg/backoff"
	"github.com/tombee/baton/pkg/pipeline"
	"github.com/tombee/baton/pkg/task"
)

func newQueue(t *testing.T) (*Queue, store.Store) {
	t.Helper()
	s := memory.New()
	q := New(s,
		WithClock(time.Now),
		WithRand(func() float64 { return 1.0 }), // jitter off: delay = full curve
	)
	return q, s
}

func seedTask(t *testing.T, s store.Store, mutate ...func(*task.Task)) *task.Task {
	t.Helper()
	tk := &task.Task{
		ID:      uuid.NewString(),
		AgentID: "queue-test",
		Title:   "queue test task",
		Schedule: task.Schedule{
			Kind:       task.ScheduleEvent,
			Expression: "queue.test",
		},
		Payload: task.Payload{
			Pipeline: []pipeline.Step{{ID: "noop", Uses: "core.echo"}},
		},
	}
	tk.ApplyDefaults()
	for _, m := range mutate {
		m(tk)
	}
	require.NoError(t, s.CreateTask(context.Background(), tk))
	return tk
}

func leaseOne(t *testing.T, q *Queue, workerID string) *store.DueWork {
	t.Helper()
	w, err := q.Lease(context.Background(), workerID, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, w)
	return w
}

func failedRun(started time.Time) *store.Run {
	return &store.Run{
		StartedAt:  started,
		FinishedAt: started.Add(10 * time.Millisecond),
		Error:      "boom",
		ErrorKind:  "tool",
	}
}

func TestFailReArmsWithBackoff(t *testing.T) {
	ctx := context.Background()
	q, s := newQueue(t)
	tk := seedTask(t, s, func(tk *task.Task) {
		tk.Policy.MaxRetries = 3
		tk.Policy.Backoff = backoff.ExponentialJitter
	})

	_, err := q.Enqueue(ctx, store.EnqueueRequest{
		TaskID:   tk.ID,
		RunAt:    time.Now().Add(-time.Second),
		Priority: tk.Policy.Priority,
	}, SourceRunNow)
	require.NoError(t, err)

	w := leaseOne(t, q, "w1")
	require.Equal(t, 1, w.Attempt)

	before := time.Now()
	retryAt, err := q.Fail(ctx, w, "w1", failedRun(before), tk.Policy, true)
	require.NoError(t, err)
	require.NotNil(t, retryAt, "first failure of four-attempt budget must retry")

	// Attempt 1 with jitter pinned at 1.0: delay is exactly Base.
	assert.WithinDuration(t, before.Add(backoff.Base), *retryAt, 200*time.Millisecond)

	pending, err := s.PendingWork(ctx, tk.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempt)
	assert.Nil(t, pending[0].LeaseOwner)
}

func TestFailTerminalAtBudget(t *testing.T) {
	ctx := context.Background()
	q, s := newQueue(t)
	tk := seedTask(t, s, func(tk *task.Task) {
		tk.Policy.MaxRetries = 0
	})

	_, err := q.Enqueue(ctx, store.EnqueueRequest{
		TaskID: tk.ID,
		RunAt:  time.Now().Add(-time.Second),
	}, SourceRunNow)
	require.NoError(t, err)

	w := leaseOne(t, q, "w1")
	retryAt, err := q.Fail(ctx, w, "w1", failedRun(time.Now()), tk.Policy, true)
	require.NoError(t, err)
	assert.Nil(t, retryAt, "max_retries=0 means one attempt only")

	pending, err := s.PendingWork(ctx, tk.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	runs, err := s.ListRuns(ctx, store.RunFilter{TaskID: tk.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Success)
}

func TestFailNonRetryableIsTerminal(t *testing.T) {
	ctx := context.Background()
	q, s := newQueue(t)
	tk := seedTask(t, s, func(tk *task.Task) {
		tk.Policy.MaxRetries = 5
	})

	_, err := q.Enqueue(ctx, store.EnqueueRequest{
		TaskID: tk.ID,
		RunAt:  time.Now().Add(-time.Second),
	}, SourceRunNow)
	require.NoError(t, err)

	w := leaseOne(t, q, "w1")
	run := failedRun(time.Now())
	run.ErrorKind = "template"
	retryAt, err := q.Fail(ctx, w, "w1", run, tk.Policy, false)
	require.NoError(t, err)
	assert.Nil(t, retryAt, "non-retryable failures never re-arm")

	pending, err := s.PendingWork(ctx, tk.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFailExhaustsBudgetAcrossAttempts(t *testing.T) {
	ctx := context.Background()
	q, s := newQueue(t)
	tk := seedTask(t, s, func(tk *task.Task) {
		tk.Policy.MaxRetries = 2
		tk.Policy.Backoff = backoff.Fixed
	})

	// Backdate retries so the re-armed row is immediately leasable.
	q.clock = func() time.Time { return time.Now().Add(-2 * backoff.Base) }

	_, err := q.Enqueue(ctx, store.EnqueueRequest{
		TaskID: tk.ID,
		RunAt:  time.Now().Add(-time.Second),
	}, SourceRunNow)
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		w := leaseOne(t, q, "w1")
		assert.Equal(t, want, w.Attempt)
		retryAt, err := q.Fail(ctx, w, "w1", failedRun(time.Now()), tk.Policy, true)
		require.NoError(t, err)
		if want < 3 {
			assert.NotNil(t, retryAt)
		} else {
			assert.Nil(t, retryAt, "third failure exhausts max_retries=2")
		}
	}

	runs, err := s.ListRuns(ctx, store.RunFilter{TaskID: tk.ID})
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestCompleteRecordsOutcome(t *testing.T) {
	ctx := context.Background()
	q, s := newQueue(t)
	tk := seedTask(t, s)

	_, err := q.Enqueue(ctx, store.EnqueueRequest{
		TaskID: tk.ID,
		RunAt:  time.Now().Add(-time.Second),
	}, SourceRunNow)
	require.NoError(t, err)

	w := leaseOne(t, q, "w1")
	now := time.Now()
	require.NoError(t, q.Complete(ctx, w, "w1", &store.Run{
		Success:    true,
		StartedAt:  now,
		FinishedAt: now.Add(5 * time.Millisecond),
	}))

	runs, err := s.ListRuns(ctx, store.RunFilter{TaskID: tk.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success)
	assert.Equal(t, 1, runs[0].Attempt)
}

func TestEnqueueSuppressionPassesThrough(t *testing.T) {
	ctx := context.Background()
	q, s := newQueue(t)
	tk := seedTask(t, s, func(tk *task.Task) {
		tk.Policy.DedupeKey = "only-one"
	})

	req := store.EnqueueRequest{
		TaskID:    tk.ID,
		RunAt:     time.Now().Add(-time.Second),
		DedupeKey: tk.Policy.DedupeKey,
	}
	first, err := q.Enqueue(ctx, req, SourceRunNow)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.Enqueue(ctx, req, SourceRunNow)
	require.NoError(t, err)
	assert.Nil(t, second, "duplicate dedupe key must suppress")
}

func TestObserveDepth(t *testing.T) {
	ctx := context.Background()
	q, s := newQueue(t)
	tk := seedTask(t, s)

	_, err := q.Enqueue(ctx, store.EnqueueRequest{
		TaskID: tk.ID,
		RunAt:  time.Now().Add(-time.Second),
	}, SourceRunNow)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, store.EnqueueRequest{
		TaskID: tk.ID,
		RunAt:  time.Now().Add(time.Hour),
	}, SourceSchedule)
	require.NoError(t, err)

	leaseOne(t, q, "w1")

	d, err := q.ObserveDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Leased)
	assert.Equal(t, 1, d.Scheduled)
	assert.Equal(t, 0, d.Ready)
}
