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

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/baton/internal/queue"
	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/internal/store/memory"
	"github.com/tombee/baton/pkg/backoff"
	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/pipeline"
	"github.com/tombee/baton/pkg/task"
)

// stubInvoker satisfies pipeline.Invoker with a swappable handler and
// an invocation counter. The handler receives the 1-based call number.
type stubInvoker struct {
	mu      sync.Mutex
	calls   int
	handler func(call int, ctx context.Context, args map[string]any) (any, error)
}

func (s *stubInvoker) Invoke(ctx context.Context, address string, args map[string]any) (any, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return map[string]any{"ok": true, "tool": address}, nil
	}
	return h(call, ctx, args)
}

func (s *stubInvoker) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestPool(t *testing.T, inv pipeline.Invoker, opts ...Option) (*Pool, store.Store, *queue.Queue) {
	t.Helper()
	st := memory.New()
	q := queue.New(st)
	eng := pipeline.NewEngine(inv, pipeline.WithStepTimeout(5*time.Second))
	base := []Option{
		WithName("pool-test"),
		WithCount(1),
		WithPollInterval(10 * time.Millisecond),
		WithPollJitter(0),
		WithLease(2 * time.Second),
		WithSafetyMargin(200 * time.Millisecond),
		WithHeartbeatInterval(20 * time.Millisecond),
	}
	return New(st, q, eng, append(base, opts...)...), st, q
}

func startPool(t *testing.T, p *Pool) {
	t.Helper()
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
}

func seedWorkerTask(t *testing.T, st store.Store, steps []pipeline.Step, mutate ...func(*task.Task)) *task.Task {
	t.Helper()
	tk := &task.Task{
		ID:      uuid.NewString(),
		AgentID: "worker-test",
		Title:   "worker test task",
		Schedule: task.Schedule{
			Kind:       task.ScheduleCron,
			Expression: "0 3 * * *",
			Timezone:   "UTC",
		},
		Payload: task.Payload{Pipeline: steps},
	}
	tk.ApplyDefaults()
	for _, m := range mutate {
		m(tk)
	}
	require.NoError(t, st.CreateTask(context.Background(), tk))
	return tk
}

func enqueueWork(t *testing.T, q *queue.Queue, taskID string) *store.DueWork {
	t.Helper()
	w, err := q.Enqueue(context.Background(), store.EnqueueRequest{
		TaskID: taskID,
		RunAt:  time.Now().Add(-time.Second),
	}, queue.SourceSchedule)
	require.NoError(t, err)
	require.NotNil(t, w)
	return w
}

func taskRuns(t *testing.T, st store.Store, taskID string) []*store.Run {
	t.Helper()
	runs, err := st.ListRuns(context.Background(), store.RunFilter{TaskID: taskID})
	require.NoError(t, err)
	return runs
}

func TestPoolRunsDueWorkToSuccess(t *testing.T) {
	inv := &stubInvoker{}
	p, st, q := newTestPool(t, inv)
	tk := seedWorkerTask(t, st, []pipeline.Step{
		{ID: "fetch", Uses: "test.fetch"},
		{ID: "save", Uses: "test.save", With: map[string]any{"ok": "${fetch.ok}"}},
	})
	enqueueWork(t, q, tk.ID)
	startPool(t, p)

	var runs []*store.Run
	require.Eventually(t, func() bool {
		runs = taskRuns(t, st, tk.ID)
		return len(runs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	run := runs[0]
	assert.True(t, run.Success)
	assert.False(t, run.Skipped)
	assert.Equal(t, 1, run.Attempt)
	assert.Equal(t, tk.ID, run.TaskID)
	assert.Equal(t, "pool-test-0", run.LeaseOwner)
	assert.False(t, run.FinishedAt.Before(run.StartedAt))

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(run.Output, &out))
	assert.Contains(t, out, "fetch")
	assert.Contains(t, out, "save")
	assert.NotContains(t, out, "failed_step")

	pending, err := st.PendingWork(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPoolSkipsInactiveTask(t *testing.T) {
	inv := &stubInvoker{}
	p, st, q := newTestPool(t, inv)
	tk := seedWorkerTask(t, st, []pipeline.Step{{ID: "noop", Uses: "test.noop"}})
	enqueueWork(t, q, tk.ID)
	require.NoError(t, st.SetTaskStatus(context.Background(), tk.ID, task.StatusPaused))
	startPool(t, p)

	var runs []*store.Run
	require.Eventually(t, func() bool {
		runs = taskRuns(t, st, tk.ID)
		return len(runs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	run := runs[0]
	assert.True(t, run.Skipped)
	assert.False(t, run.Success)
	assert.Zero(t, inv.count(), "paused task must not execute")

	pending, err := st.PendingWork(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPoolReArmsRetryableFailure(t *testing.T) {
	inv := &stubInvoker{}
	inv.handler = func(call int, _ context.Context, _ map[string]any) (any, error) {
		if call == 1 {
			return nil, &errors.ToolError{Address: "test.flaky", StepID: "flaky", Cause: fmt.Errorf("boom")}
		}
		return map[string]any{"ok": true}, nil
	}
	p, st, q := newTestPool(t, inv)
	tk := seedWorkerTask(t, st, []pipeline.Step{{ID: "flaky", Uses: "test.flaky"}},
		func(tk *task.Task) {
			tk.Policy.MaxRetries = 2
			tk.Policy.Backoff = backoff.Fixed
		})
	enqueueWork(t, q, tk.ID)
	startPool(t, p)

	// The first delivery fails and re-arms at now+Base; the second
	// succeeds. ListRuns is newest-first.
	var runs []*store.Run
	require.Eventually(t, func() bool {
		runs = taskRuns(t, st, tk.ID)
		return len(runs) == 2
	}, 6*time.Second, 20*time.Millisecond)

	assert.True(t, runs[0].Success)
	assert.Equal(t, 2, runs[0].Attempt)

	assert.False(t, runs[1].Success)
	assert.Equal(t, 1, runs[1].Attempt)
	assert.Equal(t, errors.KindTool, runs[1].ErrorKind)
	assert.Contains(t, runs[1].Error, "boom")

	pending, err := st.PendingWork(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPoolTemplateFailureNeverRetries(t *testing.T) {
	inv := &stubInvoker{}
	p, st, q := newTestPool(t, inv)
	tk := seedWorkerTask(t, st, []pipeline.Step{
		{ID: "bad", Uses: "test.noop", With: map[string]any{"x": "${missing.value}"}},
	}, func(tk *task.Task) {
		tk.Policy.MaxRetries = 3
		tk.Policy.Backoff = backoff.Fixed
	})
	enqueueWork(t, q, tk.ID)
	startPool(t, p)

	var runs []*store.Run
	require.Eventually(t, func() bool {
		runs = taskRuns(t, st, tk.ID)
		return len(runs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	run := runs[0]
	assert.False(t, run.Success)
	assert.Equal(t, errors.KindTemplate, run.ErrorKind)
	assert.Zero(t, inv.count(), "render failure must not reach the tool")

	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(run.Output, &out))
	assert.Contains(t, out, "failed_step")

	// Terminal: the row is gone despite the retry budget.
	pending, err := st.PendingWork(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPoolDiscardsCommitWhenLeaseLost(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once

	inv := &stubInvoker{}
	inv.handler = func(_ int, ctx context.Context, _ map[string]any) (any, error) {
		once.Do(func() { close(entered) })
		select {
		case <-gate:
			return map[string]any{"ok": true}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p, st, q := newTestPool(t, inv, WithLease(30*time.Second), WithSafetyMargin(time.Second))
	tk := seedWorkerTask(t, st, []pipeline.Step{{ID: "slow", Uses: "test.slow"}})
	w := enqueueWork(t, q, tk.ID)
	startPool(t, p)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline never started")
	}

	// Steal the lease out from under the running worker.
	require.NoError(t, st.ReleaseLease(context.Background(), w.ID, "pool-test-0"))
	stolen, err := q.Lease(context.Background(), "thief", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, stolen)
	require.Equal(t, w.ID, stolen.ID)

	close(gate)

	// The worker's commit is rejected and discarded without a record.
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, taskRuns(t, st, tk.ID))

	pending, err := st.PendingWork(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotNil(t, pending[0].LeaseOwner)
	assert.Equal(t, "thief", *pending[0].LeaseOwner)
}

func TestPoolAbortsRunExceedingLease(t *testing.T) {
	inv := &stubInvoker{}
	inv.handler = func(call int, ctx context.Context, _ map[string]any) (any, error) {
		if call == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return map[string]any{"ok": true}, nil
	}

	p, st, q := newTestPool(t, inv, WithLease(300*time.Millisecond), WithSafetyMargin(100*time.Millisecond))
	tk := seedWorkerTask(t, st, []pipeline.Step{{ID: "slow", Uses: "test.slow"}})
	enqueueWork(t, q, tk.ID)
	startPool(t, p)

	// Delivery one renews once, runs out of budget and is aborted
	// without a record; delivery two commits. The attempt number never
	// moved because an abort is not a failure.
	var runs []*store.Run
	require.Eventually(t, func() bool {
		runs = taskRuns(t, st, tk.ID)
		return len(runs) == 1
	}, 5*time.Second, 20*time.Millisecond)

	assert.True(t, runs[0].Success)
	assert.Equal(t, 1, runs[0].Attempt)
	assert.GreaterOrEqual(t, inv.count(), 2)
}

func TestPoolStopReleasesInflight(t *testing.T) {
	entered := make(chan struct{})
	var once sync.Once

	inv := &stubInvoker{}
	inv.handler = func(_ int, ctx context.Context, _ map[string]any) (any, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return nil, ctx.Err()
	}

	p, st, q := newTestPool(t, inv, WithLease(30*time.Second), WithSafetyMargin(time.Second))
	tk := seedWorkerTask(t, st, []pipeline.Step{{ID: "slow", Uses: "test.slow"}})
	enqueueWork(t, q, tk.ID)
	require.NoError(t, p.Start(context.Background()))

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Stop(ctx))

	// The aborted run left no record and the row is leasable again.
	assert.Empty(t, taskRuns(t, st, tk.ID))
	pending, err := st.PendingWork(context.Background(), tk.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Nil(t, pending[0].LeaseOwner)
}

func TestPoolRecordsHeartbeats(t *testing.T) {
	inv := &stubInvoker{}
	p, st, _ := newTestPool(t, inv, WithCount(2))
	startPool(t, p)

	require.Eventually(t, func() bool {
		beats, err := st.ListHeartbeats(context.Background())
		return err == nil && len(beats) == 2
	}, 5*time.Second, 10*time.Millisecond)

	beats, err := st.ListHeartbeats(context.Background())
	require.NoError(t, err)
	ids := []string{beats[0].WorkerID, beats[1].WorkerID}
	assert.ElementsMatch(t, []string{"pool-test-0", "pool-test-1"}, ids)
}

func TestPoolStartStopIdempotent(t *testing.T) {
	inv := &stubInvoker{}
	p, _, _ := newTestPool(t, inv)

	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx))
	require.NoError(t, p.Stop(ctx))

	// A stopped pool can start again.
	require.NoError(t, p.Start(context.Background()))
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, p.Stop(ctx2))
}
