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
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/baton/internal/log"
	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/pipeline"
	"github.com/tombee/baton/pkg/task"
)

// process runs one leased row to a commit: a skipped Run when the task
// is no longer active, a successful Run, a failed Run (re-armed or
// terminal, the queue decides), or no record at all when the attempt
// was aborted or the lease was lost.
func (p *Pool) process(ctx context.Context, logger *slog.Logger, workerID string, w *store.DueWork) {
	logger = logger.With(
		slog.String(log.TaskIDKey, w.TaskID),
		slog.Int64(log.WorkIDKey, w.ID),
		slog.Int(log.AttemptKey, w.Attempt))

	tk, err := p.loadTask(ctx, w.TaskID)
	if err != nil {
		if errors.Kind(err) == errors.KindNotFound {
			// The row outlived its task. Retire it with a skipped Run
			// instead of bouncing it between workers forever.
			p.commitSkipped(ctx, logger, workerID, w, nil, uuid.NewString(), p.clock().UTC())
			return
		}
		// Without the definition nothing can run. Give the row back;
		// the attempt leaves no record.
		logger.Warn("task load failed, releasing lease", slog.Any("error", err))
		p.release(ctx, logger, workerID, w.ID)
		return
	}

	started := p.clock().UTC()
	runID := uuid.NewString()
	logger = logger.With(slog.String(log.RunIDKey, runID))

	if tk.Status != task.StatusActive {
		p.commitSkipped(ctx, logger, workerID, w, tk, runID, started)
		return
	}

	// The pipeline's wall-clock budget is the lease minus the safety
	// margin, so a finished run always has lease left to commit under.
	// The watchdog renews once when the budget runs out; after that it
	// aborts the run.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.trackRun(w.ID, cancel)
	defer p.untrackRun(w.ID)

	var renewed atomic.Bool
	var watchdog *time.Timer
	watchdog = time.AfterFunc(p.leaseFor-p.safety, func() {
		if renewed.CompareAndSwap(false, true) {
			until, err := p.queue.Renew(ctx, w.ID, workerID, p.leaseFor)
			if err == nil {
				if left := time.Until(until) - p.safety; left > 0 {
					logger.Debug("lease renewed", slog.Time("locked_until", until))
					watchdog.Reset(left)
					return
				}
			} else {
				logger.Warn("lease renewal failed", slog.Any("error", err))
			}
		}
		cancel()
	})
	defer watchdog.Stop()

	c, execErr := p.engine.Execute(runCtx, pipeline.Input{
		TaskID:  tk.ID,
		RunID:   runID,
		Attempt: w.Attempt,
		Steps:   tk.Payload.Pipeline,
		Params:  tk.Payload.Params,
		Now:     started,
	})
	finished := p.clock().UTC()

	if execErr != nil && runCtx.Err() != nil {
		// The abort poisoned the failure: the budget ran out or the
		// pool is draining. Discard the attempt and hand the row back.
		logger.Warn("run aborted",
			slog.Any("cause", runCtx.Err()),
			slog.Duration(log.DurationKey, finished.Sub(started)))
		p.release(ctx, logger, workerID, w.ID)
		return
	}

	output, merr := c.MarshalOutput()
	if merr != nil {
		logger.Error("output marshal failed", slog.Any("error", merr))
		output = nil
	}

	run := &store.Run{
		ID:         runID,
		Attempt:    w.Attempt,
		StartedAt:  started,
		FinishedAt: finished,
		Output:     output,
	}

	if execErr == nil {
		run.Success = true
		err = p.withStoreRetry(ctx, func() error {
			return p.queue.Complete(ctx, w, workerID, run)
		})
	} else {
		run.Error = execErr.Error()
		run.ErrorKind = errors.Kind(execErr)
		err = p.withStoreRetry(ctx, func() error {
			_, ferr := p.queue.Fail(ctx, w, workerID, run, tk.Policy, errors.Retryable(execErr))
			return ferr
		})
	}
	if err != nil {
		if errors.Kind(err) == errors.KindLeaseLost {
			// Someone else owns the attempt now; the result is theirs
			// to produce. Ours is discarded without a trace.
			logger.Debug("commit rejected, lease lost")
			return
		}
		logger.Error("run commit failed", slog.Any("error", err))
	}
}

// commitSkipped records a Run that never executed: the task was paused,
// canceled or completed between enqueue and lease.
func (p *Pool) commitSkipped(ctx context.Context, logger *slog.Logger, workerID string, w *store.DueWork, tk *task.Task, runID string, at time.Time) {
	run := &store.Run{
		ID:         runID,
		Attempt:    w.Attempt,
		StartedAt:  at,
		FinishedAt: at,
		Skipped:    true,
	}
	err := p.withStoreRetry(ctx, func() error {
		return p.queue.Complete(ctx, w, workerID, run)
	})
	if err != nil {
		if errors.Kind(err) == errors.KindLeaseLost {
			logger.Debug("skip commit rejected, lease lost")
			return
		}
		logger.Error("skip commit failed", slog.Any("error", err))
		return
	}
	status := "missing"
	if tk != nil {
		status = string(tk.Status)
	}
	logger.Info("work skipped", slog.String("task_status", status))
}

// loadTask fetches the row's task, retrying transient store failures.
func (p *Pool) loadTask(ctx context.Context, taskID string) (*task.Task, error) {
	var tk *task.Task
	err := p.withStoreRetry(ctx, func() error {
		var gerr error
		tk, gerr = p.store.GetTask(ctx, taskID)
		return gerr
	})
	return tk, err
}

// release hands a leased row back to the queue. Failures only get a
// log line; an unreleased lease expires on its own.
func (p *Pool) release(ctx context.Context, logger *slog.Logger, workerID string, workID int64) {
	if err := p.queue.Release(ctx, workID, workerID); err != nil {
		logger.Debug("release failed", slog.Any("error", err))
	}
}

// withStoreRetry runs op, retrying transient store failures with a
// short linear backoff. Every other outcome passes straight through.
func (p *Pool) withStoreRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || errors.Kind(err) != errors.KindTransientStore || attempt == storeRetries {
			return err
		}
		t := time.NewTimer(time.Duration(attempt+1) * storeRetryDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return err
		}
	}
}
