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

package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombee/baton/internal/log"
	"github.com/tombee/baton/internal/queue"
	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/task"
)

// TaskCreated registers a trigger for a newly created task. Idempotent:
// re-registration replaces the previous trigger.
func (s *Scheduler) TaskCreated(ctx context.Context, tk *task.Task) {
	s.registerTask(ctx, tk)
}

// TaskUpdated re-derives the task's trigger from its current
// definition. Kind changes move the task between the time-driven set
// and the topic index.
func (s *Scheduler) TaskUpdated(ctx context.Context, tk *task.Task) {
	s.registerTask(ctx, tk)
}

// TaskDeactivated drops the task's trigger. Used for pause and cancel;
// both stop future fires, and the status row decides what a worker does
// with rows already queued.
func (s *Scheduler) TaskDeactivated(id string) {
	s.deregisterTask(id)
}

// Snooze shifts the task's next fire and its pending unleased work by
// delay. Positive delays cap at MaxSnooze; negative delays floor the
// result at now. Returns the new next fire time (nil for event tasks).
func (s *Scheduler) Snooze(ctx context.Context, id string, delay time.Duration) (*time.Time, error) {
	if delay > MaxSnooze {
		delay = MaxSnooze
	}
	if delay < -MaxSnooze {
		delay = -MaxSnooze
	}

	tk, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if tk.Status != task.StatusActive {
		return nil, &errors.ConflictError{
			Resource: "task",
			ID:       id,
			Reason:   "cannot snooze a " + string(tk.Status) + " task",
		}
	}

	now := s.clock()
	var next *time.Time

	s.mu.Lock()
	tr, ok := s.triggers[id]
	if ok {
		shifted := tr.next.Add(delay)
		if shifted.Before(now) {
			shifted = now
		}
		tr.next = shifted
		next = &shifted
	}
	s.mu.Unlock()

	if !ok && tk.Schedule.Kind != task.ScheduleEvent {
		// This process is not ticking the task's trigger. Shift the
		// persisted view instead; the ticking scheduler adopts it on
		// its next reconcile.
		base := tk.NextRun
		if base == nil {
			derived, live, derr := nextOccurrence(tk)
			if derr != nil {
				return nil, derr
			}
			if live {
				base = &derived
			}
		}
		if base != nil {
			shifted := base.Add(delay)
			if shifted.Before(now) {
				shifted = now
			}
			next = &shifted
		}
	}

	if next != nil {
		s.persistNextRun(ctx, id, next)
	}

	moved, err := s.store.ShiftPendingWork(ctx, id, delay, now)
	if err != nil {
		return next, err
	}

	s.logger.Info("task snoozed",
		slog.String(log.TaskIDKey, id),
		slog.Duration("delay", delay),
		slog.Int("moved_rows", moved))
	return next, nil
}

// RunNow enqueues an immediate occurrence-less row for the task,
// honoring its dedupe policy. Returns (nil, nil) when dedupe suppressed
// the insert.
func (s *Scheduler) RunNow(ctx context.Context, id string) (*store.DueWork, error) {
	tk, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if tk.Status != task.StatusActive {
		return nil, &errors.ConflictError{
			Resource: "task",
			ID:       id,
			Reason:   "cannot run a " + string(tk.Status) + " task",
		}
	}

	w, err := s.queue.Enqueue(ctx, store.EnqueueRequest{
		TaskID:         tk.ID,
		RunAt:          s.clock(),
		Priority:       tk.Policy.Priority,
		DedupeKey:      tk.Policy.DedupeKey,
		DedupeWindow:   tk.Policy.DedupeWindow(),
		ConcurrencyKey: tk.Policy.ConcurrencyKey,
	}, queue.SourceRunNow)
	if err != nil {
		return nil, err
	}
	if w == nil {
		s.logger.Info("run_now suppressed by dedupe",
			slog.String(log.TaskIDKey, id))
		return nil, nil
	}
	s.logger.Info("run_now enqueued",
		slog.String(log.TaskIDKey, id),
		slog.Int64(log.WorkIDKey, w.ID))
	return w, nil
}

// OnEvent enqueues immediate work for every active task whose schedule
// is the event's topic. A transient enqueue failure is returned so the
// bus can redeliver; successfully enqueued siblings rely on dedupe to
// absorb the redelivery.
func (s *Scheduler) OnEvent(ctx context.Context, ev Event) error {
	s.mu.Lock()
	matched := make([]*task.Task, 0, 2)
	for _, tk := range s.topics[ev.Topic] {
		matched = append(matched, tk)
	}
	s.mu.Unlock()

	if len(matched) == 0 {
		s.logger.Debug("event matched no tasks",
			slog.String(log.TopicKey, ev.Topic),
			slog.String("event_id", ev.ID))
		return nil
	}

	var firstErr error
	for _, tk := range matched {
		_, err := s.queue.Enqueue(ctx, store.EnqueueRequest{
			TaskID:         tk.ID,
			RunAt:          s.clock(),
			Priority:       tk.Policy.Priority,
			DedupeKey:      tk.Policy.DedupeKey,
			DedupeWindow:   tk.Policy.DedupeWindow(),
			ConcurrencyKey: tk.Policy.ConcurrencyKey,
		}, queue.SourceEvent)
		if err != nil {
			s.logger.Warn("event enqueue failed",
				slog.String(log.TopicKey, ev.Topic),
				slog.String(log.TaskIDKey, tk.ID),
				slog.Any("error", err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.logger.Debug("event matched",
			slog.String(log.TopicKey, ev.Topic),
			slog.String(log.TaskIDKey, tk.ID),
			slog.String("event_id", ev.ID))
	}
	return firstErr
}
