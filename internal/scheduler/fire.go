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
	"github.com/tombee/baton/internal/metrics"
	"github.com/tombee/baton/internal/queue"
	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/task"
)

// tick fires every due trigger once, emitting catch-up occurrences in
// order, then re-arms each trigger at its following fire.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*trigger, 0, 4)
	for _, tr := range s.triggers {
		if !tr.next.After(now) {
			due = append(due, tr)
		}
	}
	s.mu.Unlock()

	for _, tr := range due {
		s.fire(ctx, tr, now)
	}
}

// fire emits the trigger's due occurrences and re-arms it. Transient
// store failures leave the trigger at the first unemitted occurrence,
// so the next tick resumes exactly where this one stopped.
func (s *Scheduler) fire(ctx context.Context, tr *trigger, now time.Time) {
	s.mu.Lock()
	cur, ok := s.triggers[tr.task.ID]
	if !ok || cur != tr || tr.next.After(now) {
		// Replaced, dropped or snoozed since the tick collected it.
		s.mu.Unlock()
		return
	}
	tk := tr.task
	armed := tr.next
	s.mu.Unlock()

	emit, nextFire, exhausted, err := s.walkOccurrences(tk, armed, now)
	if err != nil {
		s.logger.Error("dropping trigger for unusable schedule",
			slog.String(log.TaskIDKey, tk.ID),
			slog.Any("error", err))
		s.deregisterTask(tk.ID)
		return
	}

	if len(emit) > 1 {
		s.logger.Info("catching up missed occurrences",
			slog.String(log.TaskIDKey, tk.ID),
			slog.Int("missed", len(emit)),
			slog.String("policy", string(s.catchUp)))
		if s.catchUp == CatchUpLatest {
			// The final occurrence stands in for the rest; advancing the
			// high-water mark past them is what skips them for good.
			emit = emit[len(emit)-1:]
		}
	}

	for _, occ := range emit {
		if ferr := s.fireOccurrence(ctx, tk, occ); ferr != nil {
			// Re-arm at the failed occurrence and let the next tick retry.
			s.logger.Warn("fire failed, will retry",
				slog.String(log.TaskIDKey, tk.ID),
				slog.Time("occurrence", occ),
				slog.Any("error", ferr))
			s.rearm(ctx, tr, occ, false)
			return
		}
	}

	if exhausted {
		s.deregisterTask(tk.ID)
		s.persistNextRun(ctx, tk.ID, nil)
		s.logger.Info("schedule exhausted",
			slog.String(log.TaskIDKey, tk.ID),
			slog.String("kind", string(tk.Schedule.Kind)))
		return
	}
	s.rearm(ctx, tr, nextFire, true)
}

// walkOccurrences collects the occurrences due in (armed, now], bounded
// by catchUpBatch, and the following fire time. exhausted reports that
// the schedule ends after the collected occurrences.
func (s *Scheduler) walkOccurrences(tk *task.Task, armed, now time.Time) (emit []time.Time, nextFire time.Time, exhausted bool, err error) {
	cursor := armed
	for {
		if cursor.After(now) || len(emit) >= catchUpBatch {
			return emit, cursor, false, nil
		}
		emit = append(emit, cursor)

		next, more, derr := tk.Schedule.Next(cursor, tk.CreatedAt)
		if derr != nil {
			return nil, time.Time{}, false, derr
		}
		if !more {
			return emit, time.Time{}, true, nil
		}
		cursor = next
	}
}

// fireOccurrence enqueues one occurrence and advances the high-water
// mark. Ordering matters: the row is inserted first, so a crash between
// the two writes re-offers the occurrence and the unique (task,
// occurrence) index suppresses the duplicate.
func (s *Scheduler) fireOccurrence(ctx context.Context, tk *task.Task, occ time.Time) error {
	if tk.HighWater != nil && !occ.After(*tk.HighWater) {
		// Already emitted; a backward clock jump re-derives old fires.
		return nil
	}

	o := occ
	_, err := s.queue.Enqueue(ctx, store.EnqueueRequest{
		TaskID:         tk.ID,
		RunAt:          occ,
		Priority:       tk.Policy.Priority,
		Occurrence:     &o,
		DedupeKey:      tk.Policy.DedupeKey,
		DedupeWindow:   tk.Policy.DedupeWindow(),
		ConcurrencyKey: tk.Policy.ConcurrencyKey,
	}, queue.SourceSchedule)
	if err != nil {
		return err
	}

	if err := s.store.SetHighWater(ctx, tk.ID, occ); err != nil {
		// The occurrence guard absorbs the re-fire this may cause.
		s.logger.Warn("high-water persist failed",
			slog.String(log.TaskIDKey, tk.ID),
			slog.Any("error", err))
	} else {
		hw := occ
		tk.HighWater = &hw
	}

	metrics.RecordFire(string(tk.Schedule.Kind))
	s.logger.Debug("occurrence fired",
		slog.String(log.TaskIDKey, tk.ID),
		slog.Time("occurrence", occ))
	return nil
}

// rearm points the trigger at its next fire, unless the registration
// changed while this fire was in flight. persist records the new time
// on the task row.
func (s *Scheduler) rearm(ctx context.Context, tr *trigger, next time.Time, persist bool) {
	s.mu.Lock()
	cur, ok := s.triggers[tr.task.ID]
	if !ok || cur != tr {
		s.mu.Unlock()
		return
	}
	tr.next = next
	s.mu.Unlock()

	if persist {
		s.persistNextRun(ctx, tr.task.ID, &next)
	}
}
