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

// Package scheduler derives fire times for active tasks and turns them
// into due-work rows. Exactly one scheduler is active per deployment
// (see internal/leader); the task table is the source of truth and the
// in-memory trigger set is a cache rebuilt at start and reconciled on
// an interval, so a takeover or restart never loses occurrences.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/baton/internal/log"
	"github.com/tombee/baton/internal/metrics"
	"github.com/tombee/baton/internal/queue"
	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/task"
)

// CatchUp selects how missed occurrences are emitted after downtime or
// a forward clock jump.
type CatchUp string

const (
	// CatchUpAll emits every missed occurrence in order.
	CatchUpAll CatchUp = "all"
	// CatchUpLatest emits only the most recent missed occurrence.
	CatchUpLatest CatchUp = "latest"
)

// Event is one bus record delivered to the scheduler. Matching is exact
// topic equality against active event-kind tasks.
type Event struct {
	ID      string         `json:"id"`
	Topic   string         `json:"topic"`
	Source  string         `json:"source,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Snooze bounds.
const (
	// MaxSnooze caps how far a single snooze may move the next fire.
	MaxSnooze = 7 * 24 * time.Hour
)

const (
	defaultTickInterval   = time.Second
	defaultReconcileEvery = 30 * time.Second

	// catchUpBatch bounds occurrences emitted per trigger per tick, so a
	// long outage drains in slices instead of one unbounded pass.
	catchUpBatch = 1000
)

// trigger is the armed fire state for one time-driven task.
type trigger struct {
	task *task.Task
	next time.Time
}

// Scheduler owns the task → next-fire mapping and the tick loop.
type Scheduler struct {
	store  store.Store
	queue  *queue.Queue
	logger *slog.Logger

	mu       sync.Mutex
	tasks    map[string]*task.Task            // registered active tasks
	triggers map[string]*trigger              // time-driven subset
	topics   map[string]map[string]*task.Task // event subset, by topic
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}

	clock          func() time.Time
	tickEvery      time.Duration
	reconcileEvery time.Duration
	catchUp        CatchUp
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithClock injects a time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Scheduler) { s.clock = fn }
}

// WithTickInterval sets how often due triggers are checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickEvery = d }
}

// WithReconcileInterval sets how often the trigger set is re-synced
// from the task table.
func WithReconcileInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.reconcileEvery = d }
}

// WithCatchUp sets the missed-occurrence policy.
func WithCatchUp(policy CatchUp) Option {
	return func(s *Scheduler) { s.catchUp = policy }
}

// New builds a scheduler over the store and queue. Call Start to load
// triggers and begin ticking.
func New(st store.Store, q *queue.Queue, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:          st,
		queue:          q,
		logger:         slog.Default(),
		tasks:          make(map[string]*task.Task),
		triggers:       make(map[string]*trigger),
		topics:         make(map[string]map[string]*task.Task),
		clock:          time.Now,
		tickEvery:      defaultTickInterval,
		reconcileEvery: defaultReconcileEvery,
		catchUp:        CatchUpAll,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "scheduler"))
	return s
}

// Start rebuilds the trigger set from the task table and begins the
// tick loop. Idempotent while running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.reconcile(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	s.logger.Info("scheduler started",
		slog.Int("triggers", s.triggerCount()),
		slog.String("catch_up", string(s.catchUp)))

	go s.run(ctx)
	return nil
}

// Stop halts the tick loop and waits for it to exit. The trigger set is
// kept; a later Start reconciles it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	<-s.doneCh
	s.logger.Info("scheduler stopped")
}

// run is the tick loop.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()

	lastReconcile := s.clock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := s.clock()
			s.tick(ctx, now)
			if now.Sub(lastReconcile) >= s.reconcileEvery {
				lastReconcile = now
				if err := s.reconcile(ctx); err != nil {
					s.logger.Warn("trigger reconcile failed", slog.Any("error", err))
				}
			}
		}
	}
}

// reconcile syncs the trigger set with the task table: tasks written by
// other processes are picked up, deactivated ones dropped, and changed
// definitions re-derived. Entries whose UpdatedAt is unchanged keep
// their in-memory fire state (a snooze must survive reconciles).
func (s *Scheduler) reconcile(ctx context.Context) error {
	seen := make(map[string]struct{})
	for offset := 0; ; offset += store.MaxListLimit {
		page, err := s.store.ListTasks(ctx, store.TaskFilter{
			Status: task.StatusActive,
			Limit:  store.MaxListLimit,
			Offset: offset,
		})
		if err != nil {
			return err
		}
		for _, tk := range page {
			seen[tk.ID] = struct{}{}
			s.mu.Lock()
			cached, ok := s.tasks[tk.ID]
			unchanged := ok && cached.UpdatedAt.Equal(tk.UpdatedAt)
			if unchanged {
				// A snooze written by another process moves next_run
				// without touching the definition; re-register when
				// the live trigger disagrees with the persisted view.
				if tr, live := s.triggers[tk.ID]; live {
					unchanged = tk.NextRun != nil && tr.next.Equal(*tk.NextRun)
				}
			}
			s.mu.Unlock()
			if unchanged {
				continue
			}
			s.registerTask(ctx, tk)
		}
		if len(page) < store.MaxListLimit {
			break
		}
	}

	s.mu.Lock()
	stale := make([]string, 0)
	for id := range s.tasks {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	for _, id := range stale {
		s.deregisterTask(id)
	}
	return nil
}

// registerTask derives and installs the trigger for an active task,
// replacing any previous registration. Exhausted schedules register
// nothing and may complete the task.
func (s *Scheduler) registerTask(ctx context.Context, tk *task.Task) {
	if tk.Status != task.StatusActive {
		s.deregisterTask(tk.ID)
		return
	}
	tk = tk.Clone()

	if tk.Schedule.Kind == task.ScheduleEvent {
		s.mu.Lock()
		s.removeLocked(tk.ID)
		s.tasks[tk.ID] = tk
		byTopic, ok := s.topics[tk.Schedule.Expression]
		if !ok {
			byTopic = make(map[string]*task.Task)
			s.topics[tk.Schedule.Expression] = byTopic
		}
		byTopic[tk.ID] = tk
		s.mu.Unlock()
		s.noteTriggerCount()
		return
	}

	next, ok, err := nextOccurrence(tk)
	if err != nil {
		// Expressions are validated at the API boundary; reaching this
		// means the stored definition is unusable.
		s.logger.Error("dropping trigger for unusable schedule",
			slog.String(log.TaskIDKey, tk.ID),
			slog.Any("error", err))
		s.deregisterTask(tk.ID)
		return
	}
	if !ok {
		s.deregisterTask(tk.ID)
		s.finishExhausted(ctx, tk)
		return
	}

	// A persisted next_run later than the derived fire is an armed
	// snooze; it survives restarts.
	if tk.NextRun != nil && tk.NextRun.After(next) {
		next = *tk.NextRun
	}

	s.mu.Lock()
	s.removeLocked(tk.ID)
	s.tasks[tk.ID] = tk
	s.triggers[tk.ID] = &trigger{task: tk, next: next}
	s.mu.Unlock()
	s.noteTriggerCount()

	if tk.NextRun == nil || !tk.NextRun.Equal(next) {
		s.persistNextRun(ctx, tk.ID, &next)
	}
	s.logger.Debug("trigger registered",
		slog.String(log.TaskIDKey, tk.ID),
		slog.String("kind", string(tk.Schedule.Kind)),
		slog.Time("next", next))
}

// deregisterTask removes a task from the trigger set and topic index.
func (s *Scheduler) deregisterTask(id string) {
	s.mu.Lock()
	s.removeLocked(id)
	s.mu.Unlock()
	s.noteTriggerCount()
}

// removeLocked drops all registration state for id. Caller holds mu.
func (s *Scheduler) removeLocked(id string) {
	tk, ok := s.tasks[id]
	if !ok {
		return
	}
	delete(s.tasks, id)
	delete(s.triggers, id)
	if tk.Schedule.Kind == task.ScheduleEvent {
		byTopic := s.topics[tk.Schedule.Expression]
		delete(byTopic, id)
		if len(byTopic) == 0 {
			delete(s.topics, tk.Schedule.Expression)
		}
	}
}

// finishExhausted transitions a schedule with no further occurrences to
// completed, once nothing remains in the queue for it. The worker
// performs the same transition at commit time; this path sweeps tasks
// whose final run finished while no scheduler was watching.
func (s *Scheduler) finishExhausted(ctx context.Context, tk *task.Task) {
	pending, err := s.store.PendingWork(ctx, tk.ID)
	if err != nil {
		s.logger.Warn("pending-work check failed",
			slog.String(log.TaskIDKey, tk.ID),
			slog.Any("error", err))
		return
	}
	if len(pending) > 0 {
		return
	}
	s.persistNextRun(ctx, tk.ID, nil)
	if err := s.store.SetTaskStatus(ctx, tk.ID, task.StatusCompleted); err != nil {
		s.logger.Warn("complete transition failed",
			slog.String(log.TaskIDKey, tk.ID),
			slog.Any("error", err))
		return
	}
	s.logger.Info("task completed: schedule exhausted",
		slog.String(log.TaskIDKey, tk.ID))
}

// persistNextRun records the derived fire time for observability.
func (s *Scheduler) persistNextRun(ctx context.Context, id string, next *time.Time) {
	if err := s.store.SetNextRun(ctx, id, next); err != nil {
		s.logger.Warn("next-run persist failed",
			slog.String(log.TaskIDKey, id),
			slog.Any("error", err))
	}
}

// triggerCount is the registered task census (time and event kinds).
func (s *Scheduler) triggerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) noteTriggerCount() {
	metrics.SetTriggerCount(s.triggerCount())
}

// nextOccurrence derives the first unemitted occurrence for a task.
// The high-water mark is the resume point: everything at or before it
// has already been handed to the queue. A once schedule whose instant
// already passed still fires (immediately) unless the mark covers it.
func nextOccurrence(tk *task.Task) (time.Time, bool, error) {
	if tk.Schedule.Kind == task.ScheduleOnce {
		at, err := tk.Schedule.OnceAt()
		if err != nil {
			return time.Time{}, false, err
		}
		if tk.HighWater != nil && !at.After(*tk.HighWater) {
			return time.Time{}, false, nil
		}
		return at, true, nil
	}

	after := tk.CreatedAt
	if tk.HighWater != nil && tk.HighWater.After(after) {
		after = *tk.HighWater
	}
	return tk.Schedule.Next(after, tk.CreatedAt)
}
