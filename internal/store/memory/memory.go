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

// Package memory implements store.Store in process memory. It backs
// tests and store.type=memory development mode, with the same
// observable semantics as the Postgres store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/task"
)

// Store is an in-memory store.Store. A single mutex guards all state;
// the contention profile does not matter at the scales this backend
// serves.
type Store struct {
	mu  sync.Mutex
	now func() time.Time

	tasks      map[string]*task.Task
	works      map[int64]*store.DueWork
	runs       map[string]*store.Run
	runOrder   []string
	heartbeats map[string]time.Time

	nextWorkID int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the store's time source. Tests use this to drive
// lease expiry and dedupe windows deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		now:        time.Now,
		tasks:      make(map[string]*task.Task),
		works:      make(map[int64]*store.DueWork),
		runs:       make(map[string]*store.Run),
		heartbeats: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTask inserts a new task. The task id must be unique.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return &errors.ConflictError{Resource: "task", ID: t.ID, Reason: "already exists"}
	}

	dup := t.Clone()
	if dup.CreatedAt.IsZero() {
		dup.CreatedAt = s.now().UTC()
	}
	dup.UpdatedAt = dup.CreatedAt
	s.tasks[dup.ID] = dup

	t.CreatedAt = dup.CreatedAt
	t.UpdatedAt = dup.UpdatedAt
	return nil
}

// GetTask returns the task or a not_found error.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "task", ID: id}
	}
	return t.Clone(), nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f store.TaskFilter) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*task.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		matched = append(matched, t)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	return clonePage(matched, f.Offset, f.Bound()), nil
}

// UpdateTask replaces the task's definition fields.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[t.ID]
	if !ok {
		return &errors.NotFoundError{Resource: "task", ID: t.ID}
	}
	if cur.Status.Terminal() {
		return &errors.ConflictError{Resource: "task", ID: t.ID, Reason: "cannot update a " + string(cur.Status) + " task"}
	}

	dup := t.Clone()
	dup.Status = cur.Status
	dup.NextRun = cloneTime(cur.NextRun)
	dup.HighWater = cloneTime(cur.HighWater)
	dup.CreatedAt = cur.CreatedAt
	dup.UpdatedAt = s.now().UTC()
	s.tasks[t.ID] = dup

	t.UpdatedAt = dup.UpdatedAt
	return nil
}

// SetTaskStatus transitions the task's lifecycle state.
func (s *Store) SetTaskStatus(ctx context.Context, id string, status task.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return &errors.NotFoundError{Resource: "task", ID: id}
	}

	if err := store.CheckTransition(id, t.Status, status); err != nil {
		return err
	}
	if t.Status == status {
		return nil
	}

	t.Status = status
	t.UpdatedAt = s.now().UTC()

	// Canceling discards the task's unleased pending work.
	if status == task.StatusCanceled {
		for workID, w := range s.works {
			if w.TaskID == id && !s.held(w) {
				delete(s.works, workID)
			}
		}
	}
	return nil
}

// SetNextRun records the derived next fire time.
func (s *Store) SetNextRun(ctx context.Context, id string, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return &errors.NotFoundError{Resource: "task", ID: id}
	}
	t.NextRun = cloneTime(next)
	return nil
}

// SetHighWater advances the greatest occurrence handed to the queue.
func (s *Store) SetHighWater(ctx context.Context, id string, hw time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return &errors.NotFoundError{Resource: "task", ID: id}
	}
	if t.HighWater == nil || hw.After(*t.HighWater) {
		mark := hw
		t.HighWater = &mark
	}
	return nil
}

// EnqueueWork inserts a ready-to-run row, or returns (nil, nil) when
// the insert is suppressed by the occurrence guard or dedupe.
func (s *Store) EnqueueWork(ctx context.Context, req store.EnqueueRequest) (*store.DueWork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[req.TaskID]; !ok {
		return nil, &errors.NotFoundError{Resource: "task", ID: req.TaskID}
	}

	if req.Occurrence != nil {
		for _, w := range s.works {
			if w.TaskID == req.TaskID && w.Occurrence != nil && w.Occurrence.Equal(*req.Occurrence) {
				return nil, nil
			}
		}
	}

	if req.DedupeKey != "" {
		for _, w := range s.works {
			if w.TaskID == req.TaskID && w.DedupeKey == req.DedupeKey && w.LeaseOwner == nil {
				return nil, nil
			}
		}
		if req.DedupeWindow > 0 {
			cutoff := s.now().Add(-req.DedupeWindow)
			for _, r := range s.runs {
				if r.TaskID == req.TaskID && r.DedupeKey == req.DedupeKey && r.FinishedAt.After(cutoff) {
					return nil, nil
				}
			}
		}
	}

	s.nextWorkID++
	w := &store.DueWork{
		ID:             s.nextWorkID,
		TaskID:         req.TaskID,
		RunAt:          req.RunAt.UTC(),
		Priority:       req.Priority,
		Occurrence:     cloneTime(req.Occurrence),
		DedupeKey:      req.DedupeKey,
		ConcurrencyKey: req.ConcurrencyKey,
		Attempt:        1,
		CreatedAt:      s.now().UTC(),
	}
	s.works[w.ID] = w

	dup := *w
	return &dup, nil
}

// LeaseWork hands the caller the best admissible row, or (nil, nil).
func (s *Store) LeaseWork(ctx context.Context, workerID string, leaseFor time.Duration) (*store.DueWork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	candidates := make([]*store.DueWork, 0, 4)
	for _, w := range s.works {
		if !w.RunAt.After(now) && !s.held(w) {
			candidates = append(candidates, w)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.RunAt.Equal(b.RunAt) {
			return a.RunAt.Before(b.RunAt)
		}
		return a.ID < b.ID
	})

	for _, w := range candidates {
		if w.ConcurrencyKey != "" && s.concurrencyHeld(w.ConcurrencyKey, w.ID) {
			continue
		}
		owner := workerID
		until := now.Add(leaseFor).UTC()
		w.LeaseOwner = &owner
		w.LockedUntil = &until

		dup := *w
		dupOwner := owner
		dupUntil := until
		dup.LeaseOwner = &dupOwner
		dup.LockedUntil = &dupUntil
		dup.Occurrence = cloneTime(w.Occurrence)
		return &dup, nil
	}
	return nil, nil
}

// held reports whether the row is under a live lease.
func (s *Store) held(w *store.DueWork) bool {
	return w.LeaseOwner != nil && w.LockedUntil != nil && !w.LockedUntil.Before(s.now())
}

// concurrencyHeld reports whether another live-leased row carries the key.
func (s *Store) concurrencyHeld(key string, excludeID int64) bool {
	for _, other := range s.works {
		if other.ID == excludeID {
			continue
		}
		if other.ConcurrencyKey == key && s.held(other) {
			return true
		}
	}
	return false
}

// RenewLease extends a held lease and returns the new expiry.
func (s *Store) RenewLease(ctx context.Context, workID int64, workerID string, leaseFor time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.verifyLease(workID, workerID)
	if err != nil {
		return time.Time{}, err
	}
	until := s.now().Add(leaseFor).UTC()
	w.LockedUntil = &until
	return until, nil
}

// ReleaseLease gives up a held lease without recording a run.
func (s *Store) ReleaseLease(ctx context.Context, workID int64, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.verifyLease(workID, workerID)
	if err != nil {
		return err
	}
	w.LeaseOwner = nil
	w.LockedUntil = nil
	return nil
}

// CompleteWork records a terminal run and removes the row.
func (s *Store) CompleteWork(ctx context.Context, workID int64, workerID string, run *store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.verifyLease(workID, workerID)
	if err != nil {
		return err
	}
	s.recordRun(w, run)
	delete(s.works, workID)
	return nil
}

// FailWork records a failed run, then re-arms or removes the row.
func (s *Store) FailWork(ctx context.Context, workID int64, workerID string, run *store.Run, retryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.verifyLease(workID, workerID)
	if err != nil {
		return err
	}
	run.Success = false
	s.recordRun(w, run)

	if retryAt == nil {
		delete(s.works, workID)
		return nil
	}
	w.RunAt = retryAt.UTC()
	w.Attempt++
	w.LeaseOwner = nil
	w.LockedUntil = nil
	return nil
}

// verifyLease returns the row iff the caller still owns a live lease.
func (s *Store) verifyLease(workID int64, workerID string) (*store.DueWork, error) {
	w, ok := s.works[workID]
	if !ok {
		return nil, &errors.LeaseLostError{WorkID: workID, WorkerID: workerID}
	}
	if w.LeaseOwner == nil || *w.LeaseOwner != workerID || w.LockedUntil == nil || w.LockedUntil.Before(s.now()) {
		return nil, &errors.LeaseLostError{WorkID: workID, WorkerID: workerID}
	}
	return w, nil
}

// recordRun stamps row-derived fields onto the run and stores it.
// Caller-supplied outcome fields are preserved.
func (s *Store) recordRun(w *store.DueWork, run *store.Run) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.TaskID = w.TaskID
	run.WorkID = w.ID
	if w.LeaseOwner != nil {
		run.LeaseOwner = *w.LeaseOwner
	}
	if w.LockedUntil != nil {
		run.LeasedUntil = *w.LockedUntil
	}
	if run.Attempt == 0 {
		run.Attempt = w.Attempt
	}
	run.DedupeKey = w.DedupeKey
	if run.FinishedAt.IsZero() {
		run.FinishedAt = s.now().UTC()
	}

	dup := *run
	s.runs[dup.ID] = &dup
	s.runOrder = append(s.runOrder, dup.ID)
}

// PendingWork lists the task's queued rows, unleased first.
func (s *Store) PendingWork(ctx context.Context, taskID string) ([]*store.DueWork, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]*store.DueWork, 0, 4)
	for _, w := range s.works {
		if w.TaskID == taskID {
			rows = append(rows, w)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		ah, bh := s.held(a), s.held(b)
		if ah != bh {
			return !ah
		}
		if !a.RunAt.Equal(b.RunAt) {
			return a.RunAt.Before(b.RunAt)
		}
		return a.ID < b.ID
	})

	out := make([]*store.DueWork, len(rows))
	for i, w := range rows {
		dup := *w
		dup.Occurrence = cloneTime(w.Occurrence)
		dup.LockedUntil = cloneTime(w.LockedUntil)
		if w.LeaseOwner != nil {
			owner := *w.LeaseOwner
			dup.LeaseOwner = &owner
		}
		out[i] = &dup
	}
	return out, nil
}

// ShiftPendingWork moves the task's unleased rows by delta.
func (s *Store) ShiftPendingWork(ctx context.Context, taskID string, delta time.Duration, floor time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	moved := 0
	for _, w := range s.works {
		if w.TaskID != taskID || s.held(w) {
			continue
		}
		shifted := w.RunAt.Add(delta)
		if shifted.Before(floor) {
			shifted = floor
		}
		w.RunAt = shifted.UTC()
		moved++
	}
	return moved, nil
}

// Depth reports the queue census.
func (s *Store) Depth(ctx context.Context) (store.QueueDepth, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var d store.QueueDepth
	now := s.now()
	for _, w := range s.works {
		switch {
		case s.held(w):
			d.Leased++
		case w.RunAt.After(now):
			d.Scheduled++
		default:
			d.Ready++
		}
	}
	return d, nil
}

// GetRun returns the run or a not_found error.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	dup := *r
	return &dup, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, f store.RunFilter) ([]*store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*store.Run, 0, len(s.runOrder))
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		r := s.runs[s.runOrder[i]]
		if f.TaskID != "" && r.TaskID != f.TaskID {
			continue
		}
		matched = append(matched, r)
	}

	limit := f.Bound()
	if f.Offset >= len(matched) {
		return []*store.Run{}, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]*store.Run, len(matched))
	for i, r := range matched {
		dup := *r
		out[i] = &dup
	}
	return out, nil
}

// UpsertHeartbeat records worker liveness.
func (s *Store) UpsertHeartbeat(ctx context.Context, workerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.heartbeats[workerID] = at.UTC()
	return nil
}

// ListHeartbeats returns all worker heartbeats, most recent first.
func (s *Store) ListHeartbeats(ctx context.Context) ([]store.Heartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Heartbeat, 0, len(s.heartbeats))
	for id, at := range s.heartbeats {
		out = append(out, store.Heartbeat{WorkerID: id, LastSeen: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].WorkerID < out[j].WorkerID
		}
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	return out, nil
}

// Ping verifies the backing store is reachable.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close releases the store's resources.
func (s *Store) Close() error { return nil }

func clonePage(tasks []*task.Task, offset, limit int) []*task.Task {
	if offset >= len(tasks) {
		return []*task.Task{}
	}
	tasks = tasks[offset:]
	if len(tasks) > limit {
		tasks = tasks[:limit]
	}
	out := make([]*task.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	dup := *t
	return &dup
}
