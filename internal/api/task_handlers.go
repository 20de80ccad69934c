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

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/baton/internal/httputil"
	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/backoff"
	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/task"
)

// taskRequest is the create/update body. The flat schedule_* trio maps
// onto task.Schedule; max_retries is a pointer because an explicit 0
// ("never retry") must be distinguishable from an absent field.
type taskRequest struct {
	Title               string       `json:"title"`
	Description         string       `json:"description,omitempty"`
	ScheduleKind        string       `json:"schedule_kind"`
	ScheduleExpr        string       `json:"schedule_expr,omitempty"`
	Timezone            string       `json:"timezone,omitempty"`
	Payload             task.Payload `json:"payload"`
	Priority            int          `json:"priority,omitempty"`
	MaxRetries          *int         `json:"max_retries,omitempty"`
	BackoffStrategy     string       `json:"backoff_strategy,omitempty"`
	DedupeKey           string       `json:"dedupe_key,omitempty"`
	DedupeWindowSeconds int          `json:"dedupe_window_seconds,omitempty"`
	ConcurrencyKey      string       `json:"concurrency_key,omitempty"`
}

type taskList struct {
	Tasks []*task.Task `json:"tasks"`
	Count int          `json:"count"`
}

type snoozeRequest struct {
	DelaySeconds int `json:"delay_seconds"`
}

type snoozeResponse struct {
	TaskID  string     `json:"task_id"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

type runNowResponse struct {
	TaskID     string     `json:"task_id"`
	WorkID     *int64     `json:"work_id,omitempty"`
	RunAt      *time.Time `json:"run_at,omitempty"`
	Suppressed bool       `json:"suppressed,omitempty"`
}

// toTask materializes the request into the model. ApplyDefaults cannot
// default max_retries (0 is meaningful there), so the pointer is resolved
// here before the generic defaulting runs.
func (req *taskRequest) toTask(id, agentID string) *task.Task {
	tk := &task.Task{
		ID:          id,
		AgentID:     agentID,
		Title:       req.Title,
		Description: req.Description,
		Schedule: task.Schedule{
			Kind:       task.ScheduleKind(req.ScheduleKind),
			Expression: req.ScheduleExpr,
			Timezone:   req.Timezone,
		},
		Payload: req.Payload,
		Policy: task.Policy{
			Priority:            req.Priority,
			MaxRetries:          task.DefaultMaxRetries,
			Backoff:             backoff.Kind(req.BackoffStrategy),
			DedupeKey:           req.DedupeKey,
			DedupeWindowSeconds: req.DedupeWindowSeconds,
			ConcurrencyKey:      req.ConcurrencyKey,
		},
	}
	if req.MaxRetries != nil {
		tk.Policy.MaxRetries = *req.MaxRetries
	}
	tk.ApplyDefaults()
	return tk
}

// decodeTaskRequest reads and sanity-checks the body. Explicit negative
// retries are rejected here: ApplyDefaults clamps them before Validate
// could see the original value.
func decodeTaskRequest(r *http.Request) (*taskRequest, error) {
	var req taskRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		return nil, &errors.ValidationError{
			Field:    "max_retries",
			Value:    strconv.Itoa(*req.MaxRetries),
			Expected: "zero or a positive integer",
		}
	}
	return &req, nil
}

// respondWithTask re-reads the row so the response carries whatever the
// trigger registration just persisted (next_run, timestamps).
func (s *Server) respondWithTask(w http.ResponseWriter, r *http.Request, id string, status int) {
	tk, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, status, tk)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	req, err := decodeTaskRequest(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	tk := req.toTask(uuid.NewString(), r.Header.Get(agentHeader))
	if err := tk.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := s.store.CreateTask(r.Context(), tk); err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.sched.TaskCreated(r.Context(), tk)

	s.respondWithTask(w, r, tk.ID, http.StatusCreated)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TaskFilter{Status: task.Status(q.Get("status"))}

	var err error
	if f.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if f.Offset, err = intParam(q.Get("offset"), "offset"); err != nil {
		httputil.WriteError(w, err)
		return
	}

	tasks, err := s.store.ListTasks(r.Context(), f)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, taskList{Tasks: tasks, Count: len(tasks)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	s.respondWithTask(w, r, r.PathValue("id"), http.StatusOK)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	req, err := decodeTaskRequest(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	updated := req.toTask(existing.ID, existing.AgentID)
	if err := updated.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}

	// A new schedule starts a new occurrence stream. Advance the high
	// water so the old schedule's past is not replayed, and clear the
	// persisted next_run so registration derives from the new expression
	// instead of flooring at the old one.
	if updated.Schedule != existing.Schedule {
		if err := s.store.SetHighWater(r.Context(), id, s.clock().UTC()); err != nil {
			httputil.WriteError(w, err)
			return
		}
		if err := s.store.SetNextRun(r.Context(), id, nil); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}

	if err := s.store.UpdateTask(r.Context(), updated); err != nil {
		httputil.WriteError(w, err)
		return
	}

	fresh, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.sched.TaskUpdated(r.Context(), fresh)

	s.respondWithTask(w, r, id, http.StatusOK)
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.SetTaskStatus(r.Context(), id, task.StatusPaused); err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.sched.TaskDeactivated(id)
	s.respondWithTask(w, r, id, http.StatusOK)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	tk, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	// Checked before touching the high water: resuming an already-active
	// task must not forgive occurrences it still owes.
	if err := store.CheckTransition(id, tk.Status, task.StatusActive); err != nil {
		httputil.WriteError(w, err)
		return
	}

	// Occurrences missed while paused are forgiven: the stream restarts
	// at the resume instant.
	now := s.clock().UTC()
	if err := s.store.SetHighWater(r.Context(), id, now); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := s.store.SetNextRun(r.Context(), id, nil); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := s.store.SetTaskStatus(r.Context(), id, task.StatusActive); err != nil {
		httputil.WriteError(w, err)
		return
	}

	fresh, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.sched.TaskUpdated(r.Context(), fresh)

	s.respondWithTask(w, r, id, http.StatusOK)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.SetTaskStatus(r.Context(), id, task.StatusCanceled); err != nil {
		httputil.WriteError(w, err)
		return
	}
	s.sched.TaskDeactivated(id)
	s.respondWithTask(w, r, id, http.StatusOK)
}

func (s *Server) handleSnoozeTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req snoozeRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.DelaySeconds == 0 {
		httputil.WriteError(w, &errors.ValidationError{
			Field:    "delay_seconds",
			Value:    "0",
			Expected: "a non-zero number of seconds",
		})
		return
	}

	next, err := s.sched.Snooze(r.Context(), id, time.Duration(req.DelaySeconds)*time.Second)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snoozeResponse{TaskID: id, NextRun: next})
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	work, err := s.sched.RunNow(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if work == nil {
		// Dedupe absorbed the request; report that rather than 202.
		httputil.WriteJSON(w, http.StatusOK, runNowResponse{TaskID: id, Suppressed: true})
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, runNowResponse{
		TaskID: id,
		WorkID: &work.ID,
		RunAt:  &work.RunAt,
	})
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &errors.ValidationError{
			Field:    name,
			Value:    raw,
			Expected: "a non-negative integer",
		}
	}
	return n, nil
}
