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

// Package task defines the declarative task model: what to run (a pipeline),
// when to run it (a schedule), and how failures are handled (a policy).
package task

import (
	"time"

	"github.com/tombee/baton/pkg/backoff"
	"github.com/tombee/baton/pkg/pipeline"
)

// Status is the lifecycle state of a task.
type Status string

const (
	// StatusActive tasks fire on schedule.
	StatusActive Status = "active"
	// StatusPaused tasks keep their definition but do not fire.
	StatusPaused Status = "paused"
	// StatusCanceled is terminal; pending work is discarded.
	StatusCanceled Status = "canceled"
	// StatusCompleted is terminal; the schedule has no further occurrences.
	StatusCompleted Status = "completed"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusCompleted
}

// Policy controls queue placement and failure handling for a task's runs.
type Policy struct {
	// Priority orders ready work; higher leases first. Range 1-9.
	Priority int `json:"priority" yaml:"priority"`

	// MaxRetries is the number of re-deliveries after the first failed
	// attempt. A task with MaxRetries 3 is attempted at most 4 times.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// Backoff selects the delay curve between attempts.
	Backoff backoff.Kind `json:"backoff" yaml:"backoff"`

	// DedupeKey suppresses duplicate enqueues of this task while an
	// undelivered row with the same key exists or a run with it finished
	// inside the dedupe window.
	DedupeKey string `json:"dedupe_key,omitempty" yaml:"dedupe_key,omitempty"`

	// DedupeWindowSeconds bounds the run-history lookback for DedupeKey.
	DedupeWindowSeconds int `json:"dedupe_window_seconds,omitempty" yaml:"dedupe_window_seconds,omitempty"`

	// ConcurrencyKey serializes runs: at most one leased work item per key
	// across the cluster.
	ConcurrencyKey string `json:"concurrency_key,omitempty" yaml:"concurrency_key,omitempty"`
}

// Payload is what a fired task executes.
type Payload struct {
	// Pipeline is the ordered list of steps to run.
	Pipeline []pipeline.Step `json:"pipeline" yaml:"pipeline"`

	// Params are caller-supplied values exposed to step templates.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Defaults applied when a task is created.
const (
	DefaultPriority            = 5
	DefaultMaxRetries          = 3
	DefaultDedupeWindowSeconds = 300

	MaxTitleLen       = 200
	MaxDescriptionLen = 2000
	MinPriority       = 1
	MaxPriority       = 9
)

// Task is a persistent description of recurring or one-shot work.
type Task struct {
	ID          string   `json:"id" yaml:"id"`
	AgentID     string   `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Schedule    Schedule `json:"schedule" yaml:"schedule"`
	Payload     Payload  `json:"payload" yaml:"payload"`
	Policy      Policy   `json:"policy" yaml:"policy"`
	Status      Status   `json:"status" yaml:"status"`

	// NextRun is the next derived fire time, if any.
	NextRun *time.Time `json:"next_run,omitempty" yaml:"next_run,omitempty"`

	// HighWater is the greatest occurrence already handed to the queue.
	// It guards against re-emission after restarts and clock regressions.
	HighWater *time.Time `json:"-" yaml:"-"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// ApplyDefaults fills zero-valued policy and schedule fields.
func (t *Task) ApplyDefaults() {
	if t.Policy.Priority == 0 {
		t.Policy.Priority = DefaultPriority
	}
	if t.Policy.MaxRetries < 0 {
		t.Policy.MaxRetries = 0
	}
	if t.Policy.Backoff == "" {
		t.Policy.Backoff = backoff.ExponentialJitter
	}
	if t.Policy.DedupeKey != "" && t.Policy.DedupeWindowSeconds == 0 {
		t.Policy.DedupeWindowSeconds = DefaultDedupeWindowSeconds
	}
	if t.Schedule.Timezone == "" {
		t.Schedule.Timezone = "UTC"
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
}

// DedupeWindow returns the policy's dedupe window as a duration.
func (p Policy) DedupeWindow() time.Duration {
	return time.Duration(p.DedupeWindowSeconds) * time.Second
}

// MaxAttempts is the total delivery budget: the first attempt plus retries.
func (p Policy) MaxAttempts() int {
	return p.MaxRetries + 1
}

// Clone returns a deep copy. Stores hand out clones so callers cannot
// mutate shared state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	dup := *t
	if t.NextRun != nil {
		nr := *t.NextRun
		dup.NextRun = &nr
	}
	if t.HighWater != nil {
		hw := *t.HighWater
		dup.HighWater = &hw
	}
	dup.Payload.Pipeline = pipeline.CloneSteps(t.Payload.Pipeline)
	if t.Payload.Params != nil {
		dup.Payload.Params = pipeline.CloneValue(t.Payload.Params).(map[string]any)
	}
	return &dup
}
