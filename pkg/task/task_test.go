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

package task

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/baton/pkg/backoff"
	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/pipeline"
)

func validTask() *Task {
	t := &Task{
		ID:    "tsk_test",
		Title: "nightly digest",
		Schedule: Schedule{
			Kind:       ScheduleCron,
			Expression: "0 3 * * *",
		},
		Payload: Payload{
			Pipeline: []pipeline.Step{
				{ID: "fetch", Uses: "http.get", With: map[string]any{"url": "https://example.test"}},
				{ID: "digest", Uses: "core.echo", With: map[string]any{"body": "${fetch.status}"}},
			},
			Params: map[string]any{"limit": 10},
		},
	}
	t.ApplyDefaults()
	return t
}

func TestApplyDefaults(t *testing.T) {
	tk := &Task{Title: "t", Schedule: Schedule{Kind: ScheduleCron, Expression: "0 * * * *"}}
	tk.ApplyDefaults()

	assert.Equal(t, DefaultPriority, tk.Policy.Priority)
	assert.Equal(t, backoff.ExponentialJitter, tk.Policy.Backoff)
	assert.Equal(t, "UTC", tk.Schedule.Timezone)
	assert.Equal(t, StatusActive, tk.Status)
	assert.Zero(t, tk.Policy.DedupeWindowSeconds, "no window without a key")

	keyed := &Task{Policy: Policy{DedupeKey: "k"}}
	keyed.ApplyDefaults()
	assert.Equal(t, DefaultDedupeWindowSeconds, keyed.Policy.DedupeWindowSeconds)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Task)
		field  string
	}{
		{name: "valid", mutate: func(*Task) {}},
		{
			name:   "empty title",
			mutate: func(tk *Task) { tk.Title = "" },
			field:  "title",
		},
		{
			name:   "title too long",
			mutate: func(tk *Task) { tk.Title = strings.Repeat("x", MaxTitleLen+1) },
			field:  "title",
		},
		{
			name:   "description too long",
			mutate: func(tk *Task) { tk.Description = strings.Repeat("x", MaxDescriptionLen+1) },
			field:  "description",
		},
		{
			name:   "priority out of range",
			mutate: func(tk *Task) { tk.Policy.Priority = 12 },
			field:  "policy.priority",
		},
		{
			name:   "negative retries",
			mutate: func(tk *Task) { tk.Policy.MaxRetries = -1 },
			field:  "policy.max_retries",
		},
		{
			name:   "unknown backoff",
			mutate: func(tk *Task) { tk.Policy.Backoff = "polynomial" },
			field:  "policy.backoff",
		},
		{
			name:   "negative dedupe window",
			mutate: func(tk *Task) { tk.Policy.DedupeWindowSeconds = -5 },
			field:  "policy.dedupe_window_seconds",
		},
		{
			name:   "empty expression",
			mutate: func(tk *Task) { tk.Schedule.Expression = "" },
			field:  "schedule.expression",
		},
		{
			name:   "bad cron expression",
			mutate: func(tk *Task) { tk.Schedule.Expression = "every day" },
			field:  "schedule.expression",
		},
		{
			name:   "bad timezone",
			mutate: func(tk *Task) { tk.Schedule.Timezone = "Moon/Base" },
			field:  "schedule.timezone",
		},
		{
			name:   "unknown schedule kind",
			mutate: func(tk *Task) { tk.Schedule.Kind = "interval" },
			field:  "schedule.kind",
		},
		{
			name:   "empty pipeline",
			mutate: func(tk *Task) { tk.Payload.Pipeline = nil },
			field:  "payload.pipeline",
		},
		{
			name: "duplicate step keys",
			mutate: func(tk *Task) {
				tk.Payload.Pipeline = []pipeline.Step{
					{ID: "a", Uses: "core.echo"},
					{ID: "b", Uses: "core.echo", SaveAs: "a"},
				}
			},
			field: "payload.pipeline[1]",
		},
		{
			name:   "unknown status",
			mutate: func(tk *Task) { tk.Status = "sleeping" },
			field:  "status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := validTask()
			tt.mutate(tk)

			err := tk.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var verr *errors.ValidationError
			require.True(t, errors.As(err, &verr), "want a validation error, got %v", err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestValidateRRuleAndOnceExpressions(t *testing.T) {
	tk := validTask()
	tk.Schedule = Schedule{Kind: ScheduleRRule, Expression: "FREQ=WEEKLY;BYDAY=MO", Timezone: "UTC"}
	assert.NoError(t, tk.Validate())

	tk.Schedule.Expression = "FREQ="
	assert.Error(t, tk.Validate())

	tk.Schedule = Schedule{Kind: ScheduleOnce, Expression: "2026-06-01T08:00:00Z", Timezone: "UTC"}
	assert.NoError(t, tk.Validate())

	tk.Schedule.Expression = "someday"
	assert.Error(t, tk.Validate())
}

func TestPolicyDerivedValues(t *testing.T) {
	p := Policy{MaxRetries: 3, DedupeWindowSeconds: 90}
	assert.Equal(t, 4, p.MaxAttempts())
	assert.Equal(t, 90*time.Second, p.DedupeWindow())
}

func TestCloneIsDeep(t *testing.T) {
	orig := validTask()
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	orig.NextRun = &now
	orig.HighWater = &now

	dup := orig.Clone()
	dup.Payload.Params["limit"] = 99
	dup.Payload.Pipeline[0].With["url"] = "https://other.test"
	*dup.NextRun = now.Add(time.Hour)

	assert.Equal(t, 10, orig.Payload.Params["limit"])
	assert.Equal(t, "https://example.test", orig.Payload.Pipeline[0].With["url"])
	assert.Equal(t, now, *orig.NextRun)
	assert.Equal(t, now, *orig.HighWater)
}
