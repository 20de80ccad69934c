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
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/tombee/baton/pkg/backoff"
	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/pipeline"
)

// Validate checks every boundary rule of the task definition. Call after
// ApplyDefaults. The first violation is returned.
func (t *Task) Validate() error {
	if n := utf8.RuneCountInString(t.Title); n < 1 || n > MaxTitleLen {
		return &errors.ValidationError{
			Field:    "title",
			Value:    t.Title,
			Expected: fmt.Sprintf("between 1 and %d characters", MaxTitleLen),
		}
	}

	if n := utf8.RuneCountInString(t.Description); n > MaxDescriptionLen {
		return &errors.ValidationError{
			Field:    "description",
			Value:    fmt.Sprintf("%d characters", n),
			Expected: fmt.Sprintf("at most %d characters", MaxDescriptionLen),
		}
	}

	if err := t.Policy.Validate(); err != nil {
		return err
	}

	if err := t.Schedule.Validate(); err != nil {
		return err
	}

	if len(t.Payload.Pipeline) == 0 {
		return &errors.ValidationError{
			Field:    "payload.pipeline",
			Value:    "[]",
			Expected: "at least one step",
		}
	}

	if err := pipeline.ValidateSteps(t.Payload.Pipeline); err != nil {
		return err
	}

	switch t.Status {
	case StatusActive, StatusPaused, StatusCanceled, StatusCompleted:
	default:
		return &errors.ValidationError{
			Field:    "status",
			Value:    string(t.Status),
			Expected: "one of active, paused, canceled, completed",
		}
	}

	return nil
}

// Validate checks policy bounds.
func (p Policy) Validate() error {
	if p.Priority < MinPriority || p.Priority > MaxPriority {
		return &errors.ValidationError{
			Field:    "policy.priority",
			Value:    fmt.Sprintf("%d", p.Priority),
			Expected: fmt.Sprintf("integer between %d and %d", MinPriority, MaxPriority),
		}
	}

	if p.MaxRetries < 0 {
		return &errors.ValidationError{
			Field:    "policy.max_retries",
			Value:    fmt.Sprintf("%d", p.MaxRetries),
			Expected: "zero or a positive integer",
		}
	}

	if !backoff.Valid(p.Backoff) {
		return &errors.ValidationError{
			Field:    "policy.backoff",
			Value:    string(p.Backoff),
			Expected: "one of exponential_jitter, linear, fixed",
		}
	}

	if p.DedupeWindowSeconds < 0 {
		return &errors.ValidationError{
			Field:    "policy.dedupe_window_seconds",
			Value:    fmt.Sprintf("%d", p.DedupeWindowSeconds),
			Expected: "zero or a positive integer",
		}
	}

	return nil
}

// Validate checks that the schedule kind and expression agree and that the
// expression parses.
func (s Schedule) Validate() error {
	if s.Expression == "" {
		return &errors.ValidationError{
			Field:    "schedule.expression",
			Value:    "",
			Expected: "a non-empty expression",
		}
	}

	if _, err := s.Location(); err != nil {
		return &errors.ValidationError{
			Field:    "schedule.timezone",
			Value:    s.Timezone,
			Expected: "a valid IANA timezone name",
		}
	}

	switch s.Kind {
	case ScheduleCron:
		if _, err := ParseCron(s.Expression); err != nil {
			return &errors.ValidationError{
				Field:    "schedule.expression",
				Value:    s.Expression,
				Expected: fmt.Sprintf("a valid 5-field cron expression: %v", err),
			}
		}
	case ScheduleRRule:
		loc, _ := s.Location()
		if _, err := parseRRule(s.Expression, exampleAnchor(loc), loc); err != nil {
			return &errors.ValidationError{
				Field:    "schedule.expression",
				Value:    s.Expression,
				Expected: "a valid RFC-5545 recurrence rule",
			}
		}
	case ScheduleOnce:
		if _, err := s.OnceAt(); err != nil {
			return &errors.ValidationError{
				Field:    "schedule.expression",
				Value:    s.Expression,
				Expected: "an RFC-3339 timestamp",
			}
		}
	case ScheduleEvent:
		// The expression is the topic; exact equality matching only, so any
		// non-empty string is acceptable.
	default:
		return &errors.ValidationError{
			Field:    "schedule.kind",
			Value:    string(s.Kind),
			Expected: "one of cron, rrule, once, event",
		}
	}

	return nil
}

// exampleAnchor is a fixed instant used to exercise rule parsing during
// validation, before the task has a creation time.
func exampleAnchor(loc *time.Location) time.Time {
	return time.Date(2025, 1, 1, 0, 0, 0, 0, loc)
}
