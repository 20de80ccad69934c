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
	"time"

	"github.com/teambition/rrule-go"

	"github.com/tombee/baton/pkg/errors"
)

// ScheduleKind identifies how a task's fire times are derived.
type ScheduleKind string

const (
	// ScheduleCron fires on a 5-field cron expression.
	ScheduleCron ScheduleKind = "cron"
	// ScheduleRRule fires on an RFC-5545 recurrence rule.
	ScheduleRRule ScheduleKind = "rrule"
	// ScheduleOnce fires a single time at an RFC-3339 instant.
	ScheduleOnce ScheduleKind = "once"
	// ScheduleEvent fires when a matching event arrives; never time-driven.
	ScheduleEvent ScheduleKind = "event"
)

// Schedule describes when a task fires. Expression is interpreted per Kind:
// a cron expression, an RRULE body, an RFC-3339 timestamp, or an event topic.
type Schedule struct {
	Kind       ScheduleKind `json:"kind" yaml:"kind"`
	Expression string       `json:"expression" yaml:"expression"`

	// Timezone is an IANA zone name. Cron and RRULE schedules evaluate on
	// this zone's wall clock. Defaults to UTC.
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Location resolves the schedule's timezone, defaulting to UTC.
func (s Schedule) Location() (*time.Location, error) {
	if s.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, &errors.ScheduleError{
			Kind:       string(s.Kind),
			Expression: s.Expression,
			Reason:     "unknown timezone " + s.Timezone,
			Cause:      err,
		}
	}
	return loc, nil
}

// Next returns the next occurrence strictly after the given instant.
// The anchor is the task's creation time; it recurs as the DTSTART for
// RRULE schedules. ok is false when the schedule has no further
// occurrences (exhausted RRULE, spent once, event kind).
func (s Schedule) Next(after, anchor time.Time) (next time.Time, ok bool, err error) {
	loc, err := s.Location()
	if err != nil {
		return time.Time{}, false, err
	}

	switch s.Kind {
	case ScheduleCron:
		expr, perr := ParseCron(s.Expression)
		if perr != nil {
			return time.Time{}, false, &errors.ScheduleError{
				Kind:       string(s.Kind),
				Expression: s.Expression,
				Reason:     "unparseable cron expression",
				Cause:      perr,
			}
		}
		t, found := expr.Next(after, loc)
		return t, found, nil

	case ScheduleRRule:
		rule, perr := parseRRule(s.Expression, anchor, loc)
		if perr != nil {
			return time.Time{}, false, perr
		}
		t := rule.After(after, false)
		if t.IsZero() {
			return time.Time{}, false, nil
		}
		return t, true, nil

	case ScheduleOnce:
		t, perr := s.OnceAt()
		if perr != nil {
			return time.Time{}, false, perr
		}
		if t.After(after) {
			return t, true, nil
		}
		return time.Time{}, false, nil

	case ScheduleEvent:
		return time.Time{}, false, nil

	default:
		return time.Time{}, false, &errors.ScheduleError{
			Kind:   string(s.Kind),
			Reason: "unknown schedule kind",
		}
	}
}

// OnceAt parses the RFC-3339 fire time of a once schedule.
func (s Schedule) OnceAt() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s.Expression)
	if err != nil {
		return time.Time{}, &errors.ScheduleError{
			Kind:       string(s.Kind),
			Expression: s.Expression,
			Reason:     "expected an RFC-3339 timestamp",
			Cause:      err,
		}
	}
	return t, nil
}

// parseRRule builds a recurrence rule anchored at the task's creation time
// on the schedule's wall clock.
func parseRRule(expr string, anchor time.Time, loc *time.Location) (*rrule.RRule, error) {
	opt, err := rrule.StrToROption(expr)
	if err != nil {
		return nil, &errors.ScheduleError{
			Kind:       string(ScheduleRRule),
			Expression: expr,
			Reason:     "unparseable recurrence rule",
			Cause:      err,
		}
	}
	opt.Dtstart = anchor.In(loc).Truncate(time.Second)
	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, &errors.ScheduleError{
			Kind:       string(ScheduleRRule),
			Expression: expr,
			Reason:     "unsatisfiable recurrence rule",
			Cause:      err,
		}
	}
	return rule, nil
}
