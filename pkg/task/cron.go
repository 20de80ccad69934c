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
	"strconv"
	"strings"
	"time"
)

// CronExpr represents a parsed cron expression.
type CronExpr struct {
	minute     []int // 0-59
	hour       []int // 0-23
	dayOfMonth []int // 1-31
	month      []int // 1-12
	dayOfWeek  []int // 0-6 (0 = Sunday)

	// Standard cron day semantics depend on whether the day fields were
	// written as bare wildcards.
	domStar bool
	dowStar bool
}

// ParseCron parses a cron expression.
// Format: minute hour day-of-month month day-of-week
// Examples:
//   - "0 * * * *" - every hour at minute 0
//   - "*/15 * * * *" - every 15 minutes
//   - "0 9 * * 1-5" - 9 AM on weekdays
//   - "0 0 1 * *" - midnight on the first of each month
func ParseCron(expr string) (*CronExpr, error) {
	// Handle special expressions
	switch strings.ToLower(expr) {
	case "@hourly":
		expr = "0 * * * *"
	case "@daily", "@midnight":
		expr = "0 0 * * *"
	case "@weekly":
		expr = "0 0 * * 0"
	case "@monthly":
		expr = "0 0 1 * *"
	case "@yearly", "@annually":
		expr = "0 0 1 1 *"
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}

	c := &CronExpr{
		domStar: fields[2] == "*",
		dowStar: fields[4] == "*",
	}
	var err error

	c.minute, err = parseField(fields[0], 0, 59)
	if err != nil {
		return nil, fmt.Errorf("invalid minute field: %w", err)
	}

	c.hour, err = parseField(fields[1], 0, 23)
	if err != nil {
		return nil, fmt.Errorf("invalid hour field: %w", err)
	}

	c.dayOfMonth, err = parseField(fields[2], 1, 31)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-month field: %w", err)
	}

	c.month, err = parseField(fields[3], 1, 12)
	if err != nil {
		return nil, fmt.Errorf("invalid month field: %w", err)
	}

	c.dayOfWeek, err = parseField(fields[4], 0, 6)
	if err != nil {
		return nil, fmt.Errorf("invalid day-of-week field: %w", err)
	}

	return c, nil
}

// parseField parses a single cron field.
func parseField(field string, min, max int) ([]int, error) {
	// Handle wildcard
	if field == "*" {
		result := make([]int, max-min+1)
		for i := range result {
			result[i] = min + i
		}
		return result, nil
	}

	var result []int

	// Handle comma-separated values
	parts := strings.Split(field, ",")
	for _, part := range parts {
		values, err := parseFieldPart(part, min, max)
		if err != nil {
			return nil, err
		}
		result = append(result, values...)
	}

	// Remove duplicates and sort
	result = unique(result)
	return result, nil
}

// parseFieldPart parses a single part of a cron field (handles ranges and steps).
func parseFieldPart(part string, min, max int) ([]int, error) {
	// Handle step values (*/5 or 1-10/2)
	var step int = 1
	if idx := strings.Index(part, "/"); idx != -1 {
		stepStr := part[idx+1:]
		var err error
		step, err = strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return nil, fmt.Errorf("invalid step: %s", stepStr)
		}
		part = part[:idx]
	}

	var start, end int

	if part == "*" {
		start = min
		end = max
	} else if idx := strings.Index(part, "-"); idx != -1 {
		// Range
		var err error
		start, err = strconv.Atoi(part[:idx])
		if err != nil {
			return nil, fmt.Errorf("invalid range start: %s", part[:idx])
		}
		end, err = strconv.Atoi(part[idx+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid range end: %s", part[idx+1:])
		}
	} else {
		// Single value
		var err error
		start, err = strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid value: %s", part)
		}
		end = start
	}

	// Validate range
	if start < min || start > max {
		return nil, fmt.Errorf("value %d out of range [%d-%d]", start, min, max)
	}
	if end < min || end > max {
		return nil, fmt.Errorf("value %d out of range [%d-%d]", end, min, max)
	}
	if start > end {
		return nil, fmt.Errorf("invalid range: %d > %d", start, end)
	}

	// Generate values
	var result []int
	for i := start; i <= end; i += step {
		result = append(result, i)
	}

	return result, nil
}

// Next returns the next instant strictly after the given time that matches
// the cron expression evaluated on loc's wall clock.
//
// Candidate wall-clock minutes are walked in UTC so that zone transitions
// cannot perturb the walk, then each match is materialized in loc. A match
// that falls inside a DST gap shifts to the first valid instant after the
// gap. A match whose wall clock occurs twice (DST fold) fires once, at the
// earlier instant.
func (c *CronExpr) Next(after time.Time, loc *time.Location) (time.Time, bool) {
	local := after.In(loc)
	wall := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), 0, 0, time.UTC)

	// Start from the next minute
	wall = wall.Add(time.Minute)

	// Search for up to 4 years
	horizon := wall.Add(4 * 365 * 24 * time.Hour)

	for wall.Before(horizon) {
		// Check month
		if !contains(c.month, int(wall.Month())) {
			wall = time.Date(wall.Year(), wall.Month()+1, 1, 0, 0, 0, 0, time.UTC)
			continue
		}

		// Check day of month and day of week
		if !c.dayMatches(wall) {
			wall = time.Date(wall.Year(), wall.Month(), wall.Day()+1, 0, 0, 0, 0, time.UTC)
			continue
		}

		// Check hour
		if !contains(c.hour, wall.Hour()) {
			wall = time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour()+1, 0, 0, 0, time.UTC)
			continue
		}

		// Check minute
		if !contains(c.minute, wall.Minute()) {
			wall = wall.Add(time.Minute)
			continue
		}

		t, ok := materialize(wall, loc)
		if !ok {
			t = afterGap(wall, loc)
		}
		if t.IsZero() || !t.After(after) {
			// Either no valid instant, or a fold resolved to an instant
			// the caller has already passed. That occurrence is spent.
			wall = wall.Add(time.Minute)
			continue
		}
		return t, true
	}

	// No match found within 4 years
	return time.Time{}, false
}

// dayMatches applies standard cron day semantics: when both day-of-month
// and day-of-week are restricted, a date matching either field fires.
func (c *CronExpr) dayMatches(wall time.Time) bool {
	dom := contains(c.dayOfMonth, wall.Day())
	dow := contains(c.dayOfWeek, int(wall.Weekday()))
	switch {
	case c.domStar && c.dowStar:
		return true
	case c.domStar:
		return dow
	case c.dowStar:
		return dom
	default:
		return dom || dow
	}
}

// materialize converts a wall-clock reading (carried in UTC) into an instant
// in loc. ok is false when the reading falls inside a DST gap.
func materialize(wall time.Time, loc *time.Location) (time.Time, bool) {
	t := time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), 0, 0, loc)
	if t.Minute() != wall.Minute() || t.Hour() != wall.Hour() || t.Day() != wall.Day() {
		return time.Time{}, false
	}
	return earliestInFold(t), true
}

// earliestInFold returns the earlier of the two instants sharing t's wall
// clock during a DST fold, or t unchanged outside folds.
func earliestInFold(t time.Time) time.Time {
	_, off := t.Zone()
	_, offBefore := t.Add(-24 * time.Hour).Zone()
	if offBefore <= off {
		return t
	}
	twin := t.Add(-time.Duration(offBefore-off) * time.Second)
	if twin.Minute() == t.Minute() && twin.Hour() == t.Hour() && twin.Day() == t.Day() {
		return twin
	}
	return t
}

// afterGap returns the first valid instant after the DST gap containing the
// given wall-clock reading. Zone transitions are minute-aligned; the 48h
// probe bound covers even day-skipping transitions.
func afterGap(wall time.Time, loc *time.Location) time.Time {
	for i := 1; i <= 48*60; i++ {
		probe := wall.Add(time.Duration(i) * time.Minute)
		if t, ok := materialize(probe, loc); ok {
			return t
		}
	}
	return time.Time{}
}

// contains checks if a slice contains a value.
func contains(slice []int, val int) bool {
	for _, v := range slice {
		if v == val {
			return true
		}
	}
	return false
}

// unique removes duplicates from a slice.
func unique(slice []int) []int {
	seen := make(map[int]bool)
	var result []int
	for _, v := range slice {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}
