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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{name: "hourly", expr: "0 * * * *"},
		{name: "every fifteen minutes", expr: "*/15 * * * *"},
		{name: "weekday mornings", expr: "0 9 * * 1-5"},
		{name: "list and range", expr: "5,35 8-10 * * *"},
		{name: "stepped range", expr: "0 0-23/6 * * *"},
		{name: "daily alias", expr: "@daily"},
		{name: "hourly alias", expr: "@hourly"},
		{name: "too few fields", expr: "* * * *", wantErr: true},
		{name: "minute out of range", expr: "60 * * * *", wantErr: true},
		{name: "hour out of range", expr: "* 24 * * *", wantErr: true},
		{name: "zero step", expr: "*/0 * * * *", wantErr: true},
		{name: "reversed range", expr: "10-5 * * * *", wantErr: true},
		{name: "not a number", expr: "a * * * *", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCron(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCronNext(t *testing.T) {
	tests := []struct {
		name  string
		expr  string
		after time.Time
		want  time.Time
	}{
		{
			name:  "top of the next hour",
			expr:  "0 * * * *",
			after: time.Date(2026, 1, 5, 10, 30, 0, 0, time.UTC),
			want:  time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC),
		},
		{
			name:  "quarter hour",
			expr:  "*/15 * * * *",
			after: time.Date(2026, 1, 5, 10, 16, 0, 0, time.UTC),
			want:  time.Date(2026, 1, 5, 10, 30, 0, 0, time.UTC),
		},
		{
			name:  "strictly after an exact match",
			expr:  "0 * * * *",
			after: time.Date(2026, 1, 5, 11, 0, 0, 0, time.UTC),
			want:  time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC),
		},
		{
			name:  "first of the month",
			expr:  "0 0 1 * *",
			after: time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC),
			want:  time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "weekday mornings skip the weekend",
			expr:  "0 9 * * 1-5",
			after: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC), // Saturday
			want:  time.Date(2026, 1, 12, 9, 0, 0, 0, time.UTC),  // Monday
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expr, err := ParseCron(tt.expr)
			require.NoError(t, err)
			got, ok := expr.Next(tt.after, time.UTC)
			require.True(t, ok)
			assert.Equal(t, tt.want, got.UTC())
		})
	}
}

// Restricting both day fields fires on dates matching either one, the
// classic vixie-cron union.
func TestCronNextDayFieldUnion(t *testing.T) {
	expr, err := ParseCron("0 12 1 * 0")
	require.NoError(t, err)

	// From a Saturday the nearest match is the next day, a Sunday.
	got, ok := expr.Next(time.Date(2026, 3, 28, 13, 0, 0, 0, time.UTC), time.UTC)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 29, 12, 0, 0, 0, time.UTC), got)

	// From that Sunday the 1st of April beats the following Sunday.
	got, ok = expr.Next(got, time.UTC)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC), got)
}

func TestCronNextNoMatchWithinHorizon(t *testing.T) {
	// February 30th never exists.
	expr, err := ParseCron("0 0 30 2 *")
	require.NoError(t, err)

	_, ok := expr.Next(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.UTC)
	assert.False(t, ok)
}

// New York springs forward on 2026-03-08: wall clocks jump from 02:00
// EST straight to 03:00 EDT. A 02:30 trigger lands in the gap and must
// shift to the first valid instant after it.
func TestCronNextSpringForwardGap(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	expr, err := ParseCron("30 2 * * *")
	require.NoError(t, err)

	after := time.Date(2026, 3, 8, 5, 0, 0, 0, time.UTC) // 00:00 EST
	got, ok := expr.Next(after, ny)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 8, 7, 0, 0, 0, time.UTC), got.UTC(),
		"02:30 does not exist; expect 03:00 EDT")

	// The following day has a real 02:30 again (EDT, UTC-4).
	got, ok = expr.Next(got, ny)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 9, 6, 30, 0, 0, time.UTC), got.UTC())
}

// New York falls back on 2026-11-01: the 01:00 hour repeats. A 01:30
// trigger fires once, at the earlier instant, and the repeated wall
// clock an hour later is not a second occurrence.
func TestCronNextFallBackFoldFiresOnce(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	expr, err := ParseCron("30 1 * * *")
	require.NoError(t, err)

	after := time.Date(2026, 11, 1, 4, 0, 0, 0, time.UTC) // 00:00 EDT
	got, ok := expr.Next(after, ny)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 11, 1, 5, 30, 0, 0, time.UTC), got.UTC(),
		"expect the first 01:30, still on EDT")

	// After the first pass the same wall clock comes around again at
	// 06:30 UTC; it must be skipped in favor of the next day.
	got, ok = expr.Next(got, ny)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 11, 2, 6, 30, 0, 0, time.UTC), got.UTC())

	// Even a caller already inside the repeated hour cannot re-fire it.
	got, ok = expr.Next(time.Date(2026, 11, 1, 6, 0, 0, 0, time.UTC), ny)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 11, 2, 6, 30, 0, 0, time.UTC), got.UTC())
}
