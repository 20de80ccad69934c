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

package errors_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	batonerrors "github.com/tombee/baton/pkg/errors"
)

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *batonerrors.ValidationError
		wantMsg string
	}{
		{
			name: "with field",
			err: &batonerrors.ValidationError{
				Field:    "priority",
				Value:    "12",
				Expected: "integer between 1 and 9",
			},
			wantMsg: `validation failed on priority: got "12", expected integer between 1 and 9`,
		},
		{
			name: "without field",
			err: &batonerrors.ValidationError{
				Value:    "{}",
				Expected: "non-empty pipeline",
			},
			wantMsg: `validation failed: got "{}", expected non-empty pipeline`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ValidationError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *batonerrors.NotFoundError
		wantMsg string
	}{
		{
			name: "task not found",
			err: &batonerrors.NotFoundError{
				Resource: "task",
				ID:       "8a6f2c90",
			},
			wantMsg: "task not found: 8a6f2c90",
		},
		{
			name: "tool not found",
			err: &batonerrors.NotFoundError{
				Resource: "tool",
				ID:       "core.http",
			},
			wantMsg: "tool not found: core.http",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("NotFoundError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestScheduleError_Error(t *testing.T) {
	err := &batonerrors.ScheduleError{
		Kind:       "cron",
		Expression: "61 * * * *",
		Reason:     "minute out of range",
	}

	got := err.Error()
	for _, want := range []string{"cron", "61 * * * *", "minute out of range"} {
		if !strings.Contains(got, want) {
			t.Errorf("ScheduleError.Error() = %q, want to contain %q", got, want)
		}
	}
}

func TestTemplateError_Error(t *testing.T) {
	err := &batonerrors.TemplateError{
		StepID: "notify",
		Expr:   "${steps.fetch.output.body}",
		Reason: "path not found",
	}

	got := err.Error()
	for _, want := range []string{"notify", "${steps.fetch.output.body}", "path not found"} {
		if !strings.Contains(got, want) {
			t.Errorf("TemplateError.Error() = %q, want to contain %q", got, want)
		}
	}

	if err.IsRetryable() {
		t.Error("template errors must not be retryable")
	}
}

func TestToolError_Error(t *testing.T) {
	cause := errors.New("connection refused")
	err := &batonerrors.ToolError{
		Address: "core.echo",
		StepID:  "greet",
		Cause:   cause,
	}

	got := err.Error()
	for _, want := range []string{"core.echo", "greet", "connection refused"} {
		if !strings.Contains(got, want) {
			t.Errorf("ToolError.Error() = %q, want to contain %q", got, want)
		}
	}

	if err.Unwrap() != cause {
		t.Errorf("ToolError.Unwrap() = %v, want %v", err.Unwrap(), cause)
	}

	if !err.IsRetryable() {
		t.Error("tool errors are retryable by default")
	}
}

func TestTimeoutError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *batonerrors.TimeoutError
		want []string
	}{
		{
			name: "step timeout",
			err: &batonerrors.TimeoutError{
				Operation: "step fetch",
				Duration:  30 * time.Second,
			},
			want: []string{"step fetch", "30s"},
		},
		{
			name: "lease renewal timeout",
			err: &batonerrors.TimeoutError{
				Operation: "lease renewal",
				Duration:  2 * time.Minute,
			},
			want: []string{"lease renewal", "2m0s"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.err.Error()
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("TimeoutError.Error() = %q, want to contain %q", got, want)
				}
			}
		})
	}
}

func TestTransientStoreError(t *testing.T) {
	cause := errors.New("connection reset by peer")
	err := &batonerrors.TransientStoreError{Op: "lease", Cause: cause}

	if !strings.Contains(err.Error(), "lease") {
		t.Errorf("TransientStoreError.Error() = %q, want to contain op", err.Error())
	}
	if err.Unwrap() != cause {
		t.Error("TransientStoreError.Unwrap() should return cause")
	}
	if !err.IsRetryable() {
		t.Error("transient store errors are retryable")
	}
}

func TestLeaseLostError(t *testing.T) {
	err := &batonerrors.LeaseLostError{WorkID: 42, WorkerID: "worker-1"}

	got := err.Error()
	for _, want := range []string{"42", "worker-1"} {
		if !strings.Contains(got, want) {
			t.Errorf("LeaseLostError.Error() = %q, want to contain %q", got, want)
		}
	}
	if err.IsRetryable() {
		t.Error("lease loss must not trigger a local retry")
	}
}

func TestConflictError(t *testing.T) {
	err := &batonerrors.ConflictError{
		Resource: "task",
		ID:       "8a6f2c90",
		Reason:   "canceled tasks cannot be resumed",
	}

	got := err.Error()
	for _, want := range []string{"task", "8a6f2c90", "resumed"} {
		if !strings.Contains(got, want) {
			t.Errorf("ConflictError.Error() = %q, want to contain %q", got, want)
		}
	}
}

func TestConfigError_Error(t *testing.T) {
	tests := []struct {
		name    string
		err     *batonerrors.ConfigError
		wantMsg string
	}{
		{
			name: "with key",
			err: &batonerrors.ConfigError{
				Key:    "store.url",
				Reason: "missing required value",
			},
			wantMsg: "config error at store.url: missing required value",
		},
		{
			name: "without key",
			err: &batonerrors.ConfigError{
				Reason: "file not found",
			},
			wantMsg: "config error: file not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("ConfigError.Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"validation", &batonerrors.ValidationError{Field: "title"}, batonerrors.KindValidation},
		{"schedule", &batonerrors.ScheduleError{Kind: "cron"}, batonerrors.KindSchedule},
		{"template", &batonerrors.TemplateError{Expr: "${x}"}, batonerrors.KindTemplate},
		{"tool", &batonerrors.ToolError{Address: "core.echo"}, batonerrors.KindTool},
		{"timeout", &batonerrors.TimeoutError{Operation: "step"}, batonerrors.KindTimeout},
		{"transient store", &batonerrors.TransientStoreError{Op: "enqueue"}, batonerrors.KindTransientStore},
		{"lease lost", &batonerrors.LeaseLostError{WorkID: 1}, batonerrors.KindLeaseLost},
		{"canceled", &batonerrors.CanceledError{TaskID: "t1"}, batonerrors.KindCanceled},
		{"not found", &batonerrors.NotFoundError{Resource: "task"}, batonerrors.KindNotFound},
		{"wrapped keeps kind", fmt.Errorf("running step: %w", &batonerrors.ToolError{Address: "core.fail"}), batonerrors.KindTool},
		{"context canceled", context.Canceled, batonerrors.KindCanceled},
		{"deadline exceeded", context.DeadlineExceeded, batonerrors.KindTimeout},
		{"unclassified", errors.New("boom"), "internal"},
		{"nil", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := batonerrors.Kind(tt.err); got != tt.want {
				t.Errorf("Kind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"tool error retryable", &batonerrors.ToolError{Address: "core.echo"}, true},
		{"timeout retryable", &batonerrors.TimeoutError{Operation: "step"}, true},
		{"transient store retryable", &batonerrors.TransientStoreError{Op: "lease"}, true},
		{"template fatal", &batonerrors.TemplateError{Expr: "${x}"}, false},
		{"validation fatal", &batonerrors.ValidationError{Field: "title"}, false},
		{"lease lost fatal", &batonerrors.LeaseLostError{WorkID: 1}, false},
		{"canceled fatal", &batonerrors.CanceledError{TaskID: "t1"}, false},
		{"wrapped tool error retryable", fmt.Errorf("step: %w", &batonerrors.ToolError{}), true},
		{"context canceled fatal", context.Canceled, false},
		{"unclassified assumed transient", errors.New("boom"), true},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := batonerrors.Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

// Test error wrapping with fmt.Errorf
func TestErrorWrapping(t *testing.T) {
	t.Run("ValidationError can be wrapped", func(t *testing.T) {
		original := &batonerrors.ValidationError{
			Field: "schedule.expression",
			Value: "not-a-cron",
		}
		wrapped := fmt.Errorf("task validation: %w", original)

		var target *batonerrors.ValidationError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ValidationError in wrapped error")
		}
		if target.Field != "schedule.expression" {
			t.Errorf("unwrapped error Field = %q, want %q", target.Field, "schedule.expression")
		}
	})

	t.Run("ToolError preserves cause through wrapping", func(t *testing.T) {
		rootCause := errors.New("network timeout")
		toolErr := &batonerrors.ToolError{
			Address: "core.echo",
			Cause:   rootCause,
		}
		wrapped := fmt.Errorf("executing step: %w", toolErr)

		var target *batonerrors.ToolError
		if !errors.As(wrapped, &target) {
			t.Error("errors.As should find ToolError in wrapped error")
		}

		if target.Unwrap() != rootCause {
			t.Error("ToolError.Unwrap() should return root cause")
		}
	})

	t.Run("errors.Is works with wrapped NotFoundError", func(t *testing.T) {
		original := &batonerrors.NotFoundError{Resource: "run", ID: "123"}
		wrapped := fmt.Errorf("wrapper: %w", original)

		if !errors.Is(wrapped, original) {
			t.Error("errors.Is should find original error in chain")
		}
	})
}
