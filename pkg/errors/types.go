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

package errors

import (
	"context"
	"fmt"
	"time"
)

// Error kinds, used for classification, retry decisions and run records.
const (
	KindValidation     = "validation"
	KindSchedule       = "schedule"
	KindTemplate       = "template"
	KindTool           = "tool"
	KindTimeout        = "timeout"
	KindTransientStore = "transient_store"
	KindLeaseLost      = "lease_lost"
	KindCanceled       = "canceled"
	KindNotFound       = "not_found"
	KindConfig         = "config"
	KindConflict       = "conflict"
)

// ValidationError represents user input validation failures.
// Use this for invalid task definitions, malformed payloads, or
// constraint violations at an API boundary.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Value is the offending value, rendered as a string
	Value string

	// Expected describes what would have been accepted
	Expected string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: got %q, expected %s", e.Field, e.Value, e.Expected)
	}
	return fmt.Sprintf("validation failed: got %q, expected %s", e.Value, e.Expected)
}

// ErrorType returns the error category.
func (e *ValidationError) ErrorType() string { return KindValidation }

// IsRetryable reports whether retrying could succeed.
func (e *ValidationError) IsRetryable() bool { return false }

// ScheduleError represents unparseable or unsatisfiable schedules.
type ScheduleError struct {
	// Kind is the schedule kind (cron, rrule, once, event)
	Kind string

	// Expression is the schedule expression that failed
	Expression string

	// Reason explains what's wrong with the schedule
	Reason string

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *ScheduleError) Error() string {
	if e.Expression != "" {
		return fmt.Sprintf("invalid %s schedule %q: %s", e.Kind, e.Expression, e.Reason)
	}
	return fmt.Sprintf("invalid %s schedule: %s", e.Kind, e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ScheduleError) Unwrap() error { return e.Cause }

// ErrorType returns the error category.
func (e *ScheduleError) ErrorType() string { return KindSchedule }

// IsRetryable reports whether retrying could succeed.
func (e *ScheduleError) IsRetryable() bool { return false }

// TemplateError represents unresolvable template expressions inside a
// pipeline step. Template errors are fatal for the run: retrying cannot
// make an absent path appear.
type TemplateError struct {
	// StepID is the pipeline step whose arguments failed to render
	StepID string

	// Expr is the ${...} expression that failed
	Expr string

	// Reason explains the failure (unresolved path, parse error)
	Reason string
}

// Error implements the error interface.
func (e *TemplateError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("template error in step %s: %s: %s", e.StepID, e.Expr, e.Reason)
	}
	return fmt.Sprintf("template error: %s: %s", e.Expr, e.Reason)
}

// ErrorType returns the error category.
func (e *TemplateError) ErrorType() string { return KindTemplate }

// IsRetryable reports whether retrying could succeed.
func (e *TemplateError) IsRetryable() bool { return false }

// ToolError represents a failure reported by an invoked tool.
// Tool failures are retryable by default; the retry budget belongs to
// the task policy, not the tool.
type ToolError struct {
	// Address is the tool address (e.g., "core.echo")
	Address string

	// StepID is the pipeline step that invoked the tool
	StepID string

	// Cause is the error the tool returned
	Cause error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("tool %s failed in step %s: %v", e.Address, e.StepID, e.Cause)
	}
	return fmt.Sprintf("tool %s failed: %v", e.Address, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ToolError) Unwrap() error { return e.Cause }

// ErrorType returns the error category.
func (e *ToolError) ErrorType() string { return KindTool }

// IsRetryable reports whether retrying could succeed.
func (e *ToolError) IsRetryable() bool { return true }

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "step fetch", "lease renewal")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// ErrorType returns the error category.
func (e *TimeoutError) ErrorType() string { return KindTimeout }

// IsRetryable reports whether retrying could succeed.
func (e *TimeoutError) IsRetryable() bool { return true }

// TransientStoreError represents a store or network failure that does
// not reflect on the work item itself. Callers retry the operation
// without consuming the task's retry budget.
type TransientStoreError struct {
	// Op is the store operation that failed (e.g., "lease", "complete")
	Op string

	// Cause is the underlying driver error
	Cause error
}

// Error implements the error interface.
func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("transient store error in %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransientStoreError) Unwrap() error { return e.Cause }

// ErrorType returns the error category.
func (e *TransientStoreError) ErrorType() string { return KindTransientStore }

// IsRetryable reports whether retrying could succeed.
func (e *TransientStoreError) IsRetryable() bool { return true }

// LeaseLostError indicates a worker tried to commit a result for a
// lease it no longer holds. The result is discarded; another worker
// owns the attempt now.
type LeaseLostError struct {
	// WorkID is the due-work row whose lease was lost
	WorkID int64

	// WorkerID is the worker that held the stale lease
	WorkerID string
}

// Error implements the error interface.
func (e *LeaseLostError) Error() string {
	return fmt.Sprintf("lease lost on work %d by worker %s", e.WorkID, e.WorkerID)
}

// ErrorType returns the error category.
func (e *LeaseLostError) ErrorType() string { return KindLeaseLost }

// IsRetryable reports whether retrying could succeed.
func (e *LeaseLostError) IsRetryable() bool { return false }

// CanceledError indicates the task was canceled while work was queued
// or in flight.
type CanceledError struct {
	// TaskID is the canceled task
	TaskID string
}

// Error implements the error interface.
func (e *CanceledError) Error() string {
	return fmt.Sprintf("task %s canceled", e.TaskID)
}

// ErrorType returns the error category.
func (e *CanceledError) ErrorType() string { return KindCanceled }

// IsRetryable reports whether retrying could succeed.
func (e *CanceledError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "task", "run", "tool")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType returns the error category.
func (e *NotFoundError) ErrorType() string { return KindNotFound }

// IsRetryable reports whether retrying could succeed.
func (e *NotFoundError) IsRetryable() bool { return false }

// ConflictError represents an operation rejected because of the
// resource's current state (e.g., resuming a canceled task).
type ConflictError struct {
	// Resource is the type of resource (e.g., "task")
	Resource string

	// ID is the conflicting resource's identifier
	ID string

	// Reason explains the conflict
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Resource, e.ID, e.Reason)
}

// ErrorType returns the error category.
func (e *ConflictError) ErrorType() string { return KindConflict }

// IsRetryable reports whether retrying could succeed.
func (e *ConflictError) IsRetryable() bool { return false }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "store.url", "api.listen")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }

// ErrorType returns the error category.
func (e *ConfigError) ErrorType() string { return KindConfig }

// IsRetryable reports whether retrying could succeed.
func (e *ConfigError) IsRetryable() bool { return false }

// Kind classifies an error by walking its tree for an ErrorClassifier.
// Context cancellation and deadline errors map to their kinds even when
// produced outside this package. Unclassified errors report "internal".
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var classifier ErrorClassifier
	if As(err, &classifier) {
		return classifier.ErrorType()
	}
	if Is(err, context.Canceled) {
		return KindCanceled
	}
	if Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return "internal"
}

// Retryable reports whether the error's classification permits a retry.
// Unclassified errors are treated as retryable: an unknown failure is
// assumed transient rather than poisoning the work item.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var classifier ErrorClassifier
	if As(err, &classifier) {
		return classifier.IsRetryable()
	}
	if Is(err, context.Canceled) {
		return false
	}
	if Is(err, context.DeadlineExceeded) {
		return true
	}
	return true
}
