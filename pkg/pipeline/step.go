// Package pipeline executes a task's steps in order, threading each step's
// output into the next through template expressions. Execution is
// deterministic: the same payload, parameters and tool responses produce a
// byte-identical final context.
package pipeline

import (
	"fmt"

	"github.com/tombee/baton/pkg/backoff"
	"github.com/tombee/baton/pkg/errors"
)

// Step is one unit of a pipeline: a tool invocation plus control fields.
type Step struct {
	// ID names the step. Unique within the pipeline.
	ID string `json:"id" yaml:"id"`

	// Uses is the tool address to invoke (e.g., "core.echo").
	Uses string `json:"uses" yaml:"uses"`

	// With holds the tool arguments. String values may contain ${...}
	// template expressions.
	With map[string]any `json:"with,omitempty" yaml:"with,omitempty"`

	// SaveAs captures the output under this key instead of the step ID.
	SaveAs string `json:"save_as,omitempty" yaml:"save_as,omitempty"`

	// If gates execution: rendered and tested for truthiness. A false
	// result skips the step.
	If string `json:"if,omitempty" yaml:"if,omitempty"`

	// Timeout bounds one invocation attempt, in seconds. Zero uses the
	// engine default.
	Timeout int `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Retries enables step-local retries within the same run attempt.
	// Nil means a single try; run-level retry policy still applies.
	Retries *RetryPolicy `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// RetryPolicy is a step-local retry budget.
type RetryPolicy struct {
	MaxRetries int          `json:"max_retries" yaml:"max_retries"`
	Backoff    backoff.Kind `json:"backoff" yaml:"backoff"`
}

// Key returns the context key the step's output is captured under.
func (s Step) Key() string {
	if s.SaveAs != "" {
		return s.SaveAs
	}
	return s.ID
}

// ValidateSteps checks structural rules: non-empty ids and tool addresses,
// unique capture keys, sane timeouts and retry budgets.
func ValidateSteps(steps []Step) error {
	seen := make(map[string]string, len(steps))
	for i, s := range steps {
		field := fmt.Sprintf("payload.pipeline[%d]", i)

		if s.ID == "" {
			return &errors.ValidationError{
				Field:    field + ".id",
				Value:    "",
				Expected: "a non-empty step id",
			}
		}
		if s.Uses == "" {
			return &errors.ValidationError{
				Field:    field + ".uses",
				Value:    "",
				Expected: "a tool address",
			}
		}
		if s.Timeout < 0 {
			return &errors.ValidationError{
				Field:    field + ".timeout",
				Value:    fmt.Sprintf("%d", s.Timeout),
				Expected: "zero or a positive number of seconds",
			}
		}
		if s.Retries != nil {
			if s.Retries.MaxRetries < 0 {
				return &errors.ValidationError{
					Field:    field + ".retries.max_retries",
					Value:    fmt.Sprintf("%d", s.Retries.MaxRetries),
					Expected: "zero or a positive integer",
				}
			}
			if s.Retries.Backoff != "" && !backoff.Valid(s.Retries.Backoff) {
				return &errors.ValidationError{
					Field:    field + ".retries.backoff",
					Value:    string(s.Retries.Backoff),
					Expected: "one of exponential_jitter, linear, fixed",
				}
			}
		}

		key := s.Key()
		if key == "failed_step" {
			return &errors.ValidationError{
				Field:    field,
				Value:    key,
				Expected: "a capture key other than the reserved \"failed_step\"",
			}
		}
		if prev, dup := seen[key]; dup {
			return &errors.ValidationError{
				Field:    field,
				Value:    key,
				Expected: fmt.Sprintf("a capture key distinct from step %q", prev),
			}
		}
		seen[key] = s.ID
	}
	return nil
}

// CloneSteps deep-copies a step list.
func CloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		out[i] = s
		if s.With != nil {
			out[i].With = CloneValue(s.With).(map[string]any)
		}
		if s.Retries != nil {
			r := *s.Retries
			out[i].Retries = &r
		}
	}
	return out
}
