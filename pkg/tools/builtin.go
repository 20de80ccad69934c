package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/baton/pkg/errors"
)

// RegisterBuiltins registers the tools every daemon ships with: the
// core.* set, small enough to exercise scheduling, retries and timeouts
// without external services, plus http.request for reaching real ones.
func RegisterBuiltins(r *Registry, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	builtins := []Tool{
		&EchoTool{},
		&LogTool{logger: logger.With(slog.String("component", "tool.core.log"))},
		&SleepTool{},
		&FailTool{},
		NewHTTPTool(),
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("failed to register builtin %s: %w", t.Name(), err)
		}
	}
	return nil
}

// EchoTool returns its arguments unchanged. Useful for wiring checks
// and for capturing rendered template values in step outputs.
type EchoTool struct{}

// Name returns the unique address for this tool.
func (t *EchoTool) Name() string { return "core.echo" }

// Description returns a human-readable description of what the tool does.
func (t *EchoTool) Description() string {
	return "Returns its arguments unchanged"
}

// Invoke runs the tool with the given arguments and returns its output.
func (t *EchoTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out, nil
}

// LogTool writes a message to the daemon log.
type LogTool struct {
	logger *slog.Logger
}

// NewLogTool creates a log tool writing through the given logger.
func NewLogTool(logger *slog.Logger) *LogTool {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTool{logger: logger}
}

// Name returns the unique address for this tool.
func (t *LogTool) Name() string { return "core.log" }

// Description returns a human-readable description of what the tool does.
func (t *LogTool) Description() string {
	return "Writes a message to the daemon log at the requested level"
}

// Invoke runs the tool with the given arguments and returns its output.
func (t *LogTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	message := stringArg(args, "message", "")
	level := stringArg(args, "level", "info")

	switch level {
	case "debug":
		t.logger.DebugContext(ctx, message)
	case "warn", "warning":
		t.logger.WarnContext(ctx, message)
	case "error":
		t.logger.ErrorContext(ctx, message)
	default:
		level = "info"
		t.logger.InfoContext(ctx, message)
	}

	return map[string]any{
		"logged":  true,
		"level":   level,
		"message": message,
	}, nil
}

// SleepTool blocks for a duration, honoring context cancellation.
// It exists to make timeout and lease behavior observable in tests and
// demos without a real workload.
type SleepTool struct {
	// sleep overrides the wait for tests; nil uses a real timer
	sleep func(ctx context.Context, d time.Duration) error
}

// Name returns the unique address for this tool.
func (t *SleepTool) Name() string { return "core.sleep" }

// Description returns a human-readable description of what the tool does.
func (t *SleepTool) Description() string {
	return "Sleeps for the given duration, then returns"
}

// Invoke runs the tool with the given arguments and returns its output.
func (t *SleepTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	d, err := durationArg(args, "duration")
	if err != nil {
		return nil, err
	}

	wait := t.sleep
	if wait == nil {
		wait = waitFor
	}
	start := time.Now()
	if err := wait(ctx, d); err != nil {
		return nil, err
	}

	return map[string]any{
		"slept_ms": time.Since(start).Milliseconds(),
	}, nil
}

// FailTool fails on purpose. The retryable flag lets tests and demos
// drive both the retry path and the terminal-failure path.
type FailTool struct{}

// Name returns the unique address for this tool.
func (t *FailTool) Name() string { return "core.fail" }

// Description returns a human-readable description of what the tool does.
func (t *FailTool) Description() string {
	return "Fails with the given message; retryable unless told otherwise"
}

// Invoke runs the tool with the given arguments and returns its output.
func (t *FailTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	message := stringArg(args, "message", "core.fail invoked")
	retryable := true
	if v, ok := args["retryable"].(bool); ok {
		retryable = v
	}
	return nil, &failError{message: message, retryable: retryable}
}

// failError carries core.fail's explicit retryable flag through the
// error classification machinery.
type failError struct {
	message   string
	retryable bool
}

// Error implements the error interface.
func (e *failError) Error() string { return e.message }

// ErrorType returns the error category.
func (e *failError) ErrorType() string { return errors.KindTool }

// IsRetryable reports whether retrying could succeed.
func (e *failError) IsRetryable() bool { return e.retryable }

// stringArg reads a string argument, falling back to def when absent
// or not a string.
func stringArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

// durationArg reads a duration given either as a Go duration string
// ("1.5s") or a number of seconds.
func durationArg(args map[string]any, key string) (time.Duration, error) {
	v, ok := args[key]
	if !ok {
		return 0, &errors.ValidationError{Field: key, Value: "", Expected: "duration string or seconds"}
	}
	switch d := v.(type) {
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0, &errors.ValidationError{Field: key, Value: d, Expected: "duration string (e.g. \"30s\")"}
		}
		if parsed < 0 {
			return 0, &errors.ValidationError{Field: key, Value: d, Expected: "non-negative duration"}
		}
		return parsed, nil
	case float64:
		if d < 0 {
			return 0, &errors.ValidationError{Field: key, Value: fmt.Sprintf("%v", d), Expected: "non-negative duration"}
		}
		return time.Duration(d * float64(time.Second)), nil
	case int:
		if d < 0 {
			return 0, &errors.ValidationError{Field: key, Value: fmt.Sprintf("%d", d), Expected: "non-negative duration"}
		}
		return time.Duration(d) * time.Second, nil
	default:
		return 0, &errors.ValidationError{Field: key, Value: fmt.Sprintf("%v", v), Expected: "duration string or seconds"}
	}
}

// waitFor blocks for d or until ctx is done.
func waitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
