package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/baton/pkg/backoff"
	"github.com/tombee/baton/pkg/errors"
)

// DefaultStepTimeout bounds a single tool invocation when the step does
// not set its own timeout.
const DefaultStepTimeout = 30 * time.Second

// Invoker dispatches a tool invocation to whatever implements the
// address. The returned value must be JSON-serializable.
type Invoker interface {
	Invoke(ctx context.Context, address string, args map[string]any) (any, error)
}

// Engine executes pipelines. It is stateless across runs; everything a
// run accumulates lives in its Context.
type Engine struct {
	tools       Invoker
	logger      *slog.Logger
	tracer      trace.Tracer
	stepTimeout time.Duration

	// sleep and rand01 are injectable for tests; production uses the
	// real clock.
	sleep  func(ctx context.Context, d time.Duration) error
	rand01 func() float64
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithStepTimeout overrides the default per-attempt timeout.
func WithStepTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// WithSleep replaces the retry delay function. Tests inject a recording
// sleeper so backoff is observable without waiting.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) EngineOption {
	return func(e *Engine) { e.sleep = sleep }
}

// WithRand replaces the jitter source for deterministic tests.
func WithRand(rand01 func() float64) EngineOption {
	return func(e *Engine) { e.rand01 = rand01 }
}

// NewEngine builds an Engine around a tool invoker.
func NewEngine(tools Invoker, opts ...EngineOption) *Engine {
	e := &Engine{
		tools:       tools,
		logger:      slog.Default(),
		tracer:      otel.Tracer("github.com/tombee/baton/pkg/pipeline"),
		stepTimeout: DefaultStepTimeout,
		sleep:       sleepCtx,
		rand01:      nil,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Input is one run of a pipeline.
type Input struct {
	// TaskID and RunID scope logging and tracing. Neither affects
	// execution.
	TaskID string
	RunID  string

	// Attempt is the run-level attempt number, for logging.
	Attempt int

	// Steps execute in order.
	Steps []Step

	// Params seed the context under params.*.
	Params map[string]any

	// Now pins the run's clock. Every ${now} in the pipeline resolves
	// to this instant.
	Now time.Time
}

// Execute runs the pipeline to completion or first failure.
//
// The returned Context always carries whatever the run produced: on
// failure it holds the outputs of the steps before the failing one plus
// the failed_step marker. Template errors are terminal for the run; tool
// and timeout errors consume the step's local retry budget first and
// surface as retryable when it is spent.
func (e *Engine) Execute(ctx context.Context, in Input) (*Context, error) {
	if err := ValidateSteps(in.Steps); err != nil {
		return NewContext(in.Params, in.Now), err
	}

	c := NewContext(in.Params, in.Now)
	logger := e.logger.With("task_id", in.TaskID, "run_id", in.RunID, "attempt", in.Attempt)

	ctx, span := e.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("baton.task_id", in.TaskID),
		attribute.String("baton.run_id", in.RunID),
		attribute.Int("baton.attempt", in.Attempt),
		attribute.Int("baton.steps", len(in.Steps)),
	))
	defer span.End()

	started := time.Now()
	for i := range in.Steps {
		step := in.Steps[i]
		if err := e.executeStep(ctx, c, step, logger); err != nil {
			c.SetFailedStep(step.ID)
			span.RecordError(err)
			span.SetStatus(codes.Error, errors.Kind(err))
			logger.Error("pipeline failed",
				"step_id", step.ID,
				"error", err,
				"error_kind", errors.Kind(err),
				"duration_ms", time.Since(started).Milliseconds(),
			)
			return c, err
		}
	}

	logger.Debug("pipeline finished",
		"steps", len(in.Steps),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return c, nil
}

// executeStep runs one step: condition gate, argument render, then the
// invocation with its local retry budget.
func (e *Engine) executeStep(ctx context.Context, c *Context, step Step, logger *slog.Logger) error {
	ctx, span := e.tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("baton.step_id", step.ID),
		attribute.String("baton.tool", step.Uses),
	))
	defer span.End()

	if step.If != "" {
		cond, err := RenderString(step.If, c)
		if err != nil {
			return stamped(err, step.ID)
		}
		if !Truthy(cond) {
			logger.Debug("step skipped", "step_id", step.ID, "if", step.If)
			span.SetAttributes(attribute.Bool("baton.skipped", true))
			c.SetSkipped(step.Key())
			return nil
		}
	}

	args, err := e.renderArgs(step, c)
	if err != nil {
		return stamped(err, step.ID)
	}

	output, err := e.invokeWithRetry(ctx, step, args, logger)
	if err != nil {
		return err
	}

	normalized, err := Normalize(output)
	if err != nil {
		return &errors.ToolError{Address: step.Uses, StepID: step.ID, Cause: err}
	}
	c.SetOutput(step.Key(), normalized)
	return nil
}

// renderArgs resolves the step's with block against the context.
func (e *Engine) renderArgs(step Step, c *Context) (map[string]any, error) {
	if step.With == nil {
		return map[string]any{}, nil
	}
	rendered, err := RenderValue(CloneValue(step.With), c)
	if err != nil {
		return nil, err
	}
	args, ok := rendered.(map[string]any)
	if !ok {
		args = map[string]any{}
	}
	return args, nil
}

// invokeWithRetry invokes the tool, consuming the step-local retry
// budget on retryable failures. Each attempt gets a fresh timeout.
func (e *Engine) invokeWithRetry(ctx context.Context, step Step, args map[string]any, logger *slog.Logger) (any, error) {
	tries := 1
	kind := backoff.ExponentialJitter
	if step.Retries != nil {
		tries += step.Retries.MaxRetries
		if step.Retries.Backoff != "" {
			kind = step.Retries.Backoff
		}
	}

	var lastErr error
	for attempt := 1; attempt <= tries; attempt++ {
		output, err := e.invokeOnce(ctx, step, args)
		if err == nil {
			return output, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			// The run's budget is gone, not the step's.
			return nil, ctx.Err()
		}
		if !errors.Retryable(err) || attempt == tries {
			break
		}

		delay := backoff.Delay(kind, attempt, e.rand01)
		logger.Debug("step retrying",
			"step_id", step.ID,
			"tool", step.Uses,
			"attempt", attempt,
			"delay_ms", delay.Milliseconds(),
			"error", err,
		)
		if err := e.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// invokeOnce performs a single tool invocation under the step's timeout.
func (e *Engine) invokeOnce(ctx context.Context, step Step, args map[string]any) (any, error) {
	timeout := e.stepTimeout
	if step.Timeout > 0 {
		timeout = time.Duration(step.Timeout) * time.Second
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := e.tools.Invoke(stepCtx, step.Uses, args)
	if err == nil {
		return output, nil
	}

	// A deadline hit on the step context, with the run context still
	// live, is the step's own timeout.
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &errors.TimeoutError{
			Operation: "step " + step.ID,
			Duration:  timeout,
			Cause:     &errors.ToolError{Address: step.Uses, StepID: step.ID, Cause: err},
		}
	}

	var classified errors.ErrorClassifier
	if errors.As(err, &classified) {
		return nil, stamped(err, step.ID)
	}
	return nil, &errors.ToolError{Address: step.Uses, StepID: step.ID, Cause: err}
}

// stamped fills in the step id on typed errors that carry one.
func stamped(err error, stepID string) error {
	var terr *errors.TemplateError
	if errors.As(err, &terr) && terr.StepID == "" {
		terr.StepID = stepID
	}
	var toolErr *errors.ToolError
	if errors.As(err, &toolErr) && toolErr.StepID == "" {
		toolErr.StepID = stepID
	}
	return err
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
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
