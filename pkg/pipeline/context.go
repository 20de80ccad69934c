package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Context is the state a pipeline accumulates while it runs: the caller's
// parameters, each step's captured output in execution order, and the
// run's pinned clock. Its JSON form is the run artifact; marshaling is
// deterministic, with step entries in execution order.
type Context struct {
	params map[string]any
	order  []string
	steps  map[string]any
	now    time.Time

	failedStep string
}

// NewContext builds a run context. Params are normalized to plain JSON
// shapes so later marshaling cannot observe host types. now is pinned for
// the whole run.
func NewContext(params map[string]any, now time.Time) *Context {
	normalized, _ := Normalize(params)
	p, _ := normalized.(map[string]any)
	if p == nil {
		p = map[string]any{}
	}
	return &Context{
		params: p,
		steps:  make(map[string]any),
		now:    now.UTC(),
	}
}

// Now returns the run's pinned clock.
func (c *Context) Now() time.Time { return c.now }

// NowString returns the pinned clock in the form templates and the JSON
// artifact use.
func (c *Context) NowString() string { return c.now.Format(time.RFC3339) }

// SetOutput captures a step's output under key. The value must already be
// normalized; later steps see it at steps.<key>.
func (c *Context) SetOutput(key string, output any) {
	c.record(key, output)
}

// SetSkipped records the placeholder for a step whose condition was false.
func (c *Context) SetSkipped(key string) {
	c.record(key, map[string]any{"skipped": true})
}

// SetFailedStep marks the step that ended the run.
func (c *Context) SetFailedStep(stepID string) {
	c.failedStep = stepID
}

// FailedStep returns the failing step's id, or "" while the run is healthy.
func (c *Context) FailedStep() string { return c.failedStep }

func (c *Context) record(key string, entry any) {
	if _, exists := c.steps[key]; !exists {
		c.order = append(c.order, key)
	}
	c.steps[key] = entry
}

// Document returns the context as a plain JSON-shaped map, the form
// template expressions evaluate against.
func (c *Context) Document() map[string]any {
	doc := map[string]any{
		"params": c.params,
		"steps":  c.steps,
		"now":    c.NowString(),
	}
	if c.failedStep != "" {
		doc["failed_step"] = c.failedStep
	}
	return doc
}

// MarshalJSON emits the run artifact: params (sorted keys, as encoding/json
// always orders maps), steps in execution order, the pinned now, and the
// failed_step marker when set.
func (c *Context) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	buf.WriteString(`"params":`)
	params, err := json.Marshal(c.params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params: %w", err)
	}
	buf.Write(params)

	buf.WriteString(`,"steps":{`)
	for i, key := range c.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(c.steps[key])
		if err != nil {
			return nil, fmt.Errorf("marshaling step %q: %w", key, err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')

	buf.WriteString(`,"now":`)
	now, err := json.Marshal(c.NowString())
	if err != nil {
		return nil, err
	}
	buf.Write(now)

	if c.failedStep != "" {
		buf.WriteString(`,"failed_step":`)
		fs, err := json.Marshal(c.failedStep)
		if err != nil {
			return nil, err
		}
		buf.Write(fs)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalOutput emits the run's output artifact: the steps map in execution
// order, with a failed_step marker appended when the pipeline did not finish.
func (c *Context) MarshalOutput() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range c.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(c.steps[key])
		if err != nil {
			return nil, fmt.Errorf("marshaling step %q: %w", key, err)
		}
		buf.Write(v)
	}
	if c.failedStep != "" {
		if len(c.order) > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(`"failed_step":`)
		fs, err := json.Marshal(c.failedStep)
		if err != nil {
			return nil, err
		}
		buf.Write(fs)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Normalize round-trips a value through JSON so only plain shapes remain:
// map[string]any, []any, string, float64, bool, nil.
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON-serializable: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CloneValue deep-copies a JSON-shaped value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = CloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = CloneValue(val)
		}
		return out
	default:
		// Scalars are immutable; non-JSON host types are normalized at
		// the boundaries, so passing them through here is safe.
		return v
	}
}
