package pipeline

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jmespath/go-jmespath"

	"github.com/tombee/baton/pkg/errors"
)

// Template expressions are ${...} placeholders inside string values.
// The inner expression is either the pinned clock with optional offset
// ("now", "now+1h", "now-30m") or a JMESPath query over the context
// document ("params.greeting", "steps.fetch.body").
//
// A string that is exactly one placeholder resolves to the referenced
// value with its native type. Placeholders embedded in longer strings
// interpolate: strings splice in verbatim, everything else as JSON.
// An expression that resolves to nothing is a template error; the run
// fails without retry.

var nowExprRE = regexp.MustCompile(`^now(?:\s*([+-])\s*(\d+)([smhd]))?$`)

// RenderValue recursively renders every string in a JSON-shaped value.
func RenderValue(v any, c *Context) (any, error) {
	switch t := v.(type) {
	case string:
		return RenderString(t, c)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			rendered, err := RenderValue(val, c)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			rendered, err := RenderValue(val, c)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderString resolves the placeholders in one string. A pure placeholder
// ("${expr}" and nothing else) returns the referenced value unchanged, so
// numbers, booleans, objects and arrays survive with their types.
func RenderString(s string, c *Context) (any, error) {
	start, end, expr, found := findPlaceholder(s, 0)
	if !found {
		return s, nil
	}

	// Pure placeholder: the whole string is one expression.
	if start == 0 && end == len(s) {
		return c.eval(expr)
	}

	var b strings.Builder
	rest := s
	for {
		b.WriteString(rest[:start])
		v, err := c.eval(expr)
		if err != nil {
			return nil, err
		}
		b.WriteString(interpolate(v))
		rest = rest[end:]

		start, end, expr, found = findPlaceholder(rest, 0)
		if !found {
			b.WriteString(rest)
			return b.String(), nil
		}
	}
}

// eval resolves one placeholder expression against the context.
func (c *Context) eval(expr string) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, &errors.TemplateError{Expr: "${}", Reason: "empty expression"}
	}

	if m := nowExprRE.FindStringSubmatch(expr); m != nil {
		return c.evalNow(m)
	}

	result, err := jmespath.Search(expr, c.Document())
	if err != nil {
		return nil, &errors.TemplateError{
			Expr:   "${" + expr + "}",
			Reason: "invalid expression: " + err.Error(),
		}
	}
	if result == nil {
		return nil, &errors.TemplateError{
			Expr:   "${" + expr + "}",
			Reason: "path not found",
		}
	}
	return result, nil
}

// evalNow applies the optional offset to the run's pinned clock.
func (c *Context) evalNow(m []string) (any, error) {
	t := c.now
	if m[1] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return nil, &errors.TemplateError{Expr: "${" + m[0] + "}", Reason: "bad offset"}
		}
		var unit time.Duration
		switch m[3] {
		case "s":
			unit = time.Second
		case "m":
			unit = time.Minute
		case "h":
			unit = time.Hour
		case "d":
			unit = 24 * time.Hour
		}
		offset := time.Duration(n) * unit
		if m[1] == "-" {
			offset = -offset
		}
		t = t.Add(offset)
	}
	return t.Format(time.RFC3339), nil
}

// findPlaceholder locates the next ${...} in s at or after from, tracking
// brace depth so JMESPath multi-select hashes survive. Returns the
// placeholder's bounds and inner expression.
func findPlaceholder(s string, from int) (start, end int, expr string, found bool) {
	i := strings.Index(s[from:], "${")
	if i < 0 {
		return 0, 0, "", false
	}
	start = from + i

	depth := 1
	for j := start + 2; j < len(s); j++ {
		switch s[j] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return start, j + 1, s[start+2 : j], true
			}
		}
	}
	return 0, 0, "", false
}

// interpolate renders a resolved value for splicing into a longer string.
func interpolate(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// Truthy implements condition semantics: null, false, empty string, zero,
// and empty collections are false; everything else is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	default:
		return true
	}
}
