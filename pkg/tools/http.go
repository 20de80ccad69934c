package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tombee/baton/pkg/errors"
)

// Bounds on http.request.
const (
	httpTimeout     = 30 * time.Second
	httpMaxResponse = 10 << 20
)

// HTTPTool performs an HTTP request. It is the bridge between scheduled
// pipelines and the outside world: ping a webhook, hit a health check,
// fire a deploy hook.
type HTTPTool struct {
	client *http.Client
}

// NewHTTPTool creates an HTTP tool with a bounded request timeout.
func NewHTTPTool() *HTTPTool {
	return &HTTPTool{client: &http.Client{Timeout: httpTimeout}}
}

// Name returns the unique address for this tool.
func (t *HTTPTool) Name() string { return "http.request" }

// Description returns a human-readable description of what the tool does.
func (t *HTTPTool) Description() string {
	return "Performs an HTTP request and returns status, headers and body"
}

// Invoke runs the tool with the given arguments and returns its output.
//
// Args: url (required), method (default GET), headers (map of strings),
// body (a string passes through, anything else is JSON-encoded). A
// response status >= 400 fails the step; 5xx and 429 are retryable,
// other 4xx are terminal.
func (t *HTTPTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	rawURL := stringArg(args, "url", "")
	if rawURL == "" {
		return nil, &errors.ValidationError{Field: "url", Value: "", Expected: "a non-empty URL"}
	}

	method := strings.ToUpper(stringArg(args, "method", http.MethodGet))
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodHead, http.MethodOptions:
	default:
		return nil, &errors.ValidationError{
			Field:    "method",
			Value:    method,
			Expected: "GET, POST, PUT, PATCH, DELETE, HEAD or OPTIONS",
		}
	}

	var body io.Reader
	if v, ok := args["body"]; ok && v != nil {
		switch b := v.(type) {
		case string:
			body = strings.NewReader(b)
		default:
			encoded, err := json.Marshal(b)
			if err != nil {
				return nil, &errors.ValidationError{
					Field:    "body",
					Value:    fmt.Sprintf("%T", b),
					Expected: "a string or a JSON-encodable value",
				}
			}
			body = bytes.NewReader(encoded)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, &errors.ValidationError{Field: "url", Value: rawURL, Expected: "a valid URL"}
	}
	for k, v := range headerArgs(args) {
		req.Header.Set(k, v)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		// Transport errors surface raw; the engine wraps them as
		// retryable tool failures.
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, httpMaxResponse))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, &failError{
			message:   fmt.Sprintf("http %s %s returned %s", method, rawURL, resp.Status),
			retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	out := map[string]any{
		"status":  resp.StatusCode,
		"headers": headers,
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			out["body"] = decoded
			return out, nil
		}
	}
	out["body"] = string(raw)
	return out, nil
}

// headerArgs flattens the headers argument. Rendered pipelines hand in
// map[string]any; direct callers may pass map[string]string.
func headerArgs(args map[string]any) map[string]string {
	out := map[string]string{}
	switch h := args["headers"].(type) {
	case map[string]string:
		for k, v := range h {
			out[k] = v
		}
	case map[string]any:
		for k, v := range h {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}
