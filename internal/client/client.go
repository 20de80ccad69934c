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

// Package client is the Go client for the batond REST API, used by the
// baton CLI. Request and response shapes mirror the daemon's wire types.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/task"
)

// DefaultBaseURL matches batond's default listen address.
const DefaultBaseURL = "http://127.0.0.1:8430"

// Environment variables consulted by FromEnv.
const (
	EnvAddr   = "BATON_ADDR"
	EnvAPIKey = "BATON_API_KEY"
	EnvAgent  = "BATON_AGENT"
)

const agentHeader = "X-Baton-Agent"

// Client talks to a batond daemon.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	agentID    string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a daemon, e.g. http://10.0.0.5:8430.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithAPIKey sets the bearer key sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithAgentID stamps created tasks with an owning agent id.
func WithAgentID(id string) Option {
	return func(c *Client) { c.agentID = id }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New builds a client for DefaultBaseURL unless overridden.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    DefaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromEnv builds a client from BATON_ADDR, BATON_API_KEY and BATON_AGENT,
// with opts applied on top.
func FromEnv(opts ...Option) *Client {
	var base []Option
	if addr := os.Getenv(EnvAddr); addr != "" {
		base = append(base, WithBaseURL(addr))
	}
	if key := os.Getenv(EnvAPIKey); key != "" {
		base = append(base, WithAPIKey(key))
	}
	if agent := os.Getenv(EnvAgent); agent != "" {
		base = append(base, WithAgentID(agent))
	}
	return New(append(base, opts...)...)
}

// TaskRequest is the create/update body for a task. YAML tags let the
// CLI load the same shape from task definition files.
type TaskRequest struct {
	Title               string       `json:"title" yaml:"title"`
	Description         string       `json:"description,omitempty" yaml:"description,omitempty"`
	ScheduleKind        string       `json:"schedule_kind" yaml:"schedule_kind"`
	ScheduleExpr        string       `json:"schedule_expr,omitempty" yaml:"schedule_expr,omitempty"`
	Timezone            string       `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Payload             task.Payload `json:"payload" yaml:"payload"`
	Priority            int          `json:"priority,omitempty" yaml:"priority,omitempty"`
	MaxRetries          *int         `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	BackoffStrategy     string       `json:"backoff_strategy,omitempty" yaml:"backoff_strategy,omitempty"`
	DedupeKey           string       `json:"dedupe_key,omitempty" yaml:"dedupe_key,omitempty"`
	DedupeWindowSeconds int          `json:"dedupe_window_seconds,omitempty" yaml:"dedupe_window_seconds,omitempty"`
	ConcurrencyKey      string       `json:"concurrency_key,omitempty" yaml:"concurrency_key,omitempty"`
}

// TaskList is the paged response from ListTasks.
type TaskList struct {
	Tasks []*task.Task `json:"tasks"`
	Count int          `json:"count"`
}

// ListOptions filters and pages a list call.
type ListOptions struct {
	Status string
	Limit  int
	Offset int
}

// SnoozeResult reports the shifted fire time.
type SnoozeResult struct {
	TaskID  string     `json:"task_id"`
	NextRun *time.Time `json:"next_run,omitempty"`
}

// RunNowResult reports an immediate enqueue, or that dedupe absorbed it.
type RunNowResult struct {
	TaskID     string     `json:"task_id"`
	WorkID     *int64     `json:"work_id,omitempty"`
	RunAt      *time.Time `json:"run_at,omitempty"`
	Suppressed bool       `json:"suppressed,omitempty"`
}

// RunList is the paged response from ListRuns.
type RunList struct {
	Runs  []*store.Run `json:"runs"`
	Count int          `json:"count"`
}

// Event is an external occurrence published onto the bus.
type Event struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Source  string          `json:"source,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// EventReceipt acknowledges a published event.
type EventReceipt struct {
	StreamID string `json:"stream_id"`
	Topic    string `json:"topic"`
}

// WorkerStatus is one worker's heartbeat view.
type WorkerStatus struct {
	WorkerID string    `json:"worker_id"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

// WorkerList is the response from ListWorkers.
type WorkerList struct {
	Workers []WorkerStatus `json:"workers"`
	Count   int            `json:"count"`
}

// Health is the daemon health report.
type Health struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// CreateTask registers a new task and returns the persisted row,
// including the derived next_run.
func (c *Client) CreateTask(ctx context.Context, req *TaskRequest) (*task.Task, error) {
	var out task.Task
	if err := c.doJSON(ctx, http.MethodPost, "/v1/tasks", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask fetches one task by id.
func (c *Client) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var out task.Task
	if err := c.doJSON(ctx, http.MethodGet, taskPath(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTasks pages through tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) (*TaskList, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	addPaging(q, opts)

	var out TaskList
	if err := c.doJSON(ctx, http.MethodGet, withQuery("/v1/tasks", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateTask replaces a task's definition.
func (c *Client) UpdateTask(ctx context.Context, id string, req *TaskRequest) (*task.Task, error) {
	var out task.Task
	if err := c.doJSON(ctx, http.MethodPut, taskPath(id), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PauseTask suspends firing; the definition is kept.
func (c *Client) PauseTask(ctx context.Context, id string) (*task.Task, error) {
	return c.lifecycle(ctx, id, "pause")
}

// ResumeTask reactivates a paused task. Occurrences missed while paused
// are not replayed.
func (c *Client) ResumeTask(ctx context.Context, id string) (*task.Task, error) {
	return c.lifecycle(ctx, id, "resume")
}

// CancelTask terminally stops a task and discards its pending work.
func (c *Client) CancelTask(ctx context.Context, id string) (*task.Task, error) {
	return c.lifecycle(ctx, id, "cancel")
}

func (c *Client) lifecycle(ctx context.Context, id, verb string) (*task.Task, error) {
	var out task.Task
	if err := c.doJSON(ctx, http.MethodPost, taskPath(id)+"/"+verb, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SnoozeTask shifts the next fire by delay (negative pulls it earlier).
func (c *Client) SnoozeTask(ctx context.Context, id string, delay time.Duration) (*SnoozeResult, error) {
	body := map[string]int{"delay_seconds": int(delay / time.Second)}
	var out SnoozeResult
	if err := c.doJSON(ctx, http.MethodPost, taskPath(id)+"/snooze", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunNow enqueues an immediate out-of-schedule run. A suppressed result
// means the task's dedupe key absorbed it.
func (c *Client) RunNow(ctx context.Context, id string) (*RunNowResult, error) {
	var out RunNowResult
	if err := c.doJSON(ctx, http.MethodPost, taskPath(id)+"/run_now", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns pages through a task's run history, newest first.
func (c *Client) ListRuns(ctx context.Context, taskID string, opts ListOptions) (*RunList, error) {
	q := url.Values{}
	addPaging(q, opts)

	var out RunList
	if err := c.doJSON(ctx, http.MethodGet, withQuery(taskPath(taskID)+"/runs", q), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun fetches one run by id.
func (c *Client) GetRun(ctx context.Context, id string) (*store.Run, error) {
	var out store.Run
	if err := c.doJSON(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PublishEvent puts an event on the bus; event-scheduled tasks matching
// its topic will fire.
func (c *Client) PublishEvent(ctx context.Context, ev *Event) (*EventReceipt, error) {
	var out EventReceipt
	if err := c.doJSON(ctx, http.MethodPost, "/v1/events", ev, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWorkers reports known workers and their heartbeat freshness.
func (c *Client) ListWorkers(ctx context.Context) (*WorkerList, error) {
	var out WorkerList
	if err := c.doJSON(ctx, http.MethodGet, "/v1/workers", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetHealth reports daemon and store health.
func (c *Client) GetHealth(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Ping reports whether the daemon answers at all.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.GetHealth(ctx)
	return err
}

func taskPath(id string) string {
	return "/v1/tasks/" + url.PathEscape(id)
}

func addPaging(q url.Values, opts ListOptions) {
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
}

func withQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

// doJSON performs one request: marshal in (when non-nil), attach auth and
// agent headers, decode 2xx bodies into out, and surface everything else
// as an *APIError.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.agentID != "" {
		req.Header.Set(agentHeader, c.agentID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
