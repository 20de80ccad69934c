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

package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the command tree against a fake daemon and captures
// stdout. t.Setenv keeps BATON_* from the environment out of the test.
func execute(t *testing.T, srvURL string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("BATON_ADDR", "")
	t.Setenv("BATON_API_KEY", "")
	t.Setenv("BATON_AGENT", "")

	root := NewRootCommand("test", "none", "today")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--addr", srvURL}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestTaskListRendersTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tasks", r.URL.Path)
		assert.Equal(t, "active", r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`{"tasks":[{"id":"t-1","title":"nightly digest",` +
			`"schedule":{"kind":"cron","expression":"0 3 * * *","timezone":"UTC"},` +
			`"status":"active","policy":{"priority":5,"max_retries":3,"backoff":"exponential_jitter"},` +
			`"payload":{"pipeline":[]}}],"count":1}`))
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "task", "list", "--status", "active")
	require.NoError(t, err)
	assert.Contains(t, out, "nightly digest")
	assert.Contains(t, out, "cron 0 3 * * *")
	assert.Contains(t, out, "t-1")
}

func TestTaskCreateFromYAMLFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/tasks", r.URL.Path)

		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nightly digest", req["title"])
		assert.Equal(t, "cron", req["schedule_kind"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"t-9","title":"nightly digest","status":"active",` +
			`"schedule":{"kind":"cron","expression":"0 3 * * *"},` +
			`"policy":{"priority":5},"payload":{"pipeline":[]}}`))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "task.yaml")
	def := `title: nightly digest
schedule_kind: cron
schedule_expr: "0 3 * * *"
payload:
  pipeline:
    - id: fetch
      uses: core.echo
      with:
        message: hi
`
	require.NoError(t, os.WriteFile(path, []byte(def), 0o600))

	out, err := execute(t, srv.URL, "task", "create", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "created task t-9")
}

func TestTaskCreateRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "task.yaml")
	require.NoError(t, os.WriteFile(path, []byte("title: x\nschedle_kind: cron\n"), 0o600))

	_, err := execute(t, "http://127.0.0.1:0", "task", "create", "-f", path)
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitValidation, exitErr.Code)
}

func TestRunNowReportsSuppression(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tasks/t-1/run_now", r.URL.Path)
		_, _ = w.Write([]byte(`{"task_id":"t-1","suppressed":true}`))
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "task", "run-now", "t-1")
	require.NoError(t, err)
	assert.Contains(t, out, "suppressed")
}

func TestSnoozeSendsDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 5400, body["delay_seconds"])
		_, _ = w.Write([]byte(`{"task_id":"t-1","next_run":"2025-06-01T12:00:00Z"}`))
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "task", "snooze", "t-1", "--for", "90m")
	require.NoError(t, err)
	assert.Contains(t, out, "next run is now")
}

func TestJQFlagFiltersOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tasks":[{"id":"t-1","title":"a","schedule":{"kind":"once","expression":"2025-06-01T00:00:00Z"},` +
			`"status":"active","policy":{"priority":5},"payload":{"pipeline":[]}},` +
			`{"id":"t-2","title":"b","schedule":{"kind":"once","expression":"2025-06-02T00:00:00Z"},` +
			`"status":"paused","policy":{"priority":5},"payload":{"pipeline":[]}}],"count":2}`))
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "task", "list", "--jq", ".tasks[].id")
	require.NoError(t, err)
	assert.Equal(t, []string{`"t-1"`, `"t-2"`}, strings.Fields(out))
}

func TestInvalidJQFailsBeforeAnyRequest(t *testing.T) {
	_, err := execute(t, "http://127.0.0.1:0", "task", "list", "--jq", ".tasks[")
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitUsage, exitErr.Code)
}

func TestJSONFlagEmitsRawResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"workers":[{"worker_id":"w-1","last_seen":"2025-06-01T12:00:00Z","healthy":true}],"count":1}`))
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "workers", "--json")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, float64(1), decoded["count"])
}

func TestRunsListRendersFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tasks/t-1/runs", r.URL.Path)
		_, _ = w.Write([]byte(`{"runs":[{"id":"r-1","task_id":"t-1","attempt":2,"success":false,` +
			`"started_at":"2025-06-01T12:00:00Z","finished_at":"2025-06-01T12:00:03Z",` +
			`"error":"tool core.fail: boom"}],"count":1}`))
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "runs", "list", "t-1")
	require.NoError(t, err)
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "tool core.fail: boom")
}

func TestEventsPublishValidatesPayload(t *testing.T) {
	_, err := execute(t, "http://127.0.0.1:0", "events", "publish", "deploys", "--payload", "{not json")
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitValidation, exitErr.Code)
}

func TestEventsPublishSendsEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/events", r.URL.Path)

		var ev map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		assert.Equal(t, "deploys.finished", ev["topic"])
		assert.Equal(t, "deploy-1", ev["id"])

		_, _ = w.Write([]byte(`{"stream_id":"1718000000000-0","topic":"deploys.finished"}`))
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "events", "publish", "deploys.finished",
		"--payload", `{"env":"prod"}`, "--id", "deploy-1")
	require.NoError(t, err)
	assert.Contains(t, out, "1718000000000-0")
}

func TestRunNowPrintsWorkID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"task_id":"t-1","work_id":7,"run_at":"2025-06-01T12:00:00Z"}`))
	}))
	defer srv.Close()

	out, err := execute(t, srv.URL, "task", "run-now", "t-1")
	require.NoError(t, err)
	assert.Contains(t, out, "enqueued work 7")
}
