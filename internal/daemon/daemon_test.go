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

package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/baton/internal/config"
	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/task"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig is a single-process setup: memory store, every role on,
// events off, timings tightened so tests finish quickly.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.API.ListenAddr = "127.0.0.1:0"
	cfg.Scheduler.TickInterval = 25 * time.Millisecond
	cfg.Scheduler.ReconcileInterval = time.Second
	cfg.Queue.PollInterval = 20 * time.Millisecond
	cfg.Queue.PollJitter = 5 * time.Millisecond
	cfg.Worker.Count = 1
	cfg.Worker.DrainTimeout = 2 * time.Second
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	d, err := New(context.Background(), cfg, Options{
		Version: "test",
		Logger:  discardLogger(),
	})
	require.NoError(t, err)
	return d
}

func TestDaemonLifecycle(t *testing.T) {
	d := newTestDaemon(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.Start(ctx))
	defer d.Stop(context.Background())

	// Memory-store deployments lead unconditionally, and Standalone
	// claims leadership synchronously during Start.
	assert.True(t, d.IsLeader())
	require.NotEmpty(t, d.APIAddr())

	resp, err := http.Get("http://" + d.APIAddr() + "/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Starting again is a no-op, not a double start.
	require.NoError(t, d.Start(ctx))

	require.NoError(t, d.Stop(context.Background()))
	require.NoError(t, d.Stop(context.Background()), "second stop is a no-op")
}

// TestDaemonExecutesOnceTask drives the full path: task created over
// HTTP, trigger fired by the scheduler, row leased by the worker,
// pipeline executed, run recorded.
func TestDaemonExecutesOnceTask(t *testing.T) {
	d := newTestDaemon(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.Start(ctx))
	defer d.Stop(context.Background())

	base := "http://" + d.APIAddr()
	body := map[string]any{
		"title":         "daemon smoke task",
		"schedule_kind": "once",
		"schedule_expr": time.Now().UTC().Add(50 * time.Millisecond).Format(time.RFC3339),
		"payload": map[string]any{
			"pipeline": []map[string]any{
				{"id": "greet", "uses": "core.echo", "with": map[string]any{"message": "hello"}},
			},
		},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(base+"/v1/tasks", "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created task.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.ID)

	require.Eventually(t, func() bool {
		runs, err := d.Store().ListRuns(context.Background(), store.RunFilter{TaskID: created.ID})
		if err != nil || len(runs) == 0 {
			return false
		}
		return runs[0].Success
	}, 10*time.Second, 25*time.Millisecond, "once task never produced a successful run")
}

func TestDaemonRespectsRoles(t *testing.T) {
	cfg := testConfig()
	off := false
	cfg.Scheduler.Enabled = &off
	cfg.Worker.Enabled = &off
	cfg.API.Enabled = &off

	d := newTestDaemon(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.Start(ctx))
	defer d.Stop(context.Background())

	assert.False(t, d.IsLeader(), "non-scheduler nodes never campaign")
	assert.Empty(t, d.APIAddr())
	assert.Nil(t, d.pool)
	assert.Nil(t, d.server)
	assert.Nil(t, d.election)

	require.NoError(t, d.Stop(context.Background()))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Driver = "etcd"

	_, err := New(context.Background(), cfg, Options{Logger: discardLogger()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestApplyOverrides(t *testing.T) {
	t.Run("roles", func(t *testing.T) {
		cfg := config.Default()
		err := applyOverrides(cfg, RunOptions{Roles: []string{"worker", "API"}})
		require.NoError(t, err)
		assert.False(t, cfg.SchedulerEnabled())
		assert.True(t, cfg.WorkerEnabled())
		assert.True(t, cfg.APIEnabled())
	})

	t.Run("unknown role", func(t *testing.T) {
		cfg := config.Default()
		err := applyOverrides(cfg, RunOptions{Roles: []string{"janitor"}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "janitor")
	})

	t.Run("redis addr enables events", func(t *testing.T) {
		cfg := config.Default()
		require.NoError(t, applyOverrides(cfg, RunOptions{RedisAddr: "127.0.0.1:6379"}))
		assert.True(t, cfg.EventsEnabled())
		assert.Equal(t, "127.0.0.1:6379", cfg.Events.RedisAddr)
	})

	t.Run("postgres driver without url fails validation", func(t *testing.T) {
		cfg := config.Default()
		err := applyOverrides(cfg, RunOptions{StoreDriver: "postgres"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "postgres_url")
	})

	t.Run("store url and listen overrides", func(t *testing.T) {
		cfg := config.Default()
		err := applyOverrides(cfg, RunOptions{
			StoreDriver: "postgres",
			PostgresURL: "postgres://baton@localhost/baton",
			ListenAddr:  "0.0.0.0:9090",
		})
		require.NoError(t, err)
		assert.Equal(t, "postgres", cfg.Store.Driver)
		assert.Equal(t, "0.0.0.0:9090", cfg.API.ListenAddr)
	})
}

func TestDaemonHealthDegradedAfterStoreClose(t *testing.T) {
	d := newTestDaemon(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.Start(ctx))
	defer d.Stop(context.Background())

	// The memory store never degrades; this guards the wiring, not the
	// probe: health must consult the store's Ping.
	resp, err := http.Get("http://" + d.APIAddr() + "/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
}

func TestDaemonWorkersVisibleOverAPI(t *testing.T) {
	d := newTestDaemon(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.Start(ctx))
	defer d.Stop(context.Background())

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + d.APIAddr() + "/v1/workers")
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		var list struct {
			Count int `json:"count"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			return false
		}
		return list.Count >= 1
	}, 5*time.Second, 50*time.Millisecond, "worker heartbeat never appeared")
}

func TestDaemonStopUnblocksPromptly(t *testing.T) {
	d := newTestDaemon(t, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))

	done := make(chan error, 1)
	go func() { done <- d.Stop(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return within 5s")
	}
}

func ExampleNew() {
	cfg := config.Default()
	cfg.API.ListenAddr = "127.0.0.1:0"

	d, err := New(context.Background(), cfg, Options{
		Version: "dev",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		fmt.Println("build failed:", err)
		return
	}

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		fmt.Println("start failed:", err)
		return
	}
	defer d.Stop(ctx)

	fmt.Println(d.IsLeader())
	// Output: true
}
