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

// Package leader elects the batond process that runs the scheduler.
// With the Postgres store a session-level advisory lock arbitrates:
// exactly one process in the deployment holds it, the rest keep
// polling until it frees. Single-process deployments (memory store)
// use Standalone, which always leads.
package leader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tombee/baton/internal/metrics"
)

// AdvisoryLockID is the cluster-wide lock key ("batonsch" as int64).
// Every batond in a deployment must campaign on the same value.
const AdvisoryLockID int64 = 0x6261746F6E736368

// defaultRetryInterval paces lock attempts and held-lock checks.
const defaultRetryInterval = 5 * time.Second

// heldQuery reports whether this session still holds the advisory
// lock. classid and objid carry the two halves of the 64-bit key.
const heldQuery = `
SELECT EXISTS (
	SELECT 1 FROM pg_locks
	WHERE locktype = 'advisory'
	  AND classid = ($1 >> 32)::int
	  AND objid = ($1 & 4294967295)::int
	  AND pid = pg_backend_pid()
)`

// Election is the surface the daemon gates the scheduler behind.
// Start begins campaigning, Stop resigns, and registered callbacks
// observe every transition.
type Election interface {
	Start(ctx context.Context) error
	Stop()
	IsLeader() bool
	OnLeadershipChange(fn func(leader bool))
}

var (
	_ Election = (*Elector)(nil)
	_ Election = (*Standalone)(nil)
)

// Elector campaigns for a Postgres advisory lock. Advisory locks are
// session-scoped, so while leading the elector pins one pooled
// connection; the lock lives exactly as long as that session, and
// every query about the lock must run on it.
type Elector struct {
	pool       *pgxpool.Pool
	instanceID string
	retryEvery time.Duration
	logger     *slog.Logger

	mu        sync.RWMutex
	leading   bool
	conn      *pgxpool.Conn // pinned session while leading, else nil
	callbacks []func(bool)
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Config configures an Elector.
type Config struct {
	// Pool is the store's connection pool. Required.
	Pool *pgxpool.Pool
	// InstanceID names this process in logs. Defaults to host:pid.
	InstanceID string
	// RetryInterval paces lock attempts and held-lock verification.
	// Defaults to five seconds.
	RetryInterval time.Duration
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// NewElector builds an Elector from cfg.
func NewElector(cfg Config) (*Elector, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("leader: pool is required")
	}
	id := cfg.InstanceID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = defaultRetryInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Elector{
		pool:       cfg.Pool,
		instanceID: id,
		retryEvery: retry,
		logger: logger.With(
			slog.String("component", "leader"),
			slog.String("instance", id)),
	}, nil
}

// Start begins campaigning in the background. The first attempt is
// immediate; later ones follow the retry interval.
func (e *Elector) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	go e.run(ctx)
	return nil
}

// Stop resigns leadership and waits for the campaign loop to exit.
func (e *Elector) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	<-e.doneCh
}

// IsLeader reports whether this process currently holds the lock.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leading
}

// InstanceID returns the identity used in logs.
func (e *Elector) InstanceID() string { return e.instanceID }

// OnLeadershipChange registers fn to run on every transition. fn is
// called from the campaign goroutine and must not block. Callbacks
// registered after Start observe only later transitions.
func (e *Elector) OnLeadershipChange(fn func(leader bool)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, fn)
}

func (e *Elector) run(ctx context.Context) {
	defer close(e.doneCh)

	e.tryAcquire(ctx)

	ticker := time.NewTicker(e.retryEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.release()
			return
		case <-e.stopCh:
			e.release()
			return
		case <-ticker.C:
			if e.IsLeader() {
				e.verify(ctx)
			} else {
				e.tryAcquire(ctx)
			}
		}
	}
}

// tryAcquire attempts the advisory lock on a freshly pinned session.
func (e *Elector) tryAcquire(ctx context.Context) {
	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		e.logger.Debug("no connection for lock attempt", slog.Any("error", err))
		return
	}

	var got bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", AdvisoryLockID).Scan(&got); err != nil {
		conn.Release()
		e.logger.Debug("advisory lock attempt failed", slog.Any("error", err))
		return
	}
	if !got {
		conn.Release()
		return
	}

	e.mu.Lock()
	e.conn = conn
	e.mu.Unlock()
	e.setLeader(true)
}

// verify confirms the pinned session still holds the lock. Loss means
// the session died (server restart, failover) or the lock was released
// out of band; either way this process must step down and go back to
// campaigning.
func (e *Elector) verify(ctx context.Context) {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()
	if conn == nil {
		e.setLeader(false)
		return
	}

	var held bool
	err := conn.QueryRow(ctx, heldQuery, AdvisoryLockID).Scan(&held)
	if err == nil && held {
		return
	}
	if err != nil {
		e.logger.Warn("leadership check failed", slog.Any("error", err))
	} else {
		e.logger.Warn("advisory lock no longer held")
	}

	e.mu.Lock()
	e.conn = nil
	e.mu.Unlock()
	conn.Release()
	e.setLeader(false)
}

// release unlocks and unpins on shutdown. The unlock runs on its own
// deadline because the loop context is usually already canceled.
func (e *Elector) release() {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", AdvisoryLockID)
		cancel()
		if err != nil {
			// A session that may still hold the lock must not return
			// to the pool.
			e.logger.Debug("advisory unlock failed", slog.Any("error", err))
			_ = conn.Hijack().Close(context.Background())
		} else {
			conn.Release()
		}
	}
	e.setLeader(false)
}

// setLeader records the state and fires callbacks on change.
func (e *Elector) setLeader(leading bool) {
	e.mu.Lock()
	if e.leading == leading {
		e.mu.Unlock()
		return
	}
	e.leading = leading
	callbacks := make([]func(bool), len(e.callbacks))
	copy(callbacks, e.callbacks)
	e.mu.Unlock()

	metrics.SetLeader(leading)
	if leading {
		e.logger.Info("leadership acquired")
	} else {
		e.logger.Info("leadership released")
	}
	for _, fn := range callbacks {
		fn(leading)
	}
}
