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

// Package postgres implements store.Store on PostgreSQL via pgx.
//
// Every protocol operation runs in a single transaction. Leasing uses
// FOR UPDATE SKIP LOCKED so contending workers never block each other,
// and advisory transaction locks serialize the two cross-row checks
// (dedupe admission and concurrency-key admission) that indexes alone
// cannot express.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/backoff"
	"github.com/tombee/baton/pkg/errors"
	"github.com/tombee/baton/pkg/task"
)

// Postgres error codes this package reacts to.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Store is a PostgreSQL-backed store.Store.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Option configures a Store before the pool is opened.
type Option func(*options)

type options struct {
	maxConns        int32
	minConns        int32
	maxConnLifetime time.Duration
	logger          *slog.Logger
}

// WithMaxConns caps the pool size.
func WithMaxConns(n int32) Option {
	return func(o *options) { o.maxConns = n }
}

// WithMinConns keeps a floor of warm connections.
func WithMinConns(n int32) Option {
	return func(o *options) { o.minConns = n }
}

// WithConnLifetime bounds how long a connection is reused.
func WithConnLifetime(d time.Duration) Option {
	return func(o *options) { o.maxConnLifetime = d }
}

// WithLogger sets the store's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// New opens a connection pool against the given URL. The caller is
// expected to run Migrate before serving traffic.
func New(ctx context.Context, url string, opts ...Option) (*Store, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres url: %w", err)
	}
	if o.maxConns > 0 {
		cfg.MaxConns = o.maxConns
	}
	if o.minConns > 0 {
		cfg.MinConns = o.minConns
	}
	if o.maxConnLifetime > 0 {
		cfg.MaxConnLifetime = o.maxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	return &Store{
		pool:   pool,
		logger: o.logger.With(slog.String("component", "store.postgres")),
	}, nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return &errors.TransientStoreError{Op: "ping", Cause: err}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Pool exposes the underlying connection pool for components that need
// session-scoped state, such as the leader elector's advisory lock.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// withTx runs fn inside one transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &errors.TransientStoreError{Op: "begin", Cause: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return &errors.TransientStoreError{Op: "commit", Cause: err}
	}
	return nil
}

// taskColumns is the canonical SELECT list for task rows.
const taskColumns = `id, agent_id, title, description, schedule_kind, schedule_expr, timezone,
	payload, priority, max_retries, backoff, dedupe_key, dedupe_window_seconds,
	concurrency_key, status, next_run, high_water, created_at, updated_at`

// CreateTask inserts a new task. The task id must be unique.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO task (
			id, agent_id, title, description, schedule_kind, schedule_expr, timezone,
			payload, priority, max_retries, backoff, dedupe_key, dedupe_window_seconds,
			concurrency_key, status, next_run, high_water
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING created_at, updated_at`,
		t.ID, t.AgentID, t.Title, t.Description,
		string(t.Schedule.Kind), t.Schedule.Expression, t.Schedule.Timezone,
		payload, t.Policy.Priority, t.Policy.MaxRetries, string(t.Policy.Backoff),
		t.Policy.DedupeKey, t.Policy.DedupeWindowSeconds, t.Policy.ConcurrencyKey,
		string(t.Status), t.NextRun, t.HighWater,
	)
	if err := row.Scan(&t.CreatedAt, &t.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return &errors.ConflictError{Resource: "task", ID: t.ID, Reason: "already exists"}
		}
		return &errors.TransientStoreError{Op: "create task", Cause: err}
	}
	return nil
}

// GetTask returns the task or a not_found error.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM task WHERE id = $1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &errors.NotFoundError{Resource: "task", ID: id}
		}
		return nil, &errors.TransientStoreError{Op: "get task", Cause: err}
	}
	return t, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *Store) ListTasks(ctx context.Context, f store.TaskFilter) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM task
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		string(f.Status), f.Bound(), f.Offset,
	)
	if err != nil {
		return nil, &errors.TransientStoreError{Op: "list tasks", Cause: err}
	}
	defer rows.Close()

	tasks := make([]*task.Task, 0, 16)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, &errors.TransientStoreError{Op: "list tasks", Cause: err}
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.TransientStoreError{Op: "list tasks", Cause: err}
	}
	return tasks, nil
}

// UpdateTask replaces the task's definition fields. Lifecycle state,
// high-water and timestamps are untouched.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE task SET
			agent_id = $2, title = $3, description = $4,
			schedule_kind = $5, schedule_expr = $6, timezone = $7,
			payload = $8, priority = $9, max_retries = $10, backoff = $11,
			dedupe_key = $12, dedupe_window_seconds = $13, concurrency_key = $14,
			updated_at = now()
		WHERE id = $1 AND status IN ('active', 'paused')`,
		t.ID, t.AgentID, t.Title, t.Description,
		string(t.Schedule.Kind), t.Schedule.Expression, t.Schedule.Timezone,
		payload, t.Policy.Priority, t.Policy.MaxRetries, string(t.Policy.Backoff),
		t.Policy.DedupeKey, t.Policy.DedupeWindowSeconds, t.Policy.ConcurrencyKey,
	)
	if err != nil {
		return &errors.TransientStoreError{Op: "update task", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		// Distinguish not-found from terminal-state conflicts.
		cur, err := s.GetTask(ctx, t.ID)
		if err != nil {
			return err
		}
		return &errors.ConflictError{Resource: "task", ID: t.ID, Reason: "cannot update a " + string(cur.Status) + " task"}
	}
	return nil
}

// SetTaskStatus transitions the task's lifecycle state. Canceling
// discards the task's unleased pending work in the same transaction.
func (s *Store) SetTaskStatus(ctx context.Context, id string, status task.Status) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx, `SELECT status FROM task WHERE id = $1 FOR UPDATE`, id).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &errors.NotFoundError{Resource: "task", ID: id}
			}
			return &errors.TransientStoreError{Op: "set task status", Cause: err}
		}

		if err := store.CheckTransition(id, task.Status(current), status); err != nil {
			return err
		}
		if task.Status(current) == status {
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE task SET status = $2, updated_at = now() WHERE id = $1`,
			id, string(status),
		); err != nil {
			return &errors.TransientStoreError{Op: "set task status", Cause: err}
		}

		if status == task.StatusCanceled {
			if _, err := tx.Exec(ctx, `
				DELETE FROM due_work
				WHERE task_id = $1 AND (lease_owner IS NULL OR locked_until < now())`,
				id,
			); err != nil {
				return &errors.TransientStoreError{Op: "drop pending work", Cause: err}
			}
		}
		return nil
	})
}

// SetNextRun records the derived next fire time.
func (s *Store) SetNextRun(ctx context.Context, id string, next *time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE task SET next_run = $2 WHERE id = $1`, id, next)
	if err != nil {
		return &errors.TransientStoreError{Op: "set next run", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &errors.NotFoundError{Resource: "task", ID: id}
	}
	return nil
}

// SetHighWater advances the greatest occurrence handed to the queue.
// GREATEST keeps the mark monotonic under concurrent writers.
func (s *Store) SetHighWater(ctx context.Context, id string, hw time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task SET high_water = GREATEST(COALESCE(high_water, $2), $2) WHERE id = $1`,
		id, hw,
	)
	if err != nil {
		return &errors.TransientStoreError{Op: "set high water", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &errors.NotFoundError{Resource: "task", ID: id}
	}
	return nil
}

// scanTask builds a task from the canonical column list.
func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t          task.Task
		kind       string
		backoffStr string
		status     string
		payload    []byte
	)
	err := row.Scan(
		&t.ID, &t.AgentID, &t.Title, &t.Description,
		&kind, &t.Schedule.Expression, &t.Schedule.Timezone,
		&payload, &t.Policy.Priority, &t.Policy.MaxRetries, &backoffStr,
		&t.Policy.DedupeKey, &t.Policy.DedupeWindowSeconds, &t.Policy.ConcurrencyKey,
		&status, &t.NextRun, &t.HighWater, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &t.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	t.Schedule.Kind = task.ScheduleKind(kind)
	t.Policy.Backoff = backoff.Kind(backoffStr)
	t.Status = task.Status(status)
	return &t, nil
}
