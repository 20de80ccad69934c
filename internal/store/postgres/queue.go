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

package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/errors"
)

// workColumns is the canonical SELECT list for due_work rows.
const workColumns = `id, task_id, run_at, priority, occurrence, dedupe_key,
	concurrency_key, lease_owner, locked_until, attempt, created_at`

// leaseCandidates bounds how many locked rows one lease pass inspects.
// Rows past the first are only consulted when concurrency-key admission
// skips earlier ones.
const leaseCandidates = 16

// EnqueueWork inserts a ready-to-run row. Suppressed inserts (duplicate
// occurrence, live dedupe key, run inside the dedupe window) return
// (nil, nil). The dedupe check runs under a per-key advisory lock so two
// concurrent enqueues cannot both pass the lookback; the unique indexes
// remain the backstop, with 23505 treated as suppression.
func (s *Store) EnqueueWork(ctx context.Context, req store.EnqueueRequest) (*store.DueWork, error) {
	var out *store.DueWork
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM task WHERE id = $1)`, req.TaskID,
		).Scan(&exists); err != nil {
			return &errors.TransientStoreError{Op: "enqueue", Cause: err}
		}
		if !exists {
			return &errors.NotFoundError{Resource: "task", ID: req.TaskID}
		}

		if req.DedupeKey != "" {
			if _, err := tx.Exec(ctx,
				`SELECT pg_advisory_xact_lock(hashtext($1))`,
				req.TaskID+"\x00"+req.DedupeKey,
			); err != nil {
				return &errors.TransientStoreError{Op: "enqueue", Cause: err}
			}

			var suppressed bool
			if err := tx.QueryRow(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM due_work
					WHERE task_id = $1 AND dedupe_key = $2 AND lease_owner IS NULL
				)`, req.TaskID, req.DedupeKey,
			).Scan(&suppressed); err != nil {
				return &errors.TransientStoreError{Op: "enqueue", Cause: err}
			}
			if suppressed {
				return nil
			}

			if req.DedupeWindow > 0 {
				if err := tx.QueryRow(ctx, `
					SELECT EXISTS (
						SELECT 1 FROM run
						WHERE task_id = $1 AND dedupe_key = $2
						  AND finished_at > now() - make_interval(secs => $3)
					)`, req.TaskID, req.DedupeKey, req.DedupeWindow.Seconds(),
				).Scan(&suppressed); err != nil {
					return &errors.TransientStoreError{Op: "enqueue", Cause: err}
				}
				if suppressed {
					return nil
				}
			}
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO due_work (task_id, run_at, priority, occurrence, dedupe_key, concurrency_key)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING `+workColumns,
			req.TaskID, req.RunAt.UTC(), req.Priority, req.Occurrence,
			req.DedupeKey, req.ConcurrencyKey,
		)
		w, err := scanWork(row)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) {
				switch pgErr.Code {
				case pgUniqueViolation:
					// Occurrence or dedupe race lost: the row exists.
					return errSuppressed
				case pgForeignKeyViolation:
					return &errors.NotFoundError{Resource: "task", ID: req.TaskID}
				}
			}
			return &errors.TransientStoreError{Op: "enqueue", Cause: err}
		}
		out = w
		return nil
	})
	if errors.Is(err, errSuppressed) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// errSuppressed aborts the enqueue transaction without surfacing an
// error: the duplicate insert must roll back, not commit.
var errSuppressed = errors.New("enqueue suppressed")

// LeaseWork hands the caller the best admissible row, or (nil, nil).
//
// Candidates are locked with FOR UPDATE SKIP LOCKED so contending
// leasers never block, then walked in priority order. Concurrency-key
// admission takes pg_try_advisory_xact_lock(key) before checking for a
// live lease on the key; a held advisory lock means another leaser is
// deciding on the same key right now, and the row is skipped rather
// than waited on.
func (s *Store) LeaseWork(ctx context.Context, workerID string, leaseFor time.Duration) (*store.DueWork, error) {
	var out *store.DueWork
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+workColumns+`
			FROM due_work
			WHERE run_at <= now()
			  AND (lease_owner IS NULL OR locked_until < now())
			ORDER BY priority DESC, run_at ASC, id ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED`,
			leaseCandidates,
		)
		if err != nil {
			return &errors.TransientStoreError{Op: "lease", Cause: err}
		}
		candidates, err := collectWork(rows)
		if err != nil {
			return &errors.TransientStoreError{Op: "lease", Cause: err}
		}

		for _, w := range candidates {
			if w.ConcurrencyKey != "" {
				admitted, err := s.admitConcurrencyKey(ctx, tx, w)
				if err != nil {
					return err
				}
				if !admitted {
					continue
				}
			}

			row := tx.QueryRow(ctx, `
				UPDATE due_work
				SET lease_owner = $2, locked_until = now() + make_interval(secs => $3)
				WHERE id = $1
				RETURNING `+workColumns,
				w.ID, workerID, leaseFor.Seconds(),
			)
			leased, err := scanWork(row)
			if err != nil {
				return &errors.TransientStoreError{Op: "lease", Cause: err}
			}
			out = leased
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// admitConcurrencyKey reports whether the row's key admits a new lease.
func (s *Store) admitConcurrencyKey(ctx context.Context, tx pgx.Tx, w *store.DueWork) (bool, error) {
	var locked bool
	if err := tx.QueryRow(ctx,
		`SELECT pg_try_advisory_xact_lock(hashtext($1))`, w.ConcurrencyKey,
	).Scan(&locked); err != nil {
		return false, &errors.TransientStoreError{Op: "lease", Cause: err}
	}
	if !locked {
		return false, nil
	}

	var held bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM due_work
			WHERE concurrency_key = $1 AND id <> $2
			  AND lease_owner IS NOT NULL AND locked_until >= now()
		)`, w.ConcurrencyKey, w.ID,
	).Scan(&held); err != nil {
		return false, &errors.TransientStoreError{Op: "lease", Cause: err}
	}
	return !held, nil
}

// RenewLease extends a held lease and returns the new expiry.
func (s *Store) RenewLease(ctx context.Context, workID int64, workerID string, leaseFor time.Duration) (time.Time, error) {
	var until time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE due_work
		SET locked_until = now() + make_interval(secs => $3)
		WHERE id = $1 AND lease_owner = $2 AND locked_until >= now()
		RETURNING locked_until`,
		workID, workerID, leaseFor.Seconds(),
	).Scan(&until)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, &errors.LeaseLostError{WorkID: workID, WorkerID: workerID}
		}
		return time.Time{}, &errors.TransientStoreError{Op: "renew", Cause: err}
	}
	return until, nil
}

// ReleaseLease gives up a held lease without recording a run.
func (s *Store) ReleaseLease(ctx context.Context, workID int64, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE due_work
		SET lease_owner = NULL, locked_until = NULL
		WHERE id = $1 AND lease_owner = $2 AND locked_until >= now()`,
		workID, workerID,
	)
	if err != nil {
		return &errors.TransientStoreError{Op: "release", Cause: err}
	}
	if tag.RowsAffected() == 0 {
		return &errors.LeaseLostError{WorkID: workID, WorkerID: workerID}
	}
	return nil
}

// CompleteWork records a terminal run and removes the row. The lease is
// verified inside the same transaction; a failed check records nothing.
func (s *Store) CompleteWork(ctx context.Context, workID int64, workerID string, run *store.Run) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		w, err := s.verifyLease(ctx, tx, workID, workerID)
		if err != nil {
			return err
		}
		if err := s.insertRun(ctx, tx, w, run); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM due_work WHERE id = $1`, workID); err != nil {
			return &errors.TransientStoreError{Op: "complete", Cause: err}
		}
		return nil
	})
}

// FailWork records a failed run, then re-arms or removes the row.
func (s *Store) FailWork(ctx context.Context, workID int64, workerID string, run *store.Run, retryAt *time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		w, err := s.verifyLease(ctx, tx, workID, workerID)
		if err != nil {
			return err
		}
		run.Success = false
		if err := s.insertRun(ctx, tx, w, run); err != nil {
			return err
		}

		if retryAt == nil {
			if _, err := tx.Exec(ctx, `DELETE FROM due_work WHERE id = $1`, workID); err != nil {
				return &errors.TransientStoreError{Op: "fail", Cause: err}
			}
			return nil
		}
		if _, err := tx.Exec(ctx, `
			UPDATE due_work
			SET run_at = $2, attempt = attempt + 1, lease_owner = NULL, locked_until = NULL
			WHERE id = $1`,
			workID, retryAt.UTC(),
		); err != nil {
			return &errors.TransientStoreError{Op: "fail", Cause: err}
		}
		return nil
	})
}

// verifyLease locks the row and confirms the caller still owns it.
func (s *Store) verifyLease(ctx context.Context, tx pgx.Tx, workID int64, workerID string) (*store.DueWork, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+workColumns+`
		FROM due_work
		WHERE id = $1 AND lease_owner = $2 AND locked_until >= now()
		FOR UPDATE`,
		workID, workerID,
	)
	w, err := scanWork(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &errors.LeaseLostError{WorkID: workID, WorkerID: workerID}
		}
		return nil, &errors.TransientStoreError{Op: "verify lease", Cause: err}
	}
	return w, nil
}

// insertRun stamps row-derived fields onto the run and persists it.
func (s *Store) insertRun(ctx context.Context, tx pgx.Tx, w *store.DueWork, run *store.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.TaskID = w.TaskID
	run.WorkID = w.ID
	if w.LeaseOwner != nil {
		run.LeaseOwner = *w.LeaseOwner
	}
	if w.LockedUntil != nil {
		run.LeasedUntil = *w.LockedUntil
	}
	if run.Attempt == 0 {
		run.Attempt = w.Attempt
	}
	run.DedupeKey = w.DedupeKey
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}

	var output any
	if len(run.Output) > 0 {
		output = []byte(run.Output)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO run (
			id, task_id, work_id, lease_owner, leased_until, started_at,
			finished_at, success, skipped, attempt, error, error_kind,
			dedupe_key, output
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		run.ID, run.TaskID, run.WorkID, run.LeaseOwner, run.LeasedUntil,
		run.StartedAt.UTC(), run.FinishedAt.UTC(), run.Success, run.Skipped,
		run.Attempt, run.Error, run.ErrorKind, run.DedupeKey, output,
	); err != nil {
		return &errors.TransientStoreError{Op: "record run", Cause: err}
	}
	return nil
}

// PendingWork lists the task's queued rows, unleased first.
func (s *Store) PendingWork(ctx context.Context, taskID string) ([]*store.DueWork, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workColumns+`
		FROM due_work
		WHERE task_id = $1
		ORDER BY (lease_owner IS NOT NULL AND locked_until >= now()) ASC, run_at ASC, id ASC`,
		taskID,
	)
	if err != nil {
		return nil, &errors.TransientStoreError{Op: "pending work", Cause: err}
	}
	work, err := collectWork(rows)
	if err != nil {
		return nil, &errors.TransientStoreError{Op: "pending work", Cause: err}
	}
	return work, nil
}

// ShiftPendingWork moves the task's unleased rows by delta, flooring the
// result at floor. Returns the number of rows moved.
func (s *Store) ShiftPendingWork(ctx context.Context, taskID string, delta time.Duration, floor time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE due_work
		SET run_at = GREATEST(run_at + make_interval(secs => $2), $3)
		WHERE task_id = $1 AND (lease_owner IS NULL OR locked_until < now())`,
		taskID, delta.Seconds(), floor.UTC(),
	)
	if err != nil {
		return 0, &errors.TransientStoreError{Op: "shift pending work", Cause: err}
	}
	return int(tag.RowsAffected()), nil
}

// Depth reports the queue census for metrics.
func (s *Store) Depth(ctx context.Context) (store.QueueDepth, error) {
	var d store.QueueDepth
	err := s.pool.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE NOT held AND due),
			count(*) FILTER (WHERE held),
			count(*) FILTER (WHERE NOT held AND NOT due)
		FROM (
			SELECT
				(lease_owner IS NOT NULL AND locked_until >= now()) AS held,
				(run_at <= now()) AS due
			FROM due_work
		) w`,
	).Scan(&d.Ready, &d.Leased, &d.Scheduled)
	if err != nil {
		return store.QueueDepth{}, &errors.TransientStoreError{Op: "depth", Cause: err}
	}
	return d, nil
}

// scanWork builds a due-work row from the canonical column list.
func scanWork(row pgx.Row) (*store.DueWork, error) {
	var w store.DueWork
	err := row.Scan(
		&w.ID, &w.TaskID, &w.RunAt, &w.Priority, &w.Occurrence,
		&w.DedupeKey, &w.ConcurrencyKey, &w.LeaseOwner, &w.LockedUntil,
		&w.Attempt, &w.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// collectWork drains a due-work result set.
func collectWork(rows pgx.Rows) ([]*store.DueWork, error) {
	defer rows.Close()
	out := make([]*store.DueWork, 0, 8)
	for rows.Next() {
		w, err := scanWork(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
