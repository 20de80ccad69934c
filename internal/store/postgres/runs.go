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

	"github.com/jackc/pgx/v5"

	"github.com/tombee/baton/internal/store"
	"github.com/tombee/baton/pkg/errors"
)

// runColumns is the canonical SELECT list for run rows.
const runColumns = `id, task_id, work_id, lease_owner, leased_until, started_at,
	finished_at, success, skipped, attempt, error, error_kind, dedupe_key, output`

// GetRun returns the run or a not_found error.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM run WHERE id = $1`, id)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &errors.NotFoundError{Resource: "run", ID: id}
		}
		return nil, &errors.TransientStoreError{Op: "get run", Cause: err}
	}
	return r, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *Store) ListRuns(ctx context.Context, f store.RunFilter) ([]*store.Run, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM run
		WHERE ($1 = '' OR task_id = $1)
		ORDER BY started_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		f.TaskID, f.Bound(), f.Offset,
	)
	if err != nil {
		return nil, &errors.TransientStoreError{Op: "list runs", Cause: err}
	}
	defer rows.Close()

	runs := make([]*store.Run, 0, 16)
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, &errors.TransientStoreError{Op: "list runs", Cause: err}
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.TransientStoreError{Op: "list runs", Cause: err}
	}
	return runs, nil
}

// UpsertHeartbeat records worker liveness.
func (s *Store) UpsertHeartbeat(ctx context.Context, workerID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO heartbeat (worker_id, last_seen)
		VALUES ($1, $2)
		ON CONFLICT (worker_id) DO UPDATE SET last_seen = EXCLUDED.last_seen`,
		workerID, at.UTC(),
	)
	if err != nil {
		return &errors.TransientStoreError{Op: "heartbeat", Cause: err}
	}
	return nil
}

// ListHeartbeats returns all worker heartbeats, most recent first.
func (s *Store) ListHeartbeats(ctx context.Context) ([]store.Heartbeat, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT worker_id, last_seen FROM heartbeat ORDER BY last_seen DESC, worker_id ASC`,
	)
	if err != nil {
		return nil, &errors.TransientStoreError{Op: "list heartbeats", Cause: err}
	}
	defer rows.Close()

	out := make([]store.Heartbeat, 0, 8)
	for rows.Next() {
		var hb store.Heartbeat
		if err := rows.Scan(&hb.WorkerID, &hb.LastSeen); err != nil {
			return nil, &errors.TransientStoreError{Op: "list heartbeats", Cause: err}
		}
		out = append(out, hb)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.TransientStoreError{Op: "list heartbeats", Cause: err}
	}
	return out, nil
}

// scanRun builds a run from the canonical column list.
func scanRun(row pgx.Row) (*store.Run, error) {
	var (
		r      store.Run
		output []byte
	)
	err := row.Scan(
		&r.ID, &r.TaskID, &r.WorkID, &r.LeaseOwner, &r.LeasedUntil,
		&r.StartedAt, &r.FinishedAt, &r.Success, &r.Skipped, &r.Attempt,
		&r.Error, &r.ErrorKind, &r.DedupeKey, &output,
	)
	if err != nil {
		return nil, err
	}
	if len(output) > 0 {
		r.Output = output
	}
	return &r, nil
}
