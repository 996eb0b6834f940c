package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/copperline/foundry/internal/model"
)

const taskColumns = `id, run_id, status, config, COALESCE(claimed_by, ''), claimed_at,
	deadline, cancelled, COALESCE(fail_reason, ''), COALESCE(result, ''), created_at, finished_at`

func scanTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	err := row.Scan(&t.ID, &t.RunID, &t.Status, &t.Config, &t.ClaimedBy, &t.ClaimedAt,
		&t.Deadline, &t.Cancelled, &t.FailReason, &t.Result, &t.CreatedAt, &t.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// EnqueueTask inserts a task in waiting status.
func (s *Postgres) EnqueueTask(ctx context.Context, t *model.Task) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO tasks (id, run_id, status, config, deadline, created_at)
		VALUES ($1, $2, 'waiting', $3, $4, $5)`,
		t.ID, t.RunID, t.Config, t.Deadline, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// GetTask resolves a task by id.
func (s *Postgres) GetTask(ctx context.Context, id string) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ClaimNextTask atomically claims the oldest waiting task for the given
// claimant. SKIP LOCKED guarantees concurrent claimants never observe
// the same row; a nil task means the backlog is empty.
func (s *Postgres) ClaimNextTask(ctx context.Context, claimant string) (*model.Task, error) {
	t, err := scanTask(s.db.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM tasks
			WHERE status = 'waiting'
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tasks t
		SET status = 'claimed', claimed_by = $1, claimed_at = now()
		FROM next
		WHERE t.id = next.id
		RETURNING `+taskColumns, claimant))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next task: %w", err)
	}
	return t, nil
}

// MarkTaskRunning transitions a claimed task to running.
func (s *Postgres) MarkTaskRunning(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE tasks SET status = 'running' WHERE id = $1 AND status = 'claimed'`, id)
	if err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	return nil
}

// CompleteTask transitions a claimed/running task to done. Idempotent:
// a task already in a terminal state is left untouched.
func (s *Postgres) CompleteTask(ctx context.Context, id, result string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'done', result = $2, finished_at = now()
		WHERE id = $1 AND status IN ('waiting', 'claimed', 'running')`,
		id, result)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// FailTask transitions a non-terminal task to failed. Idempotent on
// terminal tasks, same as CompleteTask.
func (s *Postgres) FailTask(ctx context.Context, id, reason, detail string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'failed', fail_reason = $2, result = $3, finished_at = now()
		WHERE id = $1 AND status IN ('waiting', 'claimed', 'running')`,
		id, reason, detail)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

// ReapExpired fails every claimed/running task whose deadline has
// elapsed. Returns the reaped tasks so the caller can settle their runs.
func (s *Postgres) ReapExpired(ctx context.Context, now time.Time) ([]*model.Task, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE tasks SET status = 'failed', fail_reason = $2, finished_at = now()
		WHERE status IN ('claimed', 'running') AND deadline < $1
		RETURNING `+taskColumns, now, model.ReasonTimeout)
	if err != nil {
		return nil, fmt.Errorf("reap expired: %w", err)
	}
	defer rows.Close()

	var reaped []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reaped task: %w", err)
		}
		reaped = append(reaped, t)
	}
	return reaped, rows.Err()
}

// CountWaiting returns the waiting backlog depth.
func (s *Postgres) CountWaiting(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM tasks WHERE status = 'waiting'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count waiting: %w", err)
	}
	return n, nil
}
