package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/copperline/foundry/internal/model"
)

// CreateRun inserts a queued run.
func (s *Postgres) CreateRun(ctx context.Context, run *model.Run) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO runs (id, repository_id, definition_id, event_id, event_kind, event_payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'queued', $7)`,
		run.ID, run.RepositoryID, run.DefinitionID, run.EventID, run.EventKind, run.EventPayload, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// GetRun resolves a run by id.
func (s *Postgres) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var r model.Run
	err := s.db.QueryRow(ctx, `
		SELECT id, repository_id, definition_id, event_id, event_kind, event_payload,
		       status, COALESCE(fail_reason, ''), created_at, started_at, finished_at
		FROM runs WHERE id = $1`, id).
		Scan(&r.ID, &r.RepositoryID, &r.DefinitionID, &r.EventID, &r.EventKind, &r.EventPayload,
			&r.Status, &r.FailReason, &r.CreatedAt, &r.StartedAt, &r.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &r, nil
}

// MarkRunRunning records the first dispatch of a run's work.
func (s *Postgres) MarkRunRunning(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE runs SET status = 'running', started_at = COALESCE(started_at, now())
		WHERE id = $1 AND status = 'queued'`, id)
	if err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	return nil
}

// FinishRun sets a terminal status. No-op if the run already finished.
func (s *Postgres) FinishRun(ctx context.Context, id string, status model.RunStatus, reason string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE runs SET status = $2, fail_reason = $3, finished_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`,
		id, status, reason)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// CancelRun flags every non-terminal task of the run. The engine polls
// the flag at step/turn boundaries and exits cooperatively; waiting
// tasks are settled by the dispatcher before assignment.
func (s *Postgres) CancelRun(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE tasks SET cancelled = TRUE
		WHERE run_id = $1 AND status IN ('waiting', 'claimed', 'running')`, id)
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	return nil
}

// ListRunTasks returns all tasks of a run in creation order.
func (s *Postgres) ListRunTasks(ctx context.Context, runID string) ([]*model.Task, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE run_id = $1 ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
