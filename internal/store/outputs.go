package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/copperline/foundry/internal/model"
)

// AppendOutputEvents batch-inserts a flush of output events, preserving
// sequence order. The log is append-only with a single writer per task,
// so no locking discipline is needed here. Writes are idempotent per
// (task, sequence): the runner redelivers events whose response was
// lost, and a redelivered sequence must not fail the whole batch.
func (s *Postgres) AppendOutputEvents(ctx context.Context, events []*model.OutputEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(`
			INSERT INTO output_events (task_id, sequence, kind, payload, created_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (task_id, sequence) DO NOTHING`,
			ev.TaskID, ev.Sequence, ev.Kind, ev.Payload)
	}
	res := s.db.SendBatch(ctx, batch)
	defer res.Close()
	for range events {
		if _, err := res.Exec(); err != nil {
			return fmt.Errorf("append output events: %w", err)
		}
	}
	return nil
}

// OutputEventsSince returns the durable events of a task with sequence
// >= fromSeq, in sequence order.
func (s *Postgres) OutputEventsSince(ctx context.Context, taskID string, fromSeq int64) ([]*model.OutputEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT task_id, sequence, kind, payload, created_at
		FROM output_events
		WHERE task_id = $1 AND sequence >= $2
		ORDER BY sequence ASC`, taskID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("read output events: %w", err)
	}
	defer rows.Close()

	var events []*model.OutputEvent
	for rows.Next() {
		var ev model.OutputEvent
		if err := rows.Scan(&ev.TaskID, &ev.Sequence, &ev.Kind, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output event: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
