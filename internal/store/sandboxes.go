package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/copperline/foundry/internal/model"
)

// RegisterSandbox adds a standby sandbox to the pool.
func (s *Postgres) RegisterSandbox(ctx context.Context, sb *model.StandbySandbox) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO standby_sandboxes (id, addr, registered_at, last_heartbeat)
		VALUES ($1, $2, $3, $3)`,
		sb.ID, sb.Addr, sb.RegisteredAt)
	if err != nil {
		return fmt.Errorf("register sandbox: %w", err)
	}
	return nil
}

// ClaimSandbox atomically pops the oldest idle sandbox for a task. The
// row leaves the pool on claim, so the table only ever holds idle
// sandboxes; the claimant owns the only reference. Nil means the pool
// is empty; callers must not block.
func (s *Postgres) ClaimSandbox(ctx context.Context, taskID string) (*model.StandbySandbox, error) {
	var sb model.StandbySandbox
	err := s.db.QueryRow(ctx, `
		WITH next AS (
			SELECT id FROM standby_sandboxes
			ORDER BY registered_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		DELETE FROM standby_sandboxes sb
		USING next
		WHERE sb.id = next.id
		RETURNING sb.id, sb.addr, sb.registered_at, sb.last_heartbeat`).
		Scan(&sb.ID, &sb.Addr, &sb.RegisteredAt, &sb.LastHeartbeat)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim sandbox: %w", err)
	}
	now := time.Now()
	sb.ClaimedAt = &now
	sb.ClaimedByTask = taskID
	return &sb, nil
}

// HeartbeatSandbox refreshes the liveness timestamp of an idle sandbox.
// A claimed or expired sandbox has no row left and gets ErrNotFound.
func (s *Postgres) HeartbeatSandbox(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE standby_sandboxes SET last_heartbeat = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("heartbeat sandbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ExpireSandboxes drops idle sandboxes whose heartbeat predates the
// cutoff. Expired sandboxes are never claimed; they self-terminate.
func (s *Postgres) ExpireSandboxes(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM standby_sandboxes
		WHERE last_heartbeat < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire sandboxes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountIdleSandboxes returns the current warm pool depth.
func (s *Postgres) CountIdleSandboxes(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM standby_sandboxes`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count idle sandboxes: %w", err)
	}
	return n, nil
}
