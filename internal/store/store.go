package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/model"
)

// Store is the persistence surface shared by the scheduler components.
// The task and sandbox claim operations are the only serialization
// points in the system: both must be atomic under concurrent callers,
// with skip-locked semantics so claimants never block on unrelated rows.
type Store interface {
	// Runs.
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	MarkRunRunning(ctx context.Context, id string) error
	FinishRun(ctx context.Context, id string, status model.RunStatus, reason string) error
	CancelRun(ctx context.Context, id string) error
	ListRunTasks(ctx context.Context, runID string) ([]*model.Task, error)

	// Tasks.
	EnqueueTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ClaimNextTask(ctx context.Context, claimant string) (*model.Task, error)
	MarkTaskRunning(ctx context.Context, id string) error
	CompleteTask(ctx context.Context, id, result string) error
	FailTask(ctx context.Context, id, reason, detail string) error
	ReapExpired(ctx context.Context, now time.Time) ([]*model.Task, error)
	CountWaiting(ctx context.Context) (int, error)

	// Standby sandboxes.
	RegisterSandbox(ctx context.Context, sb *model.StandbySandbox) error
	ClaimSandbox(ctx context.Context, taskID string) (*model.StandbySandbox, error)
	HeartbeatSandbox(ctx context.Context, id string) error
	ExpireSandboxes(ctx context.Context, cutoff time.Time) (int, error)
	CountIdleSandboxes(ctx context.Context) (int, error)

	// Output events.
	AppendOutputEvents(ctx context.Context, events []*model.OutputEvent) error
	OutputEventsSince(ctx context.Context, taskID string, fromSeq int64) ([]*model.OutputEvent, error)
}

// Postgres implements Store on a pgx connection pool.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects a pgx pool and verifies reachability.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Postgres{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *Postgres) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Close shuts down the connection pool.
func (s *Postgres) Close() {
	s.db.Close()
}
