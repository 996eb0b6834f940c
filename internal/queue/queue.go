package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/model"
	"github.com/copperline/foundry/internal/store"
)

// DefaultMaxRuntime bounds a task's life from enqueue to terminal state.
const DefaultMaxRuntime = time.Hour

// Queue is the durable, ordered backlog of runnable tasks. Claims are
// FIFO by creation time and atomic: concurrent claimants never observe
// the same task. Completion is idempotent.
type Queue struct {
	store      store.Store
	maxRuntime time.Duration
	logger     *zap.Logger
}

// New creates a queue over the given store.
func New(st store.Store, maxRuntime time.Duration, logger *zap.Logger) *Queue {
	if maxRuntime <= 0 {
		maxRuntime = DefaultMaxRuntime
	}
	return &Queue{store: st, maxRuntime: maxRuntime, logger: logger}
}

// Enqueue inserts a waiting task for a run with deadline now + max runtime.
func (q *Queue) Enqueue(ctx context.Context, runID string, config json.RawMessage) (*model.Task, error) {
	now := time.Now()
	t := &model.Task{
		ID:        uuid.New().String(),
		RunID:     runID,
		Status:    model.TaskWaiting,
		Config:    config,
		Deadline:  now.Add(q.maxRuntime),
		CreatedAt: now,
	}
	if err := q.store.EnqueueTask(ctx, t); err != nil {
		return nil, err
	}
	q.logger.Debug("task enqueued",
		zap.String("task", t.ID),
		zap.String("run", runID))
	return t, nil
}

// ClaimNext atomically claims the oldest waiting task. Returns nil when
// the backlog is empty.
func (q *Queue) ClaimNext(ctx context.Context, claimant string) (*model.Task, error) {
	return q.store.ClaimNextTask(ctx, claimant)
}

// Complete transitions a task to done and settles its run. Calling it
// again after a terminal state is a no-op.
func (q *Queue) Complete(ctx context.Context, taskID, result string) error {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := q.store.CompleteTask(ctx, taskID, result); err != nil {
		return err
	}
	return q.settleRun(ctx, t.RunID)
}

// Fail transitions a task to failed with the given reason and settles
// its run. Idempotent like Complete.
func (q *Queue) Fail(ctx context.Context, taskID, reason, detail string) error {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if err := q.store.FailTask(ctx, taskID, reason, detail); err != nil {
		return err
	}
	return q.settleRun(ctx, t.RunID)
}

// settleRun moves a run to its terminal status once every task of the
// run has finished. A single failed task fails the run; cancellation
// outranks other failure reasons only in name.
func (q *Queue) settleRun(ctx context.Context, runID string) error {
	tasks, err := q.store.ListRunTasks(ctx, runID)
	if err != nil {
		return err
	}
	var failReason string
	for _, t := range tasks {
		if !t.Status.Terminal() {
			return nil
		}
		if t.Status == model.TaskFailed && failReason == "" {
			failReason = t.FailReason
		}
	}
	switch {
	case failReason == model.ReasonCancelled:
		return q.store.FinishRun(ctx, runID, model.RunCancelled, failReason)
	case failReason != "":
		return q.store.FinishRun(ctx, runID, model.RunFailed, failReason)
	default:
		return q.store.FinishRun(ctx, runID, model.RunSucceeded, "")
	}
}

// ReapOnce fails every claimed/running task whose deadline has elapsed.
// This is the sole source of forced cancellation for unresponsive
// sandboxes.
func (q *Queue) ReapOnce(ctx context.Context) (int, error) {
	reaped, err := q.store.ReapExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}
	for _, t := range reaped {
		q.logger.Warn("task reaped past deadline",
			zap.String("task", t.ID),
			zap.String("run", t.RunID),
			zap.Time("deadline", t.Deadline))
		if err := q.settleRun(ctx, t.RunID); err != nil {
			q.logger.Error("settle reaped run failed",
				zap.String("run", t.RunID), zap.Error(err))
		}
	}
	return len(reaped), nil
}

// RunReaper ticks ReapOnce until the context is cancelled.
func (q *Queue) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.ReapOnce(ctx); err != nil {
				q.logger.Error("reaper pass failed", zap.Error(err))
			}
		}
	}
}

// Depth returns the waiting backlog size. The autoscaler samples this.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	return q.store.CountWaiting(ctx)
}
