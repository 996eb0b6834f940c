package dispatch

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/model"
	"github.com/copperline/foundry/internal/pool"
	"github.com/copperline/foundry/internal/queue"
	"github.com/copperline/foundry/internal/sandbox"
	"github.com/copperline/foundry/internal/store"
)

// DefaultIdlePoll is how long the dispatcher sleeps when the backlog is
// empty before claiming again.
const DefaultIdlePoll = time.Second

// Dispatcher drains the task queue into sandboxes. Warm pool first,
// cold start as fallback; provisioning failures retry once before the
// task fails.
type Dispatcher struct {
	name     string
	queue    *queue.Queue
	pool     *pool.Manager
	launcher *sandbox.Launcher
	assigner sandbox.Assigner
	store    store.Store
	idlePoll time.Duration
	backoff  time.Duration
	logger   *zap.Logger
}

// New creates a dispatcher. name identifies this scheduler node in
// claim records.
func New(name string, q *queue.Queue, p *pool.Manager, l *sandbox.Launcher,
	a sandbox.Assigner, st store.Store, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		name:     name,
		queue:    q,
		pool:     p,
		launcher: l,
		assigner: a,
		store:    st,
		idlePoll: DefaultIdlePoll,
		backoff:  2 * time.Second,
		logger:   logger,
	}
}

// Run claims and dispatches tasks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, err := d.queue.ClaimNext(ctx, d.name)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("claim failed", zap.Error(err))
			d.sleep(ctx, d.idlePoll)
			continue
		}
		if task == nil {
			d.sleep(ctx, d.idlePoll)
			continue
		}

		if err := d.DispatchOne(ctx, task); err != nil {
			d.logger.Error("dispatch failed",
				zap.String("task", task.ID), zap.Error(err))
		}
	}
}

// DispatchOne places a claimed task into a sandbox. A cancel flag set
// between enqueue and claim settles the task without starting anything.
func (d *Dispatcher) DispatchOne(ctx context.Context, task *model.Task) error {
	if task.Cancelled {
		return d.queue.Fail(ctx, task.ID, model.ReasonCancelled, "cancelled before dispatch")
	}

	handle, err := d.place(ctx, task)
	if err != nil {
		var pe *model.ProvisioningError
		if errors.As(err, &pe) {
			return d.queue.Fail(ctx, task.ID, model.ReasonProvisioning, pe.Error())
		}
		return d.queue.Fail(ctx, task.ID, model.ReasonProvisioning, err.Error())
	}

	if err := d.store.MarkTaskRunning(ctx, task.ID); err != nil {
		return err
	}
	if err := d.store.MarkRunRunning(ctx, task.RunID); err != nil {
		return err
	}
	d.logger.Info("task dispatched",
		zap.String("task", task.ID),
		zap.String("sandbox", handle.SandboxID),
		zap.Bool("warm", handle.Warm))
	return nil
}

// place finds a sandbox for the task: one warm-pool claim attempt, then
// a cold start with a single retry after backoff.
func (d *Dispatcher) place(ctx context.Context, task *model.Task) (*sandbox.Handle, error) {
	sb, err := d.pool.TryClaim(ctx, task.ID)
	if err != nil {
		d.logger.Warn("warm pool claim errored, falling back to cold start",
			zap.String("task", task.ID), zap.Error(err))
	}
	if sb != nil {
		if err := d.assigner.Assign(ctx, sb.Addr, task); err != nil {
			// The claimed sandbox is gone either way; a fresh cold
			// start is the recovery path.
			d.logger.Warn("warm assignment failed",
				zap.String("sandbox", sb.ID), zap.Error(err))
		} else {
			return &sandbox.Handle{SandboxID: sb.ID, Addr: sb.Addr, Warm: true}, nil
		}
	}

	handle, err := d.launcher.Launch(ctx, task)
	if err == nil {
		return handle, nil
	}
	d.logger.Warn("cold start failed, retrying once",
		zap.String("task", task.ID), zap.Error(err))
	d.sleep(ctx, d.backoff)
	return d.launcher.Launch(ctx, task)
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(dur):
	}
}
