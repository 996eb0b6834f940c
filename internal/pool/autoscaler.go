package pool

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// StandbyLauncher provisions one standby sandbox that will register
// itself with the pool once booted.
type StandbyLauncher interface {
	LaunchStandby(ctx context.Context) error
}

// QueueDepth samples the waiting-task backlog.
type QueueDepth func(ctx context.Context) (int, error)

// DefaultBootGrace is how long a launched standby may stay unregistered
// before the autoscaler presumes it lost and replaces it.
const DefaultBootGrace = 30 * time.Second

// Autoscaler adjusts the warm pool size from observed claim pressure.
// It only reads queue and pool metrics; placement stays with the
// dispatcher. Launches still booting are tracked so ticks shorter than
// the boot time do not relaunch the same shortfall.
type Autoscaler struct {
	pool      *Manager
	depth     QueueDepth
	launcher  StandbyLauncher
	min       int
	max       int
	target    int
	bootGrace time.Duration
	pending   []time.Time // launch times awaiting registration
	lastIdle  int
	logger    *zap.Logger
}

// NewAutoscaler creates an autoscaler holding the pool between min and
// max standby sandboxes.
func NewAutoscaler(pool *Manager, depth QueueDepth, launcher StandbyLauncher, min, max int, logger *zap.Logger) *Autoscaler {
	if min < 0 {
		min = 0
	}
	if max < min {
		max = min
	}
	return &Autoscaler{
		pool:      pool,
		depth:     depth,
		launcher:  launcher,
		min:       min,
		max:       max,
		target:    min,
		bootGrace: DefaultBootGrace,
		logger:    logger,
	}
}

// Target returns the current standby target.
func (a *Autoscaler) Target() int { return a.target }

// ScaleOnce samples backlog and idle depth, adapts the target, and
// launches the shortfall. Pressure (backlog exceeding idle capacity)
// raises the target; a drained backlog decays it toward min.
func (a *Autoscaler) ScaleOnce(ctx context.Context) error {
	waiting, err := a.depth(ctx)
	if err != nil {
		return err
	}
	idle, err := a.pool.IdleCount(ctx)
	if err != nil {
		return err
	}

	// Registrations land as an idle rise; settle them against the
	// oldest pending launches, then drop launches past the boot grace
	// window so lost sandboxes get replaced.
	if gained := idle - a.lastIdle; gained > 0 {
		if gained > len(a.pending) {
			gained = len(a.pending)
		}
		a.pending = a.pending[gained:]
	}
	a.lastIdle = idle
	cutoff := time.Now().Add(-a.bootGrace)
	booting := a.pending[:0]
	for _, started := range a.pending {
		if started.After(cutoff) {
			booting = append(booting, started)
		}
	}
	a.pending = booting

	covered := idle + len(a.pending)
	switch {
	case waiting > covered:
		a.target += waiting - covered
	case waiting == 0 && a.target > a.min:
		a.target--
	}
	if a.target > a.max {
		a.target = a.max
	}
	if a.target < a.min {
		a.target = a.min
	}

	shortfall := a.target - covered
	for i := 0; i < shortfall; i++ {
		if err := a.launcher.LaunchStandby(ctx); err != nil {
			a.logger.Warn("standby launch failed", zap.Error(err))
			return err
		}
		a.pending = append(a.pending, time.Now())
	}
	if shortfall > 0 {
		a.logger.Info("scaled warm pool",
			zap.Int("launched", shortfall),
			zap.Int("target", a.target),
			zap.Int("waiting", waiting),
			zap.Int("idle", idle),
			zap.Int("booting", len(a.pending)))
	}
	return nil
}

// Run ticks ScaleOnce until the context is cancelled.
func (a *Autoscaler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.ScaleOnce(ctx); err != nil {
				a.logger.Error("autoscale pass failed", zap.Error(err))
			}
		}
	}
}
