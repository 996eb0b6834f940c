package pool

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/model"
	"github.com/copperline/foundry/internal/store"
)

// DefaultHeartbeatTTL is how stale an idle sandbox's heartbeat may get
// before the pool drops it.
const DefaultHeartbeatTTL = 15 * time.Second

// Manager maintains the warm pool of standby sandboxes. Claims are
// one-shot and never block: an empty pool returns nil immediately and
// the caller falls through to a cold start.
type Manager struct {
	store  store.Store
	ttl    time.Duration
	logger *zap.Logger
}

// NewManager creates a pool manager over the given store.
func NewManager(st store.Store, heartbeatTTL time.Duration, logger *zap.Logger) *Manager {
	if heartbeatTTL <= 0 {
		heartbeatTTL = DefaultHeartbeatTTL
	}
	return &Manager{store: st, ttl: heartbeatTTL, logger: logger}
}

// Register adds a booted sandbox to the idle set. Idle sandboxes accept
// no work until claimed.
func (m *Manager) Register(ctx context.Context, addr string) (*model.StandbySandbox, error) {
	sb := &model.StandbySandbox{
		ID:           uuid.New().String(),
		Addr:         addr,
		RegisteredAt: time.Now(),
	}
	sb.LastHeartbeat = sb.RegisteredAt
	if err := m.store.RegisterSandbox(ctx, sb); err != nil {
		return nil, err
	}
	m.logger.Info("standby sandbox registered",
		zap.String("sandbox", sb.ID),
		zap.String("addr", addr))
	return sb, nil
}

// TryClaim atomically claims the oldest idle sandbox for a task and
// removes it from the pool. Nil means empty pool; never blocks.
func (m *Manager) TryClaim(ctx context.Context, taskID string) (*model.StandbySandbox, error) {
	sb, err := m.store.ClaimSandbox(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if sb != nil {
		m.logger.Debug("warm sandbox claimed",
			zap.String("sandbox", sb.ID),
			zap.String("task", taskID))
	}
	return sb, nil
}

// Heartbeat refreshes an idle sandbox's liveness. Sandboxes call this
// at an interval below the TTL; claimed or expired ones get ErrNotFound
// and must self-terminate.
func (m *Manager) Heartbeat(ctx context.Context, sandboxID string) error {
	return m.store.HeartbeatSandbox(ctx, sandboxID)
}

// ExpireOnce drops idle sandboxes whose heartbeat exceeded the TTL.
func (m *Manager) ExpireOnce(ctx context.Context) (int, error) {
	n, err := m.store.ExpireSandboxes(ctx, time.Now().Add(-m.ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("expired stale sandboxes", zap.Int("count", n))
	}
	return n, nil
}

// RunGC ticks ExpireOnce until the context is cancelled.
func (m *Manager) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.ExpireOnce(ctx); err != nil {
				m.logger.Error("pool gc failed", zap.Error(err))
			}
		}
	}
}

// IdleCount returns the current warm pool depth.
func (m *Manager) IdleCount(ctx context.Context) (int, error) {
	return m.store.CountIdleSandboxes(ctx)
}
