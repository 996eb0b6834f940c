package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/store"
)

// fakeLauncher counts standby launches and optionally registers them so
// the next scale pass sees them as idle.
type fakeLauncher struct {
	mu       sync.Mutex
	launched int
	pool     *Manager
	register bool
}

func (f *fakeLauncher) LaunchStandby(ctx context.Context) error {
	f.mu.Lock()
	f.launched++
	f.mu.Unlock()
	if f.register {
		_, err := f.pool.Register(ctx, "10.0.0.1:9000")
		return err
	}
	return nil
}

func (f *fakeLauncher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launched
}

func depthOf(n *int) QueueDepth {
	return func(context.Context) (int, error) { return *n, nil }
}

func TestScaleUpUnderBacklogPressure(t *testing.T) {
	m := NewManager(store.NewMemory(), 0, zap.NewNop())
	waiting := 5
	fl := &fakeLauncher{pool: m}
	a := NewAutoscaler(m, depthOf(&waiting), fl, 1, 10, zap.NewNop())

	if err := a.ScaleOnce(context.Background()); err != nil {
		t.Fatalf("scale: %v", err)
	}
	// Backlog of 5 over an empty pool raises target to min+5, capped at
	// max, and the full shortfall is launched.
	if got := a.Target(); got != 6 {
		t.Errorf("target %d, want 6", got)
	}
	if fl.count() != 6 {
		t.Errorf("launched %d, want 6", fl.count())
	}
}

func TestTargetIsClampedToMax(t *testing.T) {
	m := NewManager(store.NewMemory(), 0, zap.NewNop())
	waiting := 100
	fl := &fakeLauncher{pool: m}
	a := NewAutoscaler(m, depthOf(&waiting), fl, 0, 3, zap.NewNop())

	if err := a.ScaleOnce(context.Background()); err != nil {
		t.Fatalf("scale: %v", err)
	}
	if got := a.Target(); got != 3 {
		t.Errorf("target %d, want max 3", got)
	}
	if fl.count() != 3 {
		t.Errorf("launched %d, want 3", fl.count())
	}
}

func TestTargetDecaysTowardMinWhenDrained(t *testing.T) {
	m := NewManager(store.NewMemory(), 0, zap.NewNop())
	waiting := 4
	fl := &fakeLauncher{pool: m, register: true}
	a := NewAutoscaler(m, depthOf(&waiting), fl, 1, 10, zap.NewNop())

	if err := a.ScaleOnce(context.Background()); err != nil {
		t.Fatalf("scale up: %v", err)
	}
	raised := a.Target()

	waiting = 0
	for i := 0; i < 20; i++ {
		if err := a.ScaleOnce(context.Background()); err != nil {
			t.Fatalf("scale down pass %d: %v", i, err)
		}
	}
	if got := a.Target(); got != 1 {
		t.Errorf("target %d after drain (was %d), want min 1", got, raised)
	}
}

func TestBootingLaunchesAreNotRelaunched(t *testing.T) {
	m := NewManager(store.NewMemory(), 0, zap.NewNop())
	waiting := 3
	fl := &fakeLauncher{pool: m} // never registers, so idle stays 0
	a := NewAutoscaler(m, depthOf(&waiting), fl, 0, 10, zap.NewNop())

	// Ticks shorter than the boot time must not launch the same
	// shortfall again while the first batch is still coming up.
	for i := 0; i < 5; i++ {
		if err := a.ScaleOnce(context.Background()); err != nil {
			t.Fatalf("scale pass %d: %v", i, err)
		}
	}
	if fl.count() != 3 {
		t.Errorf("launched %d across repeated passes, want 3", fl.count())
	}
	if got := a.Target(); got != 3 {
		t.Errorf("target %d, want 3", got)
	}
}

func TestLostLaunchesAreReplacedAfterBootGrace(t *testing.T) {
	m := NewManager(store.NewMemory(), 0, zap.NewNop())
	waiting := 3
	fl := &fakeLauncher{pool: m}
	a := NewAutoscaler(m, depthOf(&waiting), fl, 0, 3, zap.NewNop())
	a.bootGrace = time.Millisecond

	if err := a.ScaleOnce(context.Background()); err != nil {
		t.Fatalf("scale: %v", err)
	}
	if fl.count() != 3 {
		t.Fatalf("launched %d, want 3", fl.count())
	}

	// None of the launches registered within the grace window, so the
	// next pass presumes them lost and launches replacements.
	time.Sleep(5 * time.Millisecond)
	if err := a.ScaleOnce(context.Background()); err != nil {
		t.Fatalf("scale after grace: %v", err)
	}
	if fl.count() != 6 {
		t.Errorf("launched %d total, want 6", fl.count())
	}
}

func TestMinFloorIsMaintained(t *testing.T) {
	m := NewManager(store.NewMemory(), 0, zap.NewNop())
	waiting := 0
	fl := &fakeLauncher{pool: m}
	a := NewAutoscaler(m, depthOf(&waiting), fl, 2, 10, zap.NewNop())

	if err := a.ScaleOnce(context.Background()); err != nil {
		t.Fatalf("scale: %v", err)
	}
	if fl.count() != 2 {
		t.Errorf("launched %d, want the min floor of 2", fl.count())
	}
}
