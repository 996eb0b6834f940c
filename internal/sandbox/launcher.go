package sandbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/model"
)

// Handle identifies a provisioned execution environment. Only opaque
// identity crosses the claim boundary; the sandbox row is re-resolved
// through the store when needed.
type Handle struct {
	SandboxID string
	Addr      string
	Warm      bool
}

// Profile is the isolation contract every sandbox is provisioned under.
// None of these knobs are optional: syscall interception, a non-root
// user with no privilege escalation, a read-only root filesystem with
// all capabilities dropped, an explicit egress allow-list, hard
// resource limits, and a wall-clock kill deadline.
type Profile struct {
	Image           string        `json:"image"`
	RunnerCommand   []string      `json:"runner_command"`
	RunAsUser       int           `json:"run_as_user"`
	CPUMillis       int           `json:"cpu_millis"`
	MemoryMB        int           `json:"memory_mb"`
	EphemeralMB     int           `json:"ephemeral_mb"`
	ActiveDeadline  time.Duration `json:"active_deadline"`
	EgressAllowlist []string      `json:"egress_allowlist"`
	CallbackURL     string        `json:"callback_url"`
	RegisterURL     string        `json:"register_url"`
}

// LaunchSpec is one provisioning request rendered from the profile.
type LaunchSpec struct {
	Profile Profile
	TaskID  string // empty for standby sandboxes
	Config  []byte // task config JSON, empty for standby
}

// Substrate schedules sandboxes on the underlying infrastructure.
type Substrate interface {
	Start(ctx context.Context, spec *LaunchSpec) (id, addr string, err error)
}

// Launcher cold-starts sandboxes on demand: one task, one sandbox, torn
// down after completion or deadline.
type Launcher struct {
	substrate Substrate
	profile   Profile
	logger    *zap.Logger
}

// NewLauncher creates a launcher over a substrate.
func NewLauncher(substrate Substrate, profile Profile, logger *zap.Logger) *Launcher {
	return &Launcher{substrate: substrate, profile: profile, logger: logger}
}

// Launch provisions a fresh sandbox preloaded with the task. Substrate
// failures surface as ProvisioningError; the dispatcher retries once
// with backoff before failing the task.
func (l *Launcher) Launch(ctx context.Context, task *model.Task) (*Handle, error) {
	start := time.Now()
	id, addr, err := l.substrate.Start(ctx, &LaunchSpec{
		Profile: l.profile,
		TaskID:  task.ID,
		Config:  task.Config,
	})
	if err != nil {
		return nil, &model.ProvisioningError{Cause: err}
	}
	// Cold-start latency is a metric, not an error: image-pull misses
	// are expected to degrade it well past the warm-path target.
	l.logger.Info("cold start provisioned",
		zap.String("sandbox", id),
		zap.String("task", task.ID),
		zap.Duration("latency", time.Since(start)))
	return &Handle{SandboxID: id, Addr: addr}, nil
}

// LaunchStandby provisions a sandbox in standby mode. It registers
// itself with the pool once booted and waits for assignment.
func (l *Launcher) LaunchStandby(ctx context.Context) error {
	id, _, err := l.substrate.Start(ctx, &LaunchSpec{Profile: l.profile})
	if err != nil {
		return &model.ProvisioningError{Cause: err}
	}
	l.logger.Debug("standby sandbox launched", zap.String("sandbox", id))
	return nil
}
