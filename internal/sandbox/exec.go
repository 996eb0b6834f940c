package sandbox

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ExecSubstrate runs the sandbox runner as a local child process. It is
// the single-node development substrate; the production substrate
// schedules the same runner image on a cluster with the profile's
// isolation settings enforced by the runtime (gVisor-class syscall
// interception, restricted pod security context, network policy).
type ExecSubstrate struct {
	logger *zap.Logger
}

// NewExecSubstrate creates a local process substrate.
func NewExecSubstrate(logger *zap.Logger) *ExecSubstrate {
	return &ExecSubstrate{logger: logger}
}

// Start spawns the runner process with the launch spec rendered into
// its environment, the same contract the containerized runner boots
// with. The launch context only covers provisioning: a dispatched
// sandbox outlives the call, bounded by the profile's active deadline.
func (s *ExecSubstrate) Start(_ context.Context, spec *LaunchSpec) (string, string, error) {
	if len(spec.Profile.RunnerCommand) == 0 {
		return "", "", fmt.Errorf("no runner command configured")
	}

	id := uuid.New().String()
	env := []string{
		"SANDBOX_ID=" + id,
		"CALLBACK_URL=" + spec.Profile.CallbackURL,
		"EGRESS_ALLOWLIST=" + strings.Join(spec.Profile.EgressAllowlist, ","),
	}
	if spec.TaskID != "" {
		env = append(env,
			"MODE=active",
			"TASK_ID="+spec.TaskID,
			"TASK_CONFIG="+string(spec.Config),
		)
	} else {
		env = append(env,
			"MODE=standby",
			"REGISTER_URL="+spec.Profile.RegisterURL,
		)
	}

	cmd := exec.Command(spec.Profile.RunnerCommand[0], spec.Profile.RunnerCommand[1:]...)
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		return "", "", fmt.Errorf("start runner process: %w", err)
	}
	s.logger.Debug("runner process started",
		zap.String("sandbox", id),
		zap.Int("pid", cmd.Process.Pid))

	go s.supervise(cmd, id, spec.Profile.ActiveDeadline)

	return id, "", nil
}

// supervise reaps the runner process and enforces the wall-clock kill
// deadline regardless of the runner's internal state.
func (s *ExecSubstrate) supervise(cmd *exec.Cmd, id string, deadline time.Duration) {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if deadline <= 0 {
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(deadline):
		_ = cmd.Process.Kill()
		<-done
		s.logger.Warn("sandbox killed at active deadline",
			zap.String("sandbox", id),
			zap.Duration("deadline", deadline))
	}
}
