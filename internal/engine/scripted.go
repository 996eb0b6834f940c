package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/model"
	"github.com/copperline/foundry/internal/workflow"
)

const (
	defaultWorkingDir  = "/workspace"
	defaultStepTimeout = 10 * time.Minute
)

// Commands run without a shell; anything that would need one is rejected.
const shellMetachars = ";|&$`<>"

// runScripted iterates the fixed step list in order. A failing step
// halts the run unless marked continue-on-error.
func (e *Engine) runScripted(ctx context.Context, steps []workflow.Step) error {
	env := os.Environ()

	for i, step := range steps {
		if e.cancelled() {
			return &RunError{Reason: model.ReasonCancelled, Message: "cancelled before step"}
		}

		name := step.Name
		if name == "" {
			name = fmt.Sprintf("step-%d", i)
		}
		e.emit(ctx, model.EventStepStart, map[string]any{
			"step_name":  name,
			"step_index": i,
		})

		for k, v := range step.Env {
			env = append(env, k+"="+v)
		}

		err := e.executeStep(ctx, step, env)
		state := "success"
		if err != nil {
			state = "failure"
		}
		payload := map[string]any{
			"step_name":  name,
			"step_index": i,
			"step_state": state,
		}
		if err != nil {
			payload["output"] = err.Error()
		}
		e.emit(ctx, model.EventStepEnd, payload)

		if err != nil {
			if step.ContinueOnError {
				e.emitLog(ctx, "warn", fmt.Sprintf("step %s failed, continuing: %v", name, err))
				continue
			}
			return &RunError{
				Reason:  model.ReasonStepFailed,
				Message: fmt.Sprintf("step %s: %v", name, err),
			}
		}
	}
	return nil
}

func (e *Engine) executeStep(ctx context.Context, step workflow.Step, env []string) error {
	if strings.ContainsAny(step.Run, shellMetachars) {
		return fmt.Errorf("command rejected: contains shell metacharacters")
	}
	args, err := splitCommand(step.Run)
	if err != nil {
		return fmt.Errorf("invalid command syntax: %w", err)
	}
	if len(args) == 0 {
		return fmt.Errorf("empty command")
	}

	timeout := defaultStepTimeout
	if step.TimeoutMinutes > 0 {
		timeout = time.Duration(step.TimeoutMinutes) * time.Minute
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir := step.WorkingDir
	if dir == "" {
		dir = defaultWorkingDir
	}

	e.emitLog(ctx, "info", "Running: "+step.Run)

	cmd := exec.CommandContext(stepCtx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	out, err := cmd.CombinedOutput()

	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line != "" {
			e.emitLog(ctx, "stdout", line)
		}
	}

	if stepCtx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		e.logger.Debug("step command failed",
			zap.String("command", args[0]), zap.Error(err))
		return err
	}
	return nil
}

// splitCommand splits a command line into argv, honoring single and
// double quotes. No expansion happens: metacharacters were already
// rejected above.
func splitCommand(s string) ([]string, error) {
	var args []string
	var cur strings.Builder
	var quote rune
	inArg := false

	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inArg = true
		case r == ' ' || r == '\t':
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	if inArg {
		args = append(args, cur.String())
	}
	return args, nil
}
