package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/copperline/foundry/internal/model"
	"github.com/copperline/foundry/internal/workflow"
)

// TaskConfig is the execution payload handed to a sandbox. The mode tag
// closes the variant: exactly one of Steps or Agent is populated,
// decided once at run creation.
type TaskConfig struct {
	Mode   workflow.Mode   `json:"mode"`
	Steps  []workflow.Step `json:"steps,omitempty"`
	Agent  *workflow.Agent `json:"agent,omitempty"`
	Prompt string          `json:"prompt,omitempty"`
}

// DecodeConfig parses and validates a task config document.
func DecodeConfig(data []byte) (*TaskConfig, error) {
	var cfg TaskConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode task config: %w", err)
	}
	switch cfg.Mode {
	case workflow.ModeScripted:
		if len(cfg.Steps) == 0 {
			return nil, fmt.Errorf("scripted task config has no steps")
		}
	case workflow.ModeAgent:
		if cfg.Agent == nil {
			return nil, fmt.Errorf("agent task config has no agent block")
		}
	default:
		return nil, fmt.Errorf("unknown execution mode %q", cfg.Mode)
	}
	return &cfg, nil
}

// Emitter transports output events produced by the engine. The engine
// is the sole writer for its task; sequence numbers are assigned before
// Emit is called.
type Emitter interface {
	Emit(ctx context.Context, ev *model.OutputEvent) error
}

// RunError is a terminal execution failure with a taxonomy reason.
type RunError struct {
	Reason  string
	Message string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}
