package workflow

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects the execution variant. It is a closed tag: every
// definition is exactly one of scripted or agent.
type Mode string

const (
	ModeScripted Mode = "scripted"
	ModeAgent    Mode = "agent"
)

// Definition is a repository-owned workflow declaration. It is
// immutable from the scheduler's point of view.
type Definition struct {
	ID     string    `yaml:"id"`
	Name   string    `yaml:"name"`
	On     []Trigger `yaml:"on"`
	Mode   Mode      `yaml:"mode"`
	Steps  []Step    `yaml:"steps,omitempty"`
	Agent  *Agent    `yaml:"agent,omitempty"`
}

// Trigger is one event predicate: kind equality plus an optional filter.
type Trigger struct {
	Event  string `yaml:"event"`
	Filter string `yaml:"filter,omitempty"`
}

// Step is one scripted step. Commands are argv-split without a shell;
// shell metacharacters are rejected at execution time.
type Step struct {
	Name            string            `yaml:"name,omitempty" json:"name,omitempty"`
	Run             string            `yaml:"run" json:"run"`
	WorkingDir      string            `yaml:"working-directory,omitempty" json:"working_dir,omitempty"`
	Env             map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	TimeoutMinutes  int               `yaml:"timeout-minutes,omitempty" json:"timeout_minutes,omitempty"`
	ContinueOnError bool              `yaml:"continue-on-error,omitempty" json:"continue_on_error,omitempty"`
}

// Agent configures the agent execution variant.
type Agent struct {
	Model    string        `yaml:"model" json:"model"`
	System   string        `yaml:"system,omitempty" json:"system,omitempty"`
	Tools    []string      `yaml:"tools,omitempty" json:"tools,omitempty"`
	MaxTurns int           `yaml:"max_turns,omitempty" json:"max_turns,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// UnmarshalYAML accepts both the shorthand `on: [push, schedule]` and
// the long form with per-trigger filters.
func (t *Trigger) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		t.Event = value.Value
		return nil
	}
	type raw Trigger
	return value.Decode((*raw)(t))
}

// Parse decodes a single workflow definition document.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if def.Mode == ModeAgent && def.Agent.MaxTurns == 0 {
		def.Agent.MaxTurns = 20
	}
	return &def, nil
}

// Validate checks structural consistency of a definition.
func (d *Definition) Validate() error {
	if len(d.On) == 0 {
		return fmt.Errorf("workflow %q: no triggers", d.Name)
	}
	switch d.Mode {
	case ModeScripted:
		if len(d.Steps) == 0 {
			return fmt.Errorf("workflow %q: scripted mode requires steps", d.Name)
		}
		for i, s := range d.Steps {
			if strings.TrimSpace(s.Run) == "" {
				return fmt.Errorf("workflow %q: step %d has no run command", d.Name, i)
			}
		}
	case ModeAgent:
		if d.Agent == nil {
			return fmt.Errorf("workflow %q: agent mode requires an agent block", d.Name)
		}
		if d.Agent.Model == "" {
			return fmt.Errorf("workflow %q: agent block requires a model", d.Name)
		}
	default:
		return fmt.Errorf("workflow %q: unknown mode %q", d.Name, d.Mode)
	}
	return nil
}

// Matches evaluates the definition's trigger predicates against an
// event. The filter is a substring match on the event's text body
// (comment body, prompt text, or push ref).
func (d *Definition) Matches(eventKind, body string) bool {
	for _, t := range d.On {
		if t.Event != eventKind {
			continue
		}
		if t.Filter == "" || strings.Contains(body, t.Filter) {
			return true
		}
	}
	return false
}
