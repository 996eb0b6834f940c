package workflow

import (
	"testing"
)

func TestParseScriptedDefinition(t *testing.T) {
	def, err := Parse([]byte(`
name: ci
on:
  - push
mode: scripted
steps:
  - name: test
    run: go test ./...
    timeout-minutes: 15
  - name: lint
    run: golangci-lint run
    continue-on-error: true
    env:
      CGO_ENABLED: "0"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.Mode != ModeScripted {
		t.Errorf("mode %s", def.Mode)
	}
	if len(def.Steps) != 2 {
		t.Fatalf("%d steps", len(def.Steps))
	}
	if def.Steps[0].TimeoutMinutes != 15 {
		t.Errorf("timeout %d", def.Steps[0].TimeoutMinutes)
	}
	if !def.Steps[1].ContinueOnError {
		t.Error("continue-on-error not parsed")
	}
	if def.Steps[1].Env["CGO_ENABLED"] != "0" {
		t.Errorf("env %v", def.Steps[1].Env)
	}
}

func TestParseAgentDefinitionDefaultsMaxTurns(t *testing.T) {
	def, err := Parse([]byte(`
name: reviewer
on:
  - event: issue_comment
    filter: "/review"
mode: agent
agent:
  model: claude-sonnet-4-5
  system: You review pull requests.
  tools: [read_file, list_dir]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if def.Mode != ModeAgent {
		t.Errorf("mode %s", def.Mode)
	}
	if def.Agent.MaxTurns != 20 {
		t.Errorf("max_turns %d, want default 20", def.Agent.MaxTurns)
	}
	if len(def.Agent.Tools) != 2 {
		t.Errorf("tools %v", def.Agent.Tools)
	}
}

func TestTriggerShorthandAndLongForm(t *testing.T) {
	def, err := Parse([]byte(`
name: mixed
on:
  - push
  - event: issue_comment
    filter: "/deploy"
mode: scripted
steps:
  - run: make deploy
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(def.On) != 2 {
		t.Fatalf("%d triggers", len(def.On))
	}
	if def.On[0].Event != "push" || def.On[0].Filter != "" {
		t.Errorf("shorthand trigger %+v", def.On[0])
	}
	if def.On[1].Event != "issue_comment" || def.On[1].Filter != "/deploy" {
		t.Errorf("long-form trigger %+v", def.On[1])
	}
}

func TestValidateRejectsInconsistentDefinitions(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"no triggers", "name: x\nmode: scripted\nsteps:\n  - run: true\n"},
		{"scripted without steps", "name: x\non: [push]\nmode: scripted\n"},
		{"agent without block", "name: x\non: [push]\nmode: agent\n"},
		{"agent without model", "name: x\non: [push]\nmode: agent\nagent:\n  system: hi\n"},
		{"unknown mode", "name: x\non: [push]\nmode: hybrid\nsteps:\n  - run: true\n"},
		{"empty step run", "name: x\non: [push]\nmode: scripted\nsteps:\n  - name: blank\n    run: \"  \"\n"},
	}
	for _, c := range cases {
		if _, err := Parse([]byte(c.yaml)); err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}
}

func TestMatchesKindAndFilter(t *testing.T) {
	def := &Definition{
		Name: "reviewer",
		On: []Trigger{
			{Event: "issue_comment", Filter: "/review"},
			{Event: "push"},
		},
		Mode:  ModeScripted,
		Steps: []Step{{Run: "true"}},
	}

	if !def.Matches("push", "refs/heads/main") {
		t.Error("unfiltered push trigger must match any body")
	}
	if !def.Matches("issue_comment", "please /review this") {
		t.Error("filter substring must match")
	}
	if def.Matches("issue_comment", "just a comment") {
		t.Error("body without filter substring must not match")
	}
	if def.Matches("user_prompt", "/review") {
		t.Error("kind mismatch must not match")
	}
}
