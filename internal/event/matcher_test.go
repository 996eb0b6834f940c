package event

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/engine"
	"github.com/copperline/foundry/internal/model"
	"github.com/copperline/foundry/internal/queue"
	"github.com/copperline/foundry/internal/store"
	"github.com/copperline/foundry/internal/workflow"
)

func newTestMatcher(t *testing.T) (*Matcher, *workflow.Registry, store.Store) {
	t.Helper()
	st := store.NewMemory()
	reg := workflow.NewRegistry(zap.NewNop())
	q := queue.New(st, 0, zap.NewNop())
	return NewMatcher(reg, st, q, zap.NewNop()), reg, st
}

func scriptedDef(name string, triggers ...workflow.Trigger) *workflow.Definition {
	return &workflow.Definition{
		ID:    "repo-1/" + name,
		Name:  name,
		On:    triggers,
		Mode:  workflow.ModeScripted,
		Steps: []workflow.Step{{Run: "make test"}},
	}
}

func TestDispatchCreatesRunPerMatchingDefinition(t *testing.T) {
	m, reg, st := newTestMatcher(t)
	reg.Register("repo-1", scriptedDef("ci", workflow.Trigger{Event: KindPush}))
	reg.Register("repo-1", scriptedDef("mirror", workflow.Trigger{Event: KindPush}))
	reg.Register("repo-1", scriptedDef("reviewer", workflow.Trigger{Event: KindIssueComment}))

	runs, err := m.Dispatch(context.Background(), NewPush("repo-1", "refs/heads/main", "abc123"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("%d runs created, want 2", len(runs))
	}

	for _, run := range runs {
		got, err := st.GetRun(context.Background(), run.ID)
		if err != nil {
			t.Fatalf("get run: %v", err)
		}
		if got.Status != model.RunQueued {
			t.Errorf("run status %s, want queued", got.Status)
		}
		if got.EventKind != KindPush {
			t.Errorf("event kind %s", got.EventKind)
		}
		tasks, err := st.ListRunTasks(context.Background(), run.ID)
		if err != nil {
			t.Fatalf("list tasks: %v", err)
		}
		if len(tasks) != 1 {
			t.Fatalf("%d tasks for run, want 1", len(tasks))
		}
		if tasks[0].Status != model.TaskWaiting {
			t.Errorf("task status %s, want waiting", tasks[0].Status)
		}
	}
}

func TestDispatchIgnoresNonMatchingEvents(t *testing.T) {
	m, reg, _ := newTestMatcher(t)
	reg.Register("repo-1", scriptedDef("ci", workflow.Trigger{Event: KindPush}))

	runs, err := m.Dispatch(context.Background(), NewUserPrompt("repo-1", "s1", "hello"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("%d runs for unmatched event, want 0", len(runs))
	}
}

func TestDispatchScopesToRepository(t *testing.T) {
	m, reg, _ := newTestMatcher(t)
	reg.Register("repo-1", scriptedDef("ci", workflow.Trigger{Event: KindPush}))

	runs, err := m.Dispatch(context.Background(), NewPush("repo-2", "refs/heads/main", "abc123"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("%d runs for foreign repository, want 0", len(runs))
	}
}

func TestAgentTaskConfigCarriesPrompt(t *testing.T) {
	m, reg, st := newTestMatcher(t)
	reg.Register("repo-1", &workflow.Definition{
		ID:   "repo-1/assistant",
		Name: "assistant",
		On:   []workflow.Trigger{{Event: KindUserPrompt}},
		Mode: workflow.ModeAgent,
		Agent: &workflow.Agent{
			Model:    "claude-sonnet-4-5",
			Tools:    []string{"read_file"},
			MaxTurns: 10,
		},
	})

	runs, err := m.Dispatch(context.Background(), NewUserPrompt("repo-1", "sess-1", "summarize the readme"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("%d runs, want 1", len(runs))
	}

	tasks, err := st.ListRunTasks(context.Background(), runs[0].ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	cfg, err := engine.DecodeConfig(tasks[0].Config)
	if err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.Mode != workflow.ModeAgent {
		t.Errorf("mode %s", cfg.Mode)
	}
	if cfg.Prompt != "summarize the readme" {
		t.Errorf("prompt %q", cfg.Prompt)
	}
	if cfg.Agent == nil || cfg.Agent.MaxTurns != 10 {
		t.Errorf("agent block %+v", cfg.Agent)
	}
}

func TestFilterGatesCommentTriggers(t *testing.T) {
	m, reg, _ := newTestMatcher(t)
	reg.Register("repo-1", scriptedDef("deploy",
		workflow.Trigger{Event: KindIssueComment, Filter: "/deploy"}))

	runs, err := m.Dispatch(context.Background(), NewIssueComment("repo-1", "42", "please /deploy to staging"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("%d runs for matching comment, want 1", len(runs))
	}

	runs, err = m.Dispatch(context.Background(), NewIssueComment("repo-1", "43", "unrelated chatter"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("%d runs for non-matching comment, want 0", len(runs))
	}
}

func TestDecodeRejectsMalformedEvents(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing repository", `{"kind":"push","payload":{"ref":"r","sha":"s"}}`},
		{"unknown kind", `{"repository_id":"repo-1","kind":"carrier_pigeon","payload":{}}`},
		{"bad payload", `{"repository_id":"repo-1","kind":"push","payload":"nope"}`},
	}
	for _, c := range cases {
		if _, err := Decode([]byte(c.body)); err == nil {
			t.Errorf("%s: expected decode error", c.name)
		}
	}
}

func TestDecodeExtractsFilterBody(t *testing.T) {
	ev, err := Decode([]byte(`{"repository_id":"repo-1","kind":"issue_comment","payload":{"issue_id":"7","body":"/review please"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Body != "/review please" {
		t.Errorf("body %q", ev.Body)
	}
	if ev.Kind != KindIssueComment {
		t.Errorf("kind %s", ev.Kind)
	}
	if ev.ID == "" {
		t.Error("decoded event has no id")
	}
}
