package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/copperline/foundry/internal/model"
)

func TestMemoryAppendOutputEventsIgnoresRedeliveredSequences(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	events := []*model.OutputEvent{
		{TaskID: "task-1", Sequence: 0, Kind: model.EventToken, Payload: json.RawMessage(`{"text":"a"}`)},
		{TaskID: "task-1", Sequence: 1, Kind: model.EventToken, Payload: json.RawMessage(`{"text":"b"}`)},
	}
	if err := st.AppendOutputEvents(ctx, events); err != nil {
		t.Fatalf("append: %v", err)
	}

	// The runner retries batches whose response was lost; replaying one
	// must neither fail nor duplicate rows, matching the unique-key
	// insert in the SQL store.
	redelivered := []*model.OutputEvent{
		events[1],
		{TaskID: "task-1", Sequence: 2, Kind: model.EventDone},
	}
	if err := st.AppendOutputEvents(ctx, redelivered); err != nil {
		t.Fatalf("redelivered append: %v", err)
	}

	got, err := st.OutputEventsSince(ctx, "task-1", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("%d events, want 3", len(got))
	}
	for i, ev := range got {
		if ev.Sequence != int64(i) {
			t.Errorf("event %d has sequence %d", i, ev.Sequence)
		}
	}
}

func TestMemoryClaimSandboxRemovesTheRecord(t *testing.T) {
	st := NewMemory()
	ctx := context.Background()

	err := st.RegisterSandbox(ctx, &model.StandbySandbox{
		ID:            "sb-1",
		Addr:          "10.0.0.1:9000",
		RegisteredAt:  time.Now(),
		LastHeartbeat: time.Now(),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	sb, err := st.ClaimSandbox(ctx, "task-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if sb == nil || sb.ClaimedByTask != "task-1" {
		t.Fatalf("claimed %+v", sb)
	}

	idle, err := st.CountIdleSandboxes(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if idle != 0 {
		t.Errorf("idle count %d after claim, want 0", idle)
	}
	if again, err := st.ClaimSandbox(ctx, "task-2"); err != nil || again != nil {
		t.Errorf("second claim got %+v, %v; want nil, nil", again, err)
	}
}
