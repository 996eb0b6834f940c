package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/engine"
	"github.com/copperline/foundry/internal/model"
	"github.com/copperline/foundry/internal/queue"
	"github.com/copperline/foundry/internal/store"
	"github.com/copperline/foundry/internal/workflow"
)

// Matcher turns events into runs. Every definition whose trigger
// predicate matches gets its own run with one task; an event matching
// nothing is dropped without record. Delivery is at-least-once end to
// end, so a redelivered event produces a duplicate run rather than a
// lost one.
type Matcher struct {
	registry *workflow.Registry
	store    store.Store
	queue    *queue.Queue
	logger   *zap.Logger
}

// NewMatcher creates a matcher over the definition registry.
func NewMatcher(reg *workflow.Registry, st store.Store, q *queue.Queue, logger *zap.Logger) *Matcher {
	return &Matcher{registry: reg, store: st, queue: q, logger: logger}
}

// Dispatch evaluates the event against the repository's definitions and
// creates a run per match. Returns the runs created.
func (m *Matcher) Dispatch(ctx context.Context, ev *Event) ([]*model.Run, error) {
	defs := m.registry.ForRepository(ev.RepositoryID)
	var runs []*model.Run
	for _, def := range defs {
		if !def.Matches(ev.Kind, ev.Body) {
			continue
		}
		run, err := m.activate(ctx, ev, def)
		if err != nil {
			return runs, fmt.Errorf("activate %s: %w", def.Name, err)
		}
		runs = append(runs, run)
	}
	if len(runs) == 0 {
		m.logger.Debug("event matched no workflows",
			zap.String("repo", ev.RepositoryID),
			zap.String("kind", ev.Kind))
	}
	return runs, nil
}

// activate creates the run and enqueues its task. The execution mode is
// decided here, once, and travels with the task as a closed config
// variant.
func (m *Matcher) activate(ctx context.Context, ev *Event, def *workflow.Definition) (*model.Run, error) {
	run := &model.Run{
		ID:           uuid.New().String(),
		RepositoryID: ev.RepositoryID,
		DefinitionID: def.ID,
		EventID:      ev.ID,
		EventKind:    ev.Kind,
		EventPayload: ev.Payload,
		Status:       model.RunQueued,
		CreatedAt:    time.Now(),
	}
	if err := m.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	cfg := engine.TaskConfig{Mode: def.Mode}
	switch def.Mode {
	case workflow.ModeScripted:
		cfg.Steps = def.Steps
	case workflow.ModeAgent:
		cfg.Agent = def.Agent
		cfg.Prompt = ev.Body
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode task config: %w", err)
	}
	if _, err := m.queue.Enqueue(ctx, run.ID, data); err != nil {
		return nil, err
	}

	m.logger.Info("run created",
		zap.String("run", run.ID),
		zap.String("workflow", def.Name),
		zap.String("event_kind", ev.Kind))
	return run, nil
}
