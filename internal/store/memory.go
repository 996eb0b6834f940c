package store

import (
	"context"
	"sync"
	"time"

	"github.com/copperline/foundry/internal/model"
)

// Memory is an in-process Store with the same claim semantics as the
// Postgres implementation: a single mutex plays the role of the
// row-level locks, so concurrent claimants are mutually exclusive and
// never observe the same item. Used by unit tests and single-node dev
// mode.
type Memory struct {
	mu         sync.Mutex
	runs       map[string]*model.Run
	tasks      map[string]*model.Task
	taskOrder  []string // enqueue order; FIFO claim scans this
	sandboxes  map[string]*model.StandbySandbox
	sbOrder    []string // registration order
	outputs    map[string][]*model.OutputEvent
	outputSeqs map[string]map[int64]bool
	now        func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:       make(map[string]*model.Run),
		tasks:      make(map[string]*model.Task),
		sandboxes:  make(map[string]*model.StandbySandbox),
		outputs:    make(map[string][]*model.OutputEvent),
		outputSeqs: make(map[string]map[int64]bool),
		now:        time.Now,
	}
}

func copyTask(t *model.Task) *model.Task {
	c := *t
	return &c
}

func copyRun(r *model.Run) *model.Run {
	c := *r
	return &c
}

func copySandbox(sb *model.StandbySandbox) *model.StandbySandbox {
	c := *sb
	return &c
}

func (m *Memory) CreateRun(_ context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = copyRun(run)
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyRun(r), nil
}

func (m *Memory) MarkRunRunning(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return model.ErrNotFound
	}
	if r.Status == model.RunQueued {
		r.Status = model.RunRunning
		if r.StartedAt == nil {
			now := m.now()
			r.StartedAt = &now
		}
	}
	return nil
}

func (m *Memory) FinishRun(_ context.Context, id string, status model.RunStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return model.ErrNotFound
	}
	if r.Status.Terminal() {
		return nil
	}
	r.Status = status
	r.FailReason = reason
	now := m.now()
	r.FinishedAt = &now
	return nil
}

func (m *Memory) CancelRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.RunID == id && !t.Status.Terminal() {
			t.Cancelled = true
		}
	}
	return nil
}

func (m *Memory) ListRunTasks(_ context.Context, runID string) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var tasks []*model.Task
	for _, id := range m.taskOrder {
		if t := m.tasks[id]; t.RunID == runID {
			tasks = append(tasks, copyTask(t))
		}
	}
	return tasks, nil
}

func (m *Memory) EnqueueTask(_ context.Context, t *model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = copyTask(t)
	m.taskOrder = append(m.taskOrder, t.ID)
	return nil
}

func (m *Memory) GetTask(_ context.Context, id string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyTask(t), nil
}

func (m *Memory) ClaimNextTask(_ context.Context, claimant string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.taskOrder {
		t := m.tasks[id]
		if t.Status != model.TaskWaiting {
			continue
		}
		t.Status = model.TaskClaimed
		t.ClaimedBy = claimant
		now := m.now()
		t.ClaimedAt = &now
		return copyTask(t), nil
	}
	return nil, nil
}

func (m *Memory) MarkTaskRunning(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return model.ErrNotFound
	}
	if t.Status == model.TaskClaimed {
		t.Status = model.TaskRunning
	}
	return nil
}

func (m *Memory) CompleteTask(_ context.Context, id, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return model.ErrNotFound
	}
	if t.Status.Terminal() {
		return nil
	}
	t.Status = model.TaskDone
	t.Result = result
	now := m.now()
	t.FinishedAt = &now
	return nil
}

func (m *Memory) FailTask(_ context.Context, id, reason, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return model.ErrNotFound
	}
	if t.Status.Terminal() {
		return nil
	}
	t.Status = model.TaskFailed
	t.FailReason = reason
	t.Result = detail
	now := m.now()
	t.FinishedAt = &now
	return nil
}

func (m *Memory) ReapExpired(_ context.Context, now time.Time) ([]*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reaped []*model.Task
	for _, id := range m.taskOrder {
		t := m.tasks[id]
		if (t.Status == model.TaskClaimed || t.Status == model.TaskRunning) && t.Deadline.Before(now) {
			t.Status = model.TaskFailed
			t.FailReason = model.ReasonTimeout
			finished := m.now()
			t.FinishedAt = &finished
			reaped = append(reaped, copyTask(t))
		}
	}
	return reaped, nil
}

func (m *Memory) CountWaiting(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status == model.TaskWaiting {
			n++
		}
	}
	return n, nil
}

func (m *Memory) RegisterSandbox(_ context.Context, sb *model.StandbySandbox) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sandboxes[sb.ID] = copySandbox(sb)
	m.sbOrder = append(m.sbOrder, sb.ID)
	return nil
}

func (m *Memory) ClaimSandbox(_ context.Context, taskID string) (*model.StandbySandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range m.sbOrder {
		sb, ok := m.sandboxes[id]
		if !ok {
			continue
		}
		// Pop: the claimed sandbox leaves the pool entirely.
		delete(m.sandboxes, id)
		m.sbOrder = append(m.sbOrder[:i], m.sbOrder[i+1:]...)
		c := copySandbox(sb)
		now := m.now()
		c.ClaimedAt = &now
		c.ClaimedByTask = taskID
		return c, nil
	}
	return nil, nil
}

func (m *Memory) HeartbeatSandbox(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[id]
	if !ok {
		return model.ErrNotFound
	}
	sb.LastHeartbeat = m.now()
	return nil
}

func (m *Memory) ExpireSandboxes(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	keep := m.sbOrder[:0]
	for _, id := range m.sbOrder {
		sb, ok := m.sandboxes[id]
		if !ok {
			continue
		}
		if sb.LastHeartbeat.Before(cutoff) {
			delete(m.sandboxes, id)
			n++
			continue
		}
		keep = append(keep, id)
	}
	m.sbOrder = keep
	return n, nil
}

func (m *Memory) CountIdleSandboxes(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sandboxes), nil
}

func (m *Memory) AppendOutputEvents(_ context.Context, events []*model.OutputEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		seen := m.outputSeqs[ev.TaskID]
		if seen == nil {
			seen = make(map[int64]bool)
			m.outputSeqs[ev.TaskID] = seen
		}
		// Idempotent per (task, sequence), like the unique-key insert.
		if seen[ev.Sequence] {
			continue
		}
		seen[ev.Sequence] = true
		c := *ev
		if c.CreatedAt.IsZero() {
			c.CreatedAt = m.now()
		}
		m.outputs[ev.TaskID] = append(m.outputs[ev.TaskID], &c)
	}
	return nil
}

func (m *Memory) OutputEventsSince(_ context.Context, taskID string, fromSeq int64) ([]*model.OutputEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var events []*model.OutputEvent
	for _, ev := range m.outputs[taskID] {
		if ev.Sequence >= fromSeq {
			c := *ev
			events = append(events, &c)
		}
	}
	return events, nil
}
