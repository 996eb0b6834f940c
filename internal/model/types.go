package model

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskWaiting TaskStatus = "waiting"
	TaskClaimed TaskStatus = "claimed"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskFailed
}

// Run is one activation of a workflow definition for one triggering event.
type Run struct {
	ID           string          `json:"id"`
	RepositoryID string          `json:"repository_id"`
	DefinitionID string          `json:"definition_id"`
	EventID      string          `json:"event_id"`
	EventKind    string          `json:"event_kind"`
	EventPayload json.RawMessage `json:"event_payload"`
	Status       RunStatus       `json:"status"`
	FailReason   string          `json:"fail_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// Task is the schedulable unit of work backing a Run.
// Claim state is owned by the store: at most one non-null ClaimedBy per
// task at any time, enforced by the claim query.
type Task struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	Status     TaskStatus      `json:"status"`
	Config     json.RawMessage `json:"config"`
	ClaimedBy  string          `json:"claimed_by,omitempty"`
	ClaimedAt  *time.Time      `json:"claimed_at,omitempty"`
	Deadline   time.Time       `json:"deadline"`
	Cancelled  bool            `json:"cancelled"`
	FailReason string          `json:"fail_reason,omitempty"`
	Result     string          `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// StandbySandbox is a pre-warmed idle execution environment registered
// with the pool. Claiming it is one-shot: the claim removes the record
// from the pool and the sandbox becomes the task's execution context.
// ClaimedAt and ClaimedByTask are set only on the value a claim returns.
type StandbySandbox struct {
	ID            string     `json:"id"`
	Addr          string     `json:"addr"`
	RegisteredAt  time.Time  `json:"registered_at"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	ClaimedAt     *time.Time `json:"claimed_at,omitempty"`
	ClaimedByTask string     `json:"claimed_by_task,omitempty"`
}

// OutputEventKind classifies one unit of execution output.
type OutputEventKind string

const (
	EventToken     OutputEventKind = "token"
	EventToolStart OutputEventKind = "tool_start"
	EventToolEnd   OutputEventKind = "tool_end"
	EventStepStart OutputEventKind = "step_start"
	EventStepEnd   OutputEventKind = "step_end"
	EventLog       OutputEventKind = "log"
	EventDone      OutputEventKind = "done"
	EventError     OutputEventKind = "error"
)

// OutputEvent is an ordered, append-only record of execution output.
// Sequence is monotonic per task and assigned by the producing engine;
// events are never mutated after creation.
type OutputEvent struct {
	TaskID    string          `json:"task_id"`
	Sequence  int64           `json:"sequence"`
	Kind      OutputEventKind `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
}
