package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/model"
	"github.com/copperline/foundry/internal/store"
)

func newTestQueue(t *testing.T, maxRuntime time.Duration) (*Queue, store.Store) {
	t.Helper()
	st := store.NewMemory()
	return New(st, maxRuntime, zap.NewNop()), st
}

func mustEnqueue(t *testing.T, q *Queue, runID string) *model.Task {
	t.Helper()
	task, err := q.Enqueue(context.Background(), runID, json.RawMessage(`{"mode":"scripted"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return task
}

func createRun(t *testing.T, st store.Store, id string) {
	t.Helper()
	err := st.CreateRun(context.Background(), &model.Run{
		ID:        id,
		Status:    model.RunQueued,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
}

func TestClaimReturnsNilOnEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t, 0)
	task, err := q.ClaimNext(context.Background(), "worker-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil task from empty queue, got %s", task.ID)
	}
}

func TestClaimIsFIFO(t *testing.T) {
	q, st := newTestQueue(t, 0)
	createRun(t, st, "run-1")

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, mustEnqueue(t, q, "run-1").ID)
	}

	for i := 0; i < 5; i++ {
		task, err := q.ClaimNext(context.Background(), "worker-1")
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if task == nil {
			t.Fatalf("claim %d: queue drained early", i)
		}
		if task.ID != ids[i] {
			t.Errorf("claim %d: got %s, want %s", i, task.ID, ids[i])
		}
		if task.Status != model.TaskClaimed {
			t.Errorf("claim %d: status %s, want claimed", i, task.Status)
		}
		if task.ClaimedBy != "worker-1" {
			t.Errorf("claim %d: claimed_by %q", i, task.ClaimedBy)
		}
	}
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	q, st := newTestQueue(t, 0)
	createRun(t, st, "run-1")

	const tasks = 50
	const workers = 100

	for i := 0; i < tasks; i++ {
		mustEnqueue(t, q, "run-1")
	}

	var mu sync.Mutex
	claimed := make(map[string]string)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				task, err := q.ClaimNext(context.Background(), "worker")
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				if prev, ok := claimed[task.ID]; ok {
					t.Errorf("task %s claimed twice (also by %s)", task.ID, prev)
				}
				claimed[task.ID] = task.ClaimedBy
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(claimed) != tasks {
		t.Fatalf("claimed %d tasks, want %d", len(claimed), tasks)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	q, st := newTestQueue(t, 0)
	createRun(t, st, "run-1")
	task := mustEnqueue(t, q, "run-1")

	if _, err := q.ClaimNext(context.Background(), "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Complete(context.Background(), task.ID, "ok"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Second completion and a late failure must both be no-ops.
	if err := q.Complete(context.Background(), task.ID, "ok-again"); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if err := q.Fail(context.Background(), task.ID, model.ReasonStepFailed, "late"); err != nil {
		t.Fatalf("late fail: %v", err)
	}

	got, err := st.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != model.TaskDone {
		t.Errorf("status %s, want done", got.Status)
	}
	if got.Result != "ok" {
		t.Errorf("result %q, want first result preserved", got.Result)
	}
}

func TestCompleteSettlesRun(t *testing.T) {
	q, st := newTestQueue(t, 0)
	createRun(t, st, "run-1")
	task := mustEnqueue(t, q, "run-1")

	if _, err := q.ClaimNext(context.Background(), "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := q.Complete(context.Background(), task.ID, "ok"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	run, err := st.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != model.RunSucceeded {
		t.Errorf("run status %s, want succeeded", run.Status)
	}
}

func TestFailedTaskFailsRun(t *testing.T) {
	q, st := newTestQueue(t, 0)
	createRun(t, st, "run-1")
	task := mustEnqueue(t, q, "run-1")

	if err := q.Fail(context.Background(), task.ID, model.ReasonStepFailed, "step 2 exited 1"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	run, err := st.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != model.RunFailed {
		t.Errorf("run status %s, want failed", run.Status)
	}
	if run.FailReason != model.ReasonStepFailed {
		t.Errorf("fail reason %q", run.FailReason)
	}
}

func TestCancelledReasonCancelsRun(t *testing.T) {
	q, st := newTestQueue(t, 0)
	createRun(t, st, "run-1")
	task := mustEnqueue(t, q, "run-1")

	if err := q.Fail(context.Background(), task.ID, model.ReasonCancelled, "cancelled before dispatch"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	run, err := st.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != model.RunCancelled {
		t.Errorf("run status %s, want cancelled", run.Status)
	}
}

func TestReaperSkipsTasksWithinDeadline(t *testing.T) {
	q, st := newTestQueue(t, time.Hour)
	createRun(t, st, "run-1")
	mustEnqueue(t, q, "run-1")
	if _, err := q.ClaimNext(context.Background(), "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	n, err := q.ReapOnce(context.Background())
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 0 {
		t.Errorf("reaped %d tasks before their deadline", n)
	}
}

func TestReaperFailsExpiredTasks(t *testing.T) {
	q, st := newTestQueue(t, time.Millisecond)
	createRun(t, st, "run-1")
	task := mustEnqueue(t, q, "run-1")
	if _, err := q.ClaimNext(context.Background(), "worker-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	n, err := q.ReapOnce(context.Background())
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d tasks, want 1", n)
	}

	got, err := st.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != model.TaskFailed {
		t.Errorf("status %s, want failed", got.Status)
	}
	if got.FailReason != model.ReasonTimeout {
		t.Errorf("fail reason %q, want %s", got.FailReason, model.ReasonTimeout)
	}
	run, err := st.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != model.RunFailed {
		t.Errorf("run status %s, want failed", run.Status)
	}
}

func TestWaitingTasksAreNotReaped(t *testing.T) {
	q, st := newTestQueue(t, time.Millisecond)
	createRun(t, st, "run-1")
	mustEnqueue(t, q, "run-1")

	time.Sleep(5 * time.Millisecond)

	n, err := q.ReapOnce(context.Background())
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n != 0 {
		t.Errorf("reaped %d waiting tasks, want 0", n)
	}
}
