package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/model"
)

func TestEmitPostsEventArrayToTaskEndpoint(t *testing.T) {
	var gotPath string
	var gotEvents []*model.OutputEvent
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotEvents); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	e := NewHTTPEmitter(ts.URL, "task-1", zap.NewNop())
	ev := &model.OutputEvent{TaskID: "task-1", Sequence: 3, Kind: model.EventToken, Payload: json.RawMessage(`{"text":"hi"}`)}
	if err := e.Emit(context.Background(), ev); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if gotPath != "/tasks/task-1/events" {
		t.Errorf("posted to %s", gotPath)
	}
	if len(gotEvents) != 1 || gotEvents[0].Sequence != 3 {
		t.Errorf("body %+v", gotEvents)
	}
}

func TestEmitRetriesUntilCallbackRecovers(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	e := NewHTTPEmitter(ts.URL, "task-1", zap.NewNop())
	err := e.Emit(context.Background(), &model.OutputEvent{TaskID: "task-1", Kind: model.EventToken})
	if err != nil {
		t.Fatalf("emit after recovery: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("%d attempts, want 3", calls.Load())
	}
}

func TestEmitExhaustsRetryBudgetForTokens(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	e := NewHTTPEmitter(ts.URL, "task-1", zap.NewNop())
	err := e.Emit(context.Background(), &model.OutputEvent{TaskID: "task-1", Kind: model.EventToken})
	if err == nil {
		t.Fatal("expected error after exhausted budget")
	}
	if calls.Load() != defaultRetries {
		t.Errorf("%d attempts, want %d", calls.Load(), defaultRetries)
	}
}

func TestEmitStopsRetryingOnCancel(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	e := NewHTTPEmitter(ts.URL, "task-1", zap.NewNop())

	done := make(chan error, 1)
	go func() {
		// Terminal events retry longest, so cancellation must cut in.
		done <- e.Emit(ctx, &model.OutputEvent{TaskID: "task-1", Kind: model.EventDone})
	}()
	cancel()

	if err := <-done; err == nil {
		t.Fatal("expected error after cancellation")
	}
	if calls.Load() > 2 {
		t.Errorf("%d attempts after cancel, want at most the in-flight one", calls.Load())
	}
}

func TestResolveRejectsWorkspaceEscapes(t *testing.T) {
	for _, path := range []string{"..", "../etc/passwd", "a/../../b"} {
		if _, err := resolve(path); err == nil {
			t.Errorf("%q: expected escape rejection", path)
		} else if !strings.Contains(err.Error(), "escapes") {
			t.Errorf("%q: unexpected error %v", path, err)
		}
	}
	for _, path := range []string{"", ".", "src/main.go", "a/../b"} {
		if _, err := resolve(path); err != nil {
			t.Errorf("%q: %v", path, err)
		}
	}
}
