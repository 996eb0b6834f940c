//go:build integration

package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/model"
)

func startBridge(t *testing.T) *RedisBridge {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}

	bridge, err := NewRedisBridge("redis://"+endpoint, zap.NewNop())
	if err != nil {
		t.Fatalf("connect bridge: %v", err)
	}
	t.Cleanup(func() { _ = bridge.Close() })
	return bridge
}

func TestBridgeFollowReceivesPublishedEventsInOrder(t *testing.T) {
	bridge := startBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	taskID := uuid.New().String()
	for i := 0; i < 5; i++ {
		ev := &model.OutputEvent{
			TaskID:   taskID,
			Sequence: int64(i),
			Kind:     model.EventToken,
			Payload:  json.RawMessage(`{"text":"t"}`),
		}
		if err := bridge.Publish(ctx, ev); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	ch := bridge.Follow(ctx, taskID)
	for i := 0; i < 5; i++ {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed after %d events", i)
			}
			if ev.Sequence != int64(i) {
				t.Fatalf("event %d has sequence %d", i, ev.Sequence)
			}
		case <-ctx.Done():
			t.Fatal("timed out waiting for events")
		}
	}
}

func TestBridgeFollowPicksUpLiveEvents(t *testing.T) {
	bridge := startBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	taskID := uuid.New().String()
	ch := bridge.Follow(ctx, taskID)

	// Give the follower a moment to enter its blocking read.
	time.Sleep(200 * time.Millisecond)

	ev := &model.OutputEvent{TaskID: taskID, Sequence: 0, Kind: model.EventDone}
	if err := bridge.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got, ok := <-ch:
		if !ok {
			t.Fatal("stream closed before delivering the live event")
		}
		if got.Kind != model.EventDone {
			t.Errorf("kind %s, want done", got.Kind)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for live event")
	}
}

func TestBridgeStreamsAreScopedToTask(t *testing.T) {
	bridge := startBridge(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	taskA := uuid.New().String()
	taskB := uuid.New().String()
	if err := bridge.Publish(ctx, &model.OutputEvent{TaskID: taskA, Sequence: 0, Kind: model.EventToken}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	followCtx, stop := context.WithTimeout(ctx, 3*time.Second)
	defer stop()
	ch := bridge.Follow(followCtx, taskB)

	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("task %s follower received foreign event %+v", taskB, ev)
		}
	case <-followCtx.Done():
	}
}
