package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/model"
	"github.com/copperline/foundry/internal/store"
)

// Defaults for the write-behind buffer: flush every N events or T
// elapsed, whichever comes first.
const (
	DefaultFlushCount    = 32
	DefaultFlushInterval = 250 * time.Millisecond
)

// Bridge republishes pushed events for consumers on other nodes.
type Bridge interface {
	Publish(ctx context.Context, ev *model.OutputEvent) error
}

// Relay multiplexes the output stream of each task to live subscribers
// and batches it to durable storage. One Relay instance owns the
// subscriber registry; there is no ambient global state.
type Relay struct {
	store      store.Store
	bridge     Bridge // optional
	flushCount int
	flushEvery time.Duration
	logger     *zap.Logger

	mu    sync.Mutex
	tasks map[string]*taskStream
}

// taskStream holds the per-task buffer and live subscribers. Its lock
// is the atomic handoff boundary: flushes move events buffer->durable
// under it, and new subscribers read durable + buffer under it, so a
// replay can neither miss nor duplicate an event. lastSeq rejects
// redelivered events; the runner's callback retries are at-least-once.
type taskStream struct {
	mu      sync.Mutex
	buffer  []*model.OutputEvent
	subs    map[string]*subscriber
	lastSeq int64
}

// New creates a relay. flushCount/flushEvery of zero take the defaults.
func New(st store.Store, bridge Bridge, flushCount int, flushEvery time.Duration, logger *zap.Logger) *Relay {
	if flushCount <= 0 {
		flushCount = DefaultFlushCount
	}
	if flushEvery <= 0 {
		flushEvery = DefaultFlushInterval
	}
	return &Relay{
		store:      st,
		bridge:     bridge,
		flushCount: flushCount,
		flushEvery: flushEvery,
		logger:     logger,
		tasks:      make(map[string]*taskStream),
	}
}

func (r *Relay) stream(taskID string) *taskStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.tasks[taskID]
	if !ok {
		ts = &taskStream{subs: make(map[string]*subscriber), lastSeq: -1}
		r.tasks[taskID] = ts
	}
	return ts
}

func (r *Relay) lookup(taskID string) *taskStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[taskID]
}

// Push appends an event: forwards it to live subscribers immediately,
// buffers it for the next durable flush, and republishes it on the
// bridge when one is configured. Redelivered sequences (emitter retry
// after a lost response) are dropped. A terminal event flushes the
// stream and retires it.
func (r *Relay) Push(ctx context.Context, ev *model.OutputEvent) error {
	ts := r.stream(ev.TaskID)

	ts.mu.Lock()
	if ev.Sequence <= ts.lastSeq {
		ts.mu.Unlock()
		return nil
	}
	ts.lastSeq = ev.Sequence
	ts.buffer = append(ts.buffer, ev)
	for _, sub := range ts.subs {
		sub.push(ev)
	}
	full := len(ts.buffer) >= r.flushCount
	ts.mu.Unlock()

	if r.bridge != nil {
		if err := r.bridge.Publish(ctx, ev); err != nil {
			r.logger.Warn("bridge publish failed",
				zap.String("task", ev.TaskID), zap.Error(err))
		}
	}

	if ev.Kind == model.EventDone || ev.Kind == model.EventError {
		if err := r.flushTask(ctx, ts); err != nil {
			return err
		}
		r.retire(ev.TaskID, ts)
		return nil
	}

	if full {
		return r.flushTask(ctx, ts)
	}
	return nil
}

// retire removes a finished task's stream and closes its subscribers.
// The durable record stays; late subscribers replay it from the store.
func (r *Relay) retire(taskID string, ts *taskStream) {
	r.mu.Lock()
	ts.mu.Lock()
	if len(ts.buffer) == 0 && r.tasks[taskID] == ts {
		delete(r.tasks, taskID)
	}
	subs := ts.subs
	ts.subs = make(map[string]*subscriber)
	ts.mu.Unlock()
	r.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// flushTask writes the buffered events durably. The store write happens
// under the stream lock so subscribers attaching mid-flush see each
// event exactly once.
func (r *Relay) flushTask(ctx context.Context, ts *taskStream) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.buffer) == 0 {
		return nil
	}
	if err := r.store.AppendOutputEvents(ctx, ts.buffer); err != nil {
		return err
	}
	ts.buffer = nil
	return nil
}

// Flush forces a durable write of every task's buffer.
func (r *Relay) Flush(ctx context.Context) error {
	r.mu.Lock()
	streams := make([]*taskStream, 0, len(r.tasks))
	for _, ts := range r.tasks {
		streams = append(streams, ts)
	}
	r.mu.Unlock()

	for _, ts := range streams {
		if err := r.flushTask(ctx, ts); err != nil {
			return err
		}
	}
	return nil
}

// Run flushes on the configured interval until the context is
// cancelled, then performs a final flush.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := r.Flush(context.Background()); err != nil {
				r.logger.Error("final flush failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logger.Error("periodic flush failed", zap.Error(err))
			}
		}
	}
}

// Subscribe attaches a new subscriber to a task's stream. It replays
// the durable record from sequence 0, then the not-yet-flushed buffer,
// then live events. No gap or duplicate is possible because the whole
// attachment happens at one stream-lock boundary.
func (r *Relay) Subscribe(ctx context.Context, taskID string) (*Subscription, error) {
	ts := r.stream(taskID)

	ts.mu.Lock()
	durable, err := r.store.OutputEventsSince(ctx, taskID, 0)
	if err != nil {
		ts.mu.Unlock()
		return nil, err
	}
	sub := newSubscriber()
	flushed := int64(-1)
	for _, ev := range durable {
		sub.push(ev)
		flushed = ev.Sequence
	}
	for _, ev := range ts.buffer {
		if ev.Sequence > flushed {
			sub.push(ev)
		}
	}
	// A fresh stream entry knows nothing of what is already durable;
	// seed the dedupe cursor so redeliveries stay dropped.
	if flushed > ts.lastSeq {
		ts.lastSeq = flushed
	}
	id := uuid.New().String()
	ts.subs[id] = sub
	ts.mu.Unlock()

	r.logger.Debug("subscriber attached",
		zap.String("task", taskID),
		zap.Int("replayed", len(durable)))

	return &Subscription{
		relay:  r,
		taskID: taskID,
		subID:  id,
		sub:    sub,
	}, nil
}

// Subscription is one live registration on a task stream.
type Subscription struct {
	relay  *Relay
	taskID string
	subID  string
	sub    *subscriber
	once   sync.Once
}

// C yields the subscriber's ordered event stream.
func (s *Subscription) C() <-chan *model.OutputEvent { return s.sub.out }

// Close releases the live registration. The durable record is
// unaffected. The last subscriber leaving a drained stream drops the
// stream entry as well.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if ts := s.relay.lookup(s.taskID); ts != nil {
			s.relay.detach(s.taskID, ts, s.subID)
		}
		s.sub.close()
	})
}

func (r *Relay) detach(taskID string, ts *taskStream, subID string) {
	r.mu.Lock()
	ts.mu.Lock()
	delete(ts.subs, subID)
	if len(ts.subs) == 0 && len(ts.buffer) == 0 && r.tasks[taskID] == ts {
		delete(r.tasks, taskID)
	}
	ts.mu.Unlock()
	r.mu.Unlock()
}
