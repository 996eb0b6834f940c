package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/model"
)

// Retry budgets for posting output events. Terminal and tool results
// carry state the scheduler settles on, so they get a larger budget
// than transient tokens and logs.
const (
	defaultRetries  = 3
	criticalRetries = 8
	baseBackoff     = 200 * time.Millisecond
)

// HTTPEmitter streams output events to the scheduler's callback
// endpoint. One emitter per task; events arrive in sequence order
// because the engine emits synchronously.
type HTTPEmitter struct {
	client *http.Client
	url    string
	logger *zap.Logger
}

// NewHTTPEmitter creates an emitter for one task's callback URL.
// callbackBase is the scheduler's /api prefix.
func NewHTTPEmitter(callbackBase, taskID string, logger *zap.Logger) *HTTPEmitter {
	return &HTTPEmitter{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    fmt.Sprintf("%s/tasks/%s/events", callbackBase, taskID),
		logger: logger,
	}
}

// Emit posts the event, retrying with exponential backoff. An exhausted
// budget on a non-critical event is dropped; the durable record
// tolerates gaps in tokens and logs but not in terminal state.
func (e *HTTPEmitter) Emit(ctx context.Context, ev *model.OutputEvent) error {
	retries := defaultRetries
	switch ev.Kind {
	case model.EventDone, model.EventError, model.EventToolEnd:
		retries = criticalRetries
	}

	body, err := json.Marshal([]*model.OutputEvent{ev})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			backoff := baseBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if lastErr = e.post(ctx, body); lastErr == nil {
			return nil
		}
		e.logger.Warn("event post failed",
			zap.String("kind", string(ev.Kind)),
			zap.Int64("sequence", ev.Sequence),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return fmt.Errorf("emit %s seq %d: %w", ev.Kind, ev.Sequence, lastErr)
}

func (e *HTTPEmitter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("callback returned %d", resp.StatusCode)
	}
	return nil
}
