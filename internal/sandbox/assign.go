package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/model"
)

// Assigner hands a claimed task to a sandbox. The warm path is exactly
// one atomic claim plus this one network call.
type Assigner interface {
	Assign(ctx context.Context, addr string, task *model.Task) error
}

// HTTPAssigner posts the task to the sandbox's assignment endpoint.
type HTTPAssigner struct {
	client      *http.Client
	callbackURL string
	logger      *zap.Logger
}

var _ Assigner = (*HTTPAssigner)(nil)

// NewHTTPAssigner creates an assigner. callbackURL is where the runner
// streams its output events.
func NewHTTPAssigner(callbackURL string, logger *zap.Logger) *HTTPAssigner {
	return &HTTPAssigner{
		client:      &http.Client{Timeout: 10 * time.Second},
		callbackURL: callbackURL,
		logger:      logger,
	}
}

// assignment is the payload a standby runner receives, matching the
// body the register endpoint returns on immediate assignment.
type assignment struct {
	Task        assignmentTask `json:"task"`
	CallbackURL string         `json:"callback_url"`
}

type assignmentTask struct {
	ID     string          `json:"id"`
	Config json.RawMessage `json:"config"`
}

// Assign delivers the task config to a warm sandbox.
func (a *HTTPAssigner) Assign(ctx context.Context, addr string, task *model.Task) error {
	body, err := json.Marshal(assignment{
		Task:        assignmentTask{ID: task.ID, Config: task.Config},
		CallbackURL: a.callbackURL,
	})
	if err != nil {
		return fmt.Errorf("marshal assignment: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+addr+"/assign", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create assignment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("assign task %s to %s: %w", task.ID, addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("sandbox %s rejected assignment: %d %s", addr, resp.StatusCode, string(respBody))
	}
	a.logger.Debug("task assigned",
		zap.String("task", task.ID),
		zap.String("sandbox_addr", addr))
	return nil
}
