package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/engine"
	"github.com/copperline/foundry/internal/model"
	"github.com/copperline/foundry/internal/provider"
)

// cancelPollInterval is how often an executing runner checks its task's
// cancel flag.
const cancelPollInterval = 2 * time.Second

// Runner is the in-sandbox agent: it executes exactly one task at a
// time and streams output back to the scheduler. In standby mode it
// parks in the warm pool between tasks.
type Runner struct {
	sandboxID    string
	callbackBase string
	registerURL  string
	client       provider.Client
	logger       *zap.Logger
}

// New creates a runner. client may be nil when only scripted tasks are
// expected.
func New(sandboxID, callbackBase, registerURL string, client provider.Client, logger *zap.Logger) *Runner {
	return &Runner{
		sandboxID:    sandboxID,
		callbackBase: callbackBase,
		registerURL:  registerURL,
		client:       client,
		logger:       logger,
	}
}

// Active executes one preloaded task and returns. Cold-started
// sandboxes run this mode.
func (r *Runner) Active(ctx context.Context, taskID string, config []byte) error {
	return r.execute(ctx, taskID, config)
}

// execute runs one task to its terminal event. The engine's error
// mirrors the error event already streamed; execution errors do not
// fail the runner process.
func (r *Runner) execute(ctx context.Context, taskID string, config []byte) error {
	cfg, err := engine.DecodeConfig(config)
	if err != nil {
		return fmt.Errorf("task %s: %w", taskID, err)
	}

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	cancelled := r.watchCancel(pollCtx, taskID)

	emitter := NewHTTPEmitter(r.callbackBase, taskID, r.logger)
	eng := engine.New(taskID, emitter, r.client, DefaultTools(), cancelled, r.logger)

	r.logger.Info("executing task",
		zap.String("task", taskID),
		zap.String("mode", string(cfg.Mode)))
	if err := eng.Run(ctx, cfg); err != nil {
		r.logger.Warn("task finished with error",
			zap.String("task", taskID), zap.Error(err))
	} else {
		r.logger.Info("task finished", zap.String("task", taskID))
	}
	return nil
}

// watchCancel polls the task's cancel flag and exposes it as a closure
// the engine checks at step and turn boundaries.
func (r *Runner) watchCancel(ctx context.Context, taskID string) func() bool {
	var flag atomic.Bool
	url := fmt.Sprintf("%s/tasks/%s", r.callbackBase, taskID)
	client := &http.Client{Timeout: 5 * time.Second}

	go func() {
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				continue
			}
			resp, err := client.Do(req)
			if err != nil {
				continue
			}
			var task model.Task
			decErr := json.NewDecoder(resp.Body).Decode(&task)
			resp.Body.Close()
			if decErr == nil && task.Cancelled {
				flag.Store(true)
				return
			}
		}
	}()
	return flag.Load
}

// registerResult mirrors the scheduler's registration response.
type registerResult struct {
	SandboxID         string          `json:"sandbox_id"`
	HeartbeatInterval string          `json:"heartbeat_interval"`
	TaskID            string          `json:"task_id"`
	TaskConfig        json.RawMessage `json:"task_config"`
	CallbackURL       string          `json:"callback_url"`
}

// assignment is the payload the scheduler posts to /assign.
type assignment struct {
	Task struct {
		ID     string          `json:"id"`
		Config json.RawMessage `json:"config"`
	} `json:"task"`
	CallbackURL string `json:"callback_url"`
}

// Standby parks the runner in the warm pool: register, heartbeat, wait
// for an assignment, execute, re-register. A heartbeat rejection means
// the pool dropped this sandbox and the process must exit.
func (r *Runner) Standby(ctx context.Context) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	addr := ln.Addr().String()

	assigned := make(chan assignment, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/assign", func(w http.ResponseWriter, req *http.Request) {
		var a assignment
		if err := json.NewDecoder(req.Body).Decode(&a); err != nil {
			http.Error(w, "bad assignment", http.StatusBadRequest)
			return
		}
		select {
		case assigned <- a:
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "busy", http.StatusConflict)
		}
	})
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	for {
		res, err := r.register(ctx, addr)
		if err != nil {
			return fmt.Errorf("register: %w", err)
		}

		// The scheduler short-circuits registration when the backlog is
		// non-empty: the task rides back on the register response.
		if res.TaskID != "" {
			if err := r.execute(ctx, res.TaskID, res.TaskConfig); err != nil {
				r.logger.Error("assigned task failed to start", zap.Error(err))
			}
			continue
		}

		hbInterval, err := time.ParseDuration(res.HeartbeatInterval)
		if err != nil || hbInterval <= 0 {
			hbInterval = 5 * time.Second
		}
		r.logger.Info("parked in warm pool",
			zap.String("pool_id", res.SandboxID),
			zap.Duration("heartbeat", hbInterval))

		a, alive, err := r.park(ctx, res.SandboxID, hbInterval, assigned)
		if err != nil {
			return err
		}
		if !alive {
			r.logger.Info("dropped from pool, exiting")
			return nil
		}
		if err := r.execute(ctx, a.Task.ID, a.Task.Config); err != nil {
			r.logger.Error("assigned task failed to start", zap.Error(err))
		}
	}
}

// park heartbeats until an assignment arrives or the pool drops us.
// alive is false when the sandbox must terminate.
func (r *Runner) park(ctx context.Context, poolID string, interval time.Duration, assigned <-chan assignment) (assignment, bool, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("%s/sandboxes/%s/heartbeat", r.callbackBase, poolID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return assignment{}, false, ctx.Err()
		case a := <-assigned:
			return a, true, nil
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
			if err != nil {
				continue
			}
			resp, err := client.Do(req)
			if err != nil {
				r.logger.Warn("heartbeat failed", zap.Error(err))
				continue
			}
			status := resp.StatusCode
			resp.Body.Close()
			if status == http.StatusNotFound {
				// Claimed or expired. A racing assignment may already
				// be in flight; give it one interval to land.
				select {
				case a := <-assigned:
					return a, true, nil
				case <-time.After(interval):
					return assignment{}, false, nil
				}
			}
		}
	}
}

func (r *Runner) register(ctx context.Context, addr string) (*registerResult, error) {
	body, _ := json.Marshal(map[string]string{"addr": addr})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.registerURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("register returned %d", resp.StatusCode)
	}
	var res registerResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode register response: %w", err)
	}
	return &res, nil
}
