package engine

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/model"
	"github.com/copperline/foundry/internal/provider"
	"github.com/copperline/foundry/internal/workflow"
)

// Engine executes one task inside its sandbox. Both execution variants
// share the output event stream and the tool interface; the mode tag
// picks the loop. Single-threaded per task.
type Engine struct {
	taskID    string
	emitter   Emitter
	client    provider.Client
	tools     *ToolRegistry
	cancelled func() bool
	seq       int64
	logger    *zap.Logger
}

// New creates an engine for one task. cancelled is polled once per
// step/turn; the engine exits cooperatively when it reports true.
func New(taskID string, emitter Emitter, client provider.Client, tools *ToolRegistry, cancelled func() bool, logger *zap.Logger) *Engine {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	if tools == nil {
		tools = NewToolRegistry()
	}
	return &Engine{
		taskID:    taskID,
		emitter:   emitter,
		client:    client,
		tools:     tools,
		cancelled: cancelled,
		logger:    logger,
	}
}

// Run executes the task to a terminal event: done on success, error
// with a taxonomy reason otherwise. The returned error mirrors the
// error event, nil mirrors done.
func (e *Engine) Run(ctx context.Context, cfg *TaskConfig) error {
	var err error
	switch cfg.Mode {
	case workflow.ModeScripted:
		err = e.runScripted(ctx, cfg.Steps)
	case workflow.ModeAgent:
		err = e.runAgent(ctx, cfg)
	default:
		err = &RunError{Reason: model.ReasonStepFailed, Message: "unknown execution mode"}
	}

	if err != nil {
		var runErr *RunError
		if !errors.As(err, &runErr) {
			runErr = &RunError{Reason: model.ReasonStepFailed, Message: err.Error()}
		}
		e.emit(ctx, model.EventError, map[string]string{
			"reason":  runErr.Reason,
			"message": runErr.Message,
		})
		return runErr
	}
	e.emit(ctx, model.EventDone, nil)
	return nil
}

// emit assigns the next sequence number and hands the event to the
// emitter. Emission failures are logged, not fatal: the durable record
// recovers from the last persisted sequence.
func (e *Engine) emit(ctx context.Context, kind model.OutputEventKind, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			e.logger.Error("marshal event payload failed", zap.Error(err))
			return
		}
		raw = b
	}
	ev := &model.OutputEvent{
		TaskID:   e.taskID,
		Sequence: e.seq,
		Kind:     kind,
		Payload:  raw,
	}
	e.seq++
	if err := e.emitter.Emit(ctx, ev); err != nil {
		e.logger.Warn("emit output event failed",
			zap.String("kind", string(kind)),
			zap.Int64("sequence", ev.Sequence),
			zap.Error(err))
	}
}

func (e *Engine) emitLog(ctx context.Context, level, message string) {
	e.emit(ctx, model.EventLog, map[string]string{
		"level":   level,
		"message": message,
	})
}
