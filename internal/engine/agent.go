package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/copperline/foundry/internal/model"
	"github.com/copperline/foundry/internal/provider"
)

// runAgent drives the model turn loop: produce a turn, execute any tool
// calls through the same tool interface scripted mode uses, feed the
// results back, and repeat until the model stops, the turn budget runs
// out, the deadline fires, or cancellation is observed.
func (e *Engine) runAgent(ctx context.Context, cfg *TaskConfig) error {
	spec := cfg.Agent
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	e.tools.Allow(spec.Tools)

	messages := []provider.Message{
		{Role: "user", Content: cfg.Prompt},
	}

	for turn := 0; turn < spec.MaxTurns; turn++ {
		if e.cancelled() {
			return &RunError{Reason: model.ReasonCancelled, Message: "cancelled before turn"}
		}

		resp, err := e.client.Chat(ctx, &provider.ChatRequest{
			Model:    spec.Model,
			System:   spec.System,
			Messages: messages,
			Tools:    e.tools.Definitions(),
		})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return &RunError{Reason: model.ReasonTimeout, Message: "agent deadline reached"}
			}
			return &RunError{Reason: model.ReasonToolError, Message: "model turn failed: " + err.Error()}
		}

		if resp.Content != "" {
			e.emit(ctx, model.EventToken, map[string]string{"text": resp.Content})
		}

		switch resp.StopReason {
		case provider.StopEndTurn:
			e.logger.Debug("agent completed", zap.Int("turns", turn+1))
			return nil

		case provider.StopToolUse:
			results, err := e.executeToolCalls(ctx, resp.ToolCalls)
			if err != nil {
				return err
			}
			messages = append(messages, provider.Message{
				Role:      "assistant",
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})
			messages = append(messages, results...)

		default:
			return &RunError{
				Reason:  model.ReasonToolError,
				Message: "unexpected stop reason: " + resp.StopReason,
			}
		}
	}

	return &RunError{Reason: model.ReasonBudgetExceeded, Message: "max turns reached"}
}

// executeToolCalls runs each requested tool and collects the results to
// feed back to the model. A tool failure is surfaced to the model as an
// error result, not a terminal run failure: the model decides whether
// to recover.
func (e *Engine) executeToolCalls(ctx context.Context, calls []provider.ToolCall) ([]provider.Message, error) {
	var results []provider.Message
	for _, tc := range calls {
		if e.cancelled() {
			return nil, &RunError{Reason: model.ReasonCancelled, Message: "cancelled during tool execution"}
		}

		e.emit(ctx, model.EventToolStart, map[string]any{
			"tool_id":   tc.ID,
			"tool_name": tc.Name,
			"args":      tc.Input,
		})

		output, err := e.tools.Execute(ctx, tc.Name, tc.Input)
		state := "success"
		if err != nil {
			state = "error"
			output = err.Error()
			e.logger.Warn("tool execution failed",
				zap.String("tool", tc.Name), zap.Error(err))
		}

		e.emit(ctx, model.EventToolEnd, map[string]any{
			"tool_id":    tc.ID,
			"tool_state": state,
			"output":     output,
		})

		results = append(results, provider.Message{
			Role:       "user",
			Content:    output,
			ToolCallID: tc.ID,
			IsError:    err != nil,
		})
	}
	return results, nil
}
