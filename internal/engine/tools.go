package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/copperline/foundry/internal/model"
	"github.com/copperline/foundry/internal/provider"
)

// ToolHandler executes a tool call and returns its output.
type ToolHandler func(ctx context.Context, input json.RawMessage) (string, error)

// ToolRegistry holds the tools available to an execution and their
// handlers. The workflow's allow-list is enforced at invocation: calls
// outside it are rejected without reaching a handler.
type ToolRegistry struct {
	defs     []provider.Tool
	handlers map[string]ToolHandler
	allowed  map[string]bool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		handlers: make(map[string]ToolHandler),
	}
}

// Register adds a tool definition and its handler.
func (r *ToolRegistry) Register(def provider.Tool, handler ToolHandler) {
	r.defs = append(r.defs, def)
	r.handlers[def.Name] = handler
}

// Allow restricts execution to the named tools. A nil list allows
// nothing; the zero registry with no Allow call allows everything
// registered.
func (r *ToolRegistry) Allow(names []string) {
	r.allowed = make(map[string]bool, len(names))
	for _, n := range names {
		r.allowed[n] = true
	}
}

// Definitions returns the tool definitions offered to the model,
// filtered by the allow-list.
func (r *ToolRegistry) Definitions() []provider.Tool {
	if r.allowed == nil {
		return r.defs
	}
	var defs []provider.Tool
	for _, d := range r.defs {
		if r.allowed[d.Name] {
			defs = append(defs, d)
		}
	}
	return defs
}

// Execute runs a tool by name. Unknown or disallowed tools fail with a
// ToolError.
func (r *ToolRegistry) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	if r.allowed != nil && !r.allowed[name] {
		return "", &model.ToolError{Tool: name, Cause: fmt.Errorf("not in workflow allow-list")}
	}
	h, ok := r.handlers[name]
	if !ok {
		return "", &model.ToolError{Tool: name, Cause: fmt.Errorf("unknown tool")}
	}
	out, err := h(ctx, input)
	if err != nil {
		return "", &model.ToolError{Tool: name, Cause: err}
	}
	return out, nil
}
