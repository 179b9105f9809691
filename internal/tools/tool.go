// Package tools implements the name-addressed tool registry: built-in and
// user-supplied tools, eager JSON-Schema validation, quarantine of broken
// custom tools, and the wire-format adapters for both provider dialects.
package tools

import (
	"context"
	"encoding/json"
)

// ToolCtx is the narrow capability view a tool receives from its hosting
// session. It exposes only the nested actions tools are allowed to take,
// which keeps tools from holding the whole session.
type ToolCtx interface {
	SessionID() string
	// LoadContext merges a named context fragment into the session's
	// system prompt on the next turn.
	LoadContext(name string) error
	// SetOutfit switches the session's outfit; empty name clears it.
	SetOutfit(name string) error
	// Spawn runs a short-lived sub-agent with strict limits and returns
	// its final text.
	Spawn(ctx context.Context, prompt, role string) (string, error)
	// SetTaskPlan installs a fresh checklist for the session.
	SetTaskPlan(goal string, tasks []string) error
	// UpdateTask moves one checklist entry to a new status.
	UpdateTask(id, status string) error
}

// Tool is one executable capability advertised to the model.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage
	// Execute runs the tool. A returned error becomes an error-flagged
	// tool result; it never aborts the round.
	Execute(ctx context.Context, args json.RawMessage, tc ToolCtx) (string, error)
}

// FuncTool adapts a plain function into a Tool.
type FuncTool struct {
	ToolName        string
	ToolDescription string
	ToolSchema      json.RawMessage
	Fn              func(ctx context.Context, args json.RawMessage, tc ToolCtx) (string, error)
}

func (t *FuncTool) Name() string             { return t.ToolName }
func (t *FuncTool) Description() string      { return t.ToolDescription }
func (t *FuncTool) Schema() json.RawMessage  { return t.ToolSchema }
func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage, tc ToolCtx) (string, error) {
	return t.Fn(ctx, args, tc)
}
