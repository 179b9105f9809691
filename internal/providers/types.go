// Package providers implements the model-provider abstraction: a uniform
// chat/stream capability over two wire dialects (Anthropic messages and
// OpenAI chat completions), plus the role-keyed registry that picks the
// provider for a request.
//
// Dialect-specific encoding of tool calls, tool results, and streaming
// events is confined to this package. The rest of the daemon speaks the
// neutral Message form defined here.
package providers

import (
	"context"
	"encoding/json"

	"github.com/kestrelworks/valet/internal/costs"
)

// Message roles in the neutral form.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a model's request to execute one tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing one tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is the provider-neutral chat turn. Assistant turns may carry
// tool calls; tool turns carry results. Each adapter translates this form
// into its own wire encoding.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolSpec describes one tool advertised to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is one chat or stream invocation.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	Tools     []ToolSpec
	MaxTokens int
}

// Stop reasons in the neutral form.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
)

// Result is the buffered outcome of one chat call.
type Result struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      costs.Usage
}

// EventType tags one streaming event.
type EventType string

const (
	EventText    EventType = "text"     // incremental assistant text
	EventToolUse EventType = "tool_use" // one fully assembled tool call
	EventDone    EventType = "done"     // terminal; carries final usage
	EventError   EventType = "error"    // terminal; carries Err
)

// Event is one element of a streaming response. The channel is closed
// after a Done or Error event.
type Event struct {
	Type     EventType
	Text     string
	ToolCall *ToolCall
	Usage    costs.Usage
	Err      error
}

// Provider is the uniform capability over one configured model endpoint.
type Provider interface {
	// Kind identifies the wire dialect ("anthropic" or "openai").
	Kind() string
	// Model is the concrete model identifier requests are sent to.
	Model() string
	SupportsTools() bool
	Chat(ctx context.Context, req *Request) (*Result, error)
	Stream(ctx context.Context, req *Request) (<-chan Event, error)
}
