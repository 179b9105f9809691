package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/kestrelworks/valet/internal/costs"
)

// maxEmptyStreamEvents bounds consecutive no-op events before the stream
// is treated as malformed.
const maxEmptyStreamEvents = 300

// AnthropicProvider speaks the Anthropic messages dialect: the system
// prompt travels as a separate field, assistant tool calls are typed
// content blocks, and tool results are packed into a single user turn.
type AnthropicProvider struct {
	client     anthropic.Client
	model      string
	maxTokens  int
	maxRetries int
	retryDelay time.Duration
}

// AnthropicConfig configures one Anthropic-dialect endpoint.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	MaxRetries int
	RetryDelay time.Duration
}

// NewAnthropicProvider creates a provider bound to one model.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrCredentialMissing)
	}
	if cfg.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicProvider{
		client:     anthropic.NewClient(opts...),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

func (p *AnthropicProvider) Kind() string        { return "anthropic" }
func (p *AnthropicProvider) Model() string       { return p.model }
func (p *AnthropicProvider) SupportsTools() bool { return true }

// Chat performs one buffered call by draining the stream.
func (p *AnthropicProvider) Chat(ctx context.Context, req *Request) (*Result, error) {
	events, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return collectStream(events)
}

// Stream sends the request and returns a channel of assembled events.
// The channel is closed after a terminal Done or Error event.
func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	events := make(chan Event)

	go func() {
		defer close(events)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error
		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req)
			if err == nil {
				break
			}
			wrapped := p.wrapError(err)
			if !wrapped.Retryable() || attempt == p.maxRetries {
				events <- Event{Type: EventError, Err: wrapped}
				return
			}
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				events <- Event{Type: EventError, Err: ctx.Err()}
				return
			case <-time.After(backoff):
			}
		}

		p.processStream(stream, events)
	}()

	return events, nil
}

func (p *AnthropicProvider) createStream(ctx context.Context, req *Request) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// processStream assembles SSE events into neutral events. Text deltas are
// forwarded immediately; tool-call input arrives as JSON fragments that
// accumulate until content_block_stop.
func (p *AnthropicProvider) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- Event) {
	var current *ToolCall
	var currentInput strings.Builder
	var usage costs.Usage
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				usage.InputTokens = start.Message.Usage.InputTokens
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					events <- Event{Type: EventText, Text: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if current != nil {
				current.Arguments = normalizeToolArgs(currentInput.String())
				events <- Event{Type: EventToolUse, ToolCall: current}
				current = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = delta.Usage.OutputTokens
			}
			processed = true

		case "message_stop":
			events <- Event{Type: EventDone, Usage: usage}
			return

		case "error":
			events <- Event{Type: EventError, Err: p.wrapError(errors.New("anthropic stream error"))}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				events <- Event{Type: EventError, Err: p.wrapError(
					fmt.Errorf("malformed stream: %d consecutive empty events", emptyEvents))}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		events <- Event{Type: EventError, Err: p.wrapError(err)}
		return
	}
	// Stream ended without message_stop; treat as done with what we have.
	events <- Event{Type: EventDone, Usage: usage}
}

// convertMessages renders the neutral form as Anthropic content blocks.
// Tool turns map to user turns carrying tool_result blocks.
func (p *AnthropicProvider) convertMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, fmt.Errorf("anthropic: tool call %s: invalid arguments: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool turns are both user messages in this dialect.
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func convertAnthropicTools(specs []ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, spec := range specs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(spec.Schema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", spec.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if tool.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s", spec.Name)
		}
		tool.OfTool.Description = anthropic.String(spec.Description)
		out = append(out, tool)
	}
	return out, nil
}

func (p *AnthropicProvider) wrapError(err error) *ProviderError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Provider: "anthropic",
			Model:    p.model,
			Status:   apiErr.StatusCode,
			Cause:    err,
		}
	}
	return wrapProviderError("anthropic", p.model, 0, err)
}

// normalizeToolArgs finalizes a streamed argument fragment. An empty or
// unparseable fragment yields an empty object instead of failing the call.
func normalizeToolArgs(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

// collectStream drains a stream into a buffered result.
func collectStream(events <-chan Event) (*Result, error) {
	res := &Result{}
	var text strings.Builder
	for ev := range events {
		switch ev.Type {
		case EventText:
			text.WriteString(ev.Text)
		case EventToolUse:
			res.ToolCalls = append(res.ToolCalls, *ev.ToolCall)
		case EventDone:
			res.Usage = ev.Usage
		case EventError:
			return nil, ev.Err
		}
	}
	res.Content = text.String()
	if len(res.ToolCalls) > 0 {
		res.StopReason = StopToolUse
	} else {
		res.StopReason = StopEndTurn
	}
	return res, nil
}
