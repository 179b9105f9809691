package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kestrelworks/valet/internal/costs"
)

// OpenAIProvider speaks the OpenAI chat-completions dialect: the system
// prompt is the first message, assistant tool calls carry stringified JSON
// arguments, and tool results are separate role="tool" turns. Streaming
// deltas are keyed by index and must be accumulated until the finish
// reason flushes them.
type OpenAIProvider struct {
	client     *openai.Client
	model      string
	maxTokens  int
	maxRetries int
	retryDelay time.Duration
}

// OpenAIConfig configures one OpenAI-dialect endpoint. BaseURL supports
// OpenAI-compatible servers.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int
	MaxRetries int
	RetryDelay time.Duration
}

// NewOpenAIProvider creates a provider bound to one model.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrCredentialMissing)
	}
	if cfg.Model == "" {
		return nil, errors.New("openai: model is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

func (p *OpenAIProvider) Kind() string        { return "openai" }
func (p *OpenAIProvider) Model() string       { return p.model }
func (p *OpenAIProvider) SupportsTools() bool { return true }

// Chat performs one buffered call by draining the stream.
func (p *OpenAIProvider) Chat(ctx context.Context, req *Request) (*Result, error) {
	events, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return collectStream(events)
}

// Stream sends the request and returns a channel of assembled events.
func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: p.convertMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	} else if p.maxTokens > 0 {
		chatReq.MaxTokens = p.maxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !p.wrapError(lastErr).Retryable() {
			return nil, p.wrapError(lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", p.wrapError(lastErr))
	}

	events := make(chan Event)
	go p.processStream(ctx, stream, events)
	return events, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- Event) {
	defer close(events)
	defer stream.Close()

	acc := newToolCallAccumulator()
	var usage costs.Usage

	for {
		select {
		case <-ctx.Done():
			events <- Event{Type: EventError, Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				for _, tc := range acc.flush() {
					events <- Event{Type: EventToolUse, ToolCall: tc}
				}
				events <- Event{Type: EventDone, Usage: usage}
				return
			}
			events <- Event{Type: EventError, Err: p.wrapError(err)}
			return
		}

		if response.Usage != nil {
			usage.InputTokens = int64(response.Usage.PromptTokens)
			usage.OutputTokens = int64(response.Usage.CompletionTokens)
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			events <- Event{Type: EventText, Text: choice.Delta.Content}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			acc.add(index, tc.ID, tc.Function.Name, tc.Function.Arguments)
		}

		// "tool_calls" delimits the batch: flush everything pending in
		// index order.
		if choice.FinishReason == openai.FinishReasonToolCalls {
			for _, tc := range acc.flush() {
				events <- Event{Type: EventToolUse, ToolCall: tc}
			}
		}
	}
}

// toolCallAccumulator assembles tool calls whose fields and argument
// fragments arrive interleaved across deltas, keyed by index.
type toolCallAccumulator struct {
	pending map[int]*pendingToolCall
}

type pendingToolCall struct {
	id   string
	name string
	args []byte
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{pending: map[int]*pendingToolCall{}}
}

// add merges one delta into the pending call at index. ID and name arrive
// in whichever delta first carries them; argument fragments concatenate.
func (a *toolCallAccumulator) add(index int, id, name, argFragment string) {
	pc := a.pending[index]
	if pc == nil {
		pc = &pendingToolCall{}
		a.pending[index] = pc
	}
	if id != "" {
		pc.id = id
	}
	if name != "" {
		pc.name = name
	}
	if argFragment != "" {
		pc.args = append(pc.args, argFragment...)
	}
}

// flush returns all complete pending calls in index order and resets the
// accumulator.
func (a *toolCallAccumulator) flush() []*ToolCall {
	if len(a.pending) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.pending))
	for i := range a.pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var out []*ToolCall
	for _, i := range indexes {
		pc := a.pending[i]
		if pc.id == "" || pc.name == "" {
			continue
		}
		out = append(out, &ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: normalizeToolArgs(string(pc.args)),
		})
	}
	a.pending = map[int]*pendingToolCall{}
	return out
}

// convertMessages renders the neutral form as chat-completion messages.
// The system prompt becomes the leading system message; each tool result
// becomes its own role="tool" turn.
func (p *OpenAIProvider) convertMessages(messages []Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, m)

		case RoleTool:
			for _, tr := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return out
}

func convertOpenAITools(specs []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(specs))
	for i, spec := range specs {
		var schema map[string]any
		if err := json.Unmarshal(spec.Schema, &schema); err != nil {
			// One bad schema must not break the rest of the tool set.
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

func (p *OpenAIProvider) wrapError(err error) *ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{
			Provider: "openai",
			Model:    p.model,
			Status:   apiErr.HTTPStatusCode,
			Message:  apiErr.Message,
			Cause:    err,
		}
	}
	return wrapProviderError("openai", p.model, 0, err)
}
