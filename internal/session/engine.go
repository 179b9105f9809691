package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kestrelworks/valet/internal/config"
	"github.com/kestrelworks/valet/internal/costs"
	"github.com/kestrelworks/valet/internal/journal"
	"github.com/kestrelworks/valet/internal/observability"
	"github.com/kestrelworks/valet/internal/providers"
	"github.com/kestrelworks/valet/internal/tools"
)

// Markers appended to the assistant's last turn when a per-session limit
// finalizes the tool loop.
const (
	CostLimitMarker = "[Cost limit reached]"
	TimeLimitMarker = "[Time limit reached]"
)

const budgetRefusalFormat = "Daily budget reached: $%.2f spent of $%.2f limit. Model calls are paused until tomorrow; raise budget.daily_limit_usd to continue today."

// SystemPromptFunc builds the system prompt for one turn. A nil func
// yields an empty prompt.
type SystemPromptFunc func(ctx context.Context, s *Session, userTurn string) string

// SummaryExtractor receives compaction summaries asynchronously.
type SummaryExtractor interface {
	Extract(sessionID, summary string, metadata map[string]string)
}

// StreamEvent is one element of a streamed turn, also the SSE payload
// shape served by the panel.
type StreamEvent struct {
	Type       string `json:"type"` // text | tool_start | tool_result | done | error
	Text       string `json:"text,omitempty"`
	Tool       string `json:"tool,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Content    string `json:"content,omitempty"`
	Error      string `json:"error,omitempty"`
}

// EngineOptions wires the engine's collaborators.
type EngineOptions struct {
	Store       *Store
	Registry    *providers.Registry
	Tools       *tools.Registry
	Ledger      *costs.Ledger
	Prompt      SystemPromptFunc
	Journal     *journal.Journal
	Extractor   SummaryExtractor
	Logger      *slog.Logger
	Defaults    config.SessionConfig
	ContextsDir string
	OutfitsDir  string
}

// Engine drives the multi-round tool-use loop. Within one session, turns
// are strictly sequential: a per-session lock serializes re-entry.
type Engine struct {
	store       *Store
	registry    *providers.Registry
	tools       *tools.Registry
	ledger      *costs.Ledger
	prompt      SystemPromptFunc
	journal     *journal.Journal
	extractor   SummaryExtractor
	logger      *slog.Logger
	defaults    config.SessionConfig
	contextsDir string
	outfitsDir  string

	lockMu sync.Mutex
	locks  map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewEngine constructs an engine from its collaborators.
func NewEngine(opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       opts.Store,
		registry:    opts.Registry,
		tools:       opts.Tools,
		ledger:      opts.Ledger,
		prompt:      opts.Prompt,
		journal:     opts.Journal,
		extractor:   opts.Extractor,
		logger:      logger.With("component", "session"),
		defaults:    opts.Defaults,
		contextsDir: opts.ContextsDir,
		outfitsDir:  opts.OutfitsDir,
		locks:       map[string]*sessionLock{},
	}
}

// Store exposes the engine's session store.
func (e *Engine) Store() *Store { return e.store }

// lockSession takes the per-session lock, creating it on first use and
// dropping it when the last holder releases.
func (e *Engine) lockSession(id string) func() {
	e.lockMu.Lock()
	l := e.locks[id]
	if l == nil {
		l = &sessionLock{}
		e.locks[id] = l
	}
	l.refs++
	e.lockMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.lockMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.lockMu.Unlock()
	}
}

// Send runs one buffered turn and returns the final assistant text.
func (e *Engine) Send(ctx context.Context, s *Session, text string) (string, error) {
	return e.run(ctx, s, text, nil)
}

// SendStream runs one turn, yielding text deltas and tool events as they
// happen. The channel closes after a terminal done or error event.
func (e *Engine) SendStream(ctx context.Context, s *Session, text string) <-chan StreamEvent {
	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)
		final, err := e.run(ctx, s, text, out)
		if err != nil {
			out <- StreamEvent{Type: "error", Error: err.Error()}
			return
		}
		out <- StreamEvent{Type: "done", Content: final}
	}()
	return out
}

func emit(sink chan<- StreamEvent, ev StreamEvent) {
	if sink != nil {
		sink <- ev
	}
}

// run is the shared tool-use loop behind Send and SendStream.
func (e *Engine) run(ctx context.Context, s *Session, text string, sink chan<- StreamEvent) (string, error) {
	unlock := e.lockSession(s.ID)
	defer unlock()
	turnStart := time.Now()

	// Budget gate: a blown daily budget answers with the fixed refusal
	// and never reaches a provider.
	if status := e.ledger.BudgetCheck(); !status.OK {
		refusal := fmt.Sprintf(budgetRefusalFormat, status.Spend, status.Limit)
		s.Messages = append(s.Messages,
			providers.Message{Role: providers.RoleUser, Content: text},
			providers.Message{Role: providers.RoleAssistant, Content: refusal},
		)
		if err := e.store.Save(s); err != nil {
			e.logger.Error("persist after refusal", "session", s.ID, "error", err)
		}
		emit(sink, StreamEvent{Type: "text", Text: refusal})
		return refusal, nil
	}

	s.Messages = append(s.Messages, providers.Message{Role: providers.RoleUser, Content: text})

	var system string
	if e.prompt != nil {
		system = e.prompt(ctx, s, text)
	}

	provider, err := e.registry.ForRole(s.Role)
	if err != nil {
		return "", err
	}
	toolList := e.tools.Filtered(s.AllowedTools())
	var specs []providers.ToolSpec
	if provider.SupportsTools() {
		specs = tools.Specs(toolList)
	}

	maxRounds := s.Limits.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = e.defaults.MaxToolRounds
	}

	var finalText string
	for round := 0; round < maxRounds; round++ {
		events, err := provider.Stream(ctx, &providers.Request{
			System:   system,
			Messages: s.Messages,
			Tools:    specs,
		})
		if err != nil {
			e.saveQuiet(s)
			return "", err
		}

		var roundText strings.Builder
		var calls []providers.ToolCall
		var usage costs.Usage
		var streamErr error
		for ev := range events {
			switch ev.Type {
			case providers.EventText:
				roundText.WriteString(ev.Text)
				emit(sink, StreamEvent{Type: "text", Text: ev.Text})
			case providers.EventToolUse:
				calls = append(calls, *ev.ToolCall)
			case providers.EventDone:
				usage = ev.Usage
			case providers.EventError:
				streamErr = ev.Err
			}
		}
		if streamErr != nil {
			e.saveQuiet(s)
			return "", streamErr
		}

		e.recordUsage(s, provider, usage)

		if len(calls) == 0 {
			finalText = roundText.String()
			s.Messages = append(s.Messages, providers.Message{
				Role:    providers.RoleAssistant,
				Content: finalText,
			})
			break
		}

		// Per-session ceilings are checked after every call. When one
		// trips, the pending tool calls are abandoned and the turn
		// finalizes with a marker, keeping the call/result pairing
		// invariant intact.
		if marker := e.limitMarker(s, turnStart); marker != "" {
			finalText = strings.TrimSpace(roundText.String() + "\n\n" + marker)
			s.Messages = append(s.Messages, providers.Message{
				Role:    providers.RoleAssistant,
				Content: finalText,
			})
			emit(sink, StreamEvent{Type: "text", Text: "\n" + marker})
			break
		}

		s.Messages = append(s.Messages, providers.Message{
			Role:      providers.RoleAssistant,
			Content:   roundText.String(),
			ToolCalls: calls,
		})

		results := e.executeTools(ctx, s, calls, s.AllowedTools(), sink)
		s.Messages = append(s.Messages, providers.Message{
			Role:        providers.RoleTool,
			ToolResults: results,
		})
		finalText = roundText.String()
	}

	e.maybeCompact(ctx, s)
	if err := e.store.Save(s); err != nil {
		return finalText, err
	}
	return finalText, nil
}

func (e *Engine) saveQuiet(s *Session) {
	if err := e.store.Save(s); err != nil {
		e.logger.Error("persist failed", "session", s.ID, "error", err)
	}
}

// recordUsage charges the ledger under the session's requested role and
// folds the cost into the session's monotonic totals.
func (e *Engine) recordUsage(s *Session, p providers.Provider, usage costs.Usage) {
	cost, err := e.ledger.Record(s.Role, p.Model(), usage)
	if err != nil {
		e.logger.Warn("ledger write failed", "session", s.ID, "error", err)
	}
	s.Metadata.Cost.TotalUSD += cost
	s.Metadata.Cost.InputTokens += usage.InputTokens
	s.Metadata.Cost.OutputTokens += usage.OutputTokens
	s.Metadata.Cost.CallCount++

	observability.ModelCalls.WithLabelValues(s.Role, p.Kind()).Inc()
	observability.ModelTokens.WithLabelValues("input").Add(float64(usage.InputTokens))
	observability.ModelTokens.WithLabelValues("output").Add(float64(usage.OutputTokens))
}

func (e *Engine) limitMarker(s *Session, turnStart time.Time) string {
	if s.Limits.CostCeilingUSD > 0 && s.Metadata.Cost.TotalUSD >= s.Limits.CostCeilingUSD {
		return CostLimitMarker
	}
	if s.Limits.DeadlineMS > 0 && time.Since(turnStart) >= time.Duration(s.Limits.DeadlineMS)*time.Millisecond {
		return TimeLimitMarker
	}
	return ""
}

// executeTools runs all of a round's tool calls in parallel and joins
// before returning results in call order. A tool error or panic becomes
// an error-flagged result; it never aborts the round.
func (e *Engine) executeTools(ctx context.Context, s *Session, calls []providers.ToolCall, allow map[string]bool, sink chan<- StreamEvent) []providers.ToolResult {
	tc := &engineToolCtx{engine: e, session: s}
	results := make([]providers.ToolResult, len(calls))

	for _, call := range calls {
		emit(sink, StreamEvent{Type: "tool_start", Tool: call.Name, ToolCallID: call.ID})
	}

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call providers.ToolCall) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = providers.ToolResult{
						ToolCallID: call.ID,
						Content:    fmt.Sprintf("Error: tool %s panicked: %v", call.Name, r),
						IsError:    true,
					}
					observability.ToolExecutions.WithLabelValues(call.Name, "error").Inc()
				}
			}()
			results[i] = e.runTool(ctx, call, allow, tc)
		}(i, call)
	}
	wg.Wait()

	for _, r := range results {
		emit(sink, StreamEvent{Type: "tool_result", ToolCallID: r.ToolCallID, Content: r.Content})
	}
	return results
}

func (e *Engine) runTool(ctx context.Context, call providers.ToolCall, allow map[string]bool, tc tools.ToolCtx) providers.ToolResult {
	tool, ok := e.tools.Get(call.Name)
	if ok && allow != nil && !allow[call.Name] {
		ok = false
	}
	if !ok {
		observability.ToolExecutions.WithLabelValues(call.Name, "error").Inc()
		return providers.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("Error: unknown tool %q", call.Name),
			IsError:    true,
		}
	}

	content, err := tool.Execute(ctx, call.Arguments, tc)
	if err != nil {
		observability.ToolExecutions.WithLabelValues(call.Name, "error").Inc()
		return providers.ToolResult{
			ToolCallID: call.ID,
			Content:    "Error: " + err.Error(),
			IsError:    true,
		}
	}
	observability.ToolExecutions.WithLabelValues(call.Name, "ok").Inc()
	return providers.ToolResult{ToolCallID: call.ID, Content: content}
}

// Spawn creates an ephemeral sub-agent, runs one prompt through it under
// strict limits, and returns the final text.
func (e *Engine) Spawn(ctx context.Context, prompt, role string) (string, error) {
	if role == "" {
		role = "quick"
	}
	sub := New(role)
	sub.Ephemeral = true
	sub.Limits = Limits{
		MaxToolRounds:  e.defaults.SubAgentToolRounds,
		CostCeilingUSD: 0.25,
		DeadlineMS:     (2 * time.Minute).Milliseconds(),
	}
	return e.Send(ctx, sub, prompt)
}
