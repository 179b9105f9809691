package providers

import (
	"encoding/json"
	"testing"

	"github.com/kestrelworks/valet/internal/costs"
)

func TestToolCallAccumulatorInterleavedIndexes(t *testing.T) {
	acc := newToolCallAccumulator()

	// Two calls whose argument strings arrive split across 5 and 3
	// fragments, interleaved by index.
	acc.add(0, "call_a", "get_weather", "")
	acc.add(1, "call_b", "get_time", "")
	acc.add(0, "", "", `{"ci`)
	acc.add(1, "", "", `{"zone":`)
	acc.add(0, "", "", `ty":"Bo`)
	acc.add(1, "", "", `"UTC"`)
	acc.add(0, "", "", `sto`)
	acc.add(1, "", "", `}`)
	acc.add(0, "", "", `n"`)
	acc.add(0, "", "", `}`)

	calls := acc.flush()
	if len(calls) != 2 {
		t.Fatalf("flush returned %d calls, want 2", len(calls))
	}
	if calls[0].ID != "call_a" || calls[1].ID != "call_b" {
		t.Errorf("calls out of index order: %s, %s", calls[0].ID, calls[1].ID)
	}

	var args struct {
		City string `json:"city"`
	}
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil {
		t.Fatalf("first call arguments unparseable: %v", err)
	}
	if args.City != "Boston" {
		t.Errorf("city = %q, want Boston", args.City)
	}

	// Flushing again is empty: the accumulator resets.
	if again := acc.flush(); len(again) != 0 {
		t.Errorf("second flush returned %d calls, want 0", len(again))
	}
}

func TestToolCallAccumulatorDropsIncomplete(t *testing.T) {
	acc := newToolCallAccumulator()
	acc.add(0, "call_a", "", `{}`) // name never arrived
	acc.add(1, "call_b", "ok_tool", `{"x":1}`)

	calls := acc.flush()
	if len(calls) != 1 || calls[0].ID != "call_b" {
		t.Fatalf("got %d calls, want only the complete one", len(calls))
	}
}

func TestNormalizeToolArgs(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"valid object", `{"a":1}`, `{"a":1}`},
		{"whitespace preserved content", "  {\"a\":1}  ", `{"a":1}`},
		{"empty fragment", "", "{}"},
		{"truncated fragment", `{"a":`, "{}"},
		{"garbage", "not json", "{}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := string(normalizeToolArgs(tc.in)); got != tc.want {
				t.Errorf("normalizeToolArgs(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCollectStream(t *testing.T) {
	events := make(chan Event, 8)
	events <- Event{Type: EventText, Text: "The weather "}
	events <- Event{Type: EventText, Text: "is mild."}
	events <- Event{Type: EventToolUse, ToolCall: &ToolCall{ID: "c1", Name: "get_weather", Arguments: json.RawMessage(`{}`)}}
	events <- Event{Type: EventDone, Usage: costs.Usage{InputTokens: 10, OutputTokens: 5}}
	close(events)

	res, err := collectStream(events)
	if err != nil {
		t.Fatalf("collectStream: %v", err)
	}
	if res.Content != "The weather is mild." {
		t.Errorf("content = %q", res.Content)
	}
	if len(res.ToolCalls) != 1 || res.StopReason != StopToolUse {
		t.Errorf("tool calls = %d, stop = %s", len(res.ToolCalls), res.StopReason)
	}
	if res.Usage.InputTokens != 10 || res.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", res.Usage)
	}
}

func TestCollectStreamStopsOnError(t *testing.T) {
	events := make(chan Event, 2)
	events <- Event{Type: EventError, Err: &ProviderError{Provider: "openai", Status: 401, Message: "bad key"}}
	close(events)

	if _, err := collectStream(events); err == nil {
		t.Fatal("want error from error event")
	}
}

func TestProviderErrorRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  ProviderError
		want bool
	}{
		{"rate limited", ProviderError{Status: 429}, true},
		{"server error", ProviderError{Status: 503}, true},
		{"auth failure", ProviderError{Status: 401}, false},
		{"bad request", ProviderError{Status: 400}, false},
		{"timeout by message", ProviderError{Message: "context deadline exceeded"}, true},
		{"plain failure", ProviderError{Message: "model not found"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Retryable(); got != tc.want {
				t.Errorf("Retryable() = %v, want %v", got, tc.want)
			}
		})
	}
}
