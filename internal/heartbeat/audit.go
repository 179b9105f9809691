package heartbeat

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kestrelworks/valet/internal/providers"
)

const (
	auditCap        = 50
	auditContentCap = 500
)

// AuditToolCall is one tool invocation recorded for an audit entry.
type AuditToolCall struct {
	Name   string `json:"name"`
	Args   string `json:"args"`
	Result string `json:"result"`
}

// AuditEntry records one model-tier heartbeat run for the panel.
type AuditEntry struct {
	Timestamp  time.Time       `json:"timestamp"`
	Tier       string          `json:"tier"` // "act" or "main"
	Model      string          `json:"model"`
	Events     []string        `json:"events"`
	ToolCalls  []AuditToolCall `json:"tool_calls,omitempty"`
	Response   string          `json:"response"`
	ToolErrors int             `json:"tool_errors"`
}

// AuditLog is the capped, persistent record of heartbeat model runs.
type AuditLog struct {
	mu      sync.Mutex
	path    string
	entries []AuditEntry
}

// OpenAuditLog loads the audit file, tolerating absence.
func OpenAuditLog(path string) (*AuditLog, error) {
	l := &AuditLog{path: path}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &l.entries); err != nil {
			return nil, fmt.Errorf("heartbeat: parse audit: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("heartbeat: read audit: %w", err)
	}
	return l, nil
}

// Append records one entry, trimming to the newest auditCap.
func (l *AuditLog) Append(e AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	if len(l.entries) > auditCap {
		l.entries = l.entries[len(l.entries)-auditCap:]
	}
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("heartbeat: marshal audit: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("heartbeat: write audit: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("heartbeat: rename audit: %w", err)
	}
	return nil
}

// Entries returns a copy of the recorded entries, newest last.
func (l *AuditLog) Entries() []AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// buildAuditEntry condenses a finished session run into an audit record.
func buildAuditEntry(tier, model string, events []Event, msgs []providers.Message, response string) AuditEntry {
	e := AuditEntry{
		Timestamp: time.Now(),
		Tier:      tier,
		Model:     model,
		Response:  truncate(response, auditContentCap),
	}
	for _, ev := range events {
		e.Events = append(e.Events, ev.Summary)
	}

	resultByID := map[string]providers.ToolResult{}
	for _, m := range msgs {
		for _, r := range m.ToolResults {
			resultByID[r.ToolCallID] = r
			if r.IsError {
				e.ToolErrors++
			}
		}
	}
	for _, m := range msgs {
		for _, c := range m.ToolCalls {
			tc := AuditToolCall{
				Name: c.Name,
				Args: truncate(string(c.Arguments), auditContentCap),
			}
			if r, ok := resultByID[c.ID]; ok {
				tc.Result = truncate(r.Content, auditContentCap)
			}
			e.ToolCalls = append(e.ToolCalls, tc)
		}
	}
	return e
}
