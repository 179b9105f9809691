package session

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kestrelworks/valet/internal/journal"
	"github.com/kestrelworks/valet/internal/observability"
	"github.com/kestrelworks/valet/internal/providers"
)

const summaryPrompt = `Summarize the conversation below for future reference. Capture: the topics discussed, people and projects mentioned, decisions made, problems encountered and how they were resolved, and any tools used with their outcomes. Be concise; use short bullet points.

%s`

// maybeCompact folds old history into a summary once the message count
// exceeds the configured ceiling. Compaction is conservative: it only
// splits at a real user text turn, and on any failure it degrades rather
// than corrupting history.
func (e *Engine) maybeCompact(ctx context.Context, s *Session) {
	maxMsgs := e.defaults.MaxMessagesBeforeCompact
	keep := e.defaults.KeepRecentMessages
	if maxMsgs <= 0 || len(s.Messages) <= maxMsgs {
		return
	}

	split := safeSplit(s.Messages, keep)
	if split <= 0 {
		observability.Compactions.WithLabelValues("aborted").Inc()
		e.logger.Warn("compaction aborted: no safe split point", "session", s.ID)
		return
	}

	discard := s.Messages[:split]
	retained := s.Messages[split:]

	if err := e.store.AppendArchive(s.ID, discard); err != nil {
		observability.Compactions.WithLabelValues("aborted").Inc()
		e.logger.Error("compaction aborted: archive failed", "session", s.ID, "error", err)
		return
	}

	summary, err := e.summarize(ctx, discard)
	sanitized := sanitizeOrphans(retained)
	if err != nil {
		// Summarization is best effort: history is already archived, so
		// dropping the summary loses nothing durable.
		e.logger.Warn("compaction summary failed", "session", s.ID, "error", err)
		s.Messages = sanitized
		observability.Compactions.WithLabelValues("fallback").Inc()
	} else {
		note := fmt.Sprintf("[Conversation summary]\n%s\n\n[Full history archived in %s; earlier detail is recoverable from there.]",
			summary, ArchiveName(s.ID))
		s.Messages = append([]providers.Message{{
			Role:    providers.RoleAssistant,
			Content: note,
		}}, sanitized...)
		observability.Compactions.WithLabelValues("summarized").Inc()

		if e.journal != nil {
			entry := fmt.Sprintf("Compacted session %s: %d messages archived", s.ID, len(discard))
			if jerr := e.journal.AppendEntry(entry, journal.SectionNotes); jerr != nil {
				e.logger.Warn("journal note failed", "session", s.ID, "error", jerr)
			}
		}
		if e.extractor != nil {
			e.extractor.Extract(s.ID, summary, map[string]string{"role": s.Role})
		}
	}
}

// safeSplit finds the boundary for compaction: the latest user text turn
// at or before len-keep, so at least keep messages survive and the
// retained window opens on a clean user turn. Returns -1 when no such
// turn exists.
func safeSplit(msgs []providers.Message, keep int) int {
	start := len(msgs) - keep
	if start < 0 {
		return -1
	}
	for i := start; i >= 0; i-- {
		m := msgs[i]
		if m.Role == providers.RoleUser && m.Content != "" && len(m.ToolResults) == 0 {
			return i
		}
	}
	return -1
}

// sanitizeOrphans drops tool results whose issuing assistant call was not
// retained. Providers reject result blocks with no matching call.
func sanitizeOrphans(msgs []providers.Message) []providers.Message {
	known := map[string]bool{}
	for _, m := range msgs {
		if m.Role == providers.RoleAssistant {
			for _, c := range m.ToolCalls {
				known[c.ID] = true
			}
		}
	}
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		if len(m.ToolResults) > 0 {
			var kept []providers.ToolResult
			for _, r := range m.ToolResults {
				if known[r.ToolCallID] {
					kept = append(kept, r)
				}
			}
			if len(kept) == 0 && m.Content == "" {
				continue
			}
			m.ToolResults = kept
		}
		out = append(out, m)
	}
	return out
}

// summarize asks the quick role for a compaction summary, falling back to
// the session's own role when quick is unavailable or fails.
func (e *Engine) summarize(ctx context.Context, discard []providers.Message) (string, error) {
	rendered := renderTranscript(discard)
	prompt := fmt.Sprintf(summaryPrompt, rendered)

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	var lastErr error
	for _, role := range []string{"quick", "default"} {
		p, err := e.registry.ForRole(role)
		if err != nil {
			lastErr = err
			continue
		}
		res, err := p.Chat(ctx, &providers.Request{
			Messages: []providers.Message{{Role: providers.RoleUser, Content: prompt}},
		})
		if err != nil {
			lastErr = err
			continue
		}
		e.recordSummaryUsage(p, res)
		if strings.TrimSpace(res.Content) == "" {
			lastErr = fmt.Errorf("session: empty summary")
			continue
		}
		return strings.TrimSpace(res.Content), nil
	}
	return "", lastErr
}

func (e *Engine) recordSummaryUsage(p providers.Provider, res *providers.Result) {
	if _, err := e.ledger.Record("quick", p.Model(), res.Usage); err != nil {
		e.logger.Warn("ledger write failed", "error", err)
	}
}

// renderTranscript flattens messages into plain text for the summarizer.
func renderTranscript(msgs []providers.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch {
		case len(m.ToolResults) > 0:
			for _, r := range m.ToolResults {
				status := "ok"
				if r.IsError {
					status = "error"
				}
				fmt.Fprintf(&b, "[tool result %s] %s\n", status, truncate(r.Content, 300))
			}
		case len(m.ToolCalls) > 0:
			if m.Content != "" {
				fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
			}
			for _, c := range m.ToolCalls {
				fmt.Fprintf(&b, "[tool call] %s %s\n", c.Name, truncate(string(c.Arguments), 200))
			}
		case m.Content != "":
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
	}
	return b.String()
}

// truncate caps s at n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
