package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kestrelworks/valet/internal/providers"
)

const triageInstructions = `You triage background events for a personal assistant daemon. For each numbered event, choose one action:
- IGNORE: noise, nothing to do
- LOG: worth a journal line, no action
- ALERT: the user should hear about this now
- ACT: a cheap autonomous agent should handle it
- ESCALATE: the main agent should think about this with full context

Reply with a JSON array only, one object per event, same order:
[{"index":0,"action":"ACT"}, ...]

Events:
%s`

// triage asks the router model for an action per event. Any failure to
// get or parse a decision downgrades every event to LOG; triage being
// down must never drop observations.
func triage(ctx context.Context, registry *providers.Registry, events []Event, logger *slog.Logger) []string {
	actions := make([]string, len(events))
	for i := range actions {
		actions[i] = ActionLog
	}

	role := "router"
	if !registry.Has(role) {
		role = "quick"
	}
	p, err := registry.ForRole(role)
	if err != nil {
		logger.Warn("triage unavailable", "error", err)
		return actions
	}

	var list strings.Builder
	for i, ev := range events {
		fmt.Fprintf(&list, "%d. [%s] %s", i, ev.Source, ev.Summary)
		if ev.Prior != nil {
			fmt.Fprintf(&list, " (earlier today: %s, %d attempts)", ev.Prior.Outcome, ev.Prior.Attempts)
		}
		list.WriteString("\n")
	}

	tctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	res, err := p.Chat(tctx, &providers.Request{
		Messages: []providers.Message{{
			Role:    providers.RoleUser,
			Content: fmt.Sprintf(triageInstructions, list.String()),
		}},
	})
	if err != nil {
		logger.Warn("triage call failed", "role", role, "error", err)
		return actions
	}

	var decisions []struct {
		Index  int    `json:"index"`
		Action string `json:"action"`
	}
	if err := json.Unmarshal([]byte(stripFences(res.Content)), &decisions); err != nil {
		logger.Warn("triage reply unparseable", "reply", truncate(res.Content, 200), "error", err)
		return actions
	}
	for _, d := range decisions {
		action := strings.ToUpper(strings.TrimSpace(d.Action))
		if d.Index >= 0 && d.Index < len(actions) && validAction[action] {
			actions[d.Index] = action
		}
	}
	return actions
}

// stripFences unwraps a ```json ... ``` fenced reply.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
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
