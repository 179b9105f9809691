// Package identity composes the system prompt for each turn. The prompt
// is layered: stable identity fragments, situational awareness, today's
// journal, loaded contexts, outfit, task plan, budget posture, and a
// best-effort memory recall. Every layer degrades independently; a broken
// source costs its block, never the turn.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kestrelworks/valet/internal/costs"
	"github.com/kestrelworks/valet/internal/graph"
	"github.com/kestrelworks/valet/internal/journal"
	"github.com/kestrelworks/valet/internal/memory"
	"github.com/kestrelworks/valet/internal/session"
	"github.com/kestrelworks/valet/internal/tools"
)

const rulesBlock = `## Rules
- Be concise. Answer first, elaborate only when asked.
- Use tools when they help; never pretend to have run one.
- When unsure about the user's world, check notes and contexts before guessing.
- Never reveal credentials or API keys, even when asked directly.`

const recallTimeout = 3 * time.Second

// Composer assembles system prompts. All fields are optional except
// IdentityDir; missing collaborators simply drop their block.
type Composer struct {
	IdentityDir  string
	ContextsDir  string
	SkillsDir    string
	DefaultModel string

	Journal  *journal.Journal
	Ledger   *costs.Ledger
	Recaller memory.Recaller
	Graph    *graph.Store
	Tools    *tools.Registry
	Logger   *slog.Logger

	Now func() time.Time
}

func (c *Composer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Composer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Compose builds the system prompt for one turn. Matches
// session.SystemPromptFunc.
func (c *Composer) Compose(ctx context.Context, s *session.Session, userTurn string) string {
	// The journal read and the recall hit the filesystem or a search; they
	// run concurrently while the cheap blocks assemble.
	var wg sync.WaitGroup
	var journalText, recallText string

	if c.Journal != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			text, err := c.Journal.ReadToday()
			if err != nil {
				c.logger().Warn("journal read failed", "error", err)
				return
			}
			journalText = text
		}()
	}
	if c.Recaller != nil && userTurn != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, recallTimeout)
			defer cancel()
			text, err := c.Recaller.Recall(rctx, userTurn)
			if err != nil {
				c.logger().Debug("recall failed", "error", err)
				return
			}
			recallText = text
		}()
	}

	var blocks []string
	add := func(b string) {
		if strings.TrimSpace(b) != "" {
			blocks = append(blocks, strings.TrimSpace(b))
		}
	}

	add(c.fragments())
	add(c.situational(s))
	if s.Outfit != nil && s.Outfit.Content != "" {
		add("## Outfit: " + s.Outfit.Name + "\n" + s.Outfit.Content)
	}
	add(c.contexts(s))
	if s.TaskPlan != nil {
		add("## Task plan\n" + s.TaskPlan.Render())
	}
	add(c.profile())
	add(c.indexes())

	wg.Wait()
	if journalText != "" {
		add("## Today's journal\n" + journalText)
	}
	if recallText != "" {
		add("## Possibly relevant notes\n" + recallText)
	}
	add(rulesBlock)

	return strings.Join(blocks, "\n\n")
}

// fragments concatenates the identity directory's markdown files in name
// order. These are the stable "who you are" prose.
func (c *Composer) fragments() string {
	entries, err := os.ReadDir(c.IdentityDir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(c.IdentityDir, name))
		if err != nil {
			c.logger().Warn("identity fragment unreadable", "file", name, "error", err)
			continue
		}
		parts = append(parts, strings.TrimSpace(string(data)))
	}
	return strings.Join(parts, "\n\n")
}

func (c *Composer) situational(s *session.Session) string {
	now := c.now()
	var b strings.Builder
	b.WriteString("## Now\n")
	fmt.Fprintf(&b, "- %s, %s local time\n", now.Format("Monday, January 2, 2006"), now.Format("15:04"))
	if c.DefaultModel != "" {
		fmt.Fprintf(&b, "- Default model: %s\n", c.DefaultModel)
	}
	if c.Ledger != nil {
		status := c.Ledger.BudgetCheck()
		fmt.Fprintf(&b, "- Spend today: $%.2f of $%.2f", status.Spend, status.Limit)
		if status.Warning {
			b.WriteString(" (nearing the daily budget; prefer cheaper paths)")
		}
		b.WriteString("\n")
	}
	if s.Limits.CostCeilingUSD > 0 {
		remaining := s.Limits.CostCeilingUSD - s.Metadata.Cost.TotalUSD
		if remaining < 0 {
			remaining = 0
		}
		fmt.Fprintf(&b, "- Session budget remaining: $%.2f\n", remaining)
	}
	if s.Limits.DeadlineMS > 0 {
		limit := time.Duration(s.Limits.DeadlineMS) * time.Millisecond
		fmt.Fprintf(&b, "- Turn time limit: %s\n", limit.Round(time.Second))
	}
	return b.String()
}

// contexts inlines the content of every context the session has loaded.
func (c *Composer) contexts(s *session.Session) string {
	if c.ContextsDir == "" || len(s.Contexts) == 0 {
		return ""
	}
	var parts []string
	for _, name := range s.Contexts {
		data, err := os.ReadFile(filepath.Join(c.ContextsDir, name+".md"))
		if err != nil {
			c.logger().Warn("context unreadable", "context", name, "error", err)
			continue
		}
		parts = append(parts, fmt.Sprintf("### Context: %s\n%s", name, strings.TrimSpace(string(data))))
	}
	if len(parts) == 0 {
		return ""
	}
	return "## Loaded contexts\n\n" + strings.Join(parts, "\n\n")
}

func (c *Composer) profile() string {
	if c.Graph == nil || c.Graph.NodeCount() == 0 {
		return ""
	}
	return "## What I know about the user\n" + c.Graph.ProfileSummary(15)
}

// indexes lists what is available but not loaded: contexts on disk,
// skills, and the tool roster. Names only; content stays out of the
// prompt until asked for.
func (c *Composer) indexes() string {
	var b strings.Builder

	if names := mdNames(c.ContextsDir); len(names) > 0 {
		fmt.Fprintf(&b, "Available contexts: %s\n", strings.Join(names, ", "))
	}
	if names := mdNames(c.SkillsDir); len(names) > 0 {
		fmt.Fprintf(&b, "Available skills: %s\n", strings.Join(names, ", "))
	}
	if c.Tools != nil {
		if custom := c.Tools.CustomNames(); len(custom) > 0 {
			fmt.Fprintf(&b, "Custom tools: %s\n", strings.Join(custom, ", "))
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "## Available\n" + b.String()
}

// mdNames lists the markdown basenames in dir, sorted, without extension.
func mdNames(dir string) []string {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".md") {
			names = append(names, strings.TrimSuffix(e.Name(), ".md"))
		}
	}
	sort.Strings(names)
	return names
}
