// Package builtin registers the daemon's built-in tools: session
// capabilities (contexts, outfits, sub-agents, task plans), the journal,
// the note vault, the knowledge graph, user notification, and a bounded
// shell escape hatch.
package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kestrelworks/valet/internal/graph"
	"github.com/kestrelworks/valet/internal/journal"
	"github.com/kestrelworks/valet/internal/notify"
	"github.com/kestrelworks/valet/internal/tools"
	"github.com/kestrelworks/valet/internal/vault"
)

// Deps are the collaborators built-in tools close over. Nil fields skip
// the tools that need them.
type Deps struct {
	Journal  *journal.Journal
	Notifier *notify.Notifier
	Graph    *graph.Store
	VaultDir string
	// AllowShell gates the run_command tool; heartbeat and sub-agent
	// sessions get it, but operators can turn it off entirely.
	AllowShell bool
}

// Register adds every applicable built-in tool to the registry.
func Register(reg *tools.Registry, deps Deps) error {
	all := []tools.Tool{
		loadContextTool(),
		changeOutfitTool(),
		spawnAgentTool(),
		setTaskPlanTool(),
		updateTaskTool(),
	}
	if deps.Journal != nil {
		all = append(all, journalNoteTool(deps.Journal))
	}
	if deps.VaultDir != "" {
		all = append(all, searchNotesTool(deps.VaultDir), recentNotesTool(deps.VaultDir))
	}
	if deps.Graph != nil {
		all = append(all, rememberTool(deps.Graph))
	}
	if deps.Notifier != nil {
		all = append(all, notifyUserTool(deps.Notifier))
	}
	if deps.AllowShell {
		all = append(all, runCommandTool())
	}
	for _, t := range all {
		if err := reg.RegisterBuiltin(t); err != nil {
			return err
		}
	}
	return nil
}

func schema(s string) json.RawMessage { return json.RawMessage(s) }

func loadContextTool() tools.Tool {
	return &tools.FuncTool{
		ToolName:        "load_context",
		ToolDescription: "Load a named context file into this session's system prompt. Use when the conversation turns to a topic covered by an available context.",
		ToolSchema: schema(`{"type":"object","properties":{
			"name":{"type":"string","description":"Context name, without extension"}
		},"required":["name"]}`),
		Fn: func(_ context.Context, args json.RawMessage, tc tools.ToolCtx) (string, error) {
			var in struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if err := tc.LoadContext(in.Name); err != nil {
				return "", err
			}
			return fmt.Sprintf("Context %q will be included from the next turn on.", in.Name), nil
		},
	}
}

func changeOutfitTool() tools.Tool {
	return &tools.FuncTool{
		ToolName:        "change_outfit",
		ToolDescription: "Switch this session's outfit (a named persona with its own tool set and contexts). Pass an empty name to clear.",
		ToolSchema: schema(`{"type":"object","properties":{
			"name":{"type":"string"}
		},"required":["name"]}`),
		Fn: func(_ context.Context, args json.RawMessage, tc tools.ToolCtx) (string, error) {
			var in struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if err := tc.SetOutfit(in.Name); err != nil {
				return "", err
			}
			if in.Name == "" {
				return "Outfit cleared.", nil
			}
			return fmt.Sprintf("Now wearing %q.", in.Name), nil
		},
	}
}

func spawnAgentTool() tools.Tool {
	return &tools.FuncTool{
		ToolName:        "spawn_agent",
		ToolDescription: "Run a short-lived sub-agent on a self-contained task and get its final answer. The sub-agent has strict cost and time limits; give it everything it needs in the prompt.",
		ToolSchema: schema(`{"type":"object","properties":{
			"prompt":{"type":"string"},
			"role":{"type":"string","description":"Model role to run under; defaults to quick"}
		},"required":["prompt"]}`),
		Fn: func(ctx context.Context, args json.RawMessage, tc tools.ToolCtx) (string, error) {
			var in struct {
				Prompt string `json:"prompt"`
				Role   string `json:"role"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			return tc.Spawn(ctx, in.Prompt, in.Role)
		},
	}
}

func setTaskPlanTool() tools.Tool {
	return &tools.FuncTool{
		ToolName:        "set_task_plan",
		ToolDescription: "Install a working checklist for a multi-step task. The plan appears in your prompt every turn until replaced.",
		ToolSchema: schema(`{"type":"object","properties":{
			"goal":{"type":"string"},
			"tasks":{"type":"array","items":{"type":"string"}}
		},"required":["goal","tasks"]}`),
		Fn: func(_ context.Context, args json.RawMessage, tc tools.ToolCtx) (string, error) {
			var in struct {
				Goal  string   `json:"goal"`
				Tasks []string `json:"tasks"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if err := tc.SetTaskPlan(in.Goal, in.Tasks); err != nil {
				return "", err
			}
			return fmt.Sprintf("Plan set: %d tasks.", len(in.Tasks)), nil
		},
	}
}

func updateTaskTool() tools.Tool {
	return &tools.FuncTool{
		ToolName:        "update_task",
		ToolDescription: "Move one checklist entry to a new status: pending, in_progress, done, failed, or skipped.",
		ToolSchema: schema(`{"type":"object","properties":{
			"id":{"type":"string"},
			"status":{"type":"string"}
		},"required":["id","status"]}`),
		Fn: func(_ context.Context, args json.RawMessage, tc tools.ToolCtx) (string, error) {
			var in struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if err := tc.UpdateTask(in.ID, in.Status); err != nil {
				return "", err
			}
			return fmt.Sprintf("Task %s is now %s.", in.ID, in.Status), nil
		},
	}
}

func journalNoteTool(j *journal.Journal) tools.Tool {
	return &tools.FuncTool{
		ToolName:        "journal_note",
		ToolDescription: "Append an entry to today's journal. Section is Notes, Tasks, or Decisions; Tasks entries become unchecked checklist items.",
		ToolSchema: schema(`{"type":"object","properties":{
			"text":{"type":"string"},
			"section":{"type":"string"}
		},"required":["text"]}`),
		Fn: func(_ context.Context, args json.RawMessage, _ tools.ToolCtx) (string, error) {
			var in struct {
				Text    string `json:"text"`
				Section string `json:"section"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if in.Section == "" {
				in.Section = journal.SectionNotes
			}
			if err := j.AppendEntry(in.Text, in.Section); err != nil {
				return "", err
			}
			return "Noted.", nil
		},
	}
}

func searchNotesTool(dir string) tools.Tool {
	return &tools.FuncTool{
		ToolName:        "search_notes",
		ToolDescription: "Search the note vault for a phrase. Returns matching lines with file and line number.",
		ToolSchema: schema(`{"type":"object","properties":{
			"query":{"type":"string"},
			"max_results":{"type":"integer"}
		},"required":["query"]}`),
		Fn: func(_ context.Context, args json.RawMessage, _ tools.ToolCtx) (string, error) {
			var in struct {
				Query      string `json:"query"`
				MaxResults int    `json:"max_results"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			matches, err := vault.Search(dir, in.Query, vault.SearchOptions{MaxResults: in.MaxResults})
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No matches.", nil
			}
			var b strings.Builder
			for _, m := range matches {
				fmt.Fprintf(&b, "%s:%d: %s\n", m.Path, m.Line, m.Text)
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}

func recentNotesTool(dir string) tools.Tool {
	return &tools.FuncTool{
		ToolName:        "recent_notes",
		ToolDescription: "List note files modified within the last N minutes, newest first.",
		ToolSchema: schema(`{"type":"object","properties":{
			"minutes":{"type":"integer"}
		},"required":["minutes"]}`),
		Fn: func(_ context.Context, args json.RawMessage, _ tools.ToolCtx) (string, error) {
			var in struct {
				Minutes int `json:"minutes"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			files, err := vault.FindRecent(dir, in.Minutes)
			if err != nil {
				return "", err
			}
			if len(files) == 0 {
				return "Nothing recent.", nil
			}
			var b strings.Builder
			for _, f := range files {
				fmt.Fprintf(&b, "%s (modified %s)\n", f.Path, f.ModTime.Format("15:04"))
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}

func rememberTool(g *graph.Store) tools.Tool {
	return &tools.FuncTool{
		ToolName:        "remember",
		ToolDescription: "Record a fact about the user's world in the knowledge graph: a person, project, place, or preference, optionally related to another entity.",
		ToolSchema: schema(`{"type":"object","properties":{
			"name":{"type":"string"},
			"kind":{"type":"string","description":"person, project, place, preference, or thing"},
			"related_to":{"type":"string"},
			"relation":{"type":"string"}
		},"required":["name","kind"]}`),
		Fn: func(_ context.Context, args json.RawMessage, _ tools.ToolCtx) (string, error) {
			var in struct {
				Name      string `json:"name"`
				Kind      string `json:"kind"`
				RelatedTo string `json:"related_to"`
				Relation  string `json:"relation"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if err := g.Upsert(in.Name, in.Kind); err != nil {
				return "", err
			}
			if in.RelatedTo != "" {
				rel := in.Relation
				if rel == "" {
					rel = "related_to"
				}
				if err := g.Link(in.Name, in.RelatedTo, rel); err != nil {
					return "", err
				}
			}
			return "Remembered.", nil
		},
	}
}

func notifyUserTool(n *notify.Notifier) tools.Tool {
	return &tools.FuncTool{
		ToolName:        "notify_user",
		ToolDescription: "Push a message to the user over an outbound channel. Use for things that cannot wait for them to ask.",
		ToolSchema: schema(`{"type":"object","properties":{
			"text":{"type":"string"},
			"channel":{"type":"string","description":"Channel name; defaults to the primary channel"}
		},"required":["text"]}`),
		Fn: func(ctx context.Context, args json.RawMessage, _ tools.ToolCtx) (string, error) {
			var in struct {
				Text    string `json:"text"`
				Channel string `json:"channel"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if err := n.NotifyUser(ctx, in.Text, in.Channel); err != nil {
				return "", err
			}
			return "Sent.", nil
		},
	}
}

const (
	commandTimeout   = 60 * time.Second
	commandOutputCap = 20_000
)

func runCommandTool() tools.Tool {
	return &tools.FuncTool{
		ToolName:        "run_command",
		ToolDescription: "Run a shell command on the host and return its output. Commands time out after 60 seconds; output is truncated past 20KB.",
		ToolSchema: schema(`{"type":"object","properties":{
			"command":{"type":"string"}
		},"required":["command"]}`),
		Fn: func(ctx context.Context, args json.RawMessage, _ tools.ToolCtx) (string, error) {
			var in struct {
				Command string `json:"command"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return "", err
			}
			if strings.TrimSpace(in.Command) == "" {
				return "", fmt.Errorf("empty command")
			}
			cctx, cancel := context.WithTimeout(ctx, commandTimeout)
			defer cancel()

			cmd := exec.CommandContext(cctx, "sh", "-c", in.Command)
			var out bytes.Buffer
			cmd.Stdout = &out
			cmd.Stderr = &out
			err := cmd.Run()
			text := out.String()
			if len(text) > commandOutputCap {
				text = text[:commandOutputCap] + "\n[output truncated]"
			}
			if err != nil {
				return "", fmt.Errorf("%w\n%s", err, text)
			}
			if strings.TrimSpace(text) == "" {
				return "(no output)", nil
			}
			return text, nil
		},
	}
}
