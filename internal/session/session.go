// Package session implements the conversation core: the durable session
// record, its file store, the multi-round tool-use loop, and history
// compaction with tool-pair integrity.
package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kestrelworks/valet/internal/providers"
)

// Task statuses for the in-session checklist.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskDone       = "done"
	TaskFailed     = "failed"
	TaskSkipped    = "skipped"
)

var validTaskStatus = map[string]bool{
	TaskPending: true, TaskInProgress: true, TaskDone: true,
	TaskFailed: true, TaskSkipped: true,
}

// Task is one checklist entry.
type Task struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Status string `json:"status"`
}

// TaskPlan is the session's optional working checklist.
type TaskPlan struct {
	Goal  string `json:"goal"`
	Tasks []Task `json:"tasks"`
}

// Render formats the plan as a markdown checklist for prompt embedding.
func (p *TaskPlan) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", p.Goal)
	for _, t := range p.Tasks {
		mark := " "
		switch t.Status {
		case TaskDone:
			mark = "x"
		case TaskInProgress:
			mark = ">"
		case TaskFailed:
			mark = "!"
		case TaskSkipped:
			mark = "-"
		}
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", mark, t.Text, t.ID)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Outfit narrows a session: a prompt fragment, an allowed-tool list, and
// contexts to preload.
type Outfit struct {
	Name     string   `json:"name" yaml:"name"`
	Content  string   `json:"content" yaml:"content"`
	Tools    []string `json:"tools,omitempty" yaml:"tools"`
	Contexts []string `json:"contexts,omitempty" yaml:"contexts"`
}

// LoadOutfit reads an outfit manifest "<name>.yaml" from dir.
func LoadOutfit(dir, name string) (*Outfit, error) {
	if !validName(name) {
		return nil, fmt.Errorf("session: invalid outfit name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(dir, name+".yaml"))
	if err != nil {
		return nil, fmt.Errorf("session: outfit %s: %w", name, err)
	}
	o := &Outfit{}
	if err := yaml.Unmarshal(data, o); err != nil {
		return nil, fmt.Errorf("session: outfit %s: %w", name, err)
	}
	if o.Name == "" {
		o.Name = name
	}
	return o, nil
}

// Limits bounds one session's tool loop.
type Limits struct {
	MaxToolRounds  int     `json:"max_tool_rounds"`
	CostCeilingUSD float64 `json:"cost_ceiling_usd,omitempty"`
	DeadlineMS     int64   `json:"deadline_ms,omitempty"`
}

// CostTotals tracks the session's cumulative spend. TotalUSD only grows.
type CostTotals struct {
	TotalUSD     float64 `json:"total_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CallCount    int64   `json:"call_count"`
}

// Metadata carries session timestamps and cost totals.
type Metadata struct {
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	Cost      CostTotals `json:"cost"`
}

// Session is the durable conversation record. Mutated only by the engine
// under the per-session lock; persisted on every turn.
type Session struct {
	ID       string              `json:"id"`
	Messages []providers.Message `json:"messages"`
	Contexts []string            `json:"contexts,omitempty"`
	Role     string              `json:"role"`
	Metadata Metadata            `json:"metadata"`
	TaskPlan *TaskPlan           `json:"task_plan,omitempty"`
	Outfit   *Outfit             `json:"outfit,omitempty"`
	Limits   Limits              `json:"limits"`

	// Ephemeral sessions (heartbeat ACT tier, cron jobs, sub-agents)
	// are never written to disk.
	Ephemeral bool `json:"-"`
}

// New creates a session with a fresh short ID.
func New(role string) *Session {
	now := time.Now()
	return &Session{
		ID:       uuid.NewString()[:8],
		Role:     role,
		Metadata: Metadata{CreatedAt: now, UpdatedAt: now},
	}
}

// AddContext appends a context name, keeping the list an ordered set.
func (s *Session) AddContext(name string) {
	for _, c := range s.Contexts {
		if c == name {
			return
		}
	}
	s.Contexts = append(s.Contexts, name)
}

// AllowedTools returns the outfit's allow-set, or nil when the session is
// unrestricted.
func (s *Session) AllowedTools() map[string]bool {
	if s.Outfit == nil || len(s.Outfit.Tools) == 0 {
		return nil
	}
	allow := make(map[string]bool, len(s.Outfit.Tools))
	for _, name := range s.Outfit.Tools {
		allow[name] = true
	}
	return allow
}

// SetTaskPlan replaces the checklist with fresh pending tasks.
func (s *Session) SetTaskPlan(goal string, tasks []string) {
	plan := &TaskPlan{Goal: goal}
	for i, text := range tasks {
		plan.Tasks = append(plan.Tasks, Task{
			ID:     fmt.Sprintf("t%d", i+1),
			Text:   text,
			Status: TaskPending,
		})
	}
	s.TaskPlan = plan
}

// UpdateTask moves one checklist entry to a new status.
func (s *Session) UpdateTask(id, status string) error {
	if !validTaskStatus[status] {
		return fmt.Errorf("session: invalid task status %q", status)
	}
	if s.TaskPlan == nil {
		return fmt.Errorf("session: no task plan")
	}
	for i := range s.TaskPlan.Tasks {
		if s.TaskPlan.Tasks[i].ID == id {
			s.TaskPlan.Tasks[i].Status = status
			return nil
		}
	}
	return fmt.Errorf("session: no task %q", id)
}

// validName guards path components built from user-visible names.
func validName(name string) bool {
	if name == "" || len(name) > 128 {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
