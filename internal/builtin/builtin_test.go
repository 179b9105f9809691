package builtin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kestrelworks/valet/internal/journal"
	"github.com/kestrelworks/valet/internal/tools"
)

type fakeToolCtx struct {
	loadedContext string
	outfit        string
	spawnPrompt   string
	planGoal      string
	taskID        string
	taskStatus    string
}

func (f *fakeToolCtx) SessionID() string { return "test" }
func (f *fakeToolCtx) LoadContext(name string) error {
	f.loadedContext = name
	return nil
}
func (f *fakeToolCtx) SetOutfit(name string) error {
	f.outfit = name
	return nil
}
func (f *fakeToolCtx) Spawn(_ context.Context, prompt, _ string) (string, error) {
	f.spawnPrompt = prompt
	return "sub-agent done", nil
}
func (f *fakeToolCtx) SetTaskPlan(goal string, tasks []string) error {
	f.planGoal = goal
	return nil
}
func (f *fakeToolCtx) UpdateTask(id, status string) error {
	f.taskID, f.taskStatus = id, status
	return nil
}

func testRegistry(t *testing.T, deps Deps) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	if err := Register(reg, deps); err != nil {
		t.Fatal(err)
	}
	return reg
}

func exec(t *testing.T, reg *tools.Registry, name, args string, tc tools.ToolCtx) string {
	t.Helper()
	tool, ok := reg.Get(name)
	if !ok {
		t.Fatalf("tool %s not registered", name)
	}
	out, err := tool.Execute(context.Background(), json.RawMessage(args), tc)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return out
}

func TestRegisterFullSet(t *testing.T) {
	dir := t.TempDir()
	reg := testRegistry(t, Deps{
		Journal:    journal.New(filepath.Join(dir, "journal")),
		VaultDir:   dir,
		AllowShell: true,
	})

	for _, name := range []string{
		"load_context", "change_outfit", "spawn_agent", "set_task_plan",
		"update_task", "journal_note", "search_notes", "recent_notes",
		"run_command",
	} {
		if _, ok := reg.Get(name); !ok {
			t.Errorf("missing builtin %s", name)
		}
	}
	if _, ok := reg.Get("notify_user"); ok {
		t.Error("notify_user registered without a notifier")
	}
}

func TestSessionCapabilityTools(t *testing.T) {
	reg := testRegistry(t, Deps{})
	tc := &fakeToolCtx{}

	exec(t, reg, "load_context", `{"name":"work"}`, tc)
	if tc.loadedContext != "work" {
		t.Fatalf("loadedContext = %q", tc.loadedContext)
	}
	exec(t, reg, "change_outfit", `{"name":"focus"}`, tc)
	if tc.outfit != "focus" {
		t.Fatalf("outfit = %q", tc.outfit)
	}
	out := exec(t, reg, "spawn_agent", `{"prompt":"check the weather"}`, tc)
	if out != "sub-agent done" || tc.spawnPrompt != "check the weather" {
		t.Fatalf("spawn: out=%q prompt=%q", out, tc.spawnPrompt)
	}
	exec(t, reg, "update_task", `{"id":"t2","status":"done"}`, tc)
	if tc.taskID != "t2" || tc.taskStatus != "done" {
		t.Fatalf("task update not forwarded: %+v", tc)
	}
}

func TestJournalNoteWrites(t *testing.T) {
	dir := t.TempDir()
	j := journal.New(dir)
	reg := testRegistry(t, Deps{Journal: j})

	exec(t, reg, "journal_note", `{"text":"remember the milk","section":"Tasks"}`, &fakeToolCtx{})

	content, err := j.ReadToday()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(content, "- [ ] remember the milk") {
		t.Fatalf("journal content:\n%s", content)
	}
}

func TestSearchNotesTool(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "trip.md"), []byte("flight leaves at 9am\nhotel is booked\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	reg := testRegistry(t, Deps{VaultDir: dir})

	out := exec(t, reg, "search_notes", `{"query":"flight"}`, &fakeToolCtx{})
	if !strings.Contains(out, "flight leaves at 9am") {
		t.Fatalf("search output: %q", out)
	}
	out = exec(t, reg, "search_notes", `{"query":"zeppelin"}`, &fakeToolCtx{})
	if out != "No matches." {
		t.Fatalf("miss output: %q", out)
	}
}

func TestRunCommandRejectsEmpty(t *testing.T) {
	reg := testRegistry(t, Deps{AllowShell: true})
	tool, _ := reg.Get("run_command")
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"  "}`), &fakeToolCtx{}); err == nil {
		t.Fatal("empty command accepted")
	}
}
