package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrelworks/valet/internal/providers"
)

func TestStoreRoundTrip(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := New("default")
	s.Messages = []providers.Message{{Role: providers.RoleUser, Content: "hi"}}
	s.AddContext("home")
	if err := st.Save(s); err != nil {
		t.Fatal(err)
	}

	loaded, err := st.Load(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Role != "default" || len(loaded.Messages) != 1 || loaded.Contexts[0] != "home" {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}

func TestStoreSkipsEphemeral(t *testing.T) {
	dir := t.TempDir()
	st, err := NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	s := New("quick")
	s.Ephemeral = true
	if err := st.Save(s); err != nil {
		t.Fatal(err)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("ephemeral session reached disk: %v", entries)
	}
}

func TestStoreRejectsTraversal(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"../evil", "a/b", "", "x.json", "dot.dot"} {
		if _, err := st.Load(id); err == nil {
			t.Fatalf("id %q should be rejected", id)
		}
	}
}

func TestListNewestFirst(t *testing.T) {
	st, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	old := New("default")
	if err := st.Save(old); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	fresh := New("quick")
	if err := st.Save(fresh); err != nil {
		t.Fatal(err)
	}

	list, err := st.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != fresh.ID {
		t.Fatalf("list order wrong: %+v", list)
	}
}

func TestTaskPlanLifecycle(t *testing.T) {
	s := New("default")
	s.SetTaskPlan("ship it", []string{"write", "review"})
	if err := s.UpdateTask("t1", TaskDone); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateTask("t2", "bogus"); err == nil {
		t.Fatal("invalid status accepted")
	}
	if err := s.UpdateTask("t9", TaskDone); err == nil {
		t.Fatal("unknown task accepted")
	}
	out := s.TaskPlan.Render()
	want := "Goal: ship it\n- [x] write (t1)\n- [ ] review (t2)"
	if out != want {
		t.Fatalf("render = %q, want %q", out, want)
	}
}

func TestLoadOutfit(t *testing.T) {
	dir := t.TempDir()
	manifest := "name: focus\ncontent: Stay on one task.\ntools:\n  - echo\ncontexts:\n  - work\n"
	if err := os.WriteFile(filepath.Join(dir, "focus.yaml"), []byte(manifest), 0o600); err != nil {
		t.Fatal(err)
	}

	o, err := LoadOutfit(dir, "focus")
	if err != nil {
		t.Fatal(err)
	}
	if o.Content != "Stay on one task." || len(o.Tools) != 1 || o.Contexts[0] != "work" {
		t.Fatalf("outfit = %+v", o)
	}

	if _, err := LoadOutfit(dir, "../focus"); err == nil {
		t.Fatal("traversal in outfit name accepted")
	}
	if _, err := LoadOutfit(dir, "missing"); err == nil {
		t.Fatal("missing outfit accepted")
	}
}

func TestAllowedTools(t *testing.T) {
	s := New("default")
	if s.AllowedTools() != nil {
		t.Fatal("bare session should be unrestricted")
	}
	s.Outfit = &Outfit{Name: "narrow", Tools: []string{"echo", "slow"}}
	allow := s.AllowedTools()
	if !allow["echo"] || !allow["slow"] || allow["other"] {
		t.Fatalf("allow set = %v", allow)
	}
}
