package graph

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestUpsertAndProfile(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "graph.json"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Upsert("Alice", "person"); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Upsert("valet", "project"); err != nil {
		t.Fatal(err)
	}
	if got := s.NodeCount(); got != 2 {
		t.Errorf("NodeCount = %d, want 2", got)
	}

	profile := s.ProfileSummary(10)
	if !strings.Contains(profile, "Alice (person, seen 3x)") {
		t.Errorf("profile = %q", profile)
	}
	// Most-seen node leads.
	if !strings.HasPrefix(profile, "- Alice") {
		t.Errorf("profile order wrong: %q", profile)
	}
}

func TestLinkDeduplicates(t *testing.T) {
	s, err := OpenStore(filepath.Join(t.TempDir(), "graph.json"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Link("Alice", "valet", "works_on"); err != nil {
		t.Fatal(err)
	}
	if err := s.Link("alice", "Valet", "works_on"); err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	edges := len(s.st.Edges)
	count := s.st.Edges[0].Count
	s.mu.Unlock()
	if edges != 1 || count != 2 {
		t.Errorf("edges=%d count=%d, want one edge seen twice", edges, count)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.json")
	s, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert("Boston", "place"); err != nil {
		t.Fatal(err)
	}

	reopened, err := OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.NodeCount() != 1 {
		t.Errorf("reopened NodeCount = %d, want 1", reopened.NodeCount())
	}
}

func TestStripFences(t *testing.T) {
	in := "```json\n{\"entities\":[]}\n```"
	if got := stripFences(in); got != `{"entities":[]}` {
		t.Errorf("stripFences = %q", got)
	}
	if got := stripFences(`{"a":1}`); got != `{"a":1}` {
		t.Errorf("unfenced input changed: %q", got)
	}
}
