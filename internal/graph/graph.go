// Package graph maintains the lightweight knowledge graph fed by session
// summaries. Extraction is asynchronous and best-effort; the store is the
// durable part.
package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Node is one entity in the graph.
type Node struct {
	Name     string    `json:"name"`
	Kind     string    `json:"kind"` // person, project, place, topic, ...
	Count    int       `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// Edge is one relation between two nodes.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Rel   string `json:"rel"`
	Count int    `json:"count"`
}

type state struct {
	Nodes map[string]*Node `json:"nodes"`
	Edges []*Edge          `json:"edges"`
}

// Store is the persistent graph. All writes chain through one mutex so
// interleaved extractions never race; every mutation saves atomically.
type Store struct {
	mu   sync.Mutex
	path string
	st   state
}

// OpenStore loads graph.json at path, starting empty when absent.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, st: state{Nodes: map[string]*Node{}}}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.st); err != nil {
			return nil, fmt.Errorf("graph: parse %s: %w", path, err)
		}
		if s.st.Nodes == nil {
			s.st.Nodes = map[string]*Node{}
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("graph: read %s: %w", path, err)
	}
	return s, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Upsert records one sighting of an entity and persists.
func (s *Store) Upsert(name, kind string) error {
	key := normalize(name)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.st.Nodes[key]
	if n == nil {
		n = &Node{Name: strings.TrimSpace(name), Kind: kind}
		s.st.Nodes[key] = n
	}
	n.Count++
	n.LastSeen = time.Now()
	if kind != "" {
		n.Kind = kind
	}
	return s.saveLocked()
}

// Link records one relation sighting and persists. Unknown endpoints are
// created as untyped nodes.
func (s *Store) Link(from, to, rel string) error {
	fk, tk := normalize(from), normalize(to)
	if fk == "" || tk == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range []string{fk, tk} {
		if s.st.Nodes[key] == nil {
			s.st.Nodes[key] = &Node{Name: key, Count: 1, LastSeen: time.Now()}
		}
	}
	for _, e := range s.st.Edges {
		if e.From == fk && e.To == tk && e.Rel == rel {
			e.Count++
			return s.saveLocked()
		}
	}
	s.st.Edges = append(s.st.Edges, &Edge{From: fk, To: tk, Rel: rel, Count: 1})
	return s.saveLocked()
}

// NodeCount returns how many entities the graph holds.
func (s *Store) NodeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.Nodes)
}

// ProfileSummary projects the most-seen nodes into a compact text block
// for prompt embedding.
func (s *Store) ProfileSummary(maxNodes int) string {
	if maxNodes <= 0 {
		maxNodes = 10
	}
	s.mu.Lock()
	nodes := make([]*Node, 0, len(s.st.Nodes))
	for _, n := range s.st.Nodes {
		nodes = append(nodes, n)
	}
	s.mu.Unlock()

	sort.Slice(nodes, func(i, j int) bool {
		if nodes[i].Count != nodes[j].Count {
			return nodes[i].Count > nodes[j].Count
		}
		return nodes[i].Name < nodes[j].Name
	})
	if len(nodes) > maxNodes {
		nodes = nodes[:maxNodes]
	}

	var b strings.Builder
	for _, n := range nodes {
		if n.Kind != "" {
			fmt.Fprintf(&b, "- %s (%s, seen %dx)\n", n.Name, n.Kind, n.Count)
		} else {
			fmt.Fprintf(&b, "- %s (seen %dx)\n", n.Name, n.Count)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(&s.st, "", "  ")
	if err != nil {
		return fmt.Errorf("graph: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("graph: mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("graph: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("graph: rename: %w", err)
	}
	return nil
}
