package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/kestrelworks/valet/internal/providers"
)

// Store persists sessions as sessions/<id>.json with an append-only
// <id>.history.jsonl archive beside each. IDs are validated before any
// path is built, which doubles as the traversal guard for panel lookups.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir, creating it when needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("session: mkdir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (st *Store) Dir() string { return st.dir }

func (st *Store) path(id string) (string, error) {
	if !validName(id) {
		return "", fmt.Errorf("session: invalid id %q", id)
	}
	return filepath.Join(st.dir, id+".json"), nil
}

// Save writes the session atomically. Ephemeral sessions are skipped.
func (st *Store) Save(s *Session) error {
	if s.Ephemeral {
		return nil
	}
	path, err := st.path(s.ID)
	if err != nil {
		return err
	}
	s.Metadata.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal %s: %w", s.ID, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("session: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("session: rename: %w", err)
	}
	return nil
}

// Load reads one session by ID.
func (st *Store) Load(id string) (*Session, error) {
	path, err := st.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", id, err)
	}
	s := &Session{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("session: parse %s: %w", id, err)
	}
	return s, nil
}

// Exists reports whether a session file is present.
func (st *Store) Exists(id string) bool {
	path, err := st.path(id)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Summary is one row of the panel's session listing.
type Summary struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	MessageCount int       `json:"message_count"`
	TotalUSD     float64   `json:"total_usd"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// List returns summaries for all stored sessions, most recent first.
func (st *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil, fmt.Errorf("session: list: %w", err)
	}
	var out []Summary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		s, err := st.Load(name[:len(name)-len(".json")])
		if err != nil {
			continue // a corrupt file must not break the listing
		}
		out = append(out, Summary{
			ID:           s.ID,
			Role:         s.Role,
			MessageCount: len(s.Messages),
			TotalUSD:     s.Metadata.Cost.TotalUSD,
			UpdatedAt:    s.Metadata.UpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// AppendArchive appends compacted messages to <id>.history.jsonl.
func (st *Store) AppendArchive(id string, msgs []providers.Message) error {
	if !validName(id) {
		return fmt.Errorf("session: invalid id %q", id)
	}
	path := filepath.Join(st.dir, id+".history.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("session: open archive: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("session: archive %s: %w", id, err)
		}
	}
	return nil
}

// ArchiveName returns the archive file name for an ID, for prompt text.
func ArchiveName(id string) string { return id + ".history.jsonl" }
