package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Job is one scheduled prompt.
type Job struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Schedule   string `json:"schedule"`
	Prompt     string `json:"prompt"`
	Enabled    bool   `json:"enabled"`
	LastRunISO string `json:"last_run_iso,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	RunCount   int    `json:"run_count"`
}

// Store persists jobs as crons.json. All mutations write through
// atomically.
type Store struct {
	mu   sync.Mutex
	path string
	jobs []Job
}

// OpenStore loads the job file, tolerating absence.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &s.jobs); err != nil {
			return nil, fmt.Errorf("cron: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("cron: read %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("cron: marshal: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("cron: write: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("cron: rename: %w", err)
	}
	return nil
}

// Add validates and stores a new job, returning its generated ID.
func (s *Store) Add(name, schedule, prompt string) (string, error) {
	if err := Validate(schedule); err != nil {
		return "", err
	}
	if name == "" || prompt == "" {
		return "", fmt.Errorf("cron: name and prompt are required")
	}
	job := Job{
		ID:       uuid.NewString()[:8],
		Name:     name,
		Schedule: schedule,
		Prompt:   prompt,
		Enabled:  true,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	if err := s.saveLocked(); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Remove deletes a job by ID.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, j := range s.jobs {
		if j.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			return s.saveLocked()
		}
	}
	return fmt.Errorf("cron: no job %q", id)
}

// SetEnabled toggles a job.
func (s *Store) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			s.jobs[i].Enabled = enabled
			return s.saveLocked()
		}
	}
	return fmt.Errorf("cron: no job %q", id)
}

// List returns a copy of all jobs.
func (s *Store) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.jobs))
	copy(out, s.jobs)
	return out
}

// SetLastError records the most recent failure; an empty msg clears it.
func (s *Store) SetLastError(id, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			s.jobs[i].LastError = msg
			return s.saveLocked()
		}
	}
	return fmt.Errorf("cron: no job %q", id)
}

// MarkRun records a fire unconditionally; a job that errors still counts
// as run, so a broken prompt cannot fire every minute forever.
func (s *Store) MarkRun(id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			s.jobs[i].LastRunISO = t.Format(time.RFC3339)
			s.jobs[i].RunCount++
			return s.saveLocked()
		}
	}
	return fmt.Errorf("cron: no job %q", id)
}
