// Package creds is the credential-store collaborator: secrets live in the
// OS keychain, with environment variables as the headless fallback.
// Values flow to the core at call time and are never written into any
// persisted artifact.
package creds

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/zalando/go-keyring"
)

const service = "valet"

// ErrNotFound is returned when no store holds the named secret.
var ErrNotFound = errors.New("creds: not found")

// Store reads and writes named secrets.
type Store interface {
	Get(name string) (string, error)
	Set(name, value string) error
	Remove(name string) error
}

// Keychain is the production store. Lookup order: OS keychain, then the
// VALET_<NAME> environment variable (dashes become underscores), so the
// daemon still runs on headless hosts without a keyring service.
type Keychain struct{}

// envName maps "anthropic-api-key" to "VALET_ANTHROPIC_API_KEY".
func envName(name string) string {
	upper := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return "VALET_" + upper
}

func (Keychain) Get(name string) (string, error) {
	v, err := keyring.Get(service, name)
	if err == nil && v != "" {
		return v, nil
	}
	if env := os.Getenv(envName(name)); env != "" {
		return env, nil
	}
	return "", fmt.Errorf("%w: %s (set keychain entry or %s)", ErrNotFound, name, envName(name))
}

func (Keychain) Set(name, value string) error {
	if err := keyring.Set(service, name, value); err != nil {
		return fmt.Errorf("creds: set %s: %w", name, err)
	}
	return nil
}

func (Keychain) Remove(name string) error {
	err := keyring.Delete(service, name)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("creds: remove %s: %w", name, err)
	}
	return nil
}

// Mem is an in-process store for tests and ephemeral setups.
type Mem struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMem returns an empty in-memory store.
func NewMem() *Mem { return &Mem{m: map[string]string{}} }

func (s *Mem) Get(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.m[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (s *Mem) Set(name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[name] = value
	return nil
}

func (s *Mem) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, name)
	return nil
}
