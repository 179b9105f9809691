package telegram

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// sessionMap persists the conversation-to-session binding as
// telegram-sessions.json, so a daemon restart resumes the same
// conversations.
type sessionMap struct {
	mu   sync.Mutex
	path string
	m    map[string]string
}

func openSessionMap(path string) (*sessionMap, error) {
	sm := &sessionMap{path: path, m: map[string]string{}}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &sm.m); err != nil {
			return nil, fmt.Errorf("telegram: parse session map: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("telegram: read session map: %w", err)
	}
	return sm, nil
}

func (sm *sessionMap) get(conversation string) (string, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	id, ok := sm.m[conversation]
	return id, ok
}

func (sm *sessionMap) set(conversation, sessionID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.m[conversation] = sessionID
	return sm.saveLocked()
}

func (sm *sessionMap) clear(conversation string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.m, conversation)
	return sm.saveLocked()
}

func (sm *sessionMap) saveLocked() error {
	data, err := json.MarshalIndent(sm.m, "", "  ")
	if err != nil {
		return fmt.Errorf("telegram: marshal session map: %w", err)
	}
	tmp := sm.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("telegram: write session map: %w", err)
	}
	if err := os.Rename(tmp, sm.path); err != nil {
		return fmt.Errorf("telegram: rename session map: %w", err)
	}
	return nil
}
