package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Store owns the layered configuration: embedded defaults, the user
// overrides file, and the merged typed view. Writes go to the overrides
// file only; defaults are never persisted.
type Store struct {
	mu        sync.RWMutex
	path      string
	defaults  map[string]any
	overrides map[string]any
	cfg       *Config
	subs      []func(*Config)
	logger    *slog.Logger
}

// Open reads the overrides file at path (created empty when missing),
// merges it over the embedded defaults, and validates the result.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := map[string]any{}
	if err := yaml.Unmarshal(defaultsYAML, &defaults); err != nil {
		return nil, fmt.Errorf("config: embedded defaults: %w", err)
	}

	s := &Store{
		path:      path,
		defaults:  defaults,
		overrides: map[string]any{},
		logger:    logger.With("component", "config"),
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json5.Unmarshal(data, &s.overrides); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// First run; defaults alone.
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := s.rebuild(); err != nil {
		return nil, err
	}
	return s, nil
}

// rebuild recomputes the merged typed view. Caller must not hold s.mu.
func (s *Store) rebuild() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuildLocked()
}

func (s *Store) rebuildLocked() error {
	merged := MergeMaps(cloneMap(s.defaults), s.overrides)
	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("config: marshal merged: %w", err)
	}
	cfg := &Config{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("config: decode merged: %w", err)
	}
	cfg.DataDir = ExpandPath(cfg.DataDir)
	if cfg.Heartbeat.InboxDir != "" {
		cfg.Heartbeat.InboxDir = ExpandPath(cfg.Heartbeat.InboxDir)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

// Config returns the current merged view. The returned value must be
// treated as read-only.
func (s *Store) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Raw returns a deep copy of the merged configuration as generic maps,
// suitable for serving over the panel.
func (s *Store) Raw() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return MergeMaps(cloneMap(s.defaults), s.overrides)
}

// Overrides returns a deep copy of the user override layer.
func (s *Store) Overrides() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMap(s.overrides)
}

// Set updates one override by dotted path ("heartbeat.interval_minutes"),
// persists the overrides file, and notifies subscribers.
func (s *Store) Set(dotted string, value any) error {
	parts := strings.Split(dotted, ".")
	if len(parts) == 0 || dotted == "" {
		return fmt.Errorf("config: empty key")
	}

	s.mu.Lock()
	prev := cloneMap(s.overrides)
	node := s.overrides
	for _, p := range parts[:len(parts)-1] {
		child, ok := node[p].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[p] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value

	if err := s.rebuildLocked(); err != nil {
		s.overrides = prev
		_ = s.rebuildLocked()
		s.mu.Unlock()
		return err
	}
	err := s.saveLocked()
	cfg := s.cfg
	subs := append([]func(*Config){}, s.subs...)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for _, fn := range subs {
		fn(cfg)
	}
	return nil
}

// Replace swaps the whole override layer, persists, and notifies.
func (s *Store) Replace(overrides map[string]any) error {
	s.mu.Lock()
	prev := s.overrides
	s.overrides = cloneMap(overrides)
	if err := s.rebuildLocked(); err != nil {
		s.overrides = prev
		_ = s.rebuildLocked()
		s.mu.Unlock()
		return err
	}
	err := s.saveLocked()
	cfg := s.cfg
	subs := append([]func(*Config){}, s.subs...)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for _, fn := range subs {
		fn(cfg)
	}
	return nil
}

// saveLocked writes the overrides file via temp-file + rename.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.overrides, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal overrides: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("config: rename: %w", err)
	}
	return nil
}

// Subscribe registers a callback invoked after every successful mutation
// or external file change.
func (s *Store) Subscribe(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// Watch follows external edits to the overrides file until ctx is done.
// Reload failures are logged and the previous view is kept.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", s.path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != s.path || !ev.Op.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if err := s.reloadFromDisk(); err != nil {
					s.logger.Warn("reload failed, keeping previous config", "error", err)
					continue
				}
				s.logger.Info("configuration reloaded", "path", s.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("watch error", "error", err)
			}
		}
	}()
	return nil
}

func (s *Store) reloadFromDisk() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	overrides := map[string]any{}
	if err := json5.Unmarshal(data, &overrides); err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.overrides
	s.overrides = overrides
	if err := s.rebuildLocked(); err != nil {
		s.overrides = prev
		_ = s.rebuildLocked()
		s.mu.Unlock()
		return err
	}
	cfg := s.cfg
	subs := append([]func(*Config){}, s.subs...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(cfg)
	}
	return nil
}

// MergeMaps deep-merges src over dst and returns dst. Nested maps merge
// recursively; any other value in src replaces the dst value.
func MergeMaps(dst, src map[string]any) map[string]any {
	for k, v := range src {
		if sv, ok := v.(map[string]any); ok {
			if dv, ok := dst[k].(map[string]any); ok {
				dst[k] = MergeMaps(dv, sv)
				continue
			}
			dst[k] = cloneMap(sv)
			continue
		}
		dst[k] = v
	}
	return dst
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if mv, ok := v.(map[string]any); ok {
			out[k] = cloneMap(mv)
			continue
		}
		out[k] = v
	}
	return out
}
