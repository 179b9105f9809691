package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestOpenDefaultsOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cfg := s.Config()
	if cfg.Session.MaxToolRounds != 50 {
		t.Errorf("MaxToolRounds = %d, want 50", cfg.Session.MaxToolRounds)
	}
	if cfg.Heartbeat.IntervalMinutes != 15 {
		t.Errorf("IntervalMinutes = %d, want 15", cfg.Heartbeat.IntervalMinutes)
	}
	if _, ok := cfg.Models["default"]; !ok {
		t.Error("default model binding missing")
	}
}

func TestOverridesMergeOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json5")
	// json5: comments and trailing commas are accepted.
	overrides := `{
  // local tuning
  session: { max_tool_rounds: 7 },
  budget: { daily_limit_usd: 5.0, },
}`
	if err := os.WriteFile(path, []byte(overrides), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cfg := s.Config()
	if cfg.Session.MaxToolRounds != 7 {
		t.Errorf("MaxToolRounds = %d, want override 7", cfg.Session.MaxToolRounds)
	}
	if cfg.Budget.DailyLimitUSD != 5.0 {
		t.Errorf("DailyLimitUSD = %v, want override 5.0", cfg.Budget.DailyLimitUSD)
	}
	// Untouched sibling keys keep their defaults.
	if cfg.Session.KeepRecentMessages != 10 {
		t.Errorf("KeepRecentMessages = %d, want default 10", cfg.Session.KeepRecentMessages)
	}
}

func TestSetPersistsAndNotifies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var got *Config
	s.Subscribe(func(c *Config) { got = c })

	if err := s.Set("heartbeat.interval_minutes", 30); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got == nil || got.Heartbeat.IntervalMinutes != 30 {
		t.Fatalf("subscriber saw %+v, want interval 30", got)
	}

	// A fresh Store over the same file sees the persisted override.
	s2, err := Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s2.Config().Heartbeat.IntervalMinutes != 30 {
		t.Errorf("persisted interval = %d, want 30", s2.Config().Heartbeat.IntervalMinutes)
	}
}

func TestMergeMapsIdempotent(t *testing.T) {
	defaults := map[string]any{
		"a": 1,
		"b": map[string]any{"c": 2, "d": 3},
	}
	overrides := map[string]any{
		"b": map[string]any{"c": 9},
	}

	once := MergeMaps(cloneMap(defaults), overrides)
	twice := MergeMaps(cloneMap(once), overrides)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("merge not idempotent: %v vs %v", once, twice)
	}

	empty := MergeMaps(cloneMap(defaults), map[string]any{})
	if !reflect.DeepEqual(empty, defaults) {
		t.Errorf("merge with empty overrides changed defaults: %v", empty)
	}
}

func TestInvalidOverrideRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Set("models.default.kind", "mystery"); err == nil {
		t.Fatal("Set with unknown provider kind should fail validation")
	}
}
