package tools

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const goodManifest = `name: echo_upper
description: Uppercases stdin
command: ["tr", "a-z", "A-Z"]
schema:
  type: object
  properties:
    text:
      type: string
  required: [text]
`

const badSchemaManifest = `name: broken
description: schema has no type
command: ["true"]
schema:
  properties:
    x:
      type: string
`

func TestLoadCustomDir(t *testing.T) {
	dir := t.TempDir()
	qdir := filepath.Join(dir, "quarantine")
	toolsDir := filepath.Join(dir, "custom-tools")
	if err := os.MkdirAll(toolsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(toolsDir, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("echo.yaml", goodManifest)
	write("broken.yaml", badSchemaManifest)
	write("notyaml.txt", "ignored")

	reg := NewRegistry()
	loaded := LoadCustomDir(toolsDir, qdir, reg, nil)
	if loaded != 1 {
		t.Fatalf("loaded = %d, want 1", loaded)
	}
	if _, ok := reg.Get("echo_upper"); !ok {
		t.Error("good tool missing from registry")
	}
	if _, ok := reg.Get("broken"); ok {
		t.Error("broken tool must not be registered")
	}

	// The broken manifest moved aside with a reason sidecar.
	if _, err := os.Stat(filepath.Join(qdir, "broken.yaml")); err != nil {
		t.Errorf("quarantined file: %v", err)
	}
	reason, err := os.ReadFile(filepath.Join(qdir, "broken.yaml.reason"))
	if err != nil {
		t.Fatalf("reason sidecar: %v", err)
	}
	if !strings.Contains(string(reason), "type is required") {
		t.Errorf("reason = %q, want schema failure detail", reason)
	}

	// The original is gone from the live dir.
	if _, err := os.Stat(filepath.Join(toolsDir, "broken.yaml")); !os.IsNotExist(err) {
		t.Error("broken manifest still present in custom-tools")
	}
}

func TestLoadCustomDirQuarantinesShadowing(t *testing.T) {
	dir := t.TempDir()
	toolsDir := filepath.Join(dir, "custom-tools")
	qdir := filepath.Join(dir, "quarantine")
	if err := os.MkdirAll(toolsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	shadow := strings.Replace(goodManifest, "echo_upper", "journal_append", 1)
	if err := os.WriteFile(filepath.Join(toolsDir, "shadow.yaml"), []byte(shadow), 0o600); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry()
	if err := reg.RegisterBuiltin(staticTool("journal_append")); err != nil {
		t.Fatal(err)
	}
	if loaded := LoadCustomDir(toolsDir, qdir, reg, nil); loaded != 0 {
		t.Fatalf("loaded = %d, want 0", loaded)
	}
	if _, err := os.Stat(filepath.Join(qdir, "shadow.yaml.reason")); err != nil {
		t.Errorf("shadowing manifest not quarantined: %v", err)
	}
}

func TestLoadCustomDirFixedSchemaRecovers(t *testing.T) {
	// Quarantining a bad manifest and then loading a fixed copy leaves
	// the registry exactly as if only the fixed copy had existed.
	dir := t.TempDir()
	toolsDir := filepath.Join(dir, "custom-tools")
	qdir := filepath.Join(dir, "quarantine")
	if err := os.MkdirAll(toolsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(toolsDir, "t.yaml"), []byte(badSchemaManifest), 0o600); err != nil {
		t.Fatal(err)
	}

	reg := NewRegistry()
	LoadCustomDir(toolsDir, qdir, reg, nil)

	fixed := strings.Replace(goodManifest, "echo_upper", "broken", 1)
	if err := os.WriteFile(filepath.Join(toolsDir, "t.yaml"), []byte(fixed), 0o600); err != nil {
		t.Fatal(err)
	}
	if loaded := LoadCustomDir(toolsDir, qdir, reg, nil); loaded != 1 {
		t.Fatalf("fixed manifest loaded = %d, want 1", loaded)
	}
	if _, ok := reg.Get("broken"); !ok {
		t.Error("fixed tool missing after recovery")
	}
}
