package telegram

import (
	"path/filepath"
	"testing"
)

func TestSessionMapPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telegram-sessions.json")
	sm, err := openSessionMap(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := sm.get("123"); ok {
		t.Fatal("empty map reported a binding")
	}
	if err := sm.set("123", "abc123"); err != nil {
		t.Fatal(err)
	}

	reopened, err := openSessionMap(path)
	if err != nil {
		t.Fatal(err)
	}
	if id, ok := reopened.get("123"); !ok || id != "abc123" {
		t.Fatalf("binding lost: %q %v", id, ok)
	}

	if err := reopened.clear("123"); err != nil {
		t.Fatal(err)
	}
	if _, ok := reopened.get("123"); ok {
		t.Fatal("clear did not remove the binding")
	}
}
