package vault

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFindRecent(t *testing.T) {
	dir := t.TempDir()
	fresh := filepath.Join(dir, "fresh.md")
	stale := filepath.Join(dir, "stale.md")
	binary := filepath.Join(dir, "image.png")
	for _, p := range []string{fresh, stale, binary} {
		if err := os.WriteFile(p, []byte("note"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, old, old); err != nil {
		t.Fatal(err)
	}

	files, err := FindRecent(dir, 30)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Name != "fresh.md" {
		t.Errorf("FindRecent = %+v, want only fresh.md", files)
	}
}

func TestFindRecentMissingDir(t *testing.T) {
	files, err := FindRecent(filepath.Join(t.TempDir(), "nope"), 30)
	if err != nil || files != nil {
		t.Errorf("missing dir: files=%v err=%v, want nil/nil", files, err)
	}
}

func TestSearch(t *testing.T) {
	dir := t.TempDir()
	body := "# Plans\nCall the Plumber tomorrow\nbuy groceries\ncall the plumber again\n"
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	hits, err := Search(dir, "PLUMBER", SearchOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("hits = %d, want 2 (case-insensitive)", len(hits))
	}
	if hits[0].Line != 2 {
		t.Errorf("first hit line = %d, want 2", hits[0].Line)
	}

	limited, err := Search(dir, "plumber", SearchOptions{MaxResults: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limited hits = %d, want 1", len(limited))
	}
}
