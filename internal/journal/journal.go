// Package journal maintains the daily markdown journal: one file per
// local date with Notes, Tasks, and Decisions sections. The heartbeat
// pipeline reads open task lines from it and ticks them off when handled.
package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Section names accepted by AppendEntry.
const (
	SectionNotes     = "Notes"
	SectionTasks     = "Tasks"
	SectionDecisions = "Decisions"
)

// Journal owns the daily files under one directory. All writes are
// serialized through a mutex; files are rewritten atomically.
type Journal struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// New returns a journal rooted at dir.
func New(dir string) *Journal {
	return &Journal{dir: dir, now: time.Now}
}

func (j *Journal) todayPath() string {
	return filepath.Join(j.dir, j.now().Format("2006-01-02")+".md")
}

// TodayPath returns the path of today's journal file.
func (j *Journal) TodayPath() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.todayPath()
}

func (j *Journal) skeleton() string {
	date := j.now().Format("Monday, January 2, 2006")
	return fmt.Sprintf("# %s\n\n## Notes\n\n## Tasks\n\n## Decisions\n", date)
}

// EnsureToday creates today's file with the section skeleton when absent.
func (j *Journal) EnsureToday() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ensureTodayLocked()
}

func (j *Journal) ensureTodayLocked() error {
	path := j.todayPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("journal: mkdir: %w", err)
	}
	return writeAtomic(path, []byte(j.skeleton()))
}

// ReadToday returns today's journal content, or "" when no file exists.
func (j *Journal) ReadToday() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	data, err := os.ReadFile(j.todayPath())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("journal: read: %w", err)
	}
	return string(data), nil
}

// AppendEntry adds a timestamped bullet under the named section of
// today's file, creating the file first when needed.
func (j *Journal) AppendEntry(text, section string) error {
	switch section {
	case SectionNotes, SectionTasks, SectionDecisions:
	default:
		return fmt.Errorf("journal: unknown section %q", section)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.ensureTodayLocked(); err != nil {
		return err
	}

	path := j.todayPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("journal: read: %w", err)
	}

	stamp := j.now().Format("15:04")
	entry := fmt.Sprintf("- %s %s", stamp, text)
	if section == SectionTasks && !strings.HasPrefix(text, "[ ]") && !strings.HasPrefix(text, "[x]") {
		entry = fmt.Sprintf("- [ ] %s", text)
	}

	updated, ok := insertUnderSection(string(data), section, entry)
	if !ok {
		// Section heading missing from an externally edited file.
		updated = strings.TrimRight(string(data), "\n") + fmt.Sprintf("\n\n## %s\n%s\n", section, entry)
	}
	return writeAtomic(path, []byte(updated))
}

// insertUnderSection appends entry as the last line of the named section.
func insertUnderSection(content, section, entry string) (string, bool) {
	lines := strings.Split(content, "\n")
	heading := "## " + section
	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == heading {
			start = i
			break
		}
	}
	if start < 0 {
		return "", false
	}

	// Find the end of the section: next heading or EOF. Insert before any
	// trailing blank lines so sections keep their spacing.
	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(lines[i], "## ") || strings.HasPrefix(lines[i], "# ") {
			end = i
			break
		}
	}
	insert := end
	for insert > start+1 && strings.TrimSpace(lines[insert-1]) == "" {
		insert--
	}

	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:insert]...)
	out = append(out, entry)
	out = append(out, lines[insert:]...)
	return strings.Join(out, "\n"), true
}

// CheckOffTask rewrites one "- [ ] text" line of today's file to
// "- [x] text". Applying it twice is a no-op: an already checked or
// missing line leaves the file untouched.
func (j *Journal) CheckOffTask(originalLine string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	path := j.todayPath()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("journal: read: %w", err)
	}

	target := strings.TrimSpace(originalLine)
	lines := strings.Split(string(data), "\n")
	changed := false
	for i, line := range lines {
		if strings.TrimSpace(line) != target {
			continue
		}
		if idx := strings.Index(line, "- [ ]"); idx >= 0 {
			lines[i] = line[:idx] + "- [x]" + line[idx+len("- [ ]"):]
			changed = true
		}
		break
	}
	if !changed {
		return nil
	}
	return writeAtomic(path, []byte(strings.Join(lines, "\n")))
}

// OpenTasks returns the unchecked task lines of today's file, verbatim.
func (j *Journal) OpenTasks() ([]string, error) {
	content, err := j.ReadToday()
	if err != nil || content == "" {
		return nil, err
	}
	var tasks []string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "- [ ]") {
			tasks = append(tasks, line)
		}
	}
	return tasks, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("journal: write temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("journal: rename: %w", err)
	}
	return nil
}
