package heartbeat

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// collectInbox surfaces files in the inbox directory modified since the
// last check. A missing directory is simply an empty inbox.
func collectInbox(dir string, since time.Time) ([]Event, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("heartbeat: inbox: %w", err)
	}

	var events []Event
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().After(since) {
			continue
		}
		ev := Event{
			Source:  SourceInbox,
			Summary: fmt.Sprintf("New inbox item: %s", e.Name()),
		}
		if snippet := readHead(filepath.Join(dir, e.Name()), 500); snippet != "" {
			ev.Detail = snippet
		}
		events = append(events, ev)
	}
	return events, nil
}

func readHead(path string, max int) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return truncate(strings.TrimSpace(string(data)), max)
}

// collectTasks surfaces every open journal task. "#act" pre-routes to the
// ACT tier; "#main" (and the older "#escalate" spelling) pre-routes to the
// main agent; untagged tasks carry no tier and let triage decide.
func collectTasks(lines []string) []Event {
	var events []Event
	for _, line := range lines {
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "- [ ]"))
		if text == "" {
			continue
		}
		var tier string
		switch {
		case strings.Contains(line, "#act"):
			tier = TierAct
		case strings.Contains(line, "#main"), strings.Contains(line, "#escalate"):
			tier = TierEscalate
		}
		events = append(events, Event{
			Source:   SourceTasks,
			Summary:  "Open task: " + text,
			TaskLine: line,
			Tier:     tier,
		})
	}
	return events
}

// GitHubFetch returns the raw notifications JSON. The default
// implementation shells out to the gh CLI, which owns auth and base URLs.
type GitHubFetch func(ctx context.Context) ([]byte, error)

func ghNotifications(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "gh", "api", "notifications").Output()
	if err != nil {
		return nil, fmt.Errorf("heartbeat: gh api: %w", err)
	}
	return out, nil
}

// collectGitHub surfaces unseen notifications and returns their IDs so
// the caller can extend the seen-list.
func collectGitHub(ctx context.Context, fetch GitHubFetch, seen map[string]bool) ([]Event, []string, error) {
	raw, err := fetch(ctx)
	if err != nil {
		return nil, nil, err
	}
	var events []Event
	var ids []string
	gjson.ParseBytes(raw).ForEach(func(_, item gjson.Result) bool {
		id := item.Get("id").String()
		if id == "" || seen[id] {
			return true
		}
		ids = append(ids, id)
		events = append(events, Event{
			Source: SourceGitHub,
			Summary: fmt.Sprintf("GitHub %s in %s: %s",
				strings.ToLower(item.Get("subject.type").String()),
				item.Get("repository.full_name").String(),
				item.Get("subject.title").String()),
			Detail: item.Get("reason").String(),
		})
		return true
	})
	return events, ids, nil
}
