package graph

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/kestrelworks/valet/internal/providers"
)

const extractPrompt = `Extract entities and relations from the conversation summary below.
Reply with JSON only, shaped as:
{"entities":[{"name":"...","kind":"person|project|place|topic"}],"relations":[{"from":"...","to":"...","rel":"..."}]}

Summary:
`

// Extractor turns session summaries into graph updates using the quick
// role. Extraction runs detached: it never blocks the caller and never
// bubbles an error.
type Extractor struct {
	Registry *providers.Registry
	Store    *Store
	Logger   *slog.Logger
	Timeout  time.Duration
}

// Extract schedules one asynchronous extraction.
func (e *Extractor) Extract(sessionID, summary string, metadata map[string]string) {
	if e == nil || e.Store == nil || strings.TrimSpace(summary) == "" {
		return
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "graph", "session", sessionID)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("extraction panic", "panic", r)
			}
		}()

		timeout := e.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := e.run(ctx, summary); err != nil {
			logger.Debug("extraction skipped", "error", err)
		}
	}()
}

func (e *Extractor) run(ctx context.Context, summary string) error {
	if e.Registry == nil {
		return nil
	}
	p, err := e.Registry.ForRole("quick")
	if err != nil {
		return err
	}
	res, err := p.Chat(ctx, &providers.Request{
		Messages:  []providers.Message{{Role: providers.RoleUser, Content: extractPrompt + summary}},
		MaxTokens: 1024,
	})
	if err != nil {
		return err
	}

	var parsed struct {
		Entities []struct {
			Name string `json:"name"`
			Kind string `json:"kind"`
		} `json:"entities"`
		Relations []struct {
			From string `json:"from"`
			To   string `json:"to"`
			Rel  string `json:"rel"`
		} `json:"relations"`
	}
	if err := json.Unmarshal([]byte(stripFences(res.Content)), &parsed); err != nil {
		return err
	}

	for _, ent := range parsed.Entities {
		if err := e.Store.Upsert(ent.Name, ent.Kind); err != nil {
			return err
		}
	}
	for _, rel := range parsed.Relations {
		if err := e.Store.Link(rel.From, rel.To, rel.Rel); err != nil {
			return err
		}
	}
	return nil
}

// stripFences peels a ```json ... ``` wrapper off a model reply.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
