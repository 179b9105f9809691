// Package memory implements the recall collaborator: given the current
// user turn, surface a short snippet of previously stored notes. Failures
// are always swallowed by callers; recall is best-effort color, never a
// dependency.
package memory

import (
	"context"
	"strings"

	"github.com/kestrelworks/valet/internal/vault"
)

// Recaller answers "what do we remember about this?" for a user turn.
// An empty string means nothing relevant.
type Recaller interface {
	Recall(ctx context.Context, userTurn string) (string, error)
}

// RecallerFunc adapts a function to the Recaller interface.
type RecallerFunc func(ctx context.Context, userTurn string) (string, error)

func (f RecallerFunc) Recall(ctx context.Context, userTurn string) (string, error) {
	return f(ctx, userTurn)
}

// VaultRecaller recalls by keyword search over the note vault.
type VaultRecaller struct {
	Dir        string
	MaxResults int
}

// stopwords that carry no recall signal.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "to": true,
	"of": true, "in": true, "on": true, "for": true, "with": true, "at": true,
	"it": true, "this": true, "that": true, "my": true, "me": true, "i": true,
	"you": true, "do": true, "can": true, "what": true, "how": true, "about": true,
	"please": true,
}

// Recall extracts content words from the turn and returns matching note
// lines, deduplicated, as a newline-joined snippet.
func (r *VaultRecaller) Recall(ctx context.Context, userTurn string) (string, error) {
	if r.Dir == "" {
		return "", nil
	}
	max := r.MaxResults
	if max <= 0 {
		max = 5
	}

	seen := map[string]bool{}
	var lines []string
	for _, word := range keywords(userTurn) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		hits, err := vault.Search(r.Dir, word, vault.SearchOptions{MaxResults: max})
		if err != nil {
			return "", err
		}
		for _, hit := range hits {
			if seen[hit.Text] {
				continue
			}
			seen[hit.Text] = true
			lines = append(lines, hit.Text)
			if len(lines) >= max {
				return strings.Join(lines, "\n"), nil
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}

func keywords(turn string) []string {
	fields := strings.Fields(strings.ToLower(turn))
	var out []string
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]")
		if len(f) < 3 || stopwords[f] {
			continue
		}
		out = append(out, f)
		if len(out) >= 6 {
			break
		}
	}
	return out
}
