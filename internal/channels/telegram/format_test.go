package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestRenderHTML(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{
			"bold and italic",
			"this is **important** and *subtle*",
			[]string{"<b>important</b>", "<i>subtle</i>"},
		},
		{
			"inline code escapes",
			"run `rm -rf <dir>` carefully",
			[]string{"<code>rm -rf &lt;dir&gt;</code>"},
		},
		{
			"fenced block",
			"```\nfunc main() {}\n```",
			[]string{"<pre>func main() {}\n</pre>"},
		},
		{
			"heading becomes bold",
			"# Plan\ndetails follow",
			[]string{"<b>Plan</b>"},
		},
		{
			"link",
			"[the docs](https://example.com/a?b=1&c=2)",
			[]string{`<a href="https://example.com/a?b=1&amp;c=2">the docs</a>`},
		},
		{
			"list bullets",
			"- first\n- second",
			[]string{"• first", "• second"},
		},
		{
			"raw angle brackets escape",
			"compare a<b and c>d",
			[]string{"a&lt;b", "c&gt;d"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RenderHTML(tt.in)
			for _, want := range tt.want {
				if !strings.Contains(got, want) {
					t.Errorf("RenderHTML(%q) = %q, missing %q", tt.in, got, want)
				}
			}
		})
	}
}

func TestChunkPrefersParagraphs(t *testing.T) {
	para := strings.Repeat("word ", 100) // ~500 bytes
	text := para + "\n\n" + para + "\n\n" + para

	chunks := Chunk(text, 1200)
	if len(chunks) != 2 {
		t.Fatalf("chunk count = %d, want 2: lens %v", len(chunks), lens(chunks))
	}
	for i, c := range chunks {
		if len(c) > 1200 {
			t.Fatalf("chunk %d exceeds limit: %d", i, len(c))
		}
	}
	if strings.Join(strings.Fields(strings.Join(chunks, " ")), " ") != strings.Join(strings.Fields(text), " ") {
		t.Fatal("chunking lost content")
	}
}

func TestChunkHardSplitsUnbrokenText(t *testing.T) {
	text := strings.Repeat("a", 10_000)
	chunks := Chunk(text, MessageLimit)
	total := 0
	for _, c := range chunks {
		if len(c) > MessageLimit {
			t.Fatalf("chunk exceeds limit: %d", len(c))
		}
		total += len(c)
	}
	if total != 10_000 {
		t.Fatalf("content lost: %d of 10000", total)
	}
}

func TestChunkHardSplitKeepsRunesWhole(t *testing.T) {
	// The odd leading byte puts every two-byte rune astride the limit.
	text := "a" + strings.Repeat("é", 3_000)
	chunks := Chunk(text, MessageLimit)
	if len(chunks) < 2 {
		t.Fatalf("chunk count = %d, want >= 2", len(chunks))
	}
	var rejoined strings.Builder
	for i, c := range chunks {
		if len(c) > MessageLimit {
			t.Fatalf("chunk %d exceeds limit: %d", i, len(c))
		}
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %d split a rune", i)
		}
		rejoined.WriteString(c)
	}
	if rejoined.String() != text {
		t.Fatal("chunking lost content")
	}
}

func TestChunkShortTextUntouched(t *testing.T) {
	chunks := Chunk("short", MessageLimit)
	if len(chunks) != 1 || chunks[0] != "short" {
		t.Fatalf("chunks = %v", chunks)
	}
}

func lens(ss []string) []int {
	out := make([]int, len(ss))
	for i, s := range ss {
		out[i] = len(s)
	}
	return out
}
