package telegram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MessageLimit is Telegram's hard cap on message length.
const MessageLimit = 4096

// RenderHTML converts markdown model output into Telegram's HTML subset
// (b, i, s, code, pre, a). Anything richer than the subset degrades to
// plain text content rather than leaking raw tags.
func RenderHTML(src string) string {
	md := goldmark.New()
	source := []byte(src)
	doc := md.Parser().Parse(text.NewReader(source))

	var b strings.Builder
	renderNode(&b, doc, source)
	return strings.TrimSpace(b.String())
}

func renderNode(b *strings.Builder, n ast.Node, source []byte) {
	switch node := n.(type) {
	case *ast.Document:
		renderChildren(b, n, source)
	case *ast.Heading:
		b.WriteString("<b>")
		renderChildren(b, n, source)
		b.WriteString("</b>\n\n")
	case *ast.Paragraph:
		renderChildren(b, n, source)
		b.WriteString("\n\n")
	case *ast.TextBlock:
		renderChildren(b, n, source)
		b.WriteString("\n")
	case *ast.Emphasis:
		tag := "i"
		if node.Level == 2 {
			tag = "b"
		}
		fmt.Fprintf(b, "<%s>", tag)
		renderChildren(b, n, source)
		fmt.Fprintf(b, "</%s>", tag)
	case *ast.CodeSpan:
		b.WriteString("<code>")
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				b.WriteString(escape(string(t.Segment.Value(source))))
			}
		}
		b.WriteString("</code>")
	case *ast.FencedCodeBlock, *ast.CodeBlock:
		b.WriteString("<pre>")
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.WriteString(escape(string(seg.Value(source))))
		}
		b.WriteString("</pre>\n")
	case *ast.Link:
		fmt.Fprintf(b, `<a href="%s">`, escape(string(node.Destination)))
		renderChildren(b, n, source)
		b.WriteString("</a>")
	case *ast.AutoLink:
		url := string(node.URL(source))
		fmt.Fprintf(b, `<a href="%s">%s</a>`, escape(url), escape(url))
	case *ast.List:
		for c := n.FirstChild(); c != nil; c = c.NextSibling() {
			b.WriteString("• ")
			renderChildren(b, c, source)
			if !strings.HasSuffix(b.String(), "\n") {
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	case *ast.Blockquote:
		renderChildren(b, n, source)
	case *ast.ThematicBreak:
		b.WriteString("—\n\n")
	case *ast.Text:
		b.WriteString(escape(string(node.Segment.Value(source))))
		if node.HardLineBreak() || node.SoftLineBreak() {
			b.WriteString("\n")
		}
	case *ast.String:
		b.WriteString(escape(string(node.Value)))
	default:
		renderChildren(b, n, source)
	}
}

func renderChildren(b *strings.Builder, n ast.Node, source []byte) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		renderNode(b, c, source)
	}
}

func escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// Chunk splits text into Telegram-sized pieces, preferring paragraph
// boundaries, then line boundaries, then a hard cut.
func Chunk(text string, limit int) []string {
	if limit <= 0 {
		limit = MessageLimit
	}
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	rest := text
	for len(rest) > limit {
		cut := lastBoundary(rest[:limit], "\n\n")
		if cut <= 0 {
			cut = lastBoundary(rest[:limit], "\n")
		}
		if cut <= 0 {
			// Hard cut: back up to a rune boundary so a multi-byte
			// character is never split across chunks.
			cut = limit
			for cut > 0 && !utf8.RuneStart(rest[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		chunks = append(chunks, strings.TrimRight(rest[:cut], "\n"))
		rest = strings.TrimLeft(rest[cut:], "\n")
	}
	if rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

func lastBoundary(s, sep string) int {
	return strings.LastIndex(s, sep)
}
