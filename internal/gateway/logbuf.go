package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

const defaultLogLines = 500

// ringBuf holds the newest formatted log lines for the panel's
// /api/gateway/log endpoint.
type ringBuf struct {
	mu    sync.Mutex
	lines []string
	cap   int
}

func (r *ringBuf) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.cap {
		r.lines = r.lines[len(r.lines)-r.cap:]
	}
}

func (r *ringBuf) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// RingHandler is a slog.Handler that forwards to an inner handler and
// keeps the formatted lines in memory. WithAttrs/WithGroup derivatives
// share one buffer.
type RingHandler struct {
	inner slog.Handler
	buf   *ringBuf
	attrs []slog.Attr
	group string
}

// NewRingHandler wraps inner with an in-memory tail of capacity lines.
func NewRingHandler(inner slog.Handler, capacity int) *RingHandler {
	if capacity <= 0 {
		capacity = defaultLogLines
	}
	return &RingHandler{inner: inner, buf: &ringBuf{cap: capacity}}
}

func (h *RingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RingHandler) Handle(ctx context.Context, rec slog.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", rec.Time.Format("15:04:05"), rec.Level, rec.Message)
	for _, a := range h.attrs {
		writeAttr(&b, h.group, a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	h.buf.add(b.String())
	return h.inner.Handle(ctx, rec)
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	fmt.Fprintf(b, " %s=%v", key, a.Value)
}

func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithAttrs(attrs)
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &clone
}

func (h *RingHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithGroup(name)
	if clone.group == "" {
		clone.group = name
	} else {
		clone.group += "." + name
	}
	return &clone
}

// Tail returns the retained log lines, oldest first.
func (h *RingHandler) Tail() []string {
	return h.buf.snapshot()
}
