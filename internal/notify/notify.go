// Package notify is the outbound user-notification contract. Channels
// register senders with the dispatcher; the heartbeat pipeline and tools
// call NotifyUser without knowing which channels exist.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrNoChannel is returned when no sender can deliver a notification.
var ErrNoChannel = errors.New("notify: no channel available")

// Sender delivers one message over one channel.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, text string) error

func (f SenderFunc) Send(ctx context.Context, text string) error { return f(ctx, text) }

// Notifier fans a notification out to a named channel, or to the first
// registered channel when none is named.
type Notifier struct {
	mu      sync.RWMutex
	senders map[string]Sender
	order   []string
	logger  *slog.Logger
}

// New returns an empty notifier.
func New(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		senders: map[string]Sender{},
		logger:  logger.With("component", "notify"),
	}
}

// Register adds a channel sender under a name ("telegram", "panel", ...).
func (n *Notifier) Register(name string, s Sender) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.senders[name]; !exists {
		n.order = append(n.order, name)
	}
	n.senders[name] = s
}

// NotifyUser delivers text. An empty channel name picks the first
// registered channel.
func (n *Notifier) NotifyUser(ctx context.Context, text, channel string) error {
	n.mu.RLock()
	var s Sender
	name := channel
	if name == "" && len(n.order) > 0 {
		name = n.order[0]
	}
	s = n.senders[name]
	n.mu.RUnlock()

	if s == nil {
		return ErrNoChannel
	}
	if err := s.Send(ctx, text); err != nil {
		n.logger.Warn("notification failed", "channel", name, "error", err)
		return err
	}
	return nil
}
