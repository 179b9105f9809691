// Package telegram is the Telegram channel: a long-poll listener that
// maps chats onto engine sessions, streams replies into an edited
// placeholder message, and renders markdown into Telegram's HTML subset.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/kestrelworks/valet/internal/config"
	"github.com/kestrelworks/valet/internal/session"
)

const (
	// editInterval coalesces streaming edits. Telegram rate-limits edits
	// aggressively; faster than this gets the bot muted.
	editInterval = 1200 * time.Millisecond

	typingInterval = 4 * time.Second
)

// PollerOptions wires a Telegram poller.
type PollerOptions struct {
	Token        string
	Engine       *session.Engine
	Config       func() config.TelegramConfig
	SessionsPath string
	// OnUserContact is called for every accepted inbound message; the
	// gateway points it at the heartbeat's idle clock.
	OnUserContact func()
	Logger        *slog.Logger
}

// Poller owns the Telegram connection. Inbound messages are handled
// strictly sequentially; a slow turn delays the next message rather than
// interleaving sessions.
type Poller struct {
	bot           *bot.Bot
	engine        *session.Engine
	config        func() config.TelegramConfig
	sessions      *sessionMap
	onUserContact func()
	logger        *slog.Logger

	mu sync.Mutex
}

// NewPoller builds the poller and its bot connection.
func NewPoller(opts PollerOptions) (*Poller, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessions, err := openSessionMap(opts.SessionsPath)
	if err != nil {
		return nil, err
	}
	p := &Poller{
		engine:        opts.Engine,
		config:        opts.Config,
		sessions:      sessions,
		onUserContact: opts.OnUserContact,
		logger:        logger.With("component", "telegram"),
	}
	b, err := bot.New(opts.Token, bot.WithDefaultHandler(p.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	p.bot = b
	return p, nil
}

// Run long-polls until the context is canceled.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("telegram poller started")
	p.bot.Start(ctx)
	p.logger.Info("telegram poller stopped")
}

// Send pushes an unsolicited message to the primary chat, implementing
// notify.Sender. The primary chat is the first allowed chat, or the
// first allowed user's private chat.
func (p *Poller) Send(ctx context.Context, text string) error {
	cfg := p.config()
	var chatID int64
	switch {
	case len(cfg.AllowedChats) > 0:
		chatID = cfg.AllowedChats[0]
	case len(cfg.AllowedUsers) > 0:
		chatID = cfg.AllowedUsers[0]
	default:
		return fmt.Errorf("telegram: no allowed chat to notify")
	}
	return p.deliver(ctx, chatID, text)
}

func (p *Poller) handleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	msg := update.Message
	if !p.accept(msg) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.onUserContact != nil {
		p.onUserContact()
	}

	chatKey := strconv.FormatInt(msg.Chat.ID, 10)
	switch strings.TrimSpace(msg.Text) {
	case "/new", "/clear":
		if err := p.sessions.clear(chatKey); err != nil {
			p.logger.Warn("session map clear failed", "error", err)
		}
		p.reply(ctx, msg.Chat.ID, "Started a fresh conversation.")
		return
	}

	s := p.sessionFor(chatKey)
	p.respond(ctx, msg.Chat.ID, s, msg.Text)
	if err := p.sessions.set(chatKey, s.ID); err != nil {
		p.logger.Warn("session map save failed", "error", err)
	}
}

// accept reports whether an inbound message should be handled. Only the
// allowlist gates delivery; message age does not, so turns that queued up
// while the daemon was down are still answered after a restart.
func (p *Poller) accept(msg *models.Message) bool {
	if msg == nil || msg.Text == "" {
		return false
	}
	if allowed(p.config(), msg) {
		return true
	}
	from := int64(0)
	if msg.From != nil {
		from = msg.From.ID
	}
	p.logger.Warn("rejected message from unlisted sender", "user", from, "chat", msg.Chat.ID)
	return false
}

func allowed(cfg config.TelegramConfig, msg *models.Message) bool {
	if msg.From != nil {
		for _, id := range cfg.AllowedUsers {
			if msg.From.ID == id {
				return true
			}
		}
	}
	for _, id := range cfg.AllowedChats {
		if msg.Chat.ID == id {
			return true
		}
	}
	return false
}

// sessionFor resumes the chat's bound session, or starts a fresh one when
// the binding is missing or points at a deleted session.
func (p *Poller) sessionFor(chatKey string) *session.Session {
	if id, ok := p.sessions.get(chatKey); ok {
		if s, err := p.engine.Store().Load(id); err == nil {
			return s
		}
	}
	return session.New("default")
}

// respond streams one turn into a placeholder message, editing it as text
// arrives and formatting the final result.
func (p *Poller) respond(ctx context.Context, chatID int64, s *session.Session, text string) {
	stopTyping := p.typing(ctx, chatID)
	defer stopTyping()

	placeholder, err := p.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: "…"})
	if err != nil {
		p.logger.Error("placeholder send failed", "error", err)
		return
	}

	events := p.engine.SendStream(ctx, s, text)
	ticker := time.NewTicker(editInterval)
	defer ticker.Stop()

	var buf strings.Builder
	var finalText, streamErr, lastEdit string
stream:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break stream
			}
			switch ev.Type {
			case "text":
				buf.WriteString(ev.Text)
			case "done":
				finalText = ev.Content
			case "error":
				streamErr = ev.Error
			}
		case <-ticker.C:
			partial := buf.String()
			if partial == "" || partial == lastEdit {
				continue
			}
			if len(partial) > MessageLimit {
				partial = partial[:MessageLimit]
			}
			p.editPlain(ctx, chatID, placeholder.ID, partial)
			lastEdit = partial
		}
	}

	if streamErr != "" {
		p.editPlain(ctx, chatID, placeholder.ID, "Something went wrong: "+streamErr)
		return
	}
	if finalText == "" {
		finalText = buf.String()
	}
	if finalText == "" {
		finalText = "(no reply)"
	}
	p.finalize(ctx, chatID, placeholder.ID, finalText)
}

// finalize replaces the placeholder with the formatted reply. Oversized
// replies drop the placeholder and go out in chunks. Rich formatting is
// retried plain once per message; Telegram rejects HTML it cannot parse.
func (p *Poller) finalize(ctx context.Context, chatID int64, messageID int, finalText string) {
	rendered := RenderHTML(finalText)
	if len(rendered) <= MessageLimit && len(finalText) <= MessageLimit {
		_, err := p.bot.EditMessageText(ctx, &bot.EditMessageTextParams{
			ChatID: chatID, MessageID: messageID, Text: rendered, ParseMode: models.ParseModeHTML,
		})
		if err != nil {
			p.logger.Debug("rich edit rejected, retrying plain", "error", err)
			p.editPlain(ctx, chatID, messageID, finalText)
		}
		return
	}

	if _, err := p.bot.DeleteMessage(ctx, &bot.DeleteMessageParams{ChatID: chatID, MessageID: messageID}); err != nil {
		p.logger.Debug("placeholder delete failed", "error", err)
	}
	if err := p.deliver(ctx, chatID, finalText); err != nil {
		p.logger.Error("chunked delivery failed", "error", err)
	}
}

// deliver sends text in chunks, each formatted when possible.
func (p *Poller) deliver(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range Chunk(text, MessageLimit) {
		rendered := RenderHTML(chunk)
		var err error
		if len(rendered) <= MessageLimit {
			_, err = p.bot.SendMessage(ctx, &bot.SendMessageParams{
				ChatID: chatID, Text: rendered, ParseMode: models.ParseModeHTML,
			})
		} else {
			err = fmt.Errorf("rendered chunk too long")
		}
		if err != nil {
			if _, err := p.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: chunk}); err != nil {
				return fmt.Errorf("telegram: send: %w", err)
			}
		}
	}
	return nil
}

func (p *Poller) reply(ctx context.Context, chatID int64, text string) {
	if _, err := p.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		p.logger.Warn("reply failed", "error", err)
	}
}

func (p *Poller) editPlain(ctx context.Context, chatID int64, messageID int, text string) {
	_, err := p.bot.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID: chatID, MessageID: messageID, Text: text,
	})
	if err != nil {
		p.logger.Debug("edit failed", "error", err)
	}
}

// typing keeps the chat's typing indicator alive until the returned stop
// function is called.
func (p *Poller) typing(ctx context.Context, chatID int64) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			_, err := p.bot.SendChatAction(ctx, &bot.SendChatActionParams{
				ChatID: chatID, Action: models.ChatActionTyping,
			})
			if err != nil {
				return
			}
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() { close(done) }
}
