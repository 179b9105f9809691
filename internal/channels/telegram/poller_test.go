package telegram

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/go-telegram/bot/models"

	"github.com/kestrelworks/valet/internal/config"
)

func acceptPoller(cfg config.TelegramConfig) *Poller {
	return &Poller{
		config: func() config.TelegramConfig { return cfg },
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestAcceptGatesOnAllowlistOnly(t *testing.T) {
	p := acceptPoller(config.TelegramConfig{AllowedUsers: []int64{7}})

	// A message that queued while the daemon was down is still handled;
	// age never gates delivery.
	old := &models.Message{
		Text: "are you back?",
		Date: int(time.Now().Add(-time.Hour).Unix()),
		Chat: models.Chat{ID: 7},
		From: &models.User{ID: 7},
	}
	if !p.accept(old) {
		t.Fatal("hour-old message from an allowed user dropped")
	}

	stranger := &models.Message{
		Text: "hello",
		Chat: models.Chat{ID: 99},
		From: &models.User{ID: 99},
	}
	if p.accept(stranger) {
		t.Fatal("message from an unlisted sender accepted")
	}

	empty := &models.Message{Chat: models.Chat{ID: 7}, From: &models.User{ID: 7}}
	if p.accept(nil) || p.accept(empty) {
		t.Fatal("textless message accepted")
	}
}

func TestAcceptAllowsListedChat(t *testing.T) {
	p := acceptPoller(config.TelegramConfig{AllowedChats: []int64{-100123}})

	group := &models.Message{
		Text: "standup time",
		Chat: models.Chat{ID: -100123},
		From: &models.User{ID: 42},
	}
	if !p.accept(group) {
		t.Fatal("message in an allowed chat dropped")
	}
}
