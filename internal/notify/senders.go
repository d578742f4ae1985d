package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "taskd/pkg/logx"
)

// LogSender writes notifications to the log. It is used when no chat channel
// is configured.
type LogSender struct{ Log logx.Logger }

func (LogSender) Name() string { return "log" }

func (l LogSender) Send(_ context.Context, text string) error {
	l.Log.Info("notification", logx.String("text", text))
	return nil
}

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint (self-hosted API server).
	APIURL string
}

// Telegram sends notifications to one chat (and optional forum topic).
// The bot runs offline: it never polls for updates.
type Telegram struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimSpace(cfg.APIURL),
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: 8 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, threadID: cfg.ThreadID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Send is bounded by the HTTP client timeout; telebot does not take a context.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
		ThreadID:              t.threadID,
		DisableWebPagePreview: true,
	})
	return err
}
