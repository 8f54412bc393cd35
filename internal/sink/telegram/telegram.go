// Package telegram delivers messages to a Telegram chat.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"dutybot/internal/registry"
	"dutybot/internal/sink"
	logx "dutybot/pkg/logx"
)

func init() {
	sink.Register(registry.CanonicalName("TelegramSink", "Sink"), New)
}

type Options struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// ParseMode is passed through to Telegram ("HTML", "MarkdownV2"). Empty sends plain text.
	ParseMode      string `json:"parse_mode,omitempty"`
	DisablePreview bool   `json:"disable_preview,omitempty"`
	// APIURL overrides the Bot API endpoint (self-hosted bot API servers).
	APIURL  string `json:"api_url,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// TelegramSink sends through the Bot API without polling for updates.
type TelegramSink struct {
	opt Options
	bot *tele.Bot
	log logx.Logger
}

func New(raw json.RawMessage, deps sink.Deps) (sink.Sink, error) {
	var opt Options
	if err := registry.Decode(raw, &opt); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opt.Token) == "" {
		return nil, errors.New("token required")
	}
	if opt.ChatID == 0 {
		return nil, errors.New("chat_id required")
	}
	timeout := 10 * time.Second
	if opt.Timeout != "" {
		d, err := time.ParseDuration(opt.Timeout)
		if err != nil || d <= 0 {
			return nil, errors.New("timeout: invalid duration")
		}
		timeout = d
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	bot, err := tele.NewBot(tele.Settings{
		URL:     opt.APIURL,
		Token:   opt.Token,
		Client:  client,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{opt: opt, bot: bot, log: deps.Logger.With(logx.String("comp", "sink.telegram"))}, nil
}

// Deliver sends one message. telebot has no per-call context, so ctx is only
// checked before sending; the HTTP client timeout bounds the call.
func (s *TelegramSink) Deliver(ctx context.Context, msg sink.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chat := &tele.Chat{ID: s.opt.ChatID}
	sent, err := s.bot.Send(chat, render(msg, s.opt.ParseMode), &tele.SendOptions{
		ParseMode:             s.opt.ParseMode,
		DisableWebPagePreview: s.opt.DisablePreview,
		ThreadID:              s.opt.ThreadID,
	})
	if err != nil {
		return err
	}
	s.log.Debug("telegram message sent", logx.Int64("chat_id", s.opt.ChatID), logx.Int("message_id", sent.ID))
	return nil
}
