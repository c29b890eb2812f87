// Package telegram adapts the bot transport to Telegram via telebot.
package telegram

import (
	"context"
	"errors"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"aniwatch/internal/transport"
	"aniwatch/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

// Bot exposes the underlying telebot instance so the command layer can
// register its handlers.
func (a *Adapter) Bot() *tele.Bot { return a.bot }

// Run starts long polling and blocks until ctx is cancelled.
func (a *Adapter) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.bot.Stop()
	}()
	a.log.Info("telegram polling started", logx.Int64("bot_id", a.bot.Me.ID))
	a.bot.Start()
	a.log.Info("telegram polling stopped")
	return nil
}

// SendText implements transport.Sender. telebot calls carry no context, so
// cancellation is honored at the call boundary only.
func (a *Adapter) SendText(ctx context.Context, t transport.ChatTarget, text string, opt *transport.SendOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sendOpt := &tele.SendOptions{}
	if opt != nil {
		sendOpt.ParseMode = opt.ParseMode
		sendOpt.DisableWebPagePreview = opt.DisablePreview
	}
	_, err := a.bot.Send(tele.ChatID(t.ChatID), text, sendOpt)
	return err
}
