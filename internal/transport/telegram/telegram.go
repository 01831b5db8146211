package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"heraldbot/internal/transport"
	logx "heraldbot/pkg/logx"
)

type Config struct {
	Token string
	// ParseMode applies to every outgoing message. The admin panel edits
	// broadcast texts as HTML, matching Telegram's parse mode of the same name.
	ParseMode string
}

// Adapter sends broadcast messages through the Telegram Bot API via telebot.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Send(ctx context.Context, to transport.RecipientID, msg transport.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	parseMode := a.cfg.ParseMode
	if parseMode == "" {
		parseMode = tele.ModeHTML
	}
	chat := &tele.Chat{ID: int64(to)}
	opt := &tele.SendOptions{ParseMode: parseMode}

	var err error
	if msg.ImageRef != "" {
		photo := &tele.Photo{File: tele.FromDisk(msg.ImageRef), Caption: msg.Body}
		_, err = a.bot.Send(chat, photo, opt)
	} else {
		_, err = a.bot.Send(chat, msg.Body, opt)
	}
	return mapSendError(err)
}

// mapSendError folds telebot errors into the transport taxonomy.
//
// Telegram reports a permanently unreachable recipient with a handful of
// distinct 403/400 errors; all of them mean "stop sending to this chat".
// 429 carries a retry-after hint. 5xx and plain connectivity failures are
// transient. Everything else passes through as unknown.
func mapSendError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrNotStartedByUser),
		errors.Is(err, tele.ErrChatNotFound):
		return fmt.Errorf("%w: %v", transport.ErrBlocked, err)
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return &transport.RateLimitedError{RetryAfter: time.Duration(flood.RetryAfter) * time.Second}
	}

	var te *tele.Error
	if errors.As(err, &te) && te.Code >= 500 {
		return fmt.Errorf("%w: %v", transport.ErrTransient, err)
	}

	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%w: %v", transport.ErrTransient, err)
	}

	return err
}
