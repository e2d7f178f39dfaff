package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

type TelegramConfig struct {
	Token     string
	APIURL    string // empty = public Bot API
	ParseMode string
	Timeout   time.Duration
}

// Telegram sends broadcast bodies as bot messages. Recipient IDs are chat IDs.
type Telegram struct {
	bot       *tele.Bot
	parseMode tele.ParseMode
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:   cfg.APIURL,
		Token: cfg.Token,
		// send-only: no getMe on startup, no poller
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, parseMode: tele.ParseMode(cfg.ParseMode)}, nil
}

func (t *Telegram) Send(ctx context.Context, recipientID, content string) error {
	chatID, err := strconv.ParseInt(recipientID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: recipient %q is not a chat id", ErrPermanent, recipientID)
	}

	var opts []any
	if t.parseMode != "" {
		opts = append(opts, t.parseMode)
	}

	// telebot has no context support; bound the call by ctx ourselves.
	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(tele.ChatID(chatID), content, opts...)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return classifyTelegram(err)
	}
}

// 400 (chat not found, bad request) and 403 (blocked, deactivated) do not
// get better with retries.
func classifyTelegram(err error) error {
	if err == nil {
		return nil
	}
	var terr *tele.Error
	if errors.As(err, &terr) && (terr.Code == http.StatusBadRequest || terr.Code == http.StatusForbidden) {
		return fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	return err
}
