package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tele "gopkg.in/telebot.v4"

	"serialarr/internal/engine"
	"serialarr/internal/eventbus"
)

// Telegram sends event summaries to one chat. Send-only: no poller, no
// command handling.
type Telegram struct {
	bot    *tele.Bot
	chatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: false})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chatID: chatID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, e eventbus.Event, ev engine.StoryEvent) error {
	_, err := t.bot.Send(&tele.Chat{ID: t.chatID}, formatMessage(e.Type, ev), tele.ModeHTML)
	return err
}

func formatMessage(eventType string, ev engine.StoryEvent) string {
	title := htmlEscape(ev.Title)
	switch eventType {
	case eventbus.EventNewChaptersFound:
		return fmt.Sprintf("📖 <b>%s</b>: %d new chapter(s) found", title, ev.NewChapters)
	case eventbus.EventDownloadFinished:
		return fmt.Sprintf("✅ <b>%s</b>: chapter %d downloaded (%s)", title, ev.Ordinal, htmlEscape(ev.ChapterTitle))
	case eventbus.EventDownloadFailed:
		return fmt.Sprintf("❌ <b>%s</b>: chapter %d failed: %s", title, ev.Ordinal, htmlEscape(ev.Error))
	default:
		return fmt.Sprintf("<b>%s</b>: %s", title, eventType)
	}
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}
