package alert

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var telegramIcons = map[Level]string{
	LevelInfo:     "ℹ️",
	LevelWarning:  "⚠️",
	LevelError:    "❌",
	LevelCritical: "🚨",
}

// TelegramChannel delivers alerts through the Bot API as Markdown messages.
type TelegramChannel struct {
	botToken string
	chatID   string
	client   *http.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		botToken: botToken,
		chatID:   chatID,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (t *TelegramChannel) Name() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, p Payload) error {
	if t.botToken == "" || t.chatID == "" {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *[%s] %s*\n\n%s", telegramIcons[p.Level], p.Level, p.Title, p.Message)
	for k, v := range p.Fields {
		fmt.Fprintf(&b, "\n- *%s*: %s", k, v)
	}

	endpoint := "https://api.telegram.org/bot" + t.botToken + "/sendMessage"
	return postJSON(ctx, t.client, endpoint, map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       b.String(),
		"parse_mode": "Markdown",
	})
}
