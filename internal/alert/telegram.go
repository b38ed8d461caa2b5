package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	gwhttp "trade_gateway/pkg/http"
)

const telegramAPI = "https://api.telegram.org"

var telegramIcons = map[AlertLevel]string{
	Info:     "ℹ️",
	Warning:  "⚠️",
	Error:    "❌",
	Critical: "🚨",
}

// TelegramChannel sends Markdown messages through the Bot API.
type TelegramChannel struct {
	chatID string
	client *gwhttp.Client
}

func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return newTelegramChannel(telegramAPI, botToken, chatID)
}

func newTelegramChannel(apiURL, botToken, chatID string) *TelegramChannel {
	if botToken == "" || chatID == "" {
		return &TelegramChannel{}
	}
	// the token lives in the base URL so it never shows up in span names
	return &TelegramChannel{
		chatID: chatID,
		client: gwhttp.NewClient(apiURL+"/bot"+botToken, nil, gwhttp.Options{Timeout: 5 * time.Second, MaxRetries: 2}),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, alert AlertPayload) error {
	if t.client == nil {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s *%s*\n\n%s", telegramIcons[alert.Level], headline(alert), alert.Message)
	if keys := sortedKeys(alert.Fields); len(keys) > 0 {
		sb.WriteString("\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "\n- *%s*: %s", k, alert.Fields[k])
		}
	}
	if alert.Repeats > 0 {
		fmt.Fprintf(&sb, "\n\n_%d similar alerts suppressed_", alert.Repeats)
	}

	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       sb.String(),
		"parse_mode": "Markdown",
	}
	if _, err := t.client.Post(ctx, "/sendMessage", payload); err != nil {
		return fmt.Errorf("telegram api: %w", err)
	}
	return nil
}
