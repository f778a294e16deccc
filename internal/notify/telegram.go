package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
)

const telegramAPI = "https://api.telegram.org"

// TelegramBot posts messages through the Telegram Bot API to any chat.
type TelegramBot struct {
	token   string
	baseURL string
	client  *http.Client
}

func NewTelegramBot(token string) *TelegramBot {
	return &TelegramBot{
		token:   token,
		baseURL: telegramAPI,
		client:  &http.Client{Timeout: httpTimeout},
	}
}

type sendMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// botReply is the envelope of every Bot API response.
type botReply struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendTo posts title and body to chatID. The body is sent as a preformatted
// block so the aligned "label : value" lines survive.
func (t *TelegramBot) SendTo(ctx context.Context, chatID, title, body string) error {
	msg := sendMessage{
		ChatID:                chatID,
		Text:                  "<b>" + html.EscapeString(title) + "</b>\n<pre>" + html.EscapeString(body) + "</pre>",
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}
	resp, err := postJSON(ctx, t.client, t.baseURL+"/bot"+t.token+"/sendMessage", msg)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	var reply botReply
	decodeErr := json.NewDecoder(resp.Body).Decode(&reply)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("telegram: rate limited, retry after %ds", reply.Parameters.RetryAfter)
	case resp.StatusCode/100 != 2 || !reply.OK:
		desc := reply.Description
		if decodeErr != nil || desc == "" {
			desc = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("telegram: status %d: %s", resp.StatusCode, desc)
	}
	return nil
}

// TelegramSender delivers operator notifications to one fixed chat.
type TelegramSender struct {
	bot    *TelegramBot
	chatID string
}

func NewTelegramSender(bot *TelegramBot, chatID string) *TelegramSender {
	return &TelegramSender{bot: bot, chatID: chatID}
}

func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	return t.bot.SendTo(ctx, t.chatID, title, message)
}

func (t *TelegramSender) Name() string { return "telegram" }
