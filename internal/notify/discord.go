package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Embed colours keyed by the severity tag Alert puts at the start of the title.
var discordColours = map[string]int{
	"[CRITICAL]": 0xE74C3C,
	"[ERROR]":    0xE67E22,
	"[WARN]":     0xF1C40F,
}

const discordDefaultColour = 0x3498DB

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp"`
}

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

// discordError is the body Discord returns on 4xx.
type discordError struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
}

// DiscordSender posts operator alerts to a Discord webhook as one embed each.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: &http.Client{Timeout: httpTimeout}, now: time.Now}
}

func (d *DiscordSender) Name() string { return "discord" }

// Send posts title and message as an embed coloured by the title's severity tag.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	resp, err := postJSON(ctx, d.client, d.webhookURL, discordPayload{
		Username: "karbit",
		Embeds: []discordEmbed{{
			Title:       title,
			Description: "```\n" + message + "\n```",
			Color:       severityColour(title),
			Timestamp:   d.now().UTC().Format(time.RFC3339),
		}},
	})
	if err != nil {
		return fmt.Errorf("discord: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		return nil
	}
	var reply discordError
	_ = json.NewDecoder(resp.Body).Decode(&reply)
	if resp.StatusCode == http.StatusTooManyRequests {
		wait := resp.Header.Get("Retry-After")
		if reply.RetryAfter > 0 {
			wait = fmt.Sprintf("%.1f", reply.RetryAfter)
		}
		return fmt.Errorf("discord: rate limited, retry after %ss", wait)
	}
	if reply.Message == "" {
		reply.Message = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("discord: status %d: %s", resp.StatusCode, reply.Message)
}

func severityColour(title string) int {
	for tag, c := range discordColours {
		if strings.HasPrefix(title, tag) {
			return c
		}
	}
	return discordDefaultColour
}
