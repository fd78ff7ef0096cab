// Package notification delivers notifications over chat, webhook and email
// channels with per-channel rate limits and persistent retry chains.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/huangang/repoflow/pkg/logger"
)

// Channel delivers one message to one address.
type Channel interface {
	Name() string
	Send(ctx context.Context, address, subject, body string) error
}

var defaultHTTPClient = &http.Client{Timeout: 10 * time.Second}

// payloadFunc builds the JSON body for one message part.
type payloadFunc func(address, subject, body string) interface{}

// WebhookChannel posts JSON to an HTTP endpoint. The recipient address is
// used as the endpoint when it is a URL; otherwise the configured endpoint
// receives the message with the address in the payload.
type WebhookChannel struct {
	name     string
	endpoint string
	maxLen   int
	client   *http.Client
	build    payloadFunc
}

func (c *WebhookChannel) Name() string { return c.name }

func (c *WebhookChannel) Send(ctx context.Context, address, subject, body string) error {
	endpoint := c.endpoint
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		endpoint = address
	}
	if endpoint == "" {
		return fmt.Errorf("%s: no webhook url for %q", c.name, address)
	}

	parts := splitMessage(body, c.maxLen)
	for i, part := range parts {
		title := subject
		if len(parts) > 1 {
			title = fmt.Sprintf("%s [%d/%d]", subject, i+1, len(parts))
		}
		if err := postJSON(ctx, c.client, endpoint, c.build(address, title, part)); err != nil {
			return err
		}
	}
	return nil
}

func newWebhookChannel(name, endpoint string, maxLen int, client *http.Client, build payloadFunc) *WebhookChannel {
	if client == nil {
		client = defaultHTTPClient
	}
	return &WebhookChannel{name: name, endpoint: endpoint, maxLen: maxLen, client: client, build: build}
}

// NewSlackChannel posts mrkdwn blocks to a Slack incoming webhook.
func NewSlackChannel(webhookURL string, client *http.Client) *WebhookChannel {
	return newWebhookChannel("slack", webhookURL, 3000, client, func(address, subject, body string) interface{} {
		payload := map[string]interface{}{
			"text": subject,
			"blocks": []map[string]interface{}{
				{"type": "section", "text": map[string]string{"type": "mrkdwn", "text": "*" + subject + "*"}},
				{"type": "section", "text": map[string]string{"type": "mrkdwn", "text": body}},
			},
		}
		if !isURL(address) {
			payload["channel"] = address
		}
		return payload
	})
}

// NewTeamsChannel posts an adaptive card to a Microsoft Teams webhook.
func NewTeamsChannel(webhookURL string, client *http.Client) *WebhookChannel {
	return newWebhookChannel("teams", webhookURL, 20000, client, func(address, subject, body string) interface{} {
		return map[string]interface{}{
			"type": "message",
			"attachments": []map[string]interface{}{{
				"contentType": "application/vnd.microsoft.card.adaptive",
				"content": map[string]interface{}{
					"type":    "AdaptiveCard",
					"$schema": "http://adaptivecards.io/schemas/adaptive-card.json",
					"version": "1.5",
					"body": []map[string]interface{}{
						{"type": "TextBlock", "text": subject, "weight": "Bolder", "wrap": true},
						{"type": "TextBlock", "text": body, "wrap": true},
					},
				},
			}},
		}
	})
}

// NewDiscordChannel posts plain content to a Discord webhook.
func NewDiscordChannel(webhookURL string, client *http.Client) *WebhookChannel {
	return newWebhookChannel("discord", webhookURL, 1900, client, func(address, subject, body string) interface{} {
		return map[string]interface{}{"content": "**" + subject + "**\n" + body}
	})
}

// NewGenericWebhookChannel posts {recipient, subject, body} to any endpoint.
func NewGenericWebhookChannel(webhookURL string, client *http.Client) *WebhookChannel {
	return newWebhookChannel("webhook", webhookURL, 64000, client, func(address, subject, body string) interface{} {
		return map[string]interface{}{"recipient": address, "subject": subject, "body": body}
	})
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func postJSON(ctx context.Context, client *http.Client, endpoint string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	logger.Debug().Str("url", endpoint).Int("bytes", len(body)).Msg("[Notification] POST")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// splitMessage cuts msg into parts of at most maxLen bytes, preferring to
// break after a newline in the second half of a part.
func splitMessage(msg string, maxLen int) []string {
	if maxLen <= 0 || len(msg) <= maxLen {
		return []string{msg}
	}

	var parts []string
	remaining := msg
	for len(remaining) > 0 {
		if len(remaining) <= maxLen {
			parts = append(parts, remaining)
			break
		}
		chunk := remaining[:maxLen]
		breakPoint := maxLen
		for i := len(chunk) - 1; i > maxLen/2; i-- {
			if chunk[i] == '\n' {
				breakPoint = i + 1
				break
			}
		}
		parts = append(parts, remaining[:breakPoint])
		remaining = remaining[breakPoint:]
	}
	return parts
}
