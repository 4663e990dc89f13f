package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vizual/metering-plane/pkg/events"
)

// SlackAdapter sends billing alerts to Slack via webhooks
type SlackAdapter struct {
	webhookURL string
	channel    string
	client     *http.Client
	logger     *zap.Logger
}

// SlackWebhookPayload represents a Slack webhook message
type SlackWebhookPayload struct {
	Channel  string       `json:"channel,omitempty"`
	Username string       `json:"username,omitempty"`
	Blocks   []SlackBlock `json:"blocks,omitempty"`
	Text     string       `json:"text,omitempty"` // Fallback text
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type   string            `json:"type"`
	Text   *SlackTextObject  `json:"text,omitempty"`
	Fields []SlackTextObject `json:"fields,omitempty"`
}

// SlackTextObject represents a text object in Slack
type SlackTextObject struct {
	Type  string `json:"type"` // "plain_text" or "mrkdwn"
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// NewSlackAdapter creates a new Slack alert adapter
func NewSlackAdapter(webhookURL, channel string, logger *zap.Logger) *SlackAdapter {
	return &SlackAdapter{
		webhookURL: webhookURL,
		channel:    channel,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Send sends an alert to Slack
func (s *SlackAdapter) Send(ctx context.Context, event events.Event) error {
	payload := SlackWebhookPayload{
		Channel:  s.channel,
		Username: "Vizual Billing",
		Blocks:   s.formatEvent(event),
		Text:     fmt.Sprintf("Event: %s", event.Type), // Fallback text
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// formatEvent converts an event into Slack blocks
func (s *SlackAdapter) formatEvent(event events.Event) []SlackBlock {
	switch event.Type {
	case events.EventPaymentFailed:
		return s.formatPaymentFailed(event)
	case events.EventCheckoutCompleted:
		return s.formatCheckoutCompleted(event)
	case events.EventSubscriptionDeleted:
		return s.formatSubscriptionDeleted(event)
	case events.EventCreditsRefreshed:
		return s.formatCreditsRefreshed(event)
	default:
		return s.formatGeneric(event)
	}
}

func (s *SlackAdapter) formatPaymentFailed(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type:  "plain_text",
				Text:  "🚨 Payment Failed",
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Account:*\n`%s`", event.AccountID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Invoice:*\n`%s`", getStringField(event.Payload, "invoice_id"))},
			},
		},
		{
			Type: "context",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("<!date^%d^{date_num} {time_secs}|%s>", event.Timestamp.Unix(), event.Timestamp.Format(time.RFC3339))},
			},
		},
	}
}

func (s *SlackAdapter) formatCheckoutCompleted(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type:  "plain_text",
				Text:  "💰 New Subscription",
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Account:*\n`%s`", event.AccountID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Plan:*\n%s", getStringField(event.Payload, "tier"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Credits:*\n%v", event.Payload["credits"])},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Session:*\n`%s`", getStringField(event.Payload, "session_id"))},
			},
		},
		{
			Type: "context",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("<!date^%d^{date_num} {time_secs}|%s>", event.Timestamp.Unix(), event.Timestamp.Format(time.RFC3339))},
			},
		},
	}
}

func (s *SlackAdapter) formatSubscriptionDeleted(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type:  "plain_text",
				Text:  "📉 Subscription Cancelled",
				Emoji: true,
			},
		},
		{
			Type: "section",
			Text: &SlackTextObject{
				Type: "mrkdwn",
				Text: fmt.Sprintf("Account `%s` was downgraded to the free tier.", event.AccountID),
			},
		},
	}
}

func (s *SlackAdapter) formatCreditsRefreshed(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type:  "plain_text",
				Text:  "🔄 Credits Refreshed",
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Account:*\n`%s`", event.AccountID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Credits:*\n%v", event.Payload["credits"])},
			},
		},
	}
}

func (s *SlackAdapter) formatGeneric(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type:  "plain_text",
				Text:  fmt.Sprintf("📬 Event: %s", event.Type),
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Event ID:*\n`%s`", event.ID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Account:*\n`%s`", event.AccountID)},
			},
		},
	}
}

func getStringField(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
