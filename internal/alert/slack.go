package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aegiscore/aegis/internal/kernel"
)

// SlackConfig configures a Slack incoming-webhook sink.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

// SlackSender posts drift alerts to a Slack channel via incoming
// webhook.
type SlackSender struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// NewSlackSender builds a SlackSender from config.
func NewSlackSender(cfg SlackConfig) *SlackSender {
	return &SlackSender{
		webhookURL: cfg.WebhookURL,
		channel:    cfg.Channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackSender) Name() string { return "slack" }

func (s *SlackSender) Send(a kernel.DriftAlert) error {
	emoji := severityEmoji(a.Severity)
	color := severityColor(a.Severity)

	payload := map[string]any{
		"channel": s.channel,
		"attachments": []map[string]any{
			{
				"color": color,
				"title": fmt.Sprintf("%s aegis: agent %s -> %s", emoji, a.AgentID, a.Level),
				"text":  a.Explanation,
				"fields": []map[string]any{
					{"title": "Level", "value": string(a.Level), "short": true},
					{"title": "Score", "value": fmt.Sprintf("%.2f", a.Score), "short": true},
					{"title": "Intent", "value": a.IntentID, "short": true},
					{"title": "Action", "value": a.SuggestedAction, "short": true},
				},
				"ts": a.Timestamp.Unix(),
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

func severityEmoji(severity string) string {
	switch severity {
	case "CRITICAL":
		return "\U0001F534"
	case "WARNING":
		return "\U0001F7E1"
	default:
		return "\U0001F535"
	}
}

func severityColor(severity string) string {
	switch severity {
	case "CRITICAL":
		return "#dc3545"
	case "WARNING":
		return "#ffc107"
	default:
		return "#17a2b8"
	}
}
