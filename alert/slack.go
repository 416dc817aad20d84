// Package alert posts operational alerts to Slack incoming webhooks.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Type selects the Slack channel an alert goes to.
type Type string

const (
	TypeErrors Type = "errors"
	TypeCron   Type = "cron"
	TypeAlerts Type = "alerts"
)

// Alert is a single message.
type Alert struct {
	Message string
	Type    Type
	Mention bool
}

// Alerter delivers alerts.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

// SlackConfig maps alert types to incoming-webhook URLs.
type SlackConfig struct {
	Webhooks map[Type]string `yaml:"webhooks" json:"webhooks"`
	Username string          `yaml:"username" json:"username"`
}

// SlackAlerter sends alerts to per-type Slack webhooks. Types without a
// configured webhook are logged and dropped.
type SlackAlerter struct {
	cfg    SlackConfig
	client *http.Client
	logger *slog.Logger
}

type slackPayload struct {
	Username string `json:"username,omitempty"`
	Text     string `json:"text"`
}

// NewSlackAlerter creates a SlackAlerter.
func NewSlackAlerter(cfg SlackConfig, client *http.Client, logger *slog.Logger) *SlackAlerter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SlackAlerter{cfg: cfg, client: client, logger: logger}
}

func (s *SlackAlerter) Alert(ctx context.Context, a Alert) error {
	if a.Type == "" {
		a.Type = TypeAlerts
	}
	url := s.cfg.Webhooks[a.Type]
	if url == "" {
		s.logger.WarnContext(ctx, "slack webhook not configured, alert dropped", "type", a.Type, "message", a.Message)
		return nil
	}

	text := a.Message
	if a.Mention {
		text = "<!here> " + text
	}
	body, err := json.Marshal(slackPayload{Username: s.cfg.Username, Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req) //nolint:gosec // G704: configured webhook URL
	if err != nil {
		return fmt.Errorf("failed to send slack notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}
