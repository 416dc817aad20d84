package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// QStashConfig configures the hosted delayed-message queue.
type QStashConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	Token   string `yaml:"token" json:"token"`
}

// QStashPublisher publishes jobs to an Upstash QStash compatible HTTP API.
type QStashPublisher struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewQStashPublisher creates a QStashPublisher.
func NewQStashPublisher(cfg QStashConfig, client *http.Client) *QStashPublisher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	base := cfg.BaseURL
	if base == "" {
		base = "https://qstash.upstash.io"
	}
	return &QStashPublisher{
		baseURL: strings.TrimRight(base, "/"),
		token:   cfg.Token,
		client:  client,
	}
}

type qstashResponse struct {
	MessageID    string `json:"messageId"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (p *QStashPublisher) Publish(ctx context.Context, job Job) (string, error) {
	body, err := encodeBody(job)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v2/publish/"+job.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("qstash: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	req.Header.Set("Content-Type", "application/json")
	if job.Delay > 0 {
		req.Header.Set("Upstash-Delay", strconv.FormatInt(int64(job.Delay/time.Second), 10)+"s")
	}
	if job.DeduplicationID != "" {
		req.Header.Set("Upstash-Deduplication-Id", job.DeduplicationID)
	}

	resp, err := p.client.Do(req) //nolint:gosec // G704: configured queue endpoint
	if err != nil {
		return "", fmt.Errorf("qstash: publish: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var out qstashResponse
	_ = json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := out.Error
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return "", fmt.Errorf("qstash: publish returned %d: %s", resp.StatusCode, msg)
	}
	return out.MessageID, nil
}
