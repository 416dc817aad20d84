package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TinybirdConfig configures the Tinybird Events API recorder.
type TinybirdConfig struct {
	BaseURL    string `yaml:"base_url" json:"base_url"`
	Token      string `yaml:"token" json:"token"`
	Datasource string `yaml:"datasource" json:"datasource"`
}

// TinybirdRecorder posts records as NDJSON to the Tinybird Events API.
type TinybirdRecorder struct {
	cfg    TinybirdConfig
	client *http.Client
}

// NewTinybirdRecorder creates a TinybirdRecorder.
func NewTinybirdRecorder(cfg TinybirdConfig, client *http.Client) *TinybirdRecorder {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.tinybird.co"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Datasource == "" {
		cfg.Datasource = "dub_links_metadata"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TinybirdRecorder{cfg: cfg, client: client}
}

func (r *TinybirdRecorder) RecordLinks(ctx context.Context, links []LinkRecord) error {
	if len(links) == 0 {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, l := range links {
		if err := enc.Encode(l); err != nil {
			return fmt.Errorf("tinybird: encode %s: %w", l.LinkID, err)
		}
	}

	endpoint := r.cfg.BaseURL + "/v0/events?name=" + url.QueryEscape(r.cfg.Datasource)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return fmt.Errorf("tinybird: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.cfg.Token)
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("tinybird: send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("tinybird: returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
