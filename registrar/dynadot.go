// Package registrar talks to the domain registrar that holds registered
// domains on behalf of workspaces.
package registrar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Registrar toggles registrar-side auto-renewal.
type Registrar interface {
	SetRenewOption(ctx context.Context, domain string, autoRenew bool) error
}

// DynadotConfig configures the Dynadot API client.
type DynadotConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	APIKey  string `yaml:"api_key" json:"api_key"`
}

// Dynadot is a Registrar backed by the Dynadot api3 JSON endpoint.
type Dynadot struct {
	cfg    DynadotConfig
	client *http.Client
}

// NewDynadot creates a Dynadot client.
func NewDynadot(cfg DynadotConfig, client *http.Client) *Dynadot {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.dynadot.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Dynadot{cfg: cfg, client: client}
}

type setRenewOptionResponse struct {
	SetRenewOptionResponse struct {
		ResponseCode json.Number `json:"ResponseCode"`
		Status       string      `json:"Status"`
		Error        string      `json:"Error"`
	} `json:"SetRenewOptionResponse"`
}

func (d *Dynadot) SetRenewOption(ctx context.Context, domain string, autoRenew bool) error {
	option := "donot"
	if autoRenew {
		option = "auto"
	}
	q := url.Values{}
	q.Set("key", d.cfg.APIKey)
	q.Set("command", "set_renew_option")
	q.Set("domain", domain)
	q.Set("renew_option", option)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.BaseURL+"/api3.json?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("dynadot: create request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dynadot: set_renew_option %s: %w", domain, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("dynadot: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("dynadot: set_renew_option %s returned %d", domain, resp.StatusCode)
	}

	var out setRenewOptionResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("dynadot: decode response: %w", err)
	}
	r := out.SetRenewOptionResponse
	if r.ResponseCode.String() != "0" || !strings.EqualFold(r.Status, "success") {
		msg := r.Error
		if msg == "" {
			msg = r.Status
		}
		return fmt.Errorf("dynadot: set_renew_option %s failed: %s", domain, msg)
	}
	return nil
}

var _ Registrar = (*Dynadot)(nil)
