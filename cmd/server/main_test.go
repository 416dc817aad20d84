package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/GoCodeAlone/linkbilling/billing"
	"github.com/GoCodeAlone/linkbilling/config"
)

const baseYAML = `
stripe:
  secret_key: sk_test_123
  webhook_secret: whsec_test
  prices:
    pro: [price_pro_monthly]
queue:
  signing_key: sig_current
  qstash:
    token: qstash_token
app:
  url: https://app.example
  internal_token: internal
`

const redisYAML = `
stripe:
  secret_key: sk_test_123
  webhook_secret: whsec_test
queue:
  driver: redis
  signing_key: sig_current
app:
  url: https://app.example
  internal_token: internal
oauth:
  success_url: https://app.example/settings/integrations
  bitly:
    client_id: bitly-client
    client_secret: bitly-secret
    redirect_url: https://api.example/api/oauth/bitly/callback
`

func testConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.Parse(context.Background(), []byte(doc), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func testApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := buildApp(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	t.Cleanup(func() { a.close(logger) })
	return a
}

func TestBuildAppServesHealthAndMetrics(t *testing.T) {
	a := testApp(t, testConfig(t, baseYAML))

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != `{"status":"ok"}` {
		t.Errorf("healthz: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `linkbilling_http_requests_total{method="GET",path="GET /healthz",status_code="200"} 1`) {
		t.Errorf("metrics missing healthz request:\n%s", rec.Body.String())
	}
	if len(a.background) != 0 {
		t.Errorf("qstash driver needs no background workers, got %d", len(a.background))
	}
}

func TestBuildAppRoutesStripeWebhooks(t *testing.T) {
	a := testApp(t, testConfig(t, baseYAML))

	body := []byte(`{"id":"evt_1","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, billing.WebhookPath, bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", signed.Header)
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "Unsupported event, skipping..." {
		t.Errorf("webhook: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, billing.InvoiceRetryPath, strings.NewReader(`{"invoiceId":"inv_1"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("unsigned retry callback: expected 401, got %d", rec.Code)
	}
}

func TestBuildAppRedisQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	a := testApp(t, testConfig(t, redisYAML+"redis:\n  addrs: [\""+mr.Addr()+"\"]\n"))

	if len(a.background) != 1 {
		t.Fatalf("expected the redis queue worker, got %d background funcs", len(a.background))
	}

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/internal/dead-letter", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("dead-letter without token: expected 401, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/internal/dead-letter", nil)
	req.Header.Set("Authorization", "Bearer internal")
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("dead-letter with token: expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/oauth/bitly/authorize?workspaceId=ws_1&userId=u_1", nil)
	req.Header.Set("Authorization", "Bearer internal")
	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusFound || !strings.HasPrefix(rec.Header().Get("Location"), "https://bitly.com/oauth/authorize?") {
		t.Fatalf("bitly authorize: got %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if keys := mr.Keys(); !slices.ContainsFunc(keys, func(k string) bool { return strings.HasPrefix(k, "import:bitly:state") }) {
		t.Errorf("expected the oauth state saved in redis, keys %v", keys)
	}
}

func TestLoadConfigWithSecretsDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "stripe-secret"), []byte("sk_from_file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.yaml")
	doc := strings.Replace(baseYAML, "sk_test_123", "${file:stripe-secret}", 1)
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	orig := *secretsDir
	*secretsDir = dir
	t.Cleanup(func() { *secretsDir = orig })

	cfg, err := loadConfig(context.Background(), path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Stripe.SecretKey != "sk_from_file" {
		t.Errorf("expected secret from file, got %q", cfg.Stripe.SecretKey)
	}
}

func TestNewLogger(t *testing.T) {
	logger := newLogger(config.LogConfig{Level: "warn", Format: "json"}, os.Stderr)
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info must be disabled at warn level")
	}
	if !logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("error must be enabled at warn level")
	}
}
