package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSlackAlerter_RoutesByType(t *testing.T) {
	got := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p slackPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		got[r.URL.Path] = p.Text
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewSlackAlerter(SlackConfig{Webhooks: map[Type]string{
		TypeErrors: srv.URL + "/errors",
		TypeCron:   srv.URL + "/cron",
	}}, srv.Client(), nil)

	ctx := context.Background()
	if err := a.Alert(ctx, Alert{Message: "Stripe webhook failed. Error: boom", Type: TypeErrors}); err != nil {
		t.Fatal(err)
	}
	if err := a.Alert(ctx, Alert{Message: ":cry: Workspace acme deleted their subscription", Type: TypeCron, Mention: true}); err != nil {
		t.Fatal(err)
	}

	if got["/errors"] != "Stripe webhook failed. Error: boom" {
		t.Errorf("unexpected errors text %q", got["/errors"])
	}
	if got["/cron"] != "<!here> :cry: Workspace acme deleted their subscription" {
		t.Errorf("unexpected cron text %q", got["/cron"])
	}
}

func TestSlackAlerter_UnconfiguredTypeDropped(t *testing.T) {
	a := NewSlackAlerter(SlackConfig{}, nil, nil)
	if err := a.Alert(context.Background(), Alert{Message: "x", Type: TypeAlerts}); err != nil {
		t.Fatalf("expected nil for unconfigured type, got %v", err)
	}
}

func TestSlackAlerter_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	a := NewSlackAlerter(SlackConfig{Webhooks: map[Type]string{TypeAlerts: srv.URL}}, srv.Client(), nil)
	if err := a.Alert(context.Background(), Alert{Message: "x"}); err == nil {
		t.Fatal("expected error for 403")
	}
}
