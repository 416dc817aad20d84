package billing

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/GoCodeAlone/linkbilling/alert"
	"github.com/GoCodeAlone/linkbilling/store"
)

func TestWebhookRejectsBadSignature(t *testing.T) {
	e := newTestEnv(t)
	body, _ := e.signedEvent(t, "evt_1", "charge.succeeded", charge("inv_1"))

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"forged", "t=1700000000,v1=deadbeef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, WebhookPath, bytes.NewReader(body))
			if tt.header != "" {
				req.Header.Set("Stripe-Signature", tt.header)
			}
			rec := httptest.NewRecorder()
			e.mux.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
			if !strings.HasPrefix(rec.Body.String(), "Webhook Error: ") {
				t.Errorf("unexpected body %q", rec.Body.String())
			}
		})
	}
	if got := testutil.ToFloat64(e.metrics.WebhookEvents.WithLabelValues("", outcomeRejected)); got != 2 {
		t.Errorf("expected 2 rejected events, got %v", got)
	}
}

func TestWebhookSkipsUnsupportedEvents(t *testing.T) {
	e := newTestEnv(t)

	rec := e.deliver(t, "evt_1", "customer.created", map[string]any{"id": "cus_1"})

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "Unsupported event, skipping..." {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if ok, _ := e.store.IsEventProcessed(t.Context(), "evt_1"); ok {
		t.Error("unsupported events must not be recorded in the ledger")
	}
}

func TestWebhookHandlerErrorAlertsAndReturns400(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkspace(PlanFree)
	e.gateway.priceErr = errors.New("stripe unavailable")

	rec := e.deliver(t, "evt_1", "checkout.session.completed", checkoutSession("ws_1"))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Body.String(), "Webhook error: ") || !strings.Contains(rec.Body.String(), "stripe unavailable") {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	msgs := e.alerter.messages(alert.TypeErrors)
	if len(msgs) != 1 || !strings.HasPrefix(msgs[0], "Stripe webhook failed. Error: ") {
		t.Errorf("unexpected alerts %v", msgs)
	}
	if ok, _ := e.store.IsEventProcessed(t.Context(), "evt_1"); ok {
		t.Error("failed events must stay out of the ledger so Stripe can redeliver")
	}
	if got := testutil.ToFloat64(e.metrics.WebhookEvents.WithLabelValues("checkout.session.completed", outcomeFailed)); got != 1 {
		t.Errorf("expected 1 failed event, got %v", got)
	}
}

func TestWebhookInvalidPayloadReturns400(t *testing.T) {
	e := newTestEnv(t)

	rec := e.deliver(t, "evt_1", "customer.subscription.updated", map[string]any{"id": "sub_1"})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	for _, want := range []string{"customer: is required", "items.data: must not be empty"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("body %q missing %q", rec.Body.String(), want)
		}
	}
}

func TestWebhookRedeliveryIsSkipped(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkspace(PlanBusiness)
	e.store.PutInvoice(&store.Invoice{
		ID: "inv_1", WorkspaceID: "ws_1", Type: store.InvoiceTypeDomainRenewal,
		Status: store.InvoiceStatusProcessing, RegisteredDomains: []string{"acme.link"},
	})

	for i := 0; i < 2; i++ {
		rec := e.deliver(t, "evt_same", "charge.failed", failedCharge("inv_1", "card"))
		if rec.Code != http.StatusOK || rec.Body.String() != "{\"received\":true}\n" {
			t.Fatalf("delivery %d: got %d %q", i+1, rec.Code, rec.Body.String())
		}
	}

	if got := e.store.Invoice("inv_1").FailedAttempts; got != 1 {
		t.Errorf("expected redelivery to be skipped, got %d failed attempts", got)
	}
	if n := len(e.queue.published()); n != 1 {
		t.Errorf("expected one retry job, got %d", n)
	}
	if got := testutil.ToFloat64(e.metrics.WebhookEvents.WithLabelValues("charge.failed", outcomeDuplicate)); got != 1 {
		t.Errorf("expected 1 duplicate event, got %v", got)
	}
}

func TestRouterTableIsComplete(t *testing.T) {
	e := newTestEnv(t)
	if err := checkTable(e.router.table); err != nil {
		t.Fatal(err)
	}

	var partial [numKinds]handlerFunc
	copy(partial[:], e.router.table[:])
	partial[KindInvoicePaymentFailed] = nil
	err := checkTable(partial)
	if err == nil || !strings.Contains(err.Error(), "invoice.payment_failed") {
		t.Errorf("expected missing handler error, got %v", err)
	}
}

func TestEventKindNames(t *testing.T) {
	want := []string{
		"charge.succeeded",
		"charge.failed",
		"charge.refunded",
		"checkout.session.completed",
		"customer.subscription.updated",
		"customer.subscription.deleted",
		"invoice.payment_failed",
		"payment_intent.requires_action",
	}
	kinds := AllKinds()
	if len(kinds) != len(want) {
		t.Fatalf("expected %d kinds, got %d", len(want), len(kinds))
	}
	for i, k := range kinds {
		if k.String() != want[i] {
			t.Errorf("kind %d: got %q, want %q", i, k, want[i])
		}
		parsed, ok := ParseEventKind(want[i])
		if !ok || parsed != k {
			t.Errorf("ParseEventKind(%q) = %v, %v", want[i], parsed, ok)
		}
	}
	if _, ok := ParseEventKind("invoice.paid"); ok {
		t.Error("invoice.paid must not be supported")
	}
}
