package billing

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/linkbilling/alert"
	"github.com/GoCodeAlone/linkbilling/queue"
	"github.com/GoCodeAlone/linkbilling/store"
)

const testSigningKey = "sig_current"

func newRetryMux(e *testEnv) *http.ServeMux {
	mux := http.NewServeMux()
	NewRetryHandler(e.deps, queue.NewVerifier(testSigningKey, "")).RegisterRoutes(mux)
	return mux
}

func postRetry(t *testing.T, mux *http.ServeMux, body string, sign bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, InvoiceRetryPath, strings.NewReader(body))
	if sign {
		sig, err := queue.NewSigner(testSigningKey, time.Minute).Sign(testAppURL+InvoiceRetryPath, []byte(body))
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		req.Header.Set(queue.SignatureHeader, sig)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestRetryChargesFailedRenewal(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkspace(PlanPro)
	seedRenewalInvoice(e, 0)
	e.mustReceive(t, "charge.failed", failedCharge("inv_1", "card"))
	mux := newRetryMux(e)

	body, err := json.Marshal(e.queue.published()[0].Body)
	if err != nil {
		t.Fatalf("marshal job body: %v", err)
	}
	rec := postRetry(t, mux, string(body), true)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"charged"`) {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
	if len(e.gateway.charges) != 1 || e.gateway.charges[0] != "inv_1" {
		t.Errorf("expected inv_1 charged, got %v", e.gateway.charges)
	}
	if got := e.store.Invoice("inv_1").Status; got != store.InvoiceStatusPending {
		t.Errorf("expected pending invoice while the charge is in flight, got %s", got)
	}
}

func TestRetryRejectsUnsignedCallbacks(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkspace(PlanPro)
	seedRenewalInvoice(e, 1)
	mux := newRetryMux(e)

	rec := postRetry(t, mux, `{"invoiceId":"inv_1"}`, false)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
	if len(e.gateway.charges) != 0 {
		t.Error("unsigned callback must not charge")
	}
}

func TestRetryRejectsTamperedBody(t *testing.T) {
	e := newTestEnv(t)
	mux := newRetryMux(e)

	sig, err := queue.NewSigner(testSigningKey, time.Minute).Sign(testAppURL+InvoiceRetryPath, []byte(`{"invoiceId":"inv_1"}`))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, InvoiceRetryPath, bytes.NewReader([]byte(`{"invoiceId":"inv_2"}`)))
	req.Header.Set(queue.SignatureHeader, sig)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestRetrySkipsInvoicesThatAreNotFailed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*store.Invoice)
	}{
		{"completed", func(inv *store.Invoice) { inv.Status = store.InvoiceStatusCompleted }},
		{"processing", func(inv *store.Invoice) { inv.Status = store.InvoiceStatusProcessing }},
		{"payout", func(inv *store.Invoice) {
			inv.Type = store.InvoiceTypePartnerPayout
			inv.Status = store.InvoiceStatusFailed
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.seedWorkspace(PlanPro)
			seedRenewalInvoice(e, 1)
			inv := e.store.Invoice("inv_1")
			tt.mutate(inv)
			e.store.PutInvoice(inv)

			rec := postRetry(t, newRetryMux(e), `{"invoiceId":"inv_1"}`, true)

			if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"skipped"`) {
				t.Errorf("expected skipped, got %d %q", rec.Code, rec.Body.String())
			}
			if len(e.gateway.charges) != 0 {
				t.Error("expected no charge")
			}
		})
	}
}

func TestRetryChargeFailureAlerts(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkspace(PlanPro)
	seedRenewalInvoice(e, 1)
	inv := e.store.Invoice("inv_1")
	inv.Status = store.InvoiceStatusFailed
	e.store.PutInvoice(inv)
	e.gateway.chargeErr = errors.New("card_declined")

	rec := postRetry(t, newRetryMux(e), `{"invoiceId":"inv_1"}`, true)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	msgs := e.alerter.messages(alert.TypeErrors)
	if len(msgs) != 1 || !strings.Contains(msgs[0], "inv_1") || !strings.Contains(msgs[0], "card_declined") {
		t.Errorf("unexpected alerts %v", msgs)
	}
}

func TestRetryChargeErrorLeavesInvoiceRetryable(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkspace(PlanPro)
	seedRenewalInvoice(e, 1)
	inv := e.store.Invoice("inv_1")
	inv.Status = store.InvoiceStatusFailed
	e.store.PutInvoice(inv)
	mux := newRetryMux(e)
	e.gateway.chargeErr = errors.New("stripe unavailable")

	if rec := postRetry(t, mux, `{"invoiceId":"inv_1"}`, true); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if got := e.store.Invoice("inv_1").Status; got != store.InvoiceStatusFailed {
		t.Fatalf("expected invoice back to failed, got %s", got)
	}

	e.gateway.chargeErr = nil
	rec := postRetry(t, mux, `{"invoiceId":"inv_1"}`, true)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"charged"`) {
		t.Fatalf("expected redelivered job to charge, got %d %q", rec.Code, rec.Body.String())
	}
	if len(e.gateway.charges) != 1 {
		t.Errorf("expected one charge, got %v", e.gateway.charges)
	}
}

func TestRetryRequiresInvoiceID(t *testing.T) {
	e := newTestEnv(t)
	rec := postRetry(t, newRetryMux(e), `{}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
