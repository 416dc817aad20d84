package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/GoCodeAlone/linkbilling/alert"
	"github.com/GoCodeAlone/linkbilling/queue"
	"github.com/GoCodeAlone/linkbilling/store"
)

// RetryHandler consumes the delayed renewal retry jobs published after a
// failed domain renewal charge.
type RetryHandler struct {
	h        *handlers
	verifier *queue.Verifier
}

// NewRetryHandler creates a RetryHandler. Callbacks must carry a signature
// that verifier accepts.
func NewRetryHandler(deps Deps, verifier *queue.Verifier) *RetryHandler {
	return &RetryHandler{h: &handlers{Deps: deps.withDefaults()}, verifier: verifier}
}

// RegisterRoutes registers the retry callback on the given mux.
func (rh *RetryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+InvoiceRetryPath, rh.handleRetry)
}

func (rh *RetryHandler) handleRetry(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := rh.verifier.Verify(r.Header.Get(queue.SignatureHeader), rh.h.appURL(InvoiceRetryPath), body); err != nil {
		rh.h.Logger.Warn("retry callback rejected", "error", err)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}
	var job invoiceJobBody
	if err := json.Unmarshal(body, &job); err != nil || job.InvoiceID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invoiceId is required"})
		return
	}

	ctx := context.WithoutCancel(r.Context())
	status, err := rh.retry(ctx, job.InvoiceID)
	if err != nil {
		rh.h.Logger.Error("invoice retry failed", "invoice_id", job.InvoiceID, "error", err)
		rh.h.alert(ctx, alert.TypeErrors, fmt.Sprintf("Invoice retry failed for %s. Error: %s", job.InvoiceID, err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"invoiceId": job.InvoiceID, "status": status})
}

// retry charges a failed renewal invoice again. The resulting charge event
// flows back through the webhook like the first attempt.
func (rh *RetryHandler) retry(ctx context.Context, invoiceID string) (string, error) {
	inv, err := rh.h.Store.GetInvoice(ctx, invoiceID)
	if errors.Is(err, store.ErrNotFound) {
		return "skipped", nil
	}
	if err != nil {
		return "", fmt.Errorf("load invoice: %w", err)
	}
	if inv.Type != store.InvoiceTypeDomainRenewal || inv.Status != store.InvoiceStatusFailed {
		rh.h.Logger.Info("invoice not retryable, skipping", "invoice_id", inv.ID, "type", inv.Type, "status", inv.Status)
		return "skipped", nil
	}
	ws, err := rh.h.Store.GetWorkspace(ctx, inv.WorkspaceID)
	if err != nil {
		return "", fmt.Errorf("load workspace: %w", err)
	}
	if ws.StripeID == "" {
		return "", fmt.Errorf("workspace %s has no stripe customer", ws.ID)
	}

	inv, err = rh.h.Store.ResetInvoiceForRetry(ctx, inv.ID)
	if errors.Is(err, store.ErrConflict) {
		return "skipped", nil
	}
	if err != nil {
		return "", fmt.Errorf("reset invoice: %w", err)
	}
	piID, err := rh.h.Gateway.ChargeInvoice(ctx, inv, ws.StripeID)
	if err != nil {
		// Put the invoice back so the redelivered job can try again.
		if _, rerr := rh.h.Store.RestoreFailedInvoice(ctx, inv.ID); rerr != nil {
			return "", errors.Join(err, fmt.Errorf("restore invoice: %w", rerr))
		}
		return "", err
	}
	rh.h.Logger.Info("retried invoice charge", "invoice_id", inv.ID, "payment_intent_id", piID, "attempt", inv.FailedAttempts+1)
	return "charged", nil
}
