package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/GoCodeAlone/linkbilling/alert"
	"github.com/GoCodeAlone/linkbilling/store"
)

// WebhookPath is where Stripe delivers events.
const WebhookPath = "/api/stripe/webhook"

const maxPayloadBytes = 1 << 20

// Webhook outcomes recorded in metrics.
const (
	outcomeProcessed = "processed"
	outcomeIgnored   = "ignored"
	outcomeDuplicate = "duplicate"
	outcomeFailed    = "failed"
	outcomeRejected  = "rejected"
)

type handlerFunc func(ctx context.Context, raw json.RawMessage) error

// Router verifies Stripe webhook deliveries and dispatches supported events
// to their handler.
type Router struct {
	h      *handlers
	secret string
	table  [numKinds]handlerFunc
}

// NewRouter creates a Router. It panics if an event kind has no handler.
func NewRouter(webhookSecret string, deps Deps) *Router {
	h := &handlers{Deps: deps.withDefaults()}
	r := &Router{h: h, secret: webhookSecret}
	r.table = [numKinds]handlerFunc{
		KindChargeSucceeded:             h.chargeSucceeded,
		KindChargeFailed:                h.chargeFailed,
		KindChargeRefunded:              h.chargeRefunded,
		KindCheckoutSessionCompleted:    h.checkoutSessionCompleted,
		KindSubscriptionUpdated:         h.subscriptionUpdated,
		KindSubscriptionDeleted:         h.subscriptionDeleted,
		KindInvoicePaymentFailed:        h.invoicePaymentFailed,
		KindPaymentIntentRequiresAction: h.paymentIntentRequiresAction,
	}
	if err := checkTable(r.table); err != nil {
		panic(err)
	}
	return r
}

func checkTable(table [numKinds]handlerFunc) error {
	for k, fn := range table {
		if fn == nil {
			return fmt.Errorf("billing: no handler for %s", EventKind(k))
		}
	}
	return nil
}

// RegisterRoutes registers the webhook route on the given mux.
func (rt *Router) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST "+WebhookPath, rt.handleWebhook)
}

func (rt *Router) handleWebhook(w http.ResponseWriter, r *http.Request) {
	logger := rt.h.Logger

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		rt.h.Metrics.RecordWebhookEvent("", outcomeRejected)
		writeText(w, http.StatusBadRequest, "Webhook Error: "+err.Error())
		return
	}
	sig := r.Header.Get("Stripe-Signature")
	if sig == "" || rt.secret == "" {
		rt.h.Metrics.RecordWebhookEvent("", outcomeRejected)
		writeText(w, http.StatusBadRequest, "Webhook Error: missing signature or secret")
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, sig, rt.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		logger.Warn("webhook signature rejected", "error", err)
		rt.h.Metrics.RecordWebhookEvent("", outcomeRejected)
		writeText(w, http.StatusBadRequest, "Webhook Error: "+err.Error())
		return
	}

	eventType := string(event.Type)
	kind, ok := ParseEventKind(eventType)
	if !ok {
		rt.h.Metrics.RecordWebhookEvent(eventType, outcomeIgnored)
		writeText(w, http.StatusOK, "Unsupported event, skipping...")
		return
	}

	// Stripe may drop the connection before the handler finishes; the side
	// effects must still run to completion.
	ctx := context.WithoutCancel(r.Context())

	seen, err := rt.h.Store.IsEventProcessed(ctx, event.ID)
	if err != nil {
		logger.Warn("event ledger lookup failed", "event_id", event.ID, "error", err)
	}
	if seen {
		logger.Info("duplicate event, skipping", "event_id", event.ID, "event_type", eventType)
		rt.h.Metrics.RecordWebhookEvent(eventType, outcomeDuplicate)
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if err := rt.dispatch(ctx, kind, event); err != nil {
		logger.Error("webhook handler failed", "event_id", event.ID, "event_type", eventType, "error", err)
		rt.h.Metrics.RecordWebhookEvent(eventType, outcomeFailed)
		rt.h.alert(ctx, alert.TypeErrors, "Stripe webhook failed. Error: "+err.Error())
		writeText(w, http.StatusBadRequest, "Webhook error: "+err.Error())
		return
	}

	err = rt.h.Store.MarkEventProcessed(ctx, store.ProcessedEvent{ID: event.ID, Type: eventType, ProcessedAt: rt.h.Now()})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		logger.Warn("event ledger write failed", "event_id", event.ID, "error", err)
	}
	rt.h.Metrics.RecordWebhookEvent(eventType, outcomeProcessed)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (rt *Router) dispatch(ctx context.Context, kind EventKind, event stripe.Event) error {
	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}
	start := time.Now()
	err := rt.table[kind](ctx, raw)
	rt.h.Metrics.ObserveHandler(kind.String(), time.Since(start))
	rt.h.Logger.Info("webhook handled", "event_id", event.ID, "event_type", kind, "duration", time.Since(start), "ok", err == nil)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}
