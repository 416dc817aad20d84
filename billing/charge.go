package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/GoCodeAlone/linkbilling/email"
	"github.com/GoCodeAlone/linkbilling/queue"
	"github.com/GoCodeAlone/linkbilling/store"
)

// Paths of the delayed-job consumers.
const (
	PayoutsChargeSucceededPath = "/api/cron/payouts/charge-succeeded"
	InvoiceRetryPath           = "/api/cron/invoices/retry-failed"
)

// directDebitMethods are payment method types that incur a fee when a
// payout charge fails.
var directDebitMethods = []string{"us_bank_account", "ach_debit", "sepa_debit", "acss_debit"}

// invoiceJobBody is the body of every invoice follow-up job.
type invoiceJobBody struct {
	InvoiceID string `json:"invoiceId"`
}

// loadChargeInvoice resolves the invoice a charge belongs to. It returns a
// nil invoice, and no error, when the charge carries no transfer group or
// the invoice does not exist.
func (h *handlers) loadChargeInvoice(ctx context.Context, kind EventKind, c *chargePayload) (*store.Invoice, error) {
	if c.TransferGroup == "" {
		h.Logger.Info("charge has no transfer group, skipping", "event_type", kind, "charge_id", c.ID)
		return nil, nil
	}
	inv, err := h.Store.GetInvoice(ctx, c.TransferGroup)
	if errors.Is(err, store.ErrNotFound) {
		h.Logger.Info("invoice not found, skipping", "event_type", kind, "invoice_id", c.TransferGroup)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load invoice %s: %w", c.TransferGroup, err)
	}
	return inv, nil
}

func (h *handlers) chargeSucceeded(ctx context.Context, raw json.RawMessage) error {
	charge, err := decodePayload[chargePayload](raw)
	if err != nil {
		return err
	}
	inv, err := h.loadChargeInvoice(ctx, KindChargeSucceeded, charge)
	if err != nil || inv == nil {
		return err
	}
	if inv.Status == store.InvoiceStatusCompleted {
		h.Logger.Info("invoice already completed, skipping", "invoice_id", inv.ID)
		return nil
	}

	// The payout job goes out before the invoice is completed, so a failed
	// publish leaves the invoice open for the redelivered event.
	if inv.Type == store.InvoiceTypePartnerPayout {
		if err := h.schedulePayouts(ctx, inv); err != nil {
			return err
		}
	}

	inv, err = h.Store.CompleteInvoice(ctx, inv.ID, charge.ReceiptURL, h.Now())
	if errors.Is(err, store.ErrConflict) {
		h.Logger.Info("invoice completed concurrently, skipping", "invoice_id", charge.TransferGroup)
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete invoice %s: %w", charge.TransferGroup, err)
	}
	if inv.Type == store.InvoiceTypeDomainRenewal {
		return h.renewDomains(ctx, inv)
	}
	return nil
}

// schedulePayouts hands a paid payout invoice to the payout job when it
// still has payouts to send. The job is deduplicated per invoice.
func (h *handlers) schedulePayouts(ctx context.Context, inv *store.Invoice) error {
	n, err := h.Store.CountOpenPayouts(ctx, inv.ID)
	if err != nil {
		return fmt.Errorf("count payouts for %s: %w", inv.ID, err)
	}
	if n == 0 {
		h.Logger.Info("no open payouts for invoice", "invoice_id", inv.ID)
		return nil
	}
	id, err := h.publish(ctx, queue.Job{
		URL:             h.appURL(PayoutsChargeSucceededPath),
		Body:            invoiceJobBody{InvoiceID: inv.ID},
		DeduplicationID: inv.ID + "-charge-succeeded",
	})
	if err != nil {
		return err
	}
	h.Logger.Info("scheduled payouts", "invoice_id", inv.ID, "payouts", n, "job_id", id)
	return nil
}

// renewDomains pushes every domain of the invoice to one year past the
// earliest current expiry and turns registrar auto-renew back on.
func (h *handlers) renewDomains(ctx context.Context, inv *store.Invoice) error {
	domains, err := h.Store.ListRegisteredDomains(ctx, inv.RegisteredDomains)
	if err != nil {
		return fmt.Errorf("list domains for %s: %w", inv.ID, err)
	}
	if len(domains) == 0 {
		h.Logger.Info("renewal invoice has no domains", "invoice_id", inv.ID)
		return nil
	}

	expiresAt := domains[0].ExpiresAt.AddDate(0, 0, 365)
	slugs := make([]string, len(domains))
	for i, d := range domains {
		slugs[i] = d.Slug
	}
	if _, err := h.Store.ExtendRegisteredDomains(ctx, slugs, expiresAt); err != nil {
		return fmt.Errorf("extend domains for %s: %w", inv.ID, err)
	}
	h.setAutoRenew(ctx, slugs, true)
	h.Logger.Info("renewed domains", "invoice_id", inv.ID, "domains", slugs, "expires_at", expiresAt)
	return nil
}

func (h *handlers) chargeFailed(ctx context.Context, raw json.RawMessage) error {
	charge, err := decodePayload[chargePayload](raw)
	if err != nil {
		return err
	}
	inv, err := h.loadChargeInvoice(ctx, KindChargeFailed, charge)
	if err != nil || inv == nil {
		return err
	}

	inv, err = h.Store.FailInvoice(ctx, inv.ID, charge.ID, charge.FailureMessage)
	if err != nil {
		return fmt.Errorf("fail invoice %s: %w", charge.TransferGroup, err)
	}
	h.Logger.Info("invoice failed", "invoice_id", inv.ID, "failed_attempts", inv.FailedAttempts, "reason", charge.FailureMessage)

	switch inv.Type {
	case store.InvoiceTypePartnerPayout:
		return h.payoutChargeFailed(ctx, inv, charge)
	case store.InvoiceTypeDomainRenewal:
		return h.renewalChargeFailed(ctx, inv)
	}
	return nil
}

// payoutChargeFailed releases the invoice's payouts for the next charge
// attempt. There is no automatic retry for payout invoices. Usage is only
// given back when payouts were actually released, so a redelivered failure
// does not decrement it twice.
func (h *handlers) payoutChargeFailed(ctx context.Context, inv *store.Invoice, charge *chargePayload) error {
	reverted, err := h.Store.RevertPayouts(ctx, inv.ID)
	if err != nil {
		return fmt.Errorf("revert payouts for %s: %w", inv.ID, err)
	}
	if reverted > 0 {
		if err := h.Store.DecrementPayoutsUsage(ctx, inv.WorkspaceID, inv.Amount); err != nil {
			return fmt.Errorf("decrement payouts usage for %s: %w", inv.WorkspaceID, err)
		}
	}
	ws, err := h.Store.GetWorkspace(ctx, inv.WorkspaceID)
	if err != nil {
		return fmt.Errorf("load workspace %s: %w", inv.WorkspaceID, err)
	}

	feeApplied := false
	method := charge.paymentMethodType()
	if slices.Contains(directDebitMethods, method) && ws.StripeID != "" && charge.PaymentMethod != "" && h.Options.FailureFeeCents > 0 {
		piID, err := h.Gateway.CreateFailureFee(ctx, FailureFee{
			CustomerID:        ws.StripeID,
			PaymentMethodID:   charge.PaymentMethod,
			PaymentMethodType: method,
			InvoiceID:         inv.ID,
			ChargeID:          charge.ID,
			AmountCents:       h.Options.FailureFeeCents,
		})
		if err != nil {
			h.Logger.Error("failure fee not charged", "invoice_id", inv.ID, "error", err)
		} else {
			feeApplied = true
			h.Logger.Info("charged failure fee", "invoice_id", inv.ID, "payment_intent_id", piID)
		}
	}
	h.Logger.Info("reverted payouts", "invoice_id", inv.ID, "payouts", reverted)

	return h.emailWorkspace(ctx, ws.ID, false, func(u *store.User) email.Message {
		return email.Message{
			Subject:  "Partner payout failed",
			Template: email.TemplatePartnerPayoutFailed,
			Data: map[string]any{
				"Name":          u.Name,
				"InvoiceNumber": inv.Number,
				"WorkspaceSlug": ws.Slug,
				"FailedReason":  inv.FailedReason,
				"FeeApplied":    feeApplied,
				"FeeAmount":     formatCents(h.Options.FailureFeeCents),
				"PayoutsURL":    h.appURL("/" + ws.Slug + "/program/payouts"),
			},
		}
	})
}

// renewalChargeFailed either schedules the next attempt or, once the
// invoice has failed MaxFailedAttempts times, lets the domains expire.
func (h *handlers) renewalChargeFailed(ctx context.Context, inv *store.Invoice) error {
	ws, err := h.Store.GetWorkspace(ctx, inv.WorkspaceID)
	if err != nil {
		return fmt.Errorf("load workspace %s: %w", inv.WorkspaceID, err)
	}

	if inv.FailedAttempts >= h.Options.MaxFailedAttempts {
		h.setAutoRenew(ctx, inv.RegisteredDomains, false)
		if _, err := h.Store.DisableAutoRenewal(ctx, inv.RegisteredDomains, h.Now()); err != nil {
			return fmt.Errorf("disable auto-renewal for %s: %w", inv.ID, err)
		}
		h.Logger.Info("domains expired after repeated renewal failures", "invoice_id", inv.ID, "domains", inv.RegisteredDomains)
		return h.emailWorkspace(ctx, ws.ID, true, func(u *store.User) email.Message {
			return email.Message{
				Subject:  "Domain expired",
				Template: email.TemplateDomainExpired,
				Data: map[string]any{
					"Name":       u.Name,
					"Domains":    inv.RegisteredDomains,
					"DomainsURL": h.appURL("/" + ws.Slug + "/settings/domains"),
				},
			}
		})
	}

	id, err := h.publish(ctx, queue.Job{
		URL:             h.appURL(InvoiceRetryPath),
		Body:            invoiceJobBody{InvoiceID: inv.ID},
		Delay:           h.Options.RetryDelay,
		DeduplicationID: fmt.Sprintf("%s-attempt-%d", inv.ID, inv.FailedAttempts+1),
	})
	if err != nil {
		return err
	}
	h.Logger.Info("scheduled renewal retry", "invoice_id", inv.ID, "job_id", id, "delay", h.Options.RetryDelay)

	return h.emailWorkspace(ctx, ws.ID, true, func(u *store.User) email.Message {
		return email.Message{
			Subject:  "Domain renewal failed",
			Template: email.TemplateDomainRenewalFailed,
			Data: map[string]any{
				"Name":       u.Name,
				"Domains":    inv.RegisteredDomains,
				"BillingURL": h.appURL("/" + ws.Slug + "/settings/billing"),
			},
		}
	})
}

func (h *handlers) chargeRefunded(ctx context.Context, raw json.RawMessage) error {
	charge, err := decodePayload[chargePayload](raw)
	if err != nil {
		return err
	}
	inv, err := h.loadChargeInvoice(ctx, KindChargeRefunded, charge)
	if err != nil || inv == nil {
		return err
	}
	if inv.Type != store.InvoiceTypeDomainRenewal {
		h.Logger.Info("refund ignored for invoice type", "invoice_id", inv.ID, "type", inv.Type)
		return nil
	}

	h.setAutoRenew(ctx, inv.RegisteredDomains, false)
	if _, err := h.Store.DisableAutoRenewal(ctx, inv.RegisteredDomains, h.Now()); err != nil {
		return fmt.Errorf("disable auto-renewal for %s: %w", inv.ID, err)
	}
	h.Logger.Info("auto-renewal disabled after refund", "invoice_id", inv.ID, "domains", inv.RegisteredDomains)
	return nil
}
