package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/GoCodeAlone/linkbilling/alert"
	"github.com/GoCodeAlone/linkbilling/analytics"
	"github.com/GoCodeAlone/linkbilling/cache"
	"github.com/GoCodeAlone/linkbilling/email"
	"github.com/GoCodeAlone/linkbilling/store"
)

func (h *handlers) checkoutSessionCompleted(ctx context.Context, raw json.RawMessage) error {
	session, err := decodePayload[checkoutSessionPayload](raw)
	if err != nil {
		return err
	}
	if session.Mode == "setup" {
		return nil
	}
	if session.ClientReferenceID == "" || session.Customer == "" {
		h.Logger.Info("checkout session without workspace or customer, skipping", "session_id", session.ID)
		return nil
	}

	priceID, err := h.Gateway.SubscriptionPriceID(ctx, session.Subscription)
	if err != nil {
		return fmt.Errorf("retrieve subscription %s: %w", session.Subscription, err)
	}
	plan, err := h.Plans.PlanByPriceID(priceID)
	if err != nil {
		h.Logger.Info("checkout for unknown price, skipping", "price_id", priceID, "session_id", session.ID)
		return nil
	}

	customer := session.Customer
	day := h.Now().Day()
	ws, err := h.Store.ApplyPlan(ctx, session.ClientReferenceID, store.PlanUpdate{
		Plan:               plan.Name,
		Limits:             plan.Limits,
		StripeID:           &customer,
		BillingCycleStart:  &day,
		ClearPaymentFailed: true,
	})
	if errors.Is(err, store.ErrNotFound) {
		h.Logger.Info("workspace not found, skipping", "workspace_id", session.ClientReferenceID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("apply plan to %s: %w", session.ClientReferenceID, err)
	}
	h.Logger.Info("workspace upgraded", "workspace_id", ws.ID, "plan", plan.Name)

	_ = h.settle(ctx,
		task{"complete onboarding", func(ctx context.Context) error {
			return h.Store.CompleteOnboarding(ctx, ws.ID, h.Now())
		}},
		task{"upgrade email", func(ctx context.Context) error {
			return h.emailWorkspace(ctx, ws.ID, true, func(u *store.User) email.Message {
				return email.Message{
					Subject:  fmt.Sprintf("Thank you for upgrading to %s!", plan.Title()),
					Template: email.TemplateUpgrade,
					Data: map[string]any{
						"Name":          u.Name,
						"Plan":          plan.Title(),
						"WorkspaceName": ws.Name,
						"WorkspaceURL":  h.appURL("/" + ws.Slug),
					},
				}
			})
		}},
		task{"enable premium default domain", func(ctx context.Context) error {
			return h.Store.EnablePremiumDefaultDomain(ctx, ws.ID, h.Options.PremiumDefaultDomain)
		}},
		task{"expire token cache", func(ctx context.Context) error {
			return h.expireTokens(ctx, ws.ID)
		}},
	)
	return nil
}

func (h *handlers) expireTokens(ctx context.Context, workspaceID string) error {
	if h.Tokens == nil {
		return nil
	}
	hashes, err := h.Store.ListRestrictedTokenHashes(ctx, workspaceID)
	if err != nil {
		return err
	}
	return h.Tokens.Expire(ctx, hashes)
}

// workspaceForCustomer loads the workspace billed to a Stripe customer. A
// missing workspace is alerted and reported as nil.
func (h *handlers) workspaceForCustomer(ctx context.Context, kind EventKind, customer string) (*store.Workspace, error) {
	ws, err := h.Store.GetWorkspaceByStripeID(ctx, customer)
	if errors.Is(err, store.ErrNotFound) {
		h.Logger.Info("workspace not found for customer", "event_type", kind, "stripe_id", customer)
		h.alert(ctx, alert.TypeErrors, fmt.Sprintf("Workspace with Stripe ID *`%s`* not found in %s callback", customer, kind))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load workspace for %s: %w", customer, err)
	}
	return ws, nil
}

func (h *handlers) subscriptionUpdated(ctx context.Context, raw json.RawMessage) error {
	sub, err := decodePayload[subscriptionPayload](raw)
	if err != nil {
		return err
	}
	priceID := sub.priceID()
	plan, err := h.Plans.PlanByPriceID(priceID)
	if err != nil {
		h.Logger.Info("subscription updated to unknown price", "price_id", priceID)
		h.alert(ctx, alert.TypeErrors, "Invalid price ID in customer.subscription.updated event: "+priceID)
		return nil
	}

	ws, err := h.workspaceForCustomer(ctx, KindSubscriptionUpdated, sub.Customer)
	if err != nil || ws == nil {
		return err
	}

	if ws.Plan == plan.Name {
		if ws.PaymentFailedAt != nil {
			if err := h.Store.SetPaymentFailed(ctx, ws.ID, nil); err != nil {
				return fmt.Errorf("clear payment failure on %s: %w", ws.ID, err)
			}
			h.Logger.Info("cleared payment failure", "workspace_id", ws.ID)
		}
		return nil
	}

	if _, err := h.Store.ApplyPlan(ctx, ws.ID, store.PlanUpdate{Plan: plan.Name, Limits: plan.Limits}); err != nil {
		return fmt.Errorf("apply plan to %s: %w", ws.ID, err)
	}
	h.Logger.Info("workspace plan changed", "workspace_id", ws.ID, "from", ws.Plan, "to", plan.Name)

	tasks := []task{{"expire token cache", func(ctx context.Context) error {
		return h.expireTokens(ctx, ws.ID)
	}}}
	if !plan.hasWebhooks() {
		tasks = append(tasks, task{"disable webhooks", func(ctx context.Context) error {
			_, err := h.Store.DisableWorkspaceWebhooks(ctx, ws.ID, h.Now())
			return err
		}})
	}
	_ = h.settle(ctx, tasks...)
	return nil
}

// subscriptionDeleted downgrades the workspace to free and blanks the root
// redirect of each of its domains in the database, the edge cache and the
// analytics store. The writes are independent: only a failed downgrade is
// returned, the rest are logged.
func (h *handlers) subscriptionDeleted(ctx context.Context, raw json.RawMessage) error {
	sub, err := decodePayload[subscriptionPayload](raw)
	if err != nil {
		return err
	}
	ws, err := h.workspaceForCustomer(ctx, KindSubscriptionDeleted, sub.Customer)
	if err != nil || ws == nil {
		return err
	}

	domains, err := h.Store.ListVerifiedDomains(ctx, ws.ID)
	if err != nil {
		return fmt.Errorf("list domains for %s: %w", ws.ID, err)
	}
	slugs := make([]string, len(domains))
	for i, d := range domains {
		slugs[i] = d.Slug
	}
	links, err := h.Store.ListRootLinks(ctx, slugs)
	if err != nil {
		return fmt.Errorf("list root links for %s: %w", ws.ID, err)
	}

	var downgradeErr error
	_ = h.settle(ctx,
		task{"downgrade plan", func(ctx context.Context) error {
			_, downgradeErr = h.Store.ApplyPlan(ctx, ws.ID, store.PlanUpdate{
				Plan:               PlanFree.Name,
				Limits:             PlanFree.Limits,
				ClearPaymentFailed: true,
				ResetFoldersUsage:  true,
			})
			return downgradeErr
		}},
		task{"clear root links", func(ctx context.Context) error {
			_, err := h.Store.ClearRootLinks(ctx, slugs)
			return err
		}},
		task{"clear cached root links", func(ctx context.Context) error {
			if h.Links == nil || len(links) == 0 {
				return nil
			}
			cached := make([]cache.CachedLink, len(links))
			for i, l := range links {
				cached[i] = cache.CachedLink{ID: l.ID, Domain: l.Domain, Key: l.Key, URL: "", WorkspaceID: l.WorkspaceID}
			}
			return h.Links.SetLinks(ctx, cached)
		}},
		task{"record root links", func(ctx context.Context) error {
			if len(links) == 0 {
				return nil
			}
			records := make([]analytics.LinkRecord, len(links))
			for i, l := range links {
				records[i] = analytics.LinkRecord{
					LinkID: l.ID, Domain: l.Domain, Key: l.Key, URL: "",
					WorkspaceID: l.WorkspaceID, CreatedAt: l.CreatedAt,
				}
			}
			return h.Recorder.RecordLinks(ctx, records)
		}},
		task{"disable webhooks", func(ctx context.Context) error {
			_, err := h.Store.DisableWorkspaceWebhooks(ctx, ws.ID, h.Now())
			return err
		}},
		task{"cancellation email", func(ctx context.Context) error {
			return h.emailWorkspace(ctx, ws.ID, true, func(u *store.User) email.Message {
				return email.Message{
					Subject:  "Your subscription has been cancelled",
					Template: email.TemplateSubscriptionCancelled,
					Data:     map[string]any{"Name": u.Name, "WorkspaceName": ws.Name},
				}
			})
		}},
		task{"cancellation alert", func(ctx context.Context) error {
			h.alert(ctx, alert.TypeCron, fmt.Sprintf(":cry: Workspace *%s* deleted their subscription", ws.Slug))
			return nil
		}},
	)
	if downgradeErr != nil {
		return fmt.Errorf("downgrade %s: %w", ws.ID, downgradeErr)
	}
	h.Logger.Info("subscription cancelled", "workspace_id", ws.ID, "root_links", len(links))
	return nil
}

func (h *handlers) invoicePaymentFailed(ctx context.Context, raw json.RawMessage) error {
	invoice, err := decodePayload[invoicePayload](raw)
	if err != nil {
		return err
	}
	ws, err := h.workspaceForCustomer(ctx, KindInvoicePaymentFailed, invoice.Customer)
	if err != nil || ws == nil {
		return err
	}

	now := h.Now()
	if err := h.Store.SetPaymentFailed(ctx, ws.ID, &now); err != nil {
		return fmt.Errorf("mark payment failed on %s: %w", ws.ID, err)
	}

	subject := noticePrefix(invoice.AttemptCount) + "Your payment for " + ws.Name + " failed"
	return h.emailWorkspace(ctx, ws.ID, true, func(u *store.User) email.Message {
		return email.Message{
			Subject:  subject,
			Template: email.TemplateFailedPayment,
			Data: map[string]any{
				"Name":          u.Name,
				"WorkspaceName": ws.Name,
				"AmountDue":     formatCents(invoice.AmountDue),
				"AttemptCount":  invoice.AttemptCount,
				"BillingURL":    h.appURL("/" + ws.Slug + "/settings/billing"),
			},
		}
	})
}

func (h *handlers) paymentIntentRequiresAction(ctx context.Context, raw json.RawMessage) error {
	pi, err := decodePayload[paymentIntentPayload](raw)
	if err != nil {
		return err
	}
	if pi.TransferGroup == "" {
		return nil
	}
	inv, err := h.Store.GetInvoice(ctx, pi.TransferGroup)
	if errors.Is(err, store.ErrNotFound) {
		h.Logger.Info("invoice not found, skipping", "event_type", KindPaymentIntentRequiresAction, "invoice_id", pi.TransferGroup)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load invoice %s: %w", pi.TransferGroup, err)
	}

	if pi.NextAction == nil || pi.NextAction.Type != "verify_with_microdeposits" {
		h.Logger.Info("payment intent requires unsupported action", "invoice_id", inv.ID, "payment_intent_id", pi.ID)
		return nil
	}
	verifyURL := pi.NextAction.VerifyWithMicrodeposits.HostedVerificationURL
	return h.emailWorkspace(ctx, inv.WorkspaceID, true, func(u *store.User) email.Message {
		return email.Message{
			Subject:  "Verify your bank account to complete payment",
			Template: email.TemplatePaymentRequiresAction,
			Data: map[string]any{
				"Name":            u.Name,
				"InvoiceNumber":   inv.Number,
				"VerificationURL": verifyURL,
			},
		}
	})
}
