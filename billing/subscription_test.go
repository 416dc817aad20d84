package billing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/GoCodeAlone/linkbilling/alert"
	"github.com/GoCodeAlone/linkbilling/email"
	"github.com/GoCodeAlone/linkbilling/store"
)

func subscription(customer, priceID string) map[string]any {
	return map[string]any{
		"id":       "sub_1",
		"object":   "subscription",
		"customer": customer,
		"status":   "active",
		"items": map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "si_1", "price": map[string]any{"id": priceID}},
			},
		},
	}
}

func checkoutSession(workspaceID string) map[string]any {
	return map[string]any{
		"id":                  "cs_1",
		"object":              "checkout.session",
		"mode":                "subscription",
		"client_reference_id": workspaceID,
		"customer":            "cus_new",
		"subscription":        "sub_1",
	}
}

func TestCheckoutCompletedUpgradesWorkspace(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkspace(PlanFree)
	e.store.PutRestrictedToken(&store.RestrictedToken{ID: "tok_1", WorkspaceID: "ws_1", HashedKey: "hash_1"})
	e.redis.Set("tokenCache:hash_1", `{"plan":"free"}`)
	past := testNow.Add(-24 * time.Hour)
	ws := e.workspace(t, "ws_1")
	ws.StripeID = ""
	ws.PaymentFailedAt = &past
	e.store.PutWorkspace(ws)
	e.gateway.prices["sub_1"] = "price_pro_yearly"

	e.mustReceive(t, "checkout.session.completed", checkoutSession("ws_1"))

	ws = e.workspace(t, "ws_1")
	if ws.Plan != "pro" || ws.Limits != PlanPro.Limits {
		t.Errorf("expected pro plan and limits, got %s %+v", ws.Plan, ws.Limits)
	}
	if ws.StripeID != "cus_new" {
		t.Errorf("expected stripe id cus_new, got %q", ws.StripeID)
	}
	if ws.BillingCycleStart != testNow.Day() {
		t.Errorf("expected billing cycle start %d, got %d", testNow.Day(), ws.BillingCycleStart)
	}
	if ws.PaymentFailedAt != nil {
		t.Error("expected payment failure cleared")
	}
	if ws.OnboardingCompletedAt == nil {
		t.Error("expected onboarding completed")
	}
	if !e.store.DefaultDomainEnabled("ws_1", "dub.link") {
		t.Error("expected premium default domain enabled")
	}
	if e.redis.Exists("tokenCache:hash_1") {
		t.Error("expected token cache entry expired")
	}

	msgs := e.mailer.byTemplate(email.TemplateUpgrade)
	if len(msgs) != 1 || msgs[0].To != "olive@acme.test" {
		t.Fatalf("expected upgrade email to the owner, got %+v", msgs)
	}
	if msgs[0].Subject != "Thank you for upgrading to Pro!" {
		t.Errorf("unexpected subject %q", msgs[0].Subject)
	}
}

func TestCheckoutCompletedSkips(t *testing.T) {
	tests := []struct {
		name    string
		session func() map[string]any
		price   string
	}{
		{
			name: "setup mode",
			session: func() map[string]any {
				s := checkoutSession("ws_1")
				s["mode"] = "setup"
				delete(s, "subscription")
				return s
			},
			price: "price_pro_monthly",
		},
		{
			name: "no workspace reference",
			session: func() map[string]any {
				s := checkoutSession("")
				delete(s, "client_reference_id")
				return s
			},
			price: "price_pro_monthly",
		},
		{
			name:    "unknown price",
			session: func() map[string]any { return checkoutSession("ws_1") },
			price:   "price_unknown",
		},
		{
			name:    "unknown workspace",
			session: func() map[string]any { return checkoutSession("ws_missing") },
			price:   "price_pro_monthly",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.seedWorkspace(PlanFree)
			e.gateway.prices["sub_1"] = tt.price

			e.mustReceive(t, "checkout.session.completed", tt.session())

			if got := e.workspace(t, "ws_1").Plan; got != "free" {
				t.Errorf("expected plan unchanged, got %s", got)
			}
			if n := len(e.mailer.byTemplate(email.TemplateUpgrade)); n != 0 {
				t.Errorf("expected no upgrade email, got %d", n)
			}
		})
	}
}

func TestSubscriptionUpdatedChangesPlan(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkspace(PlanBusiness)
	e.store.PutWebhook(&store.Webhook{ID: "wh_1", WorkspaceID: "ws_1", URL: "https://hooks.acme.test"})
	e.store.PutRestrictedToken(&store.RestrictedToken{ID: "tok_1", WorkspaceID: "ws_1", HashedKey: "hash_1"})
	e.redis.Set("tokenCache:hash_1", `{"plan":"business"}`)

	e.mustReceive(t, "customer.subscription.updated", subscription("cus_1", "price_pro_monthly"))

	ws := e.workspace(t, "ws_1")
	if ws.Plan != "pro" || ws.Limits != PlanPro.Limits {
		t.Errorf("expected downgrade to pro, got %s %+v", ws.Plan, ws.Limits)
	}
	if e.store.Webhook("wh_1").DisabledAt == nil {
		t.Error("expected webhooks disabled on a plan without webhooks")
	}
	if e.redis.Exists("tokenCache:hash_1") {
		t.Error("expected token cache entry expired")
	}
}

func TestSubscriptionUpdatedUpgradeKeepsWebhooks(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkspace(PlanPro)
	e.store.PutWebhook(&store.Webhook{ID: "wh_1", WorkspaceID: "ws_1", URL: "https://hooks.acme.test"})

	e.mustReceive(t, "customer.subscription.updated", subscription("cus_1", "price_business_monthly"))

	if got := e.workspace(t, "ws_1").Plan; got != "business" {
		t.Errorf("expected business plan, got %s", got)
	}
	if e.store.Webhook("wh_1").DisabledAt != nil {
		t.Error("webhooks must stay enabled on business")
	}
}

func TestSubscriptionUpdatedSamePlanClearsPaymentFailure(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkspace(PlanPro)
	past := testNow.Add(-time.Hour)
	ws := e.workspace(t, "ws_1")
	ws.PaymentFailedAt = &past
	e.store.PutWorkspace(ws)

	e.mustReceive(t, "customer.subscription.updated", subscription("cus_1", "price_pro_monthly"))

	if e.workspace(t, "ws_1").PaymentFailedAt != nil {
		t.Error("expected payment failure cleared")
	}
}

func TestSubscriptionUpdatedAlerts(t *testing.T) {
	t.Run("unknown price", func(t *testing.T) {
		e := newTestEnv(t)
		e.seedWorkspace(PlanPro)

		e.mustReceive(t, "customer.subscription.updated", subscription("cus_1", "price_legacy"))

		msgs := e.alerter.messages(alert.TypeErrors)
		if len(msgs) != 1 || msgs[0] != "Invalid price ID in customer.subscription.updated event: price_legacy" {
			t.Errorf("unexpected alerts %v", msgs)
		}
		if got := e.workspace(t, "ws_1").Plan; got != "pro" {
			t.Errorf("expected plan unchanged, got %s", got)
		}
	})
	t.Run("unknown customer", func(t *testing.T) {
		e := newTestEnv(t)
		e.seedWorkspace(PlanPro)

		e.mustReceive(t, "customer.subscription.updated", subscription("cus_missing", "price_business_monthly"))

		msgs := e.alerter.messages(alert.TypeErrors)
		if len(msgs) != 1 || !strings.Contains(msgs[0], "cus_missing") {
			t.Errorf("unexpected alerts %v", msgs)
		}
	})
}

func seedRootLinks(e *testEnv) {
	for _, slug := range []string{"acme.link", "go.acme.test"} {
		e.store.PutDomain(&store.Domain{ID: "dom_" + slug, WorkspaceID: "ws_1", Slug: slug, Verified: true})
		e.store.PutLink(&store.Link{
			ID: "link_" + slug, WorkspaceID: "ws_1", Domain: slug, Key: store.RootKey,
			URL: "https://acme.test/landing", CreatedAt: testNow.Add(-48 * time.Hour),
		})
	}
	e.store.PutDomain(&store.Domain{ID: "dom_pending", WorkspaceID: "ws_1", Slug: "pending.acme.test"})
	e.store.PutLink(&store.Link{ID: "link_pending", WorkspaceID: "ws_1", Domain: "pending.acme.test", Key: store.RootKey, URL: "https://acme.test"})
	e.store.PutWebhook(&store.Webhook{ID: "wh_1", WorkspaceID: "ws_1", URL: "https://hooks.acme.test"})
}

func TestSubscriptionDeletedDowngradesAndClearsRootLinks(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkspace(PlanBusiness)
	seedRootLinks(e)
	past := testNow.Add(-time.Hour)
	ws := e.workspace(t, "ws_1")
	ws.PaymentFailedAt = &past
	ws.FoldersUsage = 12
	e.store.PutWorkspace(ws)

	e.mustReceive(t, "customer.subscription.deleted", subscription("cus_1", "price_business_monthly"))

	ws = e.workspace(t, "ws_1")
	if ws.Plan != "free" || ws.Limits != PlanFree.Limits {
		t.Errorf("expected free plan, got %s %+v", ws.Plan, ws.Limits)
	}
	if ws.PaymentFailedAt != nil || ws.FoldersUsage != 0 {
		t.Errorf("expected payment failure and folders usage reset, got %v %d", ws.PaymentFailedAt, ws.FoldersUsage)
	}

	ctx := context.Background()
	for _, slug := range []string{"acme.link", "go.acme.test"} {
		if l := e.store.Link(slug, store.RootKey); l.URL != "" {
			t.Errorf("%s: expected root link cleared in store, got %q", slug, l.URL)
		}
		cached, err := e.links.GetLink(ctx, slug, store.RootKey)
		if err != nil {
			t.Fatalf("%s: GetLink: %v", slug, err)
		}
		if cached.URL != "" || cached.ID != "link_"+slug {
			t.Errorf("%s: unexpected cached link %+v", slug, cached)
		}
	}
	if l := e.store.Link("pending.acme.test", store.RootKey); l.URL == "" {
		t.Error("unverified domains must keep their root link")
	}

	if len(e.recorder.records) != 2 {
		t.Fatalf("expected 2 analytics records, got %d", len(e.recorder.records))
	}
	for _, r := range e.recorder.records {
		if r.URL != "" || r.WorkspaceID != "ws_1" || !r.CreatedAt.Equal(testNow.Add(-48*time.Hour)) {
			t.Errorf("unexpected record %+v", r)
		}
	}

	if e.store.Webhook("wh_1").DisabledAt == nil {
		t.Error("expected webhooks disabled")
	}
	if msgs := e.mailer.byTemplate(email.TemplateSubscriptionCancelled); len(msgs) != 1 {
		t.Errorf("expected cancellation email to the owner, got %d", len(msgs))
	}
	cron := e.alerter.messages(alert.TypeCron)
	if len(cron) != 1 || !strings.Contains(cron[0], "acme") {
		t.Errorf("unexpected cron alerts %v", cron)
	}
}

func TestSubscriptionDeletedToleratesSideEffectFailures(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkspace(PlanBusiness)
	seedRootLinks(e)
	e.mailer.err = errors.New("smtp down")
	e.redis.Close()

	e.mustReceive(t, "customer.subscription.deleted", subscription("cus_1", "price_business_monthly"))

	if got := e.workspace(t, "ws_1").Plan; got != "free" {
		t.Errorf("expected downgrade despite cache and email failures, got %s", got)
	}
	if l := e.store.Link("acme.link", store.RootKey); l.URL != "" {
		t.Errorf("expected root link cleared, got %q", l.URL)
	}
}

func TestInvoicePaymentFailedNotifiesOwners(t *testing.T) {
	tests := []struct {
		attempt int
		prefix  string
	}{
		{1, ""},
		{2, "2nd notice: "},
		{3, "3rd notice: "},
		{4, ""},
	}
	for _, tt := range tests {
		e := newTestEnv(t)
		e.seedWorkspace(PlanPro)

		e.mustReceive(t, "invoice.payment_failed", map[string]any{
			"id": "in_1", "object": "invoice", "customer": "cus_1",
			"attempt_count": tt.attempt, "amount_due": 2_400,
		})

		ws := e.workspace(t, "ws_1")
		if ws.PaymentFailedAt == nil || !ws.PaymentFailedAt.Equal(testNow) {
			t.Errorf("attempt %d: expected payment failed at %v, got %v", tt.attempt, testNow, ws.PaymentFailedAt)
		}
		msgs := e.mailer.byTemplate(email.TemplateFailedPayment)
		if len(msgs) != 1 || msgs[0].To != "olive@acme.test" {
			t.Fatalf("attempt %d: expected one owner email, got %+v", tt.attempt, msgs)
		}
		if want := tt.prefix + "Your payment for Acme failed"; msgs[0].Subject != want {
			t.Errorf("attempt %d: subject %q, want %q", tt.attempt, msgs[0].Subject, want)
		}
		if msgs[0].Data["AmountDue"] != "$24.00" {
			t.Errorf("attempt %d: unexpected amount %v", tt.attempt, msgs[0].Data["AmountDue"])
		}
	}
}

func TestInvoicePaymentFailedUnknownCustomer(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkspace(PlanPro)

	e.mustReceive(t, "invoice.payment_failed", map[string]any{
		"id": "in_1", "customer": "cus_missing", "attempt_count": 1,
	})

	if len(e.alerter.messages(alert.TypeErrors)) != 1 {
		t.Error("expected an alert for the unknown customer")
	}
	if e.workspace(t, "ws_1").PaymentFailedAt != nil {
		t.Error("workspace must not be touched")
	}
}

func TestPaymentIntentRequiresActionEmailsVerificationLink(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkspace(PlanBusiness)
	seedPayoutInvoice(e, store.PayoutStatusProcessing)

	e.mustReceive(t, "payment_intent.requires_action", map[string]any{
		"id":             "pi_1",
		"object":         "payment_intent",
		"transfer_group": "inv_1",
		"next_action": map[string]any{
			"type": "verify_with_microdeposits",
			"verify_with_microdeposits": map[string]any{
				"hosted_verification_url": "https://payments.stripe.com/microdeposit/pacs_1",
			},
		},
	})

	msgs := e.mailer.byTemplate(email.TemplatePaymentRequiresAction)
	if len(msgs) != 1 || msgs[0].To != "olive@acme.test" {
		t.Fatalf("expected one owner email, got %+v", msgs)
	}
	if msgs[0].Data["VerificationURL"] != "https://payments.stripe.com/microdeposit/pacs_1" {
		t.Errorf("unexpected verification url %v", msgs[0].Data["VerificationURL"])
	}
	if msgs[0].Data["InvoiceNumber"] != "ACME-0001" {
		t.Errorf("unexpected invoice number %v", msgs[0].Data["InvoiceNumber"])
	}
}

func TestPaymentIntentRequiresOtherActionIsIgnored(t *testing.T) {
	e := newTestEnv(t)
	e.seedWorkspace(PlanBusiness)
	seedPayoutInvoice(e, store.PayoutStatusProcessing)

	e.mustReceive(t, "payment_intent.requires_action", map[string]any{
		"id": "pi_1", "transfer_group": "inv_1",
		"next_action": map[string]any{"type": "use_stripe_sdk"},
	})

	if n := len(e.mailer.byTemplate(email.TemplatePaymentRequiresAction)); n != 0 {
		t.Errorf("expected no email, got %d", n)
	}
}
