package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/linkbilling/alert"
	"github.com/GoCodeAlone/linkbilling/analytics"
	"github.com/GoCodeAlone/linkbilling/cache"
	"github.com/GoCodeAlone/linkbilling/email"
	"github.com/GoCodeAlone/linkbilling/metrics"
	"github.com/GoCodeAlone/linkbilling/queue"
	"github.com/GoCodeAlone/linkbilling/registrar"
	"github.com/GoCodeAlone/linkbilling/store"
)

// Gateway is the subset of the payment provider the handlers call.
type Gateway interface {
	// SubscriptionPriceID returns the price of the first item of a subscription.
	SubscriptionPriceID(ctx context.Context, subscriptionID string) (string, error)
	// CreateFailureFee charges the fee for a failed direct-debit payout and
	// returns the payment intent id.
	CreateFailureFee(ctx context.Context, fee FailureFee) (string, error)
	// ChargeInvoice starts an off-session payment for the invoice total with
	// the invoice id as transfer group.
	ChargeInvoice(ctx context.Context, inv *store.Invoice, customerID string) (string, error)
}

// FailureFee describes the fee charged when a direct-debit payout fails.
type FailureFee struct {
	CustomerID        string
	PaymentMethodID   string
	PaymentMethodType string
	InvoiceID         string
	// ChargeID is the failed charge; one fee is created per charge.
	ChargeID    string
	AmountCents int64
}

// LinkCache writes redirect records read by the edge.
type LinkCache interface {
	SetLinks(ctx context.Context, links []cache.CachedLink) error
}

// TokenCache invalidates cached API token lookups.
type TokenCache interface {
	Expire(ctx context.Context, hashedKeys []string) error
}

// Options are business constants.
type Options struct {
	// AppURL is the public base URL delayed jobs call back into.
	AppURL               string
	FailureFeeCents      int64
	PremiumDefaultDomain string
	RetryDelay           time.Duration
	MaxFailedAttempts    int
}

// DefaultOptions returns the production constants.
func DefaultOptions() Options {
	return Options{
		FailureFeeCents:      1000,
		PremiumDefaultDomain: "dub.link",
		RetryDelay:           72 * time.Hour,
		MaxFailedAttempts:    3,
	}
}

// Deps holds every collaborator the handlers use. All clients are built by
// the caller; nothing here reads package-level state.
type Deps struct {
	Store     store.Store
	Gateway   Gateway
	Plans     *Catalog
	Links     LinkCache
	Tokens    TokenCache
	Recorder  analytics.Recorder
	Registrar registrar.Registrar
	Queue     queue.Publisher
	// QueueName labels published-job metrics ("qstash" or "redis").
	QueueName string
	Mailer    email.Mailer
	Alerter   alert.Alerter
	Metrics   *metrics.Collector
	Logger    *slog.Logger
	Now       func() time.Time
	Options   Options
}

func (d Deps) withDefaults() Deps {
	def := DefaultOptions()
	if d.Options.FailureFeeCents == 0 {
		d.Options.FailureFeeCents = def.FailureFeeCents
	}
	if d.Options.PremiumDefaultDomain == "" {
		d.Options.PremiumDefaultDomain = def.PremiumDefaultDomain
	}
	if d.Options.RetryDelay == 0 {
		d.Options.RetryDelay = def.RetryDelay
	}
	if d.Options.MaxFailedAttempts == 0 {
		d.Options.MaxFailedAttempts = def.MaxFailedAttempts
	}
	if d.Plans == nil {
		d.Plans = &Catalog{byPrice: map[string]Plan{}}
	}
	if d.Recorder == nil {
		d.Recorder = analytics.NopRecorder{}
	}
	if d.QueueName == "" {
		d.QueueName = "default"
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}
