package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/GoCodeAlone/linkbilling/store"
)

// ErrNoPaymentMethod is returned when a customer has no saved payment method
// to charge off-session.
var ErrNoPaymentMethod = errors.New("billing: customer has no payment method")

// StripeGateway implements Gateway against the Stripe API. Each gateway owns
// its client, so several can coexist in one process.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a gateway for secretKey. A nil backends uses the
// default Stripe endpoints.
func NewStripeGateway(secretKey string, backends *stripe.Backends) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, backends)
	return &StripeGateway{api: api}
}

// SubscriptionPriceID implements Gateway.
func (g *StripeGateway) SubscriptionPriceID(ctx context.Context, subscriptionID string) (string, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := g.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return "", fmt.Errorf("billing: get stripe subscription: %w", err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 || sub.Items.Data[0].Price == nil {
		return "", fmt.Errorf("billing: subscription %s has no price", subscriptionID)
	}
	return sub.Items.Data[0].Price.ID, nil
}

// CreateFailureFee implements Gateway.
func (g *StripeGateway) CreateFailureFee(ctx context.Context, fee FailureFee) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(fee.AmountCents),
		Currency:           stripe.String(string(stripe.CurrencyUSD)),
		Customer:           stripe.String(fee.CustomerID),
		PaymentMethod:      stripe.String(fee.PaymentMethodID),
		PaymentMethodTypes: stripe.StringSlice([]string{fee.PaymentMethodType}),
		Confirm:            stripe.Bool(true),
		Description:        stripe.String("Payout failure fee for invoice " + fee.InvoiceID),
	}
	params.Context = ctx
	if fee.ChargeID != "" {
		params.SetIdempotencyKey(fee.InvoiceID + "-failure-fee-" + fee.ChargeID)
	}
	params.AddMetadata("type", "payout-failure-fee")
	params.AddMetadata("invoiceId", fee.InvoiceID)
	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("billing: create failure fee: %w", err)
	}
	return pi.ID, nil
}

// ChargeInvoice implements Gateway. It charges the customer's first saved
// payment method. The idempotency key is scoped to the invoice's failure
// count, so a redelivered retry job reuses the payment intent of its attempt.
func (g *StripeGateway) ChargeInvoice(ctx context.Context, inv *store.Invoice, customerID string) (string, error) {
	listParams := &stripe.PaymentMethodListParams{Customer: stripe.String(customerID)}
	listParams.Context = ctx
	listParams.Limit = stripe.Int64(1)
	iter := g.api.PaymentMethods.List(listParams)
	var pm *stripe.PaymentMethod
	if iter.Next() {
		pm = iter.PaymentMethod()
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("billing: list payment methods: %w", err)
	}
	if pm == nil {
		return "", ErrNoPaymentMethod
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(inv.Total),
		Currency:           stripe.String(string(stripe.CurrencyUSD)),
		Customer:           stripe.String(customerID),
		PaymentMethod:      stripe.String(pm.ID),
		PaymentMethodTypes: stripe.StringSlice([]string{string(pm.Type)}),
		TransferGroup:      stripe.String(inv.ID),
		OffSession:         stripe.Bool(true),
		Confirm:            stripe.Bool(true),
		Description:        stripe.String("Invoice " + inv.Number),
	}
	params.Context = ctx
	params.SetIdempotencyKey(fmt.Sprintf("%s-retry-%d", inv.ID, inv.FailedAttempts))
	params.AddMetadata("invoiceId", inv.ID)
	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("billing: charge invoice %s: %w", inv.ID, err)
	}
	return pi.ID, nil
}
