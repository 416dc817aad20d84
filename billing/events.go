package billing

// EventKind is the closed set of Stripe event types the router handles.
type EventKind int

const (
	KindChargeSucceeded EventKind = iota
	KindChargeFailed
	KindChargeRefunded
	KindCheckoutSessionCompleted
	KindSubscriptionUpdated
	KindSubscriptionDeleted
	KindInvoicePaymentFailed
	KindPaymentIntentRequiresAction

	numKinds
)

var kindNames = [numKinds]string{
	KindChargeSucceeded:             "charge.succeeded",
	KindChargeFailed:                "charge.failed",
	KindChargeRefunded:              "charge.refunded",
	KindCheckoutSessionCompleted:    "checkout.session.completed",
	KindSubscriptionUpdated:         "customer.subscription.updated",
	KindSubscriptionDeleted:         "customer.subscription.deleted",
	KindInvoicePaymentFailed:        "invoice.payment_failed",
	KindPaymentIntentRequiresAction: "payment_intent.requires_action",
}

var kindsByName = func() map[string]EventKind {
	m := make(map[string]EventKind, numKinds)
	for k, name := range kindNames {
		m[name] = EventKind(k)
	}
	return m
}()

// String returns the Stripe event type.
func (k EventKind) String() string {
	if k < 0 || k >= numKinds {
		return "unknown"
	}
	return kindNames[k]
}

// ParseEventKind maps a Stripe event type to its kind.
func ParseEventKind(eventType string) (EventKind, bool) {
	k, ok := kindsByName[eventType]
	return k, ok
}

// AllKinds returns every handled kind in declaration order.
func AllKinds() []EventKind {
	out := make([]EventKind, numKinds)
	for i := range out {
		out[i] = EventKind(i)
	}
	return out
}
