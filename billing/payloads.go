package billing

import (
	"encoding/json"
	"fmt"

	"github.com/GoCodeAlone/linkbilling/schema"
)

type payload interface {
	validate() error
}

// decodePayload parses event.data.object into T and validates it.
func decodePayload[T any, P interface {
	*T
	payload
}](raw json.RawMessage) (*T, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("invalid payload: %w", schema.ValidationErrors{{Path: "data.object", Message: "is missing"}})
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("decode event object: %w", err)
	}
	if err := P(v).validate(); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return v, nil
}

// chargePayload is a Stripe Charge.
type chargePayload struct {
	ID                   string `json:"id"`
	Amount               int64  `json:"amount"`
	TransferGroup        string `json:"transfer_group"`
	FailureMessage       string `json:"failure_message"`
	ReceiptURL           string `json:"receipt_url"`
	PaymentMethod        string `json:"payment_method"`
	PaymentMethodDetails *struct {
		Type string `json:"type"`
	} `json:"payment_method_details"`
}

func (c *chargePayload) validate() error {
	var errs schema.ValidationErrors
	errs.Required("id", c.ID)
	return errs.Err()
}

func (c *chargePayload) paymentMethodType() string {
	if c.PaymentMethodDetails == nil {
		return ""
	}
	return c.PaymentMethodDetails.Type
}

// checkoutSessionPayload is a Stripe Checkout Session.
type checkoutSessionPayload struct {
	ID                string `json:"id"`
	Mode              string `json:"mode"`
	ClientReferenceID string `json:"client_reference_id"`
	Customer          string `json:"customer"`
	Subscription      string `json:"subscription"`
}

func (s *checkoutSessionPayload) validate() error {
	var errs schema.ValidationErrors
	errs.Required("id", s.ID)
	errs.Required("mode", s.Mode)
	if s.Mode == "subscription" {
		errs.Required("subscription", s.Subscription)
	}
	return errs.Err()
}

// subscriptionPayload is a Stripe Subscription.
type subscriptionPayload struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s *subscriptionPayload) validate() error {
	var errs schema.ValidationErrors
	errs.Required("id", s.ID)
	errs.Required("customer", s.Customer)
	if len(s.Items.Data) == 0 {
		errs.Add("items.data", "must not be empty")
	} else {
		errs.Required("items.data[0].price.id", s.Items.Data[0].Price.ID)
	}
	return errs.Err()
}

func (s *subscriptionPayload) priceID() string {
	return s.Items.Data[0].Price.ID
}

// invoicePayload is a Stripe Invoice.
type invoicePayload struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	AttemptCount int    `json:"attempt_count"`
	AmountDue    int64  `json:"amount_due"`
}

func (i *invoicePayload) validate() error {
	var errs schema.ValidationErrors
	errs.Required("customer", i.Customer)
	if i.AttemptCount < 0 {
		errs.Add("attempt_count", "must not be negative")
	}
	return errs.Err()
}

// paymentIntentPayload is a Stripe PaymentIntent.
type paymentIntentPayload struct {
	ID            string `json:"id"`
	TransferGroup string `json:"transfer_group"`
	NextAction    *struct {
		Type                    string `json:"type"`
		VerifyWithMicrodeposits *struct {
			HostedVerificationURL string `json:"hosted_verification_url"`
		} `json:"verify_with_microdeposits"`
	} `json:"next_action"`
}

func (p *paymentIntentPayload) validate() error {
	var errs schema.ValidationErrors
	errs.Required("id", p.ID)
	if p.NextAction != nil && p.NextAction.Type == "verify_with_microdeposits" {
		if p.NextAction.VerifyWithMicrodeposits == nil || p.NextAction.VerifyWithMicrodeposits.HostedVerificationURL == "" {
			errs.Add("next_action.verify_with_microdeposits.hosted_verification_url", "is required")
		}
	}
	return errs.Err()
}
