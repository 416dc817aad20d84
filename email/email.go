// Package email sends transactional notifications.
package email

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"strings"
)

// Template names.
const (
	TemplatePartnerPayoutFailed   = "partner-payout-failed"
	TemplateDomainExpired         = "domain-expired"
	TemplateDomainRenewalFailed   = "domain-renewal-failed"
	TemplateUpgrade               = "upgrade"
	TemplateSubscriptionCancelled = "subscription-cancelled"
	TemplateFailedPayment         = "failed-payment"
	TemplatePaymentRequiresAction = "payment-requires-action"
)

// ErrNoRecipient is returned for messages without a To address.
var ErrNoRecipient = errors.New("email: no recipient")

// Message is one email to one recipient. Data feeds the named template.
type Message struct {
	To       string         `json:"to"`
	Subject  string         `json:"subject"`
	Template string         `json:"template"`
	Data     map[string]any `json:"data,omitempty"`
}

// Mailer delivers messages.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Render renders the HTML body for msg.
func Render(msg Message) (string, error) {
	t := templates.Lookup(msg.Template + ".html")
	if t == nil {
		return "", fmt.Errorf("email: unknown template %q", msg.Template)
	}
	var b strings.Builder
	if err := t.Execute(&b, msg.Data); err != nil {
		return "", fmt.Errorf("email: render %s: %w", msg.Template, err)
	}
	return b.String(), nil
}

// LogMailer logs messages instead of sending them.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	m.logger.InfoContext(ctx, "email", "to", msg.To, "subject", msg.Subject, "template", msg.Template)
	return nil
}
