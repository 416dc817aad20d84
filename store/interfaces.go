package store

import (
	"context"
	"time"
)

// InvoiceStore defines persistence operations for invoices.
type InvoiceStore interface {
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	// CompleteInvoice marks the invoice completed. It returns ErrConflict if
	// the invoice was already completed.
	CompleteInvoice(ctx context.Context, id, receiptURL string, paidAt time.Time) (*Invoice, error)
	// FailInvoice marks the invoice failed and, in the same statement,
	// increments FailedAttempts unless chargeID is the charge already
	// counted. A redelivered failure therefore counts once. An empty
	// chargeID always counts.
	FailInvoice(ctx context.Context, id, chargeID, reason string) (*Invoice, error)
	// ResetInvoiceForRetry moves a failed invoice back to pending.
	ResetInvoiceForRetry(ctx context.Context, id string) (*Invoice, error)
	// RestoreFailedInvoice undoes ResetInvoiceForRetry when the retry charge
	// could not be created. It returns ErrConflict unless the invoice is pending.
	RestoreFailedInvoice(ctx context.Context, id string) (*Invoice, error)
}

// PayoutStore defines persistence operations for partner payouts.
type PayoutStore interface {
	// CountOpenPayouts counts payouts linked to the invoice that are not completed.
	CountOpenPayouts(ctx context.Context, invoiceID string) (int, error)
	// RevertPayouts sets every payout of the invoice back to pending and unlinks it.
	RevertPayouts(ctx context.Context, invoiceID string) (int, error)
}

// WorkspaceStore defines persistence operations for workspaces and their members.
type WorkspaceStore interface {
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	GetWorkspaceByStripeID(ctx context.Context, stripeID string) (*Workspace, error)
	ApplyPlan(ctx context.Context, id string, u PlanUpdate) (*Workspace, error)
	DecrementPayoutsUsage(ctx context.Context, id string, amount int64) error
	SetPaymentFailed(ctx context.Context, id string, at *time.Time) error
	CompleteOnboarding(ctx context.Context, id string, at time.Time) error
	ListWorkspaceUsers(ctx context.Context, id string, ownersOnly bool) ([]*User, error)
	ListRestrictedTokenHashes(ctx context.Context, workspaceID string) ([]string, error)
}

// DomainStore defines persistence operations for registered and link domains.
type DomainStore interface {
	// ListRegisteredDomains returns the named domains ordered by expiry, earliest first.
	ListRegisteredDomains(ctx context.Context, slugs []string) ([]*RegisteredDomain, error)
	// ExtendRegisteredDomains sets the expiry of every named domain and re-enables auto-renewal.
	ExtendRegisteredDomains(ctx context.Context, slugs []string, expiresAt time.Time) (int, error)
	DisableAutoRenewal(ctx context.Context, slugs []string, at time.Time) (int, error)
	ListVerifiedDomains(ctx context.Context, workspaceID string) ([]*Domain, error)
	EnablePremiumDefaultDomain(ctx context.Context, workspaceID, slug string) error
}

// LinkStore defines persistence operations for short links.
type LinkStore interface {
	ListRootLinks(ctx context.Context, domains []string) ([]*Link, error)
	// ClearRootLinks blanks the destination URL of the root link of each domain.
	ClearRootLinks(ctx context.Context, domains []string) (int, error)
}

// WebhookStore defines persistence operations for workspace webhooks.
type WebhookStore interface {
	DisableWorkspaceWebhooks(ctx context.Context, workspaceID string, at time.Time) (int, error)
}

// EventLedger records provider events that were handled successfully.
type EventLedger interface {
	IsEventProcessed(ctx context.Context, id string) (bool, error)
	// MarkEventProcessed returns ErrDuplicate if the event was already recorded.
	MarkEventProcessed(ctx context.Context, e ProcessedEvent) error
}

// IntegrationStore persists OAuth integration installs.
type IntegrationStore interface {
	// UpsertIntegration creates or replaces the install of an integration in
	// a workspace and returns the stored row.
	UpsertIntegration(ctx context.Context, in InstalledIntegration) (*InstalledIntegration, error)
	GetIntegration(ctx context.Context, workspaceID, integration string) (*InstalledIntegration, error)
}

// Store is the full relational store used by the billing service.
type Store interface {
	InvoiceStore
	PayoutStore
	WorkspaceStore
	DomainStore
	LinkStore
	WebhookStore
	EventLedger
	IntegrationStore
}
