package store

import (
	"encoding/json"
	"time"
)

// InvoiceType distinguishes what a billing attempt pays for.
type InvoiceType string

const (
	InvoiceTypePartnerPayout InvoiceType = "partnerPayout"
	InvoiceTypeDomainRenewal InvoiceType = "domainRenewal"
)

// InvoiceStatus is the lifecycle state of an Invoice.
type InvoiceStatus string

const (
	InvoiceStatusPending    InvoiceStatus = "pending"
	InvoiceStatusProcessing InvoiceStatus = "processing"
	InvoiceStatusCompleted  InvoiceStatus = "completed"
	InvoiceStatusFailed     InvoiceStatus = "failed"
)

// PayoutStatus is the lifecycle state of a Payout.
type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusCompleted  PayoutStatus = "completed"
	PayoutStatusFailed     PayoutStatus = "failed"
)

// Role is a user's role within a workspace.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
)

// Workspace is a customer account holding plan limits and billing identity.
type Workspace struct {
	ID                    string     `json:"id"`
	Name                  string     `json:"name"`
	Slug                  string     `json:"slug"`
	Plan                  string     `json:"plan"`
	StripeID              string     `json:"stripe_id,omitempty"`
	BillingCycleStart     int        `json:"billing_cycle_start"`
	PaymentFailedAt       *time.Time `json:"payment_failed_at,omitempty"`
	Limits                PlanLimits `json:"limits"`
	PayoutsUsage          int64      `json:"payouts_usage"`
	FoldersUsage          int64      `json:"folders_usage"`
	OnboardingCompletedAt *time.Time `json:"onboarding_completed_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// PlanLimits are the usage ceilings a plan grants a workspace.
type PlanLimits struct {
	Usage   int64 `json:"usage"` // tracked clicks per month
	Links   int64 `json:"links"`
	Domains int64 `json:"domains"`
	Tags    int64 `json:"tags"`
	Folders int64 `json:"folders"`
	Users   int64 `json:"users"`
	AI      int64 `json:"ai"`
	Payouts int64 `json:"payouts"` // cents
}

// PlanUpdate describes a plan change applied to a workspace. Nil pointer
// fields are left untouched.
type PlanUpdate struct {
	Plan               string
	Limits             PlanLimits
	StripeID           *string
	BillingCycleStart  *int
	ClearPaymentFailed bool
	ResetFoldersUsage  bool
}

// User is a member of one or more workspaces.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// WorkspaceUser links a user to a workspace with a role.
type WorkspaceUser struct {
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`
	Role        Role   `json:"role"`
}

// Invoice tracks one billing attempt for a payout batch or a domain renewal batch.
type Invoice struct {
	ID                 string        `json:"id"`
	WorkspaceID        string        `json:"workspace_id"`
	ProgramID          string        `json:"program_id,omitempty"`
	Number             string        `json:"number,omitempty"`
	Type               InvoiceType   `json:"type"`
	Amount             int64         `json:"amount"`
	Fee                int64         `json:"fee"`
	Total              int64         `json:"total"`
	Status             InvoiceStatus `json:"status"`
	FailedReason       string        `json:"failed_reason,omitempty"`
	FailedAttempts     int           `json:"failed_attempts"`
	LastFailedChargeID string        `json:"last_failed_charge_id,omitempty"`
	RegisteredDomains  []string      `json:"registered_domains,omitempty"`
	ReceiptURL         string        `json:"receipt_url,omitempty"`
	PaidAt             *time.Time    `json:"paid_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// Payout is a pending transfer to a partner, linked to at most one invoice.
type Payout struct {
	ID          string       `json:"id"`
	WorkspaceID string       `json:"workspace_id"`
	ProgramID   string       `json:"program_id,omitempty"`
	PartnerID   string       `json:"partner_id"`
	InvoiceID   *string      `json:"invoice_id,omitempty"`
	Amount      int64        `json:"amount"`
	Status      PayoutStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// RegisteredDomain is a domain bought through the registrar on behalf of a workspace.
type RegisteredDomain struct {
	ID                    string     `json:"id"`
	WorkspaceID           string     `json:"workspace_id"`
	Slug                  string     `json:"slug"`
	ExpiresAt             time.Time  `json:"expires_at"`
	AutoRenewalDisabledAt *time.Time `json:"auto_renewal_disabled_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

// AutoRenewalEnabled reports whether the domain is still set to renew.
func (d RegisteredDomain) AutoRenewalEnabled() bool { return d.AutoRenewalDisabledAt == nil }

// Domain is a short-link domain attached to a workspace.
type Domain struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Slug        string `json:"slug"`
	Verified    bool   `json:"verified"`
	Primary     bool   `json:"primary"`
}

// RootKey is the link key used for a domain's root redirect.
const RootKey = "_root"

// Link is a short link. The link with Key == RootKey is the domain's root redirect.
type Link struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Domain      string    `json:"domain"`
	Key         string    `json:"key"`
	URL         string    `json:"url"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Webhook is an outbound webhook endpoint configured by a workspace.
type Webhook struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	URL         string     `json:"url"`
	DisabledAt  *time.Time `json:"disabled_at,omitempty"`
}

// RestrictedToken is an API token whose hashed key is cached for auth lookups.
type RestrictedToken struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	HashedKey   string `json:"hashed_key"`
}

// ProcessedEvent records a provider webhook event that was handled successfully.
type ProcessedEvent struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	ProcessedAt time.Time `json:"processed_at"`
}

// InstalledIntegration is a third-party app connected to a workspace.
// Credentials is the provider token as JSON.
type InstalledIntegration struct {
	ID          string          `json:"id"`
	WorkspaceID string          `json:"workspace_id"`
	UserID      string          `json:"user_id"`
	Integration string          `json:"integration"`
	Credentials json.RawMessage `json:"credentials"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
