package store

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of Store for tests and local
// development. All methods are safe for concurrent use.
type MemoryStore struct {
	mu sync.Mutex

	workspaces     map[string]*Workspace
	users          map[string]*User
	members        []WorkspaceUser
	invoices       map[string]*Invoice
	payouts        map[string]*Payout
	registered     map[string]*RegisteredDomain // by slug
	domains        map[string]*Domain           // by slug
	defaultDomains map[string]map[string]bool   // workspaceID -> slug -> enabled
	links          map[string]*Link             // by domain + "/" + key
	webhooks       map[string]*Webhook
	tokens         map[string]*RestrictedToken
	events         map[string]ProcessedEvent
	integrations   map[string]*InstalledIntegration // by workspaceID + "/" + integration
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces:     make(map[string]*Workspace),
		users:          make(map[string]*User),
		invoices:       make(map[string]*Invoice),
		payouts:        make(map[string]*Payout),
		registered:     make(map[string]*RegisteredDomain),
		domains:        make(map[string]*Domain),
		defaultDomains: make(map[string]map[string]bool),
		links:          make(map[string]*Link),
		webhooks:       make(map[string]*Webhook),
		tokens:         make(map[string]*RestrictedToken),
		events:         make(map[string]ProcessedEvent),
		integrations:   make(map[string]*InstalledIntegration),
	}
}

// ---------------------------------------------------------------------------
// Seeding and inspection helpers
// ---------------------------------------------------------------------------

// PutWorkspace inserts or replaces a workspace.
func (s *MemoryStore) PutWorkspace(w *Workspace) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.workspaces[w.ID] = &cp
}

// PutUser inserts a user and adds it to the workspace with the given role.
func (s *MemoryStore) PutUser(workspaceID string, u *User, role Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
	s.members = append(s.members, WorkspaceUser{WorkspaceID: workspaceID, UserID: u.ID, Role: role})
}

// PutInvoice inserts or replaces an invoice.
func (s *MemoryStore) PutInvoice(inv *Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices[inv.ID] = cloneInvoice(inv)
}

// PutPayout inserts or replaces a payout.
func (s *MemoryStore) PutPayout(p *Payout) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payouts[p.ID] = clonePayout(p)
}

// PutRegisteredDomain inserts or replaces a registered domain.
func (s *MemoryStore) PutRegisteredDomain(d *RegisteredDomain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.registered[d.Slug] = &cp
}

// PutDomain inserts or replaces a link domain.
func (s *MemoryStore) PutDomain(d *Domain) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.domains[d.Slug] = &cp
}

// PutLink inserts or replaces a link.
func (s *MemoryStore) PutLink(l *Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.links[linkKey(l.Domain, l.Key)] = &cp
}

// PutWebhook inserts or replaces a workspace webhook.
func (s *MemoryStore) PutWebhook(w *Webhook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.webhooks[w.ID] = &cp
}

// PutRestrictedToken inserts or replaces a restricted token.
func (s *MemoryStore) PutRestrictedToken(t *RestrictedToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tokens[t.ID] = &cp
}

// Invoice returns a copy of the stored invoice, or nil.
func (s *MemoryStore) Invoice(id string) *Invoice {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil
	}
	return cloneInvoice(inv)
}

// Payout returns a copy of the stored payout, or nil.
func (s *MemoryStore) Payout(id string) *Payout {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[id]
	if !ok {
		return nil
	}
	return clonePayout(p)
}

// RegisteredDomain returns a copy of the stored registered domain, or nil.
func (s *MemoryStore) RegisteredDomain(slug string) *RegisteredDomain {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.registered[slug]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

// Link returns a copy of the stored link, or nil.
func (s *MemoryStore) Link(domain, key string) *Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.links[linkKey(domain, key)]
	if !ok {
		return nil
	}
	cp := *l
	return &cp
}

// Webhook returns a copy of the stored webhook, or nil.
func (s *MemoryStore) Webhook(id string) *Webhook {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.webhooks[id]
	if !ok {
		return nil
	}
	cp := *w
	return &cp
}

// DefaultDomainEnabled reports whether the premium default domain was enabled.
func (s *MemoryStore) DefaultDomainEnabled(workspaceID, slug string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.defaultDomains[workspaceID][slug]
}

// ---------------------------------------------------------------------------
// InvoiceStore
// ---------------------------------------------------------------------------

func (s *MemoryStore) GetInvoice(_ context.Context, id string) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneInvoice(inv), nil
}

func (s *MemoryStore) CompleteInvoice(_ context.Context, id, receiptURL string, paidAt time.Time) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	if inv.Status == InvoiceStatusCompleted {
		return nil, ErrConflict
	}
	inv.Status = InvoiceStatusCompleted
	inv.ReceiptURL = receiptURL
	t := paidAt
	inv.PaidAt = &t
	inv.UpdatedAt = time.Now()
	return cloneInvoice(inv), nil
}

func (s *MemoryStore) FailInvoice(_ context.Context, id, chargeID, reason string) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	inv.Status = InvoiceStatusFailed
	inv.FailedReason = reason
	if chargeID == "" || chargeID != inv.LastFailedChargeID {
		inv.FailedAttempts++
	}
	inv.LastFailedChargeID = chargeID
	inv.UpdatedAt = time.Now()
	return cloneInvoice(inv), nil
}

func (s *MemoryStore) ResetInvoiceForRetry(_ context.Context, id string) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	if inv.Status != InvoiceStatusFailed {
		return nil, ErrConflict
	}
	inv.Status = InvoiceStatusPending
	inv.UpdatedAt = time.Now()
	return cloneInvoice(inv), nil
}

func (s *MemoryStore) RestoreFailedInvoice(_ context.Context, id string) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	if inv.Status != InvoiceStatusPending {
		return nil, ErrConflict
	}
	inv.Status = InvoiceStatusFailed
	inv.UpdatedAt = time.Now()
	return cloneInvoice(inv), nil
}

// ---------------------------------------------------------------------------
// PayoutStore
// ---------------------------------------------------------------------------

func (s *MemoryStore) CountOpenPayouts(_ context.Context, invoiceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.payouts {
		if p.InvoiceID != nil && *p.InvoiceID == invoiceID && p.Status != PayoutStatusCompleted {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) RevertPayouts(_ context.Context, invoiceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := time.Now()
	for _, p := range s.payouts {
		if p.InvoiceID != nil && *p.InvoiceID == invoiceID {
			p.Status = PayoutStatusPending
			p.InvoiceID = nil
			p.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// WorkspaceStore
// ---------------------------------------------------------------------------

func (s *MemoryStore) GetWorkspace(_ context.Context, id string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) GetWorkspaceByStripeID(_ context.Context, stripeID string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.workspaces {
		if stripeID != "" && w.StripeID == stripeID {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ApplyPlan(_ context.Context, id string, u PlanUpdate) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	w.Plan = u.Plan
	w.Limits = u.Limits
	if u.StripeID != nil {
		w.StripeID = *u.StripeID
	}
	if u.BillingCycleStart != nil {
		w.BillingCycleStart = *u.BillingCycleStart
	}
	if u.ClearPaymentFailed {
		w.PaymentFailedAt = nil
	}
	if u.ResetFoldersUsage {
		w.FoldersUsage = 0
	}
	w.UpdatedAt = time.Now()
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) DecrementPayoutsUsage(_ context.Context, id string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return ErrNotFound
	}
	w.PayoutsUsage -= amount
	w.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetPaymentFailed(_ context.Context, id string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return ErrNotFound
	}
	if at == nil {
		w.PaymentFailedAt = nil
	} else {
		t := *at
		w.PaymentFailedAt = &t
	}
	w.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) CompleteOnboarding(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workspaces[id]
	if !ok {
		return ErrNotFound
	}
	if w.OnboardingCompletedAt == nil {
		t := at
		w.OnboardingCompletedAt = &t
	}
	return nil
}

func (s *MemoryStore) ListWorkspaceUsers(_ context.Context, id string, ownersOnly bool) ([]*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*User
	for _, m := range s.members {
		if m.WorkspaceID != id || (ownersOnly && m.Role != RoleOwner) {
			continue
		}
		if u, ok := s.users[m.UserID]; ok {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListRestrictedTokenHashes(_ context.Context, workspaceID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, t := range s.tokens {
		if t.WorkspaceID == workspaceID {
			out = append(out, t.HashedKey)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ---------------------------------------------------------------------------
// DomainStore
// ---------------------------------------------------------------------------

func (s *MemoryStore) ListRegisteredDomains(_ context.Context, slugs []string) ([]*RegisteredDomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*RegisteredDomain
	for _, slug := range slugs {
		if d, ok := s.registered[slug]; ok {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (s *MemoryStore) ExtendRegisteredDomains(_ context.Context, slugs []string, expiresAt time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, slug := range slugs {
		if d, ok := s.registered[slug]; ok {
			d.ExpiresAt = expiresAt
			d.AutoRenewalDisabledAt = nil
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) DisableAutoRenewal(_ context.Context, slugs []string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, slug := range slugs {
		if d, ok := s.registered[slug]; ok {
			t := at
			d.AutoRenewalDisabledAt = &t
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListVerifiedDomains(_ context.Context, workspaceID string) ([]*Domain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Domain
	for _, d := range s.domains {
		if d.WorkspaceID == workspaceID && d.Verified {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}

func (s *MemoryStore) EnablePremiumDefaultDomain(_ context.Context, workspaceID, slug string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workspaces[workspaceID]; !ok {
		return ErrNotFound
	}
	m, ok := s.defaultDomains[workspaceID]
	if !ok {
		m = make(map[string]bool)
		s.defaultDomains[workspaceID] = m
	}
	m[slug] = true
	return nil
}

// ---------------------------------------------------------------------------
// LinkStore
// ---------------------------------------------------------------------------

func (s *MemoryStore) ListRootLinks(_ context.Context, domains []string) ([]*Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Link
	for _, d := range domains {
		if l, ok := s.links[linkKey(d, RootKey)]; ok {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ClearRootLinks(_ context.Context, domains []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := time.Now()
	for _, d := range domains {
		if l, ok := s.links[linkKey(d, RootKey)]; ok {
			l.URL = ""
			l.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// WebhookStore
// ---------------------------------------------------------------------------

func (s *MemoryStore) DisableWorkspaceWebhooks(_ context.Context, workspaceID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, w := range s.webhooks {
		if w.WorkspaceID == workspaceID && w.DisabledAt == nil {
			t := at
			w.DisabledAt = &t
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// EventLedger
// ---------------------------------------------------------------------------

func (s *MemoryStore) IsEventProcessed(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[id]
	return ok, nil
}

func (s *MemoryStore) MarkEventProcessed(_ context.Context, e ProcessedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; ok {
		return ErrDuplicate
	}
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = time.Now()
	}
	s.events[e.ID] = e
	return nil
}

// ---------------------------------------------------------------------------
// IntegrationStore
// ---------------------------------------------------------------------------

func (s *MemoryStore) UpsertIntegration(_ context.Context, in InstalledIntegration) (*InstalledIntegration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := in.WorkspaceID + "/" + in.Integration
	now := time.Now()
	if existing, ok := s.integrations[key]; ok {
		in.ID = existing.ID
		in.CreatedAt = existing.CreatedAt
	} else {
		if in.ID == "" {
			in.ID = uuid.NewString()
		}
		in.CreatedAt = now
	}
	in.UpdatedAt = now
	in.Credentials = slices.Clone(in.Credentials)
	s.integrations[key] = &in
	cp := in
	return &cp, nil
}

func (s *MemoryStore) GetIntegration(_ context.Context, workspaceID, integration string) (*InstalledIntegration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.integrations[workspaceID+"/"+integration]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *in
	cp.Credentials = slices.Clone(in.Credentials)
	return &cp, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func linkKey(domain, key string) string {
	return strings.ToLower(domain) + "/" + key
}

func cloneInvoice(inv *Invoice) *Invoice {
	cp := *inv
	cp.RegisteredDomains = slices.Clone(inv.RegisteredDomains)
	return &cp
}

func clonePayout(p *Payout) *Payout {
	cp := *p
	if p.InvoiceID != nil {
		id := *p.InvoiceID
		cp.InvoiceID = &id
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
