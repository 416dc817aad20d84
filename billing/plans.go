package billing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/GoCodeAlone/linkbilling/store"
)

// ErrUnknownPlan is returned when a price id does not belong to any plan.
var ErrUnknownPlan = errors.New("billing: unknown plan")

// Plan is a subscription tier and the limits it grants a workspace.
type Plan struct {
	Name   string           `json:"name"`
	Limits store.PlanLimits `json:"limits"`
}

// Title returns the display name ("business" -> "Business").
func (p Plan) Title() string {
	if p.Name == "" {
		return ""
	}
	return strings.ToUpper(p.Name[:1]) + p.Name[1:]
}

// Predefined plans.
var (
	PlanFree = Plan{
		Name: "free",
		Limits: store.PlanLimits{
			Usage: 1_000, Links: 25, Domains: 3, Tags: 5,
			Folders: 0, Users: 1, AI: 10, Payouts: 0,
		},
	}

	PlanPro = Plan{
		Name: "pro",
		Limits: store.PlanLimits{
			Usage: 50_000, Links: 1_000, Domains: 10, Tags: 25,
			Folders: 3, Users: 3, AI: 1_000, Payouts: 0,
		},
	}

	PlanBusiness = Plan{
		Name: "business",
		Limits: store.PlanLimits{
			Usage: 250_000, Links: 10_000, Domains: 100, Tags: 200,
			Folders: 20, Users: 10, AI: 1_000, Payouts: 250_000,
		},
	}

	PlanAdvanced = Plan{
		Name: "advanced",
		Limits: store.PlanLimits{
			Usage: 1_000_000, Links: 50_000, Domains: 250, Tags: 500,
			Folders: 50, Users: 20, AI: 1_000, Payouts: 1_500_000,
		},
	}

	PlanEnterprise = Plan{
		Name: "enterprise",
		Limits: store.PlanLimits{
			Usage: 5_000_000, Links: 250_000, Domains: 1_000, Tags: 1_000,
			Folders: 1_000, Users: 500, AI: 10_000, Payouts: 100_000_000,
		},
	}

	// AllPlans is the ordered list of plans, cheapest first.
	AllPlans = []Plan{PlanFree, PlanPro, PlanBusiness, PlanAdvanced, PlanEnterprise}
)

// PlanByName looks up a plan by name, case-insensitively.
func PlanByName(name string) (Plan, bool) {
	for _, p := range AllPlans {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Plan{}, false
}

// hasWebhooks reports whether the plan includes workspace webhooks.
func (p Plan) hasWebhooks() bool {
	return p.Name != PlanFree.Name && p.Name != PlanPro.Name
}

// Catalog resolves Stripe price ids to plans.
type Catalog struct {
	byPrice map[string]Plan
}

// NewCatalog builds a Catalog from plan name -> price ids.
func NewCatalog(prices map[string][]string) (*Catalog, error) {
	c := &Catalog{byPrice: make(map[string]Plan)}
	for name, ids := range prices {
		p, ok := PlanByName(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, name)
		}
		for _, id := range ids {
			c.byPrice[id] = p
		}
	}
	return c, nil
}

// PlanByPriceID returns the plan billed by priceID.
func (c *Catalog) PlanByPriceID(priceID string) (Plan, error) {
	p, ok := c.byPrice[priceID]
	if !ok {
		return Plan{}, fmt.Errorf("%w: price %q", ErrUnknownPlan, priceID)
	}
	return p, nil
}
