package billing

import "strings"

// Plan is a purchasable offer.
type Plan struct {
	ID           string
	AmountCents  int64
	Currency     string
	Subscription bool
	Interval     string // "month" or "year"; subscriptions only
}

// PlanCatalog resolves plan identifiers sent by the frontend to prices.
// Prices are never taken from the request.
type PlanCatalog interface {
	Lookup(id string) (Plan, bool)
}

type staticPlanCatalog struct {
	plans map[string]Plan
}

// planDefaults is the built-in price list.
//
//	| Plan            | Price     | Billing  |
//	|-----------------|-----------|----------|
//	| ad_free_monthly | 4.99 USD  | monthly  |
//	| ad_free_yearly  | 49.99 USD | yearly   |
//	| supporter       | 10.00 USD | one-time |
var planDefaults = []Plan{
	{ID: "ad_free_monthly", AmountCents: 499, Currency: "usd", Subscription: true, Interval: IntervalMonth},
	{ID: "ad_free_yearly", AmountCents: 4999, Currency: "usd", Subscription: true, Interval: IntervalYear},
	{ID: "supporter", AmountCents: 1000, Currency: "usd"},
}

// NewStaticPlanCatalog returns a catalog over the built-in price list plus
// any extra plans. An extra plan replaces a built-in one with the same id.
func NewStaticPlanCatalog(extra ...Plan) PlanCatalog {
	m := make(map[string]Plan, len(planDefaults)+len(extra))
	for _, p := range planDefaults {
		m[p.ID] = p
	}
	for _, p := range extra {
		m[p.ID] = p
	}
	return &staticPlanCatalog{plans: m}
}

func (c *staticPlanCatalog) Lookup(id string) (Plan, bool) {
	p, ok := c.plans[strings.TrimSpace(id)]
	return p, ok
}
