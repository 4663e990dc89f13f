// Package billing reconciles local subscription state with the payment
// processor. Stripe is the source of truth for who paid; the ledger is
// the source of truth for credits. This package maps webhook events to
// ledger updates.
package billing

import (
	"github.com/vizual/metering-plane/internal/config"
	"github.com/vizual/metering-plane/pkg/models"
)

// Plan is a resolved purchase: the tier and the credits it grants.
type Plan struct {
	Tier    models.Tier
	Credits int
}

// amountToTier maps known checkout totals (in the smallest currency
// unit) to tiers. Prices are in cents: $10, $20, $40.
var amountToTier = map[int64]models.Tier{
	1000: models.TierBasic,
	2000: models.TierPro,
	4000: models.TierUltra,
}

// Resolver turns Stripe price identifiers and amounts into plans.
// Resolution is an ordered chain: exact price ID, exact amount,
// amount range, then a basic-tier default so a paying customer is
// never left on the free tier because of an unrecognized price.
type Resolver struct {
	priceIDs map[string]models.Tier
}

// NewResolver builds a resolver from the configured Stripe price IDs.
// Empty price IDs are skipped so partial configuration still works.
func NewResolver(cfg config.BillingConfig) *Resolver {
	priceIDs := make(map[string]models.Tier)
	for id, tier := range map[string]models.Tier{
		cfg.PriceIDBasic: models.TierBasic,
		cfg.PriceIDPro:   models.TierPro,
		cfg.PriceIDUltra: models.TierUltra,
	} {
		if id != "" {
			priceIDs[id] = tier
		}
	}
	return &Resolver{priceIDs: priceIDs}
}

// Resolve maps a price ID and amount to a plan. Either argument may be
// zero-valued; the chain falls through to the next strategy. ok is false
// only when every strategy failed and the basic default was used.
func (r *Resolver) Resolve(priceID string, amount int64) (Plan, bool) {
	if tier, found := r.priceIDs[priceID]; found {
		return Plan{Tier: tier, Credits: tier.CreditGrant()}, true
	}
	if tier, found := amountToTier[amount]; found {
		return Plan{Tier: tier, Credits: tier.CreditGrant()}, true
	}
	if tier, found := tierForAmountRange(amount); found {
		return Plan{Tier: tier, Credits: tier.CreditGrant()}, true
	}
	return Plan{Tier: models.TierBasic, Credits: models.TierBasic.CreditGrant()}, false
}

// tierForAmountRange classifies amounts that miss the exact table,
// e.g. regional pricing or a promo discount on a known plan.
func tierForAmountRange(amount int64) (models.Tier, bool) {
	switch {
	case amount >= 3000:
		return models.TierUltra, true
	case amount >= 1500:
		return models.TierPro, true
	case amount >= 500:
		return models.TierBasic, true
	default:
		return "", false
	}
}
