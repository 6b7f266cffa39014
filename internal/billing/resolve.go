package billing

import (
	"log/slog"
	"time"

	"receiptwise/internal/external"
	"receiptwise/internal/types"
)

// Resolver maps external price and product identifiers to tiers. Resolution
// is a pure function of its inputs and never mutates state; unmapped
// identifiers fail safe to the free tier, never to a paid one.
type Resolver struct {
	prices   map[string]types.Tier
	products map[string]types.Tier
	logger   *slog.Logger
}

// NewResolver creates a Resolver from the configured price-ID and
// product-ID maps.
func NewResolver(prices, products map[string]types.Tier, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		prices:   prices,
		products: products,
		logger:   logger,
	}
}

// ResolveTier maps an external price ID to a tier. The second return value
// is true when the price ID was unrecognized and the free tier was
// substituted, so callers and tests can assert on the fallback path.
func (r *Resolver) ResolveTier(priceID string) (types.Tier, bool) {
	if tier, ok := r.prices[priceID]; ok {
		return tier, false
	}
	r.logger.Warn("unrecognized price ID, defaulting to free tier", "price_id", priceID)
	return types.TierFree, true
}

// ResolveEntitlements picks the tier granted by an entitlement set: expired
// entitlements (ExpiresAt at or before now) are dropped, known product IDs
// map to tiers, and when several tiers remain the highest rank wins
// (professional > growth > starter). An empty or fully-unmapped set defaults
// to free.
func (r *Resolver) ResolveEntitlements(entitlements []external.Entitlement, now time.Time) (types.Tier, bool) {
	best := types.TierFree
	found := false

	for _, ent := range entitlements {
		if ent.ExpiresAt != nil && !ent.ExpiresAt.After(now) {
			continue
		}
		tier, ok := r.products[ent.ProductID]
		if !ok {
			r.logger.Warn("unrecognized entitlement product ID",
				"product_id", ent.ProductID,
			)
			continue
		}
		if tier.Rank() > best.Rank() || !found {
			best = tier
			found = true
		}
	}

	if !found {
		return types.TierFree, true
	}
	return best, false
}
