package external

import (
	"context"
	"time"

	"receiptwise/internal/types"
)

// WebhookVerifier checks a raw webhook payload against a signature header.
type WebhookVerifier interface {
	Verify(payload []byte, header string, secret string) error
}

// SubscriptionSnapshot is the subset of a Stripe subscription needed to
// reconcile local state, flattened out of the vendor payload.
type SubscriptionSnapshot struct {
	SubscriptionID     string
	CustomerID         string
	PriceID            string
	Tier               types.Tier
	Status             types.SubscriptionStatus
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
}

// SubscriptionFetcher retrieves the current subscription for a Stripe
// customer. Used when a webhook event does not carry enough detail on its
// own (checkout.session.completed).
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, customerID string) (*SubscriptionSnapshot, error)
}

// Entitlement is one entry from the subscriber entitlement API. A nil
// ExpiresAt means the entitlement does not expire.
type Entitlement struct {
	ProductID string
	ExpiresAt *time.Time
}

// EntitlementAPI looks up the active entitlements for an external user.
type EntitlementAPI interface {
	GetEntitlements(ctx context.Context, externalUserID string) ([]Entitlement, error)
}
