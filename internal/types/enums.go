package types

// Tier identifies the subscription plan level for an account holder.
type Tier string

const (
	TierTrial        Tier = "trial"
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierGrowth       Tier = "growth"
	TierProfessional Tier = "professional"
	// TierTeammate is assigned to users attached to an account holder's
	// subscription. Teammates have no subscription document of their own;
	// their receipts roll up to the account holder's quota.
	TierTeammate Tier = "teammate"
)

// IsPaid reports whether the tier is a paying plan. Trial, free, and
// teammate are the non-paying states.
func (t Tier) IsPaid() bool {
	switch t {
	case TierStarter, TierGrowth, TierProfessional:
		return true
	default:
		return false
	}
}

// Rank orders tiers for entitlement precedence: when multiple active
// entitlements map to different tiers, the highest rank wins.
func (t Tier) Rank() int {
	switch t {
	case TierProfessional:
		return 4
	case TierGrowth:
		return 3
	case TierStarter:
		return 2
	case TierTrial:
		return 1
	default:
		return 0
	}
}

// SubscriptionStatus represents the state of a billing subscription.
type SubscriptionStatus string

const (
	SubStatusActive     SubscriptionStatus = "active"
	SubStatusCanceled   SubscriptionStatus = "canceled"
	SubStatusPastDue    SubscriptionStatus = "past_due"
	SubStatusIncomplete SubscriptionStatus = "incomplete"
)

// PaymentStatus records the outcome of the most recent invoice.
type PaymentStatus string

const (
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// ReceiptStatus is the lifecycle state of a receipt. Deletion is a soft
// status flag, never a row removal: a deleted receipt still counts against
// the usage window it was created in.
type ReceiptStatus string

const (
	ReceiptStatusActive    ReceiptStatus = "active"
	ReceiptStatusDeleted   ReceiptStatus = "deleted"
	ReceiptStatusProcessed ReceiptStatus = "processed"
)

// HistoryReason explains why a tier history entry was opened.
type HistoryReason string

const (
	HistoryReasonSignup            HistoryReason = "signup"
	HistoryReasonUpgrade           HistoryReason = "upgrade"
	HistoryReasonDowngrade         HistoryReason = "downgrade"
	HistoryReasonCancellation      HistoryReason = "subscription_canceled"
	HistoryReasonWebhookSync       HistoryReason = "webhook_sync"
	HistoryReasonEntitlementChange HistoryReason = "entitlement_change"
)

// TrialEndReason explains why a trial was ended before its natural expiry.
type TrialEndReason string

const (
	TrialEndReasonUpgradedToPaid TrialEndReason = "upgraded_to_paid"
	TrialEndReasonExpired        TrialEndReason = "expired"
)

// ChangeEventType identifies downstream notification messages published
// after a committed subscription change.
type ChangeEventType string

const (
	ChangeEventTierChanged    ChangeEventType = "subscription.tier_changed"
	ChangeEventPaymentFailed  ChangeEventType = "subscription.payment_failed"
	ChangeEventPaymentSucceed ChangeEventType = "subscription.payment_succeeded"
	ChangeEventCanceled       ChangeEventType = "subscription.canceled"
)
