// Package types defines the domain entities, enums, and error taxonomy shared
// across the Receiptwise reconciliation engine. Entities mirror the persisted
// row shapes; derived fields (limits, features) are never set independently of
// the tier they derive from.
package types

import "time"

// TierLimits is the resource ceiling table derived from a Tier.
// A value of -1 means unlimited; enforcement code must treat -1 as no limit.
type TierLimits struct {
	MaxReceipts      int `json:"max_receipts"`
	MaxBusinesses    int `json:"max_businesses"`
	APICallsPerMonth int `json:"api_calls_per_month"`
	MaxReports       int `json:"max_reports"`
}

// TierFeatures is the capability flag set derived from a Tier.
type TierFeatures struct {
	OCRScanning     bool `json:"ocr_scanning"`
	CSVExport       bool `json:"csv_export"`
	PDFExport       bool `json:"pdf_export"`
	TeamMembers     bool `json:"team_members"`
	APIAccess       bool `json:"api_access"`
	PrioritySupport bool `json:"priority_support"`
}

// UpgradeRecord captures the most recent processed tier change, including how
// many pre-existing receipts were excluded from the new tier's usage window.
type UpgradeRecord struct {
	FromTier         Tier      `json:"from_tier"`
	ToTier           Tier      `json:"to_tier"`
	ProcessedAt      time.Time `json:"processed_at"`
	ReceiptsExcluded int       `json:"receipts_excluded"`
}

// BillingInfo holds the payment-provider metadata attached to a subscription.
type BillingInfo struct {
	CustomerID         string         `json:"customer_id,omitempty"`
	SubscriptionID     string         `json:"subscription_id,omitempty"`
	PriceID            string         `json:"price_id,omitempty"`
	CurrentPeriodStart *time.Time     `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time     `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool           `json:"cancel_at_period_end,omitempty"`
	TrialEnd           *time.Time     `json:"trial_end,omitempty"`
	LastPaymentStatus  PaymentStatus  `json:"last_payment_status,omitempty"`
	LastPaymentDate    *time.Time     `json:"last_payment_date,omitempty"`
	LastInvoiceID      string         `json:"last_invoice_id,omitempty"`
	LastMonthlyReset   *time.Time     `json:"last_monthly_reset,omitempty"`
	NextMonthlyReset   *time.Time     `json:"next_monthly_reset,omitempty"`
	LastUpgrade        *UpgradeRecord `json:"last_upgrade,omitempty"`
}

// TrialInfo is the single trial representation. IsActive is derived from
// ExpiresAt except when a forced end has been recorded, in which case the
// stored fields win.
type TrialInfo struct {
	StartedAt  time.Time      `json:"started_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
	EndedEarly bool           `json:"ended_early,omitempty"`
	EndReason  TrialEndReason `json:"end_reason,omitempty"`
}

// Active reports whether the trial is live at the given instant.
// A forcibly ended trial is never active regardless of ExpiresAt.
func (t *TrialInfo) Active(now time.Time) bool {
	if t == nil || t.EndedEarly {
		return false
	}
	return t.ExpiresAt.After(now)
}

// Subscription is the per-account-holder billing state document. It is
// mutated exclusively by the state transition applier and the scheduled
// monthly rollover; it is never deleted except on account deletion.
type Subscription struct {
	UserID                  string
	CurrentTier             Tier
	Status                  SubscriptionStatus
	Billing                 BillingInfo
	Limits                  TierLimits
	Features                TierFeatures
	Trial                   *TrialInfo
	LastMonthlyCountResetAt *time.Time
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// HistoryEntry is one row of the append-only tier history. At most one entry
// per user has a nil EndDate (the currently open tier); transitioning closes
// the open entry before appending a new open one.
type HistoryEntry struct {
	ID        int64
	UserID    string
	Tier      Tier
	StartDate time.Time
	EndDate   *time.Time
	Reason    HistoryReason
}

// UsageWindow is the per-user, per-calendar-month counter document, keyed by
// "{userID}_{YYYY-MM}". Counters only increment within a window; receipt
// deletion never decrements ReceiptsUploaded.
type UsageWindow struct {
	ID               string
	UserID           string
	Month            string // YYYY-MM
	ReceiptsUploaded int
	APICalls         int
	ReportsGenerated int
	Limits           TierLimits
	ResetDate        time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// UsageWindowID builds the composite key for a user's monthly window.
func UsageWindowID(userID string, month time.Time) string {
	return userID + "_" + month.UTC().Format("2006-01")
}

// FirstOfNextMonth returns midnight UTC on the first day of the month after t.
// Subscription rows carry this as their next scheduled monthly reset.
func FirstOfNextMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

// Receipt carries only the fields this engine reads or writes. AccountID is
// the account holder the receipt rolls up to (equal to UserID unless the
// uploader is a teammate).
type Receipt struct {
	ID                      string
	UserID                  string
	AccountID               string
	CreatedAt               time.Time
	Status                  ReceiptStatus
	ExcludeFromMonthlyCount bool
	MonthlyCountExcludedAt  *time.Time
	PreviousTier            Tier
}

// LedgerEntry is one immutable row of the append-only billing ledger,
// written on invoice.payment_succeeded and never corrected in place.
type LedgerEntry struct {
	ID          string
	UserID      string
	InvoiceID   string
	AmountCents int64
	Currency    string
	PeriodStart time.Time
	PeriodEnd   time.Time
	RecordedAt  time.Time
}

// TierChangeResult is the outcome of a committed state transition, surfaced
// to the tier-change callable and to the downstream change notification.
type TierChangeResult struct {
	Changed          bool
	FromTier         Tier
	ToTier           Tier
	ReceiptsExcluded int
	ProcessedAt      time.Time
}

// ChangeMessage is the fire-and-forget payload published to the notification
// queue after a committed subscription change. Downstream push/email workers
// consume it; delivery failures are never surfaced to the reconciliation path.
type ChangeMessage struct {
	EventType ChangeEventType `json:"event_type"`
	UserID    string          `json:"user_id"`
	FromTier  Tier            `json:"from_tier,omitempty"`
	ToTier    Tier            `json:"to_tier,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	TraceID   string          `json:"trace_id"`
}
