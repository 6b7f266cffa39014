package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"receiptwise/internal/external"
	"receiptwise/internal/types"
)

// SubscriptionStore is the subscription persistence surface the applier
// needs. Implemented by db.SubscriptionRepo.
type SubscriptionStore interface {
	Get(ctx context.Context, userID string) (*types.Subscription, error)
	GetForUpdate(ctx context.Context, userID string) (*types.Subscription, error)
	Create(ctx context.Context, sub *types.Subscription) error
	Save(ctx context.Context, sub *types.Subscription) error
	FindByCustomerID(ctx context.Context, customerID string) (*types.Subscription, error)
	CloseOpenHistory(ctx context.Context, userID string, endDate time.Time) (int64, error)
	AppendHistory(ctx context.Context, entry *types.HistoryEntry) error
}

// ReceiptStore covers the compensating-exclusion writes and window counts.
// Implemented by db.ReceiptRepo.
type ReceiptStore interface {
	CountForAccountSince(ctx context.Context, accountID string, windowStart time.Time) (int, error)
	ExcludeBefore(ctx context.Context, accountID string, cutoff time.Time, previousTier types.Tier, pageSize int) (int, error)
}

// UsageStore covers the usage-window writes the applier performs.
// Implemented by db.UsageWindowRepo.
type UsageStore interface {
	GetOrCreate(ctx context.Context, userID string, month time.Time, limits types.TierLimits, now time.Time) (*types.UsageWindow, error)
	RefreshLimits(ctx context.Context, id string, limits types.TierLimits, now time.Time) error
	SetReceiptCount(ctx context.Context, id string, count int, now time.Time) error
}

// LedgerStore appends immutable billing records. Implemented by db.LedgerRepo.
type LedgerStore interface {
	Append(ctx context.Context, entry *types.LedgerEntry) error
}

// Stores bundles the transaction-scoped persistence surfaces handed to a
// transition closure. Every store in the bundle operates on the same
// database transaction.
type Stores struct {
	Subscriptions SubscriptionStore
	Receipts      ReceiptStore
	Usage         UsageStore
	Ledger        LedgerStore
}

// TxRunner executes a closure against transaction-scoped stores. The closure
// either commits as a whole or not at all; the subscription row lock taken
// inside it is the per-user serialization point.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}

// Notifier publishes fire-and-forget change notifications after a committed
// transition. Implementations must never block the reconciliation path on
// delivery failures.
type Notifier interface {
	PublishChange(ctx context.Context, msg types.ChangeMessage)
}

// TransitionInput carries a resolved target state into the applier.
type TransitionInput struct {
	UserID       string
	TargetTier   types.Tier
	TargetStatus types.SubscriptionStatus
	Billing      types.BillingInfo
	// CancelAtPeriodEnd updates the stored flag only when non-nil. Events
	// that do not carry the flag (checkout sessions) leave it alone.
	CancelAtPeriodEnd *bool
	// Reason labels the history entry written on a tier change. When empty
	// the applier derives it from the rank direction of the change.
	Reason types.HistoryReason
}

// PaymentEvent carries the invoice facts from a payment webhook.
type PaymentEvent struct {
	UserID      string
	CustomerID  string
	InvoiceID   string
	AmountCents int64
	Currency    string
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// ApplierOption configures an Applier.
type ApplierOption func(*Applier)

// WithExclusionPageSize overrides the receipt-exclusion batch size.
func WithExclusionPageSize(n int) ApplierOption {
	return func(a *Applier) {
		if n > 0 {
			a.exclusionPageSize = n
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(clock types.Clock) ApplierOption {
	return func(a *Applier) {
		a.clock = clock
	}
}

// Applier executes subscription state transitions atomically. All writes for
// one transition happen inside a single transaction holding the user's
// subscription row lock, so concurrent events for the same user serialize
// rather than interleave.
type Applier struct {
	tx                TxRunner
	subs              SubscriptionStore
	registry          TierRegistry
	fetcher           external.SubscriptionFetcher
	notifier          Notifier
	clock             types.Clock
	exclusionPageSize int
	logger            *slog.Logger
}

const defaultExclusionPageSize = 500

// NewApplier creates an Applier. fetcher may be nil when the fallback
// creation path for orphaned payment events is not needed; notifier may be
// nil to disable change notifications.
func NewApplier(
	tx TxRunner,
	subs SubscriptionStore,
	registry TierRegistry,
	fetcher external.SubscriptionFetcher,
	notifier Notifier,
	logger *slog.Logger,
	opts ...ApplierOption,
) *Applier {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Applier{
		tx:                tx,
		subs:              subs,
		registry:          registry,
		fetcher:           fetcher,
		notifier:          notifier,
		clock:             types.RealClock{},
		exclusionPageSize: defaultExclusionPageSize,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply runs the full transition algorithm for a resolved target state:
//
//  1. Lock and read the current subscription (absent means creation).
//  2. Detect a tier change against the current tier.
//  3. On tier change: exclude every pre-existing receipt from the monthly
//     count, close the open history entry and append a new one, refresh the
//     current usage window's limits, and advance the reset epoch.
//  4. Force-end an active trial when the target is a paid tier.
//  5. Upsert the subscription with tier-derived limits and features.
//  6. Record the last-upgrade summary.
//
// Re-applying the same target tier skips step 3 entirely, which is what makes
// duplicate webhook delivery harmless. A cancellation downgrade also skips
// step 3's exclusion and epoch advance: returning to the most restrictive
// tier needs no compensating action, and wiping the epoch there would hand
// out fresh quota on cancel.
func (a *Applier) Apply(ctx context.Context, in TransitionInput) (*types.TierChangeResult, error) {
	if in.UserID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "user ID is required", nil)
	}

	var result types.TierChangeResult

	err := a.tx.InTx(ctx, func(ctx context.Context, s Stores) error {
		now := a.clock.Now()

		sub, err := s.Subscriptions.GetForUpdate(ctx, in.UserID)
		created := false
		if err != nil {
			if !isNotFound(err) {
				return err
			}
			sub = a.newSubscription(in.UserID, now)
			created = true
		}

		fromTier := sub.CurrentTier
		isTierChange := created || sub.CurrentTier != in.TargetTier
		isCancellation := in.Reason == types.HistoryReasonCancellation
		reason := in.Reason
		if reason == "" {
			reason = deriveReason(created, fromTier, in.TargetTier)
		}

		excluded := 0
		if isTierChange {
			if !created && !isCancellation {
				excluded, err = s.Receipts.ExcludeBefore(ctx, in.UserID, now, fromTier, a.exclusionPageSize)
				if err != nil {
					return err
				}
			}

			if _, err := s.Subscriptions.CloseOpenHistory(ctx, in.UserID, now); err != nil {
				return err
			}
			if err := s.Subscriptions.AppendHistory(ctx, &types.HistoryEntry{
				UserID:    in.UserID,
				Tier:      in.TargetTier,
				StartDate: now,
				Reason:    reason,
			}); err != nil {
				return err
			}

			newLimits := a.registry.Limits(in.TargetTier)
			if err := s.Usage.RefreshLimits(ctx, types.UsageWindowID(in.UserID, now), newLimits, now); err != nil {
				return err
			}

			if !isCancellation {
				resetAt := now
				sub.LastMonthlyCountResetAt = &resetAt
				// The window counter tracks the moving epoch; everything
				// before it was just excluded.
				if err := s.Usage.SetReceiptCount(ctx, types.UsageWindowID(in.UserID, now), 0, now); err != nil {
					return err
				}
			}
		}

		if sub.Trial.Active(now) && in.TargetTier.IsPaid() {
			sub.Trial.ExpiresAt = now
			sub.Trial.EndedEarly = true
			sub.Trial.EndReason = types.TrialEndReasonUpgradedToPaid
		}

		sub.CurrentTier = in.TargetTier
		sub.Status = in.TargetStatus
		mergeBilling(&sub.Billing, in.Billing)
		if in.CancelAtPeriodEnd != nil {
			sub.Billing.CancelAtPeriodEnd = *in.CancelAtPeriodEnd
		}
		// A row without a scheduled reset is invisible to the rollover job.
		if sub.Billing.NextMonthlyReset == nil {
			next := types.FirstOfNextMonth(now)
			sub.Billing.NextMonthlyReset = &next
		}
		sub.Limits = a.registry.Limits(in.TargetTier)
		sub.Features = a.registry.Features(in.TargetTier)
		sub.UpdatedAt = now

		if isTierChange && !created {
			sub.Billing.LastUpgrade = &types.UpgradeRecord{
				FromTier:         fromTier,
				ToTier:           in.TargetTier,
				ProcessedAt:      now,
				ReceiptsExcluded: excluded,
			}
		}

		if created {
			if err := s.Subscriptions.Create(ctx, sub); err != nil {
				return err
			}
		} else if err := s.Subscriptions.Save(ctx, sub); err != nil {
			return err
		}

		result = types.TierChangeResult{
			Changed:          isTierChange && !created,
			FromTier:         fromTier,
			ToTier:           in.TargetTier,
			ReceiptsExcluded: excluded,
			ProcessedAt:      now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Changed {
		a.logger.InfoContext(ctx, "tier transition applied",
			"user_id", in.UserID,
			"from_tier", result.FromTier,
			"to_tier", result.ToTier,
			"receipts_excluded", result.ReceiptsExcluded,
		)
		// Cancellations publish their own event type in ApplyCancellation.
		if in.Reason != types.HistoryReasonCancellation {
			a.publish(ctx, types.ChangeMessage{
				EventType: types.ChangeEventTierChanged,
				UserID:    in.UserID,
				FromTier:  result.FromTier,
				ToTier:    result.ToTier,
			})
		}
	}

	return &result, nil
}

// ApplyPaymentSucceeded marks the subscription active, records the invoice
// facts, and appends an immutable ledger entry. When no subscription row
// exists yet the current subscription is fetched from the payment provider
// and created first (fallback creation path), then the payment is re-applied.
func (a *Applier) ApplyPaymentSucceeded(ctx context.Context, ev PaymentEvent) error {
	err := a.applyPayment(ctx, ev)
	if err == nil {
		a.publish(ctx, types.ChangeMessage{
			EventType: types.ChangeEventPaymentSucceed,
			UserID:    ev.UserID,
		})
		return nil
	}
	if !isNotFound(err) || a.fetcher == nil || ev.CustomerID == "" {
		return err
	}

	snap, fetchErr := a.fetcher.GetSubscription(ctx, ev.CustomerID)
	if fetchErr != nil {
		return fetchErr
	}

	if _, createErr := a.Apply(ctx, TransitionInput{
		UserID:       ev.UserID,
		TargetTier:   snap.Tier,
		TargetStatus: snap.Status,
		Billing: types.BillingInfo{
			CustomerID:         ev.CustomerID,
			SubscriptionID:     snap.SubscriptionID,
			PriceID:            snap.PriceID,
			CurrentPeriodStart: snap.CurrentPeriodStart,
			CurrentPeriodEnd:   snap.CurrentPeriodEnd,
		},
		CancelAtPeriodEnd: &snap.CancelAtPeriodEnd,
		Reason:            types.HistoryReasonWebhookSync,
	}); createErr != nil {
		return createErr
	}

	if err := a.applyPayment(ctx, ev); err != nil {
		return err
	}
	a.publish(ctx, types.ChangeMessage{
		EventType: types.ChangeEventPaymentSucceed,
		UserID:    ev.UserID,
	})
	return nil
}

func (a *Applier) applyPayment(ctx context.Context, ev PaymentEvent) error {
	return a.tx.InTx(ctx, func(ctx context.Context, s Stores) error {
		now := a.clock.Now()

		sub, err := s.Subscriptions.GetForUpdate(ctx, ev.UserID)
		if err != nil {
			return err
		}

		paidAt := now
		sub.Status = types.SubStatusActive
		sub.Billing.LastPaymentStatus = types.PaymentStatusSucceeded
		sub.Billing.LastPaymentDate = &paidAt
		sub.Billing.LastInvoiceID = ev.InvoiceID
		sub.UpdatedAt = now

		if err := s.Subscriptions.Save(ctx, sub); err != nil {
			return err
		}

		return s.Ledger.Append(ctx, &types.LedgerEntry{
			UserID:      ev.UserID,
			InvoiceID:   ev.InvoiceID,
			AmountCents: ev.AmountCents,
			Currency:    ev.Currency,
			PeriodStart: ev.PeriodStart,
			PeriodEnd:   ev.PeriodEnd,
			RecordedAt:  now,
		})
	})
}

// ApplyPaymentFailed marks the subscription past_due. Tier, limits, and
// features stay untouched; access is only withdrawn on an explicit
// cancellation event.
func (a *Applier) ApplyPaymentFailed(ctx context.Context, userID, invoiceID string) error {
	err := a.tx.InTx(ctx, func(ctx context.Context, s Stores) error {
		now := a.clock.Now()

		sub, err := s.Subscriptions.GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		failedAt := now
		sub.Status = types.SubStatusPastDue
		sub.Billing.LastPaymentStatus = types.PaymentStatusFailed
		sub.Billing.LastPaymentDate = &failedAt
		if invoiceID != "" {
			sub.Billing.LastInvoiceID = invoiceID
		}
		sub.UpdatedAt = now

		return s.Subscriptions.Save(ctx, sub)
	})
	if err != nil {
		return err
	}

	a.publish(ctx, types.ChangeMessage{
		EventType: types.ChangeEventPaymentFailed,
		UserID:    userID,
	})
	return nil
}

// ApplyCancellation downgrades the user to the free tier with canceled
// status. The compensating receipt exclusion does not run here.
func (a *Applier) ApplyCancellation(ctx context.Context, userID string) (*types.TierChangeResult, error) {
	result, err := a.Apply(ctx, TransitionInput{
		UserID:       userID,
		TargetTier:   types.TierFree,
		TargetStatus: types.SubStatusCanceled,
		Reason:       types.HistoryReasonCancellation,
	})
	if err != nil {
		return nil, err
	}
	a.publish(ctx, types.ChangeMessage{
		EventType: types.ChangeEventCanceled,
		UserID:    userID,
	})
	return result, nil
}

// UserIDForCustomer resolves a payment-provider customer ID to the owning
// user.
func (a *Applier) UserIDForCustomer(ctx context.Context, customerID string) (string, error) {
	sub, err := a.subs.FindByCustomerID(ctx, customerID)
	if err != nil {
		return "", err
	}
	return sub.UserID, nil
}

// newSubscription builds the zero-state document for a user seen for the
// first time through a webhook. Signup-created subscriptions get a trial
// through CreateSignup instead.
func (a *Applier) newSubscription(userID string, now time.Time) *types.Subscription {
	return &types.Subscription{
		UserID:      userID,
		CurrentTier: types.TierFree,
		Status:      types.SubStatusActive,
		Limits:      a.registry.Limits(types.TierFree),
		Features:    a.registry.Features(types.TierFree),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// CreateSignup provisions the subscription document for a new account holder
// with an active trial. Team-member signups never call this; teammates have
// no subscription of their own.
func (a *Applier) CreateSignup(ctx context.Context, userID string, trialDuration time.Duration) error {
	return a.tx.InTx(ctx, func(ctx context.Context, s Stores) error {
		now := a.clock.Now()

		_, err := s.Subscriptions.GetForUpdate(ctx, userID)
		if err == nil {
			// Already provisioned; signup retries are no-ops.
			return nil
		}
		if !isNotFound(err) {
			return err
		}

		nextReset := types.FirstOfNextMonth(now)
		sub := &types.Subscription{
			UserID:      userID,
			CurrentTier: types.TierTrial,
			Status:      types.SubStatusActive,
			Limits:      a.registry.Limits(types.TierTrial),
			Features:    a.registry.Features(types.TierTrial),
			Trial: &types.TrialInfo{
				StartedAt: now,
				ExpiresAt: now.Add(trialDuration),
			},
			Billing:                 types.BillingInfo{NextMonthlyReset: &nextReset},
			LastMonthlyCountResetAt: &now,
			CreatedAt:               now,
			UpdatedAt:               now,
		}
		if err := s.Subscriptions.Create(ctx, sub); err != nil {
			return err
		}

		if err := s.Subscriptions.AppendHistory(ctx, &types.HistoryEntry{
			UserID:    userID,
			Tier:      types.TierTrial,
			StartDate: now,
			Reason:    types.HistoryReasonSignup,
		}); err != nil {
			return err
		}

		_, err = s.Usage.GetOrCreate(ctx, userID, now, sub.Limits, now)
		return err
	})
}

func (a *Applier) publish(ctx context.Context, msg types.ChangeMessage) {
	if a.notifier == nil {
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = a.clock.Now()
	}
	if msg.TraceID == "" {
		msg.TraceID = types.GetRequestID(ctx)
	}
	a.notifier.PublishChange(ctx, msg)
}

// mergeBilling applies incoming billing metadata over the stored copy.
// Fields absent from the event keep their stored values so that a partial
// event (payment webhooks carry no period bounds, for example) cannot blank
// out what an earlier event recorded.
func mergeBilling(dst *types.BillingInfo, src types.BillingInfo) {
	if src.CustomerID != "" {
		dst.CustomerID = src.CustomerID
	}
	if src.SubscriptionID != "" {
		dst.SubscriptionID = src.SubscriptionID
	}
	if src.PriceID != "" {
		dst.PriceID = src.PriceID
	}
	if src.CurrentPeriodStart != nil {
		dst.CurrentPeriodStart = src.CurrentPeriodStart
	}
	if src.CurrentPeriodEnd != nil {
		dst.CurrentPeriodEnd = src.CurrentPeriodEnd
	}
	if src.TrialEnd != nil {
		dst.TrialEnd = src.TrialEnd
	}
}

// deriveReason labels a tier change by its rank direction.
func deriveReason(created bool, from, to types.Tier) types.HistoryReason {
	switch {
	case created:
		return types.HistoryReasonSignup
	case to.Rank() > from.Rank():
		return types.HistoryReasonUpgrade
	case to.Rank() < from.Rank():
		return types.HistoryReasonDowngrade
	default:
		return types.HistoryReasonWebhookSync
	}
}

// isNotFound reports whether err is a not-found AppError.
func isNotFound(err error) bool {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case types.ErrCodeNotFoundSubscription, types.ErrCodeNotFoundUsageWindow:
		return true
	}
	return false
}
