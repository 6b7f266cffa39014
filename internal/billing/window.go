package billing

import (
	"context"
	"log/slog"
	"time"

	"receiptwise/internal/types"
)

// TeamLookup resolves the account holder a user's quota rolls up to.
// Implemented by db.TeamRepo.
type TeamLookup interface {
	AccountHolderFor(ctx context.Context, userID string) (string, error)
}

// UsageCalculator answers "how many receipts count against the current
// window" for a user. Team members resolve to their account holder first, so
// a teammate's receipts always land on the paying subscription's quota.
type UsageCalculator struct {
	subs     SubscriptionStore
	receipts ReceiptStore
	teams    TeamLookup
	clock    types.Clock
	logger   *slog.Logger
}

// NewUsageCalculator creates a UsageCalculator.
func NewUsageCalculator(
	subs SubscriptionStore,
	receipts ReceiptStore,
	teams TeamLookup,
	logger *slog.Logger,
	clock types.Clock,
) *UsageCalculator {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &UsageCalculator{
		subs:     subs,
		receipts: receipts,
		teams:    teams,
		clock:    clock,
		logger:   logger,
	}
}

// CountReceiptsInWindow returns the number of receipts counting against the
// effective user's current usage window. Excluded receipts are filtered in
// the store query; soft-deleted receipts still count, so a create-delete
// cycle cannot reclaim quota.
func (c *UsageCalculator) CountReceiptsInWindow(ctx context.Context, userID string) (int, error) {
	accountID, err := c.teams.AccountHolderFor(ctx, userID)
	if err != nil {
		return 0, err
	}

	now := c.clock.Now()

	sub, err := c.subs.Get(ctx, accountID)
	if err != nil {
		if !isNotFound(err) {
			return 0, err
		}
		sub = nil
	}

	start := WindowStart(sub, now)
	return c.receipts.CountForAccountSince(ctx, accountID, start)
}

// WindowStart picks the window-start instant for a subscription: the reset
// epoch when one exists, else the current billing-period start, else the
// first of the current calendar month. The epoch wins over the period start
// so a tier-change reset is never undone by a later rollover in the same
// instant.
func WindowStart(sub *types.Subscription, now time.Time) time.Time {
	if sub != nil {
		if sub.LastMonthlyCountResetAt != nil {
			return *sub.LastMonthlyCountResetAt
		}
		if sub.Billing.CurrentPeriodStart != nil {
			return *sub.Billing.CurrentPeriodStart
		}
	}
	return FirstOfMonth(now)
}

// FirstOfMonth returns midnight UTC on the first day of t's month.
func FirstOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
