package billing

import (
	"context"
	"log/slog"
	"time"

	"receiptwise/internal/types"
)

// Counter names accepted by RecordUsage. Receipt uploads are deliberately
// absent: the receipt count is derived from the receipts table by
// CountReceiptsInWindow, never from a maintained counter.
const (
	CounterAPICalls         = "api_calls"
	CounterReportsGenerated = "reports_generated"
)

// UsageEventStore covers the window writes usage recording performs.
// Implemented by db.UsageWindowRepo.
type UsageEventStore interface {
	GetOrCreate(ctx context.Context, userID string, month time.Time, limits types.TierLimits, now time.Time) (*types.UsageWindow, error)
	Increment(ctx context.Context, id, counter string, delta int, now time.Time) error
}

// UsageRecorder bumps the per-window activity counters on behalf of the
// services that generate the activity (API gateway, report generator).
// Teammate activity lands on the account holder's window.
type UsageRecorder struct {
	subs     SubscriptionStore
	usage    UsageEventStore
	teams    TeamLookup
	registry TierRegistry
	clock    types.Clock
	logger   *slog.Logger
}

// NewUsageRecorder creates a UsageRecorder.
func NewUsageRecorder(
	subs SubscriptionStore,
	usage UsageEventStore,
	teams TeamLookup,
	registry TierRegistry,
	logger *slog.Logger,
	clock types.Clock,
) *UsageRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &UsageRecorder{
		subs:     subs,
		usage:    usage,
		teams:    teams,
		registry: registry,
		clock:    clock,
		logger:   logger,
	}
}

// RecordUsage adds delta to the named counter on the effective user's current
// window, creating the window lazily with the subscription's limits. Counters
// only move forward; a non-positive delta is rejected.
func (r *UsageRecorder) RecordUsage(ctx context.Context, userID, counter string, delta int) error {
	if counter != CounterAPICalls && counter != CounterReportsGenerated {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload, "unknown usage counter", nil)
	}
	if delta <= 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidPayload, "usage delta must be positive", nil)
	}

	accountID, err := r.teams.AccountHolderFor(ctx, userID)
	if err != nil {
		return err
	}

	now := r.clock.Now()

	limits := r.registry.Limits(types.TierFree)
	sub, err := r.subs.Get(ctx, accountID)
	if err != nil {
		if !isNotFound(err) {
			return err
		}
	} else {
		limits = sub.Limits
	}

	window, err := r.usage.GetOrCreate(ctx, accountID, now, limits, now)
	if err != nil {
		return err
	}
	return r.usage.Increment(ctx, window.ID, counter, delta, now)
}
