package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"receiptwise/internal/billing"
	"receiptwise/internal/types"
)

// RolloverLister returns the user IDs whose next monthly reset is due.
// Implemented by db.SubscriptionRepo.
type RolloverLister interface {
	// ListDueForRollover returns user IDs of active subscriptions with
	// next_monthly_reset <= now, paginated.
	//
	// SQL: SELECT user_id FROM subscriptions WHERE status = 'active'
	//      AND (billing->>'next_monthly_reset')::timestamptz <= $1
	//      ORDER BY user_id LIMIT $2 OFFSET $3
	ListDueForRollover(ctx context.Context, now time.Time, limit, offset int) ([]string, error)
}

// RolloverResult reports the outcome of one rollover run.
type RolloverResult struct {
	Processed int
	Failed    int
}

// RolloverService opens the new monthly usage window for every subscription
// whose reset is due and advances its counting epoch. Each user is handled in
// its own transaction so one failure never blocks the rest of the batch.
type RolloverService struct {
	tx          billing.TxRunner
	candidates  RolloverLister
	batchSize   int
	concurrency int
	logger      *slog.Logger
}

// NewRolloverService creates a RolloverService. batchSize and concurrency
// fall back to safe defaults when non-positive.
func NewRolloverService(tx billing.TxRunner, candidates RolloverLister, batchSize, concurrency int, logger *slog.Logger) *RolloverService {
	if batchSize <= 0 {
		batchSize = 100
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RolloverService{
		tx:          tx,
		candidates:  candidates,
		batchSize:   batchSize,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run processes every due subscription as of now. Rolled-over rows stop
// matching the due predicate, so each batch is fetched at an offset equal to
// the number of failures so far; failed users are retried on the next
// scheduled run, not within this one.
func (s *RolloverService) Run(ctx context.Context, now time.Time) (RolloverResult, error) {
	var processed, failed atomic.Int64

	for {
		userIDs, err := s.candidates.ListDueForRollover(ctx, now, s.batchSize, int(failed.Load()))
		if err != nil {
			return RolloverResult{
				Processed: int(processed.Load()),
				Failed:    int(failed.Load()),
			}, fmt.Errorf("listing rollover candidates: %w", err)
		}
		if len(userIDs) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for _, userID := range userIDs {
			g.Go(func() error {
				if err := s.rolloverUser(gctx, userID, now); err != nil {
					failed.Add(1)
					s.logger.ErrorContext(gctx, "monthly rollover failed for user",
						"user_id", userID,
						"error", err,
					)
					return nil
				}
				processed.Add(1)
				return nil
			})
		}
		// Workers swallow per-user errors; Wait only surfaces ctx cancellation.
		if err := g.Wait(); err != nil {
			return RolloverResult{
				Processed: int(processed.Load()),
				Failed:    int(failed.Load()),
			}, err
		}

		if len(userIDs) < s.batchSize {
			break
		}
	}

	result := RolloverResult{
		Processed: int(processed.Load()),
		Failed:    int(failed.Load()),
	}
	s.logger.InfoContext(ctx, "monthly rollover complete",
		"processed", result.Processed,
		"failed", result.Failed,
	)
	return result, nil
}

// rolloverUser opens the current month's usage window for one user and
// advances the counting epoch, all under the subscription row lock.
func (s *RolloverService) rolloverUser(ctx context.Context, userID string, now time.Time) error {
	return s.tx.InTx(ctx, func(ctx context.Context, st billing.Stores) error {
		sub, err := st.Subscriptions.GetForUpdate(ctx, userID)
		if err != nil {
			return err
		}

		// Another invocation may have rolled this user over between the
		// candidate listing and the row lock.
		if sub.Billing.NextMonthlyReset != nil && sub.Billing.NextMonthlyReset.After(now) {
			return nil
		}

		if _, err := st.Usage.GetOrCreate(ctx, userID, now, sub.Limits, now); err != nil {
			return err
		}

		resetAt := now
		next := types.FirstOfNextMonth(now)
		sub.Billing.LastMonthlyReset = &resetAt
		sub.Billing.NextMonthlyReset = &next
		sub.LastMonthlyCountResetAt = &resetAt
		sub.UpdatedAt = now

		return st.Subscriptions.Save(ctx, sub)
	})
}
