package db

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"receiptwise/internal/types"
)

// SubscriptionRepo provides data access for the subscriptions and
// subscription_history tables.
//
// Key invariants:
//   - The subscription row is the serialization point for all concurrent
//     writers: GetForUpdate takes a row lock that every transition and
//     rollover acquires before mutating any related table.
//   - subscription_history is append-only; at most one entry per user has a
//     NULL end_date. CloseOpenHistory + AppendHistory run inside the same
//     transaction as the subscription update.
type SubscriptionRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewSubscriptionRepo creates a SubscriptionRepo backed by the given database
// connection (pool or transaction).
func NewSubscriptionRepo(db DBTX, logger *slog.Logger) *SubscriptionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionRepo{db: db, logger: logger}
}

// WithTx returns a copy of the repo bound to the given transaction.
func (r *SubscriptionRepo) WithTx(tx DBTX) *SubscriptionRepo {
	return &SubscriptionRepo{db: tx, logger: r.logger}
}

const subscriptionColumns = `user_id, current_tier, status, billing, limits,
	features, trial, last_monthly_count_reset_at, created_at, updated_at`

// Get retrieves a subscription by user ID.
// Returns an AppError with code not_found_subscription if no row exists.
func (r *SubscriptionRepo) Get(ctx context.Context, userID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`,
		userID,
	)
	return scanSubscription(row)
}

// GetForUpdate retrieves a subscription with a FOR UPDATE row lock. It must
// only be called inside a transaction; the lock serializes all concurrent
// state transitions for the user until commit.
func (r *SubscriptionRepo) GetForUpdate(ctx context.Context, userID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1 FOR UPDATE`,
		userID,
	)
	return scanSubscription(row)
}

// Create inserts a new subscription row. Used on signup when the trial
// subscription is first provisioned.
func (r *SubscriptionRepo) Create(ctx context.Context, sub *types.Subscription) error {
	billing, limits, features, trial, err := marshalSubscriptionJSON(sub)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx,
		`INSERT INTO subscriptions
		 (user_id, current_tier, status, billing, limits, features, trial,
		  last_monthly_count_reset_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		sub.UserID, sub.CurrentTier, sub.Status, billing, limits, features, trial,
		sub.LastMonthlyCountResetAt, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert subscription", err)
	}
	return nil
}

// Save updates an existing subscription row in full. Callers are expected to
// hold the row lock (via GetForUpdate) when saving inside a transition.
func (r *SubscriptionRepo) Save(ctx context.Context, sub *types.Subscription) error {
	billing, limits, features, trial, err := marshalSubscriptionJSON(sub)
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE subscriptions
		 SET current_tier = $1,
		     status = $2,
		     billing = $3,
		     limits = $4,
		     features = $5,
		     trial = $6,
		     last_monthly_count_reset_at = $7,
		     updated_at = $8
		 WHERE user_id = $9`,
		sub.CurrentTier, sub.Status, billing, limits, features, trial,
		sub.LastMonthlyCountResetAt, sub.UpdatedAt, sub.UserID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", nil)
	}
	return nil
}

// FindByCustomerID resolves a payment provider customer ID to a subscription.
// Webhook events identify users by Stripe customer, not by user ID.
func (r *SubscriptionRepo) FindByCustomerID(ctx context.Context, customerID string) (*types.Subscription, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE billing->>'customer_id' = $1`,
		customerID,
	)
	return scanSubscription(row)
}

// ListDueForRollover returns user IDs whose next monthly reset is at or
// before now, paginated for batch processing. Only active-status rows are
// considered; canceled accounts keep their last window untouched.
func (r *SubscriptionRepo) ListDueForRollover(ctx context.Context, now time.Time, limit, offset int) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT user_id FROM subscriptions
		 WHERE status = $1
		   AND (billing->>'next_monthly_reset') IS NOT NULL
		   AND (billing->>'next_monthly_reset')::timestamptz <= $2
		 ORDER BY user_id
		 LIMIT $3 OFFSET $4`,
		types.SubStatusActive, now, limit, offset,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query rollover candidates", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan rollover candidate", err)
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating rollover candidates", err)
	}
	return userIDs, nil
}

// CloseOpenHistory sets end_date on the user's open history entry, if any.
// Returns the number of entries closed (0 or 1 under the invariant).
func (r *SubscriptionRepo) CloseOpenHistory(ctx context.Context, userID string, endDate time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE subscription_history
		 SET end_date = $1
		 WHERE user_id = $2 AND end_date IS NULL`,
		endDate, userID,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to close open history entry", err)
	}
	return tag.RowsAffected(), nil
}

// AppendHistory inserts a new history entry. The entry is open when EndDate
// is nil.
func (r *SubscriptionRepo) AppendHistory(ctx context.Context, entry *types.HistoryEntry) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO subscription_history (user_id, tier, start_date, end_date, reason)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.UserID, entry.Tier, entry.StartDate, entry.EndDate, entry.Reason,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append history entry", err)
	}
	return nil
}

// ListHistory returns the user's tier history, newest first.
func (r *SubscriptionRepo) ListHistory(ctx context.Context, userID string) ([]types.HistoryEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, tier, start_date, end_date, reason
		 FROM subscription_history
		 WHERE user_id = $1
		 ORDER BY start_date DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query history", err)
	}
	defer rows.Close()

	var entries []types.HistoryEntry
	for rows.Next() {
		var e types.HistoryEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Tier, &e.StartDate, &e.EndDate, &e.Reason); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan history row", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating history rows", err)
	}
	return entries, nil
}

// marshalSubscriptionJSON encodes the JSONB columns of a subscription row.
func marshalSubscriptionJSON(sub *types.Subscription) (billing, limits, features, trial []byte, err error) {
	if billing, err = json.Marshal(sub.Billing); err != nil {
		return nil, nil, nil, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to encode billing info", err)
	}
	if limits, err = json.Marshal(sub.Limits); err != nil {
		return nil, nil, nil, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to encode limits", err)
	}
	if features, err = json.Marshal(sub.Features); err != nil {
		return nil, nil, nil, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to encode features", err)
	}
	if sub.Trial != nil {
		if trial, err = json.Marshal(sub.Trial); err != nil {
			return nil, nil, nil, nil, types.NewAppError(types.ErrCodeInternalDB, "failed to encode trial info", err)
		}
	}
	return billing, limits, features, trial, nil
}

// scanSubscription decodes a subscription row including its JSONB columns.
func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var (
		sub      types.Subscription
		billing  []byte
		limits   []byte
		features []byte
		trial    []byte
	)

	err := row.Scan(
		&sub.UserID, &sub.CurrentTier, &sub.Status, &billing, &limits,
		&features, &trial, &sub.LastMonthlyCountResetAt, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundSubscription, "subscription not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan subscription row", err)
	}

	if err := json.Unmarshal(billing, &sub.Billing); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to decode billing info", err)
	}
	if err := json.Unmarshal(limits, &sub.Limits); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to decode limits", err)
	}
	if err := json.Unmarshal(features, &sub.Features); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to decode features", err)
	}
	if len(trial) > 0 {
		sub.Trial = &types.TrialInfo{}
		if err := json.Unmarshal(trial, sub.Trial); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to decode trial info", err)
		}
	}

	return &sub, nil
}
