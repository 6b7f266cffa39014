package db

import (
	"context"
	"log/slog"
	"time"

	"receiptwise/internal/types"
)

// ReceiptRepo provides the receipt queries the billing engine needs: window
// counting and compensating exclusion. Receipt creation and OCR processing
// live in the upload service; this repo never inserts receipts.
//
// Counting rules:
//   - Soft-deleted receipts still count. Deleting a receipt never frees
//     quota within the month it was uploaded.
//   - Receipts flagged exclude_from_monthly_count are skipped. The flag is
//     set by ExcludeBefore when a tier change resets the counting epoch.
//   - Teammate uploads roll up to the account holder via account_id.
type ReceiptRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewReceiptRepo creates a ReceiptRepo backed by the given database
// connection (pool or transaction).
func NewReceiptRepo(db DBTX, logger *slog.Logger) *ReceiptRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReceiptRepo{db: db, logger: logger}
}

// WithTx returns a copy of the repo bound to the given transaction.
func (r *ReceiptRepo) WithTx(tx DBTX) *ReceiptRepo {
	return &ReceiptRepo{db: tx, logger: r.logger}
}

// CountForAccountSince counts receipts attributed to the account holder that
// were created at or after the window start. Soft-deleted receipts are
// included; excluded receipts are not.
func (r *ReceiptRepo) CountForAccountSince(ctx context.Context, accountID string, windowStart time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM receipts
		 WHERE account_id = $1
		   AND created_at >= $2
		   AND NOT exclude_from_monthly_count`,
		accountID, windowStart,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count receipts", err)
	}
	return count, nil
}

// ExcludeBefore flags all of the account's countable receipts created before
// the cutoff as excluded from monthly counting, recording when and under
// which prior tier the exclusion happened. It pages through matching rows in
// fixed-size batches so a large backlog cannot hold row locks for the whole
// table at once.
//
// Returns the total number of receipts flagged. Already-excluded receipts
// are skipped, which makes the operation idempotent: re-running a transition
// for the same cutoff flags nothing new.
func (r *ReceiptRepo) ExcludeBefore(ctx context.Context, accountID string, cutoff time.Time, previousTier types.Tier, pageSize int) (int, error) {
	if pageSize <= 0 {
		pageSize = 500
	}

	total := 0
	for {
		tag, err := r.db.Exec(ctx,
			`UPDATE receipts
			 SET exclude_from_monthly_count = TRUE,
			     monthly_count_excluded_at = $1,
			     previous_tier = $2
			 WHERE id IN (
			     SELECT id FROM receipts
			     WHERE account_id = $3
			       AND created_at < $1
			       AND NOT exclude_from_monthly_count
			     ORDER BY created_at
			     LIMIT $4
			 )`,
			cutoff, previousTier, accountID, pageSize,
		)
		if err != nil {
			return total, types.NewAppError(types.ErrCodeInternalDB, "failed to exclude receipts", err)
		}

		affected := int(tag.RowsAffected())
		total += affected
		if affected < pageSize {
			break
		}
	}

	if total > 0 {
		r.logger.Info("receipts excluded from monthly count",
			slog.String("account_id", accountID),
			slog.Int("count", total),
			slog.Time("cutoff", cutoff),
		)
	}
	return total, nil
}
