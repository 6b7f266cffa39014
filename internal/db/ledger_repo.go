package db

import (
	"context"

	"github.com/google/uuid"

	"receiptwise/internal/types"
)

// LedgerRepo provides data access for the billing_ledger table. The ledger
// is append-only: rows are written once on successful payment and never
// updated or deleted. Corrections arrive as new provider events, never as
// in-place edits.
type LedgerRepo struct {
	db DBTX
}

// NewLedgerRepo creates a LedgerRepo backed by the given database connection
// (pool or transaction).
func NewLedgerRepo(db DBTX) *LedgerRepo {
	return &LedgerRepo{db: db}
}

// WithTx returns a copy of the repo bound to the given transaction.
func (r *LedgerRepo) WithTx(tx DBTX) *LedgerRepo {
	return &LedgerRepo{db: tx}
}

// Append inserts a ledger entry, assigning an ID when the caller did not.
// Duplicate invoice IDs for the same user are ignored so that webhook
// redelivery cannot double-book revenue.
func (r *LedgerRepo) Append(ctx context.Context, entry *types.LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO billing_ledger
		 (id, user_id, invoice_id, amount_cents, currency, period_start, period_end, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (user_id, invoice_id) DO NOTHING`,
		entry.ID, entry.UserID, entry.InvoiceID, entry.AmountCents,
		entry.Currency, entry.PeriodStart, entry.PeriodEnd, entry.RecordedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append ledger entry", err)
	}
	return nil
}

// ListByUser returns a user's ledger entries, newest first.
func (r *LedgerRepo) ListByUser(ctx context.Context, userID string, limit int) ([]types.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, invoice_id, amount_cents, currency, period_start, period_end, recorded_at
		 FROM billing_ledger
		 WHERE user_id = $1
		 ORDER BY recorded_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query ledger", err)
	}
	defer rows.Close()

	var entries []types.LedgerEntry
	for rows.Next() {
		var e types.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.InvoiceID, &e.AmountCents,
			&e.Currency, &e.PeriodStart, &e.PeriodEnd, &e.RecordedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan ledger row", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating ledger rows", err)
	}
	return entries, nil
}
