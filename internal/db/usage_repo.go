package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"receiptwise/internal/types"
)

// UsageWindowRepo provides data access for the usage_windows table.
//
// Windows are keyed by "{userID}_{YYYY-MM}" and created lazily: the first
// counted operation in a month materializes the window. Counters only move
// forward; nothing in this repo ever decrements them.
type UsageWindowRepo struct {
	db DBTX
}

// NewUsageWindowRepo creates a UsageWindowRepo backed by the given database
// connection (pool or transaction).
func NewUsageWindowRepo(db DBTX) *UsageWindowRepo {
	return &UsageWindowRepo{db: db}
}

// WithTx returns a copy of the repo bound to the given transaction.
func (r *UsageWindowRepo) WithTx(tx DBTX) *UsageWindowRepo {
	return &UsageWindowRepo{db: tx}
}

const usageWindowColumns = `id, user_id, month, receipts_uploaded, api_calls,
	reports_generated, limits, reset_date, created_at, updated_at`

// Get retrieves a usage window by its composite ID.
// Returns an AppError with code not_found_usage_window if no row exists.
func (r *UsageWindowRepo) Get(ctx context.Context, id string) (*types.UsageWindow, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+usageWindowColumns+` FROM usage_windows WHERE id = $1`,
		id,
	)
	return scanUsageWindow(row)
}

// GetOrCreate returns the window for the given user and month, materializing
// it with zero counters and the supplied limits snapshot when absent. The
// upsert is race-safe: concurrent first-writers converge on a single row.
func (r *UsageWindowRepo) GetOrCreate(ctx context.Context, userID string, month time.Time, limits types.TierLimits, now time.Time) (*types.UsageWindow, error) {
	id := types.UsageWindowID(userID, month)

	limitsJSON, err := json.Marshal(limits)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to encode window limits", err)
	}

	resetDate := types.FirstOfNextMonth(month)

	_, err = r.db.Exec(ctx,
		`INSERT INTO usage_windows
		 (id, user_id, month, receipts_uploaded, api_calls, reports_generated,
		  limits, reset_date, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, 0, 0, $4, $5, $6, $6)
		 ON CONFLICT (id) DO NOTHING`,
		id, userID, month.UTC().Format("2006-01"), limitsJSON, resetDate, now,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create usage window", err)
	}

	return r.Get(ctx, id)
}

// counterColumns whitelists the incrementable counters.
var counterColumns = map[string]bool{
	"receipts_uploaded": true,
	"api_calls":         true,
	"reports_generated": true,
}

// Increment adds delta to a counter on the given window. The counter name is
// validated against a whitelist before being interpolated into the query.
func (r *UsageWindowRepo) Increment(ctx context.Context, id, counter string, delta int, now time.Time) error {
	if !counterColumns[counter] {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("unknown usage counter %q", counter), nil)
	}

	tag, err := r.db.Exec(ctx,
		fmt.Sprintf(`UPDATE usage_windows SET %s = %s + $1, updated_at = $2 WHERE id = $3`, counter, counter),
		delta, now, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to increment usage counter", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUsageWindow, "usage window not found", nil)
	}
	return nil
}

// SetReceiptCount overwrites the receipts_uploaded counter. The transition
// applier uses this to zero the counter when a tier change moves the reset
// epoch. A missing window is not an error; a lazily created window starts
// at zero anyway.
func (r *UsageWindowRepo) SetReceiptCount(ctx context.Context, id string, count int, now time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE usage_windows SET receipts_uploaded = $1, updated_at = $2 WHERE id = $3`,
		count, now, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set receipt count", err)
	}
	return nil
}

// RefreshLimits stamps the current month's window with a new limits snapshot.
// Called when a tier change lands mid-month so limit checks reflect the new
// tier immediately. Missing windows are not an error; the window will pick up
// the new limits when lazily created.
func (r *UsageWindowRepo) RefreshLimits(ctx context.Context, id string, limits types.TierLimits, now time.Time) error {
	limitsJSON, err := json.Marshal(limits)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to encode window limits", err)
	}

	_, err = r.db.Exec(ctx,
		`UPDATE usage_windows SET limits = $1, updated_at = $2 WHERE id = $3`,
		limitsJSON, now, id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to refresh window limits", err)
	}
	return nil
}

// ListClosedBefore returns windows for months strictly older than the cutoff
// month (YYYY-MM), limited for batch archival.
func (r *UsageWindowRepo) ListClosedBefore(ctx context.Context, cutoffMonth string, limit int) ([]types.UsageWindow, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+usageWindowColumns+` FROM usage_windows
		 WHERE month < $1
		 ORDER BY month ASC, id ASC
		 LIMIT $2`,
		cutoffMonth, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query closed windows", err)
	}
	defer rows.Close()

	var windows []types.UsageWindow
	for rows.Next() {
		w, scanErr := scanUsageWindow(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		windows = append(windows, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating closed windows", err)
	}
	return windows, nil
}

// Delete removes an archived window row.
func (r *UsageWindowRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM usage_windows WHERE id = $1`, id)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to delete usage window", err)
	}
	return nil
}

func scanUsageWindow(row pgx.Row) (*types.UsageWindow, error) {
	var (
		w      types.UsageWindow
		limits []byte
	)
	err := row.Scan(
		&w.ID, &w.UserID, &w.Month, &w.ReceiptsUploaded, &w.APICalls,
		&w.ReportsGenerated, &limits, &w.ResetDate, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUsageWindow, "usage window not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan usage window row", err)
	}
	if err := json.Unmarshal(limits, &w.Limits); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to decode window limits", err)
	}
	return &w, nil
}
