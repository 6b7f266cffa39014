package db

import (
	"context"

	"receiptwise/internal/types"
)

// ArchiveRepo provides data access for the usage_archive table, which holds
// zstd-compressed snapshots of usage windows older than the retention cutoff.
// Archived blobs are write-once; restoring one is a manual operation.
type ArchiveRepo struct {
	db DBTX
}

// NewArchiveRepo creates an ArchiveRepo backed by the given database
// connection (pool or transaction).
func NewArchiveRepo(db DBTX) *ArchiveRepo {
	return &ArchiveRepo{db: db}
}

// WithTx returns a copy of the repo bound to the given transaction.
func (r *ArchiveRepo) WithTx(tx DBTX) *ArchiveRepo {
	return &ArchiveRepo{db: tx}
}

// Insert stores a compressed window snapshot. Conflicts on window ID are
// ignored so a retried archive run cannot duplicate rows.
func (r *ArchiveRepo) Insert(ctx context.Context, windowID, userID, month string, blob []byte) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO usage_archive (window_id, user_id, month, payload, archived_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (window_id) DO NOTHING`,
		windowID, userID, month, blob,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to insert usage archive", err)
	}
	return nil
}

// Get retrieves an archived window blob by window ID.
func (r *ArchiveRepo) Get(ctx context.Context, windowID string) ([]byte, error) {
	var blob []byte
	err := r.db.QueryRow(ctx,
		`SELECT payload FROM usage_archive WHERE window_id = $1`,
		windowID,
	).Scan(&blob)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read usage archive", err)
	}
	return blob, nil
}
