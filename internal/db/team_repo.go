package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"receiptwise/internal/types"
)

// TeamRepo provides data access for the team_members table. Teammates hold
// no quota of their own; every counted operation they perform attributes to
// their account holder.
type TeamRepo struct {
	db DBTX
}

// NewTeamRepo creates a TeamRepo backed by the given database connection
// (pool or transaction).
func NewTeamRepo(db DBTX) *TeamRepo {
	return &TeamRepo{db: db}
}

// AccountHolderFor resolves the account holder a user's usage attributes to.
// For account holders themselves (no team_members row), the user's own ID is
// returned.
func (r *TeamRepo) AccountHolderFor(ctx context.Context, userID string) (string, error) {
	var accountID string
	err := r.db.QueryRow(ctx,
		`SELECT account_id FROM team_members WHERE member_id = $1`,
		userID,
	).Scan(&accountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return userID, nil
		}
		return "", types.NewAppError(types.ErrCodeInternalDB, "failed to resolve account holder", err)
	}
	return accountID, nil
}
