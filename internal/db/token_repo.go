package db

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"receiptwise/internal/types"
)

// tokenPrefixLen is the number of plaintext characters stored alongside the
// bcrypt hash for indexed lookup. Tokens look like "rw_<random>"; the prefix
// narrows the candidate set to (normally) one row before the constant-time
// hash comparison.
const tokenPrefixLen = 10

// ServiceTokenRepo authenticates callers of the tier-change endpoint against
// the service_tokens table. Tokens are bcrypt-hashed; plaintext secrets are
// never stored. It implements the core.Authenticator interface.
type ServiceTokenRepo struct {
	db DBTX
}

// NewServiceTokenRepo creates a ServiceTokenRepo backed by the given database
// connection (pool or transaction).
func NewServiceTokenRepo(db DBTX) *ServiceTokenRepo {
	return &ServiceTokenRepo{db: db}
}

// ResolveToken resolves a Bearer token to the Actor it represents.
//
// Resolution strategy:
//  1. Look up non-revoked candidate rows by token prefix.
//  2. Compare the presented token against each candidate's bcrypt hash.
//  3. On match, build an Actor from the row's actor columns.
//
// Malformed, unknown, and revoked tokens all return auth_token_invalid; the
// caller cannot distinguish which case occurred.
func (r *ServiceTokenRepo) ResolveToken(ctx context.Context, token string) (*types.Actor, error) {
	if len(token) < tokenPrefixLen || !strings.HasPrefix(token, "rw_") {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid authentication token", nil)
	}

	rows, err := r.db.Query(ctx,
		`SELECT token_hash, actor_id, actor_type, source
		 FROM service_tokens
		 WHERE token_prefix = $1 AND revoked_at IS NULL`,
		token[:tokenPrefixLen],
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query service tokens", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			hash      string
			actorID   string
			actorType string
			source    *string
		)
		if err := rows.Scan(&hash, &actorID, &actorType, &source); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan service token row", err)
		}

		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil {
			actor := &types.Actor{
				ID:   actorID,
				Type: types.ActorType(actorType),
			}
			if source != nil {
				actor.Source = *source
			}
			return actor, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating service token rows", err)
	}

	return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid authentication token", nil)
}

// GetByActor returns whether a non-revoked token exists for the actor.
// Used by provisioning tooling to avoid issuing duplicates.
func (r *ServiceTokenRepo) GetByActor(ctx context.Context, actorID string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM service_tokens WHERE actor_id = $1 AND revoked_at IS NULL)`,
		actorID,
	).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check service token", err)
	}
	return exists, nil
}
