package db

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"receiptwise/internal/types"
)

func TestLedgerRepo_Append_AssignsID(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepo(db)

	db.On("Exec", mock.Anything,
		mock.MatchedBy(func(sql string) bool {
			return strings.Contains(sql, "ON CONFLICT (user_id, invoice_id) DO NOTHING")
		}),
		mock.Anything,
	).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	entry := &types.LedgerEntry{
		UserID:      "user_1",
		InvoiceID:   "in_123",
		AmountCents: 1999,
		Currency:    "usd",
		PeriodStart: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		RecordedAt:  time.Now().UTC(),
	}

	err := repo.Append(context.Background(), entry)
	require.NoError(t, err)
	assert.NotEmpty(t, entry.ID)
	db.AssertExpectations(t)
}

func TestLedgerRepo_Append_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("disk full"))

	err := repo.Append(context.Background(), &types.LedgerEntry{UserID: "user_1", InvoiceID: "in_1"})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestLedgerRepo_ListByUser(t *testing.T) {
	db := new(mockDBTX)
	repo := NewLedgerRepo(db)

	recorded := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	rows := newMockRows(func(dest ...any) error {
		*dest[0].(*string) = "le_1"
		*dest[1].(*string) = "user_1"
		*dest[2].(*string) = "in_123"
		*dest[3].(*int64) = 1999
		*dest[4].(*string) = "usd"
		*dest[5].(*time.Time) = recorded
		*dest[6].(*time.Time) = recorded.AddDate(0, 1, 0)
		*dest[7].(*time.Time) = recorded
		return nil
	})
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(rows, nil)

	entries, err := repo.ListByUser(context.Background(), "user_1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1999), entries[0].AmountCents)
}

func TestTeamRepo_AccountHolderFor_Teammate(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTeamRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "holder_9"
			return nil
		}})

	accountID, err := repo.AccountHolderFor(context.Background(), "member_3")
	require.NoError(t, err)
	assert.Equal(t, "holder_9", accountID)
}

func TestTeamRepo_AccountHolderFor_SelfWhenNoMembership(t *testing.T) {
	db := new(mockDBTX)
	repo := NewTeamRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	accountID, err := repo.AccountHolderFor(context.Background(), "user_1")
	require.NoError(t, err)
	assert.Equal(t, "user_1", accountID)
}
