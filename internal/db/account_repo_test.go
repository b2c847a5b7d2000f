package db

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"commercehub/internal/types"
)

func TestAccountRepository_GetByEmail(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)
	exp := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	db.On("QueryRow", mock.Anything, sqlContains("lower(email) = lower($1)"), []any{"A@B.com"}).
		Return(&mockRow{values: []any{"acc_1", "a@b.com", true, &exp, "cus_1", "sub_1"}})

	e, err := repo.GetByEmail(context.Background(), "A@B.com")
	require.NoError(t, err)
	assert.Equal(t, "acc_1", e.AccountID)
	assert.True(t, e.SubscriptionActive)
	assert.Equal(t, &exp, e.ExpiresAt)
	assert.Equal(t, "sub_1", e.ProviderSubscriptionID)
}

func TestAccountRepository_Activate_UnknownEmailCreatesNothing(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	db.On("QueryRow", mock.Anything, sqlContains("UPDATE accounts", "subscription_active = TRUE"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.Activate(context.Background(), "a@b.com", "cus_1", "sub_1", time.Now())
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeNotFoundAccount, types.CodeOf(err))
	assert.Contains(t, err.Error(), "create an account first")

	db.AssertNotCalled(t, "Exec", mock.Anything, mock.Anything, mock.Anything)
}

func TestAccountRepository_Activate(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)
	exp := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	db.On("QueryRow", mock.Anything, sqlContains("UPDATE accounts"), mock.Anything).
		Return(&mockRow{values: []any{"acc_1", "a@b.com", true, &exp, "cus_1", "sub_1"}})

	e, err := repo.Activate(context.Background(), "a@b.com", "cus_1", "sub_1", exp)
	require.NoError(t, err)
	assert.True(t, e.ActiveAt(exp.Add(-time.Hour)))
}

func TestAccountRepository_Extend(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)
	exp := time.Now().Add(30 * 24 * time.Hour)

	db.On("Exec", mock.Anything, sqlContains("SET subscription_expires_at = $2"), []any{"sub_known", exp}).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)
	db.On("Exec", mock.Anything, sqlContains("SET subscription_expires_at = $2"), []any{"sub_unknown", exp}).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	found, err := repo.Extend(context.Background(), "sub_known", exp)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = repo.Extend(context.Background(), "sub_unknown", exp)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAccountRepository_Deactivate(t *testing.T) {
	db := new(mockDBTX)
	repo := NewAccountRepository(db)

	db.On("Exec", mock.Anything,
		sqlContains("subscription_active = FALSE", "subscription_expires_at = NULL", "provider_subscription_id = NULL"),
		[]any{"sub_1"},
	).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	found, err := repo.Deactivate(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.True(t, found)
	db.AssertExpectations(t)
}
