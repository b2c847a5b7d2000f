package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"commercehub/internal/types"
)

// AccountRepository reads and writes the subscription entitlement columns
// of the accounts table. Account rows themselves are created elsewhere;
// this repository never inserts or deletes them.
type AccountRepository struct {
	db DBTX
}

// NewAccountRepository creates a new AccountRepository.
func NewAccountRepository(db DBTX) *AccountRepository {
	return &AccountRepository{db: db}
}

const entitlementColumns = `id, email, subscription_active, subscription_expires_at,
	COALESCE(provider_customer_id, ''), COALESCE(provider_subscription_id, '')`

func scanEntitlement(row pgx.Row) (*types.SubscriptionEntitlement, error) {
	var e types.SubscriptionEntitlement
	if err := row.Scan(
		&e.AccountID,
		&e.Email,
		&e.SubscriptionActive,
		&e.ExpiresAt,
		&e.ProviderCustomerID,
		&e.ProviderSubscriptionID,
	); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetByEmail returns the entitlement of the account with email
// (case-insensitive).
func (r *AccountRepository) GetByEmail(ctx context.Context, email string) (*types.SubscriptionEntitlement, error) {
	e, err := scanEntitlement(r.db.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM accounts WHERE lower(email) = lower($1)`,
		email,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount, "account not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get account", err)
	}
	return e, nil
}

// Activate turns the entitlement on for the account with email. It fails
// with not_found_account when no account exists; it never creates one.
func (r *AccountRepository) Activate(
	ctx context.Context,
	email string,
	customerID string,
	subscriptionID string,
	expiresAt time.Time,
) (*types.SubscriptionEntitlement, error) {
	e, err := scanEntitlement(r.db.QueryRow(ctx,
		`UPDATE accounts
		 SET subscription_active = TRUE,
		     subscription_expires_at = $2,
		     provider_customer_id = $3,
		     provider_subscription_id = $4,
		     updated_at = NOW()
		 WHERE lower(email) = lower($1)
		 RETURNING `+entitlementColumns,
		email,
		expiresAt,
		nullIfEmpty(customerID),
		nullIfEmpty(subscriptionID),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundAccount,
				"no account exists for this email; create an account first", nil)
		}
		if isUniqueViolation(err) {
			return nil, types.NewAppError(types.ErrCodeConflictDuplicate,
				"subscription is already attached to another account", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to activate subscription", err)
	}
	return e, nil
}

// Extend moves subscription_expires_at for the account holding
// subscriptionID. Returns false when no account holds it.
func (r *AccountRepository) Extend(ctx context.Context, subscriptionID string, expiresAt time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET subscription_expires_at = $2, updated_at = NOW()
		 WHERE provider_subscription_id = $1`,
		subscriptionID,
		expiresAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to extend subscription", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Deactivate clears the entitlement for the account holding subscriptionID,
// whatever its current expiry. Returns false when no account holds it.
func (r *AccountRepository) Deactivate(ctx context.Context, subscriptionID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET subscription_active = FALSE,
		     subscription_expires_at = NULL,
		     provider_subscription_id = NULL,
		     updated_at = NOW()
		 WHERE provider_subscription_id = $1`,
		subscriptionID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to deactivate subscription", err)
	}
	return tag.RowsAffected() > 0, nil
}
