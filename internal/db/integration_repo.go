package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"commercehub/internal/types"
)

// TokenCipher seals page access tokens before they reach the table.
type TokenCipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// IntegrationRepository stores one integration row per tenant. Tokens are
// sealed with the injected TokenCipher; the column never holds plaintext.
type IntegrationRepository struct {
	db     DBTX
	cipher TokenCipher
}

// NewIntegrationRepository creates a new IntegrationRepository.
func NewIntegrationRepository(db DBTX, cipher TokenCipher) *IntegrationRepository {
	return &IntegrationRepository{db: db, cipher: cipher}
}

// Upsert writes rec as the tenant's complete integration state in one
// statement. Every column is replaced; nothing from a previous connection
// survives.
func (r *IntegrationRepository) Upsert(ctx context.Context, rec *types.IntegrationRecord) error {
	var sealed []byte
	if !rec.PageAccessToken.IsEmpty() {
		var err error
		sealed, err = r.cipher.Seal([]byte(rec.PageAccessToken.Unmask()))
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to seal page token", err)
		}
	}

	err := r.db.QueryRow(ctx,
		`INSERT INTO integrations (tenant_id, page_id, page_name, page_access_token_sealed,
		 page_connected, content_account_id, content_account_connected, connected_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		 ON CONFLICT (tenant_id) DO UPDATE SET
		     page_id = EXCLUDED.page_id,
		     page_name = EXCLUDED.page_name,
		     page_access_token_sealed = EXCLUDED.page_access_token_sealed,
		     page_connected = EXCLUDED.page_connected,
		     content_account_id = EXCLUDED.content_account_id,
		     content_account_connected = EXCLUDED.content_account_connected,
		     connected_at = EXCLUDED.connected_at,
		     updated_at = NOW()
		 RETURNING updated_at`,
		rec.TenantID,
		nullIfEmpty(rec.PageID),
		nullIfEmpty(rec.PageName),
		sealed,
		rec.PageConnected,
		nullIfEmpty(rec.ContentAccountID),
		rec.ContentAccountConnected,
		rec.ConnectedAt,
	).Scan(&rec.UpdatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save integration", err)
	}
	return nil
}

// Clear nulls every identifier and secret of the tenant's integration and
// sets both flags false. Clearing a tenant with no row is not an error.
func (r *IntegrationRepository) Clear(ctx context.Context, tenantID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE integrations SET
		     page_id = NULL,
		     page_name = NULL,
		     page_access_token_sealed = NULL,
		     page_connected = FALSE,
		     content_account_id = NULL,
		     content_account_connected = FALSE,
		     connected_at = NULL,
		     updated_at = NOW()
		 WHERE tenant_id = $1`,
		tenantID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to clear integration", err)
	}
	return nil
}

// Get returns the tenant's integration with its token opened.
func (r *IntegrationRepository) Get(ctx context.Context, tenantID string) (*types.IntegrationRecord, error) {
	var (
		rec    types.IntegrationRecord
		sealed []byte
	)
	err := r.db.QueryRow(ctx,
		`SELECT tenant_id, COALESCE(page_id, ''), COALESCE(page_name, ''), page_access_token_sealed,
		 page_connected, COALESCE(content_account_id, ''), content_account_connected,
		 connected_at, updated_at
		 FROM integrations WHERE tenant_id = $1`,
		tenantID,
	).Scan(
		&rec.TenantID,
		&rec.PageID,
		&rec.PageName,
		&sealed,
		&rec.PageConnected,
		&rec.ContentAccountID,
		&rec.ContentAccountConnected,
		&rec.ConnectedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundIntegration, "integration not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get integration", err)
	}

	if len(sealed) > 0 {
		plain, err := r.cipher.Open(sealed)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to open page token", err)
		}
		rec.PageAccessToken = types.SecretString(plain)
	}
	return &rec, nil
}

