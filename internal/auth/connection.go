// Package auth implements the OAuth connection flow that links a tenant to
// a social graph page: state issuance, code redemption, page discovery and
// the persisted integration record.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"commercehub/internal/external"
	"commercehub/internal/types"
)

// IntegrationStore persists one integration record per tenant.
type IntegrationStore interface {
	Upsert(ctx context.Context, rec *types.IntegrationRecord) error
	Clear(ctx context.Context, tenantID string) error
	Get(ctx context.Context, tenantID string) (*types.IntegrationRecord, error)
}

// CallbackParams are the query parameters of the provider redirect.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ConnectionConfig holds optional settings for a ConnectionManager.
type ConnectionConfig struct {
	StateTTL time.Duration
	Nonces   NonceGenerator
	Clock    func() time.Time
	Logger   *slog.Logger
}

// ConnectionManager drives Issued -> Redeemed -> Resolved for one
// authorization attempt. Nothing is written to the integration store until
// every provider call has succeeded, and then in a single upsert.
type ConnectionManager struct {
	provider external.SocialGraphProvider
	states   StateStore
	store    IntegrationStore
	nonces   NonceGenerator
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewConnectionManager creates a ConnectionManager.
func NewConnectionManager(
	provider external.SocialGraphProvider,
	states StateStore,
	store IntegrationStore,
	cfg ConnectionConfig,
) *ConnectionManager {
	m := &ConnectionManager{
		provider: provider,
		states:   states,
		store:    store,
		nonces:   cfg.Nonces,
		ttl:      cfg.StateTTL,
		now:      cfg.Clock,
		logger:   cfg.Logger,
	}
	if m.nonces == nil {
		m.nonces = CryptoNonceGenerator{}
	}
	if m.ttl <= 0 {
		m.ttl = DefaultStateTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// BeginAuthorization stores a fresh single-use state for tenantID and
// returns the provider consent URL bound to it.
func (m *ConnectionManager) BeginAuthorization(ctx context.Context, tenantID string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", types.NewAppError(types.ErrCodeValidationMissingField, "tenant id is required", nil)
	}

	nonce, err := m.nonces.GenerateNonce()
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate authorization state", err)
	}

	entry := types.OAuthStateEntry{Nonce: nonce, TenantID: tenantID, CreatedAt: m.now().UTC()}
	if err := m.states.Put(ctx, entry, m.ttl); err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to store authorization state", err)
	}

	m.logger.InfoContext(ctx, "oauth authorization issued", "tenant_id", tenantID)
	return m.provider.AuthCodeURL(nonce), nil
}

// CompleteAuthorization redeems the state, exchanges the code, selects the
// first page the provider returns and discovers its linked content
// account. The state is consumed before anything else, so a callback
// carrying a provider error still burns it.
//
// Returns auth_oauth_state_invalid for a state that is unknown, reused or
// expired; the three are not distinguished.
func (m *ConnectionManager) CompleteAuthorization(ctx context.Context, params CallbackParams) (*types.IntegrationRecord, error) {
	entry, err := m.redeem(ctx, params.State)
	if err != nil {
		return nil, err
	}
	log := m.logger.With("tenant_id", entry.TenantID)

	if params.Error != "" {
		msg := params.ErrorDescription
		if msg == "" {
			msg = params.Error
		}
		log.InfoContext(ctx, "oauth consent was not granted", "provider_error", params.Error)
		return nil, types.NewAppError(types.ErrCodeAuthOAuthDenied, msg, nil)
	}
	if params.Code == "" {
		return nil, types.NewAppError(types.ErrCodeAuthOAuthDenied, "authorization code is missing", nil)
	}

	userToken, err := m.provider.Exchange(ctx, params.Code)
	if err != nil {
		log.WarnContext(ctx, "oauth code exchange failed", "error", err)
		return nil, err
	}

	pages, err := m.provider.ListPages(ctx, userToken)
	if err != nil {
		log.WarnContext(ctx, "oauth page discovery failed", "error", err)
		return nil, err
	}
	if len(pages) == 0 {
		return nil, types.NewAppError(types.ErrCodeUpstreamOAuthNoPages,
			"no pages were found for this account; make sure you manage at least one page", nil)
	}
	if len(pages) > 1 {
		log.InfoContext(ctx, "multiple pages returned, using the first", "page_count", len(pages))
	}
	page := pages[0]

	contentID, err := m.provider.LinkedContentAccount(ctx, page.ID, page.AccessToken)
	if err != nil {
		log.WarnContext(ctx, "linked content account lookup failed", "page_id", page.ID, "error", err)
		contentID = ""
	}

	now := m.now().UTC()
	rec := &types.IntegrationRecord{
		TenantID:                entry.TenantID,
		PageID:                  page.ID,
		PageName:                page.Name,
		PageAccessToken:         types.SecretString(page.AccessToken),
		PageConnected:           true,
		ContentAccountID:        contentID,
		ContentAccountConnected: contentID != "",
		ConnectedAt:             &now,
	}
	if err := m.store.Upsert(ctx, rec); err != nil {
		return nil, err
	}

	log.InfoContext(ctx, "integration connected",
		"page_id", rec.PageID,
		"content_account_connected", rec.ContentAccountConnected,
	)
	return rec, nil
}

// redeem consumes state and rejects entries older than the TTL even if the
// store still returned them.
func (m *ConnectionManager) redeem(ctx context.Context, state string) (*types.OAuthStateEntry, error) {
	invalid := types.NewAppError(types.ErrCodeAuthOAuthStateInvalid, "authorization request is invalid or has expired", nil)
	if state == "" {
		return nil, invalid
	}

	entry, err := m.states.Consume(ctx, state)
	if errors.Is(err, ErrStateNotFound) {
		m.logger.WarnContext(ctx, "oauth callback with unknown or expired state")
		return nil, invalid
	}
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to read authorization state", err)
	}
	if entry.ExpiredAt(m.now(), m.ttl) {
		m.logger.WarnContext(ctx, "oauth callback with expired state", "tenant_id", entry.TenantID)
		return nil, invalid
	}
	return entry, nil
}

// Disconnect clears every identifier and secret for tenantID. Disconnecting
// twice is not an error.
func (m *ConnectionManager) Disconnect(ctx context.Context, tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "tenant id is required", nil)
	}
	if err := m.store.Clear(ctx, tenantID); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "integration disconnected", "tenant_id", tenantID)
	return nil
}

// Status returns the secret-free view of the tenant's integration. A tenant
// that never connected reports both flags false.
func (m *ConnectionManager) Status(ctx context.Context, tenantID string) (types.IntegrationStatus, error) {
	rec, err := m.store.Get(ctx, tenantID)
	if types.HasCode(err, types.ErrCodeNotFoundIntegration) {
		return types.IntegrationStatus{TenantID: tenantID}, nil
	}
	if err != nil {
		return types.IntegrationStatus{}, err
	}
	return rec.Status(), nil
}
