package types

import (
	"encoding/json"
	"time"
)

// PaymentMethod identifies the payment rail a checkout attempt was created on.
type PaymentMethod string

const (
	PaymentMethodCard   PaymentMethod = "card"
	PaymentMethodCrypto PaymentMethod = "crypto"
)

// Valid reports whether m is one of the supported rails.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodCrypto:
		return true
	}
	return false
}

// PaymentStatus is the lifecycle state of a PaymentRecord.
// Transitions are pending -> completed and pending -> failed only.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// IsTerminal reports whether no further automatic transition is permitted.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

// PaymentRecord identifies a single checkout attempt.
type PaymentRecord struct {
	ID                      string        `json:"id"`
	CustomerEmail           string        `json:"customer_email"`
	AmountCents             int64         `json:"amount_cents"`
	Currency                string        `json:"currency"`
	PlanIdentifier          string        `json:"plan_identifier"`
	PaymentMethod           PaymentMethod `json:"payment_method"`
	ProviderSessionID       string        `json:"provider_session_id,omitempty"`
	ProviderChargeID        string        `json:"provider_charge_id,omitempty"`
	ProviderPaymentIntentID string        `json:"provider_payment_intent_id,omitempty"`
	Status                  PaymentStatus `json:"status"`
	CompletedAt             *time.Time    `json:"completed_at,omitempty"`
	EcosystemSyncedAt       *time.Time    `json:"ecosystem_synced_at,omitempty"`
	CreatedAt               time.Time     `json:"created_at"`
}

// SubscriptionEntitlement is the paid-feature state attached to an account.
type SubscriptionEntitlement struct {
	AccountID              string     `json:"account_id"`
	Email                  string     `json:"email"`
	SubscriptionActive     bool       `json:"subscription_active"`
	ExpiresAt              *time.Time `json:"expires_at,omitempty"`
	ProviderCustomerID     string     `json:"provider_customer_id,omitempty"`
	ProviderSubscriptionID string     `json:"provider_subscription_id,omitempty"`
}

// ActiveAt reports whether the entitlement grants access at now.
// A record whose flag is still set but whose expiry has passed is inactive.
func (e *SubscriptionEntitlement) ActiveAt(now time.Time) bool {
	if e == nil || !e.SubscriptionActive || e.ExpiresAt == nil {
		return false
	}
	return e.ExpiresAt.After(now)
}

// IntegrationRecord links a tenant to a social graph page and the content
// account discovered from it. There is at most one record per tenant.
type IntegrationRecord struct {
	TenantID                string       `json:"tenant_id"`
	PageID                  string       `json:"page_id,omitempty"`
	PageName                string       `json:"page_name,omitempty"`
	PageAccessToken         SecretString `json:"-"`
	PageConnected           bool         `json:"page_connected"`
	ContentAccountID        string       `json:"content_account_id,omitempty"`
	ContentAccountConnected bool         `json:"content_account_connected"`
	ConnectedAt             *time.Time   `json:"connected_at,omitempty"`
	UpdatedAt               time.Time    `json:"updated_at"`
}

// IntegrationStatus is the read view of an IntegrationRecord. It carries no
// secret material.
type IntegrationStatus struct {
	TenantID                string     `json:"tenantId"`
	PageID                  string     `json:"pageId,omitempty"`
	PageName                string     `json:"pageName,omitempty"`
	PageConnected           bool       `json:"pageConnected"`
	ContentAccountID        string     `json:"contentAccountId,omitempty"`
	ContentAccountConnected bool       `json:"contentAccountConnected"`
	ConnectedAt             *time.Time `json:"connectedAt,omitempty"`
}

// Status strips secrets from the record.
func (r *IntegrationRecord) Status() IntegrationStatus {
	return IntegrationStatus{
		TenantID:                r.TenantID,
		PageID:                  r.PageID,
		PageName:                r.PageName,
		PageConnected:           r.PageConnected,
		ContentAccountID:        r.ContentAccountID,
		ContentAccountConnected: r.ContentAccountConnected,
		ConnectedAt:             r.ConnectedAt,
	}
}

// OAuthStateEntry binds an authorization request to its callback.
type OAuthStateEntry struct {
	Nonce     string    `json:"nonce"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ExpiredAt reports whether the entry is older than ttl at now.
func (e OAuthStateEntry) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return !now.Before(e.CreatedAt.Add(ttl))
}

// LogStatus is the outcome recorded on an EcosystemLogEntry.
type LogStatus string

const (
	LogStatusSuccess LogStatus = "success"
	LogStatusFailed  LogStatus = "failed"
)

// EcosystemLogEntry is one row of the partner hub audit trail.
type EcosystemLogEntry struct {
	ID        string         `json:"id"`
	Action    string         `json:"action"`
	Status    LogStatus      `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// EcosystemEvent is a verified inbound event from the partner hub.
type EcosystemEvent struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AnchorReceipt acknowledges a hash submitted for anchoring.
type AnchorReceipt struct {
	Queued  bool   `json:"queued"`
	BatchID string `json:"batchId"`
}

// SyncReport summarizes an administrative bookkeeping resync.
type SyncReport struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
}
