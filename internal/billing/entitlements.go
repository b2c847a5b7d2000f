package billing

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"commercehub/internal/types"
)

// Billing intervals as sent in checkout metadata.
const (
	IntervalMonth = "month"
	IntervalYear  = "year"
)

// AccountStore is implemented by db.AccountRepository.
type AccountStore interface {
	GetByEmail(ctx context.Context, email string) (*types.SubscriptionEntitlement, error)
	Activate(ctx context.Context, email, customerID, subscriptionID string, expiresAt time.Time) (*types.SubscriptionEntitlement, error)
	Extend(ctx context.Context, subscriptionID string, expiresAt time.Time) (bool, error)
	Deactivate(ctx context.Context, subscriptionID string) (bool, error)
}

// Entitlement is the read view served to the frontend.
type Entitlement struct {
	AdFree    bool       `json:"adFree"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// EntitlementManager applies subscription lifecycle events to accounts.
// It is the only writer of the subscription flag.
type EntitlementManager struct {
	accounts AccountStore
	now      func() time.Time
	logger   *slog.Logger
}

// NewEntitlementManager creates an EntitlementManager. clock may be nil.
func NewEntitlementManager(accounts AccountStore, clock func() time.Time, logger *slog.Logger) *EntitlementManager {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementManager{accounts: accounts, now: clock, logger: logger}
}

// Apply dispatches ev to its handler.
func (m *EntitlementManager) Apply(ctx context.Context, ev types.SubscriptionEvent) error {
	switch e := ev.(type) {
	case types.SubscriptionCheckoutCompleted:
		_, err := m.Activate(ctx, e)
		return err
	case types.InvoicePaid:
		return m.Extend(ctx, e)
	case types.SubscriptionDeleted:
		return m.Deactivate(ctx, e)
	case types.InvoicePaymentFailed:
		m.logger.WarnContext(ctx, "subscription payment failed",
			"event_id", e.ID,
			"subscription_id", e.SubscriptionID,
			"attempt_count", e.AttemptCount,
		)
		return nil
	default:
		m.logger.InfoContext(ctx, "ignoring subscription event", "event_type", ev.EventType())
		return nil
	}
}

// Activate turns the entitlement on for the account matching the event
// email, one billing period past the event time. An unknown email is an
// error and creates nothing.
func (m *EntitlementManager) Activate(ctx context.Context, e types.SubscriptionCheckoutCompleted) (*types.SubscriptionEntitlement, error) {
	email := strings.ToLower(strings.TrimSpace(e.Email))
	if email == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField,
			"subscription checkout carries no customer email", nil)
	}

	start := e.OccurredAt
	if start.IsZero() {
		start = m.now()
	}
	expires := addPeriod(start.UTC(), e.Interval)

	ent, err := m.accounts.Activate(ctx, email, e.CustomerID, e.SubscriptionID, expires)
	if err != nil {
		m.logger.WarnContext(ctx, "subscription activation failed",
			"event_id", e.ID,
			"subscription_id", e.SubscriptionID,
			"error", err,
		)
		return nil, err
	}
	m.logger.InfoContext(ctx, "subscription activated",
		"account_id", ent.AccountID,
		"subscription_id", e.SubscriptionID,
		"expires_at", expires,
	)
	return ent, nil
}

// Extend moves the expiry to the paid period's end. Invoices for unknown
// subscriptions are dropped.
func (m *EntitlementManager) Extend(ctx context.Context, e types.InvoicePaid) error {
	end := e.PeriodEnd
	if end.IsZero() {
		end = addPeriod(m.now().UTC(), IntervalMonth)
		m.logger.WarnContext(ctx, "invoice without period end, extending one month",
			"event_id", e.ID, "subscription_id", e.SubscriptionID)
	}

	found, err := m.accounts.Extend(ctx, e.SubscriptionID, end)
	if err != nil {
		return err
	}
	if !found {
		m.logger.InfoContext(ctx, "invoice for unknown subscription ignored",
			"event_id", e.ID, "subscription_id", e.SubscriptionID)
		return nil
	}
	m.logger.InfoContext(ctx, "subscription extended",
		"subscription_id", e.SubscriptionID, "expires_at", end)
	return nil
}

// Deactivate switches the entitlement off regardless of remaining time.
func (m *EntitlementManager) Deactivate(ctx context.Context, e types.SubscriptionDeleted) error {
	found, err := m.accounts.Deactivate(ctx, e.SubscriptionID)
	if err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "subscription deactivated",
		"subscription_id", e.SubscriptionID, "matched", found)
	return nil
}

// Entitlement reports whether email currently has the paid feature. An
// expired record still flagged active reads as inactive; unknown emails
// read as inactive.
func (m *EntitlementManager) Entitlement(ctx context.Context, email string) (Entitlement, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return Entitlement{}, types.NewAppError(types.ErrCodeValidationMissingField, "email is required", nil)
	}
	ent, err := m.accounts.GetByEmail(ctx, email)
	if types.HasCode(err, types.ErrCodeNotFoundAccount) {
		return Entitlement{}, nil
	}
	if err != nil {
		return Entitlement{}, err
	}
	if !ent.ActiveAt(m.now()) {
		return Entitlement{}, nil
	}
	return Entitlement{AdFree: true, ExpiresAt: ent.ExpiresAt}, nil
}

func addPeriod(t time.Time, interval string) time.Time {
	if interval == IntervalYear {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}
