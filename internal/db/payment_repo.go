package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"commercehub/internal/types"
)

// PaymentRepository provides data access for the payments table.
//
// Status changes go through Transition only. It is a single conditional
// UPDATE guarded by status = 'pending', so concurrent deliveries of the same
// event race inside Postgres and exactly one of them gets a row back.
type PaymentRepository struct {
	db DBTX
}

// NewPaymentRepository creates a new PaymentRepository backed by the given
// database connection (pool or transaction).
func NewPaymentRepository(db DBTX) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// paymentColumns must match the scan order in scanPayment.
const paymentColumns = `id, customer_email, amount_cents, currency, plan_identifier, payment_method,
	COALESCE(provider_session_id, ''), COALESCE(provider_charge_id, ''),
	COALESCE(provider_payment_intent_id, ''), status, completed_at, ecosystem_synced_at, created_at`

func scanPayment(row pgx.Row) (*types.PaymentRecord, error) {
	var p types.PaymentRecord
	err := row.Scan(
		&p.ID,
		&p.CustomerEmail,
		&p.AmountCents,
		&p.Currency,
		&p.PlanIdentifier,
		&p.PaymentMethod,
		&p.ProviderSessionID,
		&p.ProviderChargeID,
		&p.ProviderPaymentIntentID,
		&p.Status,
		&p.CompletedAt,
		&p.EcosystemSyncedAt,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// lookupColumn maps a LookupKey to its column. Keys are never interpolated
// from input.
func lookupColumn(key types.LookupKey) (string, error) {
	switch key {
	case types.LookupBySession:
		return "provider_session_id", nil
	case types.LookupByCharge:
		return "provider_charge_id", nil
	default:
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, fmt.Sprintf("unknown payment lookup key %q", key), nil)
	}
}

// Create inserts a pending payment.
func (r *PaymentRepository) Create(ctx context.Context, p *types.PaymentRecord) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO payments (id, customer_email, amount_cents, currency, plan_identifier,
		 payment_method, provider_session_id, provider_charge_id, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending')
		 RETURNING created_at`,
		p.ID,
		p.CustomerEmail,
		p.AmountCents,
		p.Currency,
		p.PlanIdentifier,
		p.PaymentMethod,
		nullIfEmpty(p.ProviderSessionID),
		nullIfEmpty(p.ProviderChargeID),
	).Scan(&p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return types.NewAppError(types.ErrCodeConflictDuplicate, "payment already exists", err)
		}
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create payment", err)
	}
	p.Status = types.PaymentStatusPending
	return nil
}

// Transition moves the payment identified by (key, value) from pending to
// status in one statement. intentID, when non-empty, is backfilled onto the
// row. completed_at is stamped on both terminal paths.
//
// Returns the updated record, or (nil, nil) when no pending row matched:
// the caller uses Get to tell an unknown record from a terminal one.
func (r *PaymentRepository) Transition(
	ctx context.Context,
	key types.LookupKey,
	value string,
	status types.PaymentStatus,
	at time.Time,
	intentID string,
) (*types.PaymentRecord, error) {
	if !status.IsTerminal() {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("payment cannot transition to %q", status), nil)
	}
	column, err := lookupColumn(key)
	if err != nil {
		return nil, err
	}

	row := r.db.QueryRow(ctx,
		`UPDATE payments
		 SET status = $1,
		     completed_at = $2,
		     provider_payment_intent_id = COALESCE($3, provider_payment_intent_id)
		 WHERE `+column+` = $4 AND status = 'pending'
		 RETURNING `+paymentColumns,
		status,
		at,
		nullIfEmpty(intentID),
		value,
	)

	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to transition payment", err)
	}
	return p, nil
}

// Get returns the payment identified by (key, value).
func (r *PaymentRepository) Get(ctx context.Context, key types.LookupKey, value string) (*types.PaymentRecord, error) {
	column, err := lookupColumn(key)
	if err != nil {
		return nil, err
	}

	p, err := scanPayment(r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE `+column+` = $1`,
		value,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPayment, "payment not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get payment", err)
	}
	return p, nil
}

// GetByID returns a payment by its local id.
func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*types.PaymentRecord, error) {
	p, err := scanPayment(r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPayment, "payment not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get payment", err)
	}
	return p, nil
}

// ListUnsynced returns completed payments the hub has not acknowledged,
// oldest first.
func (r *PaymentRepository) ListUnsynced(ctx context.Context, limit int) ([]*types.PaymentRecord, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+paymentColumns+` FROM payments
		 WHERE status = 'completed' AND ecosystem_synced_at IS NULL
		 ORDER BY completed_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list unsynced payments", err)
	}
	defer rows.Close()

	var payments []*types.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan payment", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to iterate payments", err)
	}
	return payments, nil
}

// MarkSynced stamps ecosystem_synced_at. A payment synced twice keeps the
// first timestamp.
func (r *PaymentRepository) MarkSynced(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE payments SET ecosystem_synced_at = $1
		 WHERE id = $2 AND ecosystem_synced_at IS NULL`,
		at,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark payment synced", err)
	}
	return nil
}
