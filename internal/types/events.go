package types

import "time"

// Provider event type strings consumed by the reconciliation core.
const (
	EventCheckoutCompleted          = "checkout.session.completed"
	EventCheckoutAsyncSucceeded     = "checkout.session.async_payment_succeeded"
	EventCheckoutAsyncFailed        = "checkout.session.async_payment_failed"
	EventCheckoutExpired            = "checkout.session.expired"
	EventInvoicePaymentSucceeded    = "invoice.payment_succeeded"
	EventInvoicePaid                = "invoice.paid"
	EventInvoicePaymentFailed       = "invoice.payment_failed"
	EventCustomerSubscriptionDelete = "customer.subscription.deleted"

	EventChargeConfirmed = "charge:confirmed"
	EventChargeResolved  = "charge:resolved"
	EventChargeFailed    = "charge:failed"
)

// ProviderEvent is the closed set of verified provider events this service
// consumes. Each variant is either a PaymentEvent or a SubscriptionEvent.
type ProviderEvent interface {
	EventID() string
	EventType() string
}

// LookupKey names the column a PaymentEvent resolves its record by.
type LookupKey string

const (
	LookupBySession LookupKey = "provider_session_id"
	LookupByCharge  LookupKey = "provider_charge_id"
)

// PaymentEvent is a provider event that moves a PaymentRecord out of pending.
type PaymentEvent interface {
	ProviderEvent
	// Lookup returns the key kind and value the record is located by.
	Lookup() (LookupKey, string)
	// Target is the status the record moves to.
	Target() PaymentStatus
	paymentEvent()
}

// CheckoutCompleted: the checkout rail reports the session as paid.
type CheckoutCompleted struct {
	ID              string
	Type            string
	SessionID       string
	PaymentIntentID string
	OccurredAt      time.Time
}

func (e CheckoutCompleted) EventID() string             { return e.ID }
func (e CheckoutCompleted) EventType() string           { return e.Type }
func (e CheckoutCompleted) Lookup() (LookupKey, string) { return LookupBySession, e.SessionID }
func (e CheckoutCompleted) Target() PaymentStatus       { return PaymentStatusCompleted }
func (CheckoutCompleted) paymentEvent()                 {}

// CheckoutFailed covers async payment failure and session expiry.
type CheckoutFailed struct {
	ID         string
	Type       string
	SessionID  string
	OccurredAt time.Time
}

func (e CheckoutFailed) EventID() string             { return e.ID }
func (e CheckoutFailed) EventType() string           { return e.Type }
func (e CheckoutFailed) Lookup() (LookupKey, string) { return LookupBySession, e.SessionID }
func (e CheckoutFailed) Target() PaymentStatus       { return PaymentStatusFailed }
func (CheckoutFailed) paymentEvent()                 {}

// ChargeConfirmed: the asynchronous rail confirmed the charge on-chain.
type ChargeConfirmed struct {
	ID         string
	Type       string
	ChargeID   string
	OccurredAt time.Time
}

func (e ChargeConfirmed) EventID() string             { return e.ID }
func (e ChargeConfirmed) EventType() string           { return e.Type }
func (e ChargeConfirmed) Lookup() (LookupKey, string) { return LookupByCharge, e.ChargeID }
func (e ChargeConfirmed) Target() PaymentStatus       { return PaymentStatusCompleted }
func (ChargeConfirmed) paymentEvent()                 {}

// ChargeFailed: the asynchronous rail gave up on the charge.
type ChargeFailed struct {
	ID         string
	Type       string
	ChargeID   string
	OccurredAt time.Time
}

func (e ChargeFailed) EventID() string             { return e.ID }
func (e ChargeFailed) EventType() string           { return e.Type }
func (e ChargeFailed) Lookup() (LookupKey, string) { return LookupByCharge, e.ChargeID }
func (e ChargeFailed) Target() PaymentStatus       { return PaymentStatusFailed }
func (ChargeFailed) paymentEvent()                 {}

// SubscriptionEvent is a provider event that changes entitlement state.
type SubscriptionEvent interface {
	ProviderEvent
	subscriptionEvent()
}

// SubscriptionCheckoutCompleted activates an entitlement. Keyed by email.
type SubscriptionCheckoutCompleted struct {
	ID             string
	Email          string
	CustomerID     string
	SubscriptionID string
	Interval       string
	OccurredAt     time.Time
}

func (e SubscriptionCheckoutCompleted) EventID() string   { return e.ID }
func (e SubscriptionCheckoutCompleted) EventType() string { return EventCheckoutCompleted }
func (SubscriptionCheckoutCompleted) subscriptionEvent()  {}

// InvoicePaid extends an entitlement. Keyed by subscription id only.
type InvoicePaid struct {
	ID             string
	Type           string
	SubscriptionID string
	PeriodEnd      time.Time
}

func (e InvoicePaid) EventID() string   { return e.ID }
func (e InvoicePaid) EventType() string { return e.Type }
func (InvoicePaid) subscriptionEvent()  {}

// SubscriptionDeleted deactivates an entitlement unconditionally.
type SubscriptionDeleted struct {
	ID             string
	SubscriptionID string
}

func (e SubscriptionDeleted) EventID() string   { return e.ID }
func (e SubscriptionDeleted) EventType() string { return EventCustomerSubscriptionDelete }
func (SubscriptionDeleted) subscriptionEvent()  {}

// InvoicePaymentFailed is recorded and otherwise ignored.
type InvoicePaymentFailed struct {
	ID             string
	SubscriptionID string
	AttemptCount   int64
}

func (e InvoicePaymentFailed) EventID() string   { return e.ID }
func (e InvoicePaymentFailed) EventType() string { return EventInvoicePaymentFailed }
func (InvoicePaymentFailed) subscriptionEvent()  {}

// ReconcileOutcome is the discriminated result of applying a PaymentEvent.
// Routine outcomes such as duplicates are values, not errors.
type ReconcileOutcome string

const (
	OutcomeApplied         ReconcileOutcome = "applied"
	OutcomeUnknownRecord   ReconcileOutcome = "unknown_record"
	OutcomeAlreadyTerminal ReconcileOutcome = "already_terminal"
	OutcomeIgnored         ReconcileOutcome = "ignored"
)
