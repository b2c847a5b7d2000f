// Package billing reconciles payment provider events with local payment
// records and subscription entitlements.
package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"

	"commercehub/internal/types"
)

// StripeEvents is the result of parsing one verified Stripe delivery. A
// subscription-mode checkout yields both a payment and a subscription event;
// unhandled types yield neither.
type StripeEvents struct {
	ID           string
	Type         string
	Payment      types.PaymentEvent
	Subscription types.SubscriptionEvent
}

// Empty reports whether the delivery carried nothing this service acts on.
func (e StripeEvents) Empty() bool {
	return e.Payment == nil && e.Subscription == nil
}

type checkoutSessionObject struct {
	ID              string            `json:"id"`
	Mode            string            `json:"mode"`
	PaymentIntent   string            `json:"payment_intent"`
	Customer        string            `json:"customer"`
	CustomerEmail   string            `json:"customer_email"`
	Subscription    string            `json:"subscription"`
	Metadata        map[string]string `json:"metadata"`
	CustomerDetails *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

func (s checkoutSessionObject) email() string {
	if v := s.Metadata["email"]; v != "" {
		return v
	}
	if s.CustomerEmail != "" {
		return s.CustomerEmail
	}
	if s.CustomerDetails != nil {
		return s.CustomerDetails.Email
	}
	return ""
}

type invoiceObject struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	AttemptCount int64  `json:"attempt_count"`
	PeriodEnd    int64  `json:"period_end"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// subscriptionID reads the legacy top-level field first, then the
// parent.subscription_details location used by newer API versions.
func (inv invoiceObject) subscriptionID() string {
	if inv.Subscription != "" {
		return inv.Subscription
	}
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		return inv.Parent.SubscriptionDetails.Subscription
	}
	return ""
}

func (inv invoiceObject) periodEnd() time.Time {
	for _, line := range inv.Lines.Data {
		if line.Period.End > 0 {
			return time.Unix(line.Period.End, 0).UTC()
		}
	}
	if inv.PeriodEnd > 0 {
		return time.Unix(inv.PeriodEnd, 0).UTC()
	}
	return time.Time{}
}

type subscriptionObject struct {
	ID string `json:"id"`
}

// ParseStripeEvent decodes a verified Stripe payload into the events this
// service consumes. Unknown event types are not an error.
func ParseStripeEvent(payload []byte) (StripeEvents, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return StripeEvents{}, types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid stripe event JSON", err)
	}
	out := StripeEvents{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		if isHandledStripeType(out.Type) {
			return out, invalidPayload("stripe event %s has no data object", event.ID)
		}
		return out, nil
	}
	raw := event.Data.Raw
	occurred := time.Unix(event.Created, 0).UTC()

	switch out.Type {
	case types.EventCheckoutCompleted, types.EventCheckoutAsyncSucceeded:
		var s checkoutSessionObject
		if err := json.Unmarshal(raw, &s); err != nil {
			return out, types.NewAppError(types.ErrCodeValidationInvalidPayload, "invalid checkout session object", err)
		}
		if s.ID == "" {
			return out, invalidPayload("checkout session in event %s has no id", event.ID)
		}
		out.Payment = types.CheckoutCompleted{
			ID:              event.ID,
			Type:            out.Type,
			SessionID:       s.ID,
			PaymentIntentID: s.PaymentIntent,
			OccurredAt:      occurred,
		}
		if s.Mode == "subscription" && out.Type == types.EventCheckoutCompleted {
			out.Subscription = types.SubscriptionCheckoutCompleted{
				ID:             event.ID,
				Email:          strings.ToLower(strings.TrimSpace(s.email())),
				CustomerID:     s.Customer,
				SubscriptionID: s.Subscription,
				Interval:       s.Metadata["interval"],
				OccurredAt:     occurred,
			}
		}

	case types.EventCheckoutAsyncFailed, types.EventCheckoutExpired:
		var s checkoutSessionObject
		if err := json.Unmarshal(raw, &s); err != nil {
			return out, types.NewAppError(types.ErrCodeValidationInvalidPayload, "invalid checkout session object", err)
		}
		if s.ID == "" {
			return out, invalidPayload("checkout session in event %s has no id", event.ID)
		}
		out.Payment = types.CheckoutFailed{ID: event.ID, Type: out.Type, SessionID: s.ID, OccurredAt: occurred}

	case types.EventInvoicePaymentSucceeded, types.EventInvoicePaid:
		var inv invoiceObject
		if err := json.Unmarshal(raw, &inv); err != nil {
			return out, types.NewAppError(types.ErrCodeValidationInvalidPayload, "invalid invoice object", err)
		}
		if inv.subscriptionID() == "" {
			// One-off invoice, nothing to extend.
			return out, nil
		}
		out.Subscription = types.InvoicePaid{
			ID:             event.ID,
			Type:           out.Type,
			SubscriptionID: inv.subscriptionID(),
			PeriodEnd:      inv.periodEnd(),
		}

	case types.EventInvoicePaymentFailed:
		var inv invoiceObject
		if err := json.Unmarshal(raw, &inv); err != nil {
			return out, types.NewAppError(types.ErrCodeValidationInvalidPayload, "invalid invoice object", err)
		}
		out.Subscription = types.InvoicePaymentFailed{
			ID:             event.ID,
			SubscriptionID: inv.subscriptionID(),
			AttemptCount:   inv.AttemptCount,
		}

	case types.EventCustomerSubscriptionDelete:
		var sub subscriptionObject
		if err := json.Unmarshal(raw, &sub); err != nil {
			return out, types.NewAppError(types.ErrCodeValidationInvalidPayload, "invalid subscription object", err)
		}
		if sub.ID == "" {
			return out, invalidPayload("subscription in event %s has no id", event.ID)
		}
		out.Subscription = types.SubscriptionDeleted{ID: event.ID, SubscriptionID: sub.ID}
	}
	return out, nil
}

func isHandledStripeType(t string) bool {
	switch t {
	case types.EventCheckoutCompleted, types.EventCheckoutAsyncSucceeded,
		types.EventCheckoutAsyncFailed, types.EventCheckoutExpired,
		types.EventInvoicePaymentSucceeded, types.EventInvoicePaid,
		types.EventInvoicePaymentFailed, types.EventCustomerSubscriptionDelete:
		return true
	}
	return false
}

// chargeWebhook is the crypto rail's delivery envelope.
type chargeWebhook struct {
	ID    string `json:"id"`
	Event struct {
		ID        string    `json:"id"`
		Type      string    `json:"type"`
		CreatedAt time.Time `json:"created_at"`
		Data      struct {
			ID       string            `json:"id"`
			Code     string            `json:"code"`
			Metadata map[string]string `json:"metadata"`
		} `json:"data"`
	} `json:"event"`
}

// ParseChargeEvent decodes a verified crypto rail payload. It returns a nil
// event for types that do not move a payment record.
func ParseChargeEvent(payload []byte) (types.PaymentEvent, string, error) {
	var hook chargeWebhook
	if err := json.Unmarshal(payload, &hook); err != nil {
		return nil, "", types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid charge event JSON", err)
	}
	ev := hook.Event
	eventID := ev.ID
	if eventID == "" {
		eventID = hook.ID
	}

	switch ev.Type {
	case types.EventChargeConfirmed, types.EventChargeResolved:
		if ev.Data.ID == "" {
			return nil, ev.Type, invalidPayload("charge event %s has no charge id", eventID)
		}
		return types.ChargeConfirmed{ID: eventID, Type: ev.Type, ChargeID: ev.Data.ID, OccurredAt: ev.CreatedAt}, ev.Type, nil
	case types.EventChargeFailed:
		if ev.Data.ID == "" {
			return nil, ev.Type, invalidPayload("charge event %s has no charge id", eventID)
		}
		return types.ChargeFailed{ID: eventID, Type: ev.Type, ChargeID: ev.Data.ID, OccurredAt: ev.CreatedAt}, ev.Type, nil
	}
	return nil, ev.Type, nil
}

func invalidPayload(format string, args ...any) error {
	return types.NewAppError(types.ErrCodeValidationInvalidPayload, fmt.Sprintf(format, args...), nil)
}
