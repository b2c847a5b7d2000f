// Package handlers contains the HTTP handlers of the commerce hub API.
//
// Webhook handlers are mounted on the /webhooks branch, which runs no
// body-consuming middleware. Each handler reads the body exactly once and
// verifies the signature over those bytes before decoding anything.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"commercehub/internal/billing"
	"commercehub/internal/core"
	"commercehub/internal/external"
	"commercehub/internal/types"
)

// maxWebhookBodySize bounds provider payloads (256 KB).
const maxWebhookBodySize = 256 * 1024

// Webhook sources as recorded in metrics.
const (
	sourceStripe    = "stripe"
	sourceCharge    = "charge"
	sourceEcosystem = "ecosystem"
)

// PaymentReconciler applies payment events. Implemented by billing.Reconciler.
type PaymentReconciler interface {
	Reconcile(ctx context.Context, ev types.PaymentEvent) (types.ReconcileOutcome, error)
}

// EntitlementApplier applies subscription events. Implemented by
// billing.EntitlementManager.
type EntitlementApplier interface {
	Apply(ctx context.Context, ev types.SubscriptionEvent) error
}

// InboundEventVerifier authenticates hub webhooks. Implemented by the
// ecosystem clients in package external.
type InboundEventVerifier interface {
	VerifyAndParseInboundEvent(ctx context.Context, rawBody []byte, signatureHeader string) (*types.EcosystemEvent, error)
}

type webhookAck struct {
	Received bool                   `json:"received"`
	Outcome  types.ReconcileOutcome `json:"outcome,omitempty"`
}

// readWebhookBody reads the raw body once, bounded by maxWebhookBodySize.
func readWebhookBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "failed to read request body", err)
	}
	return payload, nil
}

// verifySignature maps verifier results to the response error. Mismatch
// and malformed headers both answer 401; a missing secret is a 500 since
// retrying the delivery cannot fix it.
func verifySignature(
	ctx context.Context,
	logger *slog.Logger,
	verifier external.SignatureVerifier,
	payload []byte,
	header string,
	secret types.SecretString,
) error {
	ok, err := verifier.Verify(payload, header, secret.Unmask())
	switch {
	case errors.Is(err, external.ErrMisconfiguredSecret):
		logger.ErrorContext(ctx, "webhook secret is not configured")
		return types.NewAppError(types.ErrCodeInternalMisconfiguredSecret, "webhook secret is not configured", err)
	case err != nil:
		logger.WarnContext(ctx, "malformed webhook signature", "error", err)
		return types.NewAppError(types.ErrCodeAuthInvalidSignature, "invalid signature", err)
	case !ok:
		logger.WarnContext(ctx, "webhook signature mismatch")
		return types.NewAppError(types.ErrCodeAuthInvalidSignature, "invalid signature", nil)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Stripe
// ---------------------------------------------------------------------------

// StripeWebhookHandler consumes checkout and subscription events from
// Stripe.
type StripeWebhookHandler struct {
	verifier     external.SignatureVerifier
	secret       types.SecretString
	reconciler   PaymentReconciler
	entitlements EntitlementApplier
	metrics      core.MetricsCollector
	logger       *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler. metrics and
// logger may be nil.
func NewStripeWebhookHandler(
	verifier external.SignatureVerifier,
	secret types.SecretString,
	reconciler PaymentReconciler,
	entitlements EntitlementApplier,
	metrics core.MetricsCollector,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if metrics == nil {
		metrics = core.NoopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeWebhookHandler{
		verifier:     verifier,
		secret:       secret,
		reconciler:   reconciler,
		entitlements: entitlements,
		metrics:      metrics,
		logger:       logger,
	}
}

// RegisterRoutes mounts the endpoint on the /webhooks branch.
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/payments", h.Handle)
}

// Handle verifies, parses and applies one delivery. Duplicates and events
// for unknown records answer 200 so the provider stops retrying; storage
// failures answer 5xx so it retries.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := readWebhookBody(w, r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if err := verifySignature(ctx, h.logger, h.verifier, payload, r.Header.Get(external.HeaderStripeSignature), h.secret); err != nil {
		h.metrics.RecordWebhook(ctx, sourceStripe, "rejected")
		core.Error(w, r, err)
		return
	}

	events, err := billing.ParseStripeEvent(payload)
	if err != nil {
		h.logger.WarnContext(ctx, "unparseable stripe event", "error", err)
		core.Error(w, r, err)
		return
	}
	log := h.logger.With("event_id", events.ID, "event_type", events.Type)

	if events.Empty() {
		log.InfoContext(ctx, "ignoring unhandled stripe event")
		h.metrics.RecordWebhook(ctx, sourceStripe, string(types.OutcomeIgnored))
		core.JSON(w, r, http.StatusOK, webhookAck{Received: true, Outcome: types.OutcomeIgnored})
		return
	}

	ack := webhookAck{Received: true}
	if events.Payment != nil {
		outcome, err := h.reconciler.Reconcile(ctx, events.Payment)
		if err != nil {
			h.metrics.RecordWebhook(ctx, sourceStripe, "error")
			core.Error(w, r, err)
			return
		}
		ack.Outcome = outcome
	}
	if events.Subscription != nil && !activationAllowed(events, ack.Outcome) {
		log.InfoContext(ctx, "subscription checkout already processed, entitlement untouched",
			"outcome", ack.Outcome)
	} else if events.Subscription != nil {
		if err := h.entitlements.Apply(ctx, events.Subscription); err != nil {
			log.WarnContext(ctx, "subscription event not applied", "error", err)
			h.metrics.RecordWebhook(ctx, sourceStripe, "error")
			core.Error(w, r, err)
			return
		}
		if ack.Outcome == "" {
			ack.Outcome = types.OutcomeApplied
		}
	}

	h.metrics.RecordWebhook(ctx, sourceStripe, string(ack.Outcome))
	core.JSON(w, r, http.StatusOK, ack)
}

// activationAllowed reports whether a subscription checkout may turn the
// entitlement on. A checkout whose payment was already terminal is a
// redelivery and never reactivates. Checkouts with no local payment record
// were created outside this service and are applied.
func activationAllowed(events billing.StripeEvents, outcome types.ReconcileOutcome) bool {
	if _, ok := events.Subscription.(types.SubscriptionCheckoutCompleted); !ok || events.Payment == nil {
		return true
	}
	return outcome == types.OutcomeApplied || outcome == types.OutcomeUnknownRecord
}

// ---------------------------------------------------------------------------
// Crypto charges
// ---------------------------------------------------------------------------

// ChargeWebhookHandler consumes charge events from the crypto rail.
type ChargeWebhookHandler struct {
	verifier   external.SignatureVerifier
	secret     types.SecretString
	reconciler PaymentReconciler
	metrics    core.MetricsCollector
	logger     *slog.Logger
}

// NewChargeWebhookHandler creates a ChargeWebhookHandler.
func NewChargeWebhookHandler(
	verifier external.SignatureVerifier,
	secret types.SecretString,
	reconciler PaymentReconciler,
	metrics core.MetricsCollector,
	logger *slog.Logger,
) *ChargeWebhookHandler {
	if metrics == nil {
		metrics = core.NoopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChargeWebhookHandler{
		verifier:   verifier,
		secret:     secret,
		reconciler: reconciler,
		metrics:    metrics,
		logger:     logger,
	}
}

// RegisterRoutes mounts the endpoint on the /webhooks branch.
func (h *ChargeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/charges", h.Handle)
}

// Handle verifies, parses and applies one charge delivery.
func (h *ChargeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := readWebhookBody(w, r)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if err := verifySignature(ctx, h.logger, h.verifier, payload, r.Header.Get(external.HeaderChargeSignature), h.secret); err != nil {
		h.metrics.RecordWebhook(ctx, sourceCharge, "rejected")
		core.Error(w, r, err)
		return
	}

	ev, eventType, err := billing.ParseChargeEvent(payload)
	if err != nil {
		h.logger.WarnContext(ctx, "unparseable charge event", "error", err)
		core.Error(w, r, err)
		return
	}
	if ev == nil {
		h.logger.InfoContext(ctx, "ignoring charge event", "event_type", eventType)
		h.metrics.RecordWebhook(ctx, sourceCharge, string(types.OutcomeIgnored))
		core.JSON(w, r, http.StatusOK, webhookAck{Received: true, Outcome: types.OutcomeIgnored})
		return
	}

	outcome, err := h.reconciler.Reconcile(ctx, ev)
	if err != nil {
		h.metrics.RecordWebhook(ctx, sourceCharge, "error")
		core.Error(w, r, err)
		return
	}
	h.metrics.RecordWebhook(ctx, sourceCharge, string(outcome))
	core.JSON(w, r, http.StatusOK, webhookAck{Received: true, Outcome: outcome})
}

// ---------------------------------------------------------------------------
// Ecosystem hub
// ---------------------------------------------------------------------------

// EcosystemWebhookHandler accepts partner hub notifications. Events are
// audited by the client and acknowledged; no local state changes.
type EcosystemWebhookHandler struct {
	client  InboundEventVerifier
	metrics core.MetricsCollector
	logger  *slog.Logger
}

// NewEcosystemWebhookHandler creates an EcosystemWebhookHandler.
func NewEcosystemWebhookHandler(client InboundEventVerifier, metrics core.MetricsCollector, logger *slog.Logger) *EcosystemWebhookHandler {
	if metrics == nil {
		metrics = core.NoopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EcosystemWebhookHandler{client: client, metrics: metrics, logger: logger}
}

// RegisterRoutes mounts the endpoint on the /webhooks branch.
func (h *EcosystemWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/ecosystem", h.Handle)
}

// Handle answers 401 for any signature problem and {received: event}
// otherwise.
func (h *EcosystemWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	payload, err := readWebhookBody(w, r)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	event, err := h.client.VerifyAndParseInboundEvent(ctx, payload, r.Header.Get(external.HeaderEcosystemSignature))
	if err != nil {
		switch types.CodeOf(err) {
		case types.ErrCodeAuthInvalidSignature, types.ErrCodeValidationMalformedSignature:
			h.metrics.RecordWebhook(ctx, sourceEcosystem, "rejected")
			core.Error(w, r, types.NewAppError(types.ErrCodeAuthInvalidSignature, "invalid signature", err))
		default:
			h.metrics.RecordWebhook(ctx, sourceEcosystem, "error")
			core.Error(w, r, err)
		}
		return
	}

	h.logger.InfoContext(ctx, "ecosystem event received", "event", event.Event, "source", event.Source)
	h.metrics.RecordWebhook(ctx, sourceEcosystem, "received")
	core.JSON(w, r, http.StatusOK, map[string]string{"received": event.Event})
}
