package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"commercehub/internal/types"
)

// ---------------------------------------------------------------------------
// Stub implementations
//
// Stubs let the service boot locally without partner credentials. They log
// every call and return predictable values. Inbound verification is never
// stubbed: unsigned traffic is rejected in every environment.
// ---------------------------------------------------------------------------

// StubEcosystemClient verifies and audits inbound hub events for real but
// only logs outbound calls. Used when APP_ENV=local and no hub URL is
// configured.
type StubEcosystemClient struct {
	webhookSecret types.SecretString
	verifier      SignatureVerifier
	audit         EcosystemAuditLog
	logger        *slog.Logger
}

// NewStubEcosystemClient creates a StubEcosystemClient. The webhook secret
// is still required; audit may be nil in tests.
func NewStubEcosystemClient(webhookSecret types.SecretString, audit EcosystemAuditLog, logger *slog.Logger) (*StubEcosystemClient, error) {
	if webhookSecret.IsEmpty() {
		return nil, types.NewAppError(types.ErrCodeInternalMisconfiguredSecret,
			"ecosystem webhook secret is not configured", ErrMisconfiguredSecret)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StubEcosystemClient{
		webhookSecret: webhookSecret,
		verifier:      HMACVerifier{},
		audit:         audit,
		logger:        logger,
	}, nil
}

func (s *StubEcosystemClient) SignedRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	s.logger.InfoContext(ctx, "stub: SignedRequest called", "method", method, "path", path)
	return json.RawMessage(`{}`), nil
}

func (s *StubEcosystemClient) VerifyAndParseInboundEvent(ctx context.Context, rawBody []byte, signatureHeader string) (*types.EcosystemEvent, error) {
	record := func(ctx context.Context, action string, status types.LogStatus, meta map[string]any) {
		appendAudit(ctx, s.audit, s.logger, action, status, meta)
	}
	event, err := verifyInboundEvent(ctx, s.verifier, s.webhookSecret, rawBody, signatureHeader, record)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "stub: accepted ecosystem event", "event", event.Event)
	return event, nil
}

func (s *StubEcosystemClient) Hash(data any) (string, error) {
	return CanonicalHash(data)
}

func (s *StubEcosystemClient) RequestAnchor(ctx context.Context, recordType, recordID, dataHash string) (*types.AnchorReceipt, error) {
	s.logger.InfoContext(ctx, "stub: RequestAnchor called",
		"record_type", recordType,
		"record_id", recordID,
		"data_hash", dataHash,
	)
	return &types.AnchorReceipt{Queued: true, BatchID: "batch_stub_" + recordID}, nil
}

func (s *StubEcosystemClient) SyncPayment(ctx context.Context, payment *types.PaymentRecord) error {
	s.logger.InfoContext(ctx, "stub: SyncPayment called", "payment_id", payment.ID)
	return nil
}

// StubCheckoutProvider returns a fake hosted checkout. Used for the crypto
// rail when no charge API key is configured locally.
type StubCheckoutProvider struct {
	prefix string
	logger *slog.Logger
}

// NewStubCheckoutProvider creates a StubCheckoutProvider whose provider ids
// start with prefix.
func NewStubCheckoutProvider(prefix string, logger *slog.Logger) *StubCheckoutProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubCheckoutProvider{prefix: prefix, logger: logger}
}

func (s *StubCheckoutProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	s.logger.InfoContext(ctx, "stub: CreateCheckout called",
		"payment_id", req.PaymentID,
		"amount_cents", req.AmountCents,
	)
	id := fmt.Sprintf("%s_stub_%s", s.prefix, req.PaymentID)
	return &CheckoutSession{ProviderID: id, RedirectURL: "https://stub.local/checkout/" + id}, nil
}

var (
	_ EcosystemClient  = (*StubEcosystemClient)(nil)
	_ CheckoutProvider = (*StubCheckoutProvider)(nil)
)
