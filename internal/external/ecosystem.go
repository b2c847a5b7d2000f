package external

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"commercehub/internal/types"
)

// Hub API paths.
const (
	ecosystemAnchorPath   = "/api/anchors"
	ecosystemPaymentsPath = "/api/bookkeeping/payments"
)

// Audit actions recorded for hub traffic.
const (
	ActionInboundEvent = "inbound_event"
	ActionAnchor       = "anchor_request"
	ActionSyncPayment  = "sync_payment"
)

// EcosystemClientConfig holds the hub credentials.
type EcosystemClientConfig struct {
	BaseURL       string
	APIKey        types.SecretString
	APISecret     types.SecretString
	WebhookSecret types.SecretString
	Logger        *slog.Logger
}

// EcosystemTrustClient implements EcosystemClient over BaseClient with a
// single-attempt policy.
type EcosystemTrustClient struct {
	base          *BaseClient
	baseURL       string
	apiKey        types.SecretString
	apiSecret     types.SecretString
	webhookSecret types.SecretString
	verifier      SignatureVerifier
	audit         EcosystemAuditLog
	logger        *slog.Logger
}

// NewEcosystemTrustClient validates credentials and builds the client.
// Missing credentials are internal_misconfigured_secret; the caller must
// not start serving without them.
func NewEcosystemTrustClient(httpClient *http.Client, audit EcosystemAuditLog, cfg EcosystemClientConfig) (*EcosystemTrustClient, error) {
	base := NewBaseClient(httpClient, "ecosystem", "CommerceHub/1.0",
		WithUnavailableCode(types.ErrCodeUpstreamIntegration))
	return NewEcosystemTrustClientWithBase(base, audit, cfg)
}

// NewEcosystemTrustClientWithBase builds the client around an existing
// BaseClient.
func NewEcosystemTrustClientWithBase(base *BaseClient, audit EcosystemAuditLog, cfg EcosystemClientConfig) (*EcosystemTrustClient, error) {
	var missing []string
	if cfg.BaseURL == "" {
		missing = append(missing, "base URL")
	}
	if cfg.APIKey.IsEmpty() {
		missing = append(missing, "API key")
	}
	if cfg.APISecret.IsEmpty() {
		missing = append(missing, "API secret")
	}
	if cfg.WebhookSecret.IsEmpty() {
		missing = append(missing, "webhook secret")
	}
	if len(missing) > 0 {
		return nil, types.NewAppError(types.ErrCodeInternalMisconfiguredSecret,
			"ecosystem hub is missing "+strings.Join(missing, ", "), ErrMisconfiguredSecret)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &EcosystemTrustClient{
		base:          base,
		baseURL:       strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		apiSecret:     cfg.APISecret,
		webhookSecret: cfg.WebhookSecret,
		verifier:      HMACVerifier{},
		audit:         audit,
		logger:        logger,
	}, nil
}

// SignedRequest attaches X-API-Key and X-API-Secret and performs one call.
func (c *EcosystemTrustClient) SignedRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode hub request", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build hub request", err)
	}
	req.Header.Set("X-API-Key", c.apiKey.Unmask())
	req.Header.Set("X-API-Secret", c.apiSecret.Unmask())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamIntegration, "failed to read hub response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, types.NewAppError(types.ErrCodeUpstreamIntegration,
			fmt.Sprintf("hub %s %s returned %d: %s", method, path, resp.StatusCode, truncateBody(respBody)), nil)
	}
	if len(bytes.TrimSpace(respBody)) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(respBody), nil
}

// VerifyAndParseInboundEvent checks X-Ecosystem-Signature over rawBody and
// decodes the envelope only when it matches. Every call is audited.
func (c *EcosystemTrustClient) VerifyAndParseInboundEvent(ctx context.Context, rawBody []byte, signatureHeader string) (*types.EcosystemEvent, error) {
	return verifyInboundEvent(ctx, c.verifier, c.webhookSecret, rawBody, signatureHeader, c.record)
}

// verifyInboundEvent is the single audit point for inbound hub traffic,
// shared by the real client and the local stub. The body is never decoded
// before the signature matches.
func verifyInboundEvent(
	ctx context.Context,
	verifier SignatureVerifier,
	secret types.SecretString,
	rawBody []byte,
	signatureHeader string,
	record func(ctx context.Context, action string, status types.LogStatus, meta map[string]any),
) (*types.EcosystemEvent, error) {
	ok, err := verifier.Verify(rawBody, signatureHeader, secret.Unmask())
	if err != nil {
		record(ctx, ActionInboundEvent, types.LogStatusFailed, map[string]any{
			"reason": "malformed_signature",
			"error":  err.Error(),
		})
		return nil, types.NewAppError(types.ErrCodeValidationMalformedSignature, "malformed ecosystem signature", err)
	}
	if !ok {
		record(ctx, ActionInboundEvent, types.LogStatusFailed, map[string]any{
			"reason": "invalid_signature",
		})
		return nil, types.NewAppError(types.ErrCodeAuthInvalidSignature, "invalid ecosystem signature", nil)
	}

	var event types.EcosystemEvent
	if err := json.Unmarshal(rawBody, &event); err != nil || event.Event == "" {
		record(ctx, ActionInboundEvent, types.LogStatusFailed, map[string]any{
			"reason": "invalid_payload",
		})
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "ecosystem event envelope is invalid", err)
	}

	record(ctx, ActionInboundEvent, types.LogStatusSuccess, map[string]any{
		"event":     event.Event,
		"source":    event.Source,
		"timestamp": event.Timestamp,
	})
	return &event, nil
}

// Hash returns the SHA-256 hex digest of the canonical JSON encoding of
// data: object keys sorted, no insignificant whitespace, no HTML escaping.
func (c *EcosystemTrustClient) Hash(data any) (string, error) {
	return CanonicalHash(data)
}

// CanonicalHash is the free-function form of EcosystemTrustClient.Hash.
func CanonicalHash(data any) (string, error) {
	canonical, err := CanonicalJSON(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// CanonicalJSON round-trips data through a generic value so struct field
// order does not matter: encoding/json sorts map keys.
func CanonicalJSON(data any) ([]byte, error) {
	first, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode for hashing: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(first))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("normalize for hashing: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("encode canonical form: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

type anchorRequest struct {
	RecordType string `json:"recordType"`
	RecordID   string `json:"recordId"`
	DataHash   string `json:"dataHash"`
}

// RequestAnchor submits dataHash for anchoring. Confirmation arrives later
// as an inbound hub event.
func (c *EcosystemTrustClient) RequestAnchor(ctx context.Context, recordType, recordID, dataHash string) (*types.AnchorReceipt, error) {
	meta := map[string]any{"record_type": recordType, "record_id": recordID, "data_hash": dataHash}

	raw, err := c.SignedRequest(ctx, http.MethodPost, ecosystemAnchorPath, anchorRequest{
		RecordType: recordType,
		RecordID:   recordID,
		DataHash:   dataHash,
	})
	if err != nil {
		meta["error"] = err.Error()
		c.record(ctx, ActionAnchor, types.LogStatusFailed, meta)
		return nil, err
	}

	var receipt types.AnchorReceipt
	if err := json.Unmarshal(raw, &receipt); err != nil {
		meta["error"] = "undecodable receipt"
		c.record(ctx, ActionAnchor, types.LogStatusFailed, meta)
		return nil, types.NewAppError(types.ErrCodeUpstreamIntegration, "hub returned an invalid anchor receipt", err)
	}

	meta["batch_id"] = receipt.BatchID
	meta["queued"] = receipt.Queued
	c.record(ctx, ActionAnchor, types.LogStatusSuccess, meta)
	return &receipt, nil
}

type paymentSyncRequest struct {
	PaymentID   string     `json:"paymentId"`
	Email       string     `json:"customerEmail"`
	AmountCents int64      `json:"amountCents"`
	Currency    string     `json:"currency"`
	Plan        string     `json:"plan"`
	Method      string     `json:"paymentMethod"`
	Reference   string     `json:"providerReference"`
	CompletedAt *time.Time `json:"completedAt"`
}

// SyncPayment forwards a completed payment to hub bookkeeping.
func (c *EcosystemTrustClient) SyncPayment(ctx context.Context, payment *types.PaymentRecord) error {
	reference := payment.ProviderSessionID
	if payment.PaymentMethod == types.PaymentMethodCrypto {
		reference = payment.ProviderChargeID
	}

	_, err := c.SignedRequest(ctx, http.MethodPost, ecosystemPaymentsPath, paymentSyncRequest{
		PaymentID:   payment.ID,
		Email:       payment.CustomerEmail,
		AmountCents: payment.AmountCents,
		Currency:    payment.Currency,
		Plan:        payment.PlanIdentifier,
		Method:      string(payment.PaymentMethod),
		Reference:   reference,
		CompletedAt: payment.CompletedAt,
	})

	meta := map[string]any{"payment_id": payment.ID}
	if err != nil {
		meta["error"] = err.Error()
		c.record(ctx, ActionSyncPayment, types.LogStatusFailed, meta)
		return err
	}
	c.record(ctx, ActionSyncPayment, types.LogStatusSuccess, meta)
	return nil
}

func (c *EcosystemTrustClient) record(ctx context.Context, action string, status types.LogStatus, meta map[string]any) {
	appendAudit(ctx, c.audit, c.logger, action, status, meta)
}

// appendAudit writes one audit entry. Audit failures are logged, never
// returned, and a cancelled request still gets its entry written.
func appendAudit(ctx context.Context, audit EcosystemAuditLog, logger *slog.Logger, action string, status types.LogStatus, meta map[string]any) {
	if audit == nil {
		return
	}
	entry := &types.EcosystemLogEntry{Action: action, Status: status, Metadata: meta}
	if err := audit.Append(context.WithoutCancel(ctx), entry); err != nil {
		logger.ErrorContext(ctx, "failed to write ecosystem audit entry",
			"action", action,
			"status", status,
			"error", err,
		)
	}
}

// truncateBody shortens an upstream body for error messages.
func truncateBody(body []byte) string {
	const maxLen = 200
	s := string(body)
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

var _ EcosystemClient = (*EcosystemTrustClient)(nil)
