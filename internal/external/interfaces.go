package external

import (
	"context"
	"encoding/json"

	"commercehub/internal/types"
)

// SignatureVerifier authenticates a webhook body against a header-supplied
// signature. (false, nil) is a mismatch. A non-nil error means the input
// was malformed or the secret missing; see ErrMalformedSignature and
// ErrMisconfiguredSecret.
type SignatureVerifier interface {
	Verify(payload []byte, header string, secret string) (bool, error)
}

// Webhook signature headers.
const (
	HeaderStripeSignature    = "Stripe-Signature"
	HeaderChargeSignature    = "X-CC-Webhook-Signature"
	HeaderEcosystemSignature = "X-Ecosystem-Signature"
)

// ---------------------------------------------------------------------------
// Partner ecosystem hub
// ---------------------------------------------------------------------------

// EcosystemClient talks to the partner hub.
type EcosystemClient interface {
	// SignedRequest issues one authenticated call and returns the raw JSON
	// response. Any failure is upstream_integration_unavailable.
	SignedRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error)

	// VerifyAndParseInboundEvent authenticates and decodes a hub webhook.
	// The payload is never decoded when the signature fails.
	VerifyAndParseInboundEvent(ctx context.Context, rawBody []byte, signatureHeader string) (*types.EcosystemEvent, error)

	// Hash returns the SHA-256 hex digest of data's canonical JSON form.
	Hash(data any) (string, error)

	// RequestAnchor submits a hash for asynchronous anchoring.
	RequestAnchor(ctx context.Context, recordType, recordID, dataHash string) (*types.AnchorReceipt, error)

	// SyncPayment forwards a completed payment to hub bookkeeping.
	SyncPayment(ctx context.Context, payment *types.PaymentRecord) error
}

// EcosystemAuditLog is the append-only audit trail for hub traffic.
type EcosystemAuditLog interface {
	Append(ctx context.Context, entry *types.EcosystemLogEntry) error
}

// ---------------------------------------------------------------------------
// Social graph OAuth provider
// ---------------------------------------------------------------------------

// GraphPage is a page the authorizing user manages.
type GraphPage struct {
	ID          string
	Name        string
	AccessToken string
}

// SocialGraphProvider drives the authorization-code flow and resource
// discovery against the social graph.
type SocialGraphProvider interface {
	// AuthCodeURL returns the consent URL bound to state.
	AuthCodeURL(state string) string

	// Exchange trades an authorization code for a user access token.
	Exchange(ctx context.Context, code string) (string, error)

	// ListPages returns the pages the user manages, in provider order.
	ListPages(ctx context.Context, userToken string) ([]GraphPage, error)

	// LinkedContentAccount returns the content account linked to a page,
	// or "" when none is linked.
	LinkedContentAccount(ctx context.Context, pageID, pageToken string) (string, error)
}

// ---------------------------------------------------------------------------
// Payment rails
// ---------------------------------------------------------------------------

// CheckoutRequest describes a hosted checkout to create on either rail.
type CheckoutRequest struct {
	PaymentID    string
	Email        string
	AmountCents  int64
	Currency     string
	Plan         string
	Subscription bool
	Interval     string // month or year; subscriptions only
	SuccessURL   string
	CancelURL    string
}

// CheckoutSession is the provider's answer to a CheckoutRequest. ProviderID
// is the session id on the card rail and the charge id on the crypto rail.
type CheckoutSession struct {
	ProviderID  string
	RedirectURL string
}

// CheckoutProvider creates hosted checkouts on one payment rail.
type CheckoutProvider interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
}
