package external

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"
)

// Verification errors. A nil error with a false result is a signature
// mismatch (possible attack or replay); these errors mean the check could
// not be performed at all (misconfiguration or a broken sender).
var (
	ErrMalformedSignature  = errors.New("malformed signature")
	ErrMisconfiguredSecret = errors.New("webhook secret is not configured")
)

// HMACVerifier checks hex-encoded HMAC-SHA256 signatures over the raw body.
// Used for the ecosystem hub (X-Ecosystem-Signature) and the crypto charge
// rail (X-CC-Webhook-Signature).
type HMACVerifier struct{}

// Verify reports whether signature is the HMAC-SHA256 of payload under
// secret. An optional "sha256=" prefix on the header is accepted.
func (HMACVerifier) Verify(payload []byte, signature string, secret string) (bool, error) {
	if secret == "" {
		return false, ErrMisconfiguredSecret
	}

	signature = strings.TrimSpace(signature)
	signature = strings.TrimPrefix(signature, "sha256=")
	if signature == "" {
		return false, fmt.Errorf("%w: header is empty", ErrMalformedSignature)
	}

	supplied, err := hex.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("%w: not hex encoded", ErrMalformedSignature)
	}
	if len(supplied) != sha256.Size {
		return false, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedSignature, sha256.Size, len(supplied))
	}

	return hmac.Equal(supplied, ComputeHMAC(payload, secret)), nil
}

// ComputeHMAC returns the raw HMAC-SHA256 of payload under secret.
func ComputeHMAC(payload []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignHex returns the hex HMAC-SHA256 signature for payload. Senders and
// tests use it to produce headers the verifier accepts.
func SignHex(payload []byte, secret string) string {
	return hex.EncodeToString(ComputeHMAC(payload, secret))
}

// StripeVerifier checks the payment provider's timestamped envelope
// signature (Stripe-Signature: t=...,v1=...).
type StripeVerifier struct {
	// Tolerance bounds the signature age. Zero means webhook.DefaultTolerance.
	Tolerance time.Duration
}

// Verify validates payload against the Stripe-Signature header.
func (v StripeVerifier) Verify(payload []byte, header string, secret string) (bool, error) {
	if secret == "" {
		return false, ErrMisconfiguredSecret
	}

	tolerance := v.Tolerance
	if tolerance == 0 {
		tolerance = webhook.DefaultTolerance
	}

	err := webhook.ValidatePayloadWithTolerance(payload, header, secret, tolerance)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, webhook.ErrNotSigned), errors.Is(err, webhook.ErrInvalidHeader):
		return false, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	case errors.Is(err, webhook.ErrNoValidSignature), errors.Is(err, webhook.ErrTooOld):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
}

var (
	_ SignatureVerifier = HMACVerifier{}
	_ SignatureVerifier = StripeVerifier{}
)
