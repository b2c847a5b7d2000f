// Package external is the anti-corruption layer between the reconciliation
// core and third-party APIs: the payment provider, the crypto charge rail,
// the social graph OAuth provider and the partner ecosystem hub. Every
// outbound call goes through BaseClient for circuit breaking and error
// mapping.
package external

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"commercehub/internal/types"
)

// BaseClient wraps an *http.Client and a circuit breaker to enforce
// consistent behavior on all outbound HTTP calls. Provider clients (Stripe,
// charges, OAuth, the hub) each hold their own BaseClient so a failing hub
// cannot trip the payment breaker.
//
// Every call is attempted exactly once. A timeout, transport failure or
// non-2xx status is reported to the caller and never retried; redelivery is
// the sender's concern and resync is an explicit operator action.
type BaseClient struct {
	client          *http.Client
	breaker         *gobreaker.CircuitBreaker[*http.Response]
	userAgent       string
	unavailableCode types.ErrorCode
}

// BaseClientOption is a functional option for configuring a BaseClient.
type BaseClientOption func(*BaseClient)

// WithUnavailableCode sets the error code reported for transport failures,
// timeouts, 429, 5xx and an open breaker. Payment clients use
// upstream_payment_provider_unavailable; the hub and the OAuth provider keep
// the default upstream_integration_unavailable.
func WithUnavailableCode(code types.ErrorCode) BaseClientOption {
	return func(c *BaseClient) {
		c.unavailableCode = code
	}
}

// WithBreaker replaces the default circuit breaker. This is intended for
// testing or when sharing a breaker across clients.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) {
		c.breaker = cb
	}
}

// NewBaseClient creates a BaseClient with the given http client, circuit
// breaker name and user agent string. The http client's Timeout bounds the
// single attempt.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	bc := &BaseClient{
		client:          httpClient,
		breaker:         newBreaker(breakerName),
		userAgent:       userAgent,
		unavailableCode: types.ErrCodeUpstreamIntegration,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// newBreaker trips after more than five consecutive failures and lets one
// trial request through after 30 seconds.
func newBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
}

// Do executes req once through the circuit breaker.
//
// The request ID from the context is propagated as X-Request-Id and the
// configured User-Agent is set. 2xx, 3xx and 4xx responses other than 429
// are returned to the caller, who must close the body and interpret the
// status. Everything else (transport errors, timeouts, 429, 5xx, an open
// breaker) becomes a *types.AppError carrying the unavailable code.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if traceID := types.GetRequestID(req.Context()); traceID != "" {
		req.Header.Set("X-Request-Id", traceID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		r, doErr := c.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			return r, fmt.Errorf("upstream returned %d", r.StatusCode)
		}
		return r, nil
	})
	if err == nil {
		return resp, nil
	}

	if resp != nil {
		resp.Body.Close()
	}
	return nil, c.mapError(resp, err)
}

// HTTPClient returns an *http.Client whose transport routes through Do.
// Libraries that own their request loop (x/oauth2) get the same breaker
// and error mapping this way.
func (c *BaseClient) HTTPClient() *http.Client {
	return &http.Client{
		Transport: roundTripFunc(c.Do),
		Timeout:   c.client.Timeout,
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// mapError translates transport-level failures into AppErrors. Every
// failure maps to the client's unavailable code; only the message differs
// so logs still tell a timeout from a rejected status.
func (c *BaseClient) mapError(resp *http.Response, err error) *types.AppError {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return types.NewAppError(c.unavailableCode, "circuit breaker is open; upstream service unavailable", err)
	}

	if resp != nil {
		if resp.StatusCode == http.StatusTooManyRequests {
			return types.NewAppError(c.unavailableCode, "upstream rate limit exceeded", err)
		}
		return types.NewAppError(c.unavailableCode, fmt.Sprintf("upstream returned %d", resp.StatusCode), err)
	}

	if isTimeout(err) {
		return types.NewAppError(c.unavailableCode, "upstream request timed out", err)
	}
	return types.NewAppError(c.unavailableCode, "upstream request failed", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
