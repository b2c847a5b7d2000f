package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v82"

	"commercehub/internal/types"
)

// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient creates hosted checkout sessions on the card rail by calling
// the Stripe REST API through BaseClient.
type StripeClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient. Checkout creation happens inside a
// user request, so it is attempted once.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(httpClient, "stripe", "CommerceHub/1.0",
		WithUnavailableCode(types.ErrCodeUpstreamPaymentProvider))
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(orDefault(cfg.BaseURL, stripeAPIBase), "/"),
		logger:    logger,
	}
}

// CreateCheckout creates a Checkout Session. client_reference_id and
// metadata carry the local payment id; subscriptions also carry the email
// the entitlement is granted to.
func (s *StripeClient) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	params := url.Values{}
	params.Set("client_reference_id", req.PaymentID)
	params.Set("customer_email", req.Email)
	params.Set("success_url", req.SuccessURL)
	params.Set("cancel_url", req.CancelURL)
	params.Set("metadata[payment_id]", req.PaymentID)
	params.Set("metadata[plan]", req.Plan)
	params.Set("metadata[email]", req.Email)
	params.Set("line_items[0][quantity]", "1")
	params.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	params.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.AmountCents, 10))
	params.Set("line_items[0][price_data][product_data][name]", req.Plan)

	if req.Subscription {
		interval := req.Interval
		if interval == "" {
			interval = "month"
		}
		params.Set("mode", "subscription")
		params.Set("line_items[0][price_data][recurring][interval]", interval)
		params.Set("metadata[interval]", interval)
		params.Set("subscription_data[metadata][email]", req.Email)
		params.Set("subscription_data[metadata][payment_id]", req.PaymentID)
	} else {
		params.Set("mode", "payment")
		params.Set("payment_intent_data[metadata][payment_id]", req.PaymentID)
	}

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return nil, s.wrapStripeError("CreateCheckout", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateCheckout")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamPaymentProvider,
			"failed to decode Stripe checkout session response", err)
	}
	if session.ID == "" || session.URL == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamPaymentProvider,
			"Stripe checkout session response is missing id or url", nil)
	}

	s.logger.InfoContext(ctx, "created checkout session",
		"payment_id", req.PaymentID,
		"session_id", session.ID,
		"mode", params.Get("mode"),
	)
	return &CheckoutSession{ProviderID: session.ID, RedirectURL: session.URL}, nil
}

// doPost performs an authenticated POST with a form-encoded body.
func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)

	return s.base.Do(req)
}

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to a types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if readErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamPaymentProvider,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(types.ErrCodeUpstreamPaymentProvider,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr)
	}

	return mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError translates a Stripe error into a types.AppError.
func mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Message),
			nil,
			map[string]any{
				"decline_code": stripeErr.DeclineCode,
				"stripe_code":  stripeErr.Code,
			})
	}

	if stripeErr.Type == "invalid_request_error" && stripeErr.Param != "" {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPayload,
			fmt.Sprintf("%s: %s", operation, stripeErr.Message),
			nil,
			map[string]any{"param": stripeErr.Param})
	}

	return types.NewAppError(types.ErrCodeUpstreamPaymentProvider,
		fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message), nil)
}

// wrapStripeError wraps a BaseClient transport error with context.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamPaymentProvider,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err), err)
}

var _ CheckoutProvider = (*StripeClient)(nil)
