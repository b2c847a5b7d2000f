package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"commercehub/internal/types"
)

const (
	chargeAPIBase    = "https://api.commerce.coinbase.com"
	chargeAPIVersion = "2018-03-22"
)

// ChargeClientConfig holds the configuration for the crypto charge rail.
type ChargeClientConfig struct {
	APIKey  types.SecretString
	BaseURL string
	Logger  *slog.Logger
}

// ChargeClient creates hosted charges on the crypto rail. Completion is
// reported later through charge:* webhooks keyed by the charge id.
type ChargeClient struct {
	base    *BaseClient
	apiKey  types.SecretString
	baseURL string
	logger  *slog.Logger
}

// NewChargeClient creates a ChargeClient with a single-attempt BaseClient.
func NewChargeClient(httpClient *http.Client, cfg ChargeClientConfig) *ChargeClient {
	base := NewBaseClient(httpClient, "charges", "CommerceHub/1.0",
		WithUnavailableCode(types.ErrCodeUpstreamPaymentProvider))
	return NewChargeClientWithBase(base, cfg)
}

// NewChargeClientWithBase creates a ChargeClient with a pre-configured
// BaseClient.
func NewChargeClientWithBase(base *BaseClient, cfg ChargeClientConfig) *ChargeClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChargeClient{
		base:    base,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(orDefault(cfg.BaseURL, chargeAPIBase), "/"),
		logger:  logger,
	}
}

type chargeMoney struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type createChargeRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	PricingType string            `json:"pricing_type"`
	LocalPrice  chargeMoney       `json:"local_price"`
	Metadata    map[string]string `json:"metadata"`
	RedirectURL string            `json:"redirect_url"`
	CancelURL   string            `json:"cancel_url"`
}

type chargeResponse struct {
	Data struct {
		ID        string `json:"id"`
		Code      string `json:"code"`
		HostedURL string `json:"hosted_url"`
	} `json:"data"`
}

// CreateCheckout creates a fixed-price charge. Subscriptions are not
// offered on this rail.
func (c *ChargeClient) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.Subscription {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload,
			"subscriptions are not available for crypto payments", nil)
	}
	if req.AmountCents <= 0 {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPayload, "amount must be positive", nil)
	}

	payload, err := json.Marshal(createChargeRequest{
		Name:        req.Plan,
		Description: req.Plan,
		PricingType: "fixed_price",
		LocalPrice:  chargeMoney{Amount: FormatMinorUnits(req.AmountCents), Currency: strings.ToUpper(req.Currency)},
		Metadata: map[string]string{
			"payment_id": req.PaymentID,
			"email":      req.Email,
		},
		RedirectURL: req.SuccessURL,
		CancelURL:   req.CancelURL,
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to encode charge request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/charges", bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build charge request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-CC-Api-Key", c.apiKey.Unmask())
	httpReq.Header.Set("X-CC-Version", chargeAPIVersion)

	resp, err := c.base.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamPaymentProvider, "failed to read charge response", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, types.NewAppError(types.ErrCodeUpstreamPaymentProvider,
			fmt.Sprintf("charge creation failed (%d): %s", resp.StatusCode, truncateBody(body)), nil)
	}

	var charge chargeResponse
	if err := json.Unmarshal(body, &charge); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamPaymentProvider, "failed to decode charge response", err)
	}
	if charge.Data.ID == "" || charge.Data.HostedURL == "" {
		return nil, types.NewAppError(types.ErrCodeUpstreamPaymentProvider, "charge response is missing id or hosted_url", nil)
	}

	c.logger.InfoContext(ctx, "created crypto charge",
		"payment_id", req.PaymentID,
		"charge_id", charge.Data.ID,
		"charge_code", charge.Data.Code,
	)
	return &CheckoutSession{ProviderID: charge.Data.ID, RedirectURL: charge.Data.HostedURL}, nil
}

// FormatMinorUnits renders an amount in cents as a decimal string.
func FormatMinorUnits(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

var _ CheckoutProvider = (*ChargeClient)(nil)
