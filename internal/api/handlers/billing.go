package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"commercehub/internal/billing"
	"commercehub/internal/core"
	"commercehub/internal/types"
)

// CheckoutService is implemented by billing.Reconciler.
type CheckoutService interface {
	CreateCheckout(ctx context.Context, in billing.CheckoutInput) (*billing.CheckoutResult, error)
}

// EntitlementReader is implemented by billing.EntitlementManager.
type EntitlementReader interface {
	Entitlement(ctx context.Context, email string) (billing.Entitlement, error)
}

// BillingHandler serves checkout creation and entitlement reads.
type BillingHandler struct {
	checkout     CheckoutService
	entitlements EntitlementReader
	validator    *core.Validator
	logger       *slog.Logger
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(checkout CheckoutService, entitlements EntitlementReader, v *core.Validator, logger *slog.Logger) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if v == nil {
		v = core.NewValidator(logger)
	}
	return &BillingHandler{checkout: checkout, entitlements: entitlements, validator: v, logger: logger}
}

// RegisterRoutes mounts the billing routes on the /v1 branch.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/checkout", h.CreateCheckout)
	r.Get("/entitlements", h.GetEntitlement)
}

// CreateCheckoutRequest is the body of POST /v1/checkout.
type CreateCheckoutRequest struct {
	Email         string `json:"email" validate:"required,email"`
	Plan          string `json:"plan" validate:"required,max=64"`
	PaymentMethod string `json:"paymentMethod" validate:"omitempty,payment_method"`
}

// CreateCheckout opens a provider session and returns its redirect URL.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	res, err := h.checkout.CreateCheckout(r.Context(), billing.CheckoutInput{
		Email:  req.Email,
		Plan:   req.Plan,
		Method: types.PaymentMethod(req.PaymentMethod),
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusCreated, res)
}

type entitlementQuery struct {
	Email string `json:"email" validate:"required,email"`
}

// GetEntitlement answers {adFree, expiresAt} for ?email=.
func (h *BillingHandler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	q := entitlementQuery{Email: r.URL.Query().Get("email")}
	if err := h.validator.ValidateStruct(q); err != nil {
		core.Error(w, r, err)
		return
	}

	ent, err := h.entitlements.Entitlement(r.Context(), q.Email)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, ent)
}
