package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"commercehub/internal/auth"
	"commercehub/internal/core"
	"commercehub/internal/types"
)

// ConnectionService is implemented by auth.ConnectionManager.
type ConnectionService interface {
	BeginAuthorization(ctx context.Context, tenantID string) (string, error)
	CompleteAuthorization(ctx context.Context, params auth.CallbackParams) (*types.IntegrationRecord, error)
	Disconnect(ctx context.Context, tenantID string) error
	Status(ctx context.Context, tenantID string) (types.IntegrationStatus, error)
}

// genericStateMessage replaces the detail of a rejected state so the
// dashboard never learns why a nonce failed.
const genericStateMessage = "The authorization request expired or was already used. Please try again."

// IntegrationHandler exposes the social graph connection flow.
type IntegrationHandler struct {
	connections  ConnectionService
	dashboardURL string
	authenticate func(http.Handler) http.Handler
	logger       *slog.Logger
}

// NewIntegrationHandler creates an IntegrationHandler. The OAuth callback
// always redirects the browser to dashboardURL.
//
// authenticate guards every route except the callback, which the provider
// reaches through the user's browser and which is protected by the state
// nonce instead. A nil authenticate rejects every guarded request.
func NewIntegrationHandler(
	connections ConnectionService,
	dashboardURL string,
	authenticate func(http.Handler) http.Handler,
	logger *slog.Logger,
) *IntegrationHandler {
	if authenticate == nil {
		authenticate = denyAll
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IntegrationHandler{
		connections:  connections,
		dashboardURL: dashboardURL,
		authenticate: authenticate,
		logger:       logger,
	}
}

// RegisterRoutes mounts the integration routes on the /v1 branch.
func (h *IntegrationHandler) RegisterRoutes(r chi.Router) {
	r.Route("/integrations", func(r chi.Router) {
		r.Get("/callback", h.Callback)

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)
			r.Get("/{tenantID}", h.Status)
			r.Get("/{tenantID}/authorize", h.Authorize)
			r.Post("/{tenantID}/disconnect", h.Disconnect)
		})
	})
}

func denyAll(http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "integration routes are not configured for access", nil))
	})
}

// Authorize returns the provider consent URL.
func (h *IntegrationHandler) Authorize(w http.ResponseWriter, r *http.Request) {
	authURL, err := h.connections.BeginAuthorization(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]string{"authUrl": authURL})
}

// Callback completes the flow. The browser is always redirected, with
// ?success= on success and ?error=<code>&message=<text> otherwise.
func (h *IntegrationHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rec, err := h.connections.CompleteAuthorization(r.Context(), auth.CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	})
	if err != nil {
		code, message := callbackFailure(err)
		h.logger.WarnContext(r.Context(), "oauth callback failed", "code", code, "error", err)
		core.RedirectWithQuery(w, r, h.dashboardURL, url.Values{
			"error":   {string(code)},
			"message": {message},
		})
		return
	}

	params := url.Values{"success": {"connected"}, "tenant": {rec.TenantID}}
	if !rec.ContentAccountConnected {
		params.Set("warning", "no_linked_content_account")
	}
	core.RedirectWithQuery(w, r, h.dashboardURL, params)
}

// Disconnect clears the tenant's integration. Repeating it succeeds.
func (h *IntegrationHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.connections.Disconnect(r.Context(), chi.URLParam(r, "tenantID")); err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, map[string]bool{"success": true})
}

// Status returns the connection state without secrets.
func (h *IntegrationHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.connections.Status(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, status)
}

// callbackFailure picks the code and human-readable text for a failed
// callback redirect.
func callbackFailure(err error) (types.ErrorCode, string) {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		return types.ErrCodeInternalUnexpected, "Something went wrong while connecting. Please try again."
	}
	if appErr.Code == types.ErrCodeAuthOAuthStateInvalid {
		return appErr.Code, genericStateMessage
	}
	return appErr.Code, appErr.Message
}
