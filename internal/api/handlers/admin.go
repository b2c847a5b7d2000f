package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"commercehub/internal/billing"
	"commercehub/internal/core"
	"commercehub/internal/types"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// EcosystemOperator is implemented by billing.Reconciler.
type EcosystemOperator interface {
	BulkSync(ctx context.Context, limit int) (*types.SyncReport, error)
	Anchor(ctx context.Context, paymentID string) (*billing.AnchorResult, error)
}

// EcosystemLogReader is implemented by db.EcosystemLogRepository.
type EcosystemLogReader interface {
	ListRecent(ctx context.Context, limit int) ([]*types.EcosystemLogEntry, error)
}

// AdminHandler serves operator endpoints under /v1/admin.
type AdminHandler struct {
	ops       EcosystemOperator
	logs      EcosystemLogReader
	validator *core.Validator
	logger    *slog.Logger
}

// NewAdminHandler creates an AdminHandler.
func NewAdminHandler(ops EcosystemOperator, logs EcosystemLogReader, v *core.Validator, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if v == nil {
		v = core.NewValidator(logger)
	}
	return &AdminHandler{ops: ops, logs: logs, validator: v, logger: logger}
}

// RegisterRoutes mounts the routes on the /v1/admin branch.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/ecosystem", func(r chi.Router) {
		r.Post("/sync", h.Sync)
		r.Post("/anchor", h.Anchor)
		r.Get("/logs", h.Logs)
	})
}

// Sync forwards unsynced completed payments to the hub.
func (h *AdminHandler) Sync(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 100)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	report, err := h.ops.BulkSync(r.Context(), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, report)
}

// AnchorRequest is the body of POST /v1/admin/ecosystem/anchor.
type AnchorRequest struct {
	PaymentID string `json:"paymentId" validate:"required,uuid"`
}

// Anchor hashes a completed payment and submits it for anchoring.
func (h *AdminHandler) Anchor(w http.ResponseWriter, r *http.Request) {
	var req AnchorRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	res, err := h.ops.Anchor(r.Context(), req.PaymentID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusAccepted, res)
}

// Logs returns the most recent hub audit entries.
func (h *AdminHandler) Logs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	entries, err := h.logs.ListRecent(r.Context(), limit)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if entries == nil {
		entries = []*types.EcosystemLogEntry{}
	}
	core.JSON(w, r, http.StatusOK, map[string]any{"data": entries})
}

func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidPayload,
			"limit must be an integer between 1 and "+strconv.Itoa(maxListLimit), err)
	}
	return n, nil
}
