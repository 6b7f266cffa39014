package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"receiptwise/internal/billing"
	"receiptwise/internal/core"
	"receiptwise/internal/metrics"
	"receiptwise/internal/types"
)

// TierChanger is the service surface behind the tier-change endpoint.
// Implemented by billing.TierChangeService.
type TierChanger interface {
	ChangeTier(ctx context.Context, req billing.TierChangeRequest) (*types.TierChangeResult, error)
}

// tierChangeRequest is the POST /v1/billing/tier-change body. Omitting
// tier_id resolves the target tier from the store entitlement API using
// external_user_id (falling back to user_id).
type tierChangeRequest struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
	UserID         string `json:"user_id" validate:"required"`
	TierID         string `json:"tier_id,omitempty"`
	ExternalUserID string `json:"external_user_id,omitempty"`
}

type tierChangeResponse struct {
	Success          bool           `json:"success"`
	ReceiptsExcluded int            `json:"receipts_excluded"`
	TierChange       tierChangeInfo `json:"tier_change"`
}

type tierChangeInfo struct {
	From types.Tier `json:"from"`
	To   types.Tier `json:"to"`
}

// TierChangeHandler exposes the authenticated tier-change operation the
// mobile client calls after an in-app purchase or plan switch.
type TierChangeHandler struct {
	service   TierChanger
	validator *core.Validator
	recorder  metrics.Recorder
	logger    *slog.Logger
}

// NewTierChangeHandler creates a TierChangeHandler. recorder may be nil when
// metrics are disabled.
func NewTierChangeHandler(service TierChanger, validator *core.Validator, recorder metrics.Recorder, logger *slog.Logger) *TierChangeHandler {
	if validator == nil {
		validator = core.NewValidator()
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TierChangeHandler{
		service:   service,
		validator: validator,
		recorder:  recorder,
		logger:    logger,
	}
}

// RegisterRoutes mounts the tier-change endpoint under the authenticated
// route group.
func (h *TierChangeHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/tier-change", h.Handle)
}

// Handle applies a caller-requested tier change. Unlike the webhook path,
// failures here surface as structured HTTP errors; the caller is interactive
// and retries deliberately.
func (h *TierChangeHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var req tierChangeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.service.ChangeTier(r.Context(), billing.TierChangeRequest{
		SubscriptionID: req.SubscriptionID,
		UserID:         req.UserID,
		TierID:         req.TierID,
		ExternalUserID: req.ExternalUserID,
	})
	if err != nil {
		core.Error(w, r, err)
		return
	}

	if result.Changed {
		h.recorder.RecordTransition(r.Context(), result.ToTier, result.ReceiptsExcluded)
	}
	h.logger.InfoContext(r.Context(), "tier change processed",
		"user_id", req.UserID,
		"from_tier", result.FromTier,
		"to_tier", result.ToTier,
		"receipts_excluded", result.ReceiptsExcluded,
	)

	core.JSON(w, r, http.StatusOK, tierChangeResponse{
		Success:          true,
		ReceiptsExcluded: result.ReceiptsExcluded,
		TierChange: tierChangeInfo{
			From: result.FromTier,
			To:   result.ToTier,
		},
	})
}
