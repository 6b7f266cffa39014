package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"receiptwise/internal/core"
	"receiptwise/internal/types"
)

// UsageCounter answers how many receipts count against a user's current
// window. Implemented by billing.UsageCalculator.
type UsageCounter interface {
	CountReceiptsInWindow(ctx context.Context, userID string) (int, error)
}

// UsageEventRecorder bumps activity counters on the current window.
// Implemented by billing.UsageRecorder.
type UsageEventRecorder interface {
	RecordUsage(ctx context.Context, userID, counter string, delta int) error
}

type usageResponse struct {
	UserID           string `json:"user_id"`
	ReceiptsInWindow int    `json:"receipts_in_window"`
}

// usageEventRequest is the POST /v1/billing/usage/{userID}/events body, sent
// by the services generating the activity (API gateway, report generator).
type usageEventRequest struct {
	Counter string `json:"counter" validate:"required"`
	Delta   int    `json:"delta" validate:"required,gt=0"`
}

// UsageHandler exposes the receipt count the mobile client checks before
// allowing an upload, and the counter-increment endpoint internal services
// report activity through. Teammate callers land on their account holder's
// window either way.
type UsageHandler struct {
	counter   UsageCounter
	recorder  UsageEventRecorder
	validator *core.Validator
	logger    *slog.Logger
}

// NewUsageHandler creates a UsageHandler.
func NewUsageHandler(counter UsageCounter, recorder UsageEventRecorder, validator *core.Validator, logger *slog.Logger) *UsageHandler {
	if validator == nil {
		validator = core.NewValidator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageHandler{counter: counter, recorder: recorder, validator: validator, logger: logger}
}

// RegisterRoutes mounts the usage endpoints under the authenticated route
// group.
func (h *UsageHandler) RegisterRoutes(r chi.Router) {
	r.Get("/billing/usage/{userID}", h.Handle)
	r.Post("/billing/usage/{userID}/events", h.HandleRecord)
}

// Handle returns the current-window receipt count for a user.
func (h *UsageHandler) Handle(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidUserID, "user ID is required", nil))
		return
	}

	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "no authenticated caller", nil))
		return
	}
	if actor.Type == types.ActorTypeUser && actor.ID != userID {
		core.Error(w, r, types.NewAppError(
			types.ErrCodePermissionNotOwner,
			"callers may only read their own usage",
			nil,
		))
		return
	}

	count, err := h.counter.CountReceiptsInWindow(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, usageResponse{
		UserID:           userID,
		ReceiptsInWindow: count,
	})
}

// HandleRecord increments an activity counter on the user's current window.
func (h *UsageHandler) HandleRecord(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidUserID, "user ID is required", nil))
		return
	}

	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "no authenticated caller", nil))
		return
	}
	if actor.Type == types.ActorTypeUser && actor.ID != userID {
		core.Error(w, r, types.NewAppError(
			types.ErrCodePermissionNotOwner,
			"callers may only record their own usage",
			nil,
		))
		return
	}

	var req usageEventRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	if err := h.recorder.RecordUsage(r.Context(), userID, req.Counter, req.Delta); err != nil {
		core.Error(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
