package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"receiptwise/internal/core"
	"receiptwise/internal/types"
)

// SignupProvisioner creates the subscription document for a new account
// holder. Implemented by billing.Applier.
type SignupProvisioner interface {
	CreateSignup(ctx context.Context, userID string, trialDuration time.Duration) error
}

// signupRequest is the POST /v1/billing/signup body, sent by the account
// service when a new account holder registers. Team-member signups do not
// call this endpoint.
type signupRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

type signupResponse struct {
	Success bool       `json:"success"`
	Tier    types.Tier `json:"tier"`
}

// SignupHandler provisions the trial subscription for new account holders.
type SignupHandler struct {
	provisioner   SignupProvisioner
	validator     *core.Validator
	trialDuration time.Duration
	logger        *slog.Logger
}

// NewSignupHandler creates a SignupHandler.
func NewSignupHandler(provisioner SignupProvisioner, validator *core.Validator, trialDuration time.Duration, logger *slog.Logger) *SignupHandler {
	if validator == nil {
		validator = core.NewValidator()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SignupHandler{
		provisioner:   provisioner,
		validator:     validator,
		trialDuration: trialDuration,
		logger:        logger,
	}
}

// RegisterRoutes mounts the signup endpoint under the authenticated route
// group.
func (h *SignupHandler) RegisterRoutes(r chi.Router) {
	r.Post("/billing/signup", h.Handle)
}

// Handle provisions the subscription for a newly registered account holder.
// Provisioning is idempotent; a retried signup for an existing user succeeds
// without touching the subscription.
func (h *SignupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	// Signup provisioning is called by the account service, not end users.
	actor, ok := types.GetActor(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "no authenticated caller", nil))
		return
	}
	if actor.Type == types.ActorTypeUser && actor.ID != req.UserID {
		core.Error(w, r, types.NewAppError(
			types.ErrCodePermissionNotOwner,
			"callers may only provision their own subscription",
			nil,
		))
		return
	}

	if err := h.provisioner.CreateSignup(r.Context(), req.UserID, h.trialDuration); err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "signup provisioned",
		"user_id", req.UserID,
		"trial_duration", h.trialDuration.String(),
	)

	core.JSON(w, r, http.StatusCreated, signupResponse{
		Success: true,
		Tier:    types.TierTrial,
	})
}
