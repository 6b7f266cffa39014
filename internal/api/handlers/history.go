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

// HistoryLister reads a user's tier history. Implemented by
// db.SubscriptionRepo.
type HistoryLister interface {
	ListHistory(ctx context.Context, userID string) ([]types.HistoryEntry, error)
}

type historyEntryResponse struct {
	Tier      types.Tier `json:"tier"`
	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Reason    string     `json:"reason"`
}

type historyResponse struct {
	UserID  string                 `json:"user_id"`
	History []historyEntryResponse `json:"history"`
}

// HistoryHandler exposes the append-only tier history, newest first. The
// mobile client renders this as the plan-change timeline.
type HistoryHandler struct {
	lister HistoryLister
	logger *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler.
func NewHistoryHandler(lister HistoryLister, logger *slog.Logger) *HistoryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HistoryHandler{lister: lister, logger: logger}
}

// RegisterRoutes mounts the history endpoint under the authenticated route
// group.
func (h *HistoryHandler) RegisterRoutes(r chi.Router) {
	r.Get("/billing/history/{userID}", h.Handle)
}

// Handle returns the tier history for a user.
func (h *HistoryHandler) Handle(w http.ResponseWriter, r *http.Request) {
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
			"callers may only read their own history",
			nil,
		))
		return
	}

	entries, err := h.lister.ListHistory(r.Context(), userID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	out := make([]historyEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntryResponse{
			Tier:      e.Tier,
			StartDate: e.StartDate,
			EndDate:   e.EndDate,
			Reason:    string(e.Reason),
		})
	}

	core.JSON(w, r, http.StatusOK, historyResponse{
		UserID:  userID,
		History: out,
	})
}
