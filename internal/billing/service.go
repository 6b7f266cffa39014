package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"receiptwise/internal/external"
	"receiptwise/internal/types"
)

// TierChangeRequest is the validated input of the tier-change operation.
type TierChangeRequest struct {
	SubscriptionID string
	UserID         string
	TierID         string
	ExternalUserID string
}

// TierChangeService executes client-initiated tier changes: the call a
// mobile client makes after a purchase completes, before the corresponding
// webhook lands.
type TierChangeService struct {
	applier      *Applier
	resolver     *Resolver
	entitlements external.EntitlementAPI
	clock        types.Clock
	logger       *slog.Logger
}

// NewTierChangeService creates a TierChangeService. entitlements may be nil
// when no entitlement API is configured; tier-less requests then resolve to
// free.
func NewTierChangeService(
	applier *Applier,
	resolver *Resolver,
	entitlements external.EntitlementAPI,
	logger *slog.Logger,
) *TierChangeService {
	if logger == nil {
		logger = slog.Default()
	}
	return &TierChangeService{
		applier:      applier,
		resolver:     resolver,
		entitlements: entitlements,
		clock:        types.RealClock{},
		logger:       logger,
	}
}

// ChangeTier authorizes the caller, resolves the target tier, and applies
// the transition. The caller's identity must equal the target user; service
// and system actors are exempt so internal tooling can repair accounts.
func (s *TierChangeService) ChangeTier(ctx context.Context, req TierChangeRequest) (*types.TierChangeResult, error) {
	actor, ok := types.GetActor(ctx)
	if !ok {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "no authenticated caller", nil)
	}
	if actor.Type == types.ActorTypeUser && actor.ID != req.UserID {
		return nil, types.NewAppError(
			types.ErrCodePermissionNotOwner,
			"callers may only change their own subscription",
			nil,
		)
	}

	if req.UserID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "user_id is required", nil)
	}
	if !strings.HasPrefix(req.SubscriptionID, "sub_") {
		return nil, types.NewAppError(
			types.ErrCodeValidationInvalidSubID,
			fmt.Sprintf("malformed subscription ID %q", req.SubscriptionID),
			nil,
		)
	}

	target, err := s.resolveTarget(ctx, req)
	if err != nil {
		return nil, err
	}

	return s.applier.Apply(ctx, TransitionInput{
		UserID:       req.UserID,
		TargetTier:   target,
		TargetStatus: types.SubStatusActive,
		Billing: types.BillingInfo{
			SubscriptionID: req.SubscriptionID,
		},
	})
}

// resolveTarget picks the target tier: an explicit tier_id must name a
// purchasable tier; otherwise the entitlement API decides, degrading to free
// on any lookup failure rather than surfacing an error.
func (s *TierChangeService) resolveTarget(ctx context.Context, req TierChangeRequest) (types.Tier, error) {
	if req.TierID != "" {
		tier := types.Tier(req.TierID)
		switch tier {
		case types.TierStarter, types.TierGrowth, types.TierProfessional:
			return tier, nil
		default:
			return "", types.NewAppError(
				types.ErrCodeValidationInvalidTier,
				fmt.Sprintf("tier %q is not purchasable", req.TierID),
				nil,
			)
		}
	}

	externalID := req.ExternalUserID
	if externalID == "" {
		externalID = req.UserID
	}

	if s.entitlements == nil {
		s.logger.WarnContext(ctx, "no entitlement API configured, defaulting to free tier",
			"user_id", req.UserID,
		)
		return types.TierFree, nil
	}

	ents, err := s.entitlements.GetEntitlements(ctx, externalID)
	if err != nil {
		s.logger.WarnContext(ctx, "entitlement lookup failed, defaulting to free tier",
			"user_id", req.UserID,
			"external_user_id", externalID,
			"error", err,
		)
		return types.TierFree, nil
	}

	tier, defaulted := s.resolver.ResolveEntitlements(ents, s.clock.Now())
	if defaulted {
		s.logger.WarnContext(ctx, "no mappable active entitlements, defaulting to free tier",
			"user_id", req.UserID,
			"external_user_id", externalID,
		)
	}
	return tier, nil
}
