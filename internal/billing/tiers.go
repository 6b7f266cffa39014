// Package billing implements the subscription reconciliation engine: tier
// resolution, the atomic state transition applier, and the usage counting
// window.
package billing

import "receiptwise/internal/types"

// TierRegistry defines the authoritative limits and features for each tier.
// This is the single source of truth for what each tier allows; limits and
// features are never settable independently of the tier they derive from.
type TierRegistry interface {
	// Limits returns the resource limits for the given tier. Unknown tiers
	// return the free limits to fail safely.
	Limits(tier types.Tier) types.TierLimits

	// Features returns the capability flags for the given tier. Unknown
	// tiers return the free features.
	Features(tier types.Tier) types.TierFeatures
}

// staticTierRegistry is a compile-time tier registry backed by in-memory maps.
type staticTierRegistry struct {
	limits   map[types.Tier]types.TierLimits
	features map[types.Tier]types.TierFeatures
}

// tierLimitDefaults is the hardcoded tier table.
//
//	| Tier         | Receipts | Businesses | API calls/mo | Reports |
//	|--------------|----------|------------|--------------|---------|
//	| trial        | 25       | 1          | 100          | 3       |
//	| free         | 10       | 1          | 50           | 1       |
//	| starter      | 50       | 1          | 500          | 5       |
//	| growth       | 200      | 3          | 2000         | 20      |
//	| professional | -1       | 10         | 10000        | -1      |
//	| teammate     | 0        | 0          | 0            | 0       |
//
// -1 means unlimited; enforcement code must treat -1 as no limit. Teammates
// have no quota of their own, their usage rolls up to the account holder.
var tierLimitDefaults = map[types.Tier]types.TierLimits{
	types.TierTrial: {
		MaxReceipts:      25,
		MaxBusinesses:    1,
		APICallsPerMonth: 100,
		MaxReports:       3,
	},
	types.TierFree: {
		MaxReceipts:      10,
		MaxBusinesses:    1,
		APICallsPerMonth: 50,
		MaxReports:       1,
	},
	types.TierStarter: {
		MaxReceipts:      50,
		MaxBusinesses:    1,
		APICallsPerMonth: 500,
		MaxReports:       5,
	},
	types.TierGrowth: {
		MaxReceipts:      200,
		MaxBusinesses:    3,
		APICallsPerMonth: 2000,
		MaxReports:       20,
	},
	types.TierProfessional: {
		MaxReceipts:      -1,
		MaxBusinesses:    10,
		APICallsPerMonth: 10000,
		MaxReports:       -1,
	},
	types.TierTeammate: {},
}

var tierFeatureDefaults = map[types.Tier]types.TierFeatures{
	types.TierTrial: {
		OCRScanning: true,
		CSVExport:   true,
	},
	types.TierFree: {
		OCRScanning: true,
	},
	types.TierStarter: {
		OCRScanning: true,
		CSVExport:   true,
		PDFExport:   true,
	},
	types.TierGrowth: {
		OCRScanning: true,
		CSVExport:   true,
		PDFExport:   true,
		TeamMembers: true,
		APIAccess:   true,
	},
	types.TierProfessional: {
		OCRScanning:     true,
		CSVExport:       true,
		PDFExport:       true,
		TeamMembers:     true,
		APIAccess:       true,
		PrioritySupport: true,
	},
	types.TierTeammate: {
		OCRScanning: true,
	},
}

// NewStaticTierRegistry returns a TierRegistry backed by the hardcoded tier
// table. This is the standard production implementation; no database or
// external service is required.
func NewStaticTierRegistry() TierRegistry {
	// Copy the defaults so callers cannot mutate the package-level maps.
	limits := make(map[types.Tier]types.TierLimits, len(tierLimitDefaults))
	for k, v := range tierLimitDefaults {
		limits[k] = v
	}
	features := make(map[types.Tier]types.TierFeatures, len(tierFeatureDefaults))
	for k, v := range tierFeatureDefaults {
		features[k] = v
	}
	return &staticTierRegistry{limits: limits, features: features}
}

func (r *staticTierRegistry) Limits(tier types.Tier) types.TierLimits {
	if limits, ok := r.limits[tier]; ok {
		return limits
	}
	return r.limits[types.TierFree]
}

func (r *staticTierRegistry) Features(tier types.Tier) types.TierFeatures {
	if features, ok := r.features[tier]; ok {
		return features
	}
	return r.features[types.TierFree]
}
