package types

import (
	"testing"
	"time"
)

func TestTierIsPaid(t *testing.T) {
	tests := []struct {
		tier Tier
		want bool
	}{
		{TierTrial, false},
		{TierFree, false},
		{TierStarter, true},
		{TierGrowth, true},
		{TierProfessional, true},
		{TierTeammate, false},
	}

	for _, tc := range tests {
		if got := tc.tier.IsPaid(); got != tc.want {
			t.Errorf("%s.IsPaid() = %v, want %v", tc.tier, got, tc.want)
		}
	}
}

func TestTierRankOrdering(t *testing.T) {
	// Entitlement precedence: professional > growth > starter > trial > everything else.
	if !(TierProfessional.Rank() > TierGrowth.Rank()) {
		t.Error("professional should outrank growth")
	}
	if !(TierGrowth.Rank() > TierStarter.Rank()) {
		t.Error("growth should outrank starter")
	}
	if !(TierStarter.Rank() > TierTrial.Rank()) {
		t.Error("starter should outrank trial")
	}
	if TierFree.Rank() != TierTeammate.Rank() {
		t.Error("free and teammate should share the bottom rank")
	}
}

func TestTrialInfoActive(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		trial *TrialInfo
		want  bool
	}{
		{
			name:  "nil trial is never active",
			trial: nil,
			want:  false,
		},
		{
			name: "future expiry is active",
			trial: &TrialInfo{
				StartedAt: now.Add(-24 * time.Hour),
				ExpiresAt: now.Add(48 * time.Hour),
			},
			want: true,
		},
		{
			name: "past expiry is inactive",
			trial: &TrialInfo{
				StartedAt: now.Add(-96 * time.Hour),
				ExpiresAt: now.Add(-24 * time.Hour),
			},
			want: false,
		},
		{
			name: "ended early overrides future expiry",
			trial: &TrialInfo{
				StartedAt:  now.Add(-24 * time.Hour),
				ExpiresAt:  now.Add(48 * time.Hour),
				EndedEarly: true,
				EndReason:  TrialEndReasonUpgradedToPaid,
			},
			want: false,
		},
		{
			name: "expiry exactly at now is inactive",
			trial: &TrialInfo{
				StartedAt: now.Add(-72 * time.Hour),
				ExpiresAt: now,
			},
			want: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.trial.Active(now); got != tc.want {
				t.Errorf("Active() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestUsageWindowID(t *testing.T) {
	tests := []struct {
		userID string
		month  time.Time
		want   string
	}{
		{"user_123", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), "user_123_2025-03"},
		{"user_123", time.Date(2025, 3, 31, 23, 59, 59, 0, time.UTC), "user_123_2025-03"},
		{"user_456", time.Date(2025, 12, 15, 8, 0, 0, 0, time.UTC), "user_456_2025-12"},
	}

	for _, tc := range tests {
		if got := UsageWindowID(tc.userID, tc.month); got != tc.want {
			t.Errorf("UsageWindowID(%q, %v) = %q, want %q", tc.userID, tc.month, got, tc.want)
		}
	}
}

func TestFirstOfNextMonth(t *testing.T) {
	tests := []struct {
		in   time.Time
		want time.Time
	}{
		{time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC), time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 12, 20, 18, 30, 0, 0, time.UTC), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range tests {
		if got := FirstOfNextMonth(tc.in); !got.Equal(tc.want) {
			t.Errorf("FirstOfNextMonth(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestUsageWindowIDNormalizesTimezone(t *testing.T) {
	// A local time late on the last day of a month can belong to the next
	// month in UTC. Window IDs are always derived from UTC.
	loc := time.FixedZone("UTC-8", -8*3600)
	local := time.Date(2025, 3, 31, 20, 0, 0, 0, loc) // 2025-04-01 04:00 UTC

	if got := UsageWindowID("u", local); got != "u_2025-04" {
		t.Errorf("UsageWindowID = %q, want %q", got, "u_2025-04")
	}
}
