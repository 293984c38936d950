package rewards

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type Settings struct {
	IsActive      bool            `json:"is_active"`
	MaxLevels     int             `json:"max_levels"`
	CapUSD        decimal.Decimal `json:"cap_usd"`
	VIPMultiplier decimal.Decimal `json:"vip_multiplier"`
	INRPerBSK     decimal.Decimal `json:"inr_per_bsk"`
}

type AncestorEdge struct {
	AncestorID string `json:"ancestor_id"`
	Level      int    `json:"level"`
}

type MilestoneDefinition struct {
	ID                int64           `json:"id"`
	VIPCountThreshold int             `json:"vip_count_threshold"`
	RewardINRValue    decimal.Decimal `json:"reward_inr_value"`
	RewardDescription string          `json:"reward_description"`
	IsActive          bool            `json:"is_active"`
}

type CommissionEntry struct {
	ID                int64           `json:"id"`
	EventID           string          `json:"event_id"`
	SponsorID         string          `json:"sponsor_id"`
	RefereeID         string          `json:"referee_id,omitempty"`
	Level             int             `json:"level"`
	CommissionBSK     decimal.Decimal `json:"commission_bsk"`
	EarningType       string          `json:"earning_type"`
	CommissionType    string          `json:"commission_type"`
	BaseAmount        decimal.Decimal `json:"base_amount"`
	CommissionPercent decimal.Decimal `json:"commission_percent"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

type BonusEntry struct {
	ID        int64           `json:"id"`
	UserID    string          `json:"user_id"`
	EventID   string          `json:"event_id"`
	Level     int             `json:"level"`
	BonusType string          `json:"bonus_type"`
	Pool      string          `json:"pool"`
	Amount    decimal.Decimal `json:"amount"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type MilestoneClaim struct {
	UserID          string          `json:"user_id"`
	MilestoneID     int64           `json:"milestone_id"`
	VIPCountAtClaim int             `json:"vip_count_at_claim"`
	BSKRewarded     decimal.Decimal `json:"bsk_rewarded"`
	ClaimedAt       time.Time       `json:"claimed_at"`
}

type Balance struct {
	UserID                  string          `json:"user_id"`
	WithdrawableBalance     decimal.Decimal `json:"withdrawable_balance"`
	TotalEarnedWithdrawable decimal.Decimal `json:"total_earned_withdrawable"`
	HoldingBalance          decimal.Decimal `json:"holding_balance"`
	TotalEarnedHolding      decimal.Decimal `json:"total_earned_holding"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

func ZeroBalance(userID string) Balance {
	return Balance{
		UserID:                  userID,
		WithdrawableBalance:     decimal.Zero,
		TotalEarnedWithdrawable: decimal.Zero,
		HoldingBalance:          decimal.Zero,
		TotalEarnedHolding:      decimal.Zero,
	}
}

type DistributeInput struct {
	EventID     string          `json:"event_id"`
	EarnerID    string          `json:"earner_id"`
	Amount      decimal.Decimal `json:"earning_amount"`
	EarningType string          `json:"earning_type"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

type LevelPayout struct {
	Level          int             `json:"level"`
	SponsorID      string          `json:"sponsor_id"`
	Badge          string          `json:"badge"`
	UnlockedLevels int             `json:"unlocked_levels"`
	Percent        decimal.Decimal `json:"commission_percent"`
	Amount         decimal.Decimal `json:"commission_bsk"`
	Capped         bool            `json:"capped,omitempty"`
}

type LevelSkip struct {
	Level          int    `json:"level"`
	SponsorID      string `json:"sponsor_id"`
	Reason         string `json:"reason"`
	Badge          string `json:"badge,omitempty"`
	UnlockedLevels int    `json:"unlocked_levels,omitempty"`
}

type LevelFailure struct {
	Level     int    `json:"level"`
	SponsorID string `json:"sponsor_id"`
	Stage     string `json:"stage"`
	Error     string `json:"error"`
}

type DistributionResult struct {
	EventID                string          `json:"event_id"`
	EarnerID               string          `json:"earner_id"`
	CommissionsDistributed decimal.Decimal `json:"commissions_distributed"`
	LevelsProcessed        int             `json:"levels_processed"`
	Commissions            []LevelPayout   `json:"commissions"`
	Skipped                []LevelSkip     `json:"skipped,omitempty"`
	Failed                 []LevelFailure  `json:"failed,omitempty"`
	TreeRepaired           bool            `json:"tree_repaired,omitempty"`
	Reason                 string          `json:"reason,omitempty"`
}

type MilestoneAward struct {
	MilestoneID       int64           `json:"milestone_id"`
	VIPCountThreshold int             `json:"vip_count_threshold"`
	RewardDescription string          `json:"reward_description"`
	RewardINRValue    decimal.Decimal `json:"reward_inr_value"`
	BSKRewarded       decimal.Decimal `json:"bsk_rewarded"`
}

type MilestoneFailure struct {
	MilestoneID int64  `json:"milestone_id"`
	Error       string `json:"error"`
}

type MilestoneResult struct {
	SponsorID          string             `json:"sponsor_id"`
	TriggerReferralID  string             `json:"trigger_referral_id,omitempty"`
	CurrentVIPCount    int                `json:"current_vip_count"`
	MilestonesAchieved []MilestoneAward   `json:"milestones_achieved"`
	AlreadyClaimed     []int64            `json:"already_claimed,omitempty"`
	Failed             []MilestoneFailure `json:"failed,omitempty"`
	TotalRewarded      decimal.Decimal    `json:"total_rewarded"`
	Reason             string             `json:"reason,omitempty"`
}

type Drift struct {
	UserID       string          `json:"user_id"`
	Pool         string          `json:"pool"`
	LedgerTotal  decimal.Decimal `json:"ledger_total"`
	BalanceTotal decimal.Decimal `json:"balance_total"`
	Drift        decimal.Decimal `json:"drift"`
}

// ReconciliationReport lists accounts whose cached totals disagree with the
// bonus ledger, and commission rows that never produced a bonus entry.
type ReconciliationReport struct {
	GeneratedAt          time.Time         `json:"generated_at"`
	Drifts               []Drift           `json:"drifts"`
	UnmatchedCommissions []CommissionEntry `json:"unmatched_commissions"`
}

// PolicySnapshot is a full replacement set of the admin-edited tables.
// A nil Settings leaves the engine unconfigured.
type PolicySnapshot struct {
	Settings        *Settings               `json:"settings,omitempty"`
	BadgeThresholds map[string]int          `json:"badge_thresholds"`
	Rates           map[int]decimal.Decimal `json:"rates"`
	Milestones      []MilestoneDefinition   `json:"milestones"`
}

// Validate checks table bounds and rewrites badge names into canonical form.
func (p *PolicySnapshot) Validate() error {
	if p.Settings != nil {
		s := p.Settings
		if s.MaxLevels < 0 || s.MaxLevels > MaxTreeDepth {
			return fmt.Errorf("%w: max_levels must be within 0..%d", ErrInvalidPolicy, MaxTreeDepth)
		}
		if s.CapUSD.IsNegative() {
			return fmt.Errorf("%w: cap_usd must be >= 0", ErrInvalidPolicy)
		}
		if s.VIPMultiplier.IsNegative() {
			return fmt.Errorf("%w: vip_multiplier must be >= 0", ErrInvalidPolicy)
		}
		if s.INRPerBSK.IsNegative() {
			return fmt.Errorf("%w: inr_per_bsk must be >= 0", ErrInvalidPolicy)
		}
	}

	thresholds := make(map[string]int, len(p.BadgeThresholds))
	for raw, levels := range p.BadgeThresholds {
		name := NormalizeBadge(raw)
		if name == "" {
			return fmt.Errorf("%w: badge name %q is empty after normalization", ErrInvalidPolicy, raw)
		}
		if levels < 1 || levels > MaxTreeDepth {
			return fmt.Errorf("%w: badge %s unlock_levels must be within 1..%d", ErrInvalidPolicy, name, MaxTreeDepth)
		}
		if prev, ok := thresholds[name]; ok && prev != levels {
			return fmt.Errorf("%w: badge %s defined twice with different levels", ErrInvalidPolicy, name)
		}
		thresholds[name] = levels
	}
	p.BadgeThresholds = thresholds

	for level, pct := range p.Rates {
		if level < 1 || level > MaxTreeDepth {
			return fmt.Errorf("%w: rate level %d outside 1..%d", ErrInvalidPolicy, level, MaxTreeDepth)
		}
		if !validPercent(pct) {
			return fmt.Errorf("%w: rate for level %d must be within 0..100", ErrInvalidPolicy, level)
		}
	}

	seen := make(map[int64]struct{}, len(p.Milestones))
	for _, m := range p.Milestones {
		if m.ID <= 0 {
			return fmt.Errorf("%w: milestone id must be > 0", ErrInvalidPolicy)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("%w: milestone id %d repeated", ErrInvalidPolicy, m.ID)
		}
		seen[m.ID] = struct{}{}
		if m.VIPCountThreshold < 1 {
			return fmt.Errorf("%w: milestone %d threshold must be >= 1", ErrInvalidPolicy, m.ID)
		}
		if m.RewardINRValue.IsNegative() {
			return fmt.Errorf("%w: milestone %d reward must be >= 0", ErrInvalidPolicy, m.ID)
		}
	}
	SortMilestones(p.Milestones)
	return nil
}

// SortMilestones orders definitions by threshold, then id.
func SortMilestones(defs []MilestoneDefinition) {
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].VIPCountThreshold != defs[j].VIPCountThreshold {
			return defs[i].VIPCountThreshold < defs[j].VIPCountThreshold
		}
		return defs[i].ID < defs[j].ID
	})
}
