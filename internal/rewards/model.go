package rewards

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	MaxTreeDepth        = 50
	DefaultUnlockLevels = 1
	AmountScale         = int32(8)

	QualifyingBadge = "VIP"

	CommissionTypeLevel        = "level_commission"
	CommissionTypeVIPMilestone = "vip_milestone"

	BonusTypeReferralCommission = "referral_commission"
	BonusTypeVIPMilestone       = "vip_milestone"

	PoolHolding      = "holding"
	PoolWithdrawable = "withdrawable"

	ReasonDisabled         = "disabled"
	ReasonNoSponsors       = "no_sponsors"
	ReasonNotQualified     = "not_vip"
	ReasonNoConversionRate = "no_conversion_rate"

	SkipLocked     = "locked"
	SkipNoRate     = "no_rate"
	SkipZeroAmount = "zero_amount"
	SkipDuplicate  = "duplicate"

	StageBadgeLookup = "badge_lookup"
	StageLedger      = "ledger"
	StageCancelled   = "cancelled"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrEventIDRequired   = errors.New("event_id is required")
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrTxConflict        = errors.New("transaction conflict, retry")
	ErrInvalidPolicy     = errors.New("invalid policy")
)

var (
	hundred         = decimal.NewFromInt(100)
	badgeSeparators = strings.NewReplacer("_", " ", "-", " ", ".", " ")
	badgeBrands     = []string{"I SMART ", "ISMART "}
)

// NormalizeBadge maps the badge spellings found in purchase records onto one
// canonical tier name: "i-Smart VIP", "I-SMART VIP" and "vip" all become "VIP".
// An empty or "none" badge normalizes to "".
func NormalizeBadge(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return ""
	}
	s = strings.Join(strings.Fields(badgeSeparators.Replace(s)), " ")
	for _, brand := range badgeBrands {
		if strings.HasPrefix(s, brand) {
			s = strings.TrimPrefix(s, brand)
			break
		}
	}
	s = strings.TrimSuffix(s, " BADGE")
	if s == "NONE" {
		return ""
	}
	return s
}

// UnlockedLevels resolves how deep a badge holder may earn. Sponsors without
// a badge, or with a badge missing from the table, still unlock level 1.
func UnlockedLevels(thresholds map[string]int, badge string) int {
	name := NormalizeBadge(badge)
	if name == "" {
		return DefaultUnlockLevels
	}
	n, ok := thresholds[name]
	if !ok || n < DefaultUnlockLevels {
		return DefaultUnlockLevels
	}
	if n > MaxTreeDepth {
		return MaxTreeDepth
	}
	return n
}

func FloorAmount(v decimal.Decimal) decimal.Decimal {
	return v.RoundFloor(AmountScale)
}

// CommissionAmount is base * percent / 100 rounded down to AmountScale places.
// Shift keeps the division exact before the floor is applied.
func CommissionAmount(base, percent decimal.Decimal) decimal.Decimal {
	return FloorAmount(base.Mul(percent).Shift(-2))
}

// MilestoneBSK converts an INR reward into BSK at the configured rate,
// truncating so the payout never exceeds the exact quotient.
func MilestoneBSK(rewardINR, inrPerBSK decimal.Decimal) decimal.Decimal {
	if !inrPerBSK.IsPositive() || !rewardINR.IsPositive() {
		return decimal.Zero
	}
	q, _ := rewardINR.QuoRem(inrPerBSK, AmountScale)
	return q
}

func MilestoneEventID(sponsorID string, milestoneID int64) string {
	return fmt.Sprintf("milestone:%s:%d", sponsorID, milestoneID)
}

func validPercent(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThanOrEqual(hundred)
}
