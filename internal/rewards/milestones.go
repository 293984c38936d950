package rewards

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"refengine/internal/metrics"

	"github.com/shopspring/decimal"
)

var errAlreadyClaimed = errors.New("milestone already claimed")

// EvaluateMilestones pays every active milestone whose threshold the sponsor's
// live count of qualifying direct referrals has reached and that has no claim
// row yet. Each payout commits the claim, the credit and both ledger rows
// together.
func (e *Engine) EvaluateMilestones(ctx context.Context, sponsorID, triggerReferralID string) (MilestoneResult, error) {
	sponsorID = strings.TrimSpace(sponsorID)
	triggerReferralID = strings.TrimSpace(triggerReferralID)
	out := MilestoneResult{
		SponsorID:          sponsorID,
		TriggerReferralID:  triggerReferralID,
		MilestonesAchieved: []MilestoneAward{},
		TotalRewarded:      decimal.Zero,
	}
	if sponsorID == "" {
		return out, fmt.Errorf("%w: sponsor_id is required", ErrInvalidInput)
	}

	badge, err := e.badges.CurrentBadge(ctx, sponsorID)
	if err != nil {
		return out, fmt.Errorf("load sponsor badge: %w", err)
	}
	if NormalizeBadge(badge) != e.qualifyingBadge {
		out.Reason = ReasonNotQualified
		return out, nil
	}

	count, err := e.countQualifyingReferrals(ctx, sponsorID)
	if err != nil {
		return out, err
	}
	out.CurrentVIPCount = count

	defs, err := e.policy.ActiveMilestones(ctx)
	if err != nil {
		return out, fmt.Errorf("load milestones: %w", err)
	}
	SortMilestones(defs)
	if len(defs) == 0 || count < defs[0].VIPCountThreshold {
		return out, nil
	}

	settings, ok, err := e.policy.Settings(ctx)
	if err != nil {
		return out, fmt.Errorf("load commission settings: %w", err)
	}
	if !ok || !settings.INRPerBSK.IsPositive() {
		e.log.Warn("milestone payout skipped: no inr_per_bsk rate configured", "sponsor_id", sponsorID)
		out.Reason = ReasonNoConversionRate
		return out, nil
	}

	for _, def := range defs {
		if !def.IsActive || count < def.VIPCountThreshold {
			continue
		}
		reward := MilestoneBSK(def.RewardINRValue, settings.INRPerBSK)
		if !reward.IsPositive() {
			e.log.Warn("milestone reward rounds to zero", "sponsor_id", sponsorID, "milestone_id", def.ID)
			continue
		}

		err := e.claimMilestone(ctx, sponsorID, triggerReferralID, count, def, reward)
		switch {
		case errors.Is(err, errAlreadyClaimed):
			out.AlreadyClaimed = append(out.AlreadyClaimed, def.ID)
			metrics.ObserveMilestone("already_claimed")
		case errors.Is(err, ErrLedgerUnavailable):
			e.log.Error("milestone evaluation could not reach ledger", "sponsor_id", sponsorID, "milestone_id", def.ID, "err", err)
			out.Failed = append(out.Failed, MilestoneFailure{MilestoneID: def.ID, Error: err.Error()})
			metrics.ObserveMilestone("failed")
			return out, err
		case err != nil:
			e.log.Warn("milestone claim failed", "sponsor_id", sponsorID, "milestone_id", def.ID, "err", err)
			out.Failed = append(out.Failed, MilestoneFailure{MilestoneID: def.ID, Error: err.Error()})
			metrics.ObserveMilestone("failed")
		default:
			out.MilestonesAchieved = append(out.MilestonesAchieved, MilestoneAward{
				MilestoneID:       def.ID,
				VIPCountThreshold: def.VIPCountThreshold,
				RewardDescription: def.RewardDescription,
				RewardINRValue:    def.RewardINRValue,
				BSKRewarded:       reward,
			})
			out.TotalRewarded = out.TotalRewarded.Add(reward)
			metrics.ObserveMilestone("claimed")
			metrics.ObserveCredit(PoolWithdrawable, reward)
		}
	}

	if len(out.MilestonesAchieved) > 0 {
		e.log.Info("milestones achieved",
			"sponsor_id", sponsorID,
			"trigger_referral_id", triggerReferralID,
			"vip_count", count,
			"claimed", len(out.MilestonesAchieved),
			"total", out.TotalRewarded.String(),
		)
	}
	return out, nil
}

func (e *Engine) countQualifyingReferrals(ctx context.Context, sponsorID string) (int, error) {
	referrals, err := e.tree.DirectReferrals(ctx, sponsorID)
	if err != nil {
		return 0, fmt.Errorf("load direct referrals: %w", err)
	}
	if len(referrals) == 0 {
		return 0, nil
	}
	badges, err := e.badges.CurrentBadges(ctx, referrals)
	if err != nil {
		return 0, fmt.Errorf("load referral badges: %w", err)
	}
	count := 0
	for _, id := range referrals {
		if NormalizeBadge(badges[id]) == e.qualifyingBadge {
			count++
		}
	}
	return count, nil
}

func (e *Engine) claimMilestone(ctx context.Context, sponsorID, triggerReferralID string, count int, def MilestoneDefinition, reward decimal.Decimal) error {
	eventID := MilestoneEventID(sponsorID, def.ID)
	return e.ledger.InTx(ctx, func(tx LedgerTx) error {
		inserted, err := tx.InsertMilestoneClaim(ctx, MilestoneClaim{
			UserID:          sponsorID,
			MilestoneID:     def.ID,
			VIPCountAtClaim: count,
			BSKRewarded:     reward,
		})
		if err != nil {
			return fmt.Errorf("insert claim: %w", err)
		}
		if !inserted {
			return errAlreadyClaimed
		}
		if err := tx.CreditWithdrawable(ctx, sponsorID, reward); err != nil {
			return fmt.Errorf("credit withdrawable: %w", err)
		}
		meta := map[string]any{
			"milestone_id":        def.ID,
			"vip_count_threshold": def.VIPCountThreshold,
			"vip_count_at_claim":  count,
			"reward_description":  def.RewardDescription,
		}
		inserted, err = tx.AppendCommission(ctx, CommissionEntry{
			EventID:           eventID,
			SponsorID:         sponsorID,
			RefereeID:         triggerReferralID,
			Level:             0,
			CommissionBSK:     reward,
			EarningType:       BonusTypeVIPMilestone,
			CommissionType:    CommissionTypeVIPMilestone,
			BaseAmount:        def.RewardINRValue,
			CommissionPercent: decimal.Zero,
			Metadata:          meta,
		})
		if err != nil {
			return fmt.Errorf("append commission: %w", err)
		}
		if !inserted {
			return fmt.Errorf("milestone ledger entry %s exists without a claim", eventID)
		}
		if err := tx.AppendBonus(ctx, BonusEntry{
			UserID:    sponsorID,
			EventID:   eventID,
			Level:     0,
			BonusType: BonusTypeVIPMilestone,
			Pool:      PoolWithdrawable,
			Amount:    reward,
			Metadata:  meta,
		}); err != nil {
			return fmt.Errorf("append bonus: %w", err)
		}
		return nil
	})
}
