package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"refengine/internal/metrics"

	"github.com/shopspring/decimal"
)

var errDuplicateLevel = errors.New("commission already recorded for event level")

type Deps struct {
	Tree    TreeStore
	Builder TreeBuilder
	Badges  BadgeStore
	Policy  PolicyStore
	Ledger  Ledger
}

// Engine walks sponsor chains and pays per-level commissions and one-time
// milestone rewards. It keeps no state between calls.
type Engine struct {
	tree            TreeStore
	builder         TreeBuilder
	badges          BadgeStore
	policy          PolicyStore
	ledger          Ledger
	log             *slog.Logger
	qualifyingBadge string
}

func NewEngine(deps Deps, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		tree:            deps.Tree,
		builder:         deps.Builder,
		badges:          deps.Badges,
		policy:          deps.Policy,
		ledger:          deps.Ledger,
		log:             logger,
		qualifyingBadge: QualifyingBadge,
	}
}

// WithQualifyingBadge overrides the tier counted by milestone evaluation.
func (e *Engine) WithQualifyingBadge(badge string) *Engine {
	if name := NormalizeBadge(badge); name != "" {
		e.qualifyingBadge = name
	}
	return e
}

func (e *Engine) Distribute(ctx context.Context, in DistributeInput) (DistributionResult, error) {
	started := time.Now()
	in.EventID = strings.TrimSpace(in.EventID)
	in.EarnerID = strings.TrimSpace(in.EarnerID)
	in.EarningType = strings.TrimSpace(in.EarningType)
	out := DistributionResult{
		EventID:                in.EventID,
		EarnerID:               in.EarnerID,
		CommissionsDistributed: decimal.Zero,
		Commissions:            []LevelPayout{},
	}
	if in.EventID == "" {
		return out, ErrEventIDRequired
	}
	if in.EarnerID == "" {
		return out, fmt.Errorf("%w: earner_id is required", ErrInvalidInput)
	}
	if !in.Amount.IsPositive() {
		return out, fmt.Errorf("%w: earning_amount must be > 0", ErrInvalidInput)
	}
	if in.EarningType == "" {
		return out, fmt.Errorf("%w: earning_type is required", ErrInvalidInput)
	}

	settings, ok, err := e.policy.Settings(ctx)
	if err != nil {
		return out, fmt.Errorf("load commission settings: %w", err)
	}
	if !ok || !settings.IsActive {
		out.Reason = ReasonDisabled
		metrics.ObserveDistribution(ReasonDisabled, started)
		return out, nil
	}

	path, repaired, err := e.ancestorPath(ctx, in.EarnerID)
	if err != nil {
		metrics.ObserveDistribution("error", started)
		return out, err
	}
	out.TreeRepaired = repaired
	if len(path) == 0 {
		out.Reason = ReasonNoSponsors
		metrics.ObserveDistribution(ReasonNoSponsors, started)
		return out, nil
	}

	thresholds, err := e.policy.BadgeThresholds(ctx)
	if err != nil {
		return out, fmt.Errorf("load badge thresholds: %w", err)
	}
	rates, err := e.policy.Rates(ctx)
	if err != nil {
		return out, fmt.Errorf("load commission rates: %w", err)
	}

	// The path is ordered by level and may have gaps; bound by level number.
	limit := min(settings.MaxLevels, MaxTreeDepth)
	maxLevels := 0
	for maxLevels < len(path) && path[maxLevels].Level <= limit {
		maxLevels++
	}
	out.LevelsProcessed = maxLevels

	for i := 0; i < maxLevels; i++ {
		edge := path[i]
		if err := ctx.Err(); err != nil {
			for _, rest := range path[i:maxLevels] {
				out.Failed = append(out.Failed, LevelFailure{Level: rest.Level, SponsorID: rest.AncestorID, Stage: StageCancelled, Error: err.Error()})
				metrics.ObserveLevel("failed")
			}
			e.log.Warn("distribution interrupted", "event_id", in.EventID, "level", edge.Level, "err", err)
			break
		}

		badge, err := e.badges.CurrentBadge(ctx, edge.AncestorID)
		if err != nil {
			e.log.Warn("badge lookup failed", "event_id", in.EventID, "level", edge.Level, "sponsor_id", edge.AncestorID, "err", err)
			out.Failed = append(out.Failed, LevelFailure{Level: edge.Level, SponsorID: edge.AncestorID, Stage: StageBadgeLookup, Error: err.Error()})
			metrics.ObserveLevel("failed")
			continue
		}
		badge = NormalizeBadge(badge)
		unlocked := UnlockedLevels(thresholds, badge)
		if edge.Level > unlocked {
			out.Skipped = append(out.Skipped, LevelSkip{Level: edge.Level, SponsorID: edge.AncestorID, Reason: SkipLocked, Badge: badge, UnlockedLevels: unlocked})
			metrics.ObserveLevel(SkipLocked)
			continue
		}
		rate, ok := rates[edge.Level]
		if !ok || !rate.IsPositive() {
			out.Skipped = append(out.Skipped, LevelSkip{Level: edge.Level, SponsorID: edge.AncestorID, Reason: SkipNoRate, Badge: badge, UnlockedLevels: unlocked})
			metrics.ObserveLevel(SkipNoRate)
			continue
		}
		amount := CommissionAmount(in.Amount, rate)
		capped := false
		if settings.CapUSD.IsPositive() && amount.GreaterThan(settings.CapUSD) {
			amount = FloorAmount(settings.CapUSD)
			capped = true
		}
		if !amount.IsPositive() {
			out.Skipped = append(out.Skipped, LevelSkip{Level: edge.Level, SponsorID: edge.AncestorID, Reason: SkipZeroAmount, Badge: badge, UnlockedLevels: unlocked})
			metrics.ObserveLevel(SkipZeroAmount)
			continue
		}

		payout := LevelPayout{
			Level:          edge.Level,
			SponsorID:      edge.AncestorID,
			Badge:          badge,
			UnlockedLevels: unlocked,
			Percent:        rate,
			Amount:         amount,
			Capped:         capped,
		}
		err = e.creditLevel(ctx, in, payout)
		switch {
		case errors.Is(err, errDuplicateLevel):
			out.Skipped = append(out.Skipped, LevelSkip{Level: edge.Level, SponsorID: edge.AncestorID, Reason: SkipDuplicate, Badge: badge, UnlockedLevels: unlocked})
			metrics.ObserveLevel(SkipDuplicate)
		case errors.Is(err, ErrLedgerUnavailable):
			e.log.Error("distribution could not reach ledger", "event_id", in.EventID, "earner_id", in.EarnerID, "level", edge.Level, "err", err)
			out.Failed = append(out.Failed, LevelFailure{Level: edge.Level, SponsorID: edge.AncestorID, Stage: StageLedger, Error: err.Error()})
			metrics.ObserveLevel("failed")
			metrics.ObserveDistribution("error", started)
			return out, err
		case err != nil:
			e.log.Warn("commission credit failed", "event_id", in.EventID, "level", edge.Level, "sponsor_id", edge.AncestorID, "err", err)
			out.Failed = append(out.Failed, LevelFailure{Level: edge.Level, SponsorID: edge.AncestorID, Stage: StageLedger, Error: err.Error()})
			metrics.ObserveLevel("failed")
		default:
			out.Commissions = append(out.Commissions, payout)
			out.CommissionsDistributed = out.CommissionsDistributed.Add(amount)
			metrics.ObserveLevel("paid")
			metrics.ObserveCredit(PoolHolding, amount)
		}
	}

	e.log.Info("commission distributed",
		"event_id", in.EventID,
		"earner_id", in.EarnerID,
		"earning_type", in.EarningType,
		"levels_processed", out.LevelsProcessed,
		"paid_levels", len(out.Commissions),
		"total", out.CommissionsDistributed.String(),
	)
	metrics.ObserveDistribution("ok", started)
	return out, nil
}

// ancestorPath loads the earner's path once. When it is empty but a locked
// sponsor exists, the tree is rebuilt a single time and re-read.
func (e *Engine) ancestorPath(ctx context.Context, earnerID string) ([]AncestorEdge, bool, error) {
	path, err := e.tree.AncestorPath(ctx, earnerID)
	if err != nil {
		return nil, false, fmt.Errorf("load ancestor path: %w", err)
	}
	if len(path) > 0 || e.builder == nil {
		return sortedPath(path), false, nil
	}

	locked, err := e.tree.HasLockedSponsor(ctx, earnerID)
	if err != nil {
		return nil, false, fmt.Errorf("check sponsor link: %w", err)
	}
	if !locked {
		return nil, false, nil
	}
	e.log.Info("referral tree missing, rebuilding", "user_id", earnerID)
	if err := e.builder.Rebuild(ctx, earnerID); err != nil {
		return nil, false, fmt.Errorf("rebuild referral tree: %w", err)
	}
	path, err = e.tree.AncestorPath(ctx, earnerID)
	if err != nil {
		return nil, true, fmt.Errorf("reload ancestor path: %w", err)
	}
	return sortedPath(path), true, nil
}

func (e *Engine) creditLevel(ctx context.Context, in DistributeInput, p LevelPayout) error {
	meta := map[string]any{
		"badge":           p.Badge,
		"unlocked_levels": p.UnlockedLevels,
	}
	if p.Capped {
		meta["capped"] = true
	}
	for k, v := range in.Metadata {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}

	return e.ledger.InTx(ctx, func(tx LedgerTx) error {
		inserted, err := tx.AppendCommission(ctx, CommissionEntry{
			EventID:           in.EventID,
			SponsorID:         p.SponsorID,
			RefereeID:         in.EarnerID,
			Level:             p.Level,
			CommissionBSK:     p.Amount,
			EarningType:       in.EarningType,
			CommissionType:    CommissionTypeLevel,
			BaseAmount:        in.Amount,
			CommissionPercent: p.Percent,
			Metadata:          meta,
		})
		if err != nil {
			return fmt.Errorf("append commission: %w", err)
		}
		if !inserted {
			return errDuplicateLevel
		}
		if err := tx.CreditHolding(ctx, p.SponsorID, p.Amount); err != nil {
			return fmt.Errorf("credit holding: %w", err)
		}
		if err := tx.AppendBonus(ctx, BonusEntry{
			UserID:    p.SponsorID,
			EventID:   in.EventID,
			Level:     p.Level,
			BonusType: BonusTypeReferralCommission,
			Pool:      PoolHolding,
			Amount:    p.Amount,
			Metadata: map[string]any{
				"level":        p.Level,
				"referee_id":   in.EarnerID,
				"earning_type": in.EarningType,
			},
		}); err != nil {
			return fmt.Errorf("append bonus: %w", err)
		}
		return nil
	})
}

func sortedPath(path []AncestorEdge) []AncestorEdge {
	out := make([]AncestorEdge, 0, len(path))
	for _, edge := range path {
		if edge.Level < 1 || edge.AncestorID == "" {
			continue
		}
		out = append(out, edge)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}
