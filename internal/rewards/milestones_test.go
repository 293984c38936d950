package rewards_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"refengine/internal/memstore"
	"refengine/internal/rewards"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func milestonePolicy() rewards.PolicySnapshot {
	p := testPolicy()
	p.Milestones = []rewards.MilestoneDefinition{
		{ID: 3, VIPCountThreshold: 10, RewardINRValue: dec("10000"), RewardDescription: "10 VIP referrals", IsActive: true},
		{ID: 1, VIPCountThreshold: 3, RewardINRValue: dec("1000"), RewardDescription: "3 VIP referrals", IsActive: true},
		{ID: 2, VIPCountThreshold: 5, RewardINRValue: dec("2500"), RewardDescription: "5 VIP referrals", IsActive: true},
		{ID: 4, VIPCountThreshold: 1, RewardINRValue: dec("100"), RewardDescription: "retired", IsActive: false},
	}
	return p
}

func addVIPReferrals(store *memstore.Store, sponsor string, from, to int) {
	for i := from; i < to; i++ {
		id := fmt.Sprintf("%s-ref-%d", sponsor, i)
		store.SetPath(id, sponsor)
		store.GrantBadge(id, "i-Smart VIP", epoch)
	}
}

func milestoneIDs(awards []rewards.MilestoneAward) []int64 {
	out := make([]int64, 0, len(awards))
	for _, a := range awards {
		out = append(out, a.MilestoneID)
	}
	return out
}

func TestEvaluateMilestonesPaysEveryCrossedThresholdOnce(t *testing.T) {
	policy := milestonePolicy()
	store, engine := newEngine(t, &policy)
	store.GrantBadge("sponsor", "I-SMART VIP", epoch)
	addVIPReferrals(store, "sponsor", 0, 5)

	out, err := engine.EvaluateMilestones(context.Background(), "sponsor", "sponsor-ref-4")
	require.NoError(t, err)
	require.Equal(t, 5, out.CurrentVIPCount)
	require.Equal(t, []int64{1, 2}, milestoneIDs(out.MilestonesAchieved))
	requireAmount(t, "100", out.MilestonesAchieved[0].BSKRewarded)
	requireAmount(t, "250", out.MilestonesAchieved[1].BSKRewarded)
	requireAmount(t, "350", out.TotalRewarded)

	claims, err := store.MilestoneClaims(context.Background(), "sponsor")
	require.NoError(t, err)
	require.Len(t, claims, 2)
	require.Equal(t, 5, claims[0].VIPCountAtClaim)

	bal, err := store.Balance(context.Background(), "sponsor")
	require.NoError(t, err)
	requireAmount(t, "350", bal.WithdrawableBalance)
	requireAmount(t, "350", bal.TotalEarnedWithdrawable)
	requireAmount(t, "0", bal.HoldingBalance)

	history, err := store.CommissionHistory(context.Background(), "sponsor", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	for _, entry := range history {
		require.Equal(t, 0, entry.Level)
		require.Equal(t, rewards.CommissionTypeVIPMilestone, entry.CommissionType)
		require.Equal(t, "sponsor-ref-4", entry.RefereeID)
	}

	again, err := engine.EvaluateMilestones(context.Background(), "sponsor", "sponsor-ref-4")
	require.NoError(t, err)
	require.Empty(t, again.MilestonesAchieved)
	require.ElementsMatch(t, []int64{1, 2}, again.AlreadyClaimed)
	require.True(t, again.TotalRewarded.IsZero())

	bal, err = store.Balance(context.Background(), "sponsor")
	require.NoError(t, err)
	requireAmount(t, "350", bal.WithdrawableBalance)

	report, err := store.Reconcile(context.Background(), "sponsor")
	require.NoError(t, err)
	require.Empty(t, report.Drifts)
	require.Empty(t, report.UnmatchedCommissions)
}

func TestEvaluateMilestonesCountJumpClaimsOnlyReachedThresholds(t *testing.T) {
	policy := milestonePolicy()
	store, engine := newEngine(t, &policy)
	store.GrantBadge("sponsor", "VIP", epoch)
	addVIPReferrals(store, "sponsor", 0, 2)

	out, err := engine.EvaluateMilestones(context.Background(), "sponsor", "")
	require.NoError(t, err)
	require.Equal(t, 2, out.CurrentVIPCount)
	require.Empty(t, out.MilestonesAchieved)

	addVIPReferrals(store, "sponsor", 2, 7)
	out, err = engine.EvaluateMilestones(context.Background(), "sponsor", "sponsor-ref-6")
	require.NoError(t, err)
	require.Equal(t, 7, out.CurrentVIPCount)
	require.Equal(t, []int64{1, 2}, milestoneIDs(out.MilestonesAchieved))
}

func TestEvaluateMilestonesRequiresQualifyingSponsor(t *testing.T) {
	policy := milestonePolicy()
	store, engine := newEngine(t, &policy)
	store.GrantBadge("sponsor", "Gold", epoch)
	addVIPReferrals(store, "sponsor", 0, 5)

	out, err := engine.EvaluateMilestones(context.Background(), "sponsor", "")
	require.NoError(t, err)
	require.Equal(t, rewards.ReasonNotQualified, out.Reason)
	require.Empty(t, out.MilestonesAchieved)

	claims, err := store.MilestoneClaims(context.Background(), "sponsor")
	require.NoError(t, err)
	require.Empty(t, claims)
}

func TestEvaluateMilestonesCountsOnlyDirectReferralsWithLiveBadges(t *testing.T) {
	policy := milestonePolicy()
	store, engine := newEngine(t, &policy)
	store.GrantBadge("sponsor", "VIP", epoch)
	addVIPReferrals(store, "sponsor", 0, 3)

	// Second-level descendants never count.
	store.SetPath("grandchild", "sponsor-ref-0", "sponsor")
	store.GrantBadge("grandchild", "VIP", epoch)

	// A newer, lower badge replaces the VIP one.
	store.GrantBadge("sponsor-ref-2", "Silver", epoch.Add(time.Hour))

	out, err := engine.EvaluateMilestones(context.Background(), "sponsor", "")
	require.NoError(t, err)
	require.Equal(t, 2, out.CurrentVIPCount)
	require.Empty(t, out.MilestonesAchieved)
}

func TestEvaluateMilestonesWithoutConversionRate(t *testing.T) {
	policy := milestonePolicy()
	policy.Settings.INRPerBSK = decimal.Zero
	store, engine := newEngine(t, &policy)
	store.GrantBadge("sponsor", "VIP", epoch)
	addVIPReferrals(store, "sponsor", 0, 3)

	out, err := engine.EvaluateMilestones(context.Background(), "sponsor", "")
	require.NoError(t, err)
	require.Equal(t, rewards.ReasonNoConversionRate, out.Reason)

	claims, err := store.MilestoneClaims(context.Background(), "sponsor")
	require.NoError(t, err)
	require.Empty(t, claims)
}

func TestEvaluateMilestonesConcurrentCallsPayOnce(t *testing.T) {
	policy := milestonePolicy()
	store, engine := newEngine(t, &policy)
	store.GrantBadge("sponsor", "VIP", epoch)
	addVIPReferrals(store, "sponsor", 0, 5)

	const callers = 12
	results := make(chan rewards.MilestoneResult, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := engine.EvaluateMilestones(context.Background(), "sponsor", "")
			results <- out
			errs <- err
		}()
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	paid := 0
	for out := range results {
		paid += len(out.MilestonesAchieved)
	}
	require.Equal(t, 2, paid)

	bal, err := store.Balance(context.Background(), "sponsor")
	require.NoError(t, err)
	requireAmount(t, "350", bal.WithdrawableBalance)
}

func TestEvaluateMilestonesRollsBackFailedClaim(t *testing.T) {
	policy := milestonePolicy()
	store, engine := newEngine(t, &policy)
	store.GrantBadge("sponsor", "VIP", epoch)
	addVIPReferrals(store, "sponsor", 0, 3)
	store.FailCredits("sponsor", fmt.Errorf("balance row locked"))

	failed, err := engine.EvaluateMilestones(context.Background(), "sponsor", "")
	require.NoError(t, err)
	require.Empty(t, failed.MilestonesAchieved)
	require.Len(t, failed.Failed, 1)
	require.Equal(t, int64(1), failed.Failed[0].MilestoneID)

	claims, err := store.MilestoneClaims(context.Background(), "sponsor")
	require.NoError(t, err)
	require.Empty(t, claims)

	store.FailCredits("sponsor", nil)
	out, err := engine.EvaluateMilestones(context.Background(), "sponsor", "")
	require.NoError(t, err)
	require.Equal(t, []int64{1}, milestoneIDs(out.MilestonesAchieved))
}

func TestEvaluateMilestonesStopsWhenLedgerIsDown(t *testing.T) {
	policy := milestonePolicy()
	store, engine := newEngine(t, &policy)
	store.GrantBadge("sponsor", "VIP", epoch)
	addVIPReferrals(store, "sponsor", 0, 5)
	store.FailLedger(fmt.Errorf("connection refused"))

	out, err := engine.EvaluateMilestones(context.Background(), "sponsor", "")
	require.ErrorIs(t, err, rewards.ErrLedgerUnavailable)
	require.Len(t, out.Failed, 1)

	store.FailLedger(nil)
	out, err = engine.EvaluateMilestones(context.Background(), "sponsor", "")
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, milestoneIDs(out.MilestonesAchieved))
}
