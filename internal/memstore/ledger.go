package memstore

import (
	"context"
	"fmt"
	"sort"

	"refengine/internal/rewards"

	"github.com/shopspring/decimal"
)

type credit struct {
	userID string
	pool   string
	amount decimal.Decimal
}

// memTx buffers writes until the callback returns nil. The store mutex is
// held for the whole transaction, so uniqueness checks see a stable view.
type memTx struct {
	s              *Store
	credits        []credit
	commissions    []rewards.CommissionEntry
	commissionKeys map[commissionKey]struct{}
	bonuses        []rewards.BonusEntry
	claims         map[claimKey]rewards.MilestoneClaim
}

func (s *Store) InTx(ctx context.Context, fn func(rewards.LedgerTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outage != nil {
		return fmt.Errorf("%w: %v", rewards.ErrLedgerUnavailable, s.outage)
	}
	tx := &memTx{
		s:              s,
		commissionKeys: make(map[commissionKey]struct{}),
		claims:         make(map[claimKey]rewards.MilestoneClaim),
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *Store) commit(tx *memTx) {
	now := s.now()
	for _, c := range tx.credits {
		bal, ok := s.balances[c.userID]
		if !ok {
			bal = rewards.ZeroBalance(c.userID)
		}
		switch c.pool {
		case rewards.PoolHolding:
			bal.HoldingBalance = bal.HoldingBalance.Add(c.amount)
			bal.TotalEarnedHolding = bal.TotalEarnedHolding.Add(c.amount)
		case rewards.PoolWithdrawable:
			bal.WithdrawableBalance = bal.WithdrawableBalance.Add(c.amount)
			bal.TotalEarnedWithdrawable = bal.TotalEarnedWithdrawable.Add(c.amount)
		}
		bal.UpdatedAt = now
		s.balances[c.userID] = bal
	}
	for _, e := range tx.commissions {
		s.nextID++
		e.ID = s.nextID
		e.CreatedAt = now
		s.commissions = append(s.commissions, e)
		s.commissionKeys[commissionKey{eventID: e.EventID, level: e.Level, sponsorID: e.SponsorID}] = struct{}{}
	}
	for _, b := range tx.bonuses {
		s.nextID++
		b.ID = s.nextID
		b.CreatedAt = now
		s.bonuses = append(s.bonuses, b)
	}
	for k, c := range tx.claims {
		c.ClaimedAt = now
		s.claims[k] = c
	}
}

func (t *memTx) credit(userID, pool string, amount decimal.Decimal) error {
	if err := t.s.creditFaults[userID]; err != nil {
		return err
	}
	t.credits = append(t.credits, credit{userID: userID, pool: pool, amount: amount})
	return nil
}

func (t *memTx) CreditHolding(_ context.Context, userID string, amount decimal.Decimal) error {
	return t.credit(userID, rewards.PoolHolding, amount)
}

func (t *memTx) CreditWithdrawable(_ context.Context, userID string, amount decimal.Decimal) error {
	return t.credit(userID, rewards.PoolWithdrawable, amount)
}

func (t *memTx) AppendCommission(_ context.Context, entry rewards.CommissionEntry) (bool, error) {
	key := commissionKey{eventID: entry.EventID, level: entry.Level, sponsorID: entry.SponsorID}
	if _, ok := t.s.commissionKeys[key]; ok {
		return false, nil
	}
	if _, ok := t.commissionKeys[key]; ok {
		return false, nil
	}
	t.commissionKeys[key] = struct{}{}
	t.commissions = append(t.commissions, entry)
	return true, nil
}

func (t *memTx) AppendBonus(_ context.Context, entry rewards.BonusEntry) error {
	t.bonuses = append(t.bonuses, entry)
	return nil
}

func (t *memTx) InsertMilestoneClaim(_ context.Context, claim rewards.MilestoneClaim) (bool, error) {
	key := claimKey{userID: claim.UserID, milestoneID: claim.MilestoneID}
	if _, ok := t.s.claims[key]; ok {
		return false, nil
	}
	if _, ok := t.claims[key]; ok {
		return false, nil
	}
	t.claims[key] = claim
	return true, nil
}

func (s *Store) Balance(_ context.Context, userID string) (rewards.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[userID]
	if !ok {
		return rewards.ZeroBalance(userID), nil
	}
	return bal, nil
}

// CommissionHistory returns the sponsor's ledger rows, newest first.
func (s *Store) CommissionHistory(_ context.Context, userID string, limit int) ([]rewards.CommissionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []rewards.CommissionEntry{}
	for i := len(s.commissions) - 1; i >= 0; i-- {
		if s.commissions[i].SponsorID != userID {
			continue
		}
		out = append(out, s.commissions[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MilestoneClaims(_ context.Context, userID string) ([]rewards.MilestoneClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []rewards.MilestoneClaim{}
	for k, c := range s.claims {
		if k.userID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MilestoneID < out[j].MilestoneID })
	return out, nil
}

func (s *Store) Reconcile(_ context.Context, userID string) (rewards.ReconciliationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report := rewards.ReconciliationReport{
		GeneratedAt:          s.now(),
		Drifts:               []rewards.Drift{},
		UnmatchedCommissions: []rewards.CommissionEntry{},
	}

	type poolKey struct{ userID, pool string }
	ledger := make(map[poolKey]decimal.Decimal)
	type bonusKey struct {
		eventID, userID string
		level           int
	}
	seen := make(map[bonusKey]struct{})
	for _, b := range s.bonuses {
		seen[bonusKey{eventID: b.EventID, userID: b.UserID, level: b.Level}] = struct{}{}
		if userID != "" && b.UserID != userID {
			continue
		}
		k := poolKey{b.UserID, b.Pool}
		ledger[k] = ledger[k].Add(b.Amount)
	}

	users := make(map[string]struct{})
	for k := range ledger {
		users[k.userID] = struct{}{}
	}
	for id := range s.balances {
		if userID == "" || id == userID {
			users[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(users))
	for id := range users {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		bal, ok := s.balances[id]
		if !ok {
			bal = rewards.ZeroBalance(id)
		}
		pools := []struct {
			pool  string
			total decimal.Decimal
		}{
			{rewards.PoolHolding, bal.TotalEarnedHolding},
			{rewards.PoolWithdrawable, bal.TotalEarnedWithdrawable},
		}
		for _, p := range pools {
			sum := ledger[poolKey{id, p.pool}]
			if !sum.Equal(p.total) {
				report.Drifts = append(report.Drifts, rewards.Drift{
					UserID:       id,
					Pool:         p.pool,
					LedgerTotal:  sum,
					BalanceTotal: p.total,
					Drift:        p.total.Sub(sum),
				})
			}
		}
	}

	for _, c := range s.commissions {
		if userID != "" && c.SponsorID != userID {
			continue
		}
		if _, ok := seen[bonusKey{eventID: c.EventID, userID: c.SponsorID, level: c.Level}]; !ok {
			report.UnmatchedCommissions = append(report.UnmatchedCommissions, c)
		}
	}
	return report, nil
}

// OverwriteBalance replaces a cached balance row without touching the ledger,
// the way a manual database edit would.
func (s *Store) OverwriteBalance(b rewards.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b.UpdatedAt = s.now()
	s.balances[b.UserID] = b
}
