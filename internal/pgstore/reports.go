package pgstore

import (
	"context"
	"errors"
	"time"

	"refengine/internal/rewards"

	"github.com/jackc/pgx/v5"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

func (s *Store) Balance(ctx context.Context, userID string) (rewards.Balance, error) {
	out := rewards.Balance{UserID: userID}
	err := s.db.QueryRow(ctx, `
		SELECT withdrawable_balance, total_earned_withdrawable, holding_balance, total_earned_holding, updated_at
		FROM rewards.balance_accounts
		WHERE user_id = $1
	`, userID).Scan(
		&out.WithdrawableBalance,
		&out.TotalEarnedWithdrawable,
		&out.HoldingBalance,
		&out.TotalEarnedHolding,
		&out.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return rewards.ZeroBalance(userID), nil
	}
	if err != nil {
		return rewards.Balance{}, err
	}
	return out, nil
}

const commissionColumns = `
	id, event_id, sponsor_id::text, COALESCE(referee_id::text, ''), level, commission_bsk,
	earning_type, commission_type, base_amount, commission_percent, metadata, created_at
`

func scanCommission(row pgx.CollectableRow) (rewards.CommissionEntry, error) {
	var c rewards.CommissionEntry
	var meta []byte
	err := row.Scan(
		&c.ID, &c.EventID, &c.SponsorID, &c.RefereeID, &c.Level, &c.CommissionBSK,
		&c.EarningType, &c.CommissionType, &c.BaseAmount, &c.CommissionPercent, &meta, &c.CreatedAt,
	)
	c.Metadata = decodeMetadata(meta)
	return c, err
}

// CommissionHistory returns the sponsor's ledger rows, newest first.
func (s *Store) CommissionHistory(ctx context.Context, userID string, limit int) ([]rewards.CommissionEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+commissionColumns+`
		FROM rewards.commission_ledger
		WHERE sponsor_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanCommission)
}

func (s *Store) MilestoneClaims(ctx context.Context, userID string) ([]rewards.MilestoneClaim, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id::text, milestone_id, vip_count_at_claim, bsk_rewarded, claimed_at
		FROM rewards.milestone_claims
		WHERE user_id = $1
		ORDER BY milestone_id ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (rewards.MilestoneClaim, error) {
		var c rewards.MilestoneClaim
		err := row.Scan(&c.UserID, &c.MilestoneID, &c.VIPCountAtClaim, &c.BSKRewarded, &c.ClaimedAt)
		return c, err
	})
}

// Reconcile reads the drift views. An empty userID reports every account.
func (s *Store) Reconcile(ctx context.Context, userID string) (rewards.ReconciliationReport, error) {
	report := rewards.ReconciliationReport{
		GeneratedAt:          time.Now().UTC(),
		Drifts:               []rewards.Drift{},
		UnmatchedCommissions: []rewards.CommissionEntry{},
	}

	rows, err := s.db.Query(ctx, `
		SELECT user_id::text, pool, ledger_total, balance_total, drift
		FROM rewards.balance_drift
		WHERE $1 = '' OR user_id::text = $1
		ORDER BY user_id, pool
	`, userID)
	if err != nil {
		return report, err
	}
	drifts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (rewards.Drift, error) {
		var d rewards.Drift
		err := row.Scan(&d.UserID, &d.Pool, &d.LedgerTotal, &d.BalanceTotal, &d.Drift)
		return d, err
	})
	if err != nil {
		return report, err
	}
	report.Drifts = append(report.Drifts, drifts...)

	rows, err = s.db.Query(ctx, `
		SELECT `+commissionColumns+`
		FROM rewards.missing_commission_bonus
		WHERE $1 = '' OR sponsor_id::text = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, userID, maxHistoryLimit)
	if err != nil {
		return report, err
	}
	unmatched, err := pgx.CollectRows(rows, scanCommission)
	if err != nil {
		return report, err
	}
	report.UnmatchedCommissions = append(report.UnmatchedCommissions, unmatched...)
	return report, nil
}
