package pgstore

import (
	"context"
	"fmt"
	"time"

	"refengine/internal/rewards"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// InTx runs fn in a read-committed transaction and retries the whole unit on
// serialization failures and deadlocks.
func (s *Store) InTx(ctx context.Context, fn func(rewards.LedgerTx) error) error {
	const maxAttempts = 8
	retryDelay := 75 * time.Millisecond
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := s.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		s.log.Warn("ledger transaction conflict", "attempt", attempt, "error", err)
		if attempt == maxAttempts {
			break
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		retryDelay *= 2
		if retryDelay > 1200*time.Millisecond {
			retryDelay = 1200 * time.Millisecond
		}
	}
	return rewards.ErrTxConflict
}

func (s *Store) runTx(ctx context.Context, fn func(rewards.LedgerTx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: begin: %v", rewards.ErrLedgerUnavailable, err)
	}
	defer tx.Rollback(ctx)
	if err := fn(&ledgerTx{tx: tx}); err != nil {
		return unavailable(err)
	}
	return unavailable(tx.Commit(ctx))
}

// unavailable marks connection-level failures so callers can tell an outage
// apart from a problem with the rows of one transaction.
func unavailable(err error) error {
	if isConnectionError(err) {
		return fmt.Errorf("%w: %v", rewards.ErrLedgerUnavailable, err)
	}
	return err
}

type ledgerTx struct {
	tx pgx.Tx
}

func (t *ledgerTx) CreditHolding(ctx context.Context, userID string, amount decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO rewards.balance_accounts (user_id, holding_balance, total_earned_holding)
		VALUES ($1, $2, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET holding_balance = rewards.balance_accounts.holding_balance + EXCLUDED.holding_balance,
		    total_earned_holding = rewards.balance_accounts.total_earned_holding + EXCLUDED.total_earned_holding,
		    updated_at = now()
	`, userID, amount)
	return err
}

func (t *ledgerTx) CreditWithdrawable(ctx context.Context, userID string, amount decimal.Decimal) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO rewards.balance_accounts (user_id, withdrawable_balance, total_earned_withdrawable)
		VALUES ($1, $2, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET withdrawable_balance = rewards.balance_accounts.withdrawable_balance + EXCLUDED.withdrawable_balance,
		    total_earned_withdrawable = rewards.balance_accounts.total_earned_withdrawable + EXCLUDED.total_earned_withdrawable,
		    updated_at = now()
	`, userID, amount)
	return err
}

func (t *ledgerTx) AppendCommission(ctx context.Context, entry rewards.CommissionEntry) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO rewards.commission_ledger (
			event_id, sponsor_id, referee_id, level, commission_bsk,
			earning_type, commission_type, base_amount, commission_percent, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
		ON CONFLICT (event_id, level, sponsor_id) DO NOTHING
	`,
		entry.EventID, entry.SponsorID, nullableID(entry.RefereeID), entry.Level, entry.CommissionBSK,
		entry.EarningType, entry.CommissionType, entry.BaseAmount, entry.CommissionPercent, encodeMetadata(entry.Metadata),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (t *ledgerTx) AppendBonus(ctx context.Context, entry rewards.BonusEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO rewards.bonus_ledger (user_id, event_id, level, bonus_type, pool, amount, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
	`, entry.UserID, entry.EventID, entry.Level, entry.BonusType, entry.Pool, entry.Amount, encodeMetadata(entry.Metadata))
	return err
}

func (t *ledgerTx) InsertMilestoneClaim(ctx context.Context, claim rewards.MilestoneClaim) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO rewards.milestone_claims (user_id, milestone_id, vip_count_at_claim, bsk_rewarded)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, milestone_id) DO NOTHING
	`, claim.UserID, claim.MilestoneID, claim.VIPCountAtClaim, claim.BSKRewarded)
	if isUniqueViolation(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
