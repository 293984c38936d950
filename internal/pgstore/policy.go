package pgstore

import (
	"context"
	"errors"
	"fmt"

	"refengine/internal/rewards"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

func (s *Store) Settings(ctx context.Context) (rewards.Settings, bool, error) {
	var out rewards.Settings
	err := s.db.QueryRow(ctx, `
		SELECT is_active, max_levels, cap_usd, vip_multiplier, inr_per_bsk
		FROM rewards.commission_settings
		WHERE id = 1
	`).Scan(&out.IsActive, &out.MaxLevels, &out.CapUSD, &out.VIPMultiplier, &out.INRPerBSK)
	if errors.Is(err, pgx.ErrNoRows) {
		return rewards.Settings{}, false, nil
	}
	if err != nil {
		return rewards.Settings{}, false, err
	}
	return out, true, nil
}

func (s *Store) BadgeThresholds(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.Query(ctx, `SELECT badge_name, unlock_levels FROM rewards.badge_thresholds`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var name string
		var levels int
		if err := rows.Scan(&name, &levels); err != nil {
			return nil, err
		}
		if key := rewards.NormalizeBadge(name); key != "" {
			out[key] = levels
		}
	}
	return out, rows.Err()
}

func (s *Store) Rates(ctx context.Context) (map[int]decimal.Decimal, error) {
	rows, err := s.db.Query(ctx, `SELECT level, percent FROM rewards.commission_rates`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[int]decimal.Decimal{}
	for rows.Next() {
		var level int
		var pct decimal.Decimal
		if err := rows.Scan(&level, &pct); err != nil {
			return nil, err
		}
		out[level] = pct
	}
	return out, rows.Err()
}

func (s *Store) ActiveMilestones(ctx context.Context) ([]rewards.MilestoneDefinition, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, vip_count_threshold, reward_inr_value, reward_description, is_active
		FROM rewards.milestone_definitions
		WHERE is_active
		ORDER BY vip_count_threshold ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (rewards.MilestoneDefinition, error) {
		var m rewards.MilestoneDefinition
		err := row.Scan(&m.ID, &m.VIPCountThreshold, &m.RewardINRValue, &m.RewardDescription, &m.IsActive)
		return m, err
	})
}

// ReplacePolicy swaps the settings, badge and rate tables in one transaction.
// Milestones missing from the snapshot are deactivated rather than deleted so
// existing claims keep their definition.
func (s *Store) ReplacePolicy(ctx context.Context, snap rewards.PolicySnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if snap.Settings == nil {
		if _, err := tx.Exec(ctx, `DELETE FROM rewards.commission_settings`); err != nil {
			return fmt.Errorf("clear settings: %w", err)
		}
	} else {
		st := snap.Settings
		if _, err := tx.Exec(ctx, `
			INSERT INTO rewards.commission_settings (id, is_active, max_levels, cap_usd, vip_multiplier, inr_per_bsk)
			VALUES (1, $1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE
			SET is_active = EXCLUDED.is_active,
			    max_levels = EXCLUDED.max_levels,
			    cap_usd = EXCLUDED.cap_usd,
			    vip_multiplier = EXCLUDED.vip_multiplier,
			    inr_per_bsk = EXCLUDED.inr_per_bsk,
			    updated_at = now()
		`, st.IsActive, st.MaxLevels, st.CapUSD, st.VIPMultiplier, st.INRPerBSK); err != nil {
			return fmt.Errorf("write settings: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM rewards.badge_thresholds`); err != nil {
		return fmt.Errorf("clear badge thresholds: %w", err)
	}
	for name, levels := range snap.BadgeThresholds {
		if _, err := tx.Exec(ctx, `
			INSERT INTO rewards.badge_thresholds (badge_name, unlock_levels) VALUES ($1, $2)
		`, name, levels); err != nil {
			return fmt.Errorf("write badge %s: %w", name, err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM rewards.commission_rates`); err != nil {
		return fmt.Errorf("clear rates: %w", err)
	}
	for level, pct := range snap.Rates {
		if _, err := tx.Exec(ctx, `
			INSERT INTO rewards.commission_rates (level, percent) VALUES ($1, $2)
		`, level, pct); err != nil {
			return fmt.Errorf("write rate for level %d: %w", level, err)
		}
	}

	ids := make([]int64, 0, len(snap.Milestones))
	for _, m := range snap.Milestones {
		ids = append(ids, m.ID)
		if _, err := tx.Exec(ctx, `
			INSERT INTO rewards.milestone_definitions (id, vip_count_threshold, reward_inr_value, reward_description, is_active)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE
			SET vip_count_threshold = EXCLUDED.vip_count_threshold,
			    reward_inr_value = EXCLUDED.reward_inr_value,
			    reward_description = EXCLUDED.reward_description,
			    is_active = EXCLUDED.is_active,
			    updated_at = now()
		`, m.ID, m.VIPCountThreshold, m.RewardINRValue, m.RewardDescription, m.IsActive); err != nil {
			return fmt.Errorf("write milestone %d: %w", m.ID, err)
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE rewards.milestone_definitions
		SET is_active = false, updated_at = now()
		WHERE is_active AND NOT (id = ANY($1::bigint[]))
	`, ids); err != nil {
		return fmt.Errorf("retire milestones: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Info("policy replaced",
		"badges", len(snap.BadgeThresholds),
		"rates", len(snap.Rates),
		"milestones", len(snap.Milestones),
		"configured", snap.Settings != nil,
	)
	return nil
}
