package pgstore

import (
	"context"
	"fmt"

	"refengine/internal/rewards"

	"github.com/jackc/pgx/v5"
)

func (s *Store) AncestorPath(ctx context.Context, userID string) ([]rewards.AncestorEdge, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ancestor_id::text, level
		FROM rewards.referral_tree
		WHERE user_id = $1
		ORDER BY level ASC
		LIMIT $2
	`, userID, rewards.MaxTreeDepth)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (rewards.AncestorEdge, error) {
		var edge rewards.AncestorEdge
		err := row.Scan(&edge.AncestorID, &edge.Level)
		return edge, err
	})
}

func (s *Store) DirectReferrals(ctx context.Context, sponsorID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id::text
		FROM rewards.referral_tree
		WHERE ancestor_id = $1 AND level = 1
		ORDER BY user_id
	`, sponsorID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) HasLockedSponsor(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM rewards.referral_links WHERE user_id = $1)
	`, userID).Scan(&exists)
	return exists, err
}

// Rebuild replaces userID's tree rows with the chain found by following
// referral_links upwards, at most 50 levels. A sponsor cycle aborts the
// rebuild and leaves the existing rows in place.
func (s *Store) Rebuild(ctx context.Context, userID string) error {
	rows, err := s.db.Query(ctx, `
		WITH RECURSIVE chain AS (
			SELECT l.sponsor_id AS ancestor_id, 1 AS level, ARRAY[l.user_id] AS seen, false AS looped
			FROM rewards.referral_links l
			WHERE l.user_id = $1
			UNION ALL
			SELECT l.sponsor_id, c.level + 1, c.seen || c.ancestor_id, l.sponsor_id = ANY(c.seen || c.ancestor_id)
			FROM chain c
			JOIN rewards.referral_links l ON l.user_id = c.ancestor_id
			WHERE c.level < $2 AND NOT c.looped
		)
		SELECT ancestor_id::text, level, looped
		FROM chain
		ORDER BY level
	`, userID, rewards.MaxTreeDepth)
	if err != nil {
		return fmt.Errorf("walk sponsor links: %w", err)
	}
	var (
		chain  []rewards.AncestorEdge
		edge   rewards.AncestorEdge
		looped bool
	)
	_, err = pgx.ForEachRow(rows, []any{&edge.AncestorID, &edge.Level, &looped}, func() error {
		if looped {
			return fmt.Errorf("sponsor cycle at %s", edge.AncestorID)
		}
		chain = append(chain, edge)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk sponsor links: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM rewards.referral_tree WHERE user_id = $1`, userID); err != nil {
		return err
	}
	if len(chain) > 0 {
		batch := &pgx.Batch{}
		path := make([]string, 0, len(chain))
		for _, edge := range chain {
			path = append(path, edge.AncestorID)
			batch.Queue(`
				INSERT INTO rewards.referral_tree (user_id, ancestor_id, level, path)
				VALUES ($1, $2, $3, $4::uuid[])
			`, userID, edge.AncestorID, edge.Level, append([]string(nil), path...))
		}
		br := tx.SendBatch(ctx, batch)
		for range chain {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("insert tree row: %w", err)
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Info("referral tree rebuilt", "user_id", userID, "depth", len(chain))
	return nil
}
