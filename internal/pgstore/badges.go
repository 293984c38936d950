package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

func (s *Store) CurrentBadge(ctx context.Context, userID string) (string, error) {
	var badge string
	err := s.db.QueryRow(ctx, `
		SELECT current_badge
		FROM rewards.badge_holdings
		WHERE user_id = $1
		ORDER BY purchased_at DESC, id DESC
		LIMIT 1
	`, userID).Scan(&badge)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return badge, nil
}

// CurrentBadges returns the latest purchase per user. Users with no purchase
// are absent from the map.
func (s *Store) CurrentBadges(ctx context.Context, userIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT ON (user_id) user_id::text, current_badge
		FROM rewards.badge_holdings
		WHERE user_id = ANY($1::uuid[])
		ORDER BY user_id, purchased_at DESC, id DESC
	`, userIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var userID, badge string
		if err := rows.Scan(&userID, &badge); err != nil {
			return nil, err
		}
		out[userID] = badge
	}
	return out, rows.Err()
}
