package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"refengine/internal/rewards"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestLoadExampleFile(t *testing.T) {
	snap, err := LoadFile("../../configs/policy.example.yaml")
	require.NoError(t, err)
	require.NotNil(t, snap.Settings)
	require.True(t, snap.Settings.IsActive)
	require.Equal(t, 50, snap.Settings.MaxLevels)
	require.True(t, snap.Settings.INRPerBSK.Equal(decimal.NewFromInt(10)))
	require.Equal(t, 50, snap.BadgeThresholds["VIP"])
	require.Equal(t, 3, snap.BadgeThresholds["GOLD"])
	require.True(t, snap.Rates[6].Equal(decimal.RequireFromString("0.5")))
	require.Len(t, snap.Milestones, 3)
	require.Equal(t, 3, snap.Milestones[0].VIPCountThreshold)
	require.True(t, snap.Milestones[0].IsActive)
}

func TestParseAcceptsJSON(t *testing.T) {
	body := []byte(`{
  "settings": {"is_active": true, "max_levels": 3, "inr_per_bsk": "12.5"},
  "badges": [{"name": "I-SMART VIP", "unlock_levels": 50}],
  "rates": {"1": "10", "2": 5},
  "milestones": [{"id": 7, "vip_count_threshold": 2, "reward_inr_value": "250", "is_active": false}]
}`)
	snap, err := Parse(body)
	require.NoError(t, err)
	require.Equal(t, 3, snap.Settings.MaxLevels)
	require.Equal(t, 50, snap.BadgeThresholds["VIP"])
	require.True(t, snap.Rates[2].Equal(decimal.NewFromInt(5)))
	require.False(t, snap.Milestones[0].IsActive)
}

func TestParseRejectsBadDocuments(t *testing.T) {
	docs := []string{
		``,
		`rates: {"x": 1}`,
		`rates: {1: abc}`,
		`unknown_key: true`,
		`badges: [{name: Gold, unlock_levels: 0}]`,
		`badges: [{name: Gold, unlock_levels: 2}, {name: gold, unlock_levels: 3}]`,
		`settings: {max_levels: 99}`,
	}
	for _, doc := range docs {
		_, err := Parse([]byte(doc))
		require.Truef(t, errors.Is(err, rewards.ErrInvalidPolicy), "doc %q: got %v", doc, err)
	}
}

type countingStore struct {
	thresholdCalls int
	rateCalls      int
	settingsCalls  int
}

func (s *countingStore) Settings(context.Context) (rewards.Settings, bool, error) {
	s.settingsCalls++
	return rewards.Settings{IsActive: true}, true, nil
}

func (s *countingStore) BadgeThresholds(context.Context) (map[string]int, error) {
	s.thresholdCalls++
	return map[string]int{"VIP": 50}, nil
}

func (s *countingStore) Rates(context.Context) (map[int]decimal.Decimal, error) {
	s.rateCalls++
	return map[int]decimal.Decimal{1: decimal.NewFromInt(10)}, nil
}

func (s *countingStore) ActiveMilestones(context.Context) ([]rewards.MilestoneDefinition, error) {
	return nil, nil
}

func TestCacheServesStaticTables(t *testing.T) {
	store := &countingStore{}
	cache := NewCache(store, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cache.BadgeThresholds(ctx)
		require.NoError(t, err)
		_, err = cache.Rates(ctx)
		require.NoError(t, err)
		_, _, err = cache.Settings(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, 1, store.thresholdCalls)
	require.Equal(t, 1, store.rateCalls)
	require.Equal(t, 3, store.settingsCalls)

	cache.Invalidate()
	_, err := cache.Rates(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, store.rateCalls)
}

func TestCacheDisabledWithZeroTTL(t *testing.T) {
	store := &countingStore{}
	cache := NewCache(store, 0)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := cache.BadgeThresholds(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, 2, store.thresholdCalls)
	cache.Invalidate()
}
