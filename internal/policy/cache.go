package policy

import (
	"context"
	"time"

	"refengine/internal/rewards"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
)

const cacheKey = "current"

// Cache serves badge thresholds and the rate table from memory for ttl.
// Settings and milestone definitions always go to the underlying store, and
// badge holdings are never part of policy.
type Cache struct {
	store      rewards.PolicyStore
	thresholds *expirable.LRU[string, map[string]int]
	rates      *expirable.LRU[string, map[int]decimal.Decimal]
}

// NewCache wraps store. A ttl <= 0 disables caching.
func NewCache(store rewards.PolicyStore, ttl time.Duration) *Cache {
	c := &Cache{store: store}
	if ttl > 0 {
		c.thresholds = expirable.NewLRU[string, map[string]int](1, nil, ttl)
		c.rates = expirable.NewLRU[string, map[int]decimal.Decimal](1, nil, ttl)
	}
	return c
}

func (c *Cache) Settings(ctx context.Context) (rewards.Settings, bool, error) {
	return c.store.Settings(ctx)
}

func (c *Cache) ActiveMilestones(ctx context.Context) ([]rewards.MilestoneDefinition, error) {
	return c.store.ActiveMilestones(ctx)
}

// BadgeThresholds returns a shared map; callers must not modify it.
func (c *Cache) BadgeThresholds(ctx context.Context) (map[string]int, error) {
	if c.thresholds == nil {
		return c.store.BadgeThresholds(ctx)
	}
	if v, ok := c.thresholds.Get(cacheKey); ok {
		return v, nil
	}
	v, err := c.store.BadgeThresholds(ctx)
	if err != nil {
		return nil, err
	}
	c.thresholds.Add(cacheKey, v)
	return v, nil
}

// Rates returns a shared map; callers must not modify it.
func (c *Cache) Rates(ctx context.Context) (map[int]decimal.Decimal, error) {
	if c.rates == nil {
		return c.store.Rates(ctx)
	}
	if v, ok := c.rates.Get(cacheKey); ok {
		return v, nil
	}
	v, err := c.store.Rates(ctx)
	if err != nil {
		return nil, err
	}
	c.rates.Add(cacheKey, v)
	return v, nil
}

func (c *Cache) Invalidate() {
	if c.thresholds != nil {
		c.thresholds.Purge()
	}
	if c.rates != nil {
		c.rates.Purge()
	}
}
