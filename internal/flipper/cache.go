package flipper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"skyflip/internal/model"
)

const (
	// OpportunityCacheKeyPrefix prefixes cached opportunity lists.
	OpportunityCacheKeyPrefix = "skyflip:flips"

	// OpportunityCacheTTL bounds staleness if an invalidation is lost.
	OpportunityCacheTTL = time.Minute
)

// OpportunityCache caches the persisted opportunity list per variant for the
// read API. Detection cycles invalidate it after replacing the set.
type OpportunityCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewOpportunityCache creates a cache. A nil client disables caching.
func NewOpportunityCache(rdb redis.UniversalClient, ttl time.Duration) *OpportunityCache {
	if ttl <= 0 {
		ttl = OpportunityCacheTTL
	}
	return &OpportunityCache{rdb: rdb, ttl: ttl}
}

// CachedOpportunities is the cached payload.
type CachedOpportunities struct {
	Variant       model.FlipVariant       `json:"variant"`
	Opportunities []model.FlipOpportunity `json:"opportunities"`
	CachedAt      time.Time               `json:"cached_at"`
}

func cacheKey(variant model.FlipVariant) string {
	return fmt.Sprintf("%s:%s", OpportunityCacheKeyPrefix, variant)
}

// Get returns the cached list; ok is false on a miss.
func (c *OpportunityCache) Get(ctx context.Context, variant model.FlipVariant) (*CachedOpportunities, bool, error) {
	if c == nil || c.rdb == nil {
		return nil, false, nil
	}
	data, err := c.rdb.Get(ctx, cacheKey(variant)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var cached CachedOpportunities
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, false, err
	}
	return &cached, true, nil
}

// Set stores the list for variant.
func (c *OpportunityCache) Set(ctx context.Context, variant model.FlipVariant, opps []model.FlipOpportunity) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	data, err := json.Marshal(CachedOpportunities{
		Variant:       variant,
		Opportunities: opps,
		CachedAt:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, cacheKey(variant), data, c.ttl).Err()
}

// Invalidate drops the cached list for variant.
func (c *OpportunityCache) Invalidate(ctx context.Context, variant model.FlipVariant) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, cacheKey(variant)).Err()
}

// InvalidateAll drops every cached list.
func (c *OpportunityCache) InvalidateAll(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	var cursor uint64
	var keys []string
	for {
		var batch []string
		var err error
		batch, cursor, err = c.rdb.Scan(ctx, cursor, OpportunityCacheKeyPrefix+":*", 100).Result()
		if err != nil {
			return err
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			break
		}
	}
	if len(keys) > 0 {
		return c.rdb.Del(ctx, keys...).Err()
	}
	return nil
}
