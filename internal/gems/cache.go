package gems

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"skyflip/internal/pkg/metrics"
)

// defaultFailureBackoff is how long an empty price set is served after a
// failed refresh.
const defaultFailureBackoff = 30 * time.Second

// PriceCache holds the latest feed snapshot for a fixed TTL. Expired reads
// share one in-flight refresh. A failed refresh yields an empty price set
// until the failure backoff elapses.
type PriceCache struct {
	feed    PriceFeed
	ttl     time.Duration
	timeout time.Duration
	backoff time.Duration
	log     *slog.Logger
	now     func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	prices    map[string]float64
	fetchedAt time.Time
	failedAt  time.Time
	refreshes int64
	failures  int64
}

// NewPriceCache creates a cache over feed. It is meant to be built once per
// process and shared.
func NewPriceCache(feed PriceFeed, ttl, timeout time.Duration, log *slog.Logger) *PriceCache {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PriceCache{
		feed:    feed,
		ttl:     ttl,
		timeout: timeout,
		backoff: defaultFailureBackoff,
		log:     log,
		now:     time.Now,
	}
}

// WithFailureBackoff overrides how long a failed refresh is remembered.
func (c *PriceCache) WithFailureBackoff(d time.Duration) *PriceCache {
	if d > 0 {
		c.backoff = d
	}
	return c
}

// Prices returns the cached price map, refreshing it when stale. The
// returned map must not be modified.
func (c *PriceCache) Prices(ctx context.Context) map[string]float64 {
	if prices, ok := c.fresh(); ok {
		return prices
	}

	v, _, _ := c.group.Do("refresh", func() (any, error) {
		if prices, ok := c.fresh(); ok {
			return prices, nil
		}
		return c.refresh(ctx), nil
	})
	return v.(map[string]float64)
}

func (c *PriceCache) fresh() (map[string]float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	if c.prices != nil && now.Sub(c.fetchedAt) < c.ttl {
		return c.prices, true
	}
	if !c.failedAt.IsZero() && now.Sub(c.failedAt) < c.backoff {
		return map[string]float64{}, true
	}
	return nil, false
}

// refresh runs detached from the first caller's cancellation since other
// callers may be waiting on the same result.
func (c *PriceCache) refresh(ctx context.Context) map[string]float64 {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	start := time.Now()
	prices, err := c.feed.FetchPrices(fetchCtx)
	metrics.GemFeedRefreshDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		status := "failed"
		if errors.Is(err, ErrThrottled) {
			status = "throttled"
		}
		metrics.GemFeedRequestsTotal.WithLabelValues(status).Inc()
		c.log.Warn("gem price refresh failed, valuing gems at zero",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", c.backoff))

		c.mu.Lock()
		c.failedAt = c.now()
		c.failures++
		c.mu.Unlock()
		return map[string]float64{}
	}
	metrics.GemFeedRequestsTotal.WithLabelValues("ok").Inc()

	c.mu.Lock()
	c.prices = prices
	c.fetchedAt = c.now()
	c.failedAt = time.Time{}
	c.refreshes++
	c.mu.Unlock()

	c.log.Debug("gem prices refreshed", slog.Int("products", len(prices)))
	return prices
}

// Snapshot describes the cache for status endpoints.
type Snapshot struct {
	Products  int        `json:"products"`
	FetchedAt time.Time  `json:"fetched_at"`
	Refreshes int64      `json:"refreshes"`
	Failures  int64      `json:"failures"`
	FailedAt  *time.Time `json:"failed_at,omitempty"`
}

// Snapshot returns current cache state.
func (c *PriceCache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := Snapshot{Products: len(c.prices), FetchedAt: c.fetchedAt, Refreshes: c.refreshes, Failures: c.failures}
	if !c.failedAt.IsZero() {
		failedAt := c.failedAt
		snap.FailedAt = &failedAt
	}
	return snap
}

// Invalidate forces the next read to refresh.
func (c *PriceCache) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.failedAt = time.Time{}
	c.mu.Unlock()
}
