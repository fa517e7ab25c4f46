package gems

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skyflip/internal/keygen"
	"skyflip/internal/model"
	"skyflip/internal/pkg/ratelimit"
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

// stubFeed counts calls and optionally blocks until released.
type stubFeed struct {
	calls   atomic.Int32
	prices  map[string]float64
	err     error
	release chan struct{}
}

func (f *stubFeed) FetchPrices(ctx context.Context) (map[string]float64, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.prices, nil
}

func testPrices() map[string]float64 {
	return map[string]float64{
		"PERFECT_RUBY_GEM":     1_700_000,
		"FLAWLESS_JASPER_GEM":  300_000,
		"FLAWLESS_AMBER_GEM":   50_000,
		"PERFECT_SAPPHIRE_GEM": 2_000_000,
	}
}

func TestGemValue(t *testing.T) {
	cache := NewPriceCache(&stubFeed{prices: testPrices()}, time.Minute, time.Second, quietLog)
	v := NewValuer(keygen.DefaultTables(), cache, DefaultFees())

	l := &model.Listing{Attributes: model.Attributes{
		"RUBY_0":       "PERFECT",
		"COMBAT_0":     "FLAWLESS",
		"COMBAT_0_gem": "JASPER",
		"AMBER_0":      "FLAWLESS", // 50k - 100k fee: discarded
		"SAPPHIRE_0":   "FINE",     // unpriced tier
		"JADE_0":       "PERFECT",  // no feed price
	}}

	value, breakdown := v.GemValue(context.Background(), l)
	assert.Equal(t, int64(1_200_000+200_000), value)
	assert.Equal(t, "FLAWLESS_JASPER_GEM 200,000, PERFECT_RUBY_GEM 1,200,000", breakdown)
}

func TestGemValue_GenericSlotWithoutCompanion(t *testing.T) {
	feed := &stubFeed{prices: testPrices()}
	v := NewValuer(keygen.DefaultTables(), NewPriceCache(feed, time.Minute, time.Second, quietLog), nil)

	value, breakdown := v.GemValue(context.Background(), &model.Listing{Attributes: model.Attributes{"COMBAT_0": "PERFECT"}})
	assert.Zero(t, value)
	assert.Empty(t, breakdown)
	assert.Zero(t, feed.calls.Load(), "no priced sockets means no feed lookup")
}

func TestGemValue_NoCache(t *testing.T) {
	v := NewValuer(keygen.DefaultTables(), nil, nil)
	value, _ := v.GemValue(context.Background(), &model.Listing{Attributes: model.Attributes{"RUBY_0": "PERFECT"}})
	assert.Zero(t, value)
}

func TestGemValue_FeedErrorIsZero(t *testing.T) {
	feed := &stubFeed{err: errors.New("connection refused")}
	v := NewValuer(keygen.DefaultTables(), NewPriceCache(feed, time.Minute, time.Second, quietLog), nil)

	value, breakdown := v.GemValue(context.Background(), &model.Listing{Attributes: model.Attributes{"RUBY_0": "PERFECT"}})
	assert.Zero(t, value)
	assert.Empty(t, breakdown)
}

func TestPriceCache_FailureBackoff(t *testing.T) {
	feed := &stubFeed{err: errors.New("connection refused")}
	cache := NewPriceCache(feed, time.Minute, time.Second, quietLog).WithFailureBackoff(30 * time.Second)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	v := NewValuer(keygen.DefaultTables(), cache, nil)

	l := &model.Listing{Attributes: model.Attributes{"RUBY_0": "PERFECT"}}
	for i := 0; i < 100; i++ {
		value, _ := v.GemValue(context.Background(), l)
		require.Zero(t, value)
	}
	assert.Equal(t, int32(1), feed.calls.Load())
	snap := cache.Snapshot()
	assert.Equal(t, int64(1), snap.Failures)
	require.NotNil(t, snap.FailedAt)

	// backoff elapsed: one retry, which now succeeds
	now = now.Add(30 * time.Second)
	feed.err = nil
	feed.prices = testPrices()
	value, _ := v.GemValue(context.Background(), l)
	assert.Equal(t, int64(1_200_000), value)
	assert.Equal(t, int32(2), feed.calls.Load())
	assert.Nil(t, cache.Snapshot().FailedAt)
}

func TestPriceCache_InvalidateClearsFailure(t *testing.T) {
	feed := &stubFeed{err: errors.New("connection refused")}
	cache := NewPriceCache(feed, time.Minute, time.Second, quietLog)

	cache.Prices(context.Background())
	cache.Prices(context.Background())
	assert.Equal(t, int32(1), feed.calls.Load())

	cache.Invalidate()
	cache.Prices(context.Background())
	assert.Equal(t, int32(2), feed.calls.Load())
}

func TestPriceCache_TTL(t *testing.T) {
	feed := &stubFeed{prices: testPrices()}
	cache := NewPriceCache(feed, time.Minute, time.Second, quietLog)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.Prices(context.Background())
	cache.Prices(context.Background())
	assert.Equal(t, int32(1), feed.calls.Load())

	now = now.Add(59 * time.Second)
	cache.Prices(context.Background())
	assert.Equal(t, int32(1), feed.calls.Load())

	now = now.Add(time.Second)
	cache.Prices(context.Background())
	assert.Equal(t, int32(2), feed.calls.Load())

	cache.Invalidate()
	cache.Prices(context.Background())
	assert.Equal(t, int32(3), feed.calls.Load())
	assert.Equal(t, int64(3), cache.Snapshot().Refreshes)
}

func TestPriceCache_SingleRefreshForConcurrentMisses(t *testing.T) {
	feed := &stubFeed{prices: testPrices(), release: make(chan struct{})}
	cache := NewPriceCache(feed, time.Minute, time.Second, quietLog)

	const callers = 20
	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	results := make([]int, callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			results[i] = len(cache.Prices(context.Background()))
		}(i)
	}
	started.Wait()
	require.Eventually(t, func() bool { return feed.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(feed.release)
	done.Wait()

	assert.Equal(t, int32(1), feed.calls.Load())
	for _, n := range results {
		assert.Equal(t, 4, n)
	}
}

func TestPriceCache_RefreshSurvivesCallerCancel(t *testing.T) {
	feed := &stubFeed{prices: testPrices()}
	cache := NewPriceCache(feed, time.Minute, time.Second, quietLog)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Len(t, cache.Prices(ctx), 4)
}

func bazaarServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"success": true,
			"products": {
				"PERFECT_RUBY_GEM": {"product_id": "PERFECT_RUBY_GEM", "quick_status": {"sellPrice": 1700000.4, "buyPrice": 1750000}},
				"FINE_RUBY_GEM": {"product_id": "FINE_RUBY_GEM", "quick_status": {"sellPrice": 1000}},
				"ENCHANTED_DIAMOND": {"product_id": "ENCHANTED_DIAMOND", "quick_status": {"sellPrice": 1200}},
				"FLAWLESS_ONYX_GEM": {"product_id": "FLAWLESS_ONYX_GEM", "quick_status": {"sellPrice": 0}}
			}
		}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPFeed_FetchPrices(t *testing.T) {
	var hits atomic.Int32
	srv := bazaarServer(t, &hits)

	prices, err := NewHTTPFeed(srv.URL, time.Second, nil).FetchPrices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"PERFECT_RUBY_GEM": 1700000.4}, prices)
}

func TestHTTPFeed_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	_, err := NewHTTPFeed(srv.URL, time.Second, nil).FetchPrices(context.Background())
	assert.Error(t, err)
}

func TestHTTPFeed_RateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	var hits atomic.Int32
	srv := bazaarServer(t, &hits)
	feed := NewHTTPFeed(srv.URL, time.Second, ratelimit.NewBucket(rdb, "test:gem_feed", 1, 1))

	_, err := feed.FetchPrices(context.Background())
	require.NoError(t, err)
	_, err = feed.FetchPrices(context.Background())
	assert.ErrorIs(t, err, ErrThrottled)
	assert.Equal(t, int32(1), hits.Load())
}

func TestHTTPFeed_RateWait(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	var hits atomic.Int32
	srv := bazaarServer(t, &hits)
	feed := NewHTTPFeed(srv.URL, time.Second, ratelimit.NewBucket(rdb, "test:gem_feed_wait", 1, 1)).
		WithRateWait(2 * time.Second)

	_, err := feed.FetchPrices(context.Background())
	require.NoError(t, err)
	_, err = feed.FetchPrices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestFormatCoins(t *testing.T) {
	assert.Equal(t, "0", FormatCoins(0))
	assert.Equal(t, "999", FormatCoins(999))
	assert.Equal(t, "1,200,000", FormatCoins(1_200_000))
	assert.Equal(t, "123,456", FormatCoins(123456))
	assert.Equal(t, "-1,234", FormatCoins(-1234))
	assert.Equal(t, "-123", FormatCoins(-123))
}
