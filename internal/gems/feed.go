package gems

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"skyflip/internal/pkg/ratelimit"
)

// ErrThrottled is returned when the shared rate limit denies a refresh.
var ErrThrottled = errors.New("gem price feed throttled")

// PriceFeed returns unit prices keyed by product id (e.g. PERFECT_RUBY_GEM).
type PriceFeed interface {
	FetchPrices(ctx context.Context) (map[string]float64, error)
}

// bazaarResponse mirrors the subset of the bazaar endpoint we read.
type bazaarResponse struct {
	Success  bool                     `json:"success"`
	Products map[string]bazaarProduct `json:"products"`
}

type bazaarProduct struct {
	ProductID   string `json:"product_id"`
	QuickStatus struct {
		SellPrice float64 `json:"sellPrice"`
		BuyPrice  float64 `json:"buyPrice"`
	} `json:"quick_status"`
}

// HTTPFeed reads gem prices from a bazaar-style HTTP endpoint.
type HTTPFeed struct {
	client   *resty.Client
	url      string
	limiter  *ratelimit.Bucket
	rateWait time.Duration
}

// NewHTTPFeed creates a feed client. limiter may be nil.
func NewHTTPFeed(url string, timeout time.Duration, limiter *ratelimit.Bucket) *HTTPFeed {
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "application/json")
	client.SetRetryCount(1)
	client.SetRetryWaitTime(500 * time.Millisecond)
	return &HTTPFeed{client: client, url: url, limiter: limiter}
}

// WithRateWait lets a refresh wait up to d for a rate limit token before
// giving up with ErrThrottled. Zero fails immediately.
func (f *HTTPFeed) WithRateWait(d time.Duration) *HTTPFeed {
	f.rateWait = d
	return f
}

// FetchPrices implements PriceFeed. Only gem products of a priced quality
// are returned.
func (f *HTTPFeed) FetchPrices(ctx context.Context) (map[string]float64, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, f.rateWait); err != nil {
			if errors.Is(err, ratelimit.ErrWaitTimeout) {
				return nil, ErrThrottled
			}
			return nil, fmt.Errorf("gem feed rate limit: %w", err)
		}
	}

	var body bazaarResponse
	resp, err := f.client.R().
		SetContext(ctx).
		SetResult(&body).
		Get(f.url)
	if err != nil {
		return nil, fmt.Errorf("gem feed request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("gem feed status %d", resp.StatusCode())
	}
	if !body.Success {
		return nil, fmt.Errorf("gem feed reported failure")
	}

	prices := make(map[string]float64)
	for id, p := range body.Products {
		if !strings.HasSuffix(id, "_GEM") {
			continue
		}
		if _, priced := qualityOf(id); !priced {
			continue
		}
		if p.QuickStatus.SellPrice > 0 {
			prices[id] = p.QuickStatus.SellPrice
		}
	}
	return prices, nil
}

func qualityOf(productID string) (Quality, bool) {
	for _, q := range pricedQualities {
		if strings.HasPrefix(productID, string(q)+"_") {
			return q, true
		}
	}
	return "", false
}
