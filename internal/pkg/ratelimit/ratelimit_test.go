package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestBucket_AllowReducesTokens(t *testing.T) {
	rdb := newMiniRedis(t)

	bucket := NewBucket(rdb, "test:ratelimit:basic", 10, 2)
	allowed, err := bucket.Allow(context.Background())
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !allowed {
		t.Fatalf("expected allow to succeed")
	}

	tokensStr, err := rdb.HGet(context.Background(), "test:ratelimit:basic", "tokens").Result()
	if err != nil {
		t.Fatalf("hget tokens: %v", err)
	}
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		t.Fatalf("parse tokens: %v", err)
	}
	if tokens > 1.1 {
		t.Fatalf("expected tokens to decrease, got %.2f", tokens)
	}
}

func TestBucket_DeniedWhenEmpty(t *testing.T) {
	rdb := newMiniRedis(t)

	bucket := NewBucket(rdb, "test:ratelimit:block", 1, 1)
	if ok, err := bucket.Allow(context.Background()); err != nil || !ok {
		t.Fatalf("warm allow = %v, %v", ok, err)
	}
	if ok, err := bucket.Allow(context.Background()); err != nil || ok {
		t.Fatalf("expected denial when bucket is empty, got %v, %v", ok, err)
	}
}

func TestBucket_UnlimitedWhenRateZero(t *testing.T) {
	rdb := newMiniRedis(t)

	bucket := NewBucket(rdb, "test:ratelimit:off", 0, 0)
	for i := 0; i < 10; i++ {
		if ok, err := bucket.Allow(context.Background()); err != nil || !ok {
			t.Fatalf("allow %d = %v, %v", i, ok, err)
		}
	}
}

func TestBucket_NilClient(t *testing.T) {
	bucket := NewBucket(nil, "k", 1, 1)
	if _, err := bucket.Allow(context.Background()); !errors.Is(err, ErrRedisClientNil) {
		t.Fatalf("expected ErrRedisClientNil, got %v", err)
	}
}

func TestBucket_ContextCanceled(t *testing.T) {
	rdb := newMiniRedis(t)

	bucket := NewBucket(rdb, "test:ratelimit:canceled", 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := bucket.Allow(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBucket_WaitTimeout(t *testing.T) {
	rdb := newMiniRedis(t)

	bucket := NewBucket(rdb, "test:ratelimit:wait", 1, 1)
	bucket.poll = 5 * time.Millisecond
	if err := bucket.Wait(context.Background(), time.Second); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	// 20ms refills 0.02 tokens at 1 token/s
	start := time.Now()
	if err := bucket.Wait(context.Background(), 20*time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("wait exceeded its budget")
	}
}

func TestBucket_ConcurrentAllow(t *testing.T) {
	rdb := newMiniRedis(t)

	bucket := NewBucket(rdb, "test:ratelimit:concurrent", 1, 5)

	var wg sync.WaitGroup
	var mu sync.Mutex
	success := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, err := bucket.Allow(context.Background())
			mu.Lock()
			defer mu.Unlock()
			if err == nil && allowed {
				success++
			}
		}()
	}
	wg.Wait()

	if success > 6 {
		t.Fatalf("expected about 5 immediate successes, got %d", success)
	}
	if success == 0 {
		t.Fatalf("expected some successful allows")
	}
}

func newMiniRedis(t *testing.T) *redis.Client {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}
