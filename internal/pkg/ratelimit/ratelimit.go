// Package ratelimit 提供基于 Redis 的分布式令牌桶，多个引擎副本共享同一配额。
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrRedisClientNil = errors.New("redis client is nil")
	ErrWaitTimeout    = errors.New("rate limit wait timeout")
)

// KEYS[1] bucket; ARGV: rate (token/s), burst, now (ms), requested
const tokenBucketLua = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1]) or burst
local ts = tonumber(data[2]) or now

local delta = math.max(0, now - ts)
tokens = math.min(burst, tokens + (delta * rate) / 1000.0)

local allowed = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "ts", now)
redis.call("PEXPIRE", key, math.ceil((burst / rate) * 1000.0 * 2))
return allowed
`

// Bucket 一个命名令牌桶
type Bucket struct {
	rdb    redis.UniversalClient
	script *redis.Script
	key    string
	rate   int
	burst  int
	poll   time.Duration
}

// NewBucket 创建令牌桶；rate 或 burst 非正时不限流
func NewBucket(rdb redis.UniversalClient, key string, rate, burst int) *Bucket {
	return &Bucket{
		rdb:    rdb,
		script: redis.NewScript(tokenBucketLua),
		key:    key,
		rate:   rate,
		burst:  burst,
		poll:   50 * time.Millisecond,
	}
}

// Allow 尝试取一个令牌
func (b *Bucket) Allow(ctx context.Context) (bool, error) {
	if b == nil || b.rdb == nil {
		return false, ErrRedisClientNil
	}
	if b.key == "" {
		return false, fmt.Errorf("rate limit key is empty")
	}
	if b.rate <= 0 || b.burst <= 0 {
		return true, nil
	}

	res, err := b.script.Run(ctx, b.rdb, []string{b.key}, b.rate, b.burst, time.Now().UnixMilli(), 1).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit eval: %w", err)
	}
	allowed, ok := toInt64(res)
	if !ok {
		return false, fmt.Errorf("ratelimit invalid result %v", res)
	}
	return allowed == 1, nil
}

// Wait 轮询直到取到令牌，超过 maxWait 返回 ErrWaitTimeout
func (b *Bucket) Wait(ctx context.Context, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	for {
		ok, err := b.Allow(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrWaitTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.poll):
		}
	}
}

func toInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case string:
		parsed, err := strconv.ParseInt(t, 10, 64)
		return parsed, err == nil
	}
	return 0, false
}
