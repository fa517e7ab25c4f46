package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"skyflip/internal/model"
)

const (
	// DefaultQueue 默认接入队列名
	DefaultQueue = "skyflip:queue:listings"

	// DefaultMaxRetries 默认最大重试次数
	DefaultMaxRetries = 3
)

var (
	ErrNoEvent  = errors.New("no event available")
	ErrNilEvent = errors.New("event is nil")
)

// Keys 一个队列使用的 Redis key
type Keys struct {
	Queue      string // 待处理
	Processing string // 处理中
	Started    string // 开始处理时间 (event_id -> unix timestamp)
	DeadLetter string // 死信队列 (超过最大重试次数)
}

// KeysFor 根据队列名派生 key
func KeysFor(name string) Keys {
	if name == "" {
		name = DefaultQueue
	}
	return Keys{
		Queue:      name,
		Processing: name + ":processing",
		Started:    name + ":started",
		DeadLetter: name + ":dead",
	}
}

// Client wraps Redis List operations for the listing event queue.
type Client struct {
	rdb        redis.UniversalClient
	keys       Keys
	maxRetries int
}

// NewClient creates a queue client from an existing redis client.
func NewClient(rdb redis.UniversalClient, name string) (*Client, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	return &Client{rdb: rdb, keys: KeysFor(name), maxRetries: DefaultMaxRetries}, nil
}

// Keys 返回队列使用的 key
func (c *Client) Keys() Keys {
	return c.keys
}

// Delivery 一条已弹出、尚未确认的事件
// Raw 保留原始载荷，确认时按原文从 processing 队列移除
type Delivery struct {
	Event *model.ListingEvent
	Raw   string
}

// Push serializes an event and pushes it into the queue.
// 未设置 ID 时分配 UUID。
func (c *Client) Push(ctx context.Context, ev *model.ListingEvent) error {
	if ev == nil {
		return ErrNilEvent
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := c.rdb.LPush(ctx, c.keys.Queue, data).Err(); err != nil {
		return fmt.Errorf("lpush event: %w", err)
	}
	return nil
}

// Pop blocks until an event is available or timeout is reached.
// 使用 BRPopLPush 实现可靠消费，事件先移到 processing 队列，
// 同时记录开始处理时间供 RescueStuck 判断超时。
// 无法解析的载荷直接移入死信队列并返回错误。
func (c *Client) Pop(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	if c == nil || c.rdb == nil {
		return nil, errors.New("redis client is not initialized")
	}
	raw, err := c.rdb.BRPopLPush(ctx, c.keys.Queue, c.keys.Processing, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoEvent
	}
	if err != nil {
		return nil, fmt.Errorf("brpoplpush event: %w", err)
	}

	var ev model.ListingEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		if dlqErr := deadLetterScript.Run(ctx, c.rdb,
			[]string{c.keys.Processing, c.keys.DeadLetter}, raw).Err(); dlqErr != nil {
			return nil, fmt.Errorf("unmarshal event: %w (dead letter: %v)", err, dlqErr)
		}
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}

	if ev.ID != "" {
		c.rdb.HSet(ctx, c.keys.Started, ev.ID, time.Now().Unix())
	}
	return &Delivery{Event: &ev, Raw: raw}, nil
}

// deadLetterScript 将 processing 中的原文移入死信队列
// KEYS[1] = processing queue, KEYS[2] = dead letter queue
// ARGV[1] = raw payload
var deadLetterScript = redis.NewScript(`
	local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
	if removed > 0 then
		redis.call('LPUSH', KEYS[2], ARGV[1])
	end
	return removed
`)

// ackScript 原子性地从 processing 队列删除事件并清理开始时间
// KEYS[1] = processing queue, KEYS[2] = started hash
// ARGV[1] = raw payload, ARGV[2] = event id
// 返回: 删除的事件数量
var ackScript = redis.NewScript(`
	local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
	if ARGV[2] ~= '' then
		redis.call('HDEL', KEYS[2], ARGV[2])
	end
	return removed
`)

// Ack removes a processed event from the processing queue.
func (c *Client) Ack(ctx context.Context, d *Delivery) error {
	if d == nil || d.Event == nil {
		return ErrNilEvent
	}
	if c == nil || c.rdb == nil {
		return errors.New("redis client is not initialized")
	}
	if err := ackScript.Run(ctx, c.rdb,
		[]string{c.keys.Processing, c.keys.Started},
		d.Raw, d.Event.ID,
	).Err(); err != nil {
		return fmt.Errorf("ack event script: %w", err)
	}
	return nil
}

// rescueScript 原子性地重新入队或移入死信
// 只有 LREM 成功移除时才 LPUSH，防止多个消费者重复添加
// KEYS[1] = processing queue, KEYS[2] = queue, KEYS[3] = started hash, KEYS[4] = dead letter queue
// ARGV[1] = old payload, ARGV[2] = event id, ARGV[3] = new payload, ARGV[4] = is_dead (1=dead, 0=retry)
// 返回: 1 = 成功, 0 = 事件已不在 processing 队列
var rescueScript = redis.NewScript(`
	local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
	if removed > 0 then
		if ARGV[4] == "1" then
			redis.call('LPUSH', KEYS[4], ARGV[3])
		else
			redis.call('LPUSH', KEYS[2], ARGV[3])
		end
		redis.call('HDEL', KEYS[3], ARGV[2])
		return 1
	end
	return 0
`)

// RescueResult rescue 操作结果
type RescueResult struct {
	Rescued    int // 重新入队数量
	DeadLetter int // 移入死信队列数量
}

// RescueStuck requeues events that stayed in the processing queue longer
// than timeout. 超过最大重试次数的事件移入死信队列。
func (c *Client) RescueStuck(ctx context.Context, timeout time.Duration) (RescueResult, error) {
	result := RescueResult{}
	if c == nil || c.rdb == nil {
		return result, errors.New("redis client is not initialized")
	}

	startedTimes, err := c.rdb.HGetAll(ctx, c.keys.Started).Result()
	if err != nil {
		return result, fmt.Errorf("hgetall started: %w", err)
	}
	if len(startedTimes) == 0 {
		return result, nil
	}

	rawEvents, err := c.rdb.LRange(ctx, c.keys.Processing, 0, -1).Result()
	if err != nil {
		return result, fmt.Errorf("lrange processing: %w", err)
	}

	now := time.Now().Unix()
	threshold := int64(timeout.Seconds())
	inFlight := make(map[string]struct{}, len(rawEvents))

	for _, raw := range rawEvents {
		var ev model.ListingEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil || ev.ID == "" {
			continue
		}
		inFlight[ev.ID] = struct{}{}

		startedStr, ok := startedTimes[ev.ID]
		if !ok {
			continue
		}
		started, err := strconv.ParseInt(startedStr, 10, 64)
		if err != nil || now-started <= threshold {
			continue
		}

		ev.RetryCount++
		isDead := ev.RetryCount > c.maxRetries
		newData, err := json.Marshal(&ev)
		if err != nil {
			continue
		}
		isDeadStr := "0"
		if isDead {
			isDeadStr = "1"
		}

		res, err := rescueScript.Run(ctx, c.rdb,
			[]string{c.keys.Processing, c.keys.Queue, c.keys.Started, c.keys.DeadLetter},
			raw, ev.ID, string(newData), isDeadStr,
		).Int()
		if err != nil {
			return result, fmt.Errorf("rescue script: %w", err)
		}
		if res == 1 {
			if isDead {
				result.DeadLetter++
			} else {
				result.Rescued++
			}
		}
	}

	// 清理已不在 processing 队列中的开始时间记录
	for id := range startedTimes {
		if _, ok := inFlight[id]; !ok {
			c.rdb.HDel(ctx, c.keys.Started, id)
		}
	}
	return result, nil
}

// RecoverOrphaned moves everything left in the processing queue back to
// the queue. 用于服务启动时的一次性恢复，不递增重试次数。
func (c *Client) RecoverOrphaned(ctx context.Context) (int, error) {
	if c == nil || c.rdb == nil {
		return 0, errors.New("redis client is not initialized")
	}
	recovered := 0
	for {
		_, err := c.rdb.RPopLPush(ctx, c.keys.Processing, c.keys.Queue).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return recovered, fmt.Errorf("rpoplpush: %w", err)
		}
		recovered++
	}
	if recovered > 0 {
		c.rdb.Del(ctx, c.keys.Started)
	}
	return recovered, nil
}

// Stats 队列统计信息
type Stats struct {
	Pending    int64 `json:"pending"`     // 待处理事件数
	Processing int64 `json:"processing"`  // 处理中事件数
	DeadLetter int64 `json:"dead_letter"` // 死信事件数
}

// Depth 获取队列统计信息
func (c *Client) Depth(ctx context.Context) (*Stats, error) {
	if c == nil || c.rdb == nil {
		return nil, errors.New("redis client is not initialized")
	}
	pipe := c.rdb.Pipeline()
	pending := pipe.LLen(ctx, c.keys.Queue)
	processing := pipe.LLen(ctx, c.keys.Processing)
	dead := pipe.LLen(ctx, c.keys.DeadLetter)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	return &Stats{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		DeadLetter: dead.Val(),
	}, nil
}
