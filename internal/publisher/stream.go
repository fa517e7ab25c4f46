// Package publisher broadcasts flip opportunities on Redis Streams.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"skyflip/internal/config"
	"skyflip/internal/model"
	"skyflip/internal/pkg/metrics"
)

// StandardMessage is the payload of one standard cycle entry.
type StandardMessage struct {
	CycleID       string                  `json:"cycle_id"`
	PublishedAt   time.Time               `json:"published_at"`
	Count         int                     `json:"count"`
	Opportunities []model.FlipOpportunity `json:"opportunities"`
}

// StreamPublisher publishes opportunities to Redis Streams. Standard cycles
// go out as one entry holding the whole set; ending opportunities go out one
// entry each as soon as they are found.
type StreamPublisher struct {
	client redis.UniversalClient
	cfg    config.PublisherConfig
}

// NewStreamPublisher creates a new stream publisher
func NewStreamPublisher(client redis.UniversalClient, cfg config.PublisherConfig) *StreamPublisher {
	return &StreamPublisher{client: client, cfg: cfg}
}

// PublishStandard publishes the full standard set of one cycle, including an
// empty set so consumers can clear their view.
func (p *StreamPublisher) PublishStandard(ctx context.Context, cycleID string, opps []model.FlipOpportunity) error {
	if opps == nil {
		opps = []model.FlipOpportunity{}
	}
	payload, err := json.Marshal(StandardMessage{
		CycleID:       cycleID,
		PublishedAt:   time.Now().UTC(),
		Count:         len(opps),
		Opportunities: opps,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal opportunities: %w", err)
	}
	return p.add(ctx, p.cfg.StandardStream, map[string]any{
		"cycle_id":      cycleID,
		"opportunities": string(payload),
	})
}

// PublishEnding publishes a single ending-soon opportunity.
func (p *StreamPublisher) PublishEnding(ctx context.Context, cycleID string, opp *model.FlipOpportunity) error {
	payload, err := json.Marshal(opp)
	if err != nil {
		return fmt.Errorf("failed to marshal opportunity: %w", err)
	}
	return p.add(ctx, p.cfg.EndingStream, map[string]any{
		"cycle_id":    cycleID,
		"opportunity": string(payload),
	})
}

func (p *StreamPublisher) add(ctx context.Context, stream string, values map[string]any) error {
	_, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.cfg.MaxLen,
		Approx: p.cfg.MaxLen > 0,
		Values: values,
	}).Result()
	if err != nil {
		metrics.PublishedMessagesTotal.WithLabelValues(stream, "failed").Inc()
		return fmt.Errorf("failed to publish to stream %s: %w", stream, err)
	}
	metrics.PublishedMessagesTotal.WithLabelValues(stream, "ok").Inc()
	return nil
}
