// Package ingest applies listing events from the ingest queue to the
// listings table.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"skyflip/internal/config"
	"skyflip/internal/model"
	"skyflip/internal/pkg/metrics"
	"skyflip/internal/pkg/redisqueue"
)

const (
	janitorInterval = time.Minute
	stuckTimeout    = 2 * time.Minute
	processTimeout  = 30 * time.Second
)

// Queue is the subset of the reliable queue the ingester consumes.
type Queue interface {
	Pop(ctx context.Context, timeout time.Duration) (*redisqueue.Delivery, error)
	Ack(ctx context.Context, d *redisqueue.Delivery) error
	RescueStuck(ctx context.Context, timeout time.Duration) (redisqueue.RescueResult, error)
	RecoverOrphaned(ctx context.Context) (int, error)
	Depth(ctx context.Context) (*redisqueue.Stats, error)
}

// Stats are running totals for the status endpoint.
type Stats struct {
	Processed     int64     `json:"processed"`
	Invalid       int64     `json:"invalid"`
	Ignored       int64     `json:"ignored"`
	Failed        int64     `json:"failed"`
	LastProcessed time.Time `json:"last_processed,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
}

// Ingester runs a pool of workers that pop listing events and apply them.
// A failed event is left unacked and retried by the janitor; an invalid one
// is acked and dropped.
type Ingester struct {
	db    *gorm.DB
	queue Queue
	cfg   config.IngestConfig
	log   *slog.Logger

	mu      sync.RWMutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool

	statsMu sync.RWMutex
	stats   Stats
}

// New creates an ingester.
func New(db *gorm.DB, queue Queue, cfg config.IngestConfig, log *slog.Logger) *Ingester {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ingester{
		db:     db,
		queue:  queue,
		cfg:    cfg,
		log:    log.With(slog.String("component", "ingest")),
		stopCh: make(chan struct{}),
	}
}

// Start launches the workers and the janitor. Events left in processing by
// a previous run are requeued first.
func (i *Ingester) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return errors.New("ingester already running")
	}
	i.running = true
	i.stopCh = make(chan struct{})
	i.mu.Unlock()

	if recovered, err := i.queue.RecoverOrphaned(ctx); err != nil {
		i.log.Warn("failed to recover orphaned events", slog.String("error", err.Error()))
	} else if recovered > 0 {
		i.log.Info("recovered orphaned events on startup", slog.Int("count", recovered))
	}

	for n := 0; n < i.cfg.Workers; n++ {
		i.wg.Add(1)
		go i.worker(ctx)
	}
	i.wg.Add(1)
	go i.janitor(ctx)

	i.log.Info("ingester started", slog.Int("workers", i.cfg.Workers), slog.String("queue", i.cfg.Queue))
	return nil
}

// Stop signals the workers and waits for in-flight events to finish.
func (i *Ingester) Stop() {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	i.running = false
	close(i.stopCh)
	i.mu.Unlock()

	i.wg.Wait()
	i.log.Info("ingester stopped")
}

// IsRunning reports whether workers are active.
func (i *Ingester) IsRunning() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.running
}

// Stats returns a copy of the running totals.
func (i *Ingester) Stats() Stats {
	i.statsMu.RLock()
	defer i.statsMu.RUnlock()
	return i.stats
}

func (i *Ingester) worker(ctx context.Context) {
	defer i.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stopCh:
			return
		default:
			i.processOne(ctx)
		}
	}
}

func (i *Ingester) janitor(ctx context.Context) {
	defer i.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stopCh:
			return
		case <-ticker.C:
			i.sweep(ctx)
		}
	}
}

// sweep requeues stuck events and refreshes the depth gauges.
func (i *Ingester) sweep(ctx context.Context) {
	res, err := i.queue.RescueStuck(ctx, stuckTimeout)
	if err != nil {
		i.log.Warn("rescue stuck events failed", slog.String("error", err.Error()))
	} else if res.Rescued > 0 || res.DeadLetter > 0 {
		i.log.Info("rescued stuck events",
			slog.Int("rescued", res.Rescued),
			slog.Int("dead_letter", res.DeadLetter))
	}

	stats, err := i.queue.Depth(ctx)
	if err != nil {
		return
	}
	metrics.IngestQueueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
	metrics.IngestQueueDepth.WithLabelValues("processing").Set(float64(stats.Processing))
	metrics.IngestQueueDepth.WithLabelValues("dead").Set(float64(stats.DeadLetter))
}

func (i *Ingester) processOne(ctx context.Context) {
	d, err := i.queue.Pop(ctx, i.cfg.PopTimeout)
	if err != nil {
		if errors.Is(err, redisqueue.ErrNoEvent) || ctx.Err() != nil {
			return
		}
		i.recordError(fmt.Sprintf("pop event: %v", err))
		// back off so a broken connection does not spin
		select {
		case <-ctx.Done():
		case <-i.stopCh:
		case <-time.After(time.Second):
		}
		return
	}

	// finish the event even if shutdown starts mid-way
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), processTimeout)
	defer cancel()

	ev := d.Event
	status := "ok"
	applied, err := i.Apply(pctx, ev)
	switch {
	case errors.Is(err, model.ErrInvalidEvent):
		status = "invalid"
		i.log.Warn("dropping invalid listing event",
			slog.String("event_id", ev.ID),
			slog.String("error", err.Error()))
	case err != nil:
		metrics.IngestEventsTotal.WithLabelValues(string(ev.Type), "failed").Inc()
		i.recordError(fmt.Sprintf("apply %s %s: %v", ev.Type, ev.ListingUUID(), err))
		i.log.Warn("failed to apply listing event",
			slog.String("event_id", ev.ID),
			slog.String("type", string(ev.Type)),
			slog.String("uuid", ev.ListingUUID()),
			slog.String("error", err.Error()))
		return
	case !applied:
		status = "ignored"
	}

	if err := i.queue.Ack(pctx, d); err != nil {
		i.recordError(fmt.Sprintf("ack event %s: %v", ev.ID, err))
	}
	metrics.IngestEventsTotal.WithLabelValues(string(ev.Type), status).Inc()

	i.statsMu.Lock()
	switch status {
	case "invalid":
		i.stats.Invalid++
	case "ignored":
		i.stats.Ignored++
	default:
		i.stats.Processed++
	}
	i.stats.LastProcessed = time.Now()
	i.statsMu.Unlock()
}

func (i *Ingester) recordError(msg string) {
	i.statsMu.Lock()
	defer i.statsMu.Unlock()
	i.stats.Failed++
	i.stats.LastError = msg
	i.stats.LastErrorTime = time.Now()
}

// Apply writes one event. applied is false when a transition found no
// active listing to move.
func (i *Ingester) Apply(ctx context.Context, ev *model.ListingEvent) (applied bool, err error) {
	if ev == nil {
		return false, fmt.Errorf("%w: nil event", model.ErrInvalidEvent)
	}
	if err := ev.Validate(); err != nil {
		return false, err
	}
	switch ev.Type {
	case model.ListingEventUpsert:
		return true, i.upsert(ctx, ev.Listing)
	case model.ListingEventSold:
		return i.sold(ctx, ev)
	default:
		return i.expire(ctx, ev)
	}
}

// upsert inserts a live listing or refreshes the fields an auction may
// change while it runs. Status is never moved back by an upsert.
func (i *Ingester) upsert(ctx context.Context, l *model.Listing) error {
	row := normalize(l)
	row.Status = model.ListingStatusActive
	row.SoldPrice = 0
	row.SoldAt = nil
	row.BuyerID = ""

	err := i.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "uuid"}},
		DoUpdates: clause.AssignmentColumns([]string{"highest_bid", "end_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert listing %s: %w", row.UUID, err)
	}
	return nil
}

// sold moves an active listing to sold. A sold event for a listing never
// seen before is inserted directly when it carries the listing.
func (i *Ingester) sold(ctx context.Context, ev *model.ListingEvent) (bool, error) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC().Truncate(time.Second)

	var probe model.Listing
	probe.MarkSold(ev.Price, ev.Buyer, at)
	res := i.db.WithContext(ctx).Model(&model.Listing{}).
		Where("uuid = ? AND status = ?", ev.ListingUUID(), model.ListingStatusActive).
		Updates(map[string]any{
			"status":     probe.Status,
			"sold_price": probe.SoldPrice,
			"buyer_id":   probe.BuyerID,
			"sold_at":    probe.SoldAt,
		})
	if res.Error != nil {
		return false, fmt.Errorf("mark listing %s sold: %w", ev.ListingUUID(), res.Error)
	}
	if res.RowsAffected > 0 || ev.Listing == nil {
		return res.RowsAffected > 0, nil
	}

	row := normalize(ev.Listing)
	row.MarkSold(ev.Price, ev.Buyer, at)
	res = i.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("insert sold listing %s: %w", row.UUID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (i *Ingester) expire(ctx context.Context, ev *model.ListingEvent) (bool, error) {
	res := i.db.WithContext(ctx).Model(&model.Listing{}).
		Where("uuid = ? AND status = ?", ev.ListingUUID(), model.ListingStatusActive).
		Update("status", model.ListingStatusExpired)
	if res.Error != nil {
		return false, fmt.Errorf("expire listing %s: %w", ev.ListingUUID(), res.Error)
	}
	return res.RowsAffected > 0, nil
}

// normalize copies l with storage-ready times and defaults.
func normalize(l *model.Listing) model.Listing {
	row := *l
	row.ID = 0
	row.CreatedAt = time.Time{}
	row.UpdatedAt = time.Time{}
	if row.Count <= 0 {
		row.Count = 1
	}
	row.Start = row.Start.UTC().Truncate(time.Second)
	row.End = row.End.UTC().Truncate(time.Second)
	if row.ItemCreatedAt != nil {
		t := row.ItemCreatedAt.UTC().Truncate(time.Second)
		row.ItemCreatedAt = &t
	}
	return row
}
