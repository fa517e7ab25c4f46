package flipper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"skyflip/internal/config"
	"skyflip/internal/gems"
	"skyflip/internal/keygen"
	"skyflip/internal/model"
	"skyflip/internal/pkg/metrics"
)

var (
	// ErrDenied means the listing must never be compared against aggregates.
	ErrDenied = errors.New("listing is denylisted")
	// ErrInvalidPrice means the listing has no usable price.
	ErrInvalidPrice = errors.New("listing has no usable price")
)

const (
	skipDenied       = "denied"
	skipNoAggregate  = "no_aggregate"
	skipInvalidPrice = "invalid_price"
	skipMalformed    = "malformed"
	skipError        = "error"

	flushTimeout      = 30 * time.Second
	maxBreakdownBytes = 1024
)

// ComponentValuer prices the socketed gems of a listing.
type ComponentValuer interface {
	GemValue(ctx context.Context, l *model.Listing) (int64, string)
}

// Publisher pushes opportunities to the broadcast collaborator.
type Publisher interface {
	PublishStandard(ctx context.Context, cycleID string, opps []model.FlipOpportunity) error
	PublishEnding(ctx context.Context, cycleID string, opp *model.FlipOpportunity) error
}

// Deps are the collaborators shared by all detectors of a process.
type Deps struct {
	DB        *gorm.DB
	Keys      *keygen.Canonicalizer
	Valuer    ComponentValuer // nil values every listing's gems at zero
	Store     *OpportunityStore
	Cache     *OpportunityCache // optional
	Publisher Publisher         // optional
	Log       *slog.Logger
}

// Detector runs detection cycles for one variant.
type Detector struct {
	variant   model.FlipVariant
	cfg       config.DetectorConfig
	db        *gorm.DB
	keys      *keygen.Canonicalizer
	valuer    ComponentValuer
	scorer    *Scorer
	lookup    *aggregateLookup
	store     *OpportunityStore
	cache     *OpportunityCache
	publisher Publisher
	log       *slog.Logger
	now       func() time.Time
}

// NewDetector creates a detector for variant.
func NewDetector(variant model.FlipVariant, cfg config.DetectorConfig, deps Deps) *Detector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	store := deps.Store
	if store == nil {
		store = NewOpportunityStore(deps.DB, 100)
	}
	return &Detector{
		variant:   variant,
		cfg:       cfg,
		db:        deps.DB,
		keys:      deps.Keys,
		valuer:    deps.Valuer,
		scorer:    NewScorer(cfg),
		lookup:    &aggregateLookup{db: deps.DB, cfg: cfg},
		store:     store,
		cache:     deps.Cache,
		publisher: deps.Publisher,
		log:       log.With(slog.String("component", "detector"), slog.String("variant", string(variant))),
		now:       time.Now,
	}
}

// Variant returns the detector's variant.
func (d *Detector) Variant() model.FlipVariant {
	return d.variant
}

// Scorer exposes the detector's pricing arithmetic.
func (d *Detector) Scorer() *Scorer {
	return d.scorer
}

// Appraisal explains how a listing was priced.
type Appraisal struct {
	Key           string           `json:"key"`
	BaseKey       string           `json:"base_key"`
	PricedByBase  bool             `json:"priced_by_base"`
	Resolution    model.Resolution `json:"resolution"`
	Volume        int              `json:"volume"`
	Median        float64          `json:"median"`
	Halved        bool             `json:"halved"`
	GemValue      int64            `json:"gem_value"`
	GemBreakdown  string           `json:"gem_breakdown,omitempty"`
	Hits          int              `json:"hits"`
	FairPrice     float64          `json:"fair_price"`
	ExpectedPrice int64            `json:"expected_price"`
	Margin        float64          `json:"margin"`
	Threshold     float64          `json:"threshold"`
	Breakdown     string           `json:"breakdown"`
}

// Profitable reports whether the appraisal clears its threshold.
func (a *Appraisal) Profitable() bool {
	return a.Margin >= a.Threshold
}

// CycleResult summarizes one detection cycle.
type CycleResult struct {
	CycleID         string                  `json:"cycle_id"`
	Variant         model.FlipVariant       `json:"variant"`
	StartedAt       time.Time               `json:"started_at"`
	Candidates      int                     `json:"candidates"`
	Emitted         int                     `json:"emitted"`
	Skipped         map[string]int          `json:"skipped,omitempty"`
	CountersWritten int                     `json:"counters_written"`
	Canceled        bool                    `json:"canceled"`
	Duration        time.Duration           `json:"duration"`
	Opportunities   []model.FlipOpportunity `json:"-"`
}

type candidate struct {
	listing *model.Listing
	key     string
	baseKey string
}

// Appraise prices a single listing against current aggregates and exposure
// without recording a hit.
func (d *Detector) Appraise(ctx context.Context, l *model.Listing) (*Appraisal, error) {
	now := d.now().UTC()
	c := d.candidate(l)
	exp, err := loadExposure(ctx, d.db, now.Add(-d.cfg.DecayHorizon), c.key)
	if err != nil {
		return nil, err
	}
	aggs, err := d.lookup.load(ctx, []string{c.key, c.baseKey}, now)
	if err != nil {
		return nil, err
	}
	return d.appraise(ctx, c, aggs, exp)
}

// RunCycle scores every candidate listing once. On cancellation scoring
// stops and the opportunities found so far are still flushed; the returned
// error is then the context's.
func (d *Detector) RunCycle(ctx context.Context) (*CycleResult, error) {
	began := time.Now()
	now := d.now().UTC().Truncate(time.Second)
	result := &CycleResult{
		CycleID:   uuid.NewString(),
		Variant:   d.variant,
		StartedAt: now,
		Skipped:   make(map[string]int),
	}

	exp, err := loadExposure(ctx, d.db, now.Add(-d.cfg.DecayHorizon))
	if err != nil {
		if ctx.Err() != nil {
			result.Canceled = true
			d.finish(result, began, "canceled")
			return result, ctx.Err()
		}
		d.finish(result, began, "failed")
		return result, err
	}

	var opps []model.FlipOpportunity
	var lastID uint64
scoring:
	for ctx.Err() == nil {
		batch, err := d.loadCandidates(ctx, now, lastID)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.finish(result, began, "failed")
			return result, err
		}
		if len(batch) == 0 {
			break
		}
		lastID = batch[len(batch)-1].ID

		cands := make([]candidate, len(batch))
		keys := make([]string, 0, 2*len(batch))
		for i := range batch {
			cands[i] = d.candidate(&batch[i])
			keys = append(keys, cands[i].key, cands[i].baseKey)
		}
		aggs, err := d.lookup.load(ctx, keys, now)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.finish(result, began, "failed")
			return result, err
		}

		for _, c := range cands {
			if ctx.Err() != nil {
				break scoring
			}
			result.Candidates++
			opp, key, reason := d.evaluate(ctx, c, aggs, exp, now)
			if reason != "" {
				result.Skipped[reason]++
				metrics.CandidatesSkippedTotal.WithLabelValues(string(d.variant), reason).Inc()
				continue
			}
			if opp != nil {
				opps = append(opps, *opp)
				exp.hit(key, now)
			}
		}

		if len(batch) < d.cfg.BatchSize {
			break
		}
	}

	result.Canceled = ctx.Err() != nil
	result.Opportunities = opps
	result.Emitted = len(opps)

	// Nothing was scored: keep the previous set.
	if result.Canceled && result.Candidates == 0 {
		d.finish(result, began, "canceled")
		return result, ctx.Err()
	}

	// Flush on a detached context so a canceled cycle never leaves a stale set.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := d.flush(flushCtx, result, exp, opps); err != nil {
		d.finish(result, began, "failed")
		return result, err
	}

	if result.Canceled {
		d.finish(result, began, "canceled")
		return result, ctx.Err()
	}
	d.finish(result, began, "ok")
	return result, nil
}

func (d *Detector) candidate(l *model.Listing) candidate {
	return candidate{listing: l, key: d.keys.Key(l), baseKey: d.keys.BaseKey(l)}
}

// loadCandidates returns the next batch of live listings after afterID.
func (d *Detector) loadCandidates(ctx context.Context, now time.Time, afterID uint64) ([]model.Listing, error) {
	query := d.db.WithContext(ctx).
		Where("status = ? AND end_at > ? AND id > ?", model.ListingStatusActive, now, afterID)
	switch d.variant {
	case model.FlipVariantEnding:
		query = query.Where("bin = ? AND end_at <= ?", false, now.Add(d.cfg.EndingWindow))
	default:
		if d.cfg.BinOnly {
			query = query.Where("bin = ?", true)
		}
	}

	var rows []model.Listing
	if err := query.Order("id ASC").Limit(d.cfg.BatchSize).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}
	return rows, nil
}

// evaluate returns an opportunity, nothing, or a skip reason. A panic on
// malformed data only skips the candidate.
func (d *Detector) evaluate(ctx context.Context, c candidate, aggs aggregateSet, exp *exposure, now time.Time) (opp *model.FlipOpportunity, key, reason string) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Debug("candidate panicked", slog.String("uuid", c.listing.UUID), slog.Any("panic", r))
			opp, key, reason = nil, "", skipMalformed
		}
	}()

	a, err := d.appraise(ctx, c, aggs, exp)
	if err != nil {
		reason = skipError
		switch {
		case errors.Is(err, ErrDenied):
			reason = skipDenied
		case errors.Is(err, ErrNoAggregate):
			reason = skipNoAggregate
		case errors.Is(err, ErrInvalidPrice):
			reason = skipInvalidPrice
		}
		d.log.Debug("candidate skipped", slog.String("uuid", c.listing.UUID), slog.String("reason", reason))
		return nil, "", reason
	}
	if !a.Profitable() {
		return nil, "", ""
	}
	return d.opportunity(c.listing, a, now), a.Key, ""
}

func (d *Detector) appraise(ctx context.Context, c candidate, aggs aggregateSet, exp *exposure) (*Appraisal, error) {
	l := c.listing
	if d.keys.Tables().Denied(l) {
		return nil, ErrDenied
	}

	a := &Appraisal{Key: c.key, BaseKey: c.baseKey}
	agg, err := aggs.best(c.key)
	if err != nil && c.baseKey != c.key {
		agg, err = aggs.best(c.baseKey)
		a.PricedByBase = err == nil
	}
	if err != nil {
		return nil, err
	}

	a.ExpectedPrice = d.scorer.ExpectedPrice(d.variant, l)
	if a.ExpectedPrice <= 0 {
		return nil, ErrInvalidPrice
	}

	if d.valuer != nil {
		a.GemValue, a.GemBreakdown = d.valuer.GemValue(ctx, l)
	}
	a.Resolution = agg.Resolution
	a.Volume = agg.Volume
	a.Hits = exp.hits(c.key)
	a.Median, a.Halved = d.scorer.BaseMedian(agg)
	a.FairPrice = d.scorer.FairPrice(a.Median, a.GemValue, a.Hits, l.Count)
	a.Margin = d.scorer.Margin(a.FairPrice, a.ExpectedPrice)
	a.Threshold = d.scorer.Threshold(d.variant, a.FairPrice)
	a.Breakdown = d.breakdown(a, agg, l)
	return a, nil
}

func (d *Detector) breakdown(a *Appraisal, agg *model.PriceAggregate, l *model.Listing) string {
	parts := []string{fmt.Sprintf("median %s (%s, %d sales)", gems.FormatCoins(int64(math.Round(agg.Median))), agg.Resolution, agg.Volume)}
	if a.Halved {
		parts = append(parts, fmt.Sprintf("halved: %d of %d buy-now", agg.BinCount, agg.Volume))
	}
	if a.PricedByBase {
		parts = append(parts, "priced without gems")
	}
	if a.GemValue > 0 {
		parts = append(parts, "gems "+gems.FormatCoins(a.GemValue)+": "+a.GemBreakdown)
	}
	if a.Hits > 0 {
		parts = append(parts, fmt.Sprintf("decay /%.2f (%d hits)", d.scorer.Decay(a.Hits), a.Hits))
	}
	if l.Count > 1 {
		parts = append(parts, fmt.Sprintf("stack of %d x%.2f", l.Count, d.cfg.StackPenalty))
	}
	out := strings.Join(parts, "; ")
	if len(out) > maxBreakdownBytes {
		out = out[:maxBreakdownBytes]
	}
	return out
}

func (d *Detector) opportunity(l *model.Listing, a *Appraisal, now time.Time) *model.FlipOpportunity {
	fair := int64(math.Round(a.FairPrice))
	return &model.FlipOpportunity{
		Variant:       d.variant,
		ListingUUID:   l.UUID,
		Tag:           l.Tag,
		ItemName:      l.ItemName,
		ListingPrice:  a.ExpectedPrice,
		FairPrice:     fair,
		Profit:        fair - a.ExpectedPrice,
		ProfitPercent: math.Round(a.Margin*10000) / 100,
		Resolution:    a.Resolution,
		Volume:        a.Volume,
		Breakdown:     a.Breakdown,
		End:           l.End.UTC(),
		KeyHash:       model.HashKey(a.Key),
		CreatedAt:     now,
	}
}

// flush persists counters, then replaces or broadcasts the opportunity set.
// Broadcast failures are logged and do not fail the cycle.
func (d *Detector) flush(ctx context.Context, result *CycleResult, exp *exposure, opps []model.FlipOpportunity) error {
	var errs []error

	written, err := exp.flush(ctx, d.db)
	if err != nil {
		errs = append(errs, err)
	}
	result.CountersWritten = written

	switch d.variant {
	case model.FlipVariantEnding:
		if d.publisher != nil {
			for i := range opps {
				if err := d.publisher.PublishEnding(ctx, result.CycleID, &opps[i]); err != nil {
					d.log.Warn("publish ending flip failed",
						slog.String("uuid", opps[i].ListingUUID),
						slog.String("error", err.Error()))
				}
			}
		}
	default:
		if err := d.store.Replace(ctx, d.variant, opps); err != nil {
			errs = append(errs, err)
			break
		}
		if err := d.cache.Invalidate(ctx, d.variant); err != nil {
			d.log.Warn("invalidate opportunity cache failed", slog.String("error", err.Error()))
		}
		if d.publisher != nil {
			if err := d.publisher.PublishStandard(ctx, result.CycleID, opps); err != nil {
				d.log.Warn("publish flips failed", slog.String("error", err.Error()))
			}
		}
	}
	return errors.Join(errs...)
}

func (d *Detector) finish(result *CycleResult, began time.Time, status string) {
	result.Duration = time.Since(began)
	metrics.DetectionCyclesTotal.WithLabelValues(string(d.variant), status).Inc()
	metrics.DetectionCycleDuration.WithLabelValues(string(d.variant)).Observe(result.Duration.Seconds())
	if status != "failed" {
		metrics.OpportunitiesEmittedTotal.WithLabelValues(string(d.variant)).Add(float64(result.Emitted))
		metrics.OpportunitiesCurrent.WithLabelValues(string(d.variant)).Set(float64(result.Emitted))
	}

	attrs := []any{
		slog.String("cycle_id", result.CycleID),
		slog.Int("candidates", result.Candidates),
		slog.Int("emitted", result.Emitted),
		slog.Int("counters", result.CountersWritten),
		slog.Duration("duration", result.Duration),
	}
	switch status {
	case "ok":
		d.log.Debug("detection cycle finished", attrs...)
	case "canceled":
		d.log.Info("detection cycle canceled, partial set flushed", attrs...)
	}
}
