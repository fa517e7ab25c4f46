// Package flipper scores live listings against historical aggregates and
// emits flip opportunities.
package flipper

import (
	"math"

	"skyflip/internal/config"
	"skyflip/internal/model"
)

// Scorer holds the pure pricing arithmetic of a detection cycle.
type Scorer struct {
	cfg config.DetectorConfig
}

// NewScorer returns a scorer for cfg.
func NewScorer(cfg config.DetectorConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// BaseMedian returns the aggregate median, halved when buy-now sales make up
// less than half of the sample.
func (s *Scorer) BaseMedian(agg *model.PriceAggregate) (median float64, halved bool) {
	if agg.BinCount*2 < agg.Volume {
		return agg.Median / 2, true
	}
	return agg.Median, false
}

// Decay is the divisor for a key that already produced hits opportunities.
// It never decreases as hits grow and is flat beyond the cap.
func (s *Scorer) Decay(hits int) float64 {
	if hits <= 0 || s.cfg.DecayFactor <= 1 {
		return 1
	}
	if s.cfg.HitCap > 0 && hits > s.cfg.HitCap {
		hits = s.cfg.HitCap
	}
	return math.Pow(s.cfg.DecayFactor, float64(hits))
}

// FairPrice combines a netted median with the listing's gem value, then
// applies exposure decay and the stack penalty for multi-count listings.
func (s *Scorer) FairPrice(median float64, gemValue int64, hits, count int) float64 {
	fair := (median + float64(gemValue)) / s.Decay(hits)
	if count > 1 && s.cfg.StackPenalty > 0 {
		fair *= s.cfg.StackPenalty
	}
	return fair
}

// Margin is (fair - price) / fair. A non-positive fair price yields -1.
func (s *Scorer) Margin(fair float64, price int64) float64 {
	if fair <= 0 {
		return -1
	}
	return (fair - float64(price)) / fair
}

// Threshold is the minimum margin for variant, stricter for low-value items.
func (s *Scorer) Threshold(variant model.FlipVariant, fair float64) float64 {
	threshold := s.cfg.MinMargin
	if variant == model.FlipVariantEnding {
		threshold = s.cfg.EndingMinMargin
	}
	if fair < float64(s.cfg.LowValueThreshold) {
		threshold += s.cfg.LowValueExtraMargin
	}
	return threshold
}

// ExpectedPrice is what a buyer would pay. Ending auctions expect the
// highest bid to be outbid by the competition factor; without bids the
// starting bid is used.
func (s *Scorer) ExpectedPrice(variant model.FlipVariant, l *model.Listing) int64 {
	if variant != model.FlipVariantEnding || l.Bin {
		return l.Price()
	}
	if l.HighestBid > 0 {
		return int64(math.Round(float64(l.HighestBid) * s.cfg.CompetitionFactor))
	}
	return l.StartingBid
}
