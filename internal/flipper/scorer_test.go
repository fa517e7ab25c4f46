package flipper

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"skyflip/internal/config"
	"skyflip/internal/model"
)

func testScorer() *Scorer {
	return NewScorer(config.DefaultConfig().Detector)
}

func TestScorer_MarginScenario(t *testing.T) {
	s := testScorer()

	fair := s.FairPrice(1_200_000, 0, 0, 1)
	assert.InDelta(t, 1_200_000, fair, 0.001)

	margin := s.Margin(fair, 1_000_000)
	assert.InDelta(t, 0.1667, margin, 0.0001)
	assert.GreaterOrEqual(t, margin, s.Threshold(model.FlipVariantStandard, fair))
}

func TestScorer_CappedDecaySuppresses(t *testing.T) {
	s := testScorer()

	fair := s.FairPrice(1_200_000, 0, 20, 1)
	assert.InDelta(t, 2.6533, s.Decay(20), 0.0001)
	assert.InDelta(t, 452_267, fair, 1)
	assert.Less(t, s.Margin(fair, 1_000_000), 0.0)

	// the cap holds beyond 20 hits
	assert.Equal(t, fair, s.FairPrice(1_200_000, 0, 50, 1))
}

func TestScorer_DecayMonotonic(t *testing.T) {
	s := testScorer()
	hitCap := config.DefaultConfig().Detector.HitCap

	prev := s.FairPrice(1_000_000, 0, 0, 1)
	for hits := 1; hits <= hitCap+10; hits++ {
		fair := s.FairPrice(1_000_000, 0, hits, 1)
		if hits <= hitCap {
			assert.Less(t, fair, prev, "hits=%d", hits)
		} else {
			assert.Equal(t, prev, fair, "hits=%d", hits)
		}
		prev = fair
	}
}

func TestScorer_BaseMedian(t *testing.T) {
	s := testScorer()

	median, halved := s.BaseMedian(&model.PriceAggregate{Median: 1000, Volume: 10, BinCount: 4})
	assert.True(t, halved)
	assert.Equal(t, 500.0, median)

	median, halved = s.BaseMedian(&model.PriceAggregate{Median: 1000, Volume: 10, BinCount: 5})
	assert.False(t, halved)
	assert.Equal(t, 1000.0, median)
}

func TestScorer_FairPriceComponents(t *testing.T) {
	s := testScorer()

	assert.InDelta(t, 1_500_000, s.FairPrice(1_000_000, 500_000, 0, 1), 0.001)
	assert.InDelta(t, 950_000, s.FairPrice(1_000_000, 0, 0, 64), 0.001)
}

func TestScorer_Threshold(t *testing.T) {
	s := testScorer()

	assert.InDelta(t, 0.05, s.Threshold(model.FlipVariantStandard, 1_000_000), 1e-9)
	assert.InDelta(t, 0.10, s.Threshold(model.FlipVariantStandard, 400_000), 1e-9)
	assert.InDelta(t, 0.03, s.Threshold(model.FlipVariantEnding, 1_000_000), 1e-9)
	assert.InDelta(t, 0.08, s.Threshold(model.FlipVariantEnding, 100_000), 1e-9)
}

func TestScorer_Margin(t *testing.T) {
	s := testScorer()
	assert.Equal(t, -1.0, s.Margin(0, 100))
	assert.Equal(t, 0.0, s.Margin(100, 100))
}

func TestScorer_ExpectedPrice(t *testing.T) {
	s := testScorer()

	bin := &model.Listing{Bin: true, StartingBid: 800_000}
	assert.Equal(t, int64(800_000), s.ExpectedPrice(model.FlipVariantStandard, bin))

	auction := &model.Listing{StartingBid: 500_000, HighestBid: 1_000_000}
	assert.Equal(t, int64(1_100_000), s.ExpectedPrice(model.FlipVariantEnding, auction))
	assert.Equal(t, int64(1_000_000), s.ExpectedPrice(model.FlipVariantStandard, auction))

	noBids := &model.Listing{StartingBid: 500_000}
	assert.Equal(t, int64(500_000), s.ExpectedPrice(model.FlipVariantEnding, noBids))
}
