package flipper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"skyflip/internal/config"
	"skyflip/internal/keygen"
	"skyflip/internal/model"
)

var (
	quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))
	testNow  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	tmpFile := fmt.Sprintf("%s/skyflip_flipper_%d.db", t.TempDir(), time.Now().UnixNano())
	t.Cleanup(func() { os.Remove(tmpFile) })

	db, err := gorm.Open(sqlite.Open(tmpFile), model.GormConfig("silent"))
	require.NoError(t, err)
	require.NoError(t, model.AutoMigrate(db))
	return db
}

// recordingPublisher keeps every published payload.
type recordingPublisher struct {
	mu       sync.Mutex
	standard [][]model.FlipOpportunity
	ending   []model.FlipOpportunity
}

func (p *recordingPublisher) PublishStandard(_ context.Context, _ string, opps []model.FlipOpportunity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.standard = append(p.standard, opps)
	return nil
}

func (p *recordingPublisher) PublishEnding(_ context.Context, _ string, opp *model.FlipOpportunity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ending = append(p.ending, *opp)
	return nil
}

// valuerFunc adapts a function to ComponentValuer.
type valuerFunc func(ctx context.Context, l *model.Listing) (int64, string)

func (f valuerFunc) GemValue(ctx context.Context, l *model.Listing) (int64, string) {
	return f(ctx, l)
}

type fixture struct {
	db        *gorm.DB
	keys      *keygen.Canonicalizer
	publisher *recordingPublisher
	cfg       config.DetectorConfig
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		db:        setupTestDB(t),
		keys:      keygen.New(keygen.DefaultTables()),
		publisher: &recordingPublisher{},
		cfg:       config.DefaultConfig().Detector,
	}
}

func (f *fixture) detector(variant model.FlipVariant, valuer ComponentValuer, cache *OpportunityCache) *Detector {
	d := NewDetector(variant, f.cfg, Deps{
		DB:        f.db,
		Keys:      f.keys,
		Valuer:    valuer,
		Store:     NewOpportunityStore(f.db, 100),
		Cache:     cache,
		Publisher: f.publisher,
		Log:       quietLog,
	})
	d.now = func() time.Time { return testNow }
	return d
}

var listingSeq int

func binListing(price int64) *model.Listing {
	listingSeq++
	return &model.Listing{
		UUID:        fmt.Sprintf("live-%04d", listingSeq),
		Tag:         "HYPERION",
		ItemName:    "Hyperion",
		Tier:        "LEGENDARY",
		Count:       1,
		StartingBid: price,
		Bin:         true,
		Start:       testNow.Add(-time.Hour),
		End:         testNow.Add(time.Hour),
		Status:      model.ListingStatusActive,
		SellerID:    "seller",
	}
}

func (f *fixture) insert(t *testing.T, listings ...*model.Listing) {
	t.Helper()
	require.NoError(t, f.db.Create(listings).Error)
}

func (f *fixture) aggregate(t *testing.T, key string, res model.Resolution, windowStart time.Time, median float64, volume, bins int) {
	t.Helper()
	row := model.PriceAggregate{
		KeyHash:     model.HashKey(key),
		Key:         key,
		Tag:         "HYPERION",
		WindowStart: windowStart,
		Resolution:  res,
		Min:         int64(median),
		Max:         int64(median),
		Mean:        median,
		Median:      median,
		Volume:      volume,
		BinCount:    bins,
	}
	require.NoError(t, f.db.Create(&row).Error)
}

func (f *fixture) storedOpportunities(t *testing.T, variant model.FlipVariant) []model.FlipOpportunity {
	t.Helper()
	var opps []model.FlipOpportunity
	require.NoError(t, f.db.Where("variant = ?", variant).Order("id").Find(&opps).Error)
	return opps
}

func (f *fixture) counter(t *testing.T, key string) model.ExposureCounter {
	t.Helper()
	var c model.ExposureCounter
	require.NoError(t, f.db.Where("key_hash = ?", model.HashKey(key)).First(&c).Error)
	return c
}

func TestRunCycle_EmitsStandardOpportunity(t *testing.T) {
	f := newFixture(t)
	l := binListing(1_000_000)
	f.insert(t, l)
	key := f.keys.Key(l)
	f.aggregate(t, key, model.ResolutionHourly, testNow.Add(-2*time.Hour), 1_200_000, 10, 10)

	result, err := f.detector(model.FlipVariantStandard, nil, nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Candidates)
	assert.Equal(t, 1, result.Emitted)
	assert.Equal(t, 1, result.CountersWritten)

	stored := f.storedOpportunities(t, model.FlipVariantStandard)
	require.Len(t, stored, 1)
	opp := stored[0]
	assert.Equal(t, l.UUID, opp.ListingUUID)
	assert.Equal(t, int64(1_000_000), opp.ListingPrice)
	assert.Equal(t, int64(1_200_000), opp.FairPrice)
	assert.Equal(t, int64(200_000), opp.Profit)
	assert.InDelta(t, 16.67, opp.ProfitPercent, 0.001)
	assert.Equal(t, model.ResolutionHourly, opp.Resolution)
	assert.Contains(t, opp.Breakdown, "median 1,200,000 (hourly, 10 sales)")
	assert.True(t, opp.End.Equal(l.End))

	c := f.counter(t, key)
	assert.Equal(t, 1, c.HitCount)
	assert.True(t, c.LastHitAt.Equal(testNow))

	require.Len(t, f.publisher.standard, 1)
	assert.Len(t, f.publisher.standard[0], 1)
}

func TestRunCycle_CappedExposureSuppresses(t *testing.T) {
	f := newFixture(t)
	l := binListing(1_000_000)
	f.insert(t, l)
	key := f.keys.Key(l)
	f.aggregate(t, key, model.ResolutionHourly, testNow.Add(-2*time.Hour), 1_200_000, 10, 10)
	require.NoError(t, f.db.Create(&model.ExposureCounter{
		KeyHash: model.HashKey(key), Key: key, HitCount: 20, LastHitAt: testNow.Add(-time.Hour),
	}).Error)

	d := f.detector(model.FlipVariantStandard, nil, nil)
	result, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Candidates)
	assert.Zero(t, result.Emitted)
	assert.Empty(t, f.storedOpportunities(t, model.FlipVariantStandard))

	a, err := d.Appraise(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, 20, a.Hits)
	assert.InDelta(t, 452_267, a.FairPrice, 1)
	assert.False(t, a.Profitable())
}

func TestRunCycle_ExpiredCounterIsAbsent(t *testing.T) {
	f := newFixture(t)
	l := binListing(1_000_000)
	f.insert(t, l)
	key := f.keys.Key(l)
	f.aggregate(t, key, model.ResolutionHourly, testNow.Add(-2*time.Hour), 1_200_000, 10, 10)
	require.NoError(t, f.db.Create(&model.ExposureCounter{
		KeyHash: model.HashKey(key), Key: key, HitCount: 20, LastHitAt: testNow.Add(-7 * time.Hour),
	}).Error)

	result, err := f.detector(model.FlipVariantStandard, nil, nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Emitted)
	assert.Equal(t, 1, f.counter(t, key).HitCount)
}

func TestRunCycle_HitsAccumulateWithinCycle(t *testing.T) {
	f := newFixture(t)
	a, b := binListing(1_000_000), binListing(1_000_000)
	f.insert(t, a, b)
	key := f.keys.Key(a)
	f.aggregate(t, key, model.ResolutionHourly, testNow.Add(-2*time.Hour), 1_200_000, 10, 10)

	result, err := f.detector(model.FlipVariantStandard, nil, nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Emitted)

	stored := f.storedOpportunities(t, model.FlipVariantStandard)
	require.Len(t, stored, 2)
	assert.Greater(t, stored[0].FairPrice, stored[1].FairPrice)
	assert.Equal(t, 2, f.counter(t, key).HitCount)
}

func TestRunCycle_FinestResolutionWins(t *testing.T) {
	f := newFixture(t)
	l := binListing(1_000_000)
	f.insert(t, l)
	key := f.keys.Key(l)
	f.aggregate(t, key, model.ResolutionHourly, testNow.Add(-2*time.Hour), 1_200_000, 10, 10)
	f.aggregate(t, key, model.ResolutionDaily, testNow.Add(-24*time.Hour), 5_000_000, 100, 100)
	// below MinSamples: ignored
	f.aggregate(t, key, model.ResolutionFine, testNow.Add(-10*time.Minute), 9_000_000, 4, 4)
	f.aggregate(t, key, model.ResolutionFine, testNow.Add(-20*time.Minute), 1_500_000, 5, 5)

	d := f.detector(model.FlipVariantStandard, nil, nil)
	a, err := d.Appraise(context.Background(), l)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionFine, a.Resolution)
	assert.InDelta(t, 1_500_000, a.FairPrice, 0.001)
}

func TestRunCycle_StaleAggregateIgnored(t *testing.T) {
	f := newFixture(t)
	l := binListing(1_000_000)
	f.insert(t, l)
	f.aggregate(t, f.keys.Key(l), model.ResolutionHourly, testNow.Add(-25*time.Hour), 1_200_000, 10, 10)

	result, err := f.detector(model.FlipVariantStandard, nil, nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Emitted)
	assert.Equal(t, 1, result.Skipped[skipNoAggregate])

	_, err = f.detector(model.FlipVariantStandard, nil, nil).Appraise(context.Background(), l)
	assert.ErrorIs(t, err, ErrNoAggregate)
}

func TestRunCycle_LowBinShareHalvesMedian(t *testing.T) {
	f := newFixture(t)
	l := binListing(1_000_000)
	f.insert(t, l)
	f.aggregate(t, f.keys.Key(l), model.ResolutionHourly, testNow.Add(-2*time.Hour), 1_200_000, 10, 2)

	result, err := f.detector(model.FlipVariantStandard, nil, nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Emitted)
}

func TestRunCycle_SkipsDeniedAndNonCandidates(t *testing.T) {
	f := newFixture(t)
	book := binListing(1)
	book.Tag = "ENCHANTED_BOOK"
	book.ItemName = "Enchanted Book"
	ended := binListing(1_000_000)
	ended.End = testNow.Add(-time.Minute)
	auction := binListing(1_000_000)
	auction.Bin = false
	f.insert(t, book, ended, auction)

	result, err := f.detector(model.FlipVariantStandard, nil, nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Candidates)
	assert.Equal(t, 1, result.Skipped[skipDenied])
}

func TestRunCycle_FullReplace(t *testing.T) {
	f := newFixture(t)
	l := binListing(1_000_000)
	f.insert(t, l)
	f.aggregate(t, f.keys.Key(l), model.ResolutionHourly, testNow.Add(-2*time.Hour), 1_200_000, 10, 10)

	d := f.detector(model.FlipVariantStandard, nil, nil)
	_, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, f.storedOpportunities(t, model.FlipVariantStandard), 1)

	require.NoError(t, f.db.Model(&model.Listing{}).Where("id = ?", l.ID).Update("status", model.ListingStatusSold).Error)
	result, err := d.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Emitted)
	assert.Empty(t, f.storedOpportunities(t, model.FlipVariantStandard))
	require.Len(t, f.publisher.standard, 2)
	assert.Empty(t, f.publisher.standard[1])
}

func TestRunCycle_BaseKeyFallbackAddsGemValue(t *testing.T) {
	f := newFixture(t)
	l := binListing(1_200_000)
	l.Attributes = model.Attributes{"RUBY_0": "PERFECT"}
	f.insert(t, l)
	require.NotEqual(t, f.keys.Key(l), f.keys.BaseKey(l))
	f.aggregate(t, f.keys.BaseKey(l), model.ResolutionHourly, testNow.Add(-2*time.Hour), 1_000_000, 10, 10)

	valuer := valuerFunc(func(context.Context, *model.Listing) (int64, string) {
		return 500_000, "PERFECT_RUBY_GEM 500,000"
	})
	result, err := f.detector(model.FlipVariantStandard, valuer, nil).RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Emitted)

	opp := result.Opportunities[0]
	assert.Equal(t, int64(1_500_000), opp.FairPrice)
	assert.Contains(t, opp.Breakdown, "priced without gems")
	assert.Contains(t, opp.Breakdown, "PERFECT_RUBY_GEM 500,000")
	// hits are counted against the full key
	assert.Equal(t, 1, f.counter(t, f.keys.Key(l)).HitCount)
}

func TestRunCycle_EndingVariant(t *testing.T) {
	f := newFixture(t)
	soon := binListing(0)
	soon.Bin = false
	soon.StartingBid = 500_000
	soon.HighestBid = 900_000
	soon.End = testNow.Add(time.Minute)
	later := binListing(0)
	later.Bin = false
	later.StartingBid = 100_000
	later.End = testNow.Add(10 * time.Minute)
	f.insert(t, soon, later)
	f.aggregate(t, f.keys.Key(soon), model.ResolutionHourly, testNow.Add(-2*time.Hour), 1_200_000, 10, 10)

	result, err := f.detector(model.FlipVariantEnding, nil, nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Candidates)
	assert.Equal(t, 1, result.Emitted)

	require.Len(t, f.publisher.ending, 1)
	assert.Equal(t, int64(990_000), f.publisher.ending[0].ListingPrice)
	assert.Equal(t, model.FlipVariantEnding, f.publisher.ending[0].Variant)
	assert.Empty(t, f.storedOpportunities(t, model.FlipVariantEnding))
	assert.Empty(t, f.publisher.standard)
}

func TestRunCycle_CanceledFlushesPartialSet(t *testing.T) {
	f := newFixture(t)
	a, b, c := binListing(1_000_000), binListing(1_000_000), binListing(1_000_000)
	f.insert(t, a, b, c)
	f.aggregate(t, f.keys.Key(a), model.ResolutionHourly, testNow.Add(-2*time.Hour), 1_200_000, 10, 10)

	// an old set that must not survive the canceled cycle
	require.NoError(t, f.db.Create(&model.FlipOpportunity{
		Variant: model.FlipVariantStandard, ListingUUID: "stale", End: testNow,
	}).Error)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	valuer := valuerFunc(func(context.Context, *model.Listing) (int64, string) {
		cancel()
		return 0, ""
	})

	result, err := f.detector(model.FlipVariantStandard, valuer, nil).RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, result.Canceled)
	assert.Equal(t, 1, result.Candidates)
	assert.Equal(t, 1, result.Emitted)

	stored := f.storedOpportunities(t, model.FlipVariantStandard)
	require.Len(t, stored, 1)
	assert.Equal(t, a.UUID, stored[0].ListingUUID)
	assert.Equal(t, 1, f.counter(t, f.keys.Key(a)).HitCount)
}

func TestRunCycle_CanceledBeforeScoringKeepsSet(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Create(&model.FlipOpportunity{
		Variant: model.FlipVariantStandard, ListingUUID: "previous", End: testNow,
	}).Error)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.detector(model.FlipVariantStandard, nil, nil).RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, f.storedOpportunities(t, model.FlipVariantStandard), 1)
}

func TestRunCycle_BatchesCandidates(t *testing.T) {
	f := newFixture(t)
	f.cfg.BatchSize = 2
	f.cfg.DecayFactor = 1
	var listings []*model.Listing
	for i := 0; i < 5; i++ {
		listings = append(listings, binListing(1_000_000))
	}
	f.insert(t, listings...)
	f.aggregate(t, f.keys.Key(listings[0]), model.ResolutionHourly, testNow.Add(-2*time.Hour), 1_200_000, 10, 10)

	result, err := f.detector(model.FlipVariantStandard, nil, nil).RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, result.Candidates)
	assert.Equal(t, 5, result.Emitted)
}

func TestRunCycle_InvalidatesCache(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := NewOpportunityCache(rdb, time.Minute)

	require.NoError(t, cache.Set(context.Background(), model.FlipVariantStandard, nil))
	require.True(t, mr.Exists(cacheKey(model.FlipVariantStandard)))

	_, err := f.detector(model.FlipVariantStandard, nil, cache).RunCycle(context.Background())
	require.NoError(t, err)
	assert.False(t, mr.Exists(cacheKey(model.FlipVariantStandard)))
}
