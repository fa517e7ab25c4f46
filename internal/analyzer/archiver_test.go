package analyzer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"skyflip/internal/config"
	"skyflip/internal/model"
)

func hourlyRow(key string, hour int, min, max int64, mean, median float64, volume, bins int) model.PriceAggregate {
	day := truncateToDay(windowBase)
	return model.PriceAggregate{
		KeyHash:     model.HashKey(key),
		Key:         key,
		Tag:         "HYPERION",
		WindowStart: day.Add(time.Duration(hour) * time.Hour),
		Resolution:  model.ResolutionHourly,
		Min:         min,
		Max:         max,
		Mean:        mean,
		Median:      median,
		Volume:      volume,
		BinCount:    bins,
	}
}

// markHours 写入 [from, to) 小时的窗口标记
func markHours(t *testing.T, db *gorm.DB, day time.Time, from, to int) {
	t.Helper()
	for h := from; h < to; h++ {
		require.NoError(t, db.Create(&model.AggregationWindow{
			Resolution:  model.ResolutionHourly,
			WindowStart: day.Add(time.Duration(h) * time.Hour),
		}).Error)
	}
}

func TestRollupDaily(t *testing.T) {
	db := setupTestDB(t)
	archiver := NewArchiver(db, config.DefaultConfig().Aggregator, 6*time.Hour, quietLog)

	rows := []model.PriceAggregate{
		hourlyRow("k1", 0, 90, 200, 120, 100, 10, 8),
		hourlyRow("k1", 1, 80, 150, 110, 105, 30, 30),
		hourlyRow("k1", 2, 95, 300, 150, 140, 20, 10),
		hourlyRow("k2", 5, 10, 20, 15, 15, 4, 4),
	}
	// 其他日期的数据不参与汇总
	next := hourlyRow("k1", 25, 1, 1_000_000, 1, 1, 1, 1)
	require.NoError(t, db.Create(&rows).Error)
	require.NoError(t, db.Create(&next).Error)

	day := truncateToDay(windowBase)
	markHours(t, db, day, 0, 24)
	result, err := archiver.RollupDaily(context.Background(), windowBase)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Loaded)
	assert.Equal(t, 2, result.Rows)

	daily := loadAggregates(t, db, model.ResolutionDaily)
	require.Len(t, daily, 2)
	k1 := daily[0]
	assert.Equal(t, "k1", k1.Key)
	assert.True(t, k1.WindowStart.Equal(day))
	assert.Equal(t, int64(80), k1.Min)
	assert.Equal(t, int64(300), k1.Max)
	assert.InDelta(t, 105, k1.Median, 0.001)
	assert.InDelta(t, 125, k1.Mean, 0.001)
	assert.Equal(t, 60, k1.Volume)
	assert.Equal(t, 48, k1.BinCount)

	k2 := daily[1]
	assert.Equal(t, 4, k2.Volume)
	assert.InDelta(t, 15, k2.Median, 0.001)

	_, err = archiver.RollupDaily(context.Background(), day.Add(3*time.Hour))
	assert.ErrorIs(t, err, ErrWindowDone)
}

func TestRollupPending(t *testing.T) {
	db := setupTestDB(t)
	archiver := NewArchiver(db, config.DefaultConfig().Aggregator, 6*time.Hour, quietLog)

	row := hourlyRow("k1", 3, 100, 100, 100, 100, 1, 1)
	require.NoError(t, db.Create(&row).Error)

	day := truncateToDay(windowBase)
	markHours(t, db, day, 0, 24)
	// 次日 00:30，当天还不参与汇总；更早的两天已超出补跑范围，按空数据汇总
	n, err := archiver.RollupPending(context.Background(), day.Add(24*time.Hour+30*time.Minute), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, loadAggregates(t, db, model.ResolutionDaily))

	n, err = archiver.RollupPending(context.Background(), day.Add(26*time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, loadAggregates(t, db, model.ResolutionDaily), 1)

	n, err = archiver.RollupPending(context.Background(), day.Add(26*time.Hour), 2)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRollupDaily_WaitsForAllHours(t *testing.T) {
	db := setupTestDB(t)
	archiver := NewArchiver(db, config.DefaultConfig().Aggregator, 6*time.Hour, quietLog)

	day := truncateToDay(windowBase)
	row := hourlyRow("k1", 3, 100, 100, 100, 100, 1, 1)
	require.NoError(t, db.Create(&row).Error)
	markHours(t, db, day, 0, 23)

	_, err := archiver.RollupDaily(context.Background(), day)
	assert.ErrorIs(t, err, ErrDayNotReady)
	assert.Empty(t, loadAggregates(t, db, model.ResolutionDaily))
	done, err := windowDone(context.Background(), db, model.ResolutionDaily, day)
	require.NoError(t, err)
	assert.False(t, done)

	markHours(t, db, day, 23, 24)
	_, err = archiver.RollupDaily(context.Background(), day)
	require.NoError(t, err)
	assert.Len(t, loadAggregates(t, db, model.ResolutionDaily), 1)
}

func TestRollupPending_LateHoursAreIncluded(t *testing.T) {
	db := setupTestDB(t)
	agg := newTestAggregator(db, nil)
	archiver := NewArchiver(db, config.DefaultConfig().Aggregator, 6*time.Hour, quietLog)
	ctx := context.Background()

	day := truncateToDay(windowBase)
	n := 0
	for h := 0; h < 24; h++ {
		for i := 0; i < 3; i++ {
			at := day.Add(time.Duration(h)*time.Hour + time.Duration(i+1)*time.Minute)
			insertListings(t, db, soldListing(n, fmt.Sprintf("s%d", n), fmt.Sprintf("b%d", n), 1000, at))
			n++
		}
	}

	// 停机跨过零点: 22 点和 23 点的小时窗口尚未聚合
	for h := 0; h < 22; h++ {
		_, err := agg.AggregateWindow(ctx, model.ResolutionHourly, day.Add(time.Duration(h)*time.Hour))
		require.NoError(t, err)
	}
	now := day.Add(26 * time.Hour)
	rolled, err := archiver.RollupPending(ctx, now, 1)
	require.NoError(t, err)
	assert.Zero(t, rolled)
	assert.Empty(t, loadAggregates(t, db, model.ResolutionDaily))

	for h := 22; h < 24; h++ {
		_, err := agg.AggregateWindow(ctx, model.ResolutionHourly, day.Add(time.Duration(h)*time.Hour))
		require.NoError(t, err)
	}
	rolled, err = archiver.RollupPending(ctx, now, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rolled)

	var hourlyVolume int
	for _, r := range loadAggregates(t, db, model.ResolutionHourly) {
		hourlyVolume += r.Volume
	}
	daily := loadAggregates(t, db, model.ResolutionDaily)
	require.Len(t, daily, 1)
	assert.Equal(t, 72, hourlyVolume)
	assert.Equal(t, hourlyVolume, daily[0].Volume)
}

func TestRollupPending_ForcesDayPastCatchUpRange(t *testing.T) {
	db := setupTestDB(t)
	cfg := config.DefaultConfig().Aggregator
	archiver := NewArchiver(db, cfg, 6*time.Hour, quietLog)

	day := truncateToDay(windowBase)
	row := hourlyRow("k1", 3, 100, 100, 100, 100, 5, 5)
	require.NoError(t, db.Create(&row).Error)
	markHours(t, db, day, 0, 20)

	// 小时补跑范围仍覆盖当天
	rolled, err := archiver.RollupPending(context.Background(), day.Add(26*time.Hour), 1)
	require.NoError(t, err)
	assert.Zero(t, rolled)

	// 缺失的小时已无法补跑，按现有数据汇总
	rolled, err = archiver.RollupPending(context.Background(), day.Add(24*time.Hour+cfg.CatchUpLookback+time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rolled)
	daily := loadAggregates(t, db, model.ResolutionDaily)
	require.Len(t, daily, 1)
	assert.Equal(t, 5, daily[0].Volume)
}

func TestRunCleanup(t *testing.T) {
	db := setupTestDB(t)
	cfg := config.DefaultConfig().Aggregator
	archiver := NewArchiver(db, cfg, 6*time.Hour, quietLog)
	now := windowBase

	aggregates := []model.PriceAggregate{
		{KeyHash: 1, Key: "a", WindowStart: now.Add(-25 * time.Hour), Resolution: model.ResolutionFine},
		{KeyHash: 1, Key: "a", WindowStart: now.Add(-time.Hour), Resolution: model.ResolutionFine},
		{KeyHash: 1, Key: "a", WindowStart: now.Add(-8 * 24 * time.Hour), Resolution: model.ResolutionHourly},
		{KeyHash: 1, Key: "a", WindowStart: now.Add(-2 * 24 * time.Hour), Resolution: model.ResolutionHourly},
		{KeyHash: 1, Key: "a", WindowStart: now.Add(-400 * 24 * time.Hour), Resolution: model.ResolutionDaily},
	}
	require.NoError(t, db.Create(&aggregates).Error)

	counters := []model.ExposureCounter{
		{KeyHash: 1, Key: "a", HitCount: 3, LastHitAt: now.Add(-7 * time.Hour)},
		{KeyHash: 2, Key: "b", HitCount: 1, LastHitAt: now.Add(-time.Hour)},
	}
	require.NoError(t, db.Create(&counters).Error)

	oldSold := soldListing(1, "s", "b", 100, now.Add(-15*24*time.Hour))
	oldActive := soldListing(2, "s", "b", 100, now.Add(-15*24*time.Hour))
	oldActive.Status = model.ListingStatusActive
	oldActive.SoldAt = nil
	recent := soldListing(3, "s", "b", 100, now.Add(-time.Hour))
	insertListings(t, db, oldSold, oldActive, recent)

	markers := []model.AggregationWindow{
		{Resolution: model.ResolutionFine, WindowStart: now.Add(-25 * time.Hour)},
		{Resolution: model.ResolutionHourly, WindowStart: now.Add(-25 * time.Hour)},
		{Resolution: model.ResolutionDaily, WindowStart: now.Add(-400 * 24 * time.Hour)},
	}
	require.NoError(t, db.Create(&markers).Error)

	result, err := archiver.RunCleanup(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.FineAggregates)
	assert.Equal(t, int64(1), result.HourlyAggregates)
	assert.Equal(t, int64(1), result.ExposureCounters)
	assert.Equal(t, int64(1), result.Listings)
	assert.Equal(t, int64(1), result.Markers)

	var remaining int64
	require.NoError(t, db.Model(&model.PriceAggregate{}).Where("resolution = ?", model.ResolutionDaily).Count(&remaining).Error)
	assert.Equal(t, int64(1), remaining)
	require.NoError(t, db.Model(&model.Listing{}).Count(&remaining).Error)
	assert.Equal(t, int64(2), remaining)
}
