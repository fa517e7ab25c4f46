package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"skyflip/internal/config"
	"skyflip/internal/model"
	"skyflip/internal/pkg/redisqueue"
)

var (
	quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))
	testNow  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	tmpFile := fmt.Sprintf("%s/skyflip_ingest_%d.db", t.TempDir(), time.Now().UnixNano())
	t.Cleanup(func() { os.Remove(tmpFile) })

	db, err := gorm.Open(sqlite.Open(tmpFile), model.GormConfig("silent"))
	require.NoError(t, err)
	require.NoError(t, model.AutoMigrate(db))
	return db
}

func liveListing(uuid string) *model.Listing {
	return &model.Listing{
		UUID:        uuid,
		Tag:         "HYPERION",
		ItemName:    "Hyperion",
		StartingBid: 1_000_000,
		Bin:         true,
		Start:       testNow.Add(-time.Hour),
		End:         testNow.Add(time.Hour),
		SellerID:    "seller",
	}
}

func load(t *testing.T, db *gorm.DB, uuid string) model.Listing {
	t.Helper()
	var l model.Listing
	require.NoError(t, db.Where("uuid = ?", uuid).First(&l).Error)
	return l
}

func TestApply_Upsert(t *testing.T) {
	db := setupTestDB(t)
	ing := New(db, nil, config.IngestConfig{}, quietLog)
	ctx := context.Background()

	ev := &model.ListingEvent{Type: model.ListingEventUpsert, Listing: liveListing("a")}
	applied, err := ing.Apply(ctx, ev)
	require.NoError(t, err)
	assert.True(t, applied)

	l := load(t, db, "a")
	assert.Equal(t, model.ListingStatusActive, l.Status)
	assert.Equal(t, 1, l.Count)

	// a bid arrives and the auction is extended
	updated := liveListing("a")
	updated.HighestBid = 1_100_000
	updated.End = testNow.Add(2 * time.Hour)
	updated.Tag = "CHANGED"
	_, err = ing.Apply(ctx, &model.ListingEvent{Type: model.ListingEventUpsert, Listing: updated})
	require.NoError(t, err)

	l = load(t, db, "a")
	assert.Equal(t, int64(1_100_000), l.HighestBid)
	assert.True(t, l.End.Equal(testNow.Add(2*time.Hour)))
	assert.Equal(t, "HYPERION", l.Tag)

	var count int64
	db.Model(&model.Listing{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestApply_SoldTransition(t *testing.T) {
	db := setupTestDB(t)
	ing := New(db, nil, config.IngestConfig{}, quietLog)
	ctx := context.Background()

	_, err := ing.Apply(ctx, &model.ListingEvent{Type: model.ListingEventUpsert, Listing: liveListing("a")})
	require.NoError(t, err)

	soldAt := testNow.Add(10 * time.Minute)
	applied, err := ing.Apply(ctx, &model.ListingEvent{
		Type: model.ListingEventSold, UUID: "a", Price: 950_000, Buyer: "buyer", At: soldAt,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	l := load(t, db, "a")
	assert.Equal(t, model.ListingStatusSold, l.Status)
	assert.Equal(t, int64(950_000), l.SoldPrice)
	assert.Equal(t, "buyer", l.BuyerID)
	require.NotNil(t, l.SoldAt)
	assert.True(t, l.SoldAt.Equal(soldAt))

	// a late upsert does not revive it
	_, err = ing.Apply(ctx, &model.ListingEvent{Type: model.ListingEventUpsert, Listing: liveListing("a")})
	require.NoError(t, err)
	assert.Equal(t, model.ListingStatusSold, load(t, db, "a").Status)

	// a duplicate sold event finds nothing active
	applied, err = ing.Apply(ctx, &model.ListingEvent{Type: model.ListingEventSold, UUID: "a", Price: 1})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, int64(950_000), load(t, db, "a").SoldPrice)
}

func TestApply_SoldUnknownWithListing(t *testing.T) {
	db := setupTestDB(t)
	ing := New(db, nil, config.IngestConfig{}, quietLog)

	applied, err := ing.Apply(context.Background(), &model.ListingEvent{
		Type: model.ListingEventSold, Listing: liveListing("backfill"), Price: 900_000, At: testNow,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	l := load(t, db, "backfill")
	assert.Equal(t, model.ListingStatusSold, l.Status)
	assert.Equal(t, int64(900_000), l.SalePrice())
}

func TestApply_Expired(t *testing.T) {
	db := setupTestDB(t)
	ing := New(db, nil, config.IngestConfig{}, quietLog)
	ctx := context.Background()

	applied, err := ing.Apply(ctx, &model.ListingEvent{Type: model.ListingEventExpired, UUID: "missing"})
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = ing.Apply(ctx, &model.ListingEvent{Type: model.ListingEventUpsert, Listing: liveListing("a")})
	require.NoError(t, err)
	applied, err = ing.Apply(ctx, &model.ListingEvent{Type: model.ListingEventExpired, UUID: "a"})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.ListingStatusExpired, load(t, db, "a").Status)
}

func TestApply_Invalid(t *testing.T) {
	ing := New(setupTestDB(t), nil, config.IngestConfig{}, quietLog)
	ctx := context.Background()

	cases := []*model.ListingEvent{
		nil,
		{Type: model.ListingEventUpsert},
		{Type: model.ListingEventUpsert, Listing: &model.Listing{UUID: "x"}},
		{Type: model.ListingEventSold},
		{Type: "bogus", UUID: "x"},
	}
	for i, ev := range cases {
		_, err := ing.Apply(ctx, ev)
		assert.ErrorIs(t, err, model.ErrInvalidEvent, "case %d", i)
	}
}

func TestIngester_ConsumesQueue(t *testing.T) {
	db := setupTestDB(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	queue, err := redisqueue.NewClient(rdb, "test:ingest")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, queue.Push(ctx, &model.ListingEvent{Type: model.ListingEventUpsert, Listing: liveListing("q1")}))
	require.NoError(t, queue.Push(ctx, &model.ListingEvent{Type: model.ListingEventUpsert}))
	require.NoError(t, queue.Push(ctx, &model.ListingEvent{Type: model.ListingEventExpired, UUID: "q1"}))

	ing := New(db, queue, config.IngestConfig{Workers: 1, PopTimeout: 100 * time.Millisecond}, quietLog)
	require.NoError(t, ing.Start(ctx))
	require.Error(t, ing.Start(ctx))

	assert.Eventually(t, func() bool {
		s := ing.Stats()
		return s.Processed == 2 && s.Invalid == 1
	}, 5*time.Second, 20*time.Millisecond)

	ing.Stop()
	assert.False(t, ing.IsRunning())
	assert.Equal(t, model.ListingStatusExpired, load(t, db, "q1").Status)

	stats, err := queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.Processing)
}
