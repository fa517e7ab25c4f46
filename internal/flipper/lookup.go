package flipper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"skyflip/internal/config"
	"skyflip/internal/model"
)

// ErrNoAggregate means no resolution has enough recent samples for a key.
var ErrNoAggregate = errors.New("no qualifying aggregate")

// aggregateSet holds, per key hash and resolution, the most recent
// aggregate that meets the sample threshold.
type aggregateSet map[int64]map[model.Resolution]*model.PriceAggregate

// best returns the finest qualifying aggregate for key.
func (s aggregateSet) best(key string) (*model.PriceAggregate, error) {
	byRes := s[model.HashKey(key)]
	for _, res := range model.Resolutions {
		if agg, ok := byRes[res]; ok {
			return agg, nil
		}
	}
	return nil, ErrNoAggregate
}

// aggregateLookup loads qualifying aggregates for batches of keys.
type aggregateLookup struct {
	db  *gorm.DB
	cfg config.DetectorConfig
}

// load fetches aggregates for keys in one query. Rows outside a
// resolution's lookback or below MinSamples are excluded.
func (l *aggregateLookup) load(ctx context.Context, keys []string, now time.Time) (aggregateSet, error) {
	set := make(aggregateSet)
	if len(keys) == 0 {
		return set, nil
	}

	wanted := make(map[int64]string, len(keys))
	hashes := make([]int64, 0, len(keys))
	for _, k := range keys {
		h := model.HashKey(k)
		if _, ok := wanted[h]; ok {
			continue
		}
		wanted[h] = k
		hashes = append(hashes, h)
	}

	fine := model.ResolutionFine
	hourly := model.ResolutionHourly
	daily := model.ResolutionDaily
	var rows []model.PriceAggregate
	if err := l.db.WithContext(ctx).
		Where("key_hash IN ? AND volume >= ?", hashes, l.cfg.MinSamples).
		Where("((resolution = ? AND window_start >= ?) OR (resolution = ? AND window_start >= ?) OR (resolution = ? AND window_start >= ?))",
			fine, now.Add(-l.cfg.LookbackFor(string(fine))),
			hourly, now.Add(-l.cfg.LookbackFor(string(hourly))),
			daily, now.Add(-l.cfg.LookbackFor(string(daily)))).
		Order("window_start DESC, id DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load aggregates: %w", err)
	}

	for i := range rows {
		row := &rows[i]
		if wanted[row.KeyHash] != row.Key {
			continue // hash collision
		}
		byRes, ok := set[row.KeyHash]
		if !ok {
			byRes = make(map[model.Resolution]*model.PriceAggregate, len(model.Resolutions))
			set[row.KeyHash] = byRes
		}
		if _, ok := byRes[row.Resolution]; !ok {
			byRes[row.Resolution] = row
		}
	}
	return set, nil
}
