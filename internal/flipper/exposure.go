package flipper

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"skyflip/internal/model"
)

// exposure tracks hit counters for one detection cycle. Counters last hit
// before the horizon are treated as absent. Only the hits added during the
// cycle are written back, so overlapping cycles never lose increments.
type exposure struct {
	since    time.Time
	counters map[int64]*model.ExposureCounter
	deltas   map[int64]int
}

// loadExposure reads live counters into memory, optionally only for keys.
func loadExposure(ctx context.Context, db *gorm.DB, since time.Time, keys ...string) (*exposure, error) {
	query := db.WithContext(ctx).Where("last_hit_at >= ?", since)
	if len(keys) > 0 {
		hashes := make([]int64, len(keys))
		for i, k := range keys {
			hashes[i] = model.HashKey(k)
		}
		query = query.Where("key_hash IN ?", hashes)
	}
	var rows []model.ExposureCounter
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load exposure counters: %w", err)
	}
	e := &exposure{
		since:    since,
		counters: make(map[int64]*model.ExposureCounter, len(rows)),
		deltas:   make(map[int64]int),
	}
	for i := range rows {
		e.counters[rows[i].KeyHash] = &rows[i]
	}
	return e, nil
}

// hits returns the live hit count for key.
func (e *exposure) hits(key string) int {
	if c, ok := e.counters[model.HashKey(key)]; ok && c.Key == key {
		return c.HitCount
	}
	return 0
}

// hit records one more opportunity for key.
func (e *exposure) hit(key string, at time.Time) {
	h := model.HashKey(key)
	c, ok := e.counters[h]
	if !ok {
		c = &model.ExposureCounter{KeyHash: h, Key: key}
		e.counters[h] = c
	}
	c.HitCount++
	c.LastHitAt = at
	e.deltas[h]++
}

// flush adds each cycle delta to the stored counter. A stored row that
// expired meanwhile restarts from the delta.
func (e *exposure) flush(ctx context.Context, db *gorm.DB) (int, error) {
	if len(e.deltas) == 0 {
		return 0, nil
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for h, delta := range e.deltas {
			c := e.counters[h]
			row := model.ExposureCounter{
				KeyHash:   c.KeyHash,
				Key:       c.Key,
				HitCount:  delta,
				LastHitAt: c.LastHitAt,
			}
			// hit_count sorts before last_hit_at, so MySQL still compares
			// against the stored timestamp.
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "key_hash"}},
				DoUpdates: clause.Assignments(map[string]any{
					"cache_key":   c.Key,
					"hit_count":   gorm.Expr("CASE WHEN last_hit_at < ? THEN ? ELSE hit_count + ? END", e.since, delta, delta),
					"last_hit_at": c.LastHitAt,
					"updated_at":  time.Now(),
				}),
			}).Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("upsert exposure counters: %w", err)
	}
	return len(e.deltas), nil
}
