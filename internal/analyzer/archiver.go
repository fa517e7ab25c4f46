package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"skyflip/internal/config"
	"skyflip/internal/model"
	"skyflip/internal/pkg/metrics"
)

// ErrDayNotReady 日内仍有未聚合的小时窗口，本次不汇总也不写标记
var ErrDayNotReady = errors.New("daily window has unaggregated hours")

// Archiver 负责日级汇总和过期数据清理
type Archiver struct {
	db              *gorm.DB
	cfg             config.AggregatorConfig
	exposureHorizon time.Duration
	log             *slog.Logger
}

// NewArchiver 创建归档器实例
// exposureHorizon 为曝光计数的有效期，超过后计数被删除
func NewArchiver(db *gorm.DB, cfg config.AggregatorConfig, exposureHorizon time.Duration, log *slog.Logger) *Archiver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Archiver{
		db:              db,
		cfg:             cfg,
		exposureHorizon: exposureHorizon,
		log:             log.With(slog.String("component", "archiver")),
	}
}

// RollupDaily 将指定日期 (UTC) 的小时聚合汇总为日聚合
// 与其他粒度一样由窗口标记保证只执行一次；24 个小时窗口未全部聚合时返回 ErrDayNotReady
func (a *Archiver) RollupDaily(ctx context.Context, day time.Time) (*WindowResult, error) {
	return a.rollupDaily(ctx, day, false)
}

// rollupDaily force 为 true 时跳过小时窗口完整性检查
func (a *Archiver) rollupDaily(ctx context.Context, day time.Time, force bool) (*WindowResult, error) {
	day = truncateToDay(day)
	result := &WindowResult{Resolution: model.ResolutionDaily, WindowStart: day}

	done, err := windowDone(ctx, a.db, model.ResolutionDaily, day)
	if err != nil {
		metrics.AggregationWindowsTotal.WithLabelValues(string(model.ResolutionDaily), "failed").Inc()
		return nil, err
	}
	if done {
		metrics.AggregationWindowsTotal.WithLabelValues(string(model.ResolutionDaily), "skipped").Inc()
		return result, ErrWindowDone
	}

	hours, err := doneWindows(ctx, a.db, model.ResolutionHourly, day, day.Add(24*time.Hour))
	if err != nil {
		metrics.AggregationWindowsTotal.WithLabelValues(string(model.ResolutionDaily), "failed").Inc()
		return nil, err
	}
	if len(hours) < 24 {
		if !force {
			metrics.AggregationWindowsTotal.WithLabelValues(string(model.ResolutionDaily), "pending").Inc()
			return result, ErrDayNotReady
		}
		a.log.Warn("rolling up day with missing hourly windows",
			slog.Time("day", day),
			slog.Int("hourly_windows", len(hours)))
	}

	var hourly []model.PriceAggregate
	if err := a.db.WithContext(ctx).
		Where("resolution = ? AND window_start >= ? AND window_start < ?", model.ResolutionHourly, day, day.Add(24*time.Hour)).
		Order("key_hash ASC, window_start ASC").
		Find(&hourly).Error; err != nil {
		metrics.AggregationWindowsTotal.WithLabelValues(string(model.ResolutionDaily), "failed").Inc()
		return nil, fmt.Errorf("load hourly aggregates: %w", err)
	}
	result.Loaded = len(hourly)

	// 查询已按 key_hash 排序，相同等价类连续出现
	var rows []model.PriceAggregate
	var acc *rollupAccumulator
	for i := range hourly {
		h := &hourly[i]
		if acc != nil && acc.hash != h.KeyHash {
			rows = append(rows, acc.aggregate(day))
			acc = nil
		}
		if acc == nil {
			acc = newRollupAccumulator(h)
		}
		acc.add(h)
		result.Sales += h.Volume
	}
	if acc != nil {
		rows = append(rows, acc.aggregate(day))
	}
	result.Rows = len(rows)

	if err := writeWindow(ctx, a.db, model.ResolutionDaily, day, rows, result.Sales, a.cfg.BatchSize); err != nil {
		if errors.Is(err, ErrWindowDone) {
			metrics.AggregationWindowsTotal.WithLabelValues(string(model.ResolutionDaily), "skipped").Inc()
			return result, err
		}
		metrics.AggregationWindowsTotal.WithLabelValues(string(model.ResolutionDaily), "failed").Inc()
		return nil, err
	}

	metrics.AggregationWindowsTotal.WithLabelValues(string(model.ResolutionDaily), "ok").Inc()
	metrics.AggregatesWrittenTotal.WithLabelValues(string(model.ResolutionDaily)).Add(float64(len(rows)))

	a.log.Info("daily rollup finished",
		slog.Time("day", day),
		slog.Int("hourly_rows", result.Loaded),
		slog.Int("daily_rows", result.Rows),
	)
	return result, nil
}

// RollupPending 汇总最近 days 天中已结束且未汇总的日期
// 一天在 24 个小时窗口都聚合后才参与汇总；已超出小时补跑范围的日期按现有数据汇总
func (a *Archiver) RollupPending(ctx context.Context, now time.Time, days int) (int, error) {
	if days <= 0 {
		days = 1
	}
	now = now.UTC()
	lastComplete := truncateToDay(now.Add(-time.Hour - a.cfg.SettleDelay)).Add(-24 * time.Hour)
	catchUpFrom := now.Add(-a.cfg.CatchUpLookback).Truncate(time.Hour)

	rolled := 0
	for day := lastComplete.AddDate(0, 0, -(days - 1)); !day.After(lastComplete); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return rolled, err
		}
		force := !day.Add(24 * time.Hour).After(catchUpFrom)
		if _, err := a.rollupDaily(ctx, day, force); err != nil {
			if errors.Is(err, ErrWindowDone) || errors.Is(err, ErrDayNotReady) {
				continue
			}
			return rolled, fmt.Errorf("rollup %s: %w", day.Format(time.DateOnly), err)
		}
		rolled++
	}
	return rolled, nil
}

// CleanupResult 各表删除的行数
type CleanupResult struct {
	FineAggregates   int64 `json:"fine_aggregates"`
	HourlyAggregates int64 `json:"hourly_aggregates"`
	ExposureCounters int64 `json:"exposure_counters"`
	Listings         int64 `json:"listings"`
	Opportunities    int64 `json:"opportunities"`
	Markers          int64 `json:"markers"`
}

// RunCleanup 按保留期清理数据
// 日聚合与日窗口标记永久保留
func (a *Archiver) RunCleanup(ctx context.Context, now time.Time) (*CleanupResult, error) {
	now = now.UTC()
	result := &CleanupResult{}

	steps := []struct {
		table string
		dst   *int64
		run   func(tx *gorm.DB) *gorm.DB
	}{
		{"price_aggregates_fine", &result.FineAggregates, func(tx *gorm.DB) *gorm.DB {
			return tx.Where("resolution = ? AND window_start < ?", model.ResolutionFine, now.Add(-a.cfg.FineRetention)).
				Delete(&model.PriceAggregate{})
		}},
		{"price_aggregates_hourly", &result.HourlyAggregates, func(tx *gorm.DB) *gorm.DB {
			return tx.Where("resolution = ? AND window_start < ?", model.ResolutionHourly, now.Add(-a.cfg.HourlyRetention)).
				Delete(&model.PriceAggregate{})
		}},
		{"exposure_counters", &result.ExposureCounters, func(tx *gorm.DB) *gorm.DB {
			return tx.Where("last_hit_at < ?", now.Add(-a.exposureHorizon)).
				Delete(&model.ExposureCounter{})
		}},
		{"flip_opportunities", &result.Opportunities, func(tx *gorm.DB) *gorm.DB {
			return tx.Where("end_at < ?", now.Add(-a.cfg.ListingRetention)).
				Delete(&model.FlipOpportunity{})
		}},
		{"listings", &result.Listings, func(tx *gorm.DB) *gorm.DB {
			return tx.Where("status <> ? AND end_at < ?", model.ListingStatusActive, now.Add(-a.cfg.ListingRetention)).
				Delete(&model.Listing{})
		}},
		{"aggregation_windows", &result.Markers, func(tx *gorm.DB) *gorm.DB {
			return tx.Where("(resolution = ? AND window_start < ?) OR (resolution = ? AND window_start < ?)",
				model.ResolutionFine, now.Add(-a.cfg.FineRetention),
				model.ResolutionHourly, now.Add(-a.cfg.HourlyRetention)).
				Delete(&model.AggregationWindow{})
		}},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		res := step.run(a.db.WithContext(ctx))
		if res.Error != nil {
			return result, fmt.Errorf("cleanup %s: %w", step.table, res.Error)
		}
		*step.dst = res.RowsAffected
		metrics.CleanupRowsTotal.WithLabelValues(step.table).Add(float64(res.RowsAffected))
	}

	a.log.Info("cleanup finished",
		slog.Int64("fine_aggregates", result.FineAggregates),
		slog.Int64("hourly_aggregates", result.HourlyAggregates),
		slog.Int64("exposure_counters", result.ExposureCounters),
		slog.Int64("listings", result.Listings),
		slog.Int64("opportunities", result.Opportunities),
		slog.Int64("markers", result.Markers),
	)
	return result, nil
}

// truncateToDay 截断到 UTC 零点
func truncateToDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
