package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"skyflip/internal/config"
	"skyflip/internal/keygen"
	"skyflip/internal/model"
	"skyflip/internal/pkg/metrics"
)

// ErrWindowDone 窗口已有聚合标记，不会重复聚合
var ErrWindowDone = errors.New("aggregation window already done")

// ComponentValuer 组件 (宝石) 估值，返回需要从成交价中扣除的金额
type ComponentValuer interface {
	GemValue(ctx context.Context, l *model.Listing) (int64, string)
}

// Aggregator 价格聚合器
// 负责把一个时间窗口内的成交记录过滤、净化后按等价类写入 price_aggregates
type Aggregator struct {
	db     *gorm.DB
	keys   *keygen.Canonicalizer
	valuer ComponentValuer
	cfg    config.AggregatorConfig
	log    *slog.Logger
}

// NewAggregator 创建聚合器，valuer 为 nil 时不做组件扣除
func NewAggregator(db *gorm.DB, keys *keygen.Canonicalizer, valuer ComponentValuer, cfg config.AggregatorConfig, log *slog.Logger) *Aggregator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FineWindow <= 0 {
		cfg.FineWindow = 5 * time.Minute
	}
	return &Aggregator{
		db:     db,
		keys:   keys,
		valuer: valuer,
		cfg:    cfg,
		log:    log.With(slog.String("component", "aggregator")),
	}
}

// WindowResult 单个窗口的聚合结果
type WindowResult struct {
	Resolution  model.Resolution `json:"resolution"`
	WindowStart time.Time        `json:"window_start"`
	Loaded      int              `json:"loaded"`             // 窗口内成交数
	Sales       int              `json:"sales"`              // 过滤后参与聚合的成交数
	Rows        int              `json:"rows"`               // 写入的聚合行数
	Filtered    map[string]int   `json:"filtered,omitempty"` // 各阶段过滤数 (按分组累计)
}

// Width 返回粒度对应的窗口宽度
func (a *Aggregator) Width(res model.Resolution) time.Duration {
	switch res {
	case model.ResolutionFine:
		return a.cfg.FineWindow
	case model.ResolutionDaily:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// AggregateWindow 聚合一个窗口
// 窗口已有标记时返回 ErrWindowDone；聚合行与标记在同一事务写入
func (a *Aggregator) AggregateWindow(ctx context.Context, res model.Resolution, start time.Time) (*WindowResult, error) {
	if res != model.ResolutionFine && res != model.ResolutionHourly {
		return nil, fmt.Errorf("resolution %q is not aggregated from sales", res)
	}
	width := a.Width(res)
	start = start.UTC().Truncate(width)
	end := start.Add(width)
	result := &WindowResult{Resolution: res, WindowStart: start}

	done, err := windowDone(ctx, a.db, res, start)
	if err != nil {
		metrics.AggregationWindowsTotal.WithLabelValues(string(res), "failed").Inc()
		return nil, err
	}
	if done {
		metrics.AggregationWindowsTotal.WithLabelValues(string(res), "skipped").Inc()
		return result, ErrWindowDone
	}

	var sales []*model.Listing
	if err := a.db.WithContext(ctx).
		Where("status = ? AND sold_at >= ? AND sold_at < ?", model.ListingStatusSold, start, end).
		Order("sold_at ASC, id ASC").
		Find(&sales).Error; err != nil {
		metrics.AggregationWindowsTotal.WithLabelValues(string(res), "failed").Inc()
		return nil, fmt.Errorf("load sales: %w", err)
	}
	result.Loaded = len(sales)

	stats := make(filterStats)
	rows, used := a.buildAggregates(ctx, res, start, sales, stats)
	result.Sales = used
	result.Rows = len(rows)
	if len(stats) > 0 {
		result.Filtered = stats
	}

	if err := writeWindow(ctx, a.db, res, start, rows, used, a.cfg.BatchSize); err != nil {
		if errors.Is(err, ErrWindowDone) {
			metrics.AggregationWindowsTotal.WithLabelValues(string(res), "skipped").Inc()
			return result, err
		}
		metrics.AggregationWindowsTotal.WithLabelValues(string(res), "failed").Inc()
		return nil, err
	}

	metrics.AggregationWindowsTotal.WithLabelValues(string(res), "ok").Inc()
	metrics.AggregatesWrittenTotal.WithLabelValues(string(res)).Add(float64(len(rows)))
	for stage, n := range stats {
		metrics.SalesFilteredTotal.WithLabelValues(stage).Add(float64(n))
	}

	a.log.Debug("window aggregated",
		slog.String("resolution", string(res)),
		slog.Time("window_start", start),
		slog.Int("loaded", result.Loaded),
		slog.Int("sales", result.Sales),
		slog.Int("rows", result.Rows),
	)
	return result, nil
}

// CatchUp 按时间顺序聚合回溯范围内所有已结束且没有标记的窗口
// 窗口结束后需经过 SettleDelay 才视为结束，返回新聚合的窗口数
func (a *Aggregator) CatchUp(ctx context.Context, res model.Resolution, now time.Time, lookback time.Duration) (int, error) {
	width := a.Width(res)
	now = now.UTC()
	last := now.Add(-a.cfg.SettleDelay).Truncate(width)
	first := now.Add(-lookback).Truncate(width)
	if !first.Before(last) {
		return 0, nil
	}

	done, err := doneWindows(ctx, a.db, res, first, last)
	if err != nil {
		return 0, err
	}

	aggregated := 0
	for start := first; start.Before(last); start = start.Add(width) {
		if err := ctx.Err(); err != nil {
			return aggregated, err
		}
		if _, ok := done[start.Unix()]; ok {
			continue
		}
		if _, err := a.AggregateWindow(ctx, res, start); err != nil {
			if errors.Is(err, ErrWindowDone) {
				continue
			}
			return aggregated, fmt.Errorf("aggregate %s window %s: %w", res, start.Format(time.RFC3339), err)
		}
		aggregated++
	}

	if aggregated > 0 {
		a.log.Info("catch-up finished",
			slog.String("resolution", string(res)),
			slog.Int("windows", aggregated),
		)
	}
	return aggregated, nil
}

// saleGroup 同一等价类的成交
type saleGroup struct {
	tag   string
	sales []*model.Listing
}

// buildAggregates 执行过滤管线并生成聚合行
// 顺序: 物理物品去重 -> 反操纵过滤 -> 日期门控 -> 组件扣除 -> 分组统计
// 每笔成交同时计入完整 key 与 (不同时) 去除宝石的 base key
func (a *Aggregator) buildAggregates(ctx context.Context, res model.Resolution, start time.Time, sales []*model.Listing, stats filterStats) ([]model.PriceAggregate, int) {
	n := len(sales)
	sales = dedupPhysical(sales)
	stats.add(stagePhysical, n-len(sales))

	groups := make(map[string]*saleGroup)
	add := func(key string, s *model.Listing) {
		g, ok := groups[key]
		if !ok {
			g = &saleGroup{tag: s.Tag}
			groups[key] = g
		}
		g.sales = append(g.sales, s)
	}
	for _, s := range sales {
		full := a.keys.Key(s)
		add(full, s)
		if base := a.keys.BaseKey(s); base != full {
			add(base, s)
		}
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tables := a.keys.Tables()
	nets := make(map[*model.Listing]int64)
	gated := make(map[*model.Listing]struct{})
	used := make(map[*model.Listing]struct{})
	rows := make([]model.PriceAggregate, 0, len(keys))

	for _, key := range keys {
		g := groups[key]
		acc := newPriceAccumulator(key, g.tag)
		for _, s := range filterManipulation(g.sales, stats) {
			if !tables.DateGateOK(s) {
				gated[s] = struct{}{}
				continue
			}
			net, ok := nets[s]
			if !ok {
				net = a.netPrice(ctx, s)
				nets[s] = net
			}
			acc.add(net, s.Bin)
			used[s] = struct{}{}
		}
		if acc.volume() == 0 {
			continue
		}
		if res == model.ResolutionFine && acc.volume() < a.cfg.FineMinSamples {
			continue
		}
		rows = append(rows, acc.aggregate(res, start))
	}
	stats.add(stageDateGate, len(gated))
	return rows, len(used)
}

// netPrice 成交价扣除组件价值，下限为原价的 10%
func (a *Aggregator) netPrice(ctx context.Context, s *model.Listing) int64 {
	raw := s.SalePrice()
	if a.valuer == nil {
		return raw
	}
	gem, _ := a.valuer.GemValue(ctx, s)
	net := raw - gem
	if floor := raw / 10; net < floor {
		net = floor
	}
	return net
}

// writeWindow 在同一事务中写入窗口标记与聚合行
// 标记已存在 (并发的另一次执行) 时回滚并返回 ErrWindowDone
func writeWindow(ctx context.Context, db *gorm.DB, res model.Resolution, start time.Time, rows []model.PriceAggregate, sales, batchSize int) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		marker := model.AggregationWindow{
			Resolution:  res,
			WindowStart: start,
			Sales:       sales,
			Rows:        len(rows),
		}
		created := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&marker)
		if created.Error != nil {
			return fmt.Errorf("create window marker: %w", created.Error)
		}
		if created.RowsAffected == 0 {
			return ErrWindowDone
		}
		if len(rows) == 0 {
			return nil
		}

		// 必须显式包含 updated_at，否则 ON CONFLICT 更新时不会触发 autoUpdateTime
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "key_hash"}, {Name: "window_start"}, {Name: "resolution"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"cache_key", "tag", "min", "max", "mean", "median", "volume", "bin_count", "updated_at",
			}),
		}).CreateInBatches(rows, batchSize).Error; err != nil {
			return fmt.Errorf("batch upsert aggregates: %w", err)
		}
		return nil
	})
}

// windowDone 窗口是否已有标记
func windowDone(ctx context.Context, db *gorm.DB, res model.Resolution, start time.Time) (bool, error) {
	var count int64
	if err := db.WithContext(ctx).
		Model(&model.AggregationWindow{}).
		Where("resolution = ? AND window_start = ?", res, start).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("check window marker: %w", err)
	}
	return count > 0, nil
}

// doneWindows 返回 [from, to) 内已完成窗口的起点 (Unix 秒)
func doneWindows(ctx context.Context, db *gorm.DB, res model.Resolution, from, to time.Time) (map[int64]struct{}, error) {
	var markers []model.AggregationWindow
	if err := db.WithContext(ctx).
		Where("resolution = ? AND window_start >= ? AND window_start < ?", res, from, to).
		Find(&markers).Error; err != nil {
		return nil, fmt.Errorf("load window markers: %w", err)
	}
	done := make(map[int64]struct{}, len(markers))
	for _, m := range markers {
		done[m.WindowStart.Unix()] = struct{}{}
	}
	return done, nil
}

// GetAggregates 获取某个等价类在时间范围内的聚合，按窗口倒序
func (a *Aggregator) GetAggregates(ctx context.Context, key string, res model.Resolution, since time.Time, limit int) ([]model.PriceAggregate, error) {
	var rows []model.PriceAggregate
	query := a.db.WithContext(ctx).
		Where("key_hash = ? AND resolution = ? AND window_start >= ?", model.HashKey(key), res, since.UTC()).
		Order("window_start DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// GetAggregatesByTag 获取某个物品类型最近的聚合，按窗口倒序
func (a *Aggregator) GetAggregatesByTag(ctx context.Context, tag string, res model.Resolution, since time.Time, limit int) ([]model.PriceAggregate, error) {
	var rows []model.PriceAggregate
	query := a.db.WithContext(ctx).
		Where("tag = ? AND resolution = ? AND window_start >= ?", tag, res, since.UTC()).
		Order("window_start DESC, volume DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
