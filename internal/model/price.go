package model

import (
	"time"

	"github.com/cespare/xxhash/v2"
)

// Resolution 聚合粒度
type Resolution string

const (
	ResolutionFine   Resolution = "fine"
	ResolutionHourly Resolution = "hourly"
	ResolutionDaily  Resolution = "daily"
)

// Resolutions 由细到粗排列
var Resolutions = []Resolution{ResolutionFine, ResolutionHourly, ResolutionDaily}

// Valid 是否为已知粒度
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionFine, ResolutionHourly, ResolutionDaily:
		return true
	}
	return false
}

// HashKey 等价类 key 的 64 位哈希，用于唯一索引
// 以有符号整数存储，兼容 MySQL BIGINT 和 SQLite INTEGER
func HashKey(key string) int64 {
	return int64(xxhash.Sum64String(key))
}

// ============================================================================
// Price Aggregate - 价格聚合
// ============================================================================

// PriceAggregate 每个 (key, 窗口起点, 粒度) 一行
type PriceAggregate struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	KeyHash     int64      `gorm:"not null;uniqueIndex:uk_agg_key_window,priority:1" json:"key_hash"`
	Key         string     `gorm:"column:cache_key;type:text;not null" json:"key"`
	Tag         string     `gorm:"type:varchar(128);not null;default:'';index:idx_agg_tag" json:"tag"`
	WindowStart time.Time  `gorm:"type:datetime;not null;uniqueIndex:uk_agg_key_window,priority:2;index:idx_agg_res_window,priority:2" json:"window_start"`
	Resolution  Resolution `gorm:"type:varchar(16);not null;uniqueIndex:uk_agg_key_window,priority:3;index:idx_agg_res_window,priority:1" json:"resolution"`
	Min         int64      `gorm:"not null;default:0" json:"min"`
	Max         int64      `gorm:"not null;default:0" json:"max"`
	Mean        float64    `gorm:"not null;default:0" json:"mean"`
	Median      float64    `gorm:"not null;default:0" json:"median"`
	Volume      int        `gorm:"not null;default:0" json:"volume"`
	BinCount    int        `gorm:"not null;default:0" json:"bin_count"`
	CreatedAt   time.Time  `gorm:"type:datetime;not null;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"type:datetime;not null;autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (PriceAggregate) TableName() string {
	return "price_aggregates"
}

// AggregationWindow 已完成的聚合窗口标记
// 与该窗口的聚合行在同一事务写入；空窗口也会写入标记
type AggregationWindow struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Resolution  Resolution `gorm:"type:varchar(16);not null;uniqueIndex:uk_window,priority:1" json:"resolution"`
	WindowStart time.Time  `gorm:"type:datetime;not null;uniqueIndex:uk_window,priority:2" json:"window_start"`
	Sales       int        `gorm:"not null;default:0" json:"sales"` // 过滤后参与聚合的成交数
	Rows        int        `gorm:"not null;default:0" json:"rows"`  // 写入的聚合行数
	CreatedAt   time.Time  `gorm:"type:datetime;not null;autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (AggregationWindow) TableName() string {
	return "aggregation_windows"
}

// ============================================================================
// Exposure Counter - 曝光计数
// ============================================================================

// ExposureCounter 每个等价类的 flip 命中计数
type ExposureCounter struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	KeyHash   int64     `gorm:"not null;uniqueIndex:uk_exposure_key" json:"key_hash"`
	Key       string    `gorm:"column:cache_key;type:text;not null" json:"key"`
	HitCount  int       `gorm:"not null;default:0" json:"hit_count"`
	LastHitAt time.Time `gorm:"type:datetime;not null;index:idx_exposure_last_hit" json:"last_hit_at"`
	CreatedAt time.Time `gorm:"type:datetime;not null;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"type:datetime;not null;autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (ExposureCounter) TableName() string {
	return "exposure_counters"
}

// ============================================================================
// Flip Opportunity - 低价机会
// ============================================================================

// FlipVariant 检测变体
type FlipVariant string

const (
	FlipVariantStandard FlipVariant = "standard" // 一口价，持久化并整体替换
	FlipVariantEnding   FlipVariant = "ending"   // 即将结束的竞拍，仅推送
)

// FlipOpportunity 每个检测周期整体替换
type FlipOpportunity struct {
	ID            uint64      `gorm:"primaryKey;autoIncrement" json:"-"`
	Variant       FlipVariant `gorm:"type:varchar(16);not null;index:idx_flip_variant_profit,priority:1" json:"variant"`
	ListingUUID   string      `gorm:"column:listing_uuid;type:varchar(64);not null" json:"listing_uuid"`
	Tag           string      `gorm:"type:varchar(128);not null;default:''" json:"tag"`
	ItemName      string      `gorm:"type:varchar(255);not null;default:''" json:"item_name"`
	ListingPrice  int64       `gorm:"not null" json:"listing_price"`
	FairPrice     int64       `gorm:"not null" json:"fair_price"`
	Profit        int64       `gorm:"not null;index:idx_flip_variant_profit,priority:2,sort:desc" json:"profit"`
	ProfitPercent float64     `gorm:"not null" json:"profit_percent"`
	Resolution    Resolution  `gorm:"type:varchar(16);not null" json:"resolution"`
	Volume        int         `gorm:"not null;default:0" json:"volume"`
	Breakdown     string      `gorm:"type:varchar(1024);not null;default:''" json:"breakdown"`
	End           time.Time   `gorm:"column:end_at;type:datetime;not null" json:"end"`
	KeyHash       int64       `gorm:"not null" json:"key_hash"`
	CreatedAt     time.Time   `gorm:"type:datetime;not null;autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (FlipOpportunity) TableName() string {
	return "flip_opportunities"
}
