package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// Listing - 拍卖记录
// ============================================================================

// ListingStatus 拍卖状态
type ListingStatus string

const (
	ListingStatusActive  ListingStatus = "active"
	ListingStatusSold    ListingStatus = "sold"
	ListingStatusExpired ListingStatus = "expired"
)

// Enchantment 附魔 (类型 + 等级)
type Enchantment struct {
	Type  string `json:"type"`
	Level int    `json:"level"`
}

// Enchantments 附魔列表（JSON 类型）
type Enchantments []Enchantment

// Scan 实现 sql.Scanner 接口
func (e *Enchantments) Scan(value any) error {
	if value == nil {
		*e = nil
		return nil
	}
	data, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, e)
}

// Value 实现 driver.Valuer 接口
func (e Enchantments) Value() (driver.Value, error) {
	if e == nil {
		return "[]", nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Attributes 扁平化的物品附加属性（JSON 类型）
type Attributes map[string]string

// Scan 实现 sql.Scanner 接口
func (a *Attributes) Scan(value any) error {
	if value == nil {
		*a = nil
		return nil
	}
	data, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, a)
}

// Value 实现 driver.Valuer 接口
func (a Attributes) Value() (driver.Value, error) {
	if a == nil {
		return "{}", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, errors.New("type assertion to []byte or string failed")
	}
}

// Listing 拍卖记录模型
// 由接入方写入，本服务只做状态迁移与保留期清理
type Listing struct {
	ID            uint64        `gorm:"primaryKey;autoIncrement" json:"id"`
	UUID          string        `gorm:"column:uuid;type:varchar(64);uniqueIndex:uk_listing_uuid;not null" json:"uuid"`
	Tag           string        `gorm:"type:varchar(128);not null;default:'';index:idx_listing_tag" json:"tag"`
	ItemName      string        `gorm:"type:varchar(255);not null;default:''" json:"item_name"`
	Tier          string        `gorm:"type:varchar(32);not null;default:''" json:"tier"`
	Category      string        `gorm:"type:varchar(32);not null;default:''" json:"category"`
	Count         int           `gorm:"not null;default:1" json:"count"`
	StartingBid   int64         `gorm:"not null;default:0" json:"starting_bid"`
	HighestBid    int64         `gorm:"not null;default:0" json:"highest_bid"`
	Bin           bool          `gorm:"not null;default:false" json:"bin"`
	Reforge       string        `gorm:"type:varchar(64);not null;default:''" json:"reforge"`
	Enchantments  Enchantments  `gorm:"type:json" json:"enchantments"`
	Attributes    Attributes    `gorm:"type:json" json:"attributes"`
	ItemCreatedAt *time.Time    `gorm:"type:datetime" json:"item_created_at,omitempty"`
	Start         time.Time     `gorm:"column:start_at;type:datetime;not null" json:"start"`
	End           time.Time     `gorm:"column:end_at;type:datetime;not null;index:idx_listing_status_end,priority:2" json:"end"`
	Status        ListingStatus `gorm:"type:varchar(16);not null;default:'active';index:idx_listing_status_end,priority:1;index:idx_listing_status_sold,priority:1" json:"status"`
	SoldPrice     int64         `gorm:"not null;default:0" json:"sold_price"`
	SoldAt        *time.Time    `gorm:"type:datetime;index:idx_listing_status_sold,priority:2" json:"sold_at,omitempty"`
	SellerID      string        `gorm:"type:varchar(64);not null;default:''" json:"seller_id"`
	BuyerID       string        `gorm:"type:varchar(64);not null;default:''" json:"buyer_id"`
	ItemUID       string        `gorm:"column:item_uid;type:varchar(64);not null;default:''" json:"item_uid,omitempty"`
	CreatedAt     time.Time     `gorm:"type:datetime;not null;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"type:datetime;not null;autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (Listing) TableName() string {
	return "listings"
}

// Price 当前报价：一口价取起拍价，竞拍取最高出价与起拍价中较大者
func (l *Listing) Price() int64 {
	if l.Bin {
		return l.StartingBid
	}
	if l.HighestBid > l.StartingBid {
		return l.HighestBid
	}
	return l.StartingBid
}

// SalePrice 成交价，未记录成交价时回退到报价
func (l *Listing) SalePrice() int64 {
	if l.SoldPrice > 0 {
		return l.SoldPrice
	}
	return l.Price()
}

// PhysicalID 物理物品标识，缺少物品 UID 时回退到拍卖 UUID
func (l *Listing) PhysicalID() string {
	if l.ItemUID != "" {
		return l.ItemUID
	}
	return l.UUID
}

// Attr 读取属性，map 为 nil 时同样安全
func (l *Listing) Attr(key string) (string, bool) {
	if l == nil || l.Attributes == nil {
		return "", false
	}
	v, ok := l.Attributes[key]
	return v, ok
}

// MarkSold 标记为已成交
func (l *Listing) MarkSold(price int64, buyer string, at time.Time) {
	at = at.UTC()
	l.Status = ListingStatusSold
	l.SoldPrice = price
	l.BuyerID = buyer
	l.SoldAt = &at
}
