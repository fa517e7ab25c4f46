package model

import (
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Listing Event - 拍卖事件
// ============================================================================

// ListingEventType 事件类型
type ListingEventType string

const (
	ListingEventUpsert  ListingEventType = "upsert"  // 新增或更新在售拍卖
	ListingEventSold    ListingEventType = "sold"    // 成交
	ListingEventExpired ListingEventType = "expired" // 到期未成交
)

// ListingEvent 接入队列中的一条事件
// upsert 携带完整 Listing；sold/expired 只携带 UUID 与状态迁移字段
type ListingEvent struct {
	ID         string           `json:"id"`
	Type       ListingEventType `json:"type"`
	Listing    *Listing         `json:"listing,omitempty"`
	UUID       string           `json:"uuid,omitempty"`
	Price      int64            `json:"price,omitempty"`
	Buyer      string           `json:"buyer,omitempty"`
	At         time.Time        `json:"at"`
	RetryCount int              `json:"retry_count,omitempty"`
}

// ErrInvalidEvent 事件缺少必要字段
var ErrInvalidEvent = errors.New("invalid listing event")

// ListingUUID 事件对应的拍卖 UUID
func (e *ListingEvent) ListingUUID() string {
	if e.Listing != nil && e.Listing.UUID != "" {
		return e.Listing.UUID
	}
	return e.UUID
}

// Validate 校验事件
func (e *ListingEvent) Validate() error {
	switch e.Type {
	case ListingEventUpsert:
		if e.Listing == nil {
			return fmt.Errorf("%w: upsert without listing", ErrInvalidEvent)
		}
		if e.Listing.End.IsZero() {
			return fmt.Errorf("%w: listing %s has no end time", ErrInvalidEvent, e.Listing.UUID)
		}
	case ListingEventSold:
		if e.Price < 0 {
			return fmt.Errorf("%w: negative sale price", ErrInvalidEvent)
		}
	case ListingEventExpired:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if e.ListingUUID() == "" {
		return fmt.Errorf("%w: missing uuid", ErrInvalidEvent)
	}
	return nil
}
