package domain

import "time"

// StockEventType 标识库存事件的种类
type StockEventType string

const (
	EventHoldPlaced         StockEventType = "HOLD_PLACED"
	EventHoldRemoved        StockEventType = "HOLD_REMOVED"
	EventHoldExpired        StockEventType = "HOLD_EXPIRED"
	EventStockCommitted     StockEventType = "STOCK_COMMITTED"
	EventCommitmentReleased StockEventType = "COMMITMENT_RELEASED"
	EventCommitmentAdjusted StockEventType = "COMMITMENT_ADJUSTED"
	EventStockAdjusted      StockEventType = "STOCK_ADJUSTED"
)

// StockEvent 是台账成功变更后对外发布的事件，事务提交后才会发出
type StockEvent struct {
	EventID      string         `json:"eventId"`
	Type         StockEventType `json:"type"`
	SKU          string         `json:"sku"`
	CartID       string         `json:"cartId,omitempty"`
	OrderID      string         `json:"orderId,omitempty"`
	Qty          int            `json:"qty"`
	AvailableQty int            `json:"availableQty"`
	OccurredAt   time.Time      `json:"occurredAt"`
}
