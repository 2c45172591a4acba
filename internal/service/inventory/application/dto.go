package application

import (
	"time"

	"stockledger/internal/service/inventory/domain"
)

// StockLevel 是某个 SKU 在某一时刻的库存视图
type StockLevel struct {
	SKU          string `json:"sku"`
	TotalQty     int    `json:"total_qty"`
	ReservedQty  int    `json:"reserved_qty"`
	CommittedQty int    `json:"committed_qty"`
	AvailableQty int    `json:"available_qty"`
}

func toStockLevel(rec *domain.Record, now time.Time) *StockLevel {
	reserved := rec.Reserved(now)
	committed := rec.Committed()
	return &StockLevel{
		SKU:          rec.SKU,
		TotalQty:     rec.TotalQty,
		ReservedQty:  reserved,
		CommittedQty: committed,
		AvailableQty: rec.TotalQty - reserved - committed,
	}
}

// commitmentsFromOrder 用已保存的订单重建结账结果，供幂等重放使用
func commitmentsFromOrder(order *domain.Order) []domain.Commitment {
	out := make([]domain.Commitment, len(order.Lines))
	for i, l := range order.Lines {
		out[i] = domain.Commitment{SKU: l.SKU, OrderID: order.ID, Qty: l.Qty, CommittedAt: order.CreatedAt}
	}
	return out
}

// HoldRequest 是添加或修改 hold 的请求体
type HoldRequest struct {
	SKU    string `json:"sku"`
	CartID string `json:"cart_id"`
	Qty    int    `json:"qty"`
}

// HoldResponse 描述一个生效中的 hold
type HoldResponse struct {
	SKU       string    `json:"sku"`
	CartID    string    `json:"cart_id"`
	Qty       int       `json:"qty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func ToHoldResponse(h domain.Hold) *HoldResponse {
	return &HoldResponse{SKU: h.SKU, CartID: h.CartID, Qty: h.Qty, CreatedAt: h.CreatedAt, ExpiresAt: h.ExpiresAt}
}

// AvailabilityResponse 是可用量查询的结果
type AvailabilityResponse struct {
	SKU          string `json:"sku"`
	AvailableQty int    `json:"available_qty"`
}

// SetStockRequest 设置 SKU 的实物总量
type SetStockRequest struct {
	SKU      string `json:"sku"`
	TotalQty int    `json:"total_qty"`
}

// CheckoutRequest 是结账请求，幂等键通过 Idempotency-Key 头传递
type CheckoutRequest struct {
	CartID  string            `json:"cart_id"`
	OrderID string            `json:"order_id"`
	Lines   []domain.LineItem `json:"lines"`
}

// CommitmentResponse 描述一条订单占用
type CommitmentResponse struct {
	SKU         string    `json:"sku"`
	OrderID     string    `json:"order_id"`
	Qty         int       `json:"qty"`
	CommittedAt time.Time `json:"committed_at"`
}

// CheckoutResponse 是结账结果
type CheckoutResponse struct {
	OrderID     string               `json:"order_id"`
	Commitments []CommitmentResponse `json:"commitments"`
}

func ToCheckoutResponse(orderID string, commitments []domain.Commitment) *CheckoutResponse {
	resp := &CheckoutResponse{OrderID: orderID, Commitments: make([]CommitmentResponse, len(commitments))}
	for i, c := range commitments {
		resp.Commitments[i] = CommitmentResponse{SKU: c.SKU, OrderID: c.OrderID, Qty: c.Qty, CommittedAt: c.CommittedAt}
	}
	return resp
}

// ReleaseCommitmentRequest 释放订单在某个 SKU 上的占用
type ReleaseCommitmentRequest struct {
	OrderID string `json:"order_id"`
	SKU     string `json:"sku"`
}

// AdjustCommitmentRequest 把订单在某个 SKU 上的占用减少到 NewQty
type AdjustCommitmentRequest struct {
	OrderID string `json:"order_id"`
	SKU     string `json:"sku"`
	NewQty  int    `json:"new_qty"`
}

// CancelOrderRequest 取消订单并释放其全部占用
type CancelOrderRequest struct {
	OrderID string `json:"order_id"`
}

// OrderResponse 是订单在库存视角下的状态
type OrderResponse struct {
	OrderID   string            `json:"order_id"`
	CartID    string            `json:"cart_id"`
	State     domain.OrderState `json:"state"`
	Lines     []domain.LineItem `json:"lines"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func ToOrderResponse(o *domain.Order) *OrderResponse {
	return &OrderResponse{
		OrderID: o.ID, CartID: o.CartID, State: o.State, Lines: o.Lines,
		CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt,
	}
}

// ErrorResponse 是所有失败请求的响应体
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
