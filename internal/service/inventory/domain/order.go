package domain

import (
	"sort"
	"time"

	"github.com/pkg/errors"
)

// OrderState 定义了订单在库存视角下的生命周期状态
type OrderState string

const (
	OrderStatePlaced    OrderState = "PLACED"    // 结账完成，库存已转为订单占用
	OrderStateCancelled OrderState = "CANCELLED" // 订单取消，所有占用已释放
)

// LineItem 是购物车 / 订单中的一行
type LineItem struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

// Cart 是结账时传入的购物车快照
type Cart struct {
	ID    string
	Lines []LineItem
}

// Order 是结账时与库存占用在同一事务中创建的订单
type Order struct {
	ID        string
	CartID    string
	Lines     []LineItem
	State     OrderState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOrder 用于从购物车快照创建一个新的订单实例。
// 同一 SKU 的多行会被合并，行按 SKU 排序。
func NewOrder(orderID, cartID string, lines []LineItem, now time.Time) (*Order, error) {
	if orderID == "" || cartID == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "cannot create order with empty order id or cart id")
	}
	merged, err := MergeLines(lines)
	if err != nil {
		return nil, err
	}
	return &Order{
		ID:        orderID,
		CartID:    cartID,
		Lines:     merged,
		State:     OrderStatePlaced,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// MergeLines 合并相同 SKU 的行并校验数量
func MergeLines(lines []LineItem) ([]LineItem, error) {
	if len(lines) == 0 {
		return nil, errors.Wrap(ErrInvalidQuantity, "order must contain at least one line")
	}
	qty := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.SKU == "" {
			return nil, errors.Wrap(ErrInvalidArgument, "line with empty sku")
		}
		if l.Qty <= 0 {
			return nil, errors.Wrapf(ErrInvalidQuantity, "line %s: qty must be positive, got %d", l.SKU, l.Qty)
		}
		qty[l.SKU] += l.Qty
	}
	merged := make([]LineItem, 0, len(qty))
	for sku, q := range qty {
		merged = append(merged, LineItem{SKU: sku, Qty: q})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].SKU < merged[j].SKU })
	return merged, nil
}

// SKUs 返回订单涉及的 SKU，已排序，用于按固定顺序加锁
func (o *Order) SKUs() []string {
	skus := make([]string, len(o.Lines))
	for i, l := range o.Lines {
		skus[i] = l.SKU
	}
	return skus
}

// Cancel 取消订单，重复取消是幂等的
func (o *Order) Cancel(now time.Time) {
	if o.State == OrderStateCancelled {
		return
	}
	o.State = OrderStateCancelled
	o.UpdatedAt = now
}
