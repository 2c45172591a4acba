package port

import "context"

// HoldPolicy 在条件写入之前判断一次加购是否被业务规则允许（例如单个购物车限购）。
type HoldPolicy interface {
	Allow(ctx context.Context, sku, cartID string, qty int) (bool, error)
}
