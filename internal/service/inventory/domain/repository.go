package domain

import (
	"context"
	"time"
)

// MutateFunc 在条件写入内部对单条台账做纯内存修改，返回错误时整个写入回滚。
// 发生并发冲突重试时会被再次调用，因此不能有外部副作用。
type MutateFunc func(rec *Record) error

// MultiMutateFunc 同时修改多条台账（key: sku）
type MultiMutateFunc func(records map[string]*Record) error

// OrderMutateFunc 在同一事务中修改订单及其涉及的台账
type OrderMutateFunc func(order *Order, records map[string]*Record) error

// LedgerRepository 定义了库存台账的持久化接口。
// 所有写方法都是原子条件写入：要么全部生效，要么台账保持调用前的状态。
type LedgerRepository interface {
	// FindBySKU 读取台账快照，SKU 不存在时返回 ErrNotFound。
	FindBySKU(ctx context.Context, sku string) (*Record, error)

	// Update 在一次条件写入中加载、修改并保存台账；并发冲突时有限次重试，耗尽后返回 ErrConflict。
	Update(ctx context.Context, sku string, mutate MutateFunc) (*Record, error)

	// UpdateOrCreate 与 Update 相同，但 SKU 不存在时先创建 totalQty 为 0 的台账。
	UpdateOrCreate(ctx context.Context, sku string, mutate MutateFunc) (*Record, error)

	// Checkout 在一个事务中修改订单涉及的全部台账并写入订单。
	Checkout(ctx context.Context, order *Order, mutate MultiMutateFunc) (map[string]*Record, error)

	// UpdateOrder 在一个事务中修改已存在的订单及其涉及的台账。
	UpdateOrder(ctx context.Context, orderID string, mutate OrderMutateFunc) (*Order, error)

	// ExpiredHoldSKUs 列出存在 expiresAt <= before 的 hold 的 SKU，最多 limit 个。
	ExpiredHoldSKUs(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// OrderRepository 定义了订单的只读查询接口
type OrderRepository interface {
	FindByID(ctx context.Context, id string) (*Order, error)
}
