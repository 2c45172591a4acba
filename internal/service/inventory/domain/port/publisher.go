package port

import (
	"context"
	"stockledger/internal/service/inventory/domain"
)

// EventPublisher 是库存事件的出站端口。
// 事件在台账事务提交之后发布，发布失败不回滚已经提交的写入。
type EventPublisher interface {
	Publish(ctx context.Context, events ...domain.StockEvent) error
}
