package adapter

import (
	"context"

	"github.com/pkg/errors"

	"stockledger/internal/service/inventory/domain"
	"stockledger/internal/service/inventory/domain/port"
)

// FanoutPublisher 把同一批事件依次交给多个发布者，单个发布者失败不影响其余发布者
type FanoutPublisher struct {
	publishers []port.EventPublisher
}

// NewFanoutPublisher 忽略 nil 发布者
func NewFanoutPublisher(publishers ...port.EventPublisher) *FanoutPublisher {
	f := &FanoutPublisher{}
	for _, p := range publishers {
		if p != nil {
			f.publishers = append(f.publishers, p)
		}
	}
	return f
}

// Len 返回有效发布者数量
func (f *FanoutPublisher) Len() int {
	return len(f.publishers)
}

func (f *FanoutPublisher) Publish(ctx context.Context, events ...domain.StockEvent) error {
	var first error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, events...); err != nil && first == nil {
			first = errors.WithStack(err)
		}
	}
	return first
}
