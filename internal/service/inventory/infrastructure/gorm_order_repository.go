package infrastructure

import (
	"context"

	"gorm.io/gorm"

	"stockledger/internal/service/inventory/domain"
)

// GormOrderRepository 是 OrderRepository 的 GORM 实现
type GormOrderRepository struct {
	db *gorm.DB
}

func NewGormOrderRepository(db *gorm.DB) *GormOrderRepository {
	return &GormOrderRepository{db: db}
}

// FindByID 查找订单及其订单行，不存在时返回 ErrNotFound
func (r *GormOrderRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	return findOrder(r.db.WithContext(ctx), id)
}
