package infrastructure

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stockledger/internal/service/inventory/domain"
)

// GormLedgerRepository 是 LedgerRepository 的 GORM 实现。
// 每次写入都经由 Guard：加载快照、执行纯内存修改、按 version 条件更新台账行，
// 再写入被改动的 hold / commitment 行，全部在一个事务中完成。
type GormLedgerRepository struct {
	db    *gorm.DB
	guard *Guard
	now   func() time.Time
}

// NewGormLedgerRepository 创建一个新的 GORM 仓储实例
func NewGormLedgerRepository(db *gorm.DB, guard *Guard) *GormLedgerRepository {
	return &GormLedgerRepository{db: db, guard: guard, now: time.Now}
}

// FindBySKU 读取台账快照
func (r *GormLedgerRepository) FindBySKU(ctx context.Context, sku string) (*domain.Record, error) {
	return r.load(r.db.WithContext(ctx), sku)
}

func (r *GormLedgerRepository) Update(ctx context.Context, sku string, mutate domain.MutateFunc) (*domain.Record, error) {
	return r.update(ctx, "update", sku, false, mutate)
}

func (r *GormLedgerRepository) UpdateOrCreate(ctx context.Context, sku string, mutate domain.MutateFunc) (*domain.Record, error) {
	return r.update(ctx, "update_or_create", sku, true, mutate)
}

func (r *GormLedgerRepository) update(ctx context.Context, op, sku string, create bool, mutate domain.MutateFunc) (*domain.Record, error) {
	var out *domain.Record
	err := r.guard.Run(ctx, op, func(tx *gorm.DB) error {
		rec, err := r.load(tx, sku)
		if create && errors.Is(err, domain.ErrNotFound) {
			rec, err = r.create(tx, sku)
		}
		if err != nil {
			return err
		}
		if err := mutate(rec); err != nil {
			return err
		}
		if err := r.persist(tx, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Checkout 在一个事务中按 SKU 顺序加载订单涉及的全部台账、执行修改并写入订单。
// 任何一步失败都会回滚全部改动。
func (r *GormLedgerRepository) Checkout(ctx context.Context, order *domain.Order, mutate domain.MultiMutateFunc) (map[string]*domain.Record, error) {
	var out map[string]*domain.Record
	err := r.guard.Run(ctx, "checkout", func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&OrderModel{}).Where("id = ?", order.ID).Count(&existing).Error; err != nil {
			return errors.Wrap(err, "failed to check order existence")
		}
		if existing > 0 {
			return errors.Wrapf(domain.ErrDuplicateOrder, "order %s already exists", order.ID)
		}

		skus := order.SKUs()
		records := make(map[string]*domain.Record, len(skus))
		for _, sku := range skus {
			rec, err := r.load(tx, sku)
			if err != nil {
				return err
			}
			records[sku] = rec
		}
		if err := mutate(records); err != nil {
			return err
		}
		for _, sku := range skus {
			if err := r.persist(tx, records[sku]); err != nil {
				return err
			}
		}

		if err := tx.Create(fromDomainOrder(order)).Error; err != nil {
			if isDuplicateKey(err) {
				return errors.Wrapf(domain.ErrDuplicateOrder, "order %s already exists", order.ID)
			}
			return errors.Wrapf(err, "failed to insert order %s", order.ID)
		}
		out = records
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateOrder 在一个事务中修改已存在的订单及其涉及的台账
func (r *GormLedgerRepository) UpdateOrder(ctx context.Context, orderID string, mutate domain.OrderMutateFunc) (*domain.Order, error) {
	var out *domain.Order
	err := r.guard.Run(ctx, "update_order", func(tx *gorm.DB) error {
		order, err := findOrder(tx, orderID)
		if err != nil {
			return err
		}

		records := make(map[string]*domain.Record, len(order.Lines))
		for _, sku := range order.SKUs() {
			rec, err := r.load(tx, sku)
			if errors.Is(err, domain.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			records[sku] = rec
		}

		prevState := order.State
		if err := mutate(order, records); err != nil {
			return err
		}
		for _, sku := range order.SKUs() {
			if rec, ok := records[sku]; ok {
				if err := r.persist(tx, rec); err != nil {
					return err
				}
			}
		}

		if order.State != prevState {
			err := tx.Model(&OrderModel{}).Where("id = ?", order.ID).Updates(map[string]interface{}{
				"state":      string(order.State),
				"updated_at": order.UpdatedAt,
			}).Error
			if err != nil {
				return errors.Wrapf(err, "failed to update order %s", order.ID)
			}
		}
		out = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExpiredHoldSKUs 列出存在已过期 hold 的 SKU
func (r *GormLedgerRepository) ExpiredHoldSKUs(ctx context.Context, before time.Time, limit int) ([]string, error) {
	var skus []string
	err := r.db.WithContext(ctx).
		Model(&InventoryHoldModel{}).
		Where("expires_at <= ?", before).
		Distinct().
		Order("sku").
		Limit(limit).
		Pluck("sku", &skus).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list skus with expired holds")
	}
	return skus, nil
}

func (r *GormLedgerRepository) load(tx *gorm.DB, sku string) (*domain.Record, error) {
	var model InventoryRecordModel
	if err := tx.Where("sku = ?", sku).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(domain.ErrNotFound, "sku %s", sku)
		}
		return nil, errors.Wrapf(err, "failed to load inventory record %s", sku)
	}
	var holds []InventoryHoldModel
	if err := tx.Where("sku = ?", sku).Find(&holds).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to load holds of %s", sku)
	}
	var commitments []InventoryCommitmentModel
	if err := tx.Where("sku = ?", sku).Find(&commitments).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to load commitments of %s", sku)
	}
	return toDomainRecord(&model, holds, commitments), nil
}

// create 插入 totalQty 为 0 的台账；并发创建时以先到者为准
func (r *GormLedgerRepository) create(tx *gorm.DB, sku string) (*domain.Record, error) {
	now := r.now()
	model := InventoryRecordModel{SKU: sku, CreatedAt: now, UpdatedAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to create inventory record %s", sku)
	}
	return r.load(tx, sku)
}

// persist 按 version 条件更新台账行，然后写入被改动的 hold / commitment 行。
// 台账没有任何改动时不写入，也不推进 version。
func (r *GormLedgerRepository) persist(tx *gorm.DB, rec *domain.Record) error {
	if !rec.Dirty() {
		return nil
	}
	now := r.now()
	res := tx.Model(&InventoryRecordModel{}).
		Where("sku = ? AND version = ?", rec.SKU, rec.Version).
		Updates(map[string]interface{}{
			"total_qty":  rec.TotalQty,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to update inventory record %s", rec.SKU)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(errLostRace, "sku %s at version %d", rec.SKU, rec.Version)
	}
	rec.Version++
	rec.UpdatedAt = now

	holdKeys, commitmentKeys := rec.Changes()
	for _, cartID := range holdKeys {
		if h, ok := rec.Holds[cartID]; ok {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "sku"}, {Name: "cart_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"qty", "created_at", "expires_at"}),
			}).Create(fromDomainHold(h)).Error
			if err != nil {
				return errors.Wrapf(err, "failed to save hold %s/%s", rec.SKU, cartID)
			}
			continue
		}
		err := tx.Where("sku = ? AND cart_id = ?", rec.SKU, cartID).Delete(&InventoryHoldModel{}).Error
		if err != nil {
			return errors.Wrapf(err, "failed to delete hold %s/%s", rec.SKU, cartID)
		}
	}
	for _, orderID := range commitmentKeys {
		if c, ok := rec.Commitments[orderID]; ok {
			err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "sku"}, {Name: "order_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"qty", "committed_at"}),
			}).Create(fromDomainCommitment(c)).Error
			if err != nil {
				return errors.Wrapf(err, "failed to save commitment %s/%s", rec.SKU, orderID)
			}
			continue
		}
		err := tx.Where("sku = ? AND order_id = ?", rec.SKU, orderID).Delete(&InventoryCommitmentModel{}).Error
		if err != nil {
			return errors.Wrapf(err, "failed to delete commitment %s/%s", rec.SKU, orderID)
		}
	}
	return nil
}

func findOrder(tx *gorm.DB, orderID string) (*domain.Order, error) {
	var model OrderModel
	err := tx.Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("sku") }).
		Where("id = ?", orderID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(domain.ErrNotFound, "order %s", orderID)
		}
		return nil, errors.Wrapf(err, "failed to load order %s", orderID)
	}
	return toDomainOrder(&model), nil
}
