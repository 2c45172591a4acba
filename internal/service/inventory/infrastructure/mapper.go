package infrastructure

import (
	"stockledger/internal/service/inventory/domain"
)

// toDomainRecord 将台账行及其 hold / commitment 行组装为领域模型
func toDomainRecord(model *InventoryRecordModel, holds []InventoryHoldModel, commitments []InventoryCommitmentModel) *domain.Record {
	rec := domain.NewRecord(model.SKU, model.TotalQty)
	rec.Version = model.Version
	rec.UpdatedAt = model.UpdatedAt
	for _, h := range holds {
		rec.Holds[h.CartID] = domain.Hold{
			SKU:       h.SKU,
			CartID:    h.CartID,
			Qty:       h.Qty,
			CreatedAt: h.CreatedAt,
			ExpiresAt: h.ExpiresAt,
		}
	}
	for _, c := range commitments {
		rec.Commitments[c.OrderID] = domain.Commitment{
			SKU:         c.SKU,
			OrderID:     c.OrderID,
			Qty:         c.Qty,
			CommittedAt: c.CommittedAt,
		}
	}
	return rec
}

func fromDomainHold(h domain.Hold) *InventoryHoldModel {
	return &InventoryHoldModel{
		SKU:       h.SKU,
		CartID:    h.CartID,
		Qty:       h.Qty,
		CreatedAt: h.CreatedAt,
		ExpiresAt: h.ExpiresAt,
	}
}

func fromDomainCommitment(c domain.Commitment) *InventoryCommitmentModel {
	return &InventoryCommitmentModel{
		SKU:         c.SKU,
		OrderID:     c.OrderID,
		Qty:         c.Qty,
		CommittedAt: c.CommittedAt,
	}
}

// toDomainOrder 将数据库模型转换为领域模型
func toDomainOrder(model *OrderModel) *domain.Order {
	if model == nil {
		return nil
	}
	lines := make([]domain.LineItem, len(model.Lines))
	for i, l := range model.Lines {
		lines[i] = domain.LineItem{SKU: l.SKU, Qty: l.Qty}
	}
	return &domain.Order{
		ID:        model.ID,
		CartID:    model.CartID,
		Lines:     lines,
		State:     domain.OrderState(model.State),
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}
}

// fromDomainOrder 生成用于插入的完整订单模型（含订单行）
func fromDomainOrder(order *domain.Order) *OrderModel {
	lines := make([]OrderLineModel, len(order.Lines))
	for i, l := range order.Lines {
		lines[i] = OrderLineModel{OrderID: order.ID, SKU: l.SKU, Qty: l.Qty}
	}
	return &OrderModel{
		ID:        order.ID,
		CartID:    order.CartID,
		State:     string(order.State),
		CreatedAt: order.CreatedAt,
		UpdatedAt: order.UpdatedAt,
		Lines:     lines,
	}
}
