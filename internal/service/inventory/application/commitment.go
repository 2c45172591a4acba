package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stockledger/internal/pkg/logger"
	"stockledger/internal/pkg/metrics"
	"stockledger/internal/service/inventory/domain"
	"stockledger/internal/service/inventory/domain/port"
)

// CommitmentService 负责结账时把购物车占用转换为订单占用，以及之后的释放与调整。
type CommitmentService struct {
	instrumentation
	ledger      domain.LedgerRepository
	orders      domain.OrderRepository
	idempotency port.IdempotencyStore
	now         func() time.Time
}

// NewCommitmentService 创建服务实例。idempotency 与 publisher 可以为 nil。
func NewCommitmentService(ledger domain.LedgerRepository, orders domain.OrderRepository, idempotency port.IdempotencyStore, publisher port.EventPublisher, tracer trace.Tracer, m *metrics.LedgerMetrics) *CommitmentService {
	return &CommitmentService{
		instrumentation: instrumentation{tracer: tracer, metrics: m, publisher: publisher},
		ledger:          ledger,
		orders:          orders,
		idempotency:     idempotency,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// SetClock 替换时钟，测试用
func (s *CommitmentService) SetClock(now func() time.Time) {
	s.now = now
}

// CommitCartToOrder 在一个事务中校验购物车的每一行都有足够的未过期占用，
// 然后删除这些占用、为订单写入 commitment 并创建订单。
// 任何一行不满足时返回 ErrStaleReservation，且不修改任何台账。
func (s *CommitmentService) CommitCartToOrder(ctx context.Context, cartID, orderID string, lines []domain.LineItem) (commitments []domain.Commitment, err error) {
	ctx, span := s.tracer.Start(ctx, "app.CommitCartToOrder", trace.WithAttributes(
		attribute.String("cart.id", cartID),
		attribute.String("order.id", orderID),
		attribute.Int("lines", len(lines)),
	))
	defer span.End()
	start := time.Now()
	defer func() { s.finish(span, "checkout", start, err) }()

	order, err := domain.NewOrder(orderID, cartID, lines, s.now())
	if err != nil {
		return nil, err
	}

	// 每次尝试都重新取时间：重试期间过期的 hold 不能被提交
	var now time.Time
	records, err := s.ledger.Checkout(ctx, order, func(records map[string]*domain.Record) error {
		now = s.now()
		order.CreatedAt, order.UpdatedAt = now, now
		commitments = commitments[:0]
		for _, l := range order.Lines {
			c, err := records[l.SKU].CommitHold(cartID, orderID, l.Qty, now)
			if err != nil {
				return err
			}
			commitments = append(commitments, c)
		}
		return nil
	})
	if err != nil {
		// 台账不存在意味着不可能有占用
		if errors.Is(err, domain.ErrNotFound) {
			return nil, errors.Wrapf(domain.ErrStaleReservation, "cart %s: %v", cartID, err)
		}
		return nil, err
	}

	logger.Ctx(ctx).Info().Str("cart_id", cartID).Str("order_id", orderID).Int("lines", len(order.Lines)).Msg("cart committed to order")
	events := make([]domain.StockEvent, 0, len(commitments))
	for _, c := range commitments {
		events = append(events, domain.StockEvent{
			Type: domain.EventStockCommitted, SKU: c.SKU, CartID: cartID, OrderID: orderID, Qty: c.Qty,
			AvailableQty: records[c.SKU].Available(now), OccurredAt: now,
		})
	}
	s.publish(ctx, events...)
	return commitments, nil
}

// CheckoutWithKey 是带幂等键的结账。同一个 key 与同一个订单的重放返回首次结账的结果；
// key 已绑定到其他订单时返回 ErrDuplicateOrder；首次结账仍在进行时返回 ErrConflict。
// 进行中标记只短期有效，进程在结账中途崩溃后客户端可以在标记失效后用同一个 key 重试。
func (s *CommitmentService) CheckoutWithKey(ctx context.Context, key, cartID, orderID string, lines []domain.LineItem) ([]domain.Commitment, error) {
	if key == "" || s.idempotency == nil {
		return s.CommitCartToOrder(ctx, cartID, orderID, lines)
	}

	owner, claimed, err := s.idempotency.Claim(ctx, key, orderID)
	if err != nil {
		// 订单主键已经防止重复结账，幂等存储不可用时退化为普通结账
		logger.Ctx(ctx).Warn().Err(err).Str("idempotency_key", key).Msg("idempotency store unavailable, checking out without it")
		return s.CommitCartToOrder(ctx, cartID, orderID, lines)
	}
	if !claimed {
		if owner != orderID {
			return nil, errors.Wrapf(domain.ErrDuplicateOrder, "idempotency key %s already used for order %s", key, owner)
		}
		order, err := s.orders.FindByID(ctx, orderID)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, errors.Wrapf(domain.ErrConflict, "checkout for order %s is still in progress", orderID)
		}
		if err != nil {
			return nil, err
		}
		logger.Ctx(ctx).Info().Str("idempotency_key", key).Str("order_id", orderID).Msg("replaying checkout")
		return commitmentsFromOrder(order), nil
	}

	commitments, err := s.CommitCartToOrder(ctx, cartID, orderID, lines)
	if errors.Is(err, domain.ErrDuplicateOrder) {
		// 上一次结账已经成功但绑定没有确认（进程崩溃或 Confirm 失败），同一购物车的订单按重放处理
		if order, findErr := s.orders.FindByID(ctx, orderID); findErr == nil && order.CartID == cartID {
			logger.Ctx(ctx).Info().Str("idempotency_key", key).Str("order_id", orderID).Msg("replaying unconfirmed checkout")
			s.confirm(ctx, key, orderID)
			return commitmentsFromOrder(order), nil
		}
	}
	if err != nil {
		if relErr := s.idempotency.Release(ctx, key); relErr != nil {
			logger.Ctx(ctx).Error().Err(relErr).Str("idempotency_key", key).Msg("failed to release idempotency key")
		}
		return nil, err
	}
	s.confirm(ctx, key, orderID)
	return commitments, nil
}

// confirm 失败只记录日志：进行中标记到期后，重试会走未确认结账的重放分支
func (s *CommitmentService) confirm(ctx context.Context, key, orderID string) {
	if err := s.idempotency.Confirm(ctx, key, orderID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("idempotency_key", key).Str("order_id", orderID).Msg("failed to confirm idempotency key")
	}
}

// ReleaseCommitment 删除订单对 sku 的占用，占用不存在时视为成功
func (s *CommitmentService) ReleaseCommitment(ctx context.Context, orderID, sku string) (err error) {
	ctx, span := s.tracer.Start(ctx, "app.ReleaseCommitment", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("sku", sku),
	))
	defer span.End()
	start := time.Now()
	defer func() { s.finish(span, "release_commitment", start, err) }()

	var (
		released domain.Commitment
		ok       bool
		at       time.Time
	)
	rec, err := s.ledger.Update(ctx, sku, func(rec *domain.Record) error {
		at = s.now()
		released, ok = rec.ReleaseCommitment(orderID)
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if ok {
		s.publish(ctx, domain.StockEvent{
			Type: domain.EventCommitmentReleased, SKU: sku, OrderID: orderID, Qty: released.Qty,
			AvailableQty: rec.Available(at), OccurredAt: at,
		})
	}
	return nil
}

// AdjustCommitment 把订单对 sku 的占用减少到 newQty，newQty 为 0 时删除该占用。
// 只能减少：newQty 大于当前数量时返回 ErrInvalidAdjustment。
func (s *CommitmentService) AdjustCommitment(ctx context.Context, orderID, sku string, newQty int) (err error) {
	ctx, span := s.tracer.Start(ctx, "app.AdjustCommitment", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("sku", sku),
		attribute.Int("new_qty", newQty),
	))
	defer span.End()
	start := time.Now()
	defer func() { s.finish(span, "adjust_commitment", start, err) }()

	var (
		prev domain.Commitment
		at   time.Time
	)
	rec, err := s.ledger.Update(ctx, sku, func(rec *domain.Record) error {
		at = s.now()
		c, err := rec.AdjustCommitment(orderID, newQty)
		prev = c
		return err
	})
	if err != nil {
		return err
	}
	if prev.Qty != newQty {
		s.publish(ctx, domain.StockEvent{
			Type: domain.EventCommitmentAdjusted, SKU: sku, OrderID: orderID, Qty: newQty,
			AvailableQty: rec.Available(at), OccurredAt: at,
		})
	}
	return nil
}

// CancelOrder 释放订单的全部占用并把订单标记为 CANCELLED。重复取消是幂等的。
func (s *CommitmentService) CancelOrder(ctx context.Context, orderID string) (order *domain.Order, err error) {
	ctx, span := s.tracer.Start(ctx, "app.CancelOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()
	start := time.Now()
	defer func() { s.finish(span, "cancel_order", start, err) }()

	var (
		released  []domain.Commitment
		available map[string]int
		at        time.Time
	)
	order, err = s.ledger.UpdateOrder(ctx, orderID, func(o *domain.Order, records map[string]*domain.Record) error {
		at = s.now()
		released = released[:0]
		available = make(map[string]int, len(records))
		for _, sku := range o.SKUs() {
			rec, ok := records[sku]
			if !ok {
				continue
			}
			if c, ok := rec.ReleaseCommitment(o.ID); ok {
				released = append(released, c)
				available[sku] = rec.Available(at)
			}
		}
		o.Cancel(at)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Ctx(ctx).Info().Str("order_id", orderID).Int("released", len(released)).Msg("order cancelled")
	events := make([]domain.StockEvent, 0, len(released))
	for _, c := range released {
		events = append(events, domain.StockEvent{
			Type: domain.EventCommitmentReleased, SKU: c.SKU, OrderID: orderID, Qty: c.Qty,
			AvailableQty: available[c.SKU], OccurredAt: at,
		})
	}
	s.publish(ctx, events...)
	return order, nil
}

// GetOrder 查询订单
func (s *CommitmentService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "app.GetOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()
	return s.orders.FindByID(ctx, orderID)
}
