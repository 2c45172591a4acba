package application

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"stockledger/internal/pkg/logger"
	"stockledger/internal/pkg/metrics"
	"stockledger/internal/service/inventory/domain"
	"stockledger/internal/service/inventory/domain/port"
)

// DefaultHoldTTL 是购物车占用的默认有效期
const DefaultHoldTTL = 15 * time.Minute

// ReservationService 管理购物车对库存的临时占用。
// 所有写入都交给仓储的条件写入完成，服务本身不做先读后写。
type ReservationService struct {
	instrumentation
	ledger  domain.LedgerRepository
	policy  port.HoldPolicy
	holdTTL time.Duration
	now     func() time.Time
	reads   singleflight.Group
}

// NewReservationService 创建服务实例。policy 与 publisher 可以为 nil。
func NewReservationService(ledger domain.LedgerRepository, policy port.HoldPolicy, publisher port.EventPublisher, holdTTL time.Duration, tracer trace.Tracer, m *metrics.LedgerMetrics) *ReservationService {
	if holdTTL <= 0 {
		holdTTL = DefaultHoldTTL
	}
	return &ReservationService{
		instrumentation: instrumentation{tracer: tracer, metrics: m, publisher: publisher},
		ledger:          ledger,
		policy:          policy,
		holdTTL:         holdTTL,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// SetClock 替换时钟，测试用
func (s *ReservationService) SetClock(now func() time.Time) {
	s.now = now
}

// AddOrUpdateHold 为购物车新建或替换对 sku 的占用，并把过期时间刷新为 now+TTL。
// 可用量不足时返回 ErrInsufficientStock，原有占用保持不变。
func (s *ReservationService) AddOrUpdateHold(ctx context.Context, sku, cartID string, qty int) (hold domain.Hold, err error) {
	ctx, span := s.tracer.Start(ctx, "app.AddOrUpdateHold", trace.WithAttributes(
		attribute.String("sku", sku),
		attribute.String("cart.id", cartID),
		attribute.Int("qty", qty),
	))
	defer span.End()
	start := time.Now()
	defer func() { s.finish(span, "add_hold", start, err) }()

	if sku == "" || cartID == "" {
		return domain.Hold{}, errors.Wrap(domain.ErrInvalidArgument, "sku and cart id are required")
	}
	if qty <= 0 {
		return domain.Hold{}, errors.Wrapf(domain.ErrInvalidQuantity, "hold qty must be positive, got %d", qty)
	}
	if s.policy != nil {
		allowed, err := s.policy.Allow(ctx, sku, cartID, qty)
		if err != nil {
			return domain.Hold{}, errors.Wrap(err, "hold policy evaluation failed")
		}
		if !allowed {
			return domain.Hold{}, errors.Wrapf(domain.ErrHoldRejected, "sku %s cart %s qty %d", sku, cartID, qty)
		}
	}

	var at time.Time
	rec, err := s.ledger.Update(ctx, sku, func(rec *domain.Record) error {
		at = s.now()
		h, err := rec.PutHold(cartID, qty, s.holdTTL, at)
		hold = h
		return err
	})
	if err != nil {
		return domain.Hold{}, err
	}

	available := rec.Available(at)
	span.SetAttributes(attribute.Int("available_qty", available))
	logger.Ctx(ctx).Info().Str("sku", sku).Str("cart_id", cartID).Int("qty", qty).Time("expires_at", hold.ExpiresAt).Msg("hold placed")
	s.publish(ctx, domain.StockEvent{
		Type: domain.EventHoldPlaced, SKU: sku, CartID: cartID, Qty: qty, AvailableQty: available, OccurredAt: at,
	})
	return hold, nil
}

// RemoveHold 删除购物车对 sku 的占用。占用或 SKU 不存在都视为成功。
func (s *ReservationService) RemoveHold(ctx context.Context, sku, cartID string) (err error) {
	ctx, span := s.tracer.Start(ctx, "app.RemoveHold", trace.WithAttributes(
		attribute.String("sku", sku),
		attribute.String("cart.id", cartID),
	))
	defer span.End()
	start := time.Now()
	defer func() { s.finish(span, "remove_hold", start, err) }()

	var (
		removed domain.Hold
		ok      bool
		at      time.Time
	)
	rec, err := s.ledger.Update(ctx, sku, func(rec *domain.Record) error {
		at = s.now()
		removed, ok = rec.DropHold(cartID)
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
			Type: domain.EventHoldRemoved, SKU: sku, CartID: cartID, Qty: removed.Qty, AvailableQty: rec.Available(at), OccurredAt: at,
		})
	}
	return nil
}

// GetAvailableQty 返回 totalQty 减去未过期占用与订单占用后的数量。
// 同一 SKU 的并发读取会合并为一次查询：查询期间提交的写入可能不可见，
// 结果只用于展示，加购与结账总是在条件写入内重新计算可用量。
// 共享查询不随单个调用方取消。
func (s *ReservationService) GetAvailableQty(ctx context.Context, sku string) (available int, err error) {
	ctx, span := s.tracer.Start(ctx, "app.GetAvailableQty", trace.WithAttributes(attribute.String("sku", sku)))
	defer span.End()
	start := time.Now()
	defer func() { s.finish(span, "get_available", start, err) }()

	shared := context.WithoutCancel(ctx)
	v, err, coalesced := s.reads.Do(sku, func() (interface{}, error) {
		rec, err := s.ledger.FindBySKU(shared, sku)
		if err != nil {
			return 0, err
		}
		return rec.Available(s.now()), nil
	})
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Bool("singleflight.shared", coalesced))
	return v.(int), nil
}

// GetStockLevel 返回完整的库存视图
func (s *ReservationService) GetStockLevel(ctx context.Context, sku string) (level *StockLevel, err error) {
	ctx, span := s.tracer.Start(ctx, "app.GetStockLevel", trace.WithAttributes(attribute.String("sku", sku)))
	defer span.End()
	start := time.Now()
	defer func() { s.finish(span, "get_stock_level", start, err) }()

	rec, err := s.ledger.FindBySKU(ctx, sku)
	if err != nil {
		return nil, err
	}
	return toStockLevel(rec, s.now()), nil
}

// SetTotalQty 修改实物库存，SKU 不存在时创建。
// 新库存低于当前占用总和时返回 ErrInsufficientStock。
func (s *ReservationService) SetTotalQty(ctx context.Context, sku string, total int) (level *StockLevel, err error) {
	ctx, span := s.tracer.Start(ctx, "app.SetTotalQty", trace.WithAttributes(
		attribute.String("sku", sku),
		attribute.Int("total_qty", total),
	))
	defer span.End()
	start := time.Now()
	defer func() { s.finish(span, "set_total", start, err) }()

	if sku == "" {
		return nil, errors.Wrap(domain.ErrInvalidArgument, "sku is required")
	}
	var (
		at   time.Time
		prev int
	)
	rec, err := s.ledger.UpdateOrCreate(ctx, sku, func(rec *domain.Record) error {
		at = s.now()
		prev = rec.TotalQty
		return rec.SetTotal(total, at)
	})
	if err != nil {
		return nil, err
	}

	level = toStockLevel(rec, at)
	logger.Ctx(ctx).Info().Str("sku", sku).Int("from", prev).Int("to", total).Msg("stock adjusted")
	if prev != total {
		s.publish(ctx, domain.StockEvent{
			Type: domain.EventStockAdjusted, SKU: sku, Qty: total, AvailableQty: level.AvailableQty, OccurredAt: at,
		})
	}
	return level, nil
}
