package application

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockledger/internal/pkg/logger"
	"stockledger/internal/pkg/metrics"
	"stockledger/internal/service/inventory/domain"
	"stockledger/internal/service/inventory/domain/port"
)

// outcome 把错误归类为指标标签
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, domain.ErrStaleReservation):
		return "stale_reservation"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrInvalidAdjustment):
		return "invalid_adjustment"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidQuantity), errors.Is(err, domain.ErrInvalidArgument):
		return "invalid"
	case errors.Is(err, domain.ErrHoldRejected):
		return "rejected"
	case errors.Is(err, domain.ErrDuplicateOrder):
		return "duplicate_order"
	default:
		return "error"
	}
}

// isBusinessError 表示调用方输入或库存状态导致的失败，不算服务故障
func isBusinessError(err error) bool {
	o := outcome(err)
	return o != "error" && o != "conflict"
}

// instrumentation 是各应用服务共用的追踪、指标与事件发布
type instrumentation struct {
	tracer    trace.Tracer
	metrics   *metrics.LedgerMetrics
	publisher port.EventPublisher
}

// finish 结束一次操作：记录指标，并在失败时标记 span
func (in *instrumentation) finish(span trace.Span, op string, start time.Time, err error) {
	in.metrics.Observe(op, start, outcome(err))
	if err == nil {
		return
	}
	span.RecordError(err)
	if !isBusinessError(err) {
		span.SetStatus(codes.Error, err.Error())
	}
}

// publish 在写入提交之后发布事件；发布失败只记录日志
func (in *instrumentation) publish(ctx context.Context, events ...domain.StockEvent) {
	if in.publisher == nil || len(events) == 0 {
		return
	}
	for i := range events {
		if events[i].EventID == "" {
			events[i].EventID = uuid.NewString()
		}
	}
	if err := in.publisher.Publish(ctx, events...); err != nil {
		logger.Ctx(ctx).Error().Err(err).Int("count", len(events)).Msg("failed to publish stock events")
	}
}
