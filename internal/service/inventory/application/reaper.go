package application

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stockledger/internal/pkg/logger"
	"stockledger/internal/pkg/metrics"
	"stockledger/internal/service/inventory/domain"
	"stockledger/internal/service/inventory/domain/port"
)

const (
	DefaultReapInterval = 60 * time.Second
	DefaultReapBatch    = 100
	maxBatchesPerSweep  = 50
)

// Reaper 定期物理删除已过期的 hold。
// 可用量计算本身已经忽略过期 hold，清理只是回收存储，因此错过一轮不影响正确性。
type Reaper struct {
	instrumentation
	ledger    domain.LedgerRepository
	locker    port.SweepLocker
	interval  time.Duration
	batchSize int
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReaper 创建清理器。locker 为 nil 时每个实例都会清理，条件写入保证这依然安全。
func NewReaper(ledger domain.LedgerRepository, locker port.SweepLocker, publisher port.EventPublisher, interval time.Duration, batchSize int, tracer trace.Tracer, m *metrics.LedgerMetrics) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultReapBatch
	}
	return &Reaper{
		instrumentation: instrumentation{tracer: tracer, metrics: m, publisher: publisher},
		ledger:          ledger,
		locker:          locker,
		interval:        interval,
		batchSize:       batchSize,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// SetClock 替换时钟，测试用
func (r *Reaper) SetClock(now func() time.Time) {
	r.now = now
}

// Start 启动定时清理，立即返回
func (r *Reaper) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		logger.Ctx(ctx).Info().Dur("interval", r.interval).Msg("hold reaper started")
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
					logger.Ctx(ctx).Error().Err(err).Msg("hold sweep failed")
				}
			case <-ctx.Done():
				logger.Ctx(ctx).Info().Msg("hold reaper shutting down")
				return
			}
		}
	}()
	return nil
}

// Stop 停止定时清理并等待正在进行的一轮结束
func (r *Reaper) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep 执行一轮清理，返回删除的 hold 数量。
// 每个 SKU 单独做一次条件写入，只删除在该快照中仍然过期的 hold，刷新过的 hold 会保留。
func (r *Reaper) Sweep(ctx context.Context) (reaped int, err error) {
	ctx, span := r.tracer.Start(ctx, "app.ReaperSweep")
	defer span.End()
	start := time.Now()
	defer func() {
		span.SetAttributes(attribute.Int("reaped", reaped))
		r.finish(span, "reap", start, err)
	}()

	if r.locker != nil {
		release, ok, err := r.locker.TryAcquire(ctx)
		if err != nil {
			return 0, errors.Wrap(err, "failed to acquire sweep lock")
		}
		if !ok {
			span.AddEvent("sweep lock held by another instance")
			return 0, nil
		}
		defer release()
	}

	failed := make(map[string]bool)
	for batch := 0; batch < maxBatchesPerSweep; batch++ {
		skus, err := r.ledger.ExpiredHoldSKUs(ctx, r.now(), r.batchSize)
		if err != nil {
			return reaped, err
		}
		progressed := false
		for _, sku := range skus {
			if failed[sku] {
				continue
			}
			n, err := r.reapSKU(ctx, sku)
			if err != nil {
				if ctx.Err() != nil {
					return reaped, ctx.Err()
				}
				failed[sku] = true
				logger.Ctx(ctx).Warn().Err(err).Str("sku", sku).Msg("failed to reap expired holds, will retry next sweep")
				continue
			}
			reaped += n
			progressed = true
		}
		if len(skus) < r.batchSize || !progressed {
			break
		}
	}
	r.metrics.AddReaped(reaped)
	if reaped > 0 {
		logger.Ctx(ctx).Info().Int("reaped", reaped).Msg("expired holds deleted")
	}
	return reaped, nil
}

func (r *Reaper) reapSKU(ctx context.Context, sku string) (int, error) {
	var (
		purged []domain.Hold
		at     time.Time
	)
	rec, err := r.ledger.Update(ctx, sku, func(rec *domain.Record) error {
		at = r.now()
		purged = rec.PurgeExpired(at)
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	events := make([]domain.StockEvent, 0, len(purged))
	available := rec.Available(at)
	for _, h := range purged {
		events = append(events, domain.StockEvent{
			Type: domain.EventHoldExpired, SKU: sku, CartID: h.CartID, Qty: h.Qty, AvailableQty: available, OccurredAt: at,
		})
	}
	r.publish(ctx, events...)
	return len(purged), nil
}
