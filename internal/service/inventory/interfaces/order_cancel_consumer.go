package interfaces

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stockledger/internal/pkg/logger"
	"stockledger/internal/pkg/mq"
	"stockledger/internal/service/inventory/domain"
)

const maxCancelAttempts = 3

// OrderCancelledEvent 是订单服务在订单取消或超时关闭时发出的消息
type OrderCancelledEvent struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

// OrderCanceller 是消费者驱动的应用服务能力
type OrderCanceller interface {
	CancelOrder(ctx context.Context, orderID string) (*domain.Order, error)
}

// OrderCancelConsumer 是一个驱动适配器，它监听订单取消消息并释放订单的全部占用。
type OrderCancelConsumer struct {
	reader    mq.MessageReader
	canceller OrderCanceller
	tracer    trace.Tracer
	topic     string

	dlt      mq.MessageWriter
	dltTopic string

	retryDelay time.Duration
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewOrderCancelConsumer 创建一个新的消费者
func NewOrderCancelConsumer(reader mq.MessageReader, topic string, canceller OrderCanceller, tracer trace.Tracer) *OrderCancelConsumer {
	return &OrderCancelConsumer{
		reader:     reader,
		canceller:  canceller,
		tracer:     tracer,
		topic:      topic,
		retryDelay: time.Second,
	}
}

// WithDeadLetter 让无法解析或重试耗尽的消息转入死信 topic，不设置时这些消息只记录日志
func (c *OrderCancelConsumer) WithDeadLetter(w mq.MessageWriter, topic string) *OrderCancelConsumer {
	c.dlt, c.dltTopic = w, topic
	return c
}

// Start 在后台开始消费，立即返回
func (c *OrderCancelConsumer) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", c.topic).Msg("order cancel consumer started")
		for {
			// 使用 FetchMessage 而不是 ReadMessage，处理完成后再手动提交 offset
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Ctx(ctx).Info().Msg("order cancel consumer shutting down")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Msg("could not fetch message, retrying")
				if !sleepCtx(ctx, c.retryDelay) {
					return
				}
				continue
			}

			msgCtx := mq.ExtractTraceContext(ctx, msg.Headers)
			if cause := c.handle(msgCtx, msg); cause != nil {
				// 死信写入成功前不提交 offset，进程退出后消息会被重新投递
				if !c.deadLetter(msgCtx, msg, cause) {
					return
				}
			}

			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit message")
			}
		}
	}()
	return nil
}

// Stop 停止消费并等待正在处理的消息完成
func (c *OrderCancelConsumer) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.reader.Close(); err != nil {
		return errors.Wrap(err, "failed to close kafka reader")
	}
	logger.Ctx(ctx).Info().Msg("order cancel consumer stopped")
	return nil
}

// handle 反序列化消息并取消订单。业务错误直接丢弃，其他错误有限次重试。
// 返回非 nil 表示消息需要转入死信。
func (c *OrderCancelConsumer) handle(ctx context.Context, msg kafka.Message) error {
	ctx, span := c.tracer.Start(ctx, "kafka.consume "+c.topic, trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination.name", c.topic),
		attribute.Int64("messaging.kafka.offset", msg.Offset),
	)

	var event OrderCancelledEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		logger.Ctx(ctx).Error().Err(err).Bytes("value", msg.Value).Msg("malformed order cancel event")
		return errors.Wrap(err, "malformed order cancel event")
	}
	if event.OrderID == "" {
		logger.Ctx(ctx).Error().Bytes("value", msg.Value).Msg("order cancel event without order id")
		return errors.Wrap(domain.ErrInvalidArgument, "order cancel event without order id")
	}
	span.SetAttributes(attribute.String("order.id", event.OrderID))

	for attempt := 1; ; attempt++ {
		_, err := c.canceller.CancelOrder(ctx, event.OrderID)
		if err == nil {
			logger.Ctx(ctx).Info().Str("order_id", event.OrderID).Str("reason", event.Reason).Msg("order cancelled from event")
			return nil
		}
		if errors.Is(err, domain.ErrNotFound) {
			logger.Ctx(ctx).Warn().Str("order_id", event.OrderID).Msg("cancel event for unknown order, skipped")
			return nil
		}
		span.RecordError(err)
		if attempt >= maxCancelAttempts {
			logger.Ctx(ctx).Error().Err(err).Str("order_id", event.OrderID).Int("attempts", attempt).Msg("giving up on order cancel event")
			return errors.Wrapf(err, "cancel order %s failed after %d attempts", event.OrderID, attempt)
		}
		if !sleepCtx(ctx, c.retryDelay) {
			return errors.Wrapf(ctx.Err(), "cancel order %s interrupted", event.OrderID)
		}
	}
}

// deadLetter 把消息写入死信 topic，失败时持续重试。
// 返回 false 表示 ctx 已结束且消息未写入，调用方不能提交 offset。
func (c *OrderCancelConsumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) bool {
	if ctx.Err() != nil {
		return false
	}
	if c.dlt == nil {
		logger.Ctx(ctx).Error().Err(cause).Int64("offset", msg.Offset).Msg("no dead letter topic configured, order cancel event dropped")
		return true
	}
	for {
		err := mq.ProduceMessages(ctx, c.dlt, c.dltTopic, mq.DeadLetter(msg, cause))
		if err == nil {
			logger.Ctx(ctx).Warn().Err(cause).Str("dlt_topic", c.dltTopic).Int64("offset", msg.Offset).Msg("order cancel event moved to dead letter topic")
			return true
		}
		logger.Ctx(ctx).Error().Err(err).Str("dlt_topic", c.dltTopic).Msg("failed to write dead letter, retrying")
		if !sleepCtx(ctx, c.retryDelay) {
			return false
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
