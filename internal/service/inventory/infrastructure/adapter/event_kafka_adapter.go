package adapter

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"

	"stockledger/internal/pkg/mq"
	"stockledger/internal/service/inventory/domain"
)

// EventKafkaAdapter 实现了 port.EventPublisher 接口。
// 消息以 SKU 作为 key，同一 SKU 的事件落在同一分区并保持顺序。
type EventKafkaAdapter struct {
	writer mq.MessageWriter
	topic  string
}

// NewEventKafkaAdapter 创建一个新的库存事件生产者适配器
func NewEventKafkaAdapter(writer mq.MessageWriter, topic string) *EventKafkaAdapter {
	return &EventKafkaAdapter{writer: writer, topic: topic}
}

func (a *EventKafkaAdapter) Publish(ctx context.Context, events ...domain.StockEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal stock event %s", e.EventID)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.SKU),
			Value: value,
			Headers: []kafka.Header{
				{Key: "event-type", Value: []byte(e.Type)},
			},
		})
	}
	if err := mq.ProduceMessages(ctx, a.writer, a.topic, msgs...); err != nil {
		return errors.Wrapf(err, "failed to publish %d stock events", len(events))
	}
	return nil
}

// Close 关闭底层的 Kafka writer
func (a *EventKafkaAdapter) Close() error {
	return a.writer.Close()
}
