package main

import (
	"context"

	"go.opentelemetry.io/otel"

	"stockledger/internal/pkg/bootstrap"
	"stockledger/internal/pkg/mq"
	"stockledger/internal/service/inventory"
	"stockledger/internal/service/inventory/interfaces"
)

const serviceName = "inventory-service"

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	cfg := bootstrap.Init()

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName: serviceName,
		Port:        cfg.App.Port,
		Setup: func(ctx context.Context, app *bootstrap.AppCtx) error {
			tracer := otel.Tracer(serviceName)

			c, err := inventory.Build(ctx, app.Config, tracer)
			if err != nil {
				return err
			}
			app.OnShutdown(c.Close)

			interfaces.NewInventoryHandler(c.Reservation, c.Commitment, c.Registry, tracer).
				WithStream(c.Stream).
				RegisterRoutes(app.Mux)

			// 清理任务在每个实例内运行，通过分布式锁保证同一时刻只有一个实例在扫描
			app.Manage(c.Reaper)

			kc := app.Config.Infra.Kafka
			if len(kc.Brokers) > 0 && kc.OrderCancelTopic != "" {
				reader := mq.NewReader(kc.Brokers, kc.OrderCancelTopic, kc.GroupID)
				consumer := interfaces.NewOrderCancelConsumer(reader, kc.OrderCancelTopic, c.Commitment, tracer)
				if kc.DeadLetterTopic != "" {
					dlt := mq.NewWriter(kc.Brokers, kc.DeadLetterTopic)
					app.OnShutdown(func(context.Context) error { return dlt.Close() })
					consumer.WithDeadLetter(dlt, kc.DeadLetterTopic)
				}
				app.Manage(consumer)
			}
			return nil
		},
	})
}
