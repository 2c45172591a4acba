// Package inventory 负责按配置组装库存台账的全部依赖，供各个可执行程序复用。
package inventory

import (
	"context"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"stockledger/internal/pkg/bootstrap"
	"stockledger/internal/pkg/metrics"
	"stockledger/internal/pkg/mq"
	"stockledger/internal/pkg/redis"
	"stockledger/internal/service/inventory/application"
	"stockledger/internal/service/inventory/domain/port"
	"stockledger/internal/service/inventory/infrastructure"
	"stockledger/internal/service/inventory/infrastructure/adapter"
	"stockledger/internal/service/inventory/infrastructure/rule"
	"stockledger/internal/service/inventory/interfaces"
	"stockledger/internal/zookeeper"
)

// Components 是组装完成的服务实例与需要在关停时释放的资源
type Components struct {
	Registry    *prometheus.Registry
	Metrics     *metrics.LedgerMetrics
	Ledger      *infrastructure.GormLedgerRepository
	Reservation *application.ReservationService
	Commitment  *application.CommitmentService
	Reaper      *application.Reaper
	Stream      *interfaces.StockStream

	closers []func() error
}

// Close 按创建的逆序释放资源
func (c *Components) Close(context.Context) error {
	var first error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Build 根据配置连接 MySQL、Redis、Kafka 与 ZooKeeper 并创建应用服务。
// Redis、Kafka、ZooKeeper 未配置时对应能力降级：不做幂等键、不发事件、清理任务只在进程内互斥。
func Build(ctx context.Context, cfg *bootstrap.Config, tracer trace.Tracer) (*Components, error) {
	c := &Components{Registry: prometheus.NewRegistry()}
	c.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	c.Metrics = metrics.NewLedgerMetrics(c.Registry)

	db, err := infrastructure.OpenMySQL(cfg.Infra.MySQL.DSN, infrastructure.PoolOptions{
		MaxOpenConns:    cfg.Infra.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.Infra.MySQL.MaxIdleConns,
		ConnMaxLifetime: cfg.Infra.MySQL.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, closeDB(db))
	if err := infrastructure.AutoMigrate(db.WithContext(ctx)); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}

	ic := cfg.Inventory
	policy := infrastructure.RetryPolicy{MaxAttempts: ic.RetryMaxAttempts, BaseDelay: ic.RetryBaseDelay, MaxDelay: ic.RetryMaxDelay}
	if policy.MaxAttempts <= 0 {
		policy = infrastructure.DefaultRetryPolicy()
	}
	c.Ledger = infrastructure.NewGormLedgerRepository(db, infrastructure.NewGuard(db, policy, c.Metrics))
	orders := infrastructure.NewGormOrderRepository(db)

	var holdPolicy port.HoldPolicy
	if ic.HoldPolicy != "" {
		p, err := rule.NewCELHoldPolicy(ic.HoldPolicy)
		if err != nil {
			_ = c.Close(ctx)
			return nil, err
		}
		holdPolicy = p
		log.Info().Str("policy", p.String()).Msg("hold policy enabled")
	}

	var kafkaEvents port.EventPublisher
	if len(cfg.Infra.Kafka.Brokers) > 0 && cfg.Infra.Kafka.EventTopic != "" {
		events := adapter.NewEventKafkaAdapter(mq.NewWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.EventTopic), cfg.Infra.Kafka.EventTopic)
		c.closers = append(c.closers, events.Close)
		kafkaEvents = events
	}
	c.Stream = interfaces.NewStockStream()
	c.closers = append(c.closers, func() error { return c.Stream.Close(context.Background()) })
	publisher := adapter.NewFanoutPublisher(kafkaEvents, c.Stream)

	var idempotency port.IdempotencyStore
	if len(cfg.Infra.Redis.Addrs) > 0 {
		rc := cfg.Infra.Redis
		redisClient := redis.NewClient(rc.Addrs, rc.Password, rc.DB, rc.MasterName)
		c.closers = append(c.closers, redisClient.Close)
		if err := redisClient.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("redis unreachable at startup, checkout idempotency will degrade until it recovers")
		}
		store, err := adapter.NewIdempotencyRedisAdapter(redisClient, ic.IdempotencyInFlightTTL, ic.IdempotencyTTL)
		if err != nil {
			_ = c.Close(ctx)
			return nil, err
		}
		idempotency = store
	}

	var locker port.SweepLocker = &adapter.LocalSweepLocker{}
	if zc := cfg.Infra.Zookeeper; len(zc.Servers) > 0 {
		conn, err := zookeeper.Connect(zc.Servers, zc.SessionTimeout)
		if err != nil {
			_ = c.Close(ctx)
			return nil, err
		}
		c.closers = append(c.closers, func() error { conn.Close(); return nil })
		locker = adapter.NewSweepLockZKAdapter(conn)
	}

	c.Reservation = application.NewReservationService(c.Ledger, holdPolicy, publisher, ic.HoldTTL, tracer, c.Metrics)
	c.Commitment = application.NewCommitmentService(c.Ledger, orders, idempotency, publisher, tracer, c.Metrics)
	c.Reaper = application.NewReaper(c.Ledger, locker, publisher, ic.ReapInterval, ic.ReapBatchSize, tracer, c.Metrics)
	return c, nil
}

func closeDB(db *gorm.DB) func() error {
	return func() error {
		sqlDB, err := db.DB()
		if err != nil {
			return errors.WithStack(err)
		}
		return sqlDB.Close()
	}
}
