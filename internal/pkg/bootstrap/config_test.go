package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inventory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  name: inventory-service
  port: 9000
infra:
  kafka:
    brokers: ["k1:9092", "k2:9092"]
    eventTopic: stock-events
inventory:
  holdTTL: 10m
  reapBatchSize: 20
  holdPolicy: "qty <= 10"
`), 0o600))
	t.Setenv("REDIS_ADDRS", "r1:6379, r2:6379")
	t.Setenv("HOLD_TTL", "5m")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.App.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Infra.Kafka.Brokers)
	assert.Equal(t, "stock-events", cfg.Infra.Kafka.EventTopic)
	// 文件中未出现的字段保留默认值
	assert.Equal(t, "order-cancelled", cfg.Infra.Kafka.OrderCancelTopic)
	assert.Equal(t, "order-cancelled-dlt", cfg.Infra.Kafka.DeadLetterTopic)
	assert.Equal(t, 30*time.Second, cfg.Inventory.IdempotencyInFlightTTL)
	assert.Equal(t, 20, cfg.Inventory.ReapBatchSize)
	assert.Equal(t, time.Minute, cfg.Inventory.ReapInterval)
	assert.Equal(t, "qty <= 10", cfg.Inventory.HoldPolicy)
	// 环境变量优先于文件
	assert.Equal(t, []string{"r1:6379", "r2:6379"}, cfg.Infra.Redis.Addrs)
	assert.Equal(t, 5*time.Minute, cfg.Inventory.HoldTTL)
	assert.Same(t, cfg, GetCurrentConfig())
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("PORT", "not-a-port")
	_, err = LoadConfig("")
	assert.Error(t, err)
}

type recordingRunner struct {
	name string
	log  *[]string
}

func (r recordingRunner) Start(context.Context) error { *r.log = append(*r.log, "start "+r.name); return nil }
func (r recordingRunner) Stop(context.Context) error  { *r.log = append(*r.log, "stop "+r.name); return nil }

func TestShutdown_ReverseOrder(t *testing.T) {
	var calls []string
	app := &AppCtx{}
	app.Manage(recordingRunner{name: "reaper", log: &calls})
	app.Manage(recordingRunner{name: "consumer", log: &calls})
	app.OnShutdown(func(context.Context) error { calls = append(calls, "close db"); return nil })
	app.OnShutdown(func(context.Context) error { calls = append(calls, "close redis"); return nil })

	shutdown(context.Background(), app)

	assert.Equal(t, []string{"stop consumer", "stop reaper", "close redis", "close db"}, calls)
}
