package bootstrap

import (
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"stockledger/internal/pkg/logger"
	"stockledger/internal/pkg/nacos"
)

// Config 是服务的全部配置。启动时从 CONFIG_FILE 指向的 yaml 读取，
// 环境变量覆盖文件中的值；配置了 Nacos 时还会监听远端配置变更。
type Config struct {
	App       AppConfig       `yaml:"app"`
	Infra     InfraConfig     `yaml:"infra"`
	Inventory InventoryConfig `yaml:"inventory"`
}

type AppConfig struct {
	Name     string `yaml:"name"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
}

type InfraConfig struct {
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Zookeeper ZookeeperConfig `yaml:"zookeeper"`
	Nacos     NacosConfig     `yaml:"nacos"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

type RedisConfig struct {
	Addrs      []string `yaml:"addrs"`
	Password   string   `yaml:"password"`
	DB         int      `yaml:"db"`
	MasterName string   `yaml:"masterName"`
}

type KafkaConfig struct {
	Brokers          []string `yaml:"brokers"`
	EventTopic       string   `yaml:"eventTopic"`
	OrderCancelTopic string   `yaml:"orderCancelTopic"`
	DeadLetterTopic  string   `yaml:"deadLetterTopic"`
	GroupID          string   `yaml:"groupId"`
}

type ZookeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
}

type NacosConfig struct {
	Addrs     string `yaml:"addrs"`
	Namespace string `yaml:"namespace"`
	Group     string `yaml:"group"`
	DataID    string `yaml:"dataId"`
}

// InventoryConfig 是库存台账本身的参数
type InventoryConfig struct {
	HoldTTL                time.Duration `yaml:"holdTTL"`
	ReapInterval           time.Duration `yaml:"reapInterval"`
	ReapBatchSize          int           `yaml:"reapBatchSize"`
	HoldPolicy             string        `yaml:"holdPolicy"`
	IdempotencyTTL         time.Duration `yaml:"idempotencyTTL"`
	IdempotencyInFlightTTL time.Duration `yaml:"idempotencyInFlightTTL"`
	RetryMaxAttempts       int           `yaml:"retryMaxAttempts"`
	RetryBaseDelay         time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay          time.Duration `yaml:"retryMaxDelay"`
}

// DefaultConfig 返回本地开发可直接使用的默认配置
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{Name: "inventory-service", Port: 8080, LogLevel: "info"},
		Infra: InfraConfig{
			MySQL: MySQLConfig{
				DSN:             "root:root@tcp(localhost:3306)/inventory?charset=utf8mb4",
				MaxOpenConns:    50,
				MaxIdleConns:    10,
				ConnMaxLifetime: time.Hour,
			},
			Redis: RedisConfig{Addrs: []string{"localhost:6379"}},
			Kafka: KafkaConfig{
				Brokers:          []string{"localhost:9092"},
				EventTopic:       "inventory-events",
				OrderCancelTopic: "order-cancelled",
				DeadLetterTopic:  "order-cancelled-dlt",
				GroupID:          "inventory-service",
			},
			Zookeeper: ZookeeperConfig{SessionTimeout: 5 * time.Second},
			Nacos:     NacosConfig{Group: nacos.DefaultGroup},
		},
		Inventory: InventoryConfig{
			HoldTTL:                15 * time.Minute,
			ReapInterval:           time.Minute,
			ReapBatchSize:          100,
			IdempotencyTTL:         24 * time.Hour,
			IdempotencyInFlightTTL: 30 * time.Second,
			RetryMaxAttempts:       5,
			RetryBaseDelay:         5 * time.Millisecond,
			RetryMaxDelay:          100 * time.Millisecond,
		},
	}
}

var currentConfig atomic.Pointer[Config]

// GetCurrentConfig 返回当前生效的配置，未加载时返回默认配置
func GetCurrentConfig() *Config {
	if c := currentConfig.Load(); c != nil {
		return c
	}
	return DefaultConfig()
}

func setCurrentConfig(c *Config) {
	currentConfig.Store(c)
}

// Init 读取 CONFIG_FILE 指向的配置并初始化全局日志，需在 StartService 之前调用
func Init() *Config {
	cfg, err := LoadConfig(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logger.Init(cfg.App.Name, cfg.App.LogLevel)
	return cfg
}

// LoadConfig 读取 yaml 配置文件并应用环境变量覆盖。path 为空时只使用默认值与环境变量。
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config file %s", path)
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	setCurrentConfig(cfg)
	return cfg, nil
}

// applyEnv 用环境变量覆盖配置，变量名沿用部署脚本中的命名
func applyEnv(cfg *Config) error {
	cfg.App.LogLevel = getEnv("LOG_LEVEL", cfg.App.LogLevel)
	cfg.Infra.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Infra.Jaeger.Endpoint)
	cfg.Infra.MySQL.DSN = getEnv("MYSQL_DSN", cfg.Infra.MySQL.DSN)
	cfg.Infra.Redis.Addrs = getEnvList("REDIS_ADDRS", cfg.Infra.Redis.Addrs)
	cfg.Infra.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Infra.Redis.Password)
	cfg.Infra.Kafka.Brokers = getEnvList("KAFKA_BROKERS", cfg.Infra.Kafka.Brokers)
	cfg.Infra.Zookeeper.Servers = getEnvList("ZK_SERVERS", cfg.Infra.Zookeeper.Servers)
	cfg.Infra.Nacos.Addrs = getEnv("NACOS_SERVER_ADDRS", cfg.Infra.Nacos.Addrs)
	cfg.Infra.Nacos.Namespace = getEnv("NACOS_NAMESPACE", cfg.Infra.Nacos.Namespace)
	cfg.Infra.Nacos.Group = getEnv("NACOS_GROUP", cfg.Infra.Nacos.Group)
	cfg.Inventory.HoldPolicy = getEnv("HOLD_POLICY", cfg.Inventory.HoldPolicy)

	if v, ok := os.LookupEnv("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid PORT %q", v)
		}
		cfg.App.Port = port
	}
	if v, ok := os.LookupEnv("HOLD_TTL"); ok {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrapf(err, "invalid HOLD_TTL %q", v)
		}
		cfg.Inventory.HoldTTL = ttl
	}
	return nil
}

// WatchRemoteConfig 从 Nacos 配置中心拉取配置并监听变更。
// 远端配置以本地配置为底覆盖；变更后立即生效的只有日志级别，其余参数在下次启动时生效。
func WatchRemoteConfig(client *nacos.ConfigClient, local *Config) error {
	nc := local.Infra.Nacos
	if nc.DataID == "" {
		return nil
	}
	apply := func(content string) {
		next := *local
		if err := yaml.Unmarshal([]byte(content), &next); err != nil {
			log.Error().Err(err).Str("data_id", nc.DataID).Msg("ignoring invalid remote config")
			return
		}
		setCurrentConfig(&next)
		if lvl, err := zerolog.ParseLevel(strings.ToLower(next.App.LogLevel)); err == nil && next.App.LogLevel != "" {
			zerolog.SetGlobalLevel(lvl)
		}
	}

	content, err := client.GetConfig(nc.DataID, nc.Group)
	if err != nil {
		return err
	}
	if content != "" {
		apply(content)
	}
	return client.Listen(nc.DataID, nc.Group, apply)
}

// getEnv 从环境变量中读取配置
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
