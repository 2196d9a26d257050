package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "WHOLESALE"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Allocation AllocationConfig
	Kafka      KafkaConfig
	Outbox     OutboxConfig
	Telemetry  TelemetryConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) Validate() error {
	switch strings.ToLower(c.DB.Driver) {
	case DriverMySQL, DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("unsupported db driver %q", c.DB.Driver)
	}
	switch strings.ToLower(c.Allocation.LockBackend) {
	case LockBackendMemory, LockBackendRedis:
	default:
		return fmt.Errorf("unsupported lock backend %q", c.Allocation.LockBackend)
	}
	if c.Allocation.MaxConflictRetries < 0 {
		return fmt.Errorf("max conflict retries must not be negative")
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("outbox batch size must be positive")
	}
	return nil
}

type AppConfig struct {
	Env          string `envconfig:"WHOLESALE_APP_ENV" default:"dev"`
	Name         string `envconfig:"WHOLESALE_APP_NAME" default:"wholesale-allocation"`
	HTTPAddr     string `envconfig:"WHOLESALE_HTTP_ADDR" default:":8080"`
	GRPCAddr     string `envconfig:"WHOLESALE_GRPC_ADDR" default:":50051"`
	LogLevel     string `envconfig:"WHOLESALE_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"WHOLESALE_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"WHOLESALE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	Driver          string        `envconfig:"WHOLESALE_DB_DRIVER" default:"mysql"`
	DSN             string        `envconfig:"WHOLESALE_DB_DSN" default:"root:root@tcp(localhost:3306)/wholesale?parseTime=true"`
	MaxOpenConns    int           `envconfig:"WHOLESALE_DB_MAX_OPEN_CONNS" default:"50"`
	MaxIdleConns    int           `envconfig:"WHOLESALE_DB_MAX_IDLE_CONNS" default:"25"`
	ConnMaxLifetime time.Duration `envconfig:"WHOLESALE_DB_CONN_MAX_LIFETIME" default:"5m"`
	AutoMigrate     bool          `envconfig:"WHOLESALE_DB_AUTO_MIGRATE" default:"false"`
}

type RedisConfig struct {
	Addr         string        `envconfig:"WHOLESALE_REDIS_ADDR" default:"localhost:6379"`
	Password     string        `envconfig:"WHOLESALE_REDIS_PASSWORD"`
	DB           int           `envconfig:"WHOLESALE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"WHOLESALE_REDIS_POOL_SIZE" default:"100"`
	DialTimeout  time.Duration `envconfig:"WHOLESALE_REDIS_DIAL_TIMEOUT" default:"5s"`
	LockTTL      time.Duration `envconfig:"WHOLESALE_REDIS_LOCK_TTL" default:"10s"`
	LockRetryGap time.Duration `envconfig:"WHOLESALE_REDIS_LOCK_RETRY" default:"20ms"`
	Enabled      bool          `envconfig:"WHOLESALE_REDIS_ENABLED" default:"true"`
}

type AllocationConfig struct {
	MaxConflictRetries int           `envconfig:"WHOLESALE_MAX_CONFLICT_RETRIES" default:"3"`
	LockWaitTimeout    time.Duration `envconfig:"WHOLESALE_LOCK_WAIT_TIMEOUT" default:"5s"`
	IdempotencyTTL     time.Duration `envconfig:"WHOLESALE_IDEMPOTENCY_TTL" default:"24h"`
	LockBackend        string        `envconfig:"WHOLESALE_LOCK_BACKEND" default:"memory"`
}

type KafkaConfig struct {
	Brokers []string `envconfig:"WHOLESALE_KAFKA_BROKERS" default:"localhost:9092"`
	Topic   string   `envconfig:"WHOLESALE_KAFKA_TOPIC" default:"wholesale.order-events"`
}

type OutboxConfig struct {
	BatchSize    int           `envconfig:"WHOLESALE_OUTBOX_BATCH_SIZE" default:"100"`
	PollInterval time.Duration `envconfig:"WHOLESALE_OUTBOX_POLL_INTERVAL" default:"1s"`
	RelayInline  bool          `envconfig:"WHOLESALE_OUTBOX_RELAY_INLINE" default:"false"`
}

type TelemetryConfig struct {
	Enabled      bool    `envconfig:"WHOLESALE_OTEL_ENABLED" default:"false"`
	Endpoint     string  `envconfig:"WHOLESALE_OTEL_ENDPOINT" default:"localhost:4318"`
	Insecure     bool    `envconfig:"WHOLESALE_OTEL_INSECURE" default:"true"`
	SampleRatio  float64 `envconfig:"WHOLESALE_OTEL_SAMPLE_RATIO" default:"1"`
	ServiceName  string  `envconfig:"WHOLESALE_OTEL_SERVICE_NAME" default:"wholesale-allocation"`
	ServiceBuild string  `envconfig:"WHOLESALE_OTEL_SERVICE_VERSION" default:"dev"`
}
