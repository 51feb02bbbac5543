package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/ordercore/internal/messaging/kafka"
)

// Драйверы хранилища заказов.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Драйверы хранилища ключей идемпотентности. auto выбирает хранилище заказов.
const (
	IdempotencyDriverAuto     = "auto"
	IdempotencyDriverMemory   = "memory"
	IdempotencyDriverPostgres = "postgres"
	IdempotencyDriverRedis    = "redis"
	IdempotencyDriverOff      = "off"
)

// Переменные окружения.
const (
	EnvLogLevel                    = "OMS_LOG_LEVEL"
	EnvGRPCAddr                    = "OMS_GRPC_ADDR"
	EnvMetricsAddr                 = "OMS_METRICS_ADDR"
	EnvStorageDriver               = "OMS_STORAGE_DRIVER"
	EnvPostgresDSN                 = "OMS_POSTGRES_DSN"
	EnvPostgresAutoMigrate         = "OMS_POSTGRES_AUTO_MIGRATE"
	EnvPostgresMaxOpenConns        = "OMS_POSTGRES_MAX_OPEN_CONNS"
	EnvSeedCatalog                 = "OMS_SEED_CATALOG"
	EnvKafkaBrokers                = "OMS_KAFKA_BROKERS"
	EnvKafkaClientID               = "OMS_KAFKA_CLIENT_ID"
	EnvKafkaTopic                  = "OMS_KAFKA_TOPIC"
	EnvKafkaDLQTopic               = "OMS_KAFKA_DLQ_TOPIC"
	EnvRedisAddr                   = "OMS_REDIS_ADDR"
	EnvRedisPassword               = "OMS_REDIS_PASSWORD"
	EnvRedisDB                     = "OMS_REDIS_DB"
	EnvIdempotencyDriver           = "OMS_IDEMPOTENCY_DRIVER"
	EnvIdempotencyTTL              = "OMS_IDEMPOTENCY_TTL"
	EnvIdempotencyCleanupInterval  = "OMS_IDEMPOTENCY_CLEANUP_INTERVAL"
	EnvIdempotencyCleanupBatchSize = "OMS_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	EnvOutboxPollInterval          = "OMS_OUTBOX_POLL_INTERVAL"
	EnvOutboxBatchSize             = "OMS_OUTBOX_BATCH_SIZE"
	EnvOutboxMaxAttempts           = "OMS_OUTBOX_MAX_ATTEMPTS"
	EnvOutboxRetryDelay            = "OMS_OUTBOX_RETRY_DELAY"
	EnvTxMaxAttempts               = "OMS_TX_MAX_ATTEMPTS"
	EnvTxRetryDelay                = "OMS_TX_RETRY_DELAY"
	EnvShutdownTimeout             = "OMS_SHUTDOWN_TIMEOUT"
)

// Config описывает настройки запуска приложения.
type Config struct {
	LogLevel    string
	GRPCAddr    string
	MetricsAddr string

	StorageDriver        string
	PostgresDSN          string
	PostgresAutoMigrate  bool
	PostgresMaxOpenConns int
	SeedCatalog          bool

	// KafkaBrokers: список брокеров через запятую. Пусто: события пишутся в лог.
	KafkaBrokers  string
	KafkaClientID string
	KafkaTopic    string
	KafkaDLQTopic string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	IdempotencyDriver           string
	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	TxMaxAttempts int
	TxRetryDelay  time.Duration

	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает конфигурацию для локального запуска в памяти.
func DefaultConfig() Config {
	return Config{
		LogLevel:    "info",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		StorageDriver:        StorageDriverMemory,
		PostgresAutoMigrate:  true,
		PostgresMaxOpenConns: 25,
		SeedCatalog:          true,

		KafkaClientID: "ordercore",
		KafkaTopic:    kafka.TopicOrderEvents,
		KafkaDLQTopic: kafka.TopicOrderEventsDLQ,

		IdempotencyDriver:           IdempotencyDriverAuto,
		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   100 * time.Millisecond,

		TxMaxAttempts: 3,
		TxRetryDelay:  50 * time.Millisecond,

		ShutdownTimeout: 5 * time.Second,
	}
}

// EnvLookup совместим с os.LookupEnv.
type EnvLookup func(key string) (string, bool)

// LoadConfig накладывает переменные окружения на DefaultConfig. Некорректное
// значение не прерывает запуск: остаётся значение по умолчанию, а ошибка
// возвращается в списке предупреждений.
func LoadConfig(lookup EnvLookup) (Config, []error) {
	cfg := DefaultConfig()
	var warnings []error

	warn := func(key, value string, err error) {
		warnings = append(warnings, fmt.Errorf("%s=%q: %w", key, value, err))
	}

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseBool(v)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}
	integer := func(key string, dst *int, valid func(int) bool, rule string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseInt(v, valid, rule)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}
	duration := func(key string, dst *time.Duration, valid func(time.Duration) bool, rule string) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		parsed, err := parseDuration(v, valid, rule)
		if err != nil {
			warn(key, v, err)
			return
		}
		*dst = parsed
	}

	positive := func(v int) bool { return v > 0 }
	nonNegative := func(v int) bool { return v >= 0 }
	positiveDur := func(v time.Duration) bool { return v > 0 }
	nonNegativeDur := func(v time.Duration) bool { return v >= 0 }

	str(EnvLogLevel, &cfg.LogLevel)
	str(EnvGRPCAddr, &cfg.GRPCAddr)
	str(EnvMetricsAddr, &cfg.MetricsAddr)

	str(EnvStorageDriver, &cfg.StorageDriver)
	cfg.StorageDriver = strings.ToLower(cfg.StorageDriver)
	str(EnvPostgresDSN, &cfg.PostgresDSN)
	boolean(EnvPostgresAutoMigrate, &cfg.PostgresAutoMigrate)
	integer(EnvPostgresMaxOpenConns, &cfg.PostgresMaxOpenConns, positive, "must be > 0")
	boolean(EnvSeedCatalog, &cfg.SeedCatalog)

	str(EnvKafkaBrokers, &cfg.KafkaBrokers)
	str(EnvKafkaClientID, &cfg.KafkaClientID)
	str(EnvKafkaTopic, &cfg.KafkaTopic)
	str(EnvKafkaDLQTopic, &cfg.KafkaDLQTopic)

	str(EnvRedisAddr, &cfg.RedisAddr)
	str(EnvRedisPassword, &cfg.RedisPassword)
	integer(EnvRedisDB, &cfg.RedisDB, nonNegative, "must be >= 0")

	str(EnvIdempotencyDriver, &cfg.IdempotencyDriver)
	cfg.IdempotencyDriver = strings.ToLower(cfg.IdempotencyDriver)
	duration(EnvIdempotencyTTL, &cfg.IdempotencyTTL, positiveDur, "must be > 0")
	duration(EnvIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, positiveDur, "must be > 0")
	integer(EnvIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, positive, "must be > 0")

	duration(EnvOutboxPollInterval, &cfg.OutboxPollInterval, positiveDur, "must be > 0")
	integer(EnvOutboxBatchSize, &cfg.OutboxBatchSize, positive, "must be > 0")
	integer(EnvOutboxMaxAttempts, &cfg.OutboxMaxAttempts, positive, "must be > 0")
	duration(EnvOutboxRetryDelay, &cfg.OutboxRetryDelay, nonNegativeDur, "must be >= 0")

	integer(EnvTxMaxAttempts, &cfg.TxMaxAttempts, positive, "must be > 0")
	duration(EnvTxRetryDelay, &cfg.TxRetryDelay, nonNegativeDur, "must be >= 0")

	duration(EnvShutdownTimeout, &cfg.ShutdownTimeout, positiveDur, "must be > 0")

	return cfg, warnings
}

// Validate проверяет сочетания настроек, которые нельзя исправить значением по умолчанию.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("%s is required for postgres storage", EnvPostgresDSN)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.StorageDriver)
	}

	switch c.IdempotencyDriver {
	case IdempotencyDriverAuto, IdempotencyDriverMemory, IdempotencyDriverOff:
	case IdempotencyDriverPostgres:
		if c.StorageDriver != StorageDriverPostgres {
			return fmt.Errorf("postgres idempotency requires postgres storage")
		}
	case IdempotencyDriverRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("%s is required for redis idempotency", EnvRedisAddr)
		}
	default:
		return fmt.Errorf("unsupported idempotency driver %q", c.IdempotencyDriver)
	}
	return nil
}

// idempotencyDriver раскрывает auto в конкретный драйвер.
func (c Config) idempotencyDriver() string {
	if c.IdempotencyDriver != IdempotencyDriverAuto {
		return c.IdempotencyDriver
	}
	if c.StorageDriver == StorageDriverPostgres {
		return IdempotencyDriverPostgres
	}
	return IdempotencyDriverMemory
}

// kafkaBrokers разбирает список брокеров, пропуская пустые элементы.
func (c Config) kafkaBrokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value")
	}
}

func parseInt(raw string, valid func(int) bool, rule string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid int value: %w", err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("%s", rule)
	}
	return value, nil
}

func parseDuration(raw string, valid func(time.Duration) bool, rule string) (time.Duration, error) {
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid duration value: %w", err)
	}
	if valid != nil && !valid(value) {
		return 0, fmt.Errorf("%s", rule)
	}
	return value, nil
}
