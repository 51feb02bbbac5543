package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/catalog"
	"github.com/vladislavdragonenkov/ordercore/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/ordercore/internal/health"
	"github.com/vladislavdragonenkov/ordercore/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/ordercore/internal/service/outbox"
	"github.com/vladislavdragonenkov/ordercore/internal/storage/memory"
	"github.com/vladislavdragonenkov/ordercore/internal/storage/postgres"
	"github.com/vladislavdragonenkov/ordercore/internal/storage/redisstore"
)

const redisKeyPrefix = "ordercore:idempotency:"

// Dependencies содержит все зависимости приложения.
type Dependencies struct {
	Catalog domain.CatalogReader
	Orders  domain.OrderReader
	Tx      domain.TxManager
	Outbox  domain.OutboxRepository
	Seeder  catalog.Seeder

	// Idempotency равен nil, если защита выключена.
	Idempotency domain.IdempotencyRepository
	// IdempotencyCleanup: нужен ли воркер очистки (Redis чистит ключи сам по TTL).
	IdempotencyCleanup bool

	Publisher    domain.OutboxPublisher
	DLQPublisher domain.OutboxPublisher

	Checkers map[string]healthcheck.Checker

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// NewDependencies создаёт хранилища и транспорт событий по конфигурации.
// При ошибке уже открытые ресурсы закрываются.
func NewDependencies(ctx context.Context, cfg Config, logger *log.Entry) (deps *Dependencies, err error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	deps = &Dependencies{Checkers: make(map[string]healthcheck.Checker)}
	defer func() {
		if err != nil {
			deps.Close(logger)
			deps = nil
		}
	}()

	var pgStore *postgres.Store
	switch cfg.StorageDriver {
	case StorageDriverPostgres:
		pgStore, err = initPostgres(ctx, cfg, logger)
		if err != nil {
			return deps, err
		}
		deps.addCloser("postgres", pgStore.Close)

		catalogRepo := postgres.NewCatalogRepository(pgStore)
		deps.Catalog = catalogRepo
		deps.Seeder = catalogRepo
		deps.Orders = postgres.NewOrderRepository(pgStore)
		deps.Tx = postgres.NewTxManager(pgStore)
		deps.Outbox = postgres.NewOutboxRepository(pgStore)
		deps.Checkers["postgres"] = healthcheck.NewSimpleChecker("postgres", pgStore.Ping)
	default:
		store := memory.NewStore()
		deps.Catalog = store
		deps.Seeder = store
		deps.Orders = store
		deps.Tx = store
		deps.Outbox = store
	}

	switch cfg.idempotencyDriver() {
	case IdempotencyDriverMemory:
		deps.Idempotency = memory.NewIdempotencyRepository()
		deps.IdempotencyCleanup = true
	case IdempotencyDriverPostgres:
		deps.Idempotency = postgres.NewIdempotencyRepository(pgStore)
		deps.IdempotencyCleanup = true
	case IdempotencyDriverRedis:
		client, redisErr := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if redisErr != nil {
			return deps, redisErr
		}
		deps.addCloser("redis", client.Close)
		deps.Idempotency = redisstore.NewIdempotencyRepository(client, redisKeyPrefix)
		deps.Checkers["redis"] = healthcheck.NewSimpleChecker("redis", redisPing(client))
	case IdempotencyDriverOff:
		logger.Warn("idempotency protection is disabled")
	}

	deps.Publisher, deps.DLQPublisher = initPublishers(cfg, deps, logger)
	return deps, nil
}

func initPostgres(ctx context.Context, cfg Config, logger *log.Entry) (*postgres.Store, error) {
	store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithMaxOpenConns(cfg.PostgresMaxOpenConns))
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("postgres schema is up to date")
	}
	return store, nil
}

// initPublishers выбирает Kafka или логирующий publisher. Недоступный Kafka не
// останавливает сервис: события копятся в outbox и пишутся в лог.
func initPublishers(cfg Config, deps *Dependencies, logger *log.Entry) (domain.OutboxPublisher, domain.OutboxPublisher) {
	producer, err := initKafkaProducer(cfg, logger)
	if err != nil || producer == nil {
		return outbox.NewLogPublisher(logger.WithField("component", "outbox-log-publisher")), nil
	}

	deps.addCloser("kafka", producer.Close)
	deps.Checkers["kafka"] = healthcheck.NewOptionalChecker("kafka", producer.Ping)
	return kafka.NewOutboxPublisher(producer, cfg.KafkaTopic), kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic)
}

func redisPing(client redis.Cmdable) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

func (d *Dependencies) addCloser(name string, fn func() error) {
	d.closers = append(d.closers, namedCloser{name: name, close: fn})
}

// Close освобождает ресурсы в обратном порядке открытия.
func (d *Dependencies) Close(logger *log.Entry) {
	if d == nil {
		return
	}
	if logger == nil {
		logger = log.WithField("component", "app")
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		c := d.closers[i]
		if err := c.close(); err != nil {
			logger.WithError(err).WithField("resource", c.name).Warn("failed to close resource")
			continue
		}
		logger.WithField("resource", c.name).Info("resource closed")
	}
	d.closers = nil
}
