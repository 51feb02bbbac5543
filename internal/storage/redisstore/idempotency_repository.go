package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

const defaultKeyPrefix = "ordercore:idempotency:"

// record: сериализованное представление IdempotencyRecord в Redis.
type record struct {
	RequestHash  string                   `json:"request_hash"`
	ResponseBody []byte                   `json:"response_body,omitempty"`
	StatusCode   int                      `json:"status_code"`
	Status       domain.IdempotencyStatus `json:"status"`
	TTLAt        time.Time                `json:"ttl_at"`
	CreatedAt    time.Time                `json:"created_at"`
	UpdatedAt    time.Time                `json:"updated_at"`
}

// IdempotencyRepository хранит ключи через SET NX с TTL; истечение ключей делает сам Redis.
type IdempotencyRepository struct {
	client redis.Cmdable
	prefix string
}

// NewIdempotencyRepository создаёт репозиторий поверх клиента Redis.
func NewIdempotencyRepository(client redis.Cmdable, prefix string) *IdempotencyRepository {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultKeyPrefix
	}
	return &IdempotencyRepository{client: client, prefix: prefix}
}

func (r *IdempotencyRepository) redisKey(key string) string {
	return r.prefix + key
}

// CreateProcessing занимает ключ через SETNX; TTL ключа в Redis равен ttlAt-now.
func (r *IdempotencyRepository) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	now := time.Now()
	fresh, err := domain.NewProcessingRecord(key, requestHash, ttlAt, now)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	ttl := fresh.TTLAt.Sub(now)
	if ttl <= 0 {
		// Ключ с истёкшим сроком всё равно должен дожить до завершения запроса.
		ttl = time.Second
	}

	payload, err := json.Marshal(fromDomain(fresh))
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("marshal idempotency record: %w", err)
	}

	created, err := r.client.SetNX(ctx, r.redisKey(fresh.Key), payload, ttl).Result()
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("redis setnx idempotency key: %w", err)
	}
	if created {
		return fresh, nil
	}

	existing, err := r.Get(ctx, fresh.Key)
	if err != nil {
		// Ключ истёк между SETNX и GET.
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
	}
	return existing, existing.ConflictWith(fresh.RequestHash)
}

func (r *IdempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	rec, err := r.load(ctx, key)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	return toDomain(key, rec), nil
}

func (r *IdempotencyRepository) MarkDone(ctx context.Context, key string, responseBody []byte, statusCode int) error {
	return r.markStatus(ctx, key, domain.IdempotencyStatusDone, responseBody, statusCode)
}

func (r *IdempotencyRepository) MarkFailed(ctx context.Context, key string, responseBody []byte, statusCode int) error {
	return r.markStatus(ctx, key, domain.IdempotencyStatusFailed, responseBody, statusCode)
}

// releaseScript удаляет ключ, только если запись ещё в статусе PROCESSING:
// проверка и DEL атомарны внутри Redis.
var releaseScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local rec = cjson.decode(raw)
if rec.status ~= ARGV[1] then return 0 end
return redis.call('DEL', KEYS[1])
`)

func (r *IdempotencyRepository) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	n, err := releaseScript.Run(ctx, r.client, []string{r.redisKey(key)}, string(domain.IdempotencyStatusProcessing)).Int()
	if err != nil {
		return fmt.Errorf("redis release idempotency key: %w", err)
	}
	if n == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

// DeleteExpired ничего не делает: Redis удаляет ключи по TTL сам.
func (r *IdempotencyRepository) DeleteExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (r *IdempotencyRepository) markStatus(ctx context.Context, key string, status domain.IdempotencyStatus, responseBody []byte, statusCode int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	rec, err := r.load(ctx, key)
	if err != nil {
		return err
	}
	rec.Status = status
	rec.ResponseBody = append([]byte(nil), responseBody...)
	rec.StatusCode = statusCode
	rec.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}

	// XX + KEEPTTL: обновляем только существующий ключ и не продлеваем его жизнь.
	err = r.client.SetArgs(ctx, r.redisKey(key), payload, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("redis update idempotency key: %w", err)
	}
	return nil
}

func (r *IdempotencyRepository) load(ctx context.Context, key string) (record, error) {
	raw, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return record{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return record{}, fmt.Errorf("redis get idempotency key: %w", err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, fmt.Errorf("decode idempotency record %s: %w", key, err)
	}
	if !rec.Status.Valid() {
		return record{}, fmt.Errorf("invalid idempotency status %q for key %s", rec.Status, key)
	}
	return rec, nil
}

func fromDomain(rec domain.IdempotencyRecord) record {
	return record{
		RequestHash:  rec.RequestHash,
		ResponseBody: rec.ResponseBody,
		StatusCode:   rec.StatusCode,
		Status:       rec.Status,
		TTLAt:        rec.TTLAt,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func toDomain(key string, rec record) domain.IdempotencyRecord {
	return domain.IdempotencyRecord{
		Key:          key,
		RequestHash:  rec.RequestHash,
		ResponseBody: append([]byte(nil), rec.ResponseBody...),
		StatusCode:   rec.StatusCode,
		Status:       rec.Status,
		TTLAt:        rec.TTLAt,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
