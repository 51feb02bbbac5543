package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// idempotencyKeys хранит ключи в map. Просроченный ключ считается свободным
// сразу, а из памяти его убирает DeleteExpired.
type idempotencyKeys struct {
	mu      sync.Mutex
	records map[string]domain.IdempotencyRecord
	now     func() time.Time
}

// NewIdempotencyRepository создаёт in-memory реализацию IdempotencyRepository.
func NewIdempotencyRepository() domain.IdempotencyRepository {
	return newIdempotencyKeys(time.Now)
}

func newIdempotencyKeys(now func() time.Time) *idempotencyKeys {
	return &idempotencyKeys{
		records: make(map[string]domain.IdempotencyRecord),
		now:     func() time.Time { return now().UTC() },
	}
}

func (k *idempotencyKeys) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	now := k.now()
	fresh, err := domain.NewProcessingRecord(key, requestHash, ttlAt, now)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if existing, ok := k.records[fresh.Key]; ok && !existing.Expired(now) {
		return copyRecord(existing), existing.ConflictWith(fresh.RequestHash)
	}
	k.records[fresh.Key] = fresh
	return copyRecord(fresh), nil
}

func (k *idempotencyKeys) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	rec, ok := k.records[key]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return copyRecord(rec), nil
}

func (k *idempotencyKeys) MarkDone(ctx context.Context, key string, responseBody []byte, statusCode int) error {
	return k.finish(ctx, key, domain.IdempotencyStatusDone, responseBody, statusCode)
}

func (k *idempotencyKeys) MarkFailed(ctx context.Context, key string, responseBody []byte, statusCode int) error {
	return k.finish(ctx, key, domain.IdempotencyStatusFailed, responseBody, statusCode)
}

func (k *idempotencyKeys) Release(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	rec, ok := k.records[key]
	if !ok || rec.Status != domain.IdempotencyStatusProcessing {
		return domain.ErrIdempotencyKeyNotFound
	}
	delete(k.records, key)
	return nil
}

// DeleteExpired удаляет ключи с ttl_at <= before, самые старые первыми.
func (k *idempotencyKeys) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if before.IsZero() {
		before = k.now()
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	expired := make([]domain.IdempotencyRecord, 0)
	for _, rec := range k.records {
		if rec.Expired(before) {
			expired = append(expired, rec)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].TTLAt.Before(expired[j].TTLAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, rec := range expired {
		delete(k.records, rec.Key)
	}
	return len(expired), nil
}

func (k *idempotencyKeys) finish(ctx context.Context, key string, status domain.IdempotencyStatus, body []byte, code int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	rec, ok := k.records[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	rec.Status = status
	rec.ResponseBody = append([]byte(nil), body...)
	rec.StatusCode = code
	rec.UpdatedAt = k.now()
	k.records[key] = rec
	return nil
}

func copyRecord(src domain.IdempotencyRecord) domain.IdempotencyRecord {
	dst := src
	dst.ResponseBody = append([]byte(nil), src.ResponseBody...)
	return dst
}

var _ domain.IdempotencyRepository = (*idempotencyKeys)(nil)
