package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// idempotencyRepository хранит ключи в таблице idempotency_keys.
type idempotencyRepository struct {
	db *sql.DB
}

// NewIdempotencyRepository создаёт PostgreSQL-реализацию IdempotencyRepository.
func NewIdempotencyRepository(store *Store) domain.IdempotencyRepository {
	return &idempotencyRepository{db: store.DB()}
}

// CreateProcessing занимает ключ одной командой INSERT ... ON CONFLICT. Просроченная
// строка перезаписывается, даже если cleanup-воркер её ещё не удалил.
func (r *idempotencyRepository) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	fresh, err := domain.NewProcessingRecord(key, requestHash, ttlAt, time.Now())
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, status, ttl_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (key) DO UPDATE
		SET (request_hash, response_body, status_code, status, ttl_at, created_at, updated_at) =
		    (EXCLUDED.request_hash, NULL, NULL, EXCLUDED.status, EXCLUDED.ttl_at, EXCLUDED.created_at, EXCLUDED.updated_at)
		WHERE idempotency_keys.ttl_at <= $5
	`, fresh.Key, fresh.RequestHash, string(fresh.Status), fresh.TTLAt, fresh.CreatedAt)
	if err != nil {
		return domain.IdempotencyRecord{}, wrapErr("claim idempotency key", err)
	}

	claimed, err := res.RowsAffected()
	if err != nil {
		return domain.IdempotencyRecord{}, wrapErr("claim idempotency key rows", err)
	}
	if claimed > 0 {
		return fresh, nil
	}

	existing, err := r.Get(ctx, fresh.Key)
	if err != nil {
		// Строку успели удалить между INSERT и SELECT: для клиента это всё равно занятый ключ.
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
	}
	return existing, existing.ConflictWith(fresh.RequestHash)
}

const selectIdempotencyKey = `
	SELECT key, request_hash, response_body, COALESCE(status_code, 0), status, ttl_at, created_at, updated_at
	FROM idempotency_keys
	WHERE key = $1`

func (r *idempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var rec domain.IdempotencyRecord
	err := r.db.QueryRowContext(ctx, selectIdempotencyKey, key).Scan(
		&rec.Key, &rec.RequestHash, &rec.ResponseBody, &rec.StatusCode,
		&rec.Status, &rec.TTLAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	case err != nil:
		return domain.IdempotencyRecord{}, wrapErr("get idempotency key", err)
	case !rec.Status.Valid():
		return domain.IdempotencyRecord{}, fmt.Errorf("idempotency key %s has unknown status %q", key, rec.Status)
	}
	return rec, nil
}

func (r *idempotencyRepository) MarkDone(ctx context.Context, key string, responseBody []byte, statusCode int) error {
	return r.finish(ctx, key, domain.IdempotencyStatusDone, responseBody, statusCode)
}

func (r *idempotencyRepository) MarkFailed(ctx context.Context, key string, responseBody []byte, statusCode int) error {
	return r.finish(ctx, key, domain.IdempotencyStatusFailed, responseBody, statusCode)
}

func (r *idempotencyRepository) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND status = $2`,
		key, string(domain.IdempotencyStatusProcessing))
	if err != nil {
		return wrapErr("release idempotency key", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("release idempotency key", err)
	}
	if n == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

// DeleteExpired удаляет не больше limit просроченных ключей, начиная с самых старых.
// limit<=0 снимает ограничение: LIMIT NULL в PostgreSQL равен LIMIT ALL.
func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE key IN (
			SELECT key FROM idempotency_keys
			WHERE ttl_at <= $1
			ORDER BY ttl_at
			LIMIT NULLIF($2, 0)
		)`, before, max(limit, 0))
	if err != nil {
		return 0, wrapErr("delete expired idempotency keys", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("delete expired idempotency keys", err)
	}
	return int(n), nil
}

func (r *idempotencyRepository) finish(ctx context.Context, key string, status domain.IdempotencyStatus, body []byte, code int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET (response_body, status_code, status, updated_at) = ($2, $3, $4, $5)
		WHERE key = $1`, key, body, code, string(status), time.Now().UTC())
	if err != nil {
		return wrapErr("finish idempotency key", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("finish idempotency key", err)
	}
	if n == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}
