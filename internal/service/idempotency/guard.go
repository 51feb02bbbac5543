// Package idempotency защищает мутирующие запросы от повторного выполнения
// и чистит просроченные ключи.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
	"github.com/vladislavdragonenkov/ordercore/internal/metrics"
)

// DefaultTTL: срок жизни ключа идемпотентности.
const DefaultTTL = 24 * time.Hour

// Исходы запроса для метрик.
const (
	OutcomeExecuted   = "executed"
	OutcomeReplayed   = "replayed"
	OutcomeInProgress = "in_progress"
	OutcomeMismatch   = "mismatch"
	OutcomeReleased   = "released"
)

// ErrRequestInProgress: запрос с тем же ключом ещё выполняется.
var ErrRequestInProgress = errors.New("request with the same idempotency key is already processing")

// Result: ответ транспорта, который сохраняется под ключом и отдаётся при повторе.
type Result struct {
	Body []byte
	// Code: код транспорта (gRPC code). Для успешного ответа 0.
	Code int
	// Failed: запрос завершился ошибкой; при повторе возвращается та же ошибка.
	Failed bool
	// Retryable: сбой временный (хранилище недоступно, отмена, таймаут). Такой
	// результат не сохраняется, ключ освобождается и повтор снова вызовет обработчик.
	Retryable bool
	// Replayed: результат взят из хранилища, обработчик не вызывался.
	Replayed bool
}

// Guard выполняет обработчик не более одного раза на ключ.
type Guard struct {
	repo    domain.IdempotencyRepository
	ttl     time.Duration
	metrics *metrics.IdempotencyMetrics
	logger  *log.Entry
	now     func() time.Time
}

// GuardOption настраивает Guard.
type GuardOption func(*Guard)

// WithTTL задаёт срок жизни ключа.
func WithTTL(ttl time.Duration) GuardOption {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithGuardMetrics включает счётчики исходов.
func WithGuardMetrics(m *metrics.IdempotencyMetrics) GuardOption {
	return func(g *Guard) {
		g.metrics = m
	}
}

// WithGuardLogger задаёт logger.
func WithGuardLogger(logger *log.Entry) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGuard создаёт Guard поверх репозитория ключей. nil repo отключает защиту.
func NewGuard(repo domain.IdempotencyRepository, opts ...GuardOption) *Guard {
	g := &Guard{
		repo:   repo,
		ttl:    DefaultTTL,
		logger: log.WithField("component", "idempotency"),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do выполняет run под ключом key.
//
// Пустой ключ означает обычный запрос без защиты. Повтор с тем же ключом и тем
// же хэшем запроса получает сохранённый результат, с другим хэшем получает
// ErrIdempotencyHashMismatch. Пока первый запрос не завершён, повтор получает
// ErrRequestInProgress.
func (g *Guard) Do(ctx context.Context, key, requestHash string, run func(context.Context) Result) (Result, error) {
	key = strings.TrimSpace(key)
	if g == nil || g.repo == nil || key == "" {
		return run(ctx), nil
	}

	record, err := g.repo.CreateProcessing(ctx, key, requestHash, g.now().Add(g.ttl))
	if err != nil {
		return g.replay(key, record, err)
	}

	result := run(ctx)
	if result.Retryable {
		g.release(ctx, key)
		g.record(OutcomeReleased)
		return result, nil
	}
	g.store(ctx, key, result)
	g.record(OutcomeExecuted)
	return result, nil
}

func (g *Guard) replay(key string, record domain.IdempotencyRecord, createErr error) (Result, error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		g.record(OutcomeMismatch)
		return Result{}, domain.ErrIdempotencyHashMismatch
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch record.Status {
		case domain.IdempotencyStatusDone:
			g.record(OutcomeReplayed)
			return Result{Body: record.ResponseBody, Code: record.StatusCode, Replayed: true}, nil
		case domain.IdempotencyStatusFailed:
			g.record(OutcomeReplayed)
			return Result{Body: record.ResponseBody, Code: record.StatusCode, Failed: true, Replayed: true}, nil
		case domain.IdempotencyStatusProcessing:
			g.record(OutcomeInProgress)
			return Result{}, ErrRequestInProgress
		default:
			return Result{}, fmt.Errorf("unknown idempotency status %q for key %s", record.Status, key)
		}
	default:
		g.logger.WithError(createErr).WithField("idempotency_key", key).Warn("failed to create idempotency record")
		return Result{}, fmt.Errorf("create idempotency record: %w", createErr)
	}
}

func (g *Guard) store(ctx context.Context, key string, result Result) {
	// Ответ уже получен: сохраняем его, даже если клиент отключился.
	ctx = context.WithoutCancel(ctx)

	var err error
	if result.Failed {
		err = g.repo.MarkFailed(ctx, key, result.Body, result.Code)
	} else {
		err = g.repo.MarkDone(ctx, key, result.Body, result.Code)
	}
	if err != nil {
		g.logger.WithError(err).WithFields(log.Fields{
			"idempotency_key": key,
			"failed":          result.Failed,
		}).Warn("failed to store idempotent response")
	}
}

func (g *Guard) release(ctx context.Context, key string) {
	if err := g.repo.Release(context.WithoutCancel(ctx), key); err != nil {
		// Ключ останется PROCESSING до истечения TTL: повтор получит ErrRequestInProgress.
		g.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to release idempotency key")
	}
}

func (g *Guard) record(outcome string) {
	if g.metrics != nil {
		g.metrics.RecordOutcome(outcome)
	}
}
