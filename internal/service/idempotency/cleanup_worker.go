package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
	"github.com/vladislavdragonenkov/ordercore/internal/metrics"
)

const (
	defaultCleanupInterval = 10 * time.Minute
	defaultCleanupBatch    = 500
)

// CleanupWorker периодически удаляет просроченные ключи идемпотентности.
// Redis удаляет ключи сам по TTL, поэтому для него воркер не запускается.
type CleanupWorker struct {
	repo     domain.IdempotencyRepository
	metrics  *metrics.IdempotencyMetrics
	logger   *log.Entry
	interval time.Duration
	batch    int
	now      func() time.Time
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

func CleanupEvery(d time.Duration) CleanupOption {
	return func(w *CleanupWorker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// CleanupBatch ограничивает число ключей, удаляемых одним запросом к хранилищу.
func CleanupBatch(n int) CleanupOption {
	return func(w *CleanupWorker) {
		if n > 0 {
			w.batch = n
		}
	}
}

func CleanupLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func CleanupMetrics(m *metrics.IdempotencyMetrics) CleanupOption {
	return func(w *CleanupWorker) { w.metrics = m }
}

// NewCleanupWorker создаёт воркер очистки поверх репозитория ключей.
func NewCleanupWorker(repo domain.IdempotencyRepository, opts ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		repo:     repo,
		logger:   log.WithField("component", "idempotency-cleanup"),
		interval: defaultCleanupInterval,
		batch:    defaultCleanupBatch,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run чистит ключи сразу и затем раз в interval, пока ctx не отменён.
func (w *CleanupWorker) Run(ctx context.Context) error {
	if w.repo == nil {
		w.logger.Warn("no idempotency repository, cleanup disabled")
		return nil
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	deleted, err := w.Sweep(ctx, w.now())
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		w.logger.WithError(err).WithField("deleted", deleted).Warn("idempotency cleanup failed")
	case deleted > 0:
		w.logger.WithField("deleted", deleted).Info("expired idempotency keys removed")
	}
	if w.metrics != nil {
		w.metrics.RecordCleanupRun(err == nil, deleted)
	}
}

// Sweep удаляет ключи с ttl_at <= before пачками, пока хранилище возвращает полные пачки.
func (w *CleanupWorker) Sweep(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now()
	}

	total := 0
	for ctx.Err() == nil {
		n, err := w.repo.DeleteExpired(ctx, before, w.batch)
		if err != nil {
			return total, err
		}
		total += n
		if w.metrics != nil {
			w.metrics.RecordDeleted(n)
		}
		if n < w.batch {
			return total, nil
		}
	}
	return total, ctx.Err()
}
