// Package outbox публикует события заказов, накопленные транзакциями в outbox.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
	"github.com/vladislavdragonenkov/ordercore/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond

	maxRetryDelay = time.Minute
)

// Worker переносит pending-сообщения из outbox в брокер: at-least-once,
// в порядке появления. Сообщение, исчерпавшее попытки, уходит в DLQ и помечается failed.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	metrics   *metrics.OutboxMetrics
	logger    *log.Entry

	pollInterval time.Duration
	batchSize    int
	maxAttempts  int
	baseDelay    time.Duration
	now          func() time.Time
}

// Option настраивает Worker. Неположительные значения оставляют значение по умолчанию.
type Option func(*Worker)

func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithDLQPublisher задаёт, куда отправлять сообщения после исчерпания попыток.
func WithDLQPublisher(p domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = p }
}

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithBatchSize задаёт размер батча из outbox.
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithMaxAttempts задаёт число попыток публикации одного сообщения за проход.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается.
// Ноль отключает паузы.
func WithRetryBaseDelay(d time.Duration) Option {
	return func(w *Worker) { w.baseDelay = max(d, 0) }
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Worker {
	w := &Worker{
		repo:         repo,
		publisher:    publisher,
		logger:       log.WithField("component", "outbox-worker"),
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		maxAttempts:  defaultMaxAttempts,
		baseDelay:    defaultRetryBaseDelay,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run опрашивает outbox до отмены ctx. Всегда возвращает nil, чтобы
// встраиваться в errgroup рядом с серверами.
func (w *Worker) Run(ctx context.Context) error {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker disabled: no repository or publisher")
		return nil
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

type outcome int

const (
	delivered outcome = iota
	deadLettered
	interrupted
)

// ProcessOnce публикует один батч и возвращает число доставленных сообщений.
// Если ctx отменён посреди батча, оставшиеся сообщения остаются pending.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	defer w.observeBacklog(ctx)

	batch, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("outbox pull failed")
		return 0
	}

	sent := 0
	for _, msg := range batch {
		switch w.deliver(ctx, msg) {
		case delivered:
			sent++
		case interrupted:
			return sent
		}
	}
	return sent
}

func (w *Worker) deliver(ctx context.Context, msg domain.OutboxMessage) outcome {
	entry := w.logger.WithFields(log.Fields{
		"outbox_id":  msg.ID,
		"event_type": msg.EventType,
		"order_id":   msg.AggregateID,
	})

	err := w.publish(ctx, msg)
	if ctx.Err() != nil {
		return interrupted
	}
	if err == nil {
		if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
			// Сообщение уйдёт повторно на следующем проходе: подписчики дедуплицируют по outbox_id.
			entry.WithError(err).Warn("outbox MarkSent error")
			return interrupted
		}
		return delivered
	}

	entry.WithError(err).Error("outbox publish gave up")
	w.count(metrics.PublishFailed)
	if err := w.deadLetter(ctx, msg, err); err != nil {
		entry.WithError(err).Warn("dead letter publish failed")
		w.count(metrics.PublishDLQFailed)
	}
	if err := w.repo.MarkFailed(ctx, msg.ID); err != nil {
		entry.WithError(err).Warn("outbox MarkFailed error")
	}
	return deadLettered
}

// publish делает до maxAttempts попыток с экспоненциальной паузой между ними.
func (w *Worker) publish(ctx context.Context, msg domain.OutboxMessage) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = w.publisher.Publish(ctx, msg); err == nil {
			w.count(metrics.PublishSent)
			return nil
		}
		w.count(metrics.PublishRetryError)
		if attempt == w.maxAttempts {
			break
		}
		if err := sleep(ctx, retryDelay(w.baseDelay, attempt)); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", domain.ErrOutboxPublish, w.maxAttempts, err)
}

func (w *Worker) deadLetter(ctx context.Context, msg domain.OutboxMessage, cause error) error {
	if w.dlq == nil {
		return nil
	}
	payload, err := json.Marshal(domain.NewDeadLetter(msg, cause, w.now()))
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	msg.Payload = payload
	return w.dlq.Publish(ctx, msg)
}

func (w *Worker) observeBacklog(ctx context.Context) {
	if w.metrics == nil || ctx.Err() != nil {
		return
	}
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("outbox stats failed")
		return
	}
	w.metrics.SetBacklog(stats.PendingCount, stats.OldestPendingAt, w.now())
}

func (w *Worker) count(result string) {
	if w.metrics != nil {
		w.metrics.RecordPublish(result)
	}
}

// retryDelay: base, 2*base, 4*base... но не больше maxRetryDelay.
func retryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	d := base
	for i := 1; i < attempt && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, maxRetryDelay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
