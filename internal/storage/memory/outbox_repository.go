package memory

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// outboxRecord хранит сообщение и служебные поля для in-memory реализации.
type outboxRecord struct {
	msg        domain.OutboxMessage
	status     domain.OutboxStatus
	attemptCnt int
	updatedAt  time.Time
}

// enqueueLocked сохраняет событие со статусом `pending`. Вызывается под s.mu.
func (s *Store) enqueueLocked(msg domain.OutboxMessage) *outboxRecord {
	now := s.now()
	msg = msg.Prepared(now)

	rec := &outboxRecord{msg: msg, status: domain.OutboxPending, updatedAt: now}
	s.outbox = append(s.outbox, rec)
	s.byID[msg.ID] = rec
	return rec
}

// dropLocked удаляет событие при откате транзакции. Вызывается под s.mu.
func (s *Store) dropLocked(id string) {
	delete(s.byID, id)
	for i := len(s.outbox) - 1; i >= 0; i-- {
		if s.outbox[i].msg.ID == id {
			s.outbox = append(s.outbox[:i], s.outbox[i+1:]...)
			return
		}
	}
}

// PullPending возвращает до limit сообщений со статусом `pending` в порядке записи.
func (s *Store) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = domain.DefaultOutboxBatch
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.OutboxMessage, 0, limit)
	for _, rec := range s.outbox {
		if rec.status != domain.OutboxPending {
			continue
		}
		result = append(result, rec.msg)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Stats возвращает размер backlog и время самого старого pending-события.
func (s *Store) Stats(ctx context.Context) (domain.OutboxStats, error) {
	if err := ctx.Err(); err != nil {
		return domain.OutboxStats{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats domain.OutboxStats
	for _, rec := range s.outbox {
		if rec.status != domain.OutboxPending {
			continue
		}
		stats.PendingCount++
		if stats.OldestPendingAt.IsZero() || rec.msg.CreatedAt.Before(stats.OldestPendingAt) {
			stats.OldestPendingAt = rec.msg.CreatedAt
		}
	}
	return stats, nil
}

// MarkSent обновляет статус события после успешной публикации.
func (s *Store) MarkSent(ctx context.Context, id string) error {
	return s.markOutbox(ctx, id, domain.OutboxSent)
}

// MarkFailed фиксирует ошибку публикации.
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	return s.markOutbox(ctx, id, domain.OutboxFailed)
}

func (s *Store) markOutbox(ctx context.Context, id string, status domain.OutboxStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[id]
	if !ok {
		return domain.ErrOutboxMessageNotFound
	}
	rec.status = status
	rec.attemptCnt++
	rec.updatedAt = s.now()
	return nil
}
