package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

type OutboxRepositorySuite struct {
	suite.Suite

	store *Store
	repo  domain.OutboxRepository
	ctx   context.Context
}

func TestOutboxRepositorySuite(t *testing.T) {
	suite.Run(t, new(OutboxRepositorySuite))
}

func (s *OutboxRepositorySuite) SetupTest() {
	s.store = openMigratedStore(s.T())
	s.repo = NewOutboxRepository(s.store)
	s.ctx = context.Background()
}

func (s *OutboxRepositorySuite) enqueue(fail error, msgs ...domain.OutboxMessage) error {
	return NewTxManager(s.store).WithinTx(s.ctx, func(ctx context.Context, tx domain.OrderTx) error {
		for _, m := range msgs {
			if err := tx.EnqueueOutbox(ctx, m); err != nil {
				return err
			}
		}
		return fail
	})
}

func orderEvent(id, orderID, eventType string, at time.Time) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID: id, AggregateType: domain.AggregateOrder, AggregateID: orderID,
		EventType: eventType, Payload: []byte(`{"order_id":"` + orderID + `"}`), CreatedAt: at,
	}
}

func (s *OutboxRepositorySuite) TestPendingInCreationOrder() {
	base := time.Now().UTC().Truncate(time.Millisecond)
	s.Require().NoError(s.enqueue(nil,
		orderEvent("evt-b", "order-2", domain.EventOrderCancelled, base.Add(time.Second)),
		orderEvent("evt-a", "order-1", domain.EventOrderCreated, base),
		orderEvent("", "order-3", domain.EventOrderCreated, base.Add(2*time.Second)),
	))

	pending, err := s.repo.PullPending(s.ctx, 0)
	s.Require().NoError(err)
	s.Require().Len(pending, 3)
	s.Equal("evt-a", pending[0].ID)
	s.Equal("evt-b", pending[1].ID)
	s.NotEmpty(pending[2].ID)
	s.JSONEq(`{"order_id":"order-1"}`, string(pending[0].Payload))

	limited, err := s.repo.PullPending(s.ctx, 2)
	s.Require().NoError(err)
	s.Len(limited, 2)

	stats, err := s.repo.Stats(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, int(stats.PendingCount))
	s.WithinDuration(base, stats.OldestPendingAt, time.Millisecond)
}

func (s *OutboxRepositorySuite) TestSettledMessagesLeaveBacklog() {
	now := time.Now().UTC()
	s.Require().NoError(s.enqueue(nil,
		orderEvent("sent", "order-1", domain.EventOrderCreated, now),
		orderEvent("dead", "order-2", domain.EventOrderCreated, now),
	))

	s.Require().NoError(s.repo.MarkSent(s.ctx, "sent"))
	s.Require().NoError(s.repo.MarkFailed(s.ctx, "dead"))
	s.ErrorIs(s.repo.MarkSent(s.ctx, "missing"), domain.ErrOutboxMessageNotFound)

	pending, err := s.repo.PullPending(s.ctx, 10)
	s.Require().NoError(err)
	s.Empty(pending)

	stats, err := s.repo.Stats(s.ctx)
	s.Require().NoError(err)
	s.Zero(stats.PendingCount)
	s.True(stats.OldestPendingAt.IsZero())
}

func (s *OutboxRepositorySuite) TestRollbackDropsMessages() {
	boom := errors.New("boom")
	err := s.enqueue(boom, orderEvent("", "o", domain.EventOrderCreated, time.Time{}))
	s.Require().ErrorIs(err, boom)

	stats, err := s.repo.Stats(s.ctx)
	s.Require().NoError(err)
	s.Zero(stats.PendingCount)
}
