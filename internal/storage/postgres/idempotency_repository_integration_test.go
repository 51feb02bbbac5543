package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

type IdempotencyRepositorySuite struct {
	suite.Suite

	repo domain.IdempotencyRepository
	ctx  context.Context
	now  time.Time
}

func TestIdempotencyRepositorySuite(t *testing.T) {
	suite.Run(t, new(IdempotencyRepositorySuite))
}

func (s *IdempotencyRepositorySuite) SetupTest() {
	store := openMigratedStore(s.T())
	s.repo = NewIdempotencyRepository(store)
	s.ctx = context.Background()
	s.now = time.Now().UTC().Truncate(time.Second)
}

func (s *IdempotencyRepositorySuite) TestStoresFinishedResponse() {
	ttl := s.now.Add(2 * time.Hour)
	created, err := s.repo.CreateProcessing(s.ctx, "create-order-1", "hash-1", ttl)
	s.Require().NoError(err)
	s.Require().Equal(domain.IdempotencyStatusProcessing, created.Status)

	s.Require().NoError(s.repo.MarkDone(s.ctx, "create-order-1", []byte(`{"order_id":"o-1"}`), 0))

	got, err := s.repo.Get(s.ctx, "create-order-1")
	s.Require().NoError(err)
	s.Require().Equal(domain.IdempotencyStatusDone, got.Status)
	s.Require().True(got.Finished())
	s.Require().JSONEq(`{"order_id":"o-1"}`, string(got.ResponseBody))
	s.Require().True(got.TTLAt.Equal(ttl), "ttl: want %s, got %s", ttl, got.TTLAt)
}

func (s *IdempotencyRepositorySuite) TestFailedResponseKeepsCode() {
	_, err := s.repo.CreateProcessing(s.ctx, "cancel-1", "hash", time.Time{})
	s.Require().NoError(err)
	s.Require().NoError(s.repo.MarkFailed(s.ctx, "cancel-1", []byte(`{"message":"not cancellable"}`), 9))

	got, err := s.repo.Get(s.ctx, "cancel-1")
	s.Require().NoError(err)
	s.Require().Equal(domain.IdempotencyStatusFailed, got.Status)
	s.Require().Equal(9, got.StatusCode)
	s.Require().WithinDuration(s.now.Add(domain.DefaultIdempotencyTTL), got.TTLAt, time.Minute)
}

func (s *IdempotencyRepositorySuite) TestConflicts() {
	ttl := s.now.Add(time.Hour)
	_, err := s.repo.CreateProcessing(s.ctx, "dup", "hash-a", ttl)
	s.Require().NoError(err)

	existing, err := s.repo.CreateProcessing(s.ctx, "dup", "hash-a", ttl)
	s.Require().ErrorIs(err, domain.ErrIdempotencyKeyAlreadyExists)
	s.Require().Equal("hash-a", existing.RequestHash)

	_, err = s.repo.CreateProcessing(s.ctx, "dup", "hash-b", ttl)
	s.Require().ErrorIs(err, domain.ErrIdempotencyHashMismatch)
}

func (s *IdempotencyRepositorySuite) TestExpiredKeyIsReclaimed() {
	_, err := s.repo.CreateProcessing(s.ctx, "reuse", "old", s.now.Add(-time.Minute))
	s.Require().NoError(err)
	s.Require().NoError(s.repo.MarkDone(s.ctx, "reuse", []byte("{}"), 0))

	claimed, err := s.repo.CreateProcessing(s.ctx, "reuse", "new", s.now.Add(time.Hour))
	s.Require().NoError(err)
	s.Require().Equal("new", claimed.RequestHash)
	s.Require().Equal(domain.IdempotencyStatusProcessing, claimed.Status)
	s.Require().Empty(claimed.ResponseBody)
}

func (s *IdempotencyRepositorySuite) TestDeleteExpiredHonoursLimit() {
	for i, age := range []time.Duration{5, 4, 3} {
		_, err := s.repo.CreateProcessing(s.ctx, "expired-"+string(rune('a'+i)), "h", s.now.Add(-age*time.Minute))
		s.Require().NoError(err)
	}
	_, err := s.repo.CreateProcessing(s.ctx, "active", "h", s.now.Add(time.Hour))
	s.Require().NoError(err)

	removed, err := s.repo.DeleteExpired(s.ctx, s.now, 2)
	s.Require().NoError(err)
	s.Require().Equal(2, removed)

	// Самый свежий из просроченных остаётся до следующего прогона.
	_, err = s.repo.Get(s.ctx, "expired-c")
	s.Require().NoError(err)

	removed, err = s.repo.DeleteExpired(s.ctx, s.now, 10)
	s.Require().NoError(err)
	s.Require().Equal(1, removed)

	_, err = s.repo.Get(s.ctx, "active")
	s.Require().NoError(err)
	_, err = s.repo.Get(s.ctx, "expired-a")
	s.Require().ErrorIs(err, domain.ErrIdempotencyKeyNotFound)
}

func (s *IdempotencyRepositorySuite) TestReleaseFreesOnlyProcessingKey() {
	ttl := s.now.Add(time.Hour)
	_, err := s.repo.CreateProcessing(s.ctx, "retry-me", "hash-a", ttl)
	s.Require().NoError(err)
	s.Require().NoError(s.repo.Release(s.ctx, "retry-me"))

	_, err = s.repo.Get(s.ctx, "retry-me")
	s.Require().ErrorIs(err, domain.ErrIdempotencyKeyNotFound)

	_, err = s.repo.CreateProcessing(s.ctx, "retry-me", "hash-a", ttl)
	s.Require().NoError(err)
	s.Require().NoError(s.repo.MarkDone(s.ctx, "retry-me", []byte("{}"), 0))
	s.Require().ErrorIs(s.repo.Release(s.ctx, "retry-me"), domain.ErrIdempotencyKeyNotFound)

	got, err := s.repo.Get(s.ctx, "retry-me")
	s.Require().NoError(err)
	s.Require().Equal(domain.IdempotencyStatusDone, got.Status)
}
