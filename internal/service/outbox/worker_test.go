package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
	"github.com/vladislavdragonenkov/ordercore/internal/metrics"
	"github.com/vladislavdragonenkov/ordercore/internal/storage/memory"
)

// fakeOutbox хранит сообщения в срезе и запоминает пометки sent/failed.
type fakeOutbox struct {
	mu      sync.Mutex
	pending []domain.OutboxMessage
	sent    []string
	failed  []string
	markErr error
}

func newFakeOutbox(ids ...string) *fakeOutbox {
	f := &fakeOutbox{}
	for _, id := range ids {
		f.pending = append(f.pending, domain.OutboxMessage{
			ID:            id,
			AggregateType: domain.AggregateOrder,
			AggregateID:   "order-" + id,
			EventType:     domain.EventOrderCreated,
			Payload:       []byte(`{"order_id":"order-` + id + `"}`),
		})
	}
	return f
}

func (f *fakeOutbox) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.pending)
	if limit > 0 {
		n = min(n, limit)
	}
	return append([]domain.OutboxMessage(nil), f.pending[:n]...), nil
}

func (f *fakeOutbox) Stats(context.Context) (domain.OutboxStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := domain.OutboxStats{PendingCount: len(f.pending)}
	if len(f.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-2 * time.Second)
	}
	return stats, nil
}

func (f *fakeOutbox) MarkSent(_ context.Context, id string) error {
	return f.mark(id, &f.sent)
}

func (f *fakeOutbox) MarkFailed(_ context.Context, id string) error {
	return f.mark(id, &f.failed)
}

func (f *fakeOutbox) mark(id string, into *[]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	*into = append(*into, id)
	for i, msg := range f.pending {
		if msg.ID == id {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
	return nil
}

// fakeBroker возвращает ошибки из script по очереди, затем fallback.
type fakeBroker struct {
	mu        sync.Mutex
	script    []error
	fallback  error
	onPublish func()
	attempts  int
	accepted  []domain.OutboxMessage
}

func (b *fakeBroker) Publish(_ context.Context, msg domain.OutboxMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++
	if b.onPublish != nil {
		b.onPublish()
	}
	err := b.fallback
	if len(b.script) > 0 {
		err, b.script = b.script[0], b.script[1:]
	}
	if err == nil {
		b.accepted = append(b.accepted, msg)
	}
	return err
}

func (b *fakeBroker) snapshot() (int, []domain.OutboxMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts, append([]domain.OutboxMessage(nil), b.accepted...)
}

var (
	_ domain.OutboxRepository = (*fakeOutbox)(nil)
	_ domain.OutboxPublisher  = (*fakeBroker)(nil)
)

func TestWorker_PublishesBatchInOrder(t *testing.T) {
	repo := newFakeOutbox("m1", "m2", "m3")
	broker := &fakeBroker{}
	reg := prometheus.NewRegistry()

	worker := NewWorker(repo, broker, WithBatchSize(2), WithMetrics(metrics.NewOutboxMetricsWithRegisterer(reg)))

	require.Equal(t, 2, worker.ProcessOnce(context.Background()))
	require.Equal(t, []string{"m1", "m2"}, repo.sent)
	require.Equal(t, 1, worker.ProcessOnce(context.Background()))
	require.Equal(t, []string{"m1", "m2", "m3"}, repo.sent)

	_, accepted := broker.snapshot()
	require.Len(t, accepted, 3)
	require.Equal(t, "m3", accepted[2].ID)

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP ordercore_outbox_pending_records Current number of pending records in transactional outbox
# TYPE ordercore_outbox_pending_records gauge
ordercore_outbox_pending_records 0
`), "ordercore_outbox_pending_records"))
}

func TestWorker_RetriesThenSucceeds(t *testing.T) {
	repo := newFakeOutbox("m1")
	broker := &fakeBroker{script: []error{errors.New("leader moved"), errors.New("timeout"), nil}}
	reg := prometheus.NewRegistry()
	m := metrics.NewOutboxMetricsWithRegisterer(reg)

	worker := NewWorker(repo, broker, WithRetryBaseDelay(0), WithMaxAttempts(3), WithMetrics(m))

	require.Equal(t, 1, worker.ProcessOnce(context.Background()))
	attempts, _ := broker.snapshot()
	require.Equal(t, 3, attempts)
	require.Empty(t, repo.failed)

	count, err := testutil.GatherAndCount(reg, "ordercore_outbox_publish_attempts_total")
	require.NoError(t, err)
	require.Equal(t, 2, count, "sent and retry_error series")
}

func TestWorker_DeadLettersAfterLastAttempt(t *testing.T) {
	repo := newFakeOutbox("m1", "m2")
	repo.pending[0].EventType = domain.EventOrderCancelled
	broker := &fakeBroker{script: []error{errors.New("a"), errors.New("b")}}
	dlq := &fakeBroker{}

	worker := NewWorker(repo, broker, WithDLQPublisher(dlq), WithRetryBaseDelay(0), WithMaxAttempts(2))

	require.Equal(t, 1, worker.ProcessOnce(context.Background()), "second message still goes out")
	require.Equal(t, []string{"m1"}, repo.failed)
	require.Equal(t, []string{"m2"}, repo.sent)

	_, letters := dlq.snapshot()
	require.Len(t, letters, 1)
	require.Equal(t, "m1", letters[0].ID)

	var dead domain.DeadLetter
	require.NoError(t, json.Unmarshal(letters[0].Payload, &dead))
	require.Equal(t, domain.EventOrderCancelled, dead.EventType)
	require.JSONEq(t, `{"order_id":"order-m1"}`, string(dead.Payload))
	require.Contains(t, dead.PublishError, "after 2 attempts")
	require.Equal(t, "m1", dead.Message().ID)
}

func TestWorker_FailsWithoutDLQ(t *testing.T) {
	repo := newFakeOutbox("m1")
	worker := NewWorker(repo, &fakeBroker{fallback: errors.New("down")}, WithRetryBaseDelay(0), WithMaxAttempts(1))

	require.Zero(t, worker.ProcessOnce(context.Background()))
	require.Equal(t, []string{"m1"}, repo.failed)
}

func TestWorker_CancelLeavesMessagePending(t *testing.T) {
	repo := newFakeOutbox("m1", "m2")
	ctx, cancel := context.WithCancel(context.Background())
	broker := &fakeBroker{fallback: errors.New("down"), onPublish: cancel}

	worker := NewWorker(repo, broker, WithRetryBaseDelay(time.Hour), WithMaxAttempts(5))

	require.Zero(t, worker.ProcessOnce(ctx))
	attempts, _ := broker.snapshot()
	require.Equal(t, 1, attempts)
	require.Empty(t, repo.failed)
	require.Len(t, repo.pending, 2)
}

func TestWorker_MarkSentErrorStopsBatch(t *testing.T) {
	repo := newFakeOutbox("m1", "m2")
	repo.markErr = errors.New("db gone")
	broker := &fakeBroker{}

	require.Zero(t, NewWorker(repo, broker).ProcessOnce(context.Background()))
	attempts, _ := broker.snapshot()
	require.Equal(t, 1, attempts, "next message waits for the next poll")
}

func TestWorker_DrainsMemoryOutbox(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	order := domain.Order{ID: "order-1", UserID: "alice", Status: domain.OrderStatusPending}

	err := store.WithinTx(ctx, func(ctx context.Context, tx domain.OrderTx) error {
		for _, eventType := range []string{domain.EventOrderCreated, domain.EventOrderCancelled} {
			msg, err := domain.NewOrderOutboxMessage(eventType, order, "", time.Now().UTC())
			if err != nil {
				return err
			}
			if err := tx.EnqueueOutbox(ctx, msg); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	broker := &fakeBroker{}
	require.Equal(t, 2, NewWorker(store, broker, WithRetryBaseDelay(0)).ProcessOnce(ctx))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)

	_, accepted := broker.snapshot()
	require.Equal(t, domain.EventOrderCreated, accepted[0].EventType)
	require.Equal(t, domain.EventOrderCancelled, accepted[1].EventType)
}

func TestWorker_RunUntilCancelled(t *testing.T) {
	repo := newFakeOutbox("m1")
	worker := NewWorker(repo, &fakeBroker{}, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		return len(repo.sent) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorker_RunDisabledWithoutPublisher(t *testing.T) {
	require.NoError(t, NewWorker(newFakeOutbox(), nil).Run(context.Background()))
}

func TestRetryDelay(t *testing.T) {
	base := 10 * time.Millisecond
	require.Equal(t, base, retryDelay(base, 1))
	require.Equal(t, 2*base, retryDelay(base, 2))
	require.Equal(t, 4*base, retryDelay(base, 3))
	require.Equal(t, maxRetryDelay, retryDelay(base, 40))
	require.Zero(t, retryDelay(0, 3))
}
