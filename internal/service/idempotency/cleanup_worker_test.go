package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
	"github.com/vladislavdragonenkov/ordercore/internal/metrics"
	"github.com/vladislavdragonenkov/ordercore/internal/storage/memory"
)

// scriptedRepo отдаёт заранее заданные ответы DeleteExpired; остальные методы не нужны воркеру.
type scriptedRepo struct {
	domain.IdempotencyRepository

	mu      sync.Mutex
	results []int
	errs    []error
	limits  []int
}

func (r *scriptedRepo) DeleteExpired(_ context.Context, _ time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.limits = append(r.limits, limit)
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	if len(r.results) == 0 {
		return 0, nil
	}
	n := r.results[0]
	r.results = r.results[1:]
	return n, nil
}

func (r *scriptedRepo) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limits)
}

func TestCleanupWorker_SweepDrainsFullBatches(t *testing.T) {
	repo := &scriptedRepo{results: []int{3, 3, 1}}
	m := metrics.NewIdempotencyMetricsWithRegisterer(prometheus.NewRegistry())
	worker := NewCleanupWorker(repo, CleanupBatch(3), CleanupMetrics(m))

	deleted, err := worker.Sweep(context.Background(), time.Now())
	require.NoError(t, err)
	require.Equal(t, 7, deleted)
	require.Equal(t, []int{3, 3, 3}, repo.limits)
}

func TestCleanupWorker_SweepReportsPartialProgress(t *testing.T) {
	repo := &scriptedRepo{results: []int{2}, errs: []error{nil, errors.New("connection reset")}}
	worker := NewCleanupWorker(repo, CleanupBatch(2))

	deleted, err := worker.Sweep(context.Background(), time.Time{})
	require.EqualError(t, err, "connection reset")
	require.Equal(t, 2, deleted)
}

func TestCleanupWorker_SweepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	repo := &scriptedRepo{}
	deleted, err := NewCleanupWorker(repo).Sweep(ctx, time.Now())
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, deleted)
	require.Zero(t, repo.calls())
}

func TestCleanupWorker_SweepMemoryRepository(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	now := time.Now().UTC()

	for key, ttl := range map[string]time.Duration{"gone-1": -2 * time.Minute, "gone-2": -time.Minute, "kept": time.Hour} {
		_, err := repo.CreateProcessing(ctx, key, "hash", now.Add(ttl))
		require.NoError(t, err)
	}

	deleted, err := NewCleanupWorker(repo, CleanupBatch(1)).Sweep(ctx, now)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	_, err = repo.Get(ctx, "kept")
	require.NoError(t, err)
	_, err = repo.Get(ctx, "gone-1")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

func TestCleanupWorker_RunRecordsRunsUntilCancelled(t *testing.T) {
	logger, hook := test.NewNullLogger()
	registry := prometheus.NewRegistry()
	repo := &scriptedRepo{results: []int{4}, errs: []error{nil, errors.New("db down")}}

	worker := NewCleanupWorker(repo,
		CleanupEvery(5*time.Millisecond),
		CleanupBatch(10),
		CleanupLogger(log.NewEntry(logger)),
		CleanupMetrics(metrics.NewIdempotencyMetricsWithRegisterer(registry)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool { return repo.calls() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}

	var messages []string
	for _, entry := range hook.AllEntries() {
		messages = append(messages, entry.Message)
	}
	require.Contains(t, messages, "expired idempotency keys removed")
	require.Contains(t, messages, "idempotency cleanup failed")

	count, err := testutil.GatherAndCount(registry, "ordercore_idempotency_cleanup_runs_total")
	require.NoError(t, err)
	require.Equal(t, 2, count, "ok and error series")
}

func TestCleanupWorker_RunWithoutRepository(t *testing.T) {
	logger, hook := test.NewNullLogger()
	worker := NewCleanupWorker(nil, CleanupLogger(log.NewEntry(logger)))

	require.NoError(t, worker.Run(context.Background()))
	require.Equal(t, log.WarnLevel, hook.LastEntry().Level)
}
