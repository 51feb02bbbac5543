package metrics

import "github.com/prometheus/client_golang/prometheus"

// IdempotencyMetrics: метрики ключей идемпотентности и их очистки.
type IdempotencyMetrics struct {
	cleanupRuns    *prometheus.CounterVec
	cleanupDeleted prometheus.Counter
	lastDeleted    prometheus.Gauge
	replays        *prometheus.CounterVec
}

// NewIdempotencyMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewIdempotencyMetrics() *IdempotencyMetrics {
	return NewIdempotencyMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewIdempotencyMetricsWithRegisterer регистрирует метрики в переданном реестре.
func NewIdempotencyMetricsWithRegisterer(registerer prometheus.Registerer) *IdempotencyMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &IdempotencyMetrics{
		cleanupRuns: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ordercore_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs grouped by result",
		}, []string{"result"}),
		cleanupDeleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ordercore_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency records",
		}),
		lastDeleted: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "ordercore_idempotency_cleanup_last_deleted",
			Help: "Number of deleted records during the last cleanup run",
		}),
		replays: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ordercore_idempotency_outcomes_total",
			Help: "Idempotent request outcomes: executed, replayed, released, in_progress, mismatch",
		}, []string{"outcome"}),
	}
}

// RecordCleanupRun фиксирует результат одного цикла очистки.
func (m *IdempotencyMetrics) RecordCleanupRun(ok bool, deleted int) {
	if !ok {
		m.cleanupRuns.WithLabelValues("error").Inc()
		return
	}
	m.cleanupRuns.WithLabelValues("ok").Inc()
	m.lastDeleted.Set(float64(deleted))
}

// RecordDeleted увеличивает счётчик удалённых записей.
func (m *IdempotencyMetrics) RecordDeleted(n int) {
	if n > 0 {
		m.cleanupDeleted.Add(float64(n))
	}
}

// RecordOutcome фиксирует исход запроса с ключом идемпотентности.
func (m *IdempotencyMetrics) RecordOutcome(outcome string) {
	m.replays.WithLabelValues(outcome).Inc()
}
