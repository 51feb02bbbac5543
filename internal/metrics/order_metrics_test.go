package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestNewOrderMetricsWithRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOrderMetricsWithRegisterer(reg)

	if m.ordersCreated == nil || m.createFailures == nil || m.cancellations == nil {
		t.Fatal("counters should not be nil")
	}
	if m.txDuration == nil || m.txRetries == nil || m.inFlight == nil {
		t.Fatal("tx collectors should not be nil")
	}
}

func TestNewOrderMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewOrderMetricsWithRegisterer(reg)
	second := NewOrderMetricsWithRegisterer(reg)

	first.RecordOrderCreated()
	second.RecordOrderCreated()

	if got := testutil.ToFloat64(first.ordersCreated); got != 2 {
		t.Fatalf("expected shared counter value 2, got %v", got)
	}
}

func TestOrderMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOrderMetricsWithRegisterer(reg)

	m.RecordOrderCreated()
	m.RecordCreateFailure(ReasonInsufficientStock)
	m.RecordCreateFailure(ReasonInsufficientStock)
	m.RecordCancellation(3)
	m.RecordStatusChange("PENDING", "CANCELLED")
	m.RecordTxRetry("create_order")
	m.RecordTxDuration("create_order", 15*time.Millisecond)
	m.OperationStarted()
	m.OperationStarted()
	m.OperationFinished()

	if got := testutil.ToFloat64(m.ordersCreated); got != 1 {
		t.Errorf("orders created = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.createFailures.WithLabelValues(ReasonInsufficientStock)); got != 2 {
		t.Errorf("create failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.unitsRestored); got != 3 {
		t.Errorf("units restored = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.statusChanges.WithLabelValues("PENDING", "CANCELLED")); got != 1 {
		t.Errorf("status changes = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.txRetries.WithLabelValues("create_order")); got != 1 {
		t.Errorf("tx retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.inFlight); got != 1 {
		t.Errorf("in flight = %v, want 1", got)
	}

	var metric dto.Metric
	observer, err := m.txDuration.GetMetricWithLabelValues("create_order")
	if err != nil {
		t.Fatalf("get histogram: %v", err)
	}
	if err := observer.(prometheus.Metric).Write(&metric); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	if metric.GetHistogram().GetSampleCount() != 1 {
		t.Errorf("histogram sample count = %d, want 1", metric.GetHistogram().GetSampleCount())
	}
}

func TestRegisterGauge_PanicsOnTypeMismatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	registerCounter(reg, prometheus.CounterOpts{Name: "ordercore_conflict", Help: "conflict"})

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on collector type mismatch")
		}
	}()
	registerGauge(reg, prometheus.GaugeOpts{Name: "ordercore_conflict", Help: "conflict"})
}

func TestOutboxMetrics_Backlog(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetricsWithRegisterer(reg)

	now := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	m.SetBacklog(4, now.Add(-10*time.Second), now)
	m.RecordPublish(PublishSent)
	m.RecordPublish(PublishSent)
	m.RecordPublish(PublishFailed)

	if got := testutil.ToFloat64(m.pendingRecords); got != 4 {
		t.Errorf("pending = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.oldestPendingAge); got != 10 {
		t.Errorf("oldest age = %v, want 10", got)
	}
	if got := testutil.ToFloat64(m.publishAttempts.WithLabelValues(PublishSent)); got != 2 {
		t.Errorf("sent = %v, want 2", got)
	}

	m.SetBacklog(0, time.Time{}, now)
	if got := testutil.ToFloat64(m.oldestPendingAge); got != 0 {
		t.Errorf("oldest age after drain = %v, want 0", got)
	}
}
