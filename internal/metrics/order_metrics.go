package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Причины неудачного создания заказа для метки reason.
const (
	ReasonInvalidRequest    = "invalid_request"
	ReasonInvalidItem       = "invalid_item"
	ReasonInsufficientStock = "insufficient_stock"
	ReasonStorage           = "storage"
)

// OrderMetrics содержит метрики жизненного цикла заказов и стока.
type OrderMetrics struct {
	ordersCreated  prometheus.Counter
	createFailures *prometheus.CounterVec
	cancellations  prometheus.Counter
	unitsRestored  prometheus.Counter
	statusChanges  *prometheus.CounterVec

	txDuration *prometheus.HistogramVec
	txRetries  *prometheus.CounterVec

	inFlight prometheus.Gauge
}

// NewOrderMetrics регистрирует метрики в prometheus.DefaultRegisterer.
func NewOrderMetrics() *OrderMetrics {
	return NewOrderMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewOrderMetricsWithRegisterer регистрирует метрики в переданном реестре.
// Повторная регистрация возвращает уже существующие коллекторы.
func NewOrderMetricsWithRegisterer(registerer prometheus.Registerer) *OrderMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &OrderMetrics{
		ordersCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ordercore_orders_created_total",
			Help: "Total number of orders created",
		}),
		createFailures: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ordercore_order_create_failures_total",
			Help: "Total number of rejected order creations by reason",
		}, []string{"reason"}),
		cancellations: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ordercore_orders_cancelled_total",
			Help: "Total number of cancelled orders",
		}),
		unitsRestored: registerCounter(registerer, prometheus.CounterOpts{
			Name: "ordercore_stock_units_restored_total",
			Help: "Total number of stock units returned by cancellations",
		}),
		statusChanges: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ordercore_order_status_changes_total",
			Help: "Total number of order status changes",
		}, []string{"from", "to"}),
		txDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "ordercore_tx_duration_seconds",
			Help:    "Duration of order transactions including retries",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"operation"}),
		txRetries: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "ordercore_tx_retries_total",
			Help: "Total number of transaction retries after transient storage errors",
		}, []string{"operation"}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "ordercore_order_operations_in_flight",
			Help: "Number of order operations currently executing",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *OrderMetrics) RecordOrderCreated() {
	m.ordersCreated.Inc()
}

// RecordCreateFailure фиксирует отказ в создании заказа.
func (m *OrderMetrics) RecordCreateFailure(reason string) {
	m.createFailures.WithLabelValues(reason).Inc()
}

// RecordCancellation фиксирует отмену и число возвращённых на склад единиц.
func (m *OrderMetrics) RecordCancellation(restoredUnits int) {
	m.cancellations.Inc()
	m.unitsRestored.Add(float64(restoredUnits))
}

// RecordStatusChange фиксирует смену статуса.
func (m *OrderMetrics) RecordStatusChange(from, to string) {
	m.statusChanges.WithLabelValues(from, to).Inc()
}

// RecordTxDuration записывает длительность транзакции операции.
func (m *OrderMetrics) RecordTxDuration(operation string, duration time.Duration) {
	m.txDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordTxRetry увеличивает счётчик повторов транзакции.
func (m *OrderMetrics) RecordTxRetry(operation string) {
	m.txRetries.WithLabelValues(operation).Inc()
}

// OperationStarted увеличивает число выполняющихся операций.
func (m *OrderMetrics) OperationStarted() {
	m.inFlight.Inc()
}

// OperationFinished уменьшает число выполняющихся операций.
func (m *OrderMetrics) OperationFinished() {
	m.inFlight.Dec()
}
