package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. It satisfies
// tasks.Instruments.
type Metrics struct {
	Operations       *prometheus.CounterVec
	OperationLatency *prometheus.HistogramVec
	BulkBatchSize    *prometheus.HistogramVec
	StoreRetries     *prometheus.CounterVec
	CycleRejections  *prometheus.CounterVec
	ActivityRecords  prometheus.Counter
	FeedSubscribers  prometheus.Gauge
	HTTPRequests     *prometheus.CounterVec
	StreamMessages   *prometheus.CounterVec

	window *opWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the instruments on reg instead of the default registry.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_operations_total",
			Help:      "Task engine operations by op and outcome.",
		}, []string{"op", "outcome"}),
		OperationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_operation_latency_ms",
			Help:      "Task engine operation latency in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"op"}),
		BulkBatchSize: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bulk_batch_size",
			Help:      "Distinct task ids per bulk operation.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"op"}),
		StoreRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retries_total",
			Help:      "Atomic store units retried after a write conflict.",
		}, []string{"op"}),
		CycleRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_rejections_total",
			Help:      "Edges or parent links rejected because they would close a cycle.",
		}, []string{"graph"}),
		ActivityRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_records_total",
			Help:      "Activity records committed.",
		}),
		FeedSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "activity_feed_subscribers",
			Help:      "Live activity feed subscribers.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern and status code.",
		}, []string{"route", "code"}),
		StreamMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_stream_messages_total",
			Help:      "Activity websocket messages by direction and type.",
		}, []string{"direction", "type"}),
		window: newOpWindow(256),
	}
}

func (m *Metrics) ObserveOperation(op, outcome string, elapsed time.Duration) {
	ms := float64(elapsed.Microseconds()) / 1000
	m.Operations.WithLabelValues(op, outcome).Inc()
	m.OperationLatency.WithLabelValues(op).Observe(ms)
	m.window.Observe(op, outcome, ms)
}

func (m *Metrics) ObserveBulkSize(op string, n int) {
	m.BulkBatchSize.WithLabelValues(op).Observe(float64(n))
}

func (m *Metrics) IncStoreRetry(op string) {
	m.StoreRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) IncCycleRejected(graph string) {
	m.CycleRejections.WithLabelValues(graph).Inc()
}

func (m *Metrics) AddActivity(n int) {
	m.ActivityRecords.Add(float64(n))
}

func (m *Metrics) SetSubscribers(n int) {
	m.FeedSubscribers.Set(float64(n))
}

func (m *Metrics) ObserveStreamMessage(direction, msgType string) {
	m.StreamMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) ObserveHTTPRequest(route string, code int) {
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// OperationSnapshot summarises the recent latency window per operation.
func (m *Metrics) OperationSnapshot() OperationSnapshot {
	return m.window.Snapshot()
}

func (m *Metrics) ResetOperationWindow() {
	m.window.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
