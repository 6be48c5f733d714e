package dashboard

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the dashboard
type Metrics struct {
	// Counters
	AuthAttemptsTotal    prometheus.CounterVec
	EventsPersistedTotal prometheus.CounterVec
	DuplicateEventsTotal prometheus.Counter
	DeliveriesTotal      prometheus.CounterVec
	StreamLinesTotal     prometheus.Counter
	ErrorsTotal          prometheus.CounterVec

	// Gauges
	StreamsActive prometheus.Gauge

	// Histograms
	DeliveryDuration prometheus.HistogramVec
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// InitMetrics initializes global Prometheus metrics
func InitMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			AuthAttemptsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tracelens_auth_attempts_total",
					Help: "Total login/signup attempts by result",
				},
				[]string{"action", "result"},
			),
			EventsPersistedTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tracelens_events_persisted_total",
					Help: "Total events written to local storage",
				},
				[]string{"type"},
			),
			DuplicateEventsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "tracelens_duplicate_events_total",
					Help: "Total event appends skipped as duplicates",
				},
			),
			DeliveriesTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tracelens_deliveries_total",
					Help: "Total outbound ingestion deliveries by status",
				},
				[]string{"status"},
			),
			StreamLinesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "tracelens_stream_lines_total",
					Help: "Total event lines relayed to downstream clients",
				},
			),
			ErrorsTotal: *promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tracelens_errors_total",
					Help: "Total errors by component",
				},
				[]string{"component", "type"},
			),
			StreamsActive: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "tracelens_streams_active",
					Help: "Currently open relay streams",
				},
			),
			DeliveryDuration: *promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tracelens_delivery_duration_seconds",
					Help:    "Outbound ingestion delivery duration",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
		}
	})
	return globalMetrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	if globalMetrics == nil {
		return InitMetrics()
	}
	return globalMetrics
}

// RecordAuthAttempt records a login or signup attempt
func (m *Metrics) RecordAuthAttempt(action string, result string) {
	if m == nil {
		return
	}
	m.AuthAttemptsTotal.WithLabelValues(action, result).Inc()
}

// RecordEventPersisted records a locally stored event
func (m *Metrics) RecordEventPersisted(eventType string) {
	if m == nil {
		return
	}
	m.EventsPersistedTotal.WithLabelValues(eventType).Inc()
}

// RecordDuplicateEvent records an append absorbed as a duplicate
func (m *Metrics) RecordDuplicateEvent() {
	if m == nil {
		return
	}
	m.DuplicateEventsTotal.Inc()
}

// RecordDelivery records an outbound delivery outcome
func (m *Metrics) RecordDelivery(status string) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(status).Inc()
}

// RecordDeliveryDuration records how long an outbound delivery took
func (m *Metrics) RecordDeliveryDuration(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.DeliveryDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordStreamLine records one line forwarded to a downstream client
func (m *Metrics) RecordStreamLine() {
	if m == nil {
		return
	}
	m.StreamLinesTotal.Inc()
}

// StreamOpened increments the active stream gauge
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StreamsActive.Inc()
}

// StreamClosed decrements the active stream gauge
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.StreamsActive.Dec()
}

// RecordError records an error
func (m *Metrics) RecordError(component string, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
