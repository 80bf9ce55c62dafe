// Package metrics exposes Prometheus instruments for the delivery pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webhook"

// Metrics groups every instrument on its own registry so tests can create
// as many as they like. A nil *Metrics records nothing.
//
// Event types arrive from unauthenticated callers, so no instrument is
// labelled with them.
type Metrics struct {
	registry *prometheus.Registry

	deliveriesCreated prometheus.Counter
	dispatchErrors    *prometheus.CounterVec
	attempts          *prometheus.CounterVec
	attemptDuration   prometheus.Histogram
	sweepResults      *prometheus.CounterVec
	sweepDuration     prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		deliveriesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deliveries_created_total",
				Help:      "Deliveries created by the dispatcher.",
			},
		),
		dispatchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_errors_total",
				Help:      "Per-subscriber dispatch failures, by stage.",
			},
			[]string{"stage"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_attempts_total",
				Help:      "Delivery attempts by resulting status.",
			},
			[]string{"status"},
		),
		attemptDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_attempt_duration_seconds",
				Help:      "Time spent waiting on subscriber endpoints.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		sweepResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_sweep_items_total",
				Help:      "Deliveries handled by the retry sweep, by action.",
			},
			[]string{"action"},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_sweep_duration_seconds",
				Help:      "Duration of a retry sweep.",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	m.registry.MustRegister(
		m.deliveriesCreated,
		m.dispatchErrors,
		m.attempts,
		m.attemptDuration,
		m.sweepResults,
		m.sweepDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterQueueDepth exposes a gauge read from fn at scrape time.
func (m *Metrics) RegisterQueueDepth(fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Delivery ids waiting in the queue.",
		},
		fn,
	))
}

func (m *Metrics) DeliveryCreated() {
	if m == nil {
		return
	}
	m.deliveriesCreated.Inc()
}

func (m *Metrics) DispatchError(stage string) {
	if m == nil {
		return
	}
	m.dispatchErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) Attempt(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(status).Inc()
	m.attemptDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) SweepItem(action string) {
	if m == nil {
		return
	}
	m.sweepResults.WithLabelValues(action).Inc()
}

func (m *Metrics) SweepFinished(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(elapsed.Seconds())
}
