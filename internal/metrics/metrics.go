// Package metrics exports pipeline counters to Prometheus.
//
// Metrics are registered on a dedicated registry, not the global one, so
// tests and multiple dashboards in one process do not collide. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Metric names.
const (
	MetricEventsLogged        = "dashlog_events_logged_total"
	MetricEventsProcessed     = "dashlog_events_processed_total"
	MetricMaterialized        = "dashlog_materialized_total"
	MetricMaterializeFailed   = "dashlog_materialize_failures_total"
	MetricNotificationsFailed = "dashlog_notifications_failed_total"
	MetricPendingEvents       = "dashlog_pending_events"
)

// Metrics holds the pipeline collectors.
//
// Thread Safety: Safe for concurrent use by multiple goroutines.
type Metrics struct {
	registry *prometheus.Registry

	eventsLogged        *prometheus.CounterVec
	eventsProcessed     *prometheus.CounterVec
	materialized        *prometheus.CounterVec
	materializeFailed   *prometheus.CounterVec
	notificationsFailed prometheus.Counter
	pendingEvents       prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricEventsLogged,
			Help: "Events appended to the event log, by event type.",
		}, []string{"type"}),
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricEventsProcessed,
			Help: "Processed-event rows written, by outcome.",
		}, []string{"outcome"}),
		materialized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricMaterialized,
			Help: "Derived rows materialized, by materializer.",
		}, []string{"materializer"}),
		materializeFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricMaterializeFailed,
			Help: "Materializer applies that failed and stay pending, by materializer.",
		}, []string{"materializer"}),
		notificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricNotificationsFailed,
			Help: "Notifications that could not be delivered.",
		}),
		pendingEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricPendingEvents,
			Help: "Events without a processed row, as of the last scan.",
		}),
	}
	m.registry.MustRegister(
		m.eventsLogged,
		m.eventsProcessed,
		m.materialized,
		m.materializeFailed,
		m.notificationsFailed,
		m.pendingEvents,
	)
	return m
}

// EventLogged counts one appended event.
func (m *Metrics) EventLogged(eventType string) {
	if m == nil {
		return
	}
	m.eventsLogged.WithLabelValues(eventType).Inc()
}

// EventProcessed counts one newly written processed row.
func (m *Metrics) EventProcessed(outcome string) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(outcome).Inc()
}

// Materialized counts one derived row written by materializer.
func (m *Metrics) Materialized(materializer string) {
	if m == nil {
		return
	}
	m.materialized.WithLabelValues(materializer).Inc()
}

// MaterializeFailed counts one failed apply.
func (m *Metrics) MaterializeFailed(materializer string) {
	if m == nil {
		return
	}
	m.materializeFailed.WithLabelValues(materializer).Inc()
}

// NotificationFailed counts one undelivered notification.
func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.notificationsFailed.Inc()
}

// SetPending records the pending-event count from the last scan.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingEvents.Set(float64(n))
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Gather collects the current metric families.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	return m.registry.Gather()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
