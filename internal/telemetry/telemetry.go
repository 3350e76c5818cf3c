// Package telemetry records sync engine metrics in a Prometheus registry.
//
// Metrics stay on the device: nothing is pushed anywhere. The desktop daemon
// exposes the registry on its localhost /metrics endpoint for scraping.
// A nil *Metrics is valid and records nothing, so components can run
// without telemetry in tests and on mobile.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fieldsync"

// Metrics holds the engine's collectors.
type Metrics struct {
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	queueDepth       *prometheus.GaugeVec
	cyclesTotal      *prometheus.CounterVec
	reconcileTotal   *prometheus.CounterVec
	online           prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_total",
				Help:      "Remote calls made for queued operations by entity type, operation, and outcome",
			},
			[]string{"entity_type", "operation", "outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Remote call duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"entity_type", "operation"},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_items",
				Help:      "Queue items by status",
			},
			[]string{"status"},
		),
		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_cycles_total",
				Help:      "Dispatcher cycles by result",
			},
			[]string{"result"},
		),
		reconcileTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_records_total",
				Help:      "Records processed by the reconciler by entity type and action",
			},
			[]string{"entity_type", "action"},
		),
		online: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "online",
				Help:      "1 when the connectivity monitor reports the API reachable",
			},
		),
	}

	reg.MustRegister(
		m.dispatchTotal,
		m.dispatchDuration,
		m.queueDepth,
		m.cyclesTotal,
		m.reconcileTotal,
		m.online,
	)
	return m
}

// ObserveDispatch records one remote call.
func (m *Metrics) ObserveDispatch(entityType, operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(entityType, operation, outcome).Inc()
	m.dispatchDuration.WithLabelValues(entityType, operation).Observe(elapsed.Seconds())
}

// SetQueueDepth publishes item counts per status.
func (m *Metrics) SetQueueDepth(pending, inFlight, failed, completed int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("pending").Set(float64(pending))
	m.queueDepth.WithLabelValues("in_flight").Set(float64(inFlight))
	m.queueDepth.WithLabelValues("failed").Set(float64(failed))
	m.queueDepth.WithLabelValues("completed").Set(float64(completed))
}

// IncCycle counts a dispatcher cycle with result ("ok", "halted", "skipped", "suspended", "error").
func (m *Metrics) IncCycle(result string) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(result).Inc()
}

// AddReconciled counts reconciled records for an entity type and action
// ("upserted", "deleted", "skipped").
func (m *Metrics) AddReconciled(entityType, action string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.reconcileTotal.WithLabelValues(entityType, action).Add(float64(n))
}

// SetOnline publishes the connectivity state.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}
