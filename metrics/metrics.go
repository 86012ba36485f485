// Package metrics exposes prometheus instrumentation for the ledger and broadcaster.
//
// Every method is safe to call on a nil *Metrics so components can run uninstrumented.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fusionledger"

// Broadcast outcomes used as label values.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeRejected  = "rejected"
	OutcomeCanceled  = "canceled"
)

// Metrics holds the collectors registered for one process.
type Metrics struct {
	registry *prometheus.Registry

	commits           prometheus.Counter
	confirmations     prometheus.Counter
	entries           prometheus.Gauge
	broadcasts        *prometheus.CounterVec
	broadcastDuration prometheus.Histogram
	persistenceErrors *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
// withRuntime adds the Go runtime and process collectors.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		registry: reg,
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Records appended to the ledger.",
		}),
		confirmations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Records flipped to broadcast-confirmed.",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_entries",
			Help:      "Current number of ledger records.",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Broadcast attempts by outcome.",
		}, []string{"outcome"}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "broadcast_duration_seconds",
			Help:      "Wall time of a broadcast attempt including the simulated delay.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
		persistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Swallowed storage failures by key.",
		}, []string{"key"}),
	}

	reg.MustRegister(
		m.commits,
		m.confirmations,
		m.entries,
		m.broadcasts,
		m.broadcastDuration,
		m.persistenceErrors,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordCommit counts a commit and sets the entry gauge.
func (m *Metrics) RecordCommit(total int) {
	if m == nil {
		return
	}
	m.commits.Inc()
	m.entries.Set(float64(total))
}

// SetEntries sets the entry gauge, used after loading persisted state.
func (m *Metrics) SetEntries(total int) {
	if m == nil {
		return
	}
	m.entries.Set(float64(total))
}

// RecordConfirmation counts a first-time confirmation.
func (m *Metrics) RecordConfirmation() {
	if m == nil {
		return
	}
	m.confirmations.Inc()
}

// RecordBroadcast counts a finished attempt and observes its duration.
func (m *Metrics) RecordBroadcast(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(outcome).Inc()
	m.broadcastDuration.Observe(d.Seconds())
}

// RecordPersistenceError counts a swallowed storage failure.
func (m *Metrics) RecordPersistenceError(key string) {
	if m == nil {
		return
	}
	m.persistenceErrors.WithLabelValues(key).Inc()
}
