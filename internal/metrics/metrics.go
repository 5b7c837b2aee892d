// Package metrics exposes prometheus instrumentation for one database
// instance. Each database owns its own registry so embedding several
// instances in one process never double-registers collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the instrument set of a database instance.
type Metrics struct {
	registry *prometheus.Registry

	Operations   *prometheus.CounterVec
	Transactions *prometheus.CounterVec
	CacheHits    prometheus.Counter
	CacheMisses  prometheus.Counter
	AuthzLatency prometheus.Histogram
}

// New creates and registers the instrument set.
func New(db string) *Metrics {
	labels := prometheus.Labels{"db": db}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bunstore_operations_total",
			Help:        "Collection operations by kind and status.",
			ConstLabels: labels,
		}, []string{"operation", "status"}),
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "bunstore_transactions_total",
			Help:        "Transaction outcomes.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "bunstore_permission_cache_hits_total",
			Help:        "Permission cache hits.",
			ConstLabels: labels,
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "bunstore_permission_cache_misses_total",
			Help:        "Permission cache misses.",
			ConstLabels: labels,
		}),
		AuthzLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "bunstore_authorization_seconds",
			Help:        "Authorization decision latency.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}

	m.registry.MustRegister(m.Operations, m.Transactions, m.CacheHits, m.CacheMisses, m.AuthzLatency)
	return m
}

// Registry returns the instance registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordOperation counts one collection operation.
func (m *Metrics) RecordOperation(operation, status string) {
	m.Operations.WithLabelValues(operation, status).Inc()
}

// RecordTransaction counts one transaction outcome.
func (m *Metrics) RecordTransaction(outcome string) {
	m.Transactions.WithLabelValues(outcome).Inc()
}

// ObserveAuthz records one authorization decision's latency.
func (m *Metrics) ObserveAuthz(d time.Duration) {
	m.AuthzLatency.Observe(d.Seconds())
}
