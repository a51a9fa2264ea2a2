// Package metrics defines the Prometheus collectors of the persistence layer.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing,
// so components can call it unconditionally.
type Metrics struct {
	commits        *prometheus.CounterVec
	commitDuration *prometheus.HistogramVec
	insertPasses   prometheus.Histogram
	writes         *prometheus.CounterVec
	transactions   *prometheus.CounterVec
	cachedObjects  prometheus.Gauge
}

// New builds an unregistered set of collectors.
func New() *Metrics {
	return &Metrics{
		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "unitofwork",
				Subsystem: "commit",
				Name:      "pipelines_total",
				Help:      "Counter of commit pipeline runs.",
			}, []string{"kind", "result"}),
		commitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "unitofwork",
				Subsystem: "commit",
				Name:      "duration_seconds",
				Help:      "Bucketed histogram of commit pipeline run time (s).",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
			}, []string{"kind"}),
		insertPasses: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "unitofwork",
				Subsystem: "commit",
				Name:      "insert_passes",
				Help:      "Number of fixed-point insert passes per commit.",
				Buckets:   prometheus.LinearBuckets(1, 1, 8),
			}),
		writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "unitofwork",
				Subsystem: "commit",
				Name:      "writes_total",
				Help:      "Counter of objects written per store and operation.",
			}, []string{"store", "op"}),
		transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "unitofwork",
				Subsystem: "txn",
				Name:      "outcomes_total",
				Help:      "Counter of transaction context outcomes.",
			}, []string{"outcome"}),
		cachedObjects: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "unitofwork",
				Subsystem: "cache",
				Name:      "objects",
				Help:      "Objects held by identity caches of active contexts.",
			}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	var errs []error
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.commits, m.commitDuration, m.insertPasses, m.writes, m.transactions, m.cachedObjects,
	}
}

// ObserveCommit records one pipeline run.
func (m *Metrics) ObserveCommit(flush bool, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	kind := "commit"
	if flush {
		kind = "flush"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.commits.WithLabelValues(kind, result).Inc()
	m.commitDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObservePasses records the number of insert passes of one commit.
func (m *Metrics) ObservePasses(n int) {
	if m == nil || n == 0 {
		return
	}
	m.insertPasses.Observe(float64(n))
}

// AddWrites counts n objects written to store by op
// (insert, fixup, update or delete).
func (m *Metrics) AddWrites(store, op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.writes.WithLabelValues(store, op).Add(float64(n))
}

// TransactionFinished counts a context outcome
// (committed, rolled_back or in_doubt).
func (m *Metrics) TransactionFinished(outcome string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(outcome).Inc()
}

// CachedObjects adjusts the cached object gauge by delta.
func (m *Metrics) CachedObjects(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.cachedObjects.Add(float64(delta))
}
