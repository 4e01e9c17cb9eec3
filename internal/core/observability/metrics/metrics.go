// Package metrics exports registry statistics through Prometheus.
//
// All Collector methods are safe on a nil receiver so components can be built
// without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "keeper"

// Result labels.
const (
	ResultOK       = "ok"
	ResultConflict = "conflict"
	ResultFailed   = "failed"
	ResultSkipped  = "skipped"
)

type Collector struct {
	registry *prometheus.Registry

	entities  *prometheus.GaugeVec
	ops       *prometheus.CounterVec
	durations *prometheus.HistogramVec
	migrated  *prometheus.CounterVec
}

// New builds a collector on a private registry, including Go runtime and
// process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		entities: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities",
			Help:      "Number of attached entities per store.",
		}, []string{"kind"}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Store and persistence operations by result.",
		}, []string{"kind", "op", "result"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persistence_duration_seconds",
			Help:      "Duration of load and save operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"kind", "op"}),
		migrated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrated_keys_total",
			Help:      "Legacy keys handled by the migration pass.",
		}, []string{"kind", "outcome"}),
	}
	reg.MustRegister(
		c.entities, c.ops, c.durations, c.migrated,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry, e.g. for testutil.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) SetEntities(kind string, n int) {
	if c == nil {
		return
	}
	c.entities.WithLabelValues(kind).Set(float64(n))
}

func (c *Collector) IncOp(kind, op, result string) {
	if c == nil {
		return
	}
	c.ops.WithLabelValues(kind, op, result).Inc()
}

func (c *Collector) ObserveDuration(kind, op string, d time.Duration) {
	if c == nil {
		return
	}
	c.durations.WithLabelValues(kind, op).Observe(d.Seconds())
}

// AddMigrated records converted and dropped key counts for one migration run.
func (c *Collector) AddMigrated(kind string, converted, dropped int) {
	if c == nil {
		return
	}
	c.migrated.WithLabelValues(kind, "converted").Add(float64(converted))
	c.migrated.WithLabelValues(kind, "dropped").Add(float64(dropped))
}
