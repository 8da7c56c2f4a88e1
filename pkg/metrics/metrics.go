// Package metrics exposes cache and generation counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels for lookups.
const (
	ResultHit  = "hit"
	ResultMiss = "miss"
)

// Status labels for generations.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics owns a private registry so tests and embedders do not clash on
// the global one.
type Metrics struct {
	registry *prometheus.Registry

	lookups     *prometheus.CounterVec
	generations *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
	genDuration *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aicache_lookups_total",
				Help: "Cache lookups by mode and result",
			},
			[]string{"mode", "result"},
		),
		generations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aicache_generations_total",
				Help: "Upstream generations by mode and status",
			},
			[]string{"mode", "status"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "aicache_store_errors_total",
				Help: "Cache store failures swallowed on the request path",
			},
			[]string{"op"},
		),
		genDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "aicache_generation_duration_seconds",
				Help:    "Upstream generation latency",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"mode"},
		),
	}

	m.registry.MustRegister(m.lookups, m.generations, m.storeErrors, m.genDuration)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// ObserveLookup counts one cache lookup.
func (m *Metrics) ObserveLookup(mode string, hit bool) {
	result := ResultMiss
	if hit {
		result = ResultHit
	}
	m.lookups.WithLabelValues(mode, result).Inc()
}

// ObserveGeneration counts one upstream call and its latency.
func (m *Metrics) ObserveGeneration(mode string, d time.Duration, err error) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	m.generations.WithLabelValues(mode, status).Inc()
	m.genDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// ObserveStoreError implements cache.Observer.
func (m *Metrics) ObserveStoreError(op string) {
	m.storeErrors.WithLabelValues(op).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
