// Package metrics exposes build and cache counters in Prometheus format.
//
// A [Collector] owns its own registry so that tests and multiple daemons in
// one process never collide on the global default registry. All methods are
// safe to call on a nil *Collector, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "packd"

// Stage outcomes.
const (
	OutcomeExecuted = "executed" // The stage ran and produced a layer.
	OutcomeCached   = "cached"   // The stage reused a cached layer.
	OutcomeSkipped  = "skipped"  // The stage had nothing to do.
	OutcomeFailed   = "failed"   // The stage failed.
)

// Collector holds packd's metrics.
type Collector struct {
	registry *prometheus.Registry

	builds        *prometheus.CounterVec
	buildDuration prometheus.Histogram
	activeBuilds  prometheus.Gauge
	stages        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	cacheEntries  prometheus.Gauge
	cacheBytes    prometheus.Gauge
	cachePruned   prometheus.Counter
}

// New creates a collector with a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		builds: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Completed builds by result.",
		}, []string{"result"}),
		buildDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "build_duration_seconds",
			Help:      "Wall time of completed builds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		activeBuilds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "builds_active",
			Help:      "Builds currently running.",
		}),
		stages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_total",
			Help:      "Finished stages by stage name and outcome.",
		}, []string{"stage", "outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of executed stages.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 14),
		}, []string{"stage"}),
		cacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Layers recorded in the cache index.",
		}),
		cacheBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "bytes",
			Help:      "Total blob size of cached layers.",
		}),
		cachePruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "pruned_total",
			Help:      "Layers removed from the cache index by pruning.",
		}),
	}
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// BuildStarted marks a build as running. The returned function records the
// build's result and duration and must be called exactly once.
func (c *Collector) BuildStarted() func(err error) {
	if c == nil {
		return func(error) {}
	}

	start := time.Now()
	c.activeBuilds.Inc()

	return func(err error) {
		c.activeBuilds.Dec()
		result := "success"
		if err != nil {
			result = "failure"
		}
		c.builds.WithLabelValues(result).Inc()
		c.buildDuration.Observe(time.Since(start).Seconds())
	}
}

// StageFinished records a stage outcome. Durations are only observed for
// stages that actually ran.
func (c *Collector) StageFinished(stage, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.stages.WithLabelValues(stage, outcome).Inc()
	if outcome == OutcomeExecuted || outcome == OutcomeFailed {
		c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// CacheSize sets the cache gauges.
func (c *Collector) CacheSize(entries int, bytes int64) {
	if c == nil {
		return
	}
	c.cacheEntries.Set(float64(entries))
	c.cacheBytes.Set(float64(bytes))
}

// CachePruned counts layers removed by a prune.
func (c *Collector) CachePruned(n int) {
	if c == nil {
		return
	}
	c.cachePruned.Add(float64(n))
}
