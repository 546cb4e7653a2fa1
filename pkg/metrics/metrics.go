// Package metrics exports Prometheus metrics for a nest engine.
//
// A nil *Collector is valid and records nothing, so the engine can call it
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures a Collector.
type Config struct {
	// Namespace is the metrics namespace (default: "nest").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for durations.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures a Collector.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the duration histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "nest",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collector holds the engine metrics.
type Collector struct {
	subscribes    prometheus.Counter
	watchesOpen   prometheus.Gauge
	watchOpens    prometheus.Counter
	watchCloses   prometheus.Counter
	events        *prometheus.CounterVec
	errors        *prometheus.CounterVec
	drains        prometheus.Counter
	batchSize     prometheus.Histogram
	drainDuration prometheus.Histogram
	completions   *prometheus.HistogramVec
	slots         prometheus.Gauge
}

// New registers the engine metrics and returns a Collector.
func New(opts ...Option) *Collector {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	return &Collector{
		subscribes: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "subscribe_calls_total",
			Help:        "Total number of top-level subscribe calls",
			ConstLabels: config.ConstLabels,
		}),

		watchesOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "watches_open",
			Help:        "Number of open remote watches",
			ConstLabels: config.ConstLabels,
		}),

		watchOpens: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "watch_opens_total",
			Help:        "Total number of remote watches opened",
			ConstLabels: config.ConstLabels,
		}),

		watchCloses: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "watch_closes_total",
			Help:        "Total number of remote watches closed",
			ConstLabels: config.ConstLabels,
		}),

		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "events_total",
			Help:        "Total number of remote events received",
			ConstLabels: config.ConstLabels,
		}, []string{"kind"}),

		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "errors_total",
			Help:        "Total number of engine errors by code",
			ConstLabels: config.ConstLabels,
		}, []string{"code"}),

		drains: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "queue_drains_total",
			Help:        "Total number of batched queue drains",
			ConstLabels: config.ConstLabels,
		}),

		batchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "queue_batch_size",
			Help:        "Number of calls applied per drain",
			ConstLabels: config.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 10),
		}),

		drainDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "queue_drain_duration_seconds",
			Help:        "Time spent applying one drain",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),

		completions: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "completion_duration_seconds",
			Help:        "Time from subscribe to completion",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"outcome"}),

		slots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "cache_slots",
			Help:        "Number of cache slots",
			ConstLabels: config.ConstLabels,
		}),
	}
}

// Subscribed records a top-level subscribe call.
func (c *Collector) Subscribed() {
	if c == nil {
		return
	}
	c.subscribes.Inc()
}

// WatchOpened records a remote watch being opened.
func (c *Collector) WatchOpened() {
	if c == nil {
		return
	}
	c.watchOpens.Inc()
	c.watchesOpen.Inc()
}

// WatchClosed records a remote watch being closed.
func (c *Collector) WatchClosed() {
	if c == nil {
		return
	}
	c.watchCloses.Inc()
	c.watchesOpen.Dec()
}

// Event records one remote event by kind.
func (c *Collector) Event(kind string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(kind).Inc()
}

// Error records one engine error by code.
func (c *Collector) Error(code string) {
	if c == nil {
		return
	}
	c.errors.WithLabelValues(code).Inc()
}

// Drained records one queue drain.
func (c *Collector) Drained(size int, d time.Duration) {
	if c == nil {
		return
	}
	c.drains.Inc()
	c.batchSize.Observe(float64(size))
	c.drainDuration.Observe(d.Seconds())
}

// Completed records a completion outcome: "resolved", "rejected" or
// "cancelled".
func (c *Collector) Completed(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.completions.WithLabelValues(outcome).Observe(d.Seconds())
}

// Slots sets the number of cache slots.
func (c *Collector) Slots(n int) {
	if c == nil {
		return
	}
	c.slots.Set(float64(n))
}
