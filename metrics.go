package cachepilot

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cache-pilot/cache-pilot/pkg/directive"
)

// Metrics holds the engine's Prometheus metrics. All record methods are
// nil-safe, so an engine without metrics costs nothing but the nil checks.
type Metrics struct {
	Decisions      *prometheus.CounterVec
	Responses      *prometheus.CounterVec
	OriginErrors   prometheus.Counter
	ConfigLoads    prometheus.Counter
	StaleServes    prometheus.Counter
	TagTruncations prometheus.Counter
	FetchSeconds   *prometheus.HistogramVec
	registry       *prometheus.Registry
}

// NewMetrics creates and registers the engine metrics on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_pilot_decisions_total",
				Help: "Policy decisions by category and strategy",
			},
			[]string{"category", "strategy"},
		),
		Responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_pilot_responses_total",
				Help: "Shaped responses by category and status class",
			},
			[]string{"category", "class"},
		),
		OriginErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_pilot_origin_errors_total",
				Help: "Failed origin fetches",
			},
		),
		ConfigLoads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_pilot_config_changes_total",
				Help: "Configuration snapshot changes observed by the engine",
			},
		),
		StaleServes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_pilot_stale_serves_total",
				Help: "Configuration reads served stale after a provider failure",
			},
		),
		TagTruncations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_pilot_tag_truncations_total",
				Help: "Cache-Tag headers that dropped tags to fit the size limit",
			},
		),
		FetchSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cache_pilot_fetch_duration_seconds",
				Help:    "Origin fetch plus shaping latency by category",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"category"},
		),
		registry: registry,
	}
	registry.MustRegister(m.Decisions)
	registry.MustRegister(m.Responses)
	registry.MustRegister(m.OriginErrors)
	registry.MustRegister(m.ConfigLoads)
	registry.MustRegister(m.StaleServes)
	registry.MustRegister(m.TagTruncations)
	registry.MustRegister(m.FetchSeconds)
	return m
}

// Handler serves the registry, for mounting on the admin server.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) decision(category, strategy string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(category, strategy).Inc()
}

func (m *Metrics) response(category string, status int) {
	if m == nil {
		return
	}
	class := directive.Class(status)
	if class == "" {
		class = strconv.Itoa(status)
	}
	m.Responses.WithLabelValues(category, class).Inc()
}

func (m *Metrics) originError() {
	if m == nil {
		return
	}
	m.OriginErrors.Inc()
}

func (m *Metrics) configChange() {
	if m == nil {
		return
	}
	m.ConfigLoads.Inc()
}

func (m *Metrics) fetchSeconds(category string, seconds float64) {
	if m == nil {
		return
	}
	m.FetchSeconds.WithLabelValues(category).Observe(seconds)
}

// StaleServe records a configuration read served stale. Exported so the
// config store's hook can be pointed straight at it.
func (m *Metrics) StaleServe() {
	if m == nil {
		return
	}
	m.StaleServes.Inc()
}

// TagsTruncated records a Cache-Tag header that had to drop tags.
func (m *Metrics) TagsTruncated() {
	if m == nil {
		return
	}
	m.TagTruncations.Inc()
}
