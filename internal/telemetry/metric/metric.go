// Package metric provides Prometheus metrics for rudis.
//
// It exposes command rates and latencies, connection counts, key-space
// size, and expiration activity in Prometheus format.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aleksandar-had/rudis/internal/infra/buildinfo"
)

const namespace = "rudis"

// Expiration modes for the expired-keys counter.
const (
	ExpireModePassive = "passive"
	ExpireModeActive  = "active"
)

// Metrics holds all application metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	// Command metrics
	CommandsTotal   *prometheus.CounterVec
	CommandErrors   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec

	// Key-space metrics
	KeysStored       prometheus.GaugeFunc
	ExpiredKeysTotal *prometheus.CounterVec

	// BuildInfo is a constant 1 carrying version and commit labels.
	BuildInfo *prometheus.GaugeVec
}

// New creates a metrics registry. keyCount reports the current number
// of stored entries and is evaluated lazily on each scrape.
func New(keyCount func() float64) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently open client connections.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted client connections.",
		}),
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of commands processed, by command name.",
		}, []string{"command"}),
		CommandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "Total number of commands that replied with an error, by command name.",
		}, []string{"command"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command dispatch latency, by command name.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"command"}),
		ExpiredKeysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_keys_total",
			Help:      "Total number of keys removed by expiration, by mode (passive or active).",
		}, []string{"mode"}),
		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information of the running server, value is always 1.",
		}, []string{"version", "commit"}),
	}
	m.BuildInfo.WithLabelValues(buildinfo.Version, buildinfo.Commit).Set(1)

	if keyCount != nil {
		m.KeysStored = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "keys_stored",
			Help:      "Current number of stored entries, including expired entries not yet swept.",
		}, keyCount)
		reg.MustRegister(m.KeysStored)
	}

	reg.MustRegister(
		m.ConnectionsActive,
		m.ConnectionsTotal,
		m.CommandsTotal,
		m.CommandErrors,
		m.CommandDuration,
		m.ExpiredKeysTotal,
		m.BuildInfo,
	)

	return m
}

// Handler returns an HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
