// Package metrics exposes prometheus collectors for the server's operational
// counters. Collection is always on; the HTTP exposition listener is opt-in
// via static.metricsPort.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal          *prometheus.CounterVec
	RequestSeconds         prometheus.Histogram
	OpenConnections        prometheus.Gauge
	RefreshDownloadSeconds prometheus.Histogram
	RefreshBuildSeconds    prometheus.Histogram
	RefreshFailures        prometheus.Counter
	RealtimeEntities       prometheus.Gauge
	ActiveSide             prometheus.Gauge
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripline_requests_total",
			Help: "Requests handled, by verb and error code.",
		}, []string{"verb", "error"}),
		RequestSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tripline_request_duration_seconds",
			Help:    "Request processing time.",
			Buckets: prometheus.DefBuckets,
		}),
		OpenConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripline_open_connections",
			Help: "Currently open client connections.",
		}),
		RefreshDownloadSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tripline_realtime_download_seconds",
			Help:    "Realtime feed download time.",
			Buckets: prometheus.DefBuckets,
		}),
		RefreshBuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tripline_realtime_build_seconds",
			Help:    "Realtime store parse and integration time.",
			Buckets: prometheus.DefBuckets,
		}),
		RefreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripline_realtime_refresh_failures_total",
			Help: "Failed realtime refresh attempts.",
		}),
		RealtimeEntities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripline_realtime_entities",
			Help: "Trip updates in the last good realtime feed.",
		}),
		ActiveSide: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripline_realtime_active_side",
			Help: "Active realtime buffer side (0=NONE, 1=A, 2=B, 3=IDLE).",
		}),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestSeconds,
		m.OpenConnections,
		m.RefreshDownloadSeconds,
		m.RefreshBuildSeconds,
		m.RefreshFailures,
		m.RealtimeEntities,
		m.ActiveSide,
	)
	return m
}

// Handler returns the exposition handler for the optional metrics listener.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
